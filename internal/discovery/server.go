package discovery

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogcontext "github.com/veqryn/slog-context"

	"github.com/dreamware/meridian/internal/cluster"
	"github.com/dreamware/meridian/internal/metrics"
)

// DefaultRepublishInterval is how often the full membership is pushed even
// without changes, so nodes that missed an update converge.
const DefaultRepublishInterval = 30 * time.Second

// RegisteredNodes reports the number of registered nodes.
var RegisteredNodes = metrics.MustRegisterGaugeVec(
	"discovery",
	"registered_nodes",
	"Number of nodes in the discovery registry.",
)

// Options configures a Server.
type Options struct {
	Client            *http.Client
	Logger            logr.Logger
	HealthInterval    time.Duration
	RepublishInterval time.Duration
	MaxFailures       int
}

// Server is the discovery service: nodes register with it, it watches
// their health and pushes the membership to every node whenever it
// changes.
type Server struct {
	registry  *Registry
	monitor   *HealthMonitor
	publisher *Publisher
	logger    logr.Logger
	changed   chan struct{}
	republish time.Duration
}

// NewServer returns a Server.
func NewServer(opts Options) *Server {
	if opts.Logger.GetSink() == nil {
		opts.Logger = logr.Discard()
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 10 * time.Second
	}
	if opts.RepublishInterval <= 0 {
		opts.RepublishInterval = DefaultRepublishInterval
	}

	s := &Server{
		registry:  NewRegistry(),
		monitor:   NewHealthMonitor(opts.HealthInterval, opts.Logger.WithName("health")),
		publisher: NewPublisher(opts.Client, opts.Logger.WithName("publisher")),
		logger:    opts.Logger,
		changed:   make(chan struct{}, 1),
		republish: opts.RepublishInterval,
	}
	if opts.MaxFailures > 0 {
		s.monitor.SetMaxFailures(opts.MaxFailures)
	}
	s.monitor.SetOnUnhealthy(s.evict)
	return s
}

// Registry returns the node registry.
func (s *Server) Registry() *Registry { return s.registry }

// Monitor returns the health monitor.
func (s *Server) Monitor() *HealthMonitor { return s.monitor }

// Register adds or updates a node and schedules a publish if anything changed.
func (s *Server) Register(node cluster.NodeInfo) {
	if s.registry.Register(node) {
		s.logger.Info("node registered", "node", node.ID, "addr", node.Addr, "services", node.Services)
		s.markChanged()
	}
}

func (s *Server) evict(nodeID string) {
	if s.registry.Remove(nodeID) {
		s.logger.Info("node evicted", "node", nodeID)
		s.markChanged()
	}
}

// markChanged coalesces change notifications; Run publishes the latest
// membership once per batch.
func (s *Server) markChanged() {
	RegisteredNodes.WithLabelValues().Set(float64(len(s.registry.Nodes())))
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

// Run publishes the membership after every change and every republish
// interval, and runs the health monitor, until ctx is done. Publishing
// happens on this goroutine only, so nodes see updates in order.
func (s *Server) Run(ctx context.Context) {
	go s.monitor.Start(ctx, s.registry.Nodes)

	ticker := time.NewTicker(s.republish)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.changed:
			s.Publish(ctx)
		case <-ticker.C:
			s.Publish(ctx)
		}
	}
}

// Publish pushes the current membership to every registered node.
func (s *Server) Publish(ctx context.Context) map[string]error {
	nodes := s.registry.Nodes()
	if len(nodes) == 0 {
		return nil
	}
	failed := s.publisher.Publish(ctx, nodes, cluster.MembershipFromNodes(nodes))
	s.logger.V(1).Info("membership published", "nodes", len(nodes), "failed", len(failed))
	return failed
}

// Handler returns the discovery HTTP API.
func (s *Server) Handler(logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("GET /nodes", s.handleListNodes)
	mux.HandleFunc("GET /membership", s.handleMembership)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := slogcontext.NewCtx(r.Context(), logger.With("method", r.Method, "path", r.URL.Path))
		mux.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Node.ID == "" || req.Node.Addr == "" {
		http.Error(w, "missing id/addr", http.StatusBadRequest)
		return
	}
	slogcontext.FromCtx(r.Context()).InfoContext(r.Context(), "registration", "node", req.Node.ID)
	s.Register(req.Node)
	w.WriteHeader(http.StatusNoContent)
}

// nodeStatus is a registered node with its health record.
type nodeStatus struct {
	cluster.NodeInfo
	Health *NodeHealth `json:"health,omitempty"`
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes := s.registry.Nodes()
	out := make([]nodeStatus, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, nodeStatus{NodeInfo: n, Health: s.monitor.GetNodeHealth(n.ID)})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Nodes []nodeStatus `json:"nodes"`
	}{Nodes: out})
}

func (s *Server) handleMembership(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.registry.Membership())
}
