package discovery

import (
	"context"
	"net/http"
	"sync"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/meridian/internal/cluster"
	"github.com/dreamware/meridian/internal/metrics"
)

// MembershipPath is where nodes accept membership messages.
const MembershipPath = "/cluster/membership"

// PublishErrorsTotal counts membership deliveries that failed.
var PublishErrorsTotal = metrics.MustRegisterCounterVec(
	"discovery",
	"publish_errors_total",
	"Number of failed membership deliveries.",
	"node",
)

// Publisher pushes membership messages to nodes.
type Publisher struct {
	client *http.Client
	logger logr.Logger
}

// NewPublisher returns a Publisher using client.
func NewPublisher(client *http.Client, logger logr.Logger) *Publisher {
	if client == nil {
		client = &http.Client{}
	}
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}
	return &Publisher{client: client, logger: logger}
}

// Publish sends m to every node in parallel. A node that cannot be reached
// does not hold up the others; failures are returned by node ID.
func (p *Publisher) Publish(ctx context.Context, nodes []cluster.NodeInfo, m cluster.Membership) map[string]error {
	var mu sync.Mutex
	failed := make(map[string]error)

	var g errgroup.Group
	for _, n := range nodes {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, cluster.DiscoveryTimeout)
			defer cancel()

			if err := cluster.DoJSON(callCtx, p.client, http.MethodPost, n.Addr+MembershipPath, m, nil); err != nil {
				PublishErrorsTotal.WithLabelValues(n.ID).Inc()
				p.logger.Error(err, "membership delivery failed", "node", n.ID, "addr", n.Addr)
				mu.Lock()
				failed[n.ID] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return failed
}
