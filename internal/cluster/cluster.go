package cluster

import (
	"context"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"

	"github.com/dreamware/meridian/internal/hashring"
	"github.com/dreamware/meridian/internal/metrics"
)

// Well-known ring names.
const (
	RingServers = "servers"
	RingImport  = "import"
	RingSearch  = "search"
)

// RingMembersGauge reports the current member count per ring.
// [ring].
var RingMembersGauge = metrics.MustRegisterGaugeVec(
	"cluster",
	"ring_members",
	"Number of endpoints on each hash ring.",
	"ring",
)

// Options configures a Cluster.
type Options struct {
	// Client issues inter-node requests. Per-call timeouts come from the
	// request context.
	Client *http.Client
	// Logger for the cluster.
	Logger logr.Logger
	// Addresses are the URLs this node is reachable at.
	Addresses []string
	// Rings are created empty up front. Defaults to servers, import and search.
	Rings []string
	// StopPoints per endpoint; defaults to hashring.DefaultStopPoints.
	StopPoints int
	// Concurrency caps parallel calls during a broadcast.
	Concurrency int
}

// Cluster holds the named hash rings and this node's own addresses.
//
// The ring set is an immutable map swapped atomically by Apply, so lookups
// take no locks. Apply is expected to be driven by a single writer (Run).
type Cluster struct {
	rings       atomic.Pointer[map[string]*hashring.Ring]
	self        map[string]struct{}
	client      *http.Client
	logger      logr.Logger
	stopPoints  int
	concurrency int
	applyMu     sync.Mutex
}

// New returns a Cluster whose rings are empty, which makes every key local
// until the first membership message arrives.
func New(opts Options) *Cluster {
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Logger.GetSink() == nil {
		opts.Logger = logr.Discard()
	}
	if opts.StopPoints <= 0 {
		opts.StopPoints = hashring.DefaultStopPoints
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 16
	}
	if len(opts.Rings) == 0 {
		opts.Rings = []string{RingServers, RingImport, RingSearch}
	}

	c := &Cluster{
		self:        make(map[string]struct{}, len(opts.Addresses)),
		client:      opts.Client,
		logger:      opts.Logger,
		stopPoints:  opts.StopPoints,
		concurrency: opts.Concurrency,
	}
	for _, a := range opts.Addresses {
		c.self[NormalizeAddress(a)] = struct{}{}
	}

	rings := make(map[string]*hashring.Ring, len(opts.Rings))
	for _, name := range opts.Rings {
		rings[name] = hashring.New(nil, opts.StopPoints)
	}
	c.rings.Store(&rings)
	return c
}

// NormalizeAddress canonicalizes a node URL for comparison. Wildcard bind
// hosts ("*", "0.0.0.0", "::", empty) become "localhost"; scheme and host
// are lower-cased and trailing slashes dropped.
func NormalizeAddress(addr string) string {
	addr = strings.TrimRight(strings.TrimSpace(addr), "/")
	scheme, hostport, found := strings.Cut(addr, "://")
	if !found {
		return addr
	}
	scheme = strings.ToLower(scheme)

	rest := ""
	if i := strings.IndexByte(hostport, '/'); i >= 0 {
		hostport, rest = hostport[:i], hostport[i:]
	}

	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = hostport, ""
	}
	switch host {
	case "*", "0.0.0.0", "::", "":
		host = "localhost"
	}
	host = strings.ToLower(host)

	if port != "" {
		hostport = net.JoinHostPort(host, port)
	} else {
		hostport = host
	}
	return scheme + "://" + hostport + rest
}

// Ring returns the current snapshot of the named ring, or nil if no such
// ring exists.
func (c *Cluster) Ring(name string) *hashring.Ring {
	return (*c.rings.Load())[name]
}

// RingNames returns the names of all known rings in sorted order.
func (c *Cluster) RingNames() []string {
	rings := *c.rings.Load()
	names := make([]string, 0, len(rings))
	for name := range rings {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsSelf reports whether addr is one of this node's addresses.
func (c *Cluster) IsSelf(addr string) bool {
	_, ok := c.self[NormalizeAddress(addr)]
	return ok
}

// IsLocal reports whether host should be treated as this node for ring.
// An empty or unknown ring means single-node mode: everything is local.
func (c *Cluster) IsLocal(ring, host string) bool {
	if c.Ring(ring).Len() == 0 {
		return true
	}
	return c.IsSelf(host)
}

// Endpoint returns the owner of key on ring and whether that owner is this
// node. An empty ring yields ("", true).
func (c *Cluster) Endpoint(ring, key string) (string, bool) {
	endpoint, ok := c.Ring(ring).Endpoint(key)
	if !ok {
		return "", true
	}
	return endpoint, c.IsSelf(endpoint)
}

// EndpointForResource returns the node owning a resource id.
func (c *Cluster) EndpointForResource(id string) (string, bool) {
	return c.Endpoint(RingServers, id)
}

// EndpointForGeometry returns the node owning a geometry by its content key.
func (c *Cluster) EndpointForGeometry(hash string) (string, bool) {
	return c.Endpoint(RingServers, hash)
}

// Members returns the endpoints on ring.
func (c *Cluster) Members(ring string) []string {
	return c.Ring(ring).Endpoints()
}

// Peers returns the endpoints on ring other than this node.
func (c *Cluster) Peers(ring string) []string {
	members := c.Members(ring)
	peers := members[:0]
	for _, m := range members {
		if !c.IsSelf(m) {
			peers = append(peers, m)
		}
	}
	return peers
}

// Apply replaces the ring of every service named in m with a ring built
// from its "api" URLs. Rings of services absent from m are kept.
func (c *Cluster) Apply(m Membership) {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	current := *c.rings.Load()
	next := make(map[string]*hashring.Ring, len(current)+len(m))
	for name, r := range current {
		next[name] = r
	}

	for service, apis := range m {
		urls := make([]string, 0, len(apis[APIKind]))
		for _, u := range apis[APIKind] {
			urls = append(urls, NormalizeAddress(u))
		}
		ring := hashring.New(urls, c.stopPoints)
		next[service] = ring
		RingMembersGauge.WithLabelValues(service).Set(float64(ring.Len()))
		c.logger.Info("ring updated", "ring", service, "members", ring.Endpoints())
	}

	c.rings.Store(&next)
}

// Run applies membership messages from updates until ctx is done or the
// channel is closed. It is the only writer of the ring set.
func (c *Cluster) Run(ctx context.Context, updates <-chan Membership) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-updates:
			if !ok {
				return
			}
			c.Apply(m)
		}
	}
}

// Client returns the HTTP client used for inter-node calls.
func (c *Cluster) Client() *http.Client {
	return c.client
}
