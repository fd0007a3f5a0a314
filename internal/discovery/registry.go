package discovery

import (
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/meridian/internal/cluster"
)

// DefaultServices is assigned to nodes that register without naming any.
var DefaultServices = []string{cluster.RingServers}

// Registry is the set of registered nodes, in registration order.
type Registry struct {
	nodes []cluster.NodeInfo
	mu    sync.RWMutex
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds node or replaces the entry with the same ID. It reports
// whether the registry changed.
func (r *Registry) Register(node cluster.NodeInfo) bool {
	if len(node.Services) == 0 {
		node.Services = slices.Clone(DefaultServices)
	}
	node.Addr = cluster.NormalizeAddress(node.Addr)

	r.mu.Lock()
	defer r.mu.Unlock()

	idx := slices.IndexFunc(r.nodes, func(n cluster.NodeInfo) bool { return n.ID == node.ID })
	if idx < 0 {
		r.nodes = append(r.nodes, node)
		return true
	}
	if r.nodes[idx].Addr == node.Addr && slices.Equal(r.nodes[idx].Services, node.Services) {
		return false
	}
	r.nodes[idx] = node
	return true
}

// Remove drops the node with the given ID and reports whether it was present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	before := len(r.nodes)
	r.nodes = slices.DeleteFunc(r.nodes, func(n cluster.NodeInfo) bool { return n.ID == id })
	return len(r.nodes) != before
}

// Nodes returns a copy of the registered nodes.
func (r *Registry) Nodes() []cluster.NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.nodes)
}

// Membership returns the membership message describing the registry.
func (r *Registry) Membership() cluster.Membership {
	return cluster.MembershipFromNodes(r.Nodes())
}
