// Package discovery produces the membership feed that worker nodes build
// their hash rings from.
//
//	node ──POST /register──► Server ──► Registry
//	                           │  ▲
//	                           │  └── HealthMonitor (evicts after N failures)
//	                           ▼
//	        POST {node}/cluster/membership to every node
//
// Registration and eviction mark the membership as changed; Server.Run
// coalesces changes and publishes the full membership from a single
// goroutine, plus a periodic republish. A node that cannot be reached is
// logged and skipped; the others still receive the update.
//
// Discovery only distributes membership. Nodes decide ownership on their
// own from the rings they build, so a discovery outage freezes the
// membership without stopping request routing.
package discovery
