// Package cluster routes work across Meridian worker nodes.
//
// # Overview
//
// A Cluster holds one consistent-hash ring per service ("servers",
// "import", "search") plus the set of URLs this node answers on. Any node
// can compute the owner of any key without asking anyone: the ring for the
// service is looked up, the key hashed, and the owning endpoint compared
// against the node's own addresses.
//
//	        ┌──────────────┐
//	        │  Discovery   │  POST /cluster/membership
//	        └──────┬───────┘
//	               │ Membership{service: {api: [urls]}}
//	     ┌─────────┼──────────┐
//	     ▼         ▼          ▼
//	┌─────────┐ ┌─────────┐ ┌─────────┐
//	│ Node A  │ │ Node B  │ │ Node C  │
//	│ rings   │ │ rings   │ │ rings   │
//	└─────────┘ └─────────┘ └─────────┘
//
// # Membership
//
// Membership messages arrive on a channel (see MembershipHandler) and are
// applied by Run, the only writer. Each message replaces the rings of the
// services it names with freshly built immutable snapshots; readers load
// the current snapshot without locking and never see a half-built ring.
//
// Until the first message arrives every ring is empty, which means every
// key is local. A single node therefore works without any discovery
// service at all.
//
// # Addresses
//
// Addresses are compared after NormalizeAddress, so a node listening on
// "http://0.0.0.0:8080" recognizes itself in a ring that lists
// "http://localhost:8080".
//
// # Fan-out
//
// Broadcast and Notify call every peer of a ring in parallel, bounded by
// Options.Concurrency. Each call has its own timeout; a slow or failing
// peer is reported but does not cancel the rest.
//
// # Timeouts
//
// Inter-node calls use one of three budgets: DiscoveryTimeout for
// registration, MetadataTimeout for small JSON calls and BulkTimeout for
// tile payloads. Failures are not retried.
package cluster
