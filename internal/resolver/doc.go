// Package resolver resolves resources and geometries to the node that owns
// them.
//
// A resolver asks the cluster for the owner of its key when it is built,
// then settles in the background to Ready or Faulted:
//
//	NewResource ──► Pending ──┬──► Ready    (engine.Open, or owner's metadata)
//	                          └──► Faulted  (wrapped cause, terminal)
//
// Every data accessor waits for settlement and then either calls the local
// engine or issues the matching REST call against the owner. A Ready
// resolver never resolves again.
package resolver
