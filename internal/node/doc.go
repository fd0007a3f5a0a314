// Package node is the worker process glue: a Service owning the cluster
// view, the resource resolver cache, the geometry content store and the
// memoized resource indexes, plus the HTTP API in front of them.
//
// Cache layering for a resource request:
//
//	request ─► MultiResolver[id] ─► ResourceResolver ─┬─► engine (local)
//	                                                  └─► owner node (remote)
//
// The cluster index memo depends on the local index memo, so refreshing a
// resource drops both and the next index request broadcasts again.
package node
