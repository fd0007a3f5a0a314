// Package cache provides the three caching layers a Meridian worker puts in
// front of expensive geospatial work.
//
//	request ──► MultiResolver ──► Memo ──► ContentStore ──► storage.Store
//	            (which answer?)   (once)   (write once)
//
// MultiResolver remembers the outcome of an ordered chain of lookups, with a
// long lifetime for answers and a short one for misses. Memo runs an expensive
// generator at most once at a time and wires memos into an invalidation graph.
// ContentStore keys values by their content so identical results are written
// to storage once and small ones are never written at all.
//
// None of the types hold a lock while calling a resolver, a generator or the
// backing store.
package cache
