// Package hashring implements the consistent-hash ring Meridian uses to decide
// which worker node owns a resource.
//
// # Overview
//
// Every endpoint occupies several virtual "stop points" on a 32-bit ring. A key
// is hashed onto the same ring and belongs to the endpoint holding the first
// stop point at or after the key's position, wrapping around at the top:
//
//	0 ──●A──●C──────●B──●A────●C──●B──── 2^32
//	         ▲
//	         └── Hash("tiles/eu") → C
//
// Removing one of N endpoints only moves the keys that endpoint owned, roughly
// 1/N of the keyspace. Keys owned by the survivors keep their owner because the
// survivors' stop points do not move.
//
// # Snapshots
//
// A Ring is immutable. Callers that track membership build a fresh Ring for
// every change and publish it with an atomic pointer swap (see the cluster
// package). Readers therefore never see a half-built ring, though they may
// briefly see a stale one.
//
// # Usage
//
//	ring := hashring.New([]string{"http://a:8081", "http://b:8081"}, hashring.DefaultStopPoints)
//	owner, ok := ring.Endpoint("resource-42")
//	if !ok {
//	    // empty ring: treat as local
//	}
package hashring
