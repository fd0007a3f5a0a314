package hashring

import (
	"crypto/md5"
	"encoding/binary"
	"sort"
	"strconv"
)

// DefaultStopPoints is the number of positions each endpoint occupies on the ring.
const DefaultStopPoints = 64

// stopPoint is one virtual position of an endpoint on the ring.
type stopPoint struct {
	endpoint string
	hash     uint32
}

// Ring is an immutable consistent-hash snapshot mapping keys to endpoints.
//
// A Ring is never modified after New returns. Membership changes build a new
// Ring and swap it in wholesale, so concurrent readers observe either the old
// or the new snapshot and never a partially built one.
//
// The zero value and a nil *Ring both behave as an empty ring.
type Ring struct {
	points     []stopPoint
	endpoints  []string
	stopPoints int
}

// Hash maps a key onto the 32-bit ring space.
//
// It reads the last four bytes of the MD5 digest of the UTF-8 key as a
// big-endian integer. MD5 is used only for its distribution, not for security.
func Hash(key string) uint32 {
	sum := md5.Sum([]byte(key))
	return binary.BigEndian.Uint32(sum[len(sum)-4:])
}

// New builds a ring for the given endpoints with stopPoints positions each.
//
// The hash input for stop point i of an endpoint is
//
//	endpoint + "(" + i + "," + previousHash + ")"
//
// where previousHash is the hash of stop point i-1 (0 for the first one).
// Chaining each point into the next spreads an endpoint's points apart.
// Duplicate endpoints are collapsed and input order does not matter.
// A non-positive stopPoints selects DefaultStopPoints.
func New(endpoints []string, stopPoints int) *Ring {
	if stopPoints <= 0 {
		stopPoints = DefaultStopPoints
	}

	unique := make([]string, 0, len(endpoints))
	seen := make(map[string]struct{}, len(endpoints))
	for _, e := range endpoints {
		if e == "" {
			continue
		}
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		unique = append(unique, e)
	}
	sort.Strings(unique)

	points := make([]stopPoint, 0, len(unique)*stopPoints)
	for _, e := range unique {
		var prev uint32
		for i := 0; i < stopPoints; i++ {
			prev = Hash(e + "(" + strconv.Itoa(i) + "," + strconv.FormatUint(uint64(prev), 10) + ")")
			points = append(points, stopPoint{endpoint: e, hash: prev})
		}
	}

	// Equal hashes are ordered by endpoint so construction stays deterministic.
	sort.Slice(points, func(i, j int) bool {
		if points[i].hash != points[j].hash {
			return points[i].hash < points[j].hash
		}
		return points[i].endpoint < points[j].endpoint
	})

	return &Ring{
		points:     points,
		endpoints:  unique,
		stopPoints: stopPoints,
	}
}

// Endpoint returns the endpoint owning key: the one holding the first stop
// point whose hash is greater than or equal to Hash(key), wrapping around to
// the first stop point. It reports false when the ring has no endpoints.
func (r *Ring) Endpoint(key string) (string, bool) {
	if r == nil || len(r.points) == 0 {
		return "", false
	}

	h := Hash(key)
	idx := sort.Search(len(r.points), func(i int) bool {
		return r.points[i].hash >= h
	})
	if idx == len(r.points) {
		idx = 0
	}
	return r.points[idx].endpoint, true
}

// Endpoints returns a copy of the ring members in sorted order.
func (r *Ring) Endpoints() []string {
	if r == nil {
		return nil
	}
	out := make([]string, len(r.endpoints))
	copy(out, r.endpoints)
	return out
}

// Contains reports whether endpoint is a ring member.
func (r *Ring) Contains(endpoint string) bool {
	if r == nil {
		return false
	}
	i := sort.SearchStrings(r.endpoints, endpoint)
	return i < len(r.endpoints) && r.endpoints[i] == endpoint
}

// Len returns the number of endpoints on the ring.
func (r *Ring) Len() int {
	if r == nil {
		return 0
	}
	return len(r.endpoints)
}

// StopPoints returns the number of stop points per endpoint.
func (r *Ring) StopPoints() int {
	if r == nil {
		return 0
	}
	return r.stopPoints
}
