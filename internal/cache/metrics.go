package cache

import (
	"github.com/dreamware/meridian/internal/metrics"
)

const component = "cache"

// Lookup outcomes recorded in LookupCounterTotal.
const (
	outcomeHit       = "hit"
	outcomeMiss      = "miss"
	outcomeNegative  = "negative"
	outcomeInline    = "inline"
	outcomeMemory    = "memory"
	outcomeStorage   = "storage"
	outcomeShared    = "shared"
	outcomeGenerated = "generated"
	outcomeFailed    = "failed"
)

// LookupCounterTotal counts cache lookups by cache name and outcome.
// [cache, outcome].
var LookupCounterTotal = metrics.MustRegisterCounterVec(
	component,
	"lookups_total",
	"Number of cache lookups by outcome.",
	"cache", "outcome",
)

// InvalidationCounterTotal counts cache invalidations.
// [cache].
var InvalidationCounterTotal = metrics.MustRegisterCounterVec(
	component,
	"invalidations_total",
	"Number of cache entries invalidated.",
	"cache",
)

// StorageWriteCounterTotal counts content-addressed writes that reached the backing store.
// [cache].
var StorageWriteCounterTotal = metrics.MustRegisterCounterVec(
	component,
	"storage_writes_total",
	"Number of content-addressed values written to storage.",
	"cache",
)
