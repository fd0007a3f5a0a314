package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// DefaultHitTTL is how long a resolved value is served without re-resolving.
	DefaultHitTTL = 10 * time.Minute
	// DefaultMissTTL is how long a failed lookup is remembered.
	DefaultMissTTL = 30 * time.Second
	// DefaultSize bounds each tier when MultiOptions.Size is not set.
	DefaultSize = 4096
)

// ResolverFunc looks up key. It reports false when it has no value for the
// key. An error is logged and the next resolver is tried.
type ResolverFunc[K comparable, V any] func(ctx context.Context, key K) (V, bool, error)

// MultiOptions configures a MultiResolver.
type MultiOptions struct {
	// Name labels the cache in logs and metrics.
	Name string
	// Logger for the cache.
	Logger logr.Logger
	// HitTTL is the lifetime of a resolved value.
	HitTTL time.Duration
	// MissTTL is the lifetime of a remembered miss. Must be shorter than HitTTL.
	MissTTL time.Duration
	// Size bounds each tier; zero selects DefaultSize.
	Size int
}

// entry is a cached lookup outcome. Misses carry the zero value.
type entry[V any] struct {
	created time.Time
	value   V
}

// outcome is what one resolution round hands to every waiting caller.
type outcome[V any] struct {
	value V
	found bool
	err   error
}

// call is an in-flight resolution of one key. done is closed once out is set.
type call[V any] struct {
	done chan struct{}
	out  outcome[V]
}

// MultiResolver caches the first successful answer from an ordered list of
// resolvers.
//
// Resolvers are tried strictly in registration order and the first one that
// returns a value without error wins. The winner is cached for HitTTL. When no
// resolver produces a value the miss is cached for the shorter MissTTL, so
// failed lookups are retried sooner than good answers are re-validated while
// the resolvers are still spared a call on every request. Expiry is checked
// when an entry is read; nothing sweeps the tiers in the background.
//
// Concurrent misses on one key share a single resolution. It runs detached
// from the callers' contexts, so a caller giving up neither fails the others
// nor leaves a miss behind.
type MultiResolver[K comparable, V any] struct {
	hits      *lru.Cache[K, *entry[V]]
	misses    *lru.Cache[K, *entry[V]]
	calls     map[K]*call[V]
	logger    logr.Logger
	name      string
	resolvers []ResolverFunc[K, V]
	hitTTL    time.Duration
	missTTL   time.Duration
	mu        sync.Mutex
}

// NewMultiResolver returns a cache consulting resolvers in order.
func NewMultiResolver[K comparable, V any](opts MultiOptions, resolvers ...ResolverFunc[K, V]) (*MultiResolver[K, V], error) {
	if opts.HitTTL <= 0 {
		opts.HitTTL = DefaultHitTTL
	}
	if opts.MissTTL <= 0 {
		opts.MissTTL = DefaultMissTTL
	}
	if opts.MissTTL >= opts.HitTTL {
		return nil, fmt.Errorf("miss TTL %s must be shorter than hit TTL %s", opts.MissTTL, opts.HitTTL)
	}
	if len(resolvers) == 0 {
		return nil, errors.New("at least one resolver is required")
	}
	if opts.Size <= 0 {
		opts.Size = DefaultSize
	}
	if opts.Name == "" {
		opts.Name = "resolver"
	}
	if opts.Logger.GetSink() == nil {
		opts.Logger = logr.Discard()
	}

	hits, err := lru.New[K, *entry[V]](opts.Size)
	if err != nil {
		return nil, fmt.Errorf("create hit tier: %w", err)
	}
	misses, err := lru.New[K, *entry[V]](opts.Size)
	if err != nil {
		return nil, fmt.Errorf("create miss tier: %w", err)
	}

	return &MultiResolver[K, V]{
		hits:      hits,
		misses:    misses,
		calls:     make(map[K]*call[V]),
		logger:    opts.Logger,
		name:      opts.Name,
		resolvers: resolvers,
		hitTTL:    opts.HitTTL,
		missTTL:   opts.MissTTL,
	}, nil
}

// fresh returns the entry for key if it is younger than ttl.
func fresh[K comparable, V any](tier *lru.Cache[K, *entry[V]], key K, ttl time.Duration) (*entry[V], bool) {
	e, ok := tier.Get(key)
	if !ok || time.Since(e.created) >= ttl {
		return nil, false
	}
	return e, true
}

// Get returns the cached or freshly resolved value for key.
//
// It reports false when no resolver had a value. If that happened because
// resolvers failed, their joined errors are returned too. The miss is cached
// unless every failure was a context cancellation or deadline. ctx only
// bounds how long this caller waits.
func (m *MultiResolver[K, V]) Get(ctx context.Context, key K) (V, bool, error) {
	if e, ok := fresh(m.hits, key, m.hitTTL); ok {
		LookupCounterTotal.WithLabelValues(m.name, outcomeHit).Inc()
		return e.value, true, nil
	}
	if _, ok := fresh(m.misses, key, m.missTTL); ok {
		LookupCounterTotal.WithLabelValues(m.name, outcomeNegative).Inc()
		var zero V
		return zero, false, nil
	}

	m.mu.Lock()
	c, ok := m.calls[key]
	if !ok {
		c = &call[V]{done: make(chan struct{})}
		m.calls[key] = c
		m.mu.Unlock()
		go m.run(context.WithoutCancel(ctx), key, c)
	} else {
		m.mu.Unlock()
		LookupCounterTotal.WithLabelValues(m.name, outcomeShared).Inc()
	}

	select {
	case <-c.done:
		return c.out.value, c.out.found, c.out.err
	case <-ctx.Done():
		var zero V
		return zero, false, ctx.Err()
	}
}

// Peek returns a fresh cached hit for key without resolving or touching
// recency.
func (m *MultiResolver[K, V]) Peek(key K) (V, bool) {
	e, ok := m.hits.Peek(key)
	if !ok || time.Since(e.created) >= m.hitTTL {
		var zero V
		return zero, false
	}
	return e.value, true
}

func (m *MultiResolver[K, V]) run(ctx context.Context, key K, c *call[V]) {
	c.out = m.resolve(ctx, key)

	m.mu.Lock()
	delete(m.calls, key)
	m.mu.Unlock()
	close(c.done)
}

func (m *MultiResolver[K, V]) resolve(ctx context.Context, key K) outcome[V] {
	LookupCounterTotal.WithLabelValues(m.name, outcomeMiss).Inc()

	var errs []error
	for i, r := range m.resolvers {
		v, found, err := m.try(ctx, i, r, key)
		if err != nil {
			m.logger.V(1).Info("resolver failed", "cache", m.name, "resolver", i, "key", key, "error", err.Error())
			errs = append(errs, fmt.Errorf("resolver %d: %w", i, err))
			continue
		}
		if !found {
			continue
		}

		m.Add(key, v)
		return outcome[V]{value: v, found: true}
	}

	err := errors.Join(errs...)
	if len(errs) > 0 && onlyContextErrors(errs) {
		LookupCounterTotal.WithLabelValues(m.name, outcomeFailed).Inc()
		return outcome[V]{err: err}
	}
	m.misses.Add(key, &entry[V]{created: time.Now()})
	return outcome[V]{err: err}
}

func (m *MultiResolver[K, V]) try(ctx context.Context, i int, r ResolverFunc[K, V], key K) (v V, found bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s: resolver %d panicked: %v", m.name, i, p)
		}
	}()
	return r(ctx, key)
}

func onlyContextErrors(errs []error) bool {
	for _, err := range errs {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return false
		}
	}
	return true
}

// Add caches value as a hit for key, replacing any cached miss.
func (m *MultiResolver[K, V]) Add(key K, value V) {
	m.hits.Add(key, &entry[V]{created: time.Now(), value: value})
	m.misses.Remove(key)
}

// Invalidate evicts the cached outcome for key if it is at least minAge old
// and reports whether it did. Younger entries are kept so a burst of
// concurrent invalidations only forces one re-resolution.
func (m *MultiResolver[K, V]) Invalidate(key K, minAge time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, tier := range []*lru.Cache[K, *entry[V]]{m.hits, m.misses} {
		e, ok := tier.Peek(key)
		if !ok {
			continue
		}
		if time.Since(e.created) < minAge {
			return false
		}
		tier.Remove(key)
		InvalidationCounterTotal.WithLabelValues(m.name).Inc()
		return true
	}
	return false
}

// Len returns the number of cached hits and misses, including entries that
// have expired but not been evicted yet.
func (m *MultiResolver[K, V]) Len() int {
	return m.hits.Len() + m.misses.Len()
}

// Purge drops every cached hit and miss.
func (m *MultiResolver[K, V]) Purge() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.hits.Purge()
	m.misses.Purge()
	InvalidationCounterTotal.WithLabelValues(m.name).Inc()
}
