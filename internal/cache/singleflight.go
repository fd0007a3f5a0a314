package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
)

// ErrRejected wraps the validator's error when a generated value is refused.
var ErrRejected = errors.New("generated value rejected")

// Invalidator is a cache that can take part in an invalidation cascade.
// It is implemented by *Memo.
type Invalidator interface {
	// Invalidate drops the cached value and cascades to dependents.
	Invalidate()

	invalidate(visited map[Invalidator]struct{})
	addDependent(d Invalidator)
}

// flight is one generation attempt. done is closed once val and err are set.
type flight[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// MemoOption configures a Memo.
type MemoOption[T any] func(*Memo[T])

// WithValidator rejects generated values for which validate returns an error.
// A rejected value is treated exactly like a failed generation.
func WithValidator[T any](validate func(T) error) MemoOption[T] {
	return func(m *Memo[T]) {
		m.validate = validate
	}
}

// WithName labels the memo in logs and metrics.
func WithName[T any](name string) MemoOption[T] {
	return func(m *Memo[T]) {
		m.name = name
	}
}

// WithLogger sets the memo's logger.
func WithLogger[T any](logger logr.Logger) MemoOption[T] {
	return func(m *Memo[T]) {
		m.logger = logger
	}
}

// Memo memoizes the result of an expensive generator.
//
// At most one generation runs at a time: the first caller on a miss publishes
// a handle under the mutex and every concurrent caller waits on that same
// handle. The generator itself runs without the lock held. Failed or rejected
// generations clear the handle so the next caller starts fresh; there is no
// backoff.
//
// Memos form a one-directional dependency graph through DependsOn.
// Invalidating a memo clears it and every memo that depends on it,
// transitively. Dependents are not recomputed until their next Get.
type Memo[T any] struct {
	gen        func(ctx context.Context) (T, error)
	validate   func(T) error
	logger     logr.Logger
	current    *flight[T]
	name       string
	dependents []Invalidator
	mu         sync.Mutex
}

// NewMemo returns a Memo around gen.
func NewMemo[T any](gen func(ctx context.Context) (T, error), opts ...MemoOption[T]) *Memo[T] {
	m := &Memo[T]{
		gen:    gen,
		name:   "memo",
		logger: logr.Discard(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns the memoized value, generating it if needed.
//
// The generation runs detached from ctx so a caller giving up does not fail
// the attempt for the other waiters; ctx only bounds how long this caller
// waits.
func (m *Memo[T]) Get(ctx context.Context) (T, error) {
	m.mu.Lock()
	f := m.current
	if f == nil {
		f = &flight[T]{done: make(chan struct{})}
		m.current = f
		m.mu.Unlock()
		LookupCounterTotal.WithLabelValues(m.name, outcomeGenerated).Inc()
		go m.run(context.WithoutCancel(ctx), f)
	} else {
		m.mu.Unlock()
		LookupCounterTotal.WithLabelValues(m.name, outcomeHit).Inc()
	}

	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Peek returns the value of a completed, successful generation without
// starting one.
func (m *Memo[T]) Peek() (T, bool) {
	m.mu.Lock()
	f := m.current
	m.mu.Unlock()

	var zero T
	if f == nil {
		return zero, false
	}
	select {
	case <-f.done:
		if f.err != nil {
			return zero, false
		}
		return f.val, true
	default:
		return zero, false
	}
}

func (m *Memo[T]) run(ctx context.Context, f *flight[T]) {
	val, err := m.generate(ctx)
	if err == nil && m.validate != nil {
		if verr := m.validate(val); verr != nil {
			err = fmt.Errorf("%w: %w", ErrRejected, verr)
		}
	}

	f.val, f.err = val, err
	if err != nil {
		LookupCounterTotal.WithLabelValues(m.name, outcomeFailed).Inc()
		m.logger.V(1).Info("generation failed, next caller retries", "memo", m.name, "error", err.Error())
		m.mu.Lock()
		if m.current == f {
			m.current = nil
		}
		m.mu.Unlock()
	}
	close(f.done)
}

func (m *Memo[T]) generate(ctx context.Context) (val T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("memo %s: generator panicked: %v", m.name, r)
		}
	}()
	return m.gen(ctx)
}

// Invalidate clears the memoized value and recursively invalidates all
// dependents. Cycles in the dependency graph are tolerated.
func (m *Memo[T]) Invalidate() {
	m.invalidate(make(map[Invalidator]struct{}))
}

func (m *Memo[T]) invalidate(visited map[Invalidator]struct{}) {
	if _, seen := visited[m]; seen {
		return
	}
	visited[m] = struct{}{}

	m.mu.Lock()
	m.current = nil
	deps := make([]Invalidator, len(m.dependents))
	copy(deps, m.dependents)
	m.mu.Unlock()

	InvalidationCounterTotal.WithLabelValues(m.name).Inc()
	for _, d := range deps {
		d.invalidate(visited)
	}
}

// DependsOn registers m as a dependent of root: invalidating root
// invalidates m.
func (m *Memo[T]) DependsOn(root Invalidator) {
	root.addDependent(m)
}

func (m *Memo[T]) addDependent(d Invalidator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dependents = append(m.dependents, d)
}
