package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrFaulted marks every error returned by a resolver that failed to
// resolve. The original cause is wrapped alongside it.
var ErrFaulted = errors.New("resolver faulted")

// State is the observable resolution state of a resolver.
type State int32

const (
	// Pending means resolution has not settled yet.
	Pending State = iota
	// Ready means the value is available.
	Ready
	// Faulted means resolution failed. It is terminal.
	Faulted
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	case Faulted:
		return "faulted"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// future settles exactly once, to either a value or an error.
type future[T any] struct {
	done  chan struct{}
	value T
	err   error
	once  sync.Once
	state atomic.Int32
}

func newFuture[T any]() *future[T] {
	return &future[T]{done: make(chan struct{})}
}

func (f *future[T]) resolve(v T) {
	f.once.Do(func() {
		f.value = v
		f.state.Store(int32(Ready))
		close(f.done)
	})
}

func (f *future[T]) fail(err error) {
	f.once.Do(func() {
		f.err = fmt.Errorf("%w: %w", ErrFaulted, err)
		f.state.Store(int32(Faulted))
		close(f.done)
	})
}

// wait blocks until the future settles or ctx is done. Giving up on ctx does
// not affect the resolution.
func (f *future[T]) wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (f *future[T]) State() State {
	return State(f.state.Load())
}

// Err returns the fault, or nil while pending or when ready.
func (f *future[T]) Err() error {
	if f.State() != Faulted {
		return nil
	}
	<-f.done
	return f.err
}
