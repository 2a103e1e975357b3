package layer

import (
	"context"
	"sync"
)

// State is where an asynchronous fetch stands.
type State int

const (
	StatePending State = iota
	StateReady
	StateFailed
	// StateStale means the data arrived after a newer pass moved to another level.
	StateStale
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateStale:
		return "stale"
	default:
		return "unknown"
	}
}

// MarshalText lets states appear by name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Future is the result of one loader call. It settles exactly once.
type Future[T any] struct {
	done  chan struct{}
	once  sync.Once
	state State
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) settle(state State, v T, err error) {
	f.once.Do(func() {
		f.state = state
		f.value = v
		f.err = err
		close(f.done)
	})
}

// Done is closed once the future leaves StatePending.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// State reports the current state without blocking.
func (f *Future[T]) State() State {
	select {
	case <-f.done:
		return f.state
	default:
		return StatePending
	}
}

// Value returns the data when ready, and the zero value otherwise.
func (f *Future[T]) Value() (T, bool) {
	var zero T
	if f.State() != StateReady {
		return zero, false
	}
	return f.value, true
}

// Err returns the failure once settled.
func (f *Future[T]) Err() error {
	if f.State() == StatePending {
		return nil
	}
	return f.err
}

// Wait blocks until the future settles or ctx ends.
func (f *Future[T]) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
