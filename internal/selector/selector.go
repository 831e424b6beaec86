// Package selector provides memoized read models over a store's state.
package selector

import (
	"context"
	"fmt"
	"sync"

	"github.com/OrlandoBitencourt/flagsync/internal/store"
)

// Source is the part of the store a selector depends on.
type Source interface {
	Subscribe(fn store.Listener) func()
	State() store.State
}

// Projection derives a value from the store state. It may call the handle.
type Projection[T any] func(ctx context.Context, st store.State) (T, error)

// Selector caches the result of a projection and recomputes it on the first
// read after the store's state version changes.
type Selector[T any] struct {
	src  Source
	proj Projection[T]

	mu       sync.Mutex
	computed bool
	version  uint64
	value    T
	err      error

	sigMu       sync.Mutex
	closed      bool
	updates     chan struct{}
	unsubscribe func()
}

func New[T any](src Source, proj Projection[T]) *Selector[T] {
	s := &Selector[T]{
		src:     src,
		proj:    proj,
		updates: make(chan struct{}, 1),
	}
	s.unsubscribe = src.Subscribe(s.signal)
	return s
}

func (s *Selector[T]) signal() {
	s.sigMu.Lock()
	defer s.sigMu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

// Get returns the projected value. Between two notifications it returns the
// same value and error without calling the projection again. The cache never
// moves back to an older state version.
func (s *Selector[T]) Get(ctx context.Context) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.src.State()
	if s.computed && st.Version <= s.version {
		return s.value, s.err
	}

	s.value, s.err = s.run(ctx, st)
	s.version = st.Version
	s.computed = true
	return s.value, s.err
}

func (s *Selector[T]) run(ctx context.Context, st store.State) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			value, err = zero, fmt.Errorf("selector projection panicked: %v", r)
		}
	}()
	return s.proj(ctx, st)
}

// Updates receives a coalesced signal after each store notification. It is
// closed by Close.
func (s *Selector[T]) Updates() <-chan struct{} {
	return s.updates
}

// Close stops listening to the store. Cached values remain readable.
func (s *Selector[T]) Close() {
	s.sigMu.Lock()
	defer s.sigMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.unsubscribe()
	close(s.updates)
}
