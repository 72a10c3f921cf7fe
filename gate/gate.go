// Package gate provides a resettable, value-carrying signal that any number
// of goroutines can wait on.
package gate

import (
	"context"
	"sync"
)

// generation is one set/unset epoch of a Gate. v is written before ch is
// closed and never afterwards.
type generation[T any] struct {
	ch chan struct{}
	v  T
}

// Gate holds an optional value. Wait blocks until a value is present, and
// returns it without consuming it, so every Wait between a Set and the next
// Reset returns immediately.
type Gate[T any] struct {
	mu  sync.Mutex
	gen *generation[T]
	set bool
}

// New returns an unset Gate.
func New[T any]() *Gate[T] {
	return &Gate[T]{gen: &generation[T]{ch: make(chan struct{})}}
}

// Set stores v and releases all current and future waiters until the next
// Reset.
func (g *Gate[T]) Set(v T) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.set {
		// waiters of the closed generation already hold the old value;
		// start a fresh, already-closed generation for the new one.
		ch := make(chan struct{})
		close(ch)
		g.gen = &generation[T]{ch: ch, v: v}
		return
	}
	g.gen.v = v
	close(g.gen.ch)
	g.set = true
}

// Reset clears the stored value; subsequent calls to Wait block again.
func (g *Gate[T]) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.set {
		return
	}
	g.gen = &generation[T]{ch: make(chan struct{})}
	g.set = false
}

// Wait blocks until a value is available or ctx is done.
// The only error returned is ctx.Err().
func (g *Gate[T]) Wait(ctx context.Context) (T, error) {
	g.mu.Lock()
	gen := g.gen
	g.mu.Unlock()

	select {
	case <-gen.ch:
		return gen.v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Peek returns the current value and whether one is set, without blocking.
func (g *Gate[T]) Peek() (T, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.set {
		var zero T
		return zero, false
	}
	return g.gen.v, true
}

// Ready returns a channel that is closed once the gate is set. The channel
// belongs to the current epoch: after a Reset, call Ready again.
func (g *Gate[T]) Ready() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gen.ch
}
