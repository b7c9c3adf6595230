// Package gate caps the number of page fetches in flight across a batch.
package gate

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultCapacity is the number of concurrent fetches admitted by default.
const DefaultCapacity = 20

// Gate is a FIFO counting semaphore with in-flight accounting.
type Gate struct {
	sem       *semaphore.Weighted
	capacity  int64
	inFlight  atomic.Int64
	highWater atomic.Int64
	observe   func(int64)
}

// Option customizes a Gate.
type Option func(*Gate)

// WithObserver registers a callback invoked with the in-flight count after
// every admission and release.
func WithObserver(fn func(inFlight int64)) Option {
	return func(g *Gate) {
		g.observe = fn
	}
}

// New creates a Gate admitting at most capacity holders.
func New(capacity int, opts ...Option) (*Gate, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("gate capacity must be > 0, got %d", capacity)
	}
	g := &Gate{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Acquire blocks until a slot is free or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("gate acquire: %w", err)
	}
	n := g.inFlight.Add(1)
	for {
		hw := g.highWater.Load()
		if n <= hw || g.highWater.CompareAndSwap(hw, n) {
			break
		}
	}
	g.notify(n)
	return nil
}

// Release frees one slot. It must be paired with a successful Acquire.
func (g *Gate) Release() {
	n := g.inFlight.Add(-1)
	g.sem.Release(1)
	g.notify(n)
}

// Capacity returns the configured number of slots.
func (g *Gate) Capacity() int {
	return int(g.capacity)
}

// InFlight returns the number of current holders.
func (g *Gate) InFlight() int {
	return int(g.inFlight.Load())
}

// HighWater returns the largest number of simultaneous holders observed.
func (g *Gate) HighWater() int {
	return int(g.highWater.Load())
}

func (g *Gate) notify(n int64) {
	if g.observe != nil {
		g.observe(n)
	}
}
