// Package gate bounds the number of simultaneously executing tasks per
// service instance.
//
// Admission is first-come-first-served with no priority tiers. TryAcquire
// is non-blocking: a full gate is reported as unavailable capacity, not an
// error, so callers can queue or reject explicitly.
package gate

import (
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Gate is a bounded admission semaphore. Safe for concurrent use.
type Gate struct {
	sem      *semaphore.Weighted
	capacity int64
	inUse    atomic.Int64
}

// New creates a gate admitting at most capacity concurrent holders.
// Capacity below 1 is clamped to 1.
func New(capacity int) *Gate {
	if capacity < 1 {
		capacity = 1
	}
	return &Gate{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
	}
}

// TryAcquire claims a slot without blocking. False means the gate is at
// capacity; the caller must queue or reject, and must not call Release.
func (g *Gate) TryAcquire() bool {
	if !g.sem.TryAcquire(1) {
		return false
	}
	g.inUse.Add(1)
	return true
}

// Release returns a slot. Must be called exactly once per successful
// TryAcquire, on every exit path of the guarded execution.
func (g *Gate) Release() {
	g.inUse.Add(-1)
	g.sem.Release(1)
}

// InUse returns the number of currently held slots.
func (g *Gate) InUse() int {
	return int(g.inUse.Load())
}

// Capacity returns the configured maximum.
func (g *Gate) Capacity() int {
	return int(g.capacity)
}
