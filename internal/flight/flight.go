// Package flight tracks the number of requests currently executing against
// each loaded model. The model pool consults it before evicting an entry;
// the streaming engine acquires a Guard before driving generation and
// releases it on every exit path (success, error, or cancel).
//
// # Why a separate package
//
// The teacher keeps this bookkeeping inline in its pool (PooledVM.inflight,
// functionPool.totalInflight), because only the pool needs it there. In
// SPARK the model pool owns the Tracker and the streaming engine holds the
// Guards it hands out, so the counters are factored out into their own leaf
// package that both can depend on.
//
// # Concurrency
//
// Acquire/Release use atomic increments/decrements exclusively; Count is a
// plain atomic load. No lock is ever held across a backend call here.
package flight

import (
	"sync"
	"sync/atomic"
)

// Tracker maps a model id to its current in-flight request count.
type Tracker struct {
	counts sync.Map // map[string]*atomic.Int64
}

// New creates an empty flight tracker.
func New() *Tracker {
	return &Tracker{}
}

// Guard is a scoped, RAII-style token produced by Acquire. The caller must
// call Release exactly once, typically via defer, on every exit path.
type Guard struct {
	t       *Tracker
	modelID string
	done    bool
	mu      sync.Mutex
}

// Acquire increments the in-flight count for modelID and returns a Guard
// that must be released when the request finishes.
func (t *Tracker) Acquire(modelID string) *Guard {
	c := t.entry(modelID)
	c.Add(1)
	return &Guard{t: t, modelID: modelID}
}

// Release decrements the in-flight count. Safe to call multiple times; only
// the first call has an effect.
func (g *Guard) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done {
		return
	}
	g.done = true
	c := g.t.entry(g.modelID)
	c.Add(-1)
}

// Count returns the current in-flight count for modelID.
func (t *Tracker) Count(modelID string) int64 {
	v, ok := t.counts.Load(modelID)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

// Total returns the sum of in-flight counts across every tracked model,
// used by the shutdown coordinator to decide when the system is drained.
func (t *Tracker) Total() int64 {
	var total int64
	t.counts.Range(func(_, v interface{}) bool {
		total += v.(*atomic.Int64).Load()
		return true
	})
	return total
}

// Idle reports whether modelID currently has zero in-flight requests; this
// is the eligibility test the pool applies before selecting an eviction
// victim.
func (t *Tracker) Idle(modelID string) bool {
	return t.Count(modelID) == 0
}

// Forget removes the zero-valued entry for modelID, e.g. after a model has
// been evicted, to avoid an unbounded sync.Map under high model churn.
func (t *Tracker) Forget(modelID string) {
	if t.Count(modelID) == 0 {
		t.counts.Delete(modelID)
	}
}

func (t *Tracker) entry(modelID string) *atomic.Int64 {
	v, ok := t.counts.Load(modelID)
	if ok {
		return v.(*atomic.Int64)
	}
	actual, _ := t.counts.LoadOrStore(modelID, &atomic.Int64{})
	return actual.(*atomic.Int64)
}
