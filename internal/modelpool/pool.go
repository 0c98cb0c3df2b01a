// Package modelpool implements the hot-swappable registry of loaded
// generative models described as the "model pool and flight tracker" in
// the daemon's request lifecycle.
//
// # Design rationale
//
// Loading a model can take anywhere from milliseconds (an already-cached
// artifact) to seconds (cold backend load). To amortise this cost across
// requests the pool keeps handles resident between invocations and evicts
// the least valuable one only when a new model needs room. There is no
// per-model sub-pool keyed by function configuration: the pool key here
// is always the bare model id, so the whole registry is a single flat map.
//
// # Concurrency model
//
// entries is guarded by a single sync.RWMutex: read-only accessors
// (Entries, Count, MemoryUsed, HitRatio) take the read lock; SwitchTo
// (including its already-loaded fast path), insert, eviction and state
// transitions take the write lock. Flight counts live in
// a *flight.Tracker rather than inside the entry struct, but every
// increment that depends on entry state (Acquire) happens while the pool
// write lock is held, and eviction reads the same counts under the same
// lock — so "eviction never races a fresh acquire" holds by mutual
// exclusion on one mutex, not by coordination between two.
package modelpool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/veritas/spark/internal/backend"
	"github.com/veritas/spark/internal/flight"
	"github.com/veritas/spark/internal/logging"
	"github.com/veritas/spark/internal/metrics"
	"github.com/veritas/spark/internal/wire"
)

// Tier is the eviction-priority class of a loaded model. Lower tiers are
// evicted before higher ones.
type Tier int

const (
	Testing Tier = iota
	Default
	Quality
)

func (t Tier) String() string {
	switch t {
	case Testing:
		return "testing"
	case Default:
		return "default"
	case Quality:
		return "quality"
	default:
		return "unknown"
	}
}

// EntryState is a PoolEntry's position in Loading → Ready → Evicting →
// Dropped.
type EntryState int

const (
	StateLoading EntryState = iota
	StateReady
	StateEvicting
	StateDropped
)

type entry struct {
	modelID     string
	handle      backend.Handle
	tier        Tier
	memoryBytes int64
	lastUsed    time.Time
	warmed      bool
	state       EntryState
}

// PoolEntry is a point-in-time, lock-free snapshot of a loaded model
// suitable for stats and health reporting.
type PoolEntry struct {
	ModelID       string
	Tier          Tier
	MemoryBytes   int64
	LastUsed      time.Time
	Warmed        bool
	InFlightCount int64
	State         EntryState
}

// SwitchResult is returned by SwitchTo.
type SwitchResult struct {
	Handle         backend.Handle
	SwitchLatency  time.Duration
	WasPreloaded   bool
	WasWarmed      bool
}

// Config bounds the pool's size.
type Config struct {
	MaxModels      int
	MaxMemoryBytes int64
}

// Pool is the bounded model_id -> PoolEntry registry plus its flight
// tracker. The zero value is not usable; construct with New.
type Pool struct {
	backend backend.Backend
	flight  *flight.Tracker

	mu      sync.RWMutex
	entries map[string]*entry
	used    int64

	maxModels      int
	maxMemoryBytes int64

	hits   uint64
	misses uint64
}

// New constructs a Pool bounded by cfg and backed by b.
func New(b backend.Backend, cfg Config) *Pool {
	return &Pool{
		backend:        b,
		flight:         flight.New(),
		entries:        make(map[string]*entry),
		maxModels:      cfg.MaxModels,
		maxMemoryBytes: cfg.MaxMemoryBytes,
	}
}

// Preload inserts a new entry for an already-obtained handle, evicting a
// victim first if necessary. It is used by startup warm-up through
// runtime.Runtime.PreloadModel; SwitchTo uses the same insertion path for
// the just-in-time cold-start case.
func (p *Pool) Preload(modelID string, handle backend.Handle, tier Tier, memoryBytes int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.insertLocked(modelID, handle, tier, memoryBytes)
}

// insertLocked must be called with p.mu held for writing.
func (p *Pool) insertLocked(modelID string, handle backend.Handle, tier Tier, memoryBytes int64) error {
	if existing, ok := p.entries[modelID]; ok && existing.state == StateReady {
		return nil
	}

	for p.wouldExceedLocked(memoryBytes) {
		if !p.evictOneLocked() {
			return wire.ErrEvictionFailed
		}
	}

	p.entries[modelID] = &entry{
		modelID:     modelID,
		handle:      handle,
		tier:        tier,
		memoryBytes: memoryBytes,
		lastUsed:    time.Now(),
		state:       StateReady,
	}
	p.used += memoryBytes
	metrics.Global().RecordModelLoaded()
	metrics.SetModelsResident(len(p.entries))
	return nil
}

func (p *Pool) wouldExceedLocked(incomingBytes int64) bool {
	if p.maxModels > 0 && len(p.entries) >= p.maxModels {
		return true
	}
	if p.maxMemoryBytes > 0 && p.used+incomingBytes > p.maxMemoryBytes {
		return true
	}
	return false
}

// evictOneLocked selects and removes one victim per the tiered-LRU
// policy, returning false if no entry is eligible. Must be called with
// p.mu held for writing.
func (p *Pool) evictOneLocked() bool {
	var victim *entry
	for _, e := range p.entries {
		if e.state != StateReady {
			continue
		}
		if p.flight.Count(e.modelID) != 0 {
			continue
		}
		if victim == nil {
			victim = e
			continue
		}
		if e.tier < victim.tier {
			victim = e
			continue
		}
		if e.tier == victim.tier && e.lastUsed.Before(victim.lastUsed) {
			victim = e
		}
	}
	if victim == nil {
		return false
	}

	victim.state = StateEvicting
	modelID := victim.modelID
	handle := victim.handle
	memoryBytes := victim.memoryBytes

	// No lock is held across a backend call: marking the victim
	// StateEvicting before unlocking keeps it out of any concurrent
	// caller's selection, so it is safe to drop p.mu around Unload the
	// same way DrainLRU does and reacquire it before finishing the
	// bookkeeping. Callers of evictOneLocked rely on p.mu being held
	// both on entry and on return.
	p.mu.Unlock()
	if err := handle.Unload(); err != nil {
		logging.Op().Error("model unload failed during eviction", "model_id", modelID, "error", err)
	}
	p.mu.Lock()

	delete(p.entries, modelID)
	p.used -= memoryBytes
	p.flight.Forget(modelID)
	metrics.Global().RecordModelEvicted()
	metrics.SetModelsResident(len(p.entries))
	logging.Op().Info("evicted model", "model_id", modelID, "tier", victim.tier.String())
	return true
}

// SwitchTo is the hot path: if modelID is present and Ready, it returns
// immediately with WasPreloaded true. Otherwise it synchronously loads
// the model via the backend and inserts it, returning WasPreloaded
// false. The call updates the hit/miss counter either way.
func (p *Pool) SwitchTo(ctx context.Context, modelID string, tier Tier) (SwitchResult, error) {
	start := time.Now()

	p.mu.Lock()
	if e, ok := p.entries[modelID]; ok && e.state == StateReady {
		e.lastUsed = time.Now()
		warmed := e.warmed
		handle := e.handle
		p.hits++
		p.mu.Unlock()
		metrics.Global().RecordSwitch(true, float64(time.Since(start).Milliseconds()))
		return SwitchResult{Handle: handle, SwitchLatency: time.Since(start), WasPreloaded: true, WasWarmed: warmed}, nil
	}
	p.misses++
	p.mu.Unlock()

	handle, err := p.backend.Load(ctx, modelID)
	if err != nil {
		return SwitchResult{}, err
	}

	p.mu.Lock()
	if insertErr := p.insertLocked(modelID, handle, tier, handle.MemoryUsage()); insertErr != nil {
		p.mu.Unlock()
		_ = handle.Unload()
		return SwitchResult{}, insertErr
	}
	p.mu.Unlock()

	metrics.Global().RecordSwitch(false, float64(time.Since(start).Milliseconds()))
	return SwitchResult{Handle: handle, SwitchLatency: time.Since(start), WasPreloaded: false}, nil
}

// MarkWarmed idempotently flags a loaded model as warmed.
func (p *Pool) MarkWarmed(modelID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[modelID]; ok {
		e.warmed = true
	}
}

// Acquire returns a flight.Guard for modelID, failing with
// ErrModelNotLoaded if the model is not currently Ready. The guard's
// increment happens while the pool write lock is held so it can never
// race a concurrent eviction's eligibility check.
func (p *Pool) Acquire(modelID string) (*flight.Guard, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[modelID]
	if !ok || e.state != StateReady {
		return nil, wire.ErrModelNotLoaded
	}
	return p.flight.Acquire(modelID), nil
}

// InFlight returns the current in-flight request count for modelID.
func (p *Pool) InFlight(modelID string) int64 {
	return p.flight.Count(modelID)
}

// TotalInFlight returns the sum of in-flight counts across every loaded
// model, used by the shutdown coordinator to decide when draining is
// complete.
func (p *Pool) TotalInFlight() int64 {
	return p.flight.Total()
}

// Entries returns a snapshot of every loaded model, sorted by model id.
func (p *Pool) Entries() []PoolEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]PoolEntry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, PoolEntry{
			ModelID:       e.modelID,
			Tier:          e.tier,
			MemoryBytes:   e.memoryBytes,
			LastUsed:      e.lastUsed,
			Warmed:        e.warmed,
			InFlightCount: p.flight.Count(e.modelID),
			State:         e.state,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

// Count returns the number of currently loaded models.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// MemoryUsed returns the sum of loaded models' reported memory usage.
func (p *Pool) MemoryUsed() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.used
}

// HitRatio returns the fraction of SwitchTo calls that found the model
// already resident.
func (p *Pool) HitRatio() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	total := p.hits + p.misses
	if total == 0 {
		return 0
	}
	return float64(p.hits) / float64(total)
}

// DrainLRU unloads every remaining Ready entry in least-recently-used
// order, skipping (and reporting) any entry whose in-flight count has
// not reached zero. Called by the shutdown coordinator once its drain
// loop ends, whether total flight reached zero or the drain deadline
// passed first.
func (p *Pool) DrainLRU(ctx context.Context) (unloaded int, skipped int) {
	for {
		p.mu.Lock()
		var oldest *entry
		for _, e := range p.entries {
			if e.state != StateReady {
				continue
			}
			if oldest == nil || e.lastUsed.Before(oldest.lastUsed) {
				oldest = e
			}
		}
		if oldest == nil {
			p.mu.Unlock()
			return unloaded, skipped
		}
		if p.flight.Count(oldest.modelID) != 0 {
			oldest.state = StateDropped // stop revisiting a stuck entry every loop
			skipped++
			p.mu.Unlock()
			continue
		}

		oldest.state = StateEvicting
		modelID := oldest.modelID
		handle := oldest.handle
		memoryBytes := oldest.memoryBytes
		p.mu.Unlock()

		if err := handle.Unload(); err != nil {
			logging.Op().Error("model unload failed during drain", "model_id", modelID, "error", err)
		}

		p.mu.Lock()
		delete(p.entries, modelID)
		p.used -= memoryBytes
		p.flight.Forget(modelID)
		metrics.Global().RecordModelEvicted()
		metrics.SetModelsResident(len(p.entries))
		p.mu.Unlock()
		unloaded++

		select {
		case <-ctx.Done():
			return unloaded, skipped
		default:
		}
	}
}
