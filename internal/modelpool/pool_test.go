package modelpool

import (
	"context"
	"testing"

	"github.com/veritas/spark/internal/backend"
)

func newTestPool(maxModels int) *Pool {
	return New(backend.NewMockBackend(1024), Config{MaxModels: maxModels})
}

func TestSwitchToColdThenWarm(t *testing.T) {
	p := newTestPool(4)
	ctx := context.Background()

	r1, err := p.SwitchTo(ctx, "m1", Default)
	if err != nil {
		t.Fatal(err)
	}
	if r1.WasPreloaded {
		t.Fatal("expected cold start on first switch")
	}

	r2, err := p.SwitchTo(ctx, "m1", Default)
	if err != nil {
		t.Fatal(err)
	}
	if !r2.WasPreloaded {
		t.Fatal("expected warm hit on second switch")
	}
}

func TestEvictsLowestTierFirst(t *testing.T) {
	p := newTestPool(2)
	ctx := context.Background()

	if _, err := p.SwitchTo(ctx, "quality-model", Quality); err != nil {
		t.Fatal(err)
	}
	if _, err := p.SwitchTo(ctx, "testing-model", Testing); err != nil {
		t.Fatal(err)
	}
	// Third model forces an eviction; testing-model (lower tier) should go.
	if _, err := p.SwitchTo(ctx, "another-model", Default); err != nil {
		t.Fatal(err)
	}

	entries := p.Entries()
	ids := map[string]bool{}
	for _, e := range entries {
		ids[e.ModelID] = true
	}
	if ids["testing-model"] {
		t.Fatal("expected testing-model to have been evicted")
	}
	if !ids["quality-model"] || !ids["another-model"] {
		t.Fatalf("expected quality-model and another-model to remain, got %+v", entries)
	}
}

func TestEvictionSkipsInFlightEntries(t *testing.T) {
	p := newTestPool(1)
	ctx := context.Background()

	if _, err := p.SwitchTo(ctx, "busy-model", Testing); err != nil {
		t.Fatal(err)
	}
	guard, err := p.Acquire("busy-model")
	if err != nil {
		t.Fatal(err)
	}
	defer guard.Release()

	_, err = p.SwitchTo(ctx, "new-model", Quality)
	if err == nil {
		t.Fatal("expected eviction to fail since the only entry is in-flight")
	}
}

func TestAcquireFailsWhenModelNotLoaded(t *testing.T) {
	p := newTestPool(4)
	if _, err := p.Acquire("absent"); err == nil {
		t.Fatal("expected error for unloaded model")
	}
}

func TestMarkWarmedIsIdempotent(t *testing.T) {
	p := newTestPool(4)
	ctx := context.Background()
	p.SwitchTo(ctx, "m1", Default)
	p.MarkWarmed("m1")
	p.MarkWarmed("m1")

	entries := p.Entries()
	if len(entries) != 1 || !entries[0].Warmed {
		t.Fatalf("expected m1 to be warmed, got %+v", entries)
	}
}

func TestDrainLRUUnloadsIdleEntries(t *testing.T) {
	p := newTestPool(4)
	ctx := context.Background()
	p.SwitchTo(ctx, "m1", Default)
	p.SwitchTo(ctx, "m2", Default)

	unloaded, skipped := p.DrainLRU(ctx)
	if unloaded != 2 {
		t.Fatalf("expected 2 unloaded, got %d", unloaded)
	}
	if skipped != 0 {
		t.Fatalf("expected 0 skipped, got %d", skipped)
	}
	if p.Count() != 0 {
		t.Fatalf("expected pool empty after drain, got %d", p.Count())
	}
}

func TestDrainLRUSkipsInFlightEntries(t *testing.T) {
	p := newTestPool(4)
	ctx := context.Background()
	p.SwitchTo(ctx, "m1", Default)
	guard, _ := p.Acquire("m1")
	defer guard.Release()

	unloaded, skipped := p.DrainLRU(ctx)
	if unloaded != 0 {
		t.Fatalf("expected 0 unloaded, got %d", unloaded)
	}
	if skipped != 1 {
		t.Fatalf("expected 1 skipped, got %d", skipped)
	}
}
