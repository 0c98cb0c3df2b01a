package flight

import "testing"

func TestAcquireReleaseCount(t *testing.T) {
	tr := New()
	if tr.Count("m") != 0 {
		t.Fatalf("expected 0, got %d", tr.Count("m"))
	}
	g1 := tr.Acquire("m")
	g2 := tr.Acquire("m")
	if tr.Count("m") != 2 {
		t.Fatalf("expected 2, got %d", tr.Count("m"))
	}
	g1.Release()
	if tr.Count("m") != 1 {
		t.Fatalf("expected 1, got %d", tr.Count("m"))
	}
	g2.Release()
	if tr.Count("m") != 0 {
		t.Fatalf("expected 0, got %d", tr.Count("m"))
	}
	if !tr.Idle("m") {
		t.Fatal("expected idle")
	}
}

func TestReleaseIdempotent(t *testing.T) {
	tr := New()
	g := tr.Acquire("m")
	g.Release()
	g.Release()
	if tr.Count("m") != 0 {
		t.Fatalf("double release double-decremented: got %d", tr.Count("m"))
	}
}

func TestTotalAcrossModels(t *testing.T) {
	tr := New()
	g1 := tr.Acquire("a")
	tr.Acquire("b")
	if tr.Total() != 2 {
		t.Fatalf("expected total 2, got %d", tr.Total())
	}
	g1.Release()
	if tr.Total() != 1 {
		t.Fatalf("expected total 1, got %d", tr.Total())
	}
}

func TestForgetKeepsNonZero(t *testing.T) {
	tr := New()
	g := tr.Acquire("m")
	tr.Forget("m")
	if tr.Count("m") != 1 {
		t.Fatalf("forget must not remove a non-zero entry, got %d", tr.Count("m"))
	}
	g.Release()
	tr.Forget("m")
	if tr.Idle("m") != true {
		t.Fatal("expected idle after release+forget")
	}
}
