package queue

import (
	"context"
	"testing"
	"time"

	"github.com/veritas/spark/internal/wire"
)

func validParams() wire.InferenceParameters {
	return wire.InferenceParameters{MaxTokens: 8, TopP: 1, TopK: 1}
}

func TestPushPopFIFOWithinClass(t *testing.T) {
	q := New(10)
	id1, err := q.Push(&Request{ModelID: "m", Params: validParams(), Priority: wire.Normal})
	if err != nil {
		t.Fatal(err)
	}
	id2, err := q.Push(&Request{ModelID: "m", Params: validParams(), Priority: wire.Normal})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	r1, err := q.Pop(ctx)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := q.Pop(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if r1.ID != id1 || r2.ID != id2 {
		t.Fatalf("expected FIFO order %d,%d got %d,%d", id1, id2, r1.ID, r2.ID)
	}
}

func TestPriorityReordering(t *testing.T) {
	q := New(10)
	ids := map[int]uint64{}
	order := []struct {
		id       int
		priority wire.Priority
	}{
		{10, wire.Normal},
		{11, wire.Low},
		{12, wire.Critical},
		{13, wire.Normal},
	}
	for _, o := range order {
		assigned, err := q.Push(&Request{ModelID: "m", Params: validParams(), Priority: o.priority})
		if err != nil {
			t.Fatal(err)
		}
		ids[o.id] = assigned
	}

	ctx := context.Background()
	want := []uint64{ids[12], ids[10], ids[13], ids[11]}
	for i, w := range want {
		got, err := q.Pop(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if got.ID != w {
			t.Fatalf("pop %d: want id %d got %d", i, w, got.ID)
		}
	}
}

func TestOverloadedAtCapacity(t *testing.T) {
	q := New(2)
	if _, err := q.Push(&Request{ModelID: "m", Params: validParams()}); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Push(&Request{ModelID: "m", Params: validParams()}); err != nil {
		t.Fatal(err)
	}
	_, err := q.Push(&Request{ModelID: "m", Params: validParams()})
	if err != wire.ErrOverloaded {
		t.Fatalf("expected Overloaded, got %v", err)
	}
}

func TestRejectsInvalidParams(t *testing.T) {
	q := New(10)
	_, err := q.Push(&Request{ModelID: "m", Params: wire.InferenceParameters{MaxTokens: 0, TopP: 1, TopK: 1}})
	if err == nil {
		t.Fatal("expected invalid params error")
	}
}

func TestRejectsWhenShuttingDown(t *testing.T) {
	q := New(10)
	q.SetState(Draining)
	_, err := q.Push(&Request{ModelID: "m", Params: validParams()})
	if err != wire.ErrShuttingDown {
		t.Fatalf("expected ShuttingDown, got %v", err)
	}
}

func TestPopSkipsCancelledAndNotifies(t *testing.T) {
	q := New(10)
	var notified error
	cancelled := &Request{ModelID: "m", Params: validParams(), Priority: wire.Normal, Notify: func(err error) { notified = err }}
	cancelled.Cancel()
	q.Push(cancelled)
	q.Push(&Request{ModelID: "m", Params: validParams(), Priority: wire.Normal})

	got, err := q.Pop(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if notified != wire.ErrCancelled {
		t.Fatalf("expected cancelled notify, got %v", notified)
	}
	if got == cancelled {
		t.Fatal("expected cancelled request to be skipped")
	}
}

func TestPopBlocksUntilPush(t *testing.T) {
	q := New(10)
	result := make(chan *Request, 1)
	go func() {
		r, err := q.Pop(context.Background())
		if err == nil {
			result <- r
		}
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-result:
		t.Fatal("pop should still be blocked")
	default:
	}

	id, _ := q.Push(&Request{ModelID: "m", Params: validParams()})
	select {
	case r := <-result:
		if r.ID != id {
			t.Fatalf("expected id %d, got %d", id, r.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("pop never returned after push")
	}
}

func TestPopRespectsContextCancellation(t *testing.T) {
	q := New(10)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := q.Pop(ctx)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected context cancellation error")
		}
	case <-time.After(time.Second):
		t.Fatal("pop never returned after context cancel")
	}
}

func TestDepthReflectsPendingRequests(t *testing.T) {
	q := New(10)
	if q.Depth() != 0 {
		t.Fatal("expected 0 depth")
	}
	q.Push(&Request{ModelID: "m", Params: validParams()})
	if q.Depth() != 1 {
		t.Fatalf("expected depth 1, got %d", q.Depth())
	}
	q.Pop(context.Background())
	if q.Depth() != 0 {
		t.Fatalf("expected depth 0 after pop, got %d", q.Depth())
	}
}
