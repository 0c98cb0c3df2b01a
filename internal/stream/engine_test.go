package stream

import (
	"context"
	"testing"
	"time"

	"github.com/veritas/spark/internal/backend"
	"github.com/veritas/spark/internal/circuitbreaker"
	"github.com/veritas/spark/internal/modelpool"
	"github.com/veritas/spark/internal/queue"
	"github.com/veritas/spark/internal/wire"
)

func newTestEngine(maxContext int) *Engine {
	pool := modelpool.New(backend.NewMockBackend(0), modelpool.Config{MaxModels: 8})
	return New(pool, circuitbreaker.NewRegistry(), Config{MaxContextLength: maxContext, DefaultTier: modelpool.Default})
}

func collect(t *testing.T, run func(emit Emit) error) []*wire.Message {
	t.Helper()
	var got []*wire.Message
	err := run(func(msg *wire.Message) error {
		got = append(got, msg)
		return nil
	})
	_ = err
	return got
}

func TestRunNonStreamingEmitsSingleResponse(t *testing.T) {
	e := newTestEngine(1024)
	req := &queue.Request{
		ID:           1,
		ModelID:      "m1",
		PromptTokens: []uint32{'h', 'i'},
		Params:       wire.InferenceParameters{MaxTokens: 64, TopP: 1, TopK: 1, Stream: false},
	}
	cancel := make(chan struct{})

	msgs := collect(t, func(emit Emit) error {
		return e.Run(context.Background(), req, cancel, emit)
	})

	if len(msgs) != 1 {
		t.Fatalf("expected exactly one frame, got %d", len(msgs))
	}
	if msgs[0].Type != wire.TypeInferenceResponse {
		t.Fatalf("expected inference_response, got %s", msgs[0].Type)
	}
	if !msgs[0].Finished {
		t.Fatal("expected finished=true")
	}
}

func TestRunStreamingEmitsChunksThenFinal(t *testing.T) {
	e := newTestEngine(1024)
	req := &queue.Request{
		ID:           2,
		ModelID:      "m1",
		PromptTokens: []uint32{'h', 'i'},
		Params:       wire.InferenceParameters{MaxTokens: 64, TopP: 1, TopK: 1, Stream: true},
	}
	cancel := make(chan struct{})

	msgs := collect(t, func(emit Emit) error {
		return e.Run(context.Background(), req, cancel, emit)
	})

	if len(msgs) < 2 {
		t.Fatalf("expected at least a chunk and a final frame, got %d", len(msgs))
	}
	last := msgs[len(msgs)-1]
	if last.Type != wire.TypeStreamChunk || !last.Final {
		t.Fatalf("expected final stream_chunk last, got %+v", last)
	}
	for _, m := range msgs[:len(msgs)-1] {
		if m.Type != wire.TypeStreamChunk || m.Token == nil {
			t.Fatalf("expected intermediate token chunks, got %+v", m)
		}
	}
}

func TestRunRejectsInvalidParams(t *testing.T) {
	e := newTestEngine(1024)
	req := &queue.Request{
		ID:           3,
		ModelID:      "m1",
		PromptTokens: []uint32{'h'},
		Params:       wire.InferenceParameters{MaxTokens: 0, TopP: 1, TopK: 1},
	}
	cancel := make(chan struct{})

	msgs := collect(t, func(emit Emit) error {
		return e.Run(context.Background(), req, cancel, emit)
	})

	if len(msgs) != 1 || msgs[0].Type != wire.TypeError {
		t.Fatalf("expected single error frame, got %+v", msgs)
	}
	if msgs[0].Err.Kind != "invalid_params" {
		t.Fatalf("expected invalid_params kind, got %s", msgs[0].Err.Kind)
	}
}

func TestRunRejectsContextExceeded(t *testing.T) {
	e := newTestEngine(2)
	req := &queue.Request{
		ID:           4,
		ModelID:      "m1",
		PromptTokens: []uint32{'h', 'e', 'l', 'l', 'o'},
		Params:       wire.InferenceParameters{MaxTokens: 64, TopP: 1, TopK: 1},
	}
	cancel := make(chan struct{})

	msgs := collect(t, func(emit Emit) error {
		return e.Run(context.Background(), req, cancel, emit)
	})

	if len(msgs) != 1 || msgs[0].Type != wire.TypeError {
		t.Fatalf("expected single error frame, got %+v", msgs)
	}
	if msgs[0].Err.Kind != "context_exceeded" {
		t.Fatalf("expected context_exceeded kind, got %s", msgs[0].Err.Kind)
	}
	if msgs[0].Err.Max != 2 || msgs[0].Err.Got != 5 {
		t.Fatalf("expected max=2 got=5, got max=%d got=%d", msgs[0].Err.Max, msgs[0].Err.Got)
	}
}

func TestRunStreamingCancelEmitsCancelledError(t *testing.T) {
	e := newTestEngine(1024)
	req := &queue.Request{
		ID:           5,
		ModelID:      "m1",
		PromptTokens: []uint32{'h', 'i'},
		Params:       wire.InferenceParameters{MaxTokens: 64, TopP: 1, TopK: 1, Stream: true},
	}
	cancel := make(chan struct{})
	close(cancel)

	msgs := collect(t, func(emit Emit) error {
		return e.Run(context.Background(), req, cancel, emit)
	})

	if len(msgs) != 1 || msgs[0].Type != wire.TypeError {
		t.Fatalf("expected single error frame, got %+v", msgs)
	}
	if msgs[0].Err.Kind != "cancelled" {
		t.Fatalf("expected cancelled kind, got %s", msgs[0].Err.Kind)
	}
}

func TestRunRespectsAlreadyExpiredContext(t *testing.T) {
	e := newTestEngine(1024)
	req := &queue.Request{
		ID:           6,
		ModelID:      "m1",
		PromptTokens: []uint32{'h', 'i'},
		Params:       wire.InferenceParameters{MaxTokens: 64, TopP: 1, TopK: 1, Stream: false},
	}
	cancel := make(chan struct{})

	ctx, cancelCtx := context.WithCancel(context.Background())
	cancelCtx()
	time.Sleep(time.Millisecond)

	msgs := collect(t, func(emit Emit) error {
		return e.Run(ctx, req, cancel, emit)
	})

	if len(msgs) != 1 || msgs[0].Type != wire.TypeError {
		t.Fatalf("expected single error frame, got %+v", msgs)
	}
	if msgs[0].Err.Kind != "timeout" {
		t.Fatalf("expected timeout kind, got %s", msgs[0].Err.Kind)
	}
}
