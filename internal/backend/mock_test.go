package backend

import (
	"context"
	"testing"
)

func TestMockBackendGenerateProducesMarker(t *testing.T) {
	b := NewMockBackend(0)
	h, err := b.Load(context.Background(), "model-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	prompt := []uint32{'h', 'i'}
	result, err := h.Generate(context.Background(), prompt, GenerateConfig{MaxTokens: 64})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Finished {
		t.Fatal("expected finished result")
	}

	got := string(runesFrom(result.Tokens))
	want := "[MOCK:hi]"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestMockBackendGenerateTruncatesToMaxTokens(t *testing.T) {
	b := NewMockBackend(0)
	h, _ := b.Load(context.Background(), "model-a")

	result, err := h.Generate(context.Background(), []uint32{1, 2, 3}, GenerateConfig{MaxTokens: 8})
	if err != nil {
		t.Fatal(err)
	}
	want := []uint32{91, 77, 79, 67, 75, 58, 1, 93}
	if len(result.Tokens) != len(want) {
		t.Fatalf("expected %d tokens, got %d: %v", len(want), len(result.Tokens), result.Tokens)
	}
	for i, tok := range want {
		if result.Tokens[i] != tok {
			t.Fatalf("token %d: got %d want %d (full: %v)", i, result.Tokens[i], tok, result.Tokens)
		}
	}
}

func TestMockBackendGenerateStreamEmitsFinal(t *testing.T) {
	b := NewMockBackend(0)
	h, _ := b.Load(context.Background(), "model-a")

	cancel := make(chan struct{})
	events, err := h.GenerateStream(context.Background(), []uint32{'x'}, GenerateConfig{MaxTokens: 64}, cancel)
	if err != nil {
		t.Fatal(err)
	}

	var sawFinal bool
	var tokenCount int
	for ev := range events {
		if ev.Err != nil {
			t.Fatalf("unexpected error event: %v", ev.Err)
		}
		if ev.Final {
			sawFinal = true
			continue
		}
		tokenCount++
	}
	if !sawFinal {
		t.Fatal("expected a final event")
	}
	if tokenCount == 0 {
		t.Fatal("expected at least one token event")
	}
}

func TestMockBackendGenerateStreamRespectsCancel(t *testing.T) {
	b := NewMockBackend(0)
	h, _ := b.Load(context.Background(), "model-a")

	cancel := make(chan struct{})
	close(cancel)
	events, err := h.GenerateStream(context.Background(), []uint32{'a', 'b', 'c'}, GenerateConfig{MaxTokens: 64}, cancel)
	if err != nil {
		t.Fatal(err)
	}

	count := 0
	for range events {
		count++
	}
	if count > 1 {
		t.Fatalf("expected generation to stop promptly after cancel, got %d events", count)
	}
}

func runesFrom(tokens []uint32) []rune {
	rs := make([]rune, len(tokens))
	for i, t := range tokens {
		rs[i] = rune(t)
	}
	return rs
}
