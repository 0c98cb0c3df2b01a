package backend

import (
	"context"
	"sync/atomic"
)

// MockBackend is the default built-in backend: a deterministic
// echo-with-marker generator used for development and tests. It never
// fails to load and consumes no real memory budget beyond a small
// per-handle accounting fiction so pool eviction logic has something to
// reason about.
type MockBackend struct {
	memoryPerModel int64
}

// NewMockBackend returns a MockBackend that reports memoryPerModel bytes
// of usage per loaded handle (for exercising pool memory-budget logic in
// tests without a real model artifact).
func NewMockBackend(memoryPerModel int64) *MockBackend {
	if memoryPerModel <= 0 {
		memoryPerModel = 64 << 20
	}
	return &MockBackend{memoryPerModel: memoryPerModel}
}

// Load implements Backend. It always succeeds; mock models are cheap to
// "load" precisely so the pool's admission and eviction paths, not the
// backend, are what the test suite exercises.
func (b *MockBackend) Load(ctx context.Context, modelID string) (Handle, error) {
	return &mockHandle{id: modelID, memory: b.memoryPerModel}, nil
}

type mockHandle struct {
	id       string
	memory   int64
	unloaded atomic.Bool
}

func (h *mockHandle) ID() string { return h.id }

func (h *mockHandle) Capabilities() []Capability {
	return []Capability{TextGeneration}
}

func (h *mockHandle) MemoryUsage() int64 { return h.memory }

// Generate synthesizes the full marker sequence in one call.
func (h *mockHandle) Generate(ctx context.Context, promptTokens []uint32, cfg GenerateConfig) (GenerateResult, error) {
	tokens := markerTokens(promptTokens, cfg.MaxTokens)
	return GenerateResult{Tokens: tokens, Finished: true}, nil
}

// GenerateStream emits the same marker sequence one token at a time so
// the streaming engine's backpressure and cancellation paths have real
// suspension points to exercise even against the mock backend.
func (h *mockHandle) GenerateStream(ctx context.Context, promptTokens []uint32, cfg GenerateConfig, cancel <-chan struct{}) (<-chan TokenEvent, error) {
	tokens := markerTokens(promptTokens, cfg.MaxTokens)
	out := make(chan TokenEvent)

	go func() {
		defer close(out)
		for _, tok := range tokens {
			t := tok
			select {
			case <-cancel:
				return
			case <-ctx.Done():
				out <- TokenEvent{Err: ctx.Err()}
				return
			case out <- TokenEvent{Token: &t}:
			}
		}
		select {
		case <-cancel:
		case out <- TokenEvent{Final: true}:
		}
	}()

	return out, nil
}

func (h *mockHandle) Unload() error {
	h.unloaded.Store(true)
	return nil
}

// mockPrefix and mockSuffix bound the marker string; the suffix must
// survive truncation to maxTokens so the closing "]" is always present.
var (
	mockPrefix = tokensFromString("[MOCK:")
	mockSuffix = tokensFromString("]")
)

// markerTokens computes generatedCount = min(maxTokens, len(promptTokens)+20),
// then splits it into prefix + echoed-prompt + suffix, where
// echoLen = generatedCount - (len(prefix)+len(suffix)). Because the
// suffix is assembled last rather than truncated off the end, it is
// always present in the output regardless of how small maxTokens is.
func markerTokens(promptTokens []uint32, maxTokens int) []uint32 {
	generatedCount := len(promptTokens) + 20
	if maxTokens > 0 && maxTokens < generatedCount {
		generatedCount = maxTokens
	}

	echoLen := generatedCount - (len(mockPrefix) + len(mockSuffix))
	if echoLen < 0 {
		echoLen = 0
	}
	if echoLen > len(promptTokens) {
		echoLen = len(promptTokens)
	}

	out := make([]uint32, 0, generatedCount)
	out = append(out, mockPrefix...)
	out = append(out, promptTokens[:echoLen]...)
	out = append(out, mockSuffix...)
	return out
}

func tokensFromString(s string) []uint32 {
	out := make([]uint32, 0, len(s))
	for _, r := range s {
		out = append(out, uint32(r))
	}
	return out
}
