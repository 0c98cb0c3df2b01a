package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/cenkalti/backoff/v5"

	"github.com/veritas/spark/internal/logging"
	"github.com/veritas/spark/internal/pkg/vsock"
	"github.com/veritas/spark/internal/wire"
)

// RemoteBackend proxies generation to a separate inference process reached
// over AF_VSOCK, for deployments where the model runtime lives outside the
// daemon's own address space (e.g. a GPU-resident sidecar). Connection
// establishment is retried with backoff; once connected, one frame codec
// is shared by all loaded handles and guarded by a mutex, since the wire
// protocol on this side-channel is strictly request/response.
type RemoteBackend struct {
	contextID uint32
	port      uint32

	mu    sync.Mutex
	conn  net.Conn
	codec *wire.FrameCodec
}

// NewRemoteBackend returns a RemoteBackend targeting the given vsock
// context ID and port. The connection is established lazily on first Load.
func NewRemoteBackend(contextID, port uint32) *RemoteBackend {
	return &RemoteBackend{contextID: contextID, port: port}
}

func (b *RemoteBackend) ensureConn(ctx context.Context) (*wire.FrameCodec, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.codec != nil {
		return b.codec, nil
	}

	op := func() (net.Conn, error) {
		return vsock.Dial(b.contextID, b.port)
	}
	conn, err := backoff.Retry(ctx, op, backoff.WithMaxTries(3))
	if err != nil {
		return nil, fmt.Errorf("remote backend: dial: %w", err)
	}
	b.conn = conn
	b.codec = wire.NewFrameCodec(conn, wire.DefaultMaxFrameSize)
	return b.codec, nil
}

type remoteLoadRequest struct {
	ModelID string `json:"model_id"`
}

type remoteLoadResponse struct {
	MemoryBytes  int64        `json:"memory_bytes"`
	Capabilities []Capability `json:"capabilities"`
}

// Load requests that the remote process load modelID and reports its
// capabilities and memory footprint back to the pool.
func (b *RemoteBackend) Load(ctx context.Context, modelID string) (Handle, error) {
	codec, err := b.ensureConn(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(remoteLoadRequest{ModelID: modelID})
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	writeErr := codec.WriteFrame(payload)
	var respFrame []byte
	var readErr error
	if writeErr == nil {
		respFrame, readErr = codec.ReadFrame()
	}
	b.mu.Unlock()
	if writeErr != nil {
		return nil, fmt.Errorf("remote backend: load request: %w", writeErr)
	}
	if readErr != nil {
		return nil, fmt.Errorf("remote backend: load response: %w", readErr)
	}

	var resp remoteLoadResponse
	if err := json.Unmarshal(respFrame, &resp); err != nil {
		return nil, fmt.Errorf("remote backend: decode load response: %w", err)
	}

	logging.Op().Info("remote backend loaded model", "model_id", modelID, "memory_bytes", resp.MemoryBytes)
	return &remoteHandle{backend: b, id: modelID, memory: resp.MemoryBytes, caps: resp.Capabilities}, nil
}

func (b *RemoteBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	b.codec = nil
	return err
}

type remoteGenerateRequest struct {
	ModelID      string   `json:"model_id"`
	PromptTokens []uint32 `json:"prompt_tokens"`
	MaxTokens    int      `json:"max_tokens"`
	Temperature  float64  `json:"temperature"`
	TopP         float64  `json:"top_p"`
	TopK         int      `json:"top_k"`
}

type remoteGenerateResponse struct {
	Tokens   []uint32 `json:"tokens"`
	Finished bool     `json:"finished"`
	Error    string   `json:"error,omitempty"`
}

type remoteHandle struct {
	backend *RemoteBackend
	id      string
	memory  int64
	caps    []Capability
}

func (h *remoteHandle) ID() string                  { return h.id }
func (h *remoteHandle) Capabilities() []Capability  { return h.caps }
func (h *remoteHandle) MemoryUsage() int64          { return h.memory }

func (h *remoteHandle) Generate(ctx context.Context, promptTokens []uint32, cfg GenerateConfig) (GenerateResult, error) {
	req := remoteGenerateRequest{
		ModelID:      h.id,
		PromptTokens: promptTokens,
		MaxTokens:    cfg.MaxTokens,
		Temperature:  cfg.Temperature,
		TopP:         cfg.TopP,
		TopK:         cfg.TopK,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return GenerateResult{}, err
	}

	h.backend.mu.Lock()
	writeErr := h.backend.codec.WriteFrame(payload)
	var respFrame []byte
	var readErr error
	if writeErr == nil {
		respFrame, readErr = h.backend.codec.ReadFrame()
	}
	h.backend.mu.Unlock()
	if writeErr != nil {
		return GenerateResult{}, fmt.Errorf("remote backend: generate request: %w", writeErr)
	}
	if readErr != nil {
		return GenerateResult{}, fmt.Errorf("remote backend: generate response: %w", readErr)
	}

	var resp remoteGenerateResponse
	if err := json.Unmarshal(respFrame, &resp); err != nil {
		return GenerateResult{}, fmt.Errorf("remote backend: decode generate response: %w", err)
	}
	if resp.Error != "" {
		return GenerateResult{}, fmt.Errorf("remote backend: %s", resp.Error)
	}
	return GenerateResult{Tokens: resp.Tokens, Finished: resp.Finished}, nil
}

// GenerateStream has no true streaming transport over this side-channel
// today; it drives Generate to completion and replays the result as a
// sequence of token events, cooperatively checking cancel between each.
func (h *remoteHandle) GenerateStream(ctx context.Context, promptTokens []uint32, cfg GenerateConfig, cancel <-chan struct{}) (<-chan TokenEvent, error) {
	result, err := h.Generate(ctx, promptTokens, cfg)
	if err != nil {
		return nil, err
	}

	out := make(chan TokenEvent)
	go func() {
		defer close(out)
		for _, tok := range result.Tokens {
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

func (h *remoteHandle) Unload() error {
	return nil
}
