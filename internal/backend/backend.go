// Package backend defines the capability-typed generation backend contract
// and the built-in implementations that satisfy it.
package backend

import (
	"context"
	"errors"
)

// Capability names a generation mode a backend handle supports.
type Capability string

const (
	TextGeneration Capability = "text_generation"
	Embedding      Capability = "embedding"
	Classification Capability = "classification"
	NER            Capability = "ner"
)

var (
	// ErrModelNotFound is returned by Load when the backend has no artifact
	// for the requested model id.
	ErrModelNotFound = errors.New("backend: model not found")
	// ErrUnsupportedCapability is returned when a caller drives a handle
	// through an operation its Capabilities() does not advertise.
	ErrUnsupportedCapability = errors.New("backend: unsupported capability")
)

// GenerateConfig carries the subset of wire.InferenceParameters that the
// backend needs to know about; it intentionally excludes transport-level
// fields like Priority and Stream, which are the streaming engine's concern.
type GenerateConfig struct {
	MaxTokens   int
	Temperature float64
	TopP        float64
	TopK        int
}

// GenerateResult is the non-streaming generation outcome.
type GenerateResult struct {
	Tokens   []uint32
	Finished bool
}

// TokenEvent is one element of a GenerateStream sequence. Err is set on the
// final event of a failed generation; Final is set on the last event of a
// successful one. A TokenEvent never carries both a Token and Err.
type TokenEvent struct {
	Token *uint32
	Final bool
	Err   error
}

// Handle is a loaded, ready-to-drive model instance. Handles are obtained
// from Backend.Load and are released via Unload once the pool has no more
// use for them; the pool, not the handle, owns that lifecycle decision.
type Handle interface {
	// ID returns the model id this handle was loaded for.
	ID() string

	// Capabilities reports the generation modes this handle supports.
	Capabilities() []Capability

	// MemoryUsage reports the handle's resident memory footprint in bytes.
	MemoryUsage() int64

	// Generate drives the backend to completion and returns the full token
	// sequence. Used when the caller has requested non-streaming output.
	Generate(ctx context.Context, promptTokens []uint32, cfg GenerateConfig) (GenerateResult, error)

	// GenerateStream drives the backend one token at a time, sending each
	// TokenEvent on the returned channel. The channel is closed after the
	// final event (Final or Err set). Backends MUST check cancel between
	// tokens and SHOULD honor it during any long internal operation.
	GenerateStream(ctx context.Context, promptTokens []uint32, cfg GenerateConfig, cancel <-chan struct{}) (<-chan TokenEvent, error)

	// Unload releases any resources held by the handle. Called only after
	// the pool has confirmed zero in-flight requests against this handle.
	Unload() error
}

// Backend loads model handles on demand. Implementations are free to be
// purely local (the built-in mock) or to proxy to a remote inference
// process (the optional vsock backend).
type Backend interface {
	// Load synchronously loads the named model and returns a ready Handle.
	Load(ctx context.Context, modelID string) (Handle, error)
}
