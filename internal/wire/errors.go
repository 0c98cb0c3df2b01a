package wire

import "errors"

// Category groups the sentinel errors below into the taxonomy the
// connection handler and streaming engine use to decide how a failure
// propagates: close the connection, return a per-request error frame, or
// become the request's terminal frame.
type Category string

const (
	CategoryProtocol  Category = "protocol"
	CategoryAuth      Category = "auth"
	CategoryAdmission Category = "admission"
	CategoryExecution Category = "execution"
	CategoryPool      Category = "pool"
)

// Protocol errors: malformed frame, unknown variant, oversized frame.
var (
	ErrInvalidFormat     = errors.New("wire: invalid message format")
	ErrFrameTooLarge     = errors.New("wire: frame exceeds maximum size")
	ErrShortRead         = errors.New("wire: short read")
	ErrUnknownVariant    = errors.New("wire: unknown message discriminator")
	ErrProtocolViolation = errors.New("wire: protocol violation")
)

// Auth errors: invalid token, expired, shutting down.
var (
	ErrInvalidToken = errors.New("wire: invalid token")
	ErrExpired      = errors.New("wire: session expired")
	ErrShuttingDown = errors.New("wire: runtime is shutting down")
)

// Admission errors: overloaded, shutting-down, invalid params, duplicate request.
var (
	ErrOverloaded      = errors.New("wire: queue overloaded")
	ErrInvalidParams   = errors.New("wire: invalid inference parameters")
	ErrDuplicateRequest = errors.New("wire: duplicate request id")
)

// Execution errors: model-not-loaded, context-exceeded, backend failure, timeout, cancelled.
var (
	ErrModelNotLoaded  = errors.New("wire: model not loaded")
	ErrContextExceeded = errors.New("wire: prompt exceeds max context length")
	ErrBackendFailure  = errors.New("wire: backend failure")
	ErrTimeout         = errors.New("wire: request timed out")
	ErrCancelled       = errors.New("wire: request cancelled")
)

// Pool errors: capacity exceeded, not found, eviction failed.
var (
	ErrPoolCapacity    = errors.New("wire: pool capacity exceeded")
	ErrModelNotFound   = errors.New("wire: model not found")
	ErrEvictionFailed  = errors.New("wire: eviction failed, no eligible victim")
)
