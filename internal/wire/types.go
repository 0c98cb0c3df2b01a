// Package wire implements SPARK's framing and message codec: a length-
// prefixed envelope over any bidirectional byte stream, carrying a
// self-describing, discriminator-tagged message.
//
// # Design rationale
//
// Plain encoding/json with a discriminator field is used rather than a
// binary schema library: there is no protobuf or flatbuffers dependency
// suited to an ad hoc tagged union like this one, so JSON is the natural
// choice for the primary transport. protobuf (already a dependency for
// other reasons) is reserved for a side-channel gRPC health surface, not
// this transport.
package wire

import (
	"encoding/json"
	"fmt"
)

// MessageType discriminates the IpcMessage tagged union.
type MessageType string

const (
	TypeHandshake         MessageType = "handshake"
	TypeHandshakeAck      MessageType = "handshake_ack"
	TypeInferenceRequest  MessageType = "inference_request"
	TypeInferenceResponse MessageType = "inference_response"
	TypeStreamChunk       MessageType = "stream_chunk"
	TypeCancelRequest     MessageType = "cancel_request"
	TypeHealthCheck       MessageType = "health_check"
	TypeHealthReport      MessageType = "health_report"
	TypeError             MessageType = "error"
)

// Priority is the admission priority class of a queued request.
type Priority int

const (
	Low      Priority = 0
	Normal   Priority = 1
	High     Priority = 2
	Critical Priority = 3
)

func (p Priority) String() string {
	switch p {
	case Critical:
		return "critical"
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	default:
		return "unknown"
	}
}

// InferenceParameters controls one generation request.
type InferenceParameters struct {
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	TopK        int     `json:"top_k"`
	Stream      bool    `json:"stream"`
	TimeoutMs   int64   `json:"timeout_ms,omitempty"`
	Priority    string  `json:"priority,omitempty"`
}

// Validate applies the boundary checks named in the data model: max_tokens
// >= 1, temperature >= 0, top_p in (0, 1], top_k >= 1.
func (p InferenceParameters) Validate() error {
	if p.MaxTokens < 1 {
		return fmt.Errorf("%w: max_tokens must be >= 1", ErrInvalidParams)
	}
	if p.Temperature < 0 {
		return fmt.Errorf("%w: temperature must be >= 0", ErrInvalidParams)
	}
	if p.TopP <= 0 || p.TopP > 1 {
		return fmt.Errorf("%w: top_p must be in (0, 1]", ErrInvalidParams)
	}
	if p.TopK < 1 {
		return fmt.Errorf("%w: top_k must be >= 1", ErrInvalidParams)
	}
	return nil
}

// HealthReportPayload mirrors internal/health.Report, duplicated here (rather
// than imported) to keep this package free of a dependency on the health
// package — wire is a leaf package per the dependency order in the overview.
type HealthReportPayload struct {
	State              string `json:"state"`
	Alive              bool   `json:"alive"`
	Ready              bool   `json:"ready"`
	AcceptingRequests  bool   `json:"accepting_requests"`
	ModelsLoaded       int    `json:"models_loaded"`
	QueueDepth         int    `json:"queue_depth"`
	MemoryUsedBytes    int64  `json:"memory_used_bytes"`
}

// ErrorInfo is the payload of a terminal or protocol Error message.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	// ContextExceeded detail fields, present only for that kind.
	Max int `json:"max,omitempty"`
	Got int `json:"got,omitempty"`
}

// Message is the tagged union transmitted in every frame. Only the fields
// relevant to Type are meaningful; json omitempty keeps the wire
// representation compact per variant.
type Message struct {
	Type MessageType `json:"type"`

	// Handshake / HandshakeAck
	AuthToken       string `json:"auth_token,omitempty"`
	ProtocolVersion int    `json:"protocol_version,omitempty"`
	SessionID       string `json:"session_id,omitempty"`

	// InferenceRequest / InferenceResponse / StreamChunk / CancelRequest share RequestID
	RequestID uint64 `json:"request_id,omitempty"`

	// InferenceRequest
	ModelID      string                `json:"model_id,omitempty"`
	PromptTokens []uint32              `json:"prompt_tokens,omitempty"`
	Parameters   *InferenceParameters  `json:"parameters,omitempty"`

	// InferenceResponse
	Tokens   []uint32 `json:"tokens,omitempty"`
	Finished bool     `json:"finished,omitempty"`

	// StreamChunk
	Token *uint32 `json:"token,omitempty"`
	Final bool    `json:"final,omitempty"`

	// HealthCheck
	Kind string `json:"kind,omitempty"`

	// HealthReport
	Report *HealthReportPayload `json:"report,omitempty"`

	// Error
	Err *ErrorInfo `json:"err,omitempty"`
}

// Validate checks that the fields required for Type are present. It is the
// "missing required fields MUST fail" half of decode_message's contract;
// "unknown optional fields MUST be ignored" is satisfied for free by
// encoding/json discarding fields absent from the struct.
func (m *Message) Validate() error {
	switch m.Type {
	case TypeHandshake:
		if m.AuthToken == "" {
			return fmt.Errorf("%w: handshake requires auth_token", ErrInvalidFormat)
		}
	case TypeHandshakeAck:
		if m.SessionID == "" {
			return fmt.Errorf("%w: handshake_ack requires session_id", ErrInvalidFormat)
		}
	case TypeInferenceRequest:
		if m.ModelID == "" {
			return fmt.Errorf("%w: inference_request requires model_id", ErrInvalidFormat)
		}
		if m.Parameters == nil {
			return fmt.Errorf("%w: inference_request requires parameters", ErrInvalidFormat)
		}
	case TypeInferenceResponse:
		// tokens may legitimately be empty (max_tokens truncation to zero output).
	case TypeStreamChunk:
		if m.Token == nil && !m.Final && m.Err == nil {
			return fmt.Errorf("%w: stream_chunk requires token, final, or err", ErrInvalidFormat)
		}
	case TypeCancelRequest:
		// RequestID's zero value is itself a valid id only before any request
		// has been issued; enforcement that it refers to a live request
		// happens in internal/conn, not here.
	case TypeHealthCheck:
		if m.Kind == "" {
			return fmt.Errorf("%w: health_check requires kind", ErrInvalidFormat)
		}
	case TypeHealthReport:
		if m.Report == nil {
			return fmt.Errorf("%w: health_report requires report", ErrInvalidFormat)
		}
	case TypeError:
		if m.Err == nil {
			return fmt.Errorf("%w: error message requires err", ErrInvalidFormat)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownVariant, m.Type)
	}
	return nil
}

// EncodeMessage serializes m to its wire payload representation (the bytes
// that follow the 4-byte length prefix). Per spec this only fails when m
// cannot be represented at all; a well-formed in-memory Message never hits
// that path, but json.Marshal can still fail on cyclic or unsupported types,
// which is treated as ErrInvalidFormat.
func EncodeMessage(m *Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	return data, nil
}

// DecodeMessage parses a wire payload into a Message, validating the
// discriminator and required fields for that variant.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
