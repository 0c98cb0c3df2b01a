package wire

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion identifies a negotiated wire protocol revision.
type ProtocolVersion int

const (
	V1 ProtocolVersion = 1
	V2 ProtocolVersion = 2

	MaxSupportedVersion = V1
)

// TokenEncoder encodes/decodes a token sequence for one protocol version.
// The registry is keyed by ProtocolVersion so that a future V2 binary form
// can be added without touching callers that only know the negotiated
// version number.
type TokenEncoder interface {
	Encode(tokens []uint32) ([]byte, error)
	Decode(data []byte) ([]uint32, error)
}

// v1Encoder implements the textual array-of-integers form: a plain JSON
// array, e.g. "[0,127,128,16383]".
type v1Encoder struct{}

func (v1Encoder) Encode(tokens []uint32) ([]byte, error) {
	if tokens == nil {
		tokens = []uint32{}
	}
	data, err := json.Marshal(tokens)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	return data, nil
}

func (v1Encoder) Decode(data []byte) ([]uint32, error) {
	var tokens []uint32
	if err := json.Unmarshal(data, &tokens); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	return tokens, nil
}

var encoders = map[ProtocolVersion]TokenEncoder{
	V1: v1Encoder{},
	// V2 is reserved for a compact binary form; per Open Question (b) the
	// source falls back to V1 for all V2 traffic, so V2 routes to the same
	// encoder until a binary codec is actually specified.
	V2: v1Encoder{},
}

// Encoder returns the token encoder for the negotiated version, falling
// back to V1 for any version this build does not recognize.
func Encoder(version ProtocolVersion) TokenEncoder {
	if enc, ok := encoders[version]; ok {
		return enc
	}
	return encoders[V1]
}

// NegotiateVersion implements the handshake negotiation rule: an unknown or
// missing requested version defaults to V1; a known version higher than
// this build's MaxSupportedVersion is downgraded to V1 rather than
// rejected, matching the source's conservative V2-falls-back-to-V1
// behavior the registry exists to support.
func NegotiateVersion(requested int) ProtocolVersion {
	if requested <= 0 {
		return V1
	}
	if ProtocolVersion(requested) > MaxSupportedVersion {
		return V1
	}
	return ProtocolVersion(requested)
}
