package wire

import (
	"bytes"
	"encoding/binary"
	"reflect"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []*Message{
		{Type: TypeHandshake, AuthToken: "secret", ProtocolVersion: 1},
		{Type: TypeHandshakeAck, SessionID: "sess-1", ProtocolVersion: 1},
		{Type: TypeInferenceRequest, RequestID: 1, ModelID: "m", PromptTokens: []uint32{1, 2, 3},
			Parameters: &InferenceParameters{MaxTokens: 8, Temperature: 0.7, TopP: 1, TopK: 40}},
		{Type: TypeInferenceResponse, RequestID: 1, Tokens: []uint32{91, 77}, Finished: true},
		{Type: TypeCancelRequest, RequestID: 2},
		{Type: TypeHealthCheck, Kind: "live"},
		{Type: TypeHealthReport, Report: &HealthReportPayload{State: "healthy", Alive: true, Ready: true}},
		{Type: TypeError, Err: &ErrorInfo{Kind: "protocol", Message: "bad"}},
	}

	for _, m := range cases {
		data, err := EncodeMessage(m)
		if err != nil {
			t.Fatalf("encode %v: %v", m.Type, err)
		}
		got, err := DecodeMessage(data)
		if err != nil {
			t.Fatalf("decode %v: %v", m.Type, err)
		}
		if !reflect.DeepEqual(m, got) {
			t.Fatalf("round trip mismatch for %v: want %+v got %+v", m.Type, m, got)
		}
	}
}

func TestDecodeMissingRequiredField(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"type":"handshake"}`))
	if err == nil {
		t.Fatal("expected error for missing auth_token")
	}
}

func TestDecodeUnknownVariant(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"type":"bogus"}`))
	if err == nil {
		t.Fatal("expected error for unknown discriminator")
	}
}

func TestDecodeIgnoresUnknownOptionalFields(t *testing.T) {
	m, err := DecodeMessage([]byte(`{"type":"health_check","kind":"live","future_field":"ignored"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Kind != "live" {
		t.Fatalf("expected kind=live, got %q", m.Kind)
	}
}

func TestFrameAtExactCapAccepted(t *testing.T) {
	var buf bytes.Buffer
	codec := NewFrameCodec(&buf, 16)
	payload := make([]byte, 16)
	if err := codec.WriteFrame(payload); err != nil {
		t.Fatalf("unexpected error writing at-cap frame: %v", err)
	}
	got, err := codec.ReadFrame()
	if err != nil {
		t.Fatalf("unexpected error reading at-cap frame: %v", err)
	}
	if len(got) != 16 {
		t.Fatalf("expected 16 bytes, got %d", len(got))
	}
}

func TestFrameOverCapRejected(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], 17)
	buf.Write(lenBuf[:])
	buf.Write(make([]byte, 17))

	codec := NewFrameCodec(&buf, 16)
	_, err := codec.ReadFrame()
	if err == nil {
		t.Fatal("expected ErrFrameTooLarge for cap+1 frame")
	}
}

func TestShortReadClosesWithError(t *testing.T) {
	buf := bytes.NewBuffer([]byte{1, 2})
	codec := NewFrameCodec(buf, DefaultMaxFrameSize)
	_, err := codec.ReadFrame()
	if err == nil {
		t.Fatal("expected short read error")
	}
}

func TestCodecWriteReadMessage(t *testing.T) {
	var buf bytes.Buffer
	codec := NewFrameCodec(&buf, DefaultMaxFrameSize)
	want := &Message{Type: TypeCancelRequest, RequestID: 42}
	if err := codec.WriteMessage(want); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := codec.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.RequestID != want.RequestID {
		t.Fatalf("expected request id %d, got %d", want.RequestID, got.RequestID)
	}
}

func TestV1EncoderRoundTrip(t *testing.T) {
	sequences := [][]uint32{
		{},
		{0},
		{0, 127, 128, 16383, 16384, ^uint32(0)},
		make([]uint32, 4000),
	}
	for i := range sequences[3] {
		sequences[3][i] = uint32(i)
	}

	enc := Encoder(V1)
	for _, seq := range sequences {
		data, err := enc.Encode(seq)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		got, err := enc.Decode(data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(got) != len(seq) {
			t.Fatalf("length mismatch: want %d got %d", len(seq), len(got))
		}
		for i := range seq {
			if got[i] != seq[i] {
				t.Fatalf("element %d mismatch: want %d got %d", i, seq[i], got[i])
			}
		}
	}
}

func TestNegotiateVersionDefaultsToV1(t *testing.T) {
	if v := NegotiateVersion(0); v != V1 {
		t.Fatalf("expected V1 default, got %v", v)
	}
	if v := NegotiateVersion(2); v != V1 {
		t.Fatalf("expected V2 request to fall back to V1, got %v", v)
	}
}

func TestInferenceParametersValidate(t *testing.T) {
	cases := []struct {
		name    string
		params  InferenceParameters
		wantErr bool
	}{
		{"valid", InferenceParameters{MaxTokens: 1, TopP: 1, TopK: 1}, false},
		{"zero max tokens", InferenceParameters{MaxTokens: 0, TopP: 1, TopK: 1}, true},
		{"zero top_p", InferenceParameters{MaxTokens: 1, TopP: 0, TopK: 1}, true},
		{"top_p over 1", InferenceParameters{MaxTokens: 1, TopP: 1.5, TopK: 1}, true},
		{"zero top_k", InferenceParameters{MaxTokens: 1, TopP: 1, TopK: 0}, true},
		{"negative temperature", InferenceParameters{MaxTokens: 1, TopP: 1, TopK: 1, Temperature: -1}, true},
	}
	for _, c := range cases {
		err := c.params.Validate()
		if c.wantErr && err == nil {
			t.Errorf("%s: expected error, got nil", c.name)
		}
		if !c.wantErr && err != nil {
			t.Errorf("%s: unexpected error: %v", c.name, err)
		}
	}
}
