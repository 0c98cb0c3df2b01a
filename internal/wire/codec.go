package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// DefaultMaxFrameSize is the hard cap on a single frame's payload size.
const DefaultMaxFrameSize = 16 << 20 // 16 MiB

// FrameCodec reads and writes length-prefixed frames over a single
// connection. It is not safe for concurrent Write calls from multiple
// goroutines; callers serialize writes through their own mutex (see
// internal/conn's per-connection writer).
type FrameCodec struct {
	rw           io.ReadWriter
	maxFrameSize int
}

// NewFrameCodec wraps rw with framing. maxFrameSize of 0 selects
// DefaultMaxFrameSize.
func NewFrameCodec(rw io.ReadWriter, maxFrameSize int) *FrameCodec {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &FrameCodec{rw: rw, maxFrameSize: maxFrameSize}
}

// ReadFrame reads one length-prefixed frame and returns its raw payload.
// A length greater than maxFrameSize is rejected with ErrFrameTooLarge
// without attempting to read the payload. Any short read on the length
// prefix or the payload is reported as ErrShortRead; callers must close
// the connection on either error.
func (c *FrameCodec) ReadFrame() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.rw, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: %v", ErrShortRead, err)
	}

	length := binary.LittleEndian.Uint32(lenBuf[:])
	if length > uint32(c.maxFrameSize) {
		return nil, fmt.Errorf("%w: %d bytes exceeds cap of %d", ErrFrameTooLarge, length, c.maxFrameSize)
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(c.rw, payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrShortRead, err)
		}
	}
	return payload, nil
}

// WriteFrame writes the length prefix and payload as a single logical write
// so that a cancelled write can never leave a partial frame on the wire:
// the prefix and payload are concatenated into one buffer before the
// underlying Write call.
func (c *FrameCodec) WriteFrame(payload []byte) error {
	if len(payload) > c.maxFrameSize {
		return fmt.Errorf("%w: %d bytes exceeds cap of %d", ErrFrameTooLarge, len(payload), c.maxFrameSize)
	}

	buf := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)

	if _, err := c.rw.Write(buf); err != nil {
		return fmt.Errorf("wire: write frame: %w", err)
	}
	return nil
}

// ReadMessage reads one frame and decodes it as a Message.
func (c *FrameCodec) ReadMessage() (*Message, error) {
	payload, err := c.ReadFrame()
	if err != nil {
		return nil, err
	}
	return DecodeMessage(payload)
}

// WriteMessage encodes m and writes it as one frame.
func (c *FrameCodec) WriteMessage(m *Message) error {
	payload, err := EncodeMessage(m)
	if err != nil {
		return err
	}
	return c.WriteFrame(payload)
}
