package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/libp2p/go-libp2p/core/network"
)

// maxFrameSize bounds a single transport frame to guard against a
// misbehaving peer claiming an enormous length prefix.
const maxFrameSize = 32 * 1024 * 1024

// Stream wraps a libp2p network.Stream, framing each Send/Receive as a
// discrete length-prefixed message so callers never have to worry about
// partial reads: messages arrive as discrete framed byte slices, in
// order.
type Stream struct {
	raw network.Stream
}

func newStream(s network.Stream) *Stream {
	return &Stream{raw: s}
}

// Send writes data as one framed message: a 4-byte big-endian length
// prefix followed by the payload.
func (s *Stream) Send(data []byte) error {
	if len(data) > maxFrameSize {
		return fmt.Errorf("transport: frame too large: %d bytes", len(data))
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := s.raw.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("transport: write frame length: %w", err)
	}
	if _, err := s.raw.Write(data); err != nil {
		return fmt.Errorf("transport: write frame: %w", err)
	}
	return nil
}

// Receive blocks for the next framed message.
func (s *Stream) Receive() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(s.raw, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("transport: read frame length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("transport: frame claims %d bytes, exceeds limit", n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(s.raw, data); err != nil {
		return nil, fmt.Errorf("transport: read frame: %w", err)
	}
	return data, nil
}

// Close closes the underlying stream.
func (s *Stream) Close() error {
	return s.raw.Close()
}

// IsOpen reports whether the stream's underlying connection is still open.
func (s *Stream) IsOpen() bool {
	return !s.raw.Conn().IsClosed()
}
