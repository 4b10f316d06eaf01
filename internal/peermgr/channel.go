package peermgr

import (
	"fmt"
	"time"

	"github.com/peervault/peervault/internal/transport"
)

// Channel tags the purpose of a stream's first frame, so every stream
// declares what it carries instead of relying on magic-byte sniffing.
type Channel byte

const (
	ChannelSync        Channel = 0x01
	ChannelSignaling   Channel = 0x02
	ChannelKeyExchange Channel = 0x03
)

// rawStream is the subset of *transport.Stream the tagged wrapper needs;
// narrowed to an interface so tests can substitute a fake.
type rawStream interface {
	Send([]byte) error
	Receive() ([]byte, error)
	Close() error
	IsOpen() bool
}

var _ rawStream = (*transport.Stream)(nil)

// taggedStream wraps a raw stream so its first outbound Send prepends a
// one-byte Channel tag, and (for inbound streams the manager already
// peeked at to classify) its first Receive replays an already-consumed
// payload instead of reading the wire again.
type taggedStream struct {
	inner rawStream
	tag   Channel

	sendTagged bool

	bufferedFirst []byte
	haveBuffered  bool
}

// newOutboundTaggedStream returns a stream that tags its first write
// with tag; every Receive reads straight through.
func newOutboundTaggedStream(inner rawStream, tag Channel) *taggedStream {
	return &taggedStream{inner: inner, tag: tag}
}

// newInboundTaggedStream returns a stream whose first Receive replays
// firstPayload (the bytes already read off the wire to classify the
// stream's channel, tag byte stripped) before falling through to inner.
func newInboundTaggedStream(inner rawStream, firstPayload []byte) *taggedStream {
	return &taggedStream{inner: inner, bufferedFirst: firstPayload, haveBuffered: true, sendTagged: true}
}

func (t *taggedStream) Send(data []byte) error {
	if !t.sendTagged {
		t.sendTagged = true
		tagged := make([]byte, 0, len(data)+1)
		tagged = append(tagged, byte(t.tag))
		tagged = append(tagged, data...)
		return t.inner.Send(tagged)
	}
	return t.inner.Send(data)
}

func (t *taggedStream) Receive() ([]byte, error) {
	if t.haveBuffered {
		t.haveBuffered = false
		return t.bufferedFirst, nil
	}
	return t.inner.Receive()
}

func (t *taggedStream) Close() error { return t.inner.Close() }
func (t *taggedStream) IsOpen() bool { return t.inner.IsOpen() }

// readChannelTag reads one frame off raw, returning the channel it
// names and the remainder of that frame (the first real payload, to be
// replayed via newInboundTaggedStream).
func readChannelTag(raw rawStream) (Channel, []byte, error) {
	frame, err := raw.Receive()
	if err != nil {
		return 0, nil, fmt.Errorf("peermgr: read channel tag: %w", err)
	}
	if len(frame) < 1 {
		return 0, nil, fmt.Errorf("peermgr: empty frame, no channel tag")
	}
	return Channel(frame[0]), frame[1:], nil
}

// readChannelTag (manager form) races the tag read against the
// configured stream-type detection timeout so a peer
// that opens a stream and then says nothing can't pin a handler
// goroutine forever.
func (m *Manager) readChannelTag(raw rawStream) (Channel, []byte, error) {
	type tagResult struct {
		ch        Channel
		remainder []byte
		err       error
	}
	done := make(chan tagResult, 1)
	go func() {
		ch, rest, err := readChannelTag(raw)
		done <- tagResult{ch, rest, err}
	}()

	timeout := m.cfg.StreamTypeTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().StreamTypeTimeout
	}
	select {
	case r := <-done:
		return r.ch, r.remainder, r.err
	case <-time.After(timeout):
		raw.Close()
		return 0, nil, fmt.Errorf("peermgr: stream-type detection timeout")
	}
}
