package transport

import (
	"context"
	"fmt"
	"strings"
	gosync "sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// ConnType classifies how a connection reaches its peer.
type ConnType int

const (
	ConnNone ConnType = iota
	ConnDirect
	ConnRelay
	ConnMixed
)

func (c ConnType) String() string {
	switch c {
	case ConnDirect:
		return "direct"
	case ConnRelay:
		return "relay"
	case ConnMixed:
		return "mixed"
	default:
		return "none"
	}
}

// Connection wraps every libp2p network.Conn PeerVault has observed for
// a single remote node id, and the inbound-stream queue subscribers pull
// from.
type Connection struct {
	host host.Host
	peer peer.ID

	mu       gosync.Mutex
	inbound  chan *Stream
	onStream map[int]func(*Stream)
	onClose  map[int]func()
	nextSub  int
	closed   bool
}

func newConnection(h host.Host, p peer.ID) *Connection {
	return &Connection{
		host:     h,
		peer:     p,
		inbound:  make(chan *Stream, 16),
		onStream: make(map[int]func(*Stream)),
		onClose:  make(map[int]func()),
	}
}

// PeerNodeID returns the remote node's identifier.
func (c *Connection) PeerNodeID() string {
	return c.peer.String()
}

// OpenStream opens a new outbound stream to the peer over the
// PeerVault sync protocol.
func (c *Connection) OpenStream(ctx context.Context) (*Stream, error) {
	s, err := c.host.NewStream(ctx, c.peer, protocol.ID(ProtocolID))
	if err != nil {
		return nil, fmt.Errorf("transport: open stream: %w", err)
	}
	return newStream(s), nil
}

// AcceptStream blocks until an inbound stream arrives on this
// connection, or ctx is done.
func (c *Connection) AcceptStream(ctx context.Context) (*Stream, error) {
	select {
	case s, ok := <-c.inbound:
		if !ok {
			return nil, fmt.Errorf("transport: connection closed")
		}
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OnStream registers callback to be invoked for every inbound stream
// from now on, in addition to whatever AcceptStream callers consume.
// Returns an unsubscribe func.
func (c *Connection) OnStream(callback func(*Stream)) UnsubscribeFunc {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.onStream[id] = callback
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.onStream, id)
		c.mu.Unlock()
	}
}

// pushInboundStream delivers a freshly accepted stream to OnStream
// subscribers if any are registered, and queues it for AcceptStream
// otherwise. Streams queued before a subscriber existed stay in the
// queue until TryAcceptStream drains them.
func (c *Connection) pushInboundStream(s *Stream) {
	c.mu.Lock()
	closed := c.closed
	callbacks := make([]func(*Stream), 0, len(c.onStream))
	for _, cb := range c.onStream {
		callbacks = append(callbacks, cb)
	}
	c.mu.Unlock()

	if closed {
		s.Close()
		return
	}

	if len(callbacks) > 0 {
		for _, cb := range callbacks {
			cb(s)
		}
		return
	}

	select {
	case c.inbound <- s:
	default:
		// No subscriber and the queue is full; drop rather than block
		// the transport's accept path.
		s.Close()
	}
}

// TryAcceptStream returns a queued inbound stream without blocking, or
// nil if none is waiting. Used to drain streams that arrived before an
// OnStream subscriber was registered.
func (c *Connection) TryAcceptStream() *Stream {
	select {
	case s, ok := <-c.inbound:
		if !ok {
			return nil
		}
		return s
	default:
		return nil
	}
}

// OnClose registers callback to be invoked once when this connection is
// closed, locally or by the remote going away. Returns an unsubscribe
// func.
func (c *Connection) OnClose(callback func()) UnsubscribeFunc {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		callback()
		return func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.onClose[id] = callback
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.onClose, id)
		c.mu.Unlock()
	}
}

// markDisconnected flips the connection to closed and fires OnClose
// callbacks, without tearing down the peer at the network layer (the
// remote already did). Idempotent with Close.
func (c *Connection) markDisconnected() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.inbound)
	callbacks := make([]func(), 0, len(c.onClose))
	for _, cb := range c.onClose {
		callbacks = append(callbacks, cb)
	}
	c.onClose = make(map[int]func())
	c.mu.Unlock()

	for _, cb := range callbacks {
		cb()
	}
}

// RTT returns the transport's most recent latency estimate for this
// peer, or 0 if unknown.
func (c *Connection) RTT() time.Duration {
	return c.host.Peerstore().LatencyEWMA(c.peer)
}

// PendingStreams returns the number of inbound streams queued but not
// yet accepted.
func (c *Connection) PendingStreams() int {
	return len(c.inbound)
}

// ConnectionType classifies the underlying network path to this peer.
func (c *Connection) ConnectionType() ConnType {
	conns := c.host.Network().ConnsToPeer(c.peer)
	if len(conns) == 0 {
		return ConnNone
	}

	sawDirect, sawRelay := false, false
	for _, conn := range conns {
		if strings.Contains(conn.RemoteMultiaddr().String(), "/p2p-circuit") {
			sawRelay = true
		} else {
			sawDirect = true
		}
	}

	switch {
	case sawDirect && sawRelay:
		return ConnMixed
	case sawRelay:
		return ConnRelay
	case sawDirect:
		return ConnDirect
	default:
		return ConnNone
	}
}

// Close closes every known stream and connection to this peer.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.markDisconnected()
	return c.host.Network().ClosePeer(c.peer)
}
