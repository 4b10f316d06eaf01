package peermgr

import (
	"context"

	"github.com/peervault/peervault/internal/session"
	"github.com/peervault/peervault/internal/transport"
)

// handleInboundConnection classifies a freshly observed inbound
// connection as known, discovered, or unknown, and wires up stream
// handling accordingly. Registered once per Connection via Transport.SubscribeInbound.
func (m *Manager) handleInboundConnection(ctx context.Context, conn *transport.Connection) {
	nodeID := conn.PeerNodeID()

	m.mu.Lock()
	rec, known := m.peers[nodeID]
	_, discovered := m.discovered[nodeID]
	m.mu.Unlock()

	switch {
	case known && rec.Trusted:
		m.mu.Lock()
		rec.LastSeen = nowMillis()
		m.mu.Unlock()
		m.attachStreamHandler(ctx, conn)

	case known:
		// A record exists but the peer was never trusted; nothing to do
		// with its streams.
		conn.Close()

	case discovered:
		m.mu.Lock()
		now := nowMillis()
		newRec := &PeerRecord{NodeID: nodeID, Trusted: true, FirstSeen: now, LastSeen: now}
		if d, ok := m.discovered[nodeID]; ok {
			newRec.Ticket = d.Ticket
		}
		m.peers[nodeID] = newRec
		delete(m.discovered, nodeID)
		delete(m.reconnectAttempts, nodeID)
		m.mu.Unlock()
		m.saveAsync()

		m.attachStreamHandler(ctx, conn)

	default:
		m.handleUnknownInbound(ctx, conn)
	}
}

// attachStreamHandler registers the per-stream dispatcher and then
// drains any streams the transport had already queued before the
// callback existed, so nothing the peer opened early is lost.
func (m *Manager) attachStreamHandler(ctx context.Context, conn *transport.Connection) {
	conn.OnStream(func(s *transport.Stream) {
		m.dispatchInboundStream(ctx, conn, s)
	})
	for {
		s := conn.TryAcceptStream()
		if s == nil {
			return
		}
		m.dispatchInboundStream(ctx, conn, s)
	}
}

// handleUnknownInbound applies pairing rate limits to a connection from
// a node we have never seen, and on admission raises a
// peer:pairing-request event for the host to Accept or Deny.
func (m *Manager) handleUnknownInbound(ctx context.Context, conn *transport.Connection) {
	nodeID := conn.PeerNodeID()

	if m.isTombstoned(nodeID) {
		conn.Close()
		return
	}

	ok, reason := m.pairing.admit(nodeID, nowMillis())
	if !ok {
		m.logger.Printf("peermgr: rejecting pairing request from %s: %s", nodeID, reason)
		conn.Close()
		return
	}

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		m.logger.Printf("peermgr: accept first stream from %s: %v", nodeID, err)
		conn.Close()
		return
	}
	tag, remainder, err := m.readChannelTag(stream)
	if err != nil {
		m.logger.Printf("peermgr: classify stream from %s: %v", nodeID, err)
		conn.Close()
		return
	}
	if tag != ChannelSync {
		// A pairing candidate must open its sync stream first; anything
		// else this early is dropped.
		conn.Close()
		return
	}

	req := &PairingRequest{NodeID: nodeID, mgr: m, conn: conn, first: remainder, firstStream: stream}

	// Losing the connection while the user deliberates evicts the
	// pending request; the peer will knock again when it reconnects.
	req.onLossUnsub = conn.OnClose(func() {
		m.pairing.removePending(nodeID)
	})

	m.pairing.addPending(req)

	conn.OnStream(func(s *transport.Stream) {
		m.dispatchInboundStream(ctx, conn, s)
	})

	m.emit(Event{Kind: "peer:pairing-request", NodeID: nodeID, Request: req})
}

// dispatchInboundStream classifies every subsequent stream on an
// already-known connection. For sync streams, an existing session for
// the same peer is resolved by the deterministic initiator rule: a
// collision in exchanging_versions goes to the side with the
// lexicographically smaller node id; in every other state the incoming
// stream replaces the old session, which is how peers reconnect cleanly
// after a reload.
func (m *Manager) dispatchInboundStream(ctx context.Context, conn *transport.Connection, stream *transport.Stream) {
	nodeID := conn.PeerNodeID()
	tag, remainder, err := m.readChannelTag(stream)
	if err != nil {
		m.logger.Printf("peermgr: classify stream from %s: %v", nodeID, err)
		stream.Close()
		return
	}

	switch tag {
	case ChannelSync:
		m.mu.Lock()
		existing, has := m.sessions[nodeID]
		m.mu.Unlock()
		if has {
			if existing.sess.State() == session.StateExchangingVersions && m.shouldInitiateTo(nodeID) {
				// Our initiator-side handshake wins the tie-break; the
				// peer's competing stream is ignored.
				stream.Close()
				return
			}
			m.mu.Lock()
			if m.sessions[nodeID] == existing {
				delete(m.sessions, nodeID)
			}
			m.mu.Unlock()
			existing.cancel()
			_ = existing.sess.Close()
		}
		tagged := newInboundTaggedStream(stream, remainder)
		m.startSession(nodeID, tagged, false)

	case ChannelKeyExchange:
		m.handleKeyExchangeStream(nodeID, stream, remainder)

	default:
		m.logger.Printf("peermgr: unhandled channel tag %d from %s, closing", tag, nodeID)
		stream.Close()
	}
}
