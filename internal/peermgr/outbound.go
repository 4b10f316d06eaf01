package peermgr

import (
	"context"
	"fmt"

	"github.com/peervault/peervault/internal/session"
)

// AddPeer dials ticket, pairs if this is a new node id, and starts an
// initiator sync session. Concurrency-guarded per ticket so a double
// call (e.g. a scanned QR code tapped twice) only dials once.
func (m *Manager) AddPeer(ctx context.Context, ticketStr string) (*PeerRecord, error) {
	m.mu.Lock()
	if m.addPeerInFlight[ticketStr] {
		m.mu.Unlock()
		return nil, fmt.Errorf("peermgr: add_peer already in flight for this ticket")
	}
	m.addPeerInFlight[ticketStr] = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.addPeerInFlight, ticketStr)
		m.mu.Unlock()
	}()

	conn, err := m.transport.ConnectWithTicket(ctx, ticketStr)
	if err != nil {
		return nil, fmt.Errorf("peermgr: connect: %w", err)
	}
	nodeID := conn.PeerNodeID()

	m.mu.Lock()
	if _, live := m.sessions[nodeID]; live {
		m.mu.Unlock()
		return m.peerSnapshot(nodeID), nil
	}
	rec, existed := m.peers[nodeID]
	now := nowMillis()
	if !existed {
		rec = &PeerRecord{NodeID: nodeID, Ticket: ticketStr, FirstSeen: now, Trusted: true}
		m.peers[nodeID] = rec
	}
	rec.Ticket = ticketStr
	rec.Trusted = true
	rec.LastSeen = now
	delete(m.tombstones, nodeID)
	delete(m.discovered, nodeID)
	m.mu.Unlock()

	isNewPairing := !existed

	stream, err := conn.OpenStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("peermgr: open sync stream: %w", err)
	}
	tagged := newOutboundTaggedStream(stream, ChannelSync)

	if isNewPairing {
		if err := m.performKeyExchange(ctx, conn); err != nil {
			m.logger.Printf("peermgr: key exchange with %s failed, continuing without it: %v", nodeID, err)
		}
	}

	m.startSession(nodeID, tagged, true)

	m.saveAsync()
	return m.peerSnapshot(nodeID), nil
}

func (m *Manager) peerSnapshot(nodeID string) *PeerRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return snapshotPeer(m.peers[nodeID])
}

// startSession constructs and runs a session.Session over stream, tracking
// it in m.sessions until it terminates.
func (m *Manager) startSession(nodeID string, stream session.Stream, initiator bool) {
	sessCtx, cancel := context.WithCancel(context.Background())

	cfg := session.DefaultConfig()
	cfg.NodeID = m.nodeID()
	cfg.PeerNodeID = nodeID
	cfg.VaultID = m.cfg.VaultID
	cfg.Hostname = m.cfg.Hostname
	cfg.Nickname = m.cfg.Nickname
	cfg.AllowVaultAdoption = m.cfg.AllowVaultAdoption
	cfg.ConfirmVaultAdoption = m.cfg.ConfirmVaultAdoption
	cfg.DocStore = m.docStore
	cfg.BlobStore = m.blobStore
	cfg.Logger = m.logger
	if tk, err := m.transport.GenerateTicket(); err == nil {
		cfg.Ticket = tk
	} else {
		m.logger.Printf("peermgr: generate ticket for version exchange with %s: %v", nodeID, err)
	}

	sess := session.New(stream, cfg)

	ps := &peerSession{sess: sess, cancel: cancel, nodeID: nodeID, isInitiator: initiator}
	m.mu.Lock()
	m.sessions[nodeID] = ps
	m.mu.Unlock()

	go m.watchSessionEvents(nodeID, sess)

	go func() {
		var err error
		if initiator {
			err = sess.StartSync(sessCtx)
		} else {
			err = sess.HandleIncomingSync(sessCtx)
		}
		m.onSessionEnded(ps, err)
	}()
}

// watchSessionEvents folds session-level events into peer-manager
// events and state, including peer gossip received on the live stream.
func (m *Manager) watchSessionEvents(nodeID string, sess *session.Session) {
	for ev := range sess.Events() {
		switch ev.Kind {
		case "state:change":
			m.mu.Lock()
			if rec, ok := m.peers[nodeID]; ok {
				rec.State = ev.State
			}
			m.mu.Unlock()
			if ev.State == session.StateLive {
				m.emit(Event{Kind: "peer:connected", NodeID: nodeID, Peer: m.peerSnapshot(nodeID)})
			}
			m.recomputeStatus()

		case "sync:complete":
			// Announce before LastSynced moves, so a first sync reads as "joined".
			m.announceJoinedOrUpdated(nodeID)
			now := nowMillis()
			m.mu.Lock()
			if rec, ok := m.peers[nodeID]; ok {
				rec.LastSynced = now
				rec.LastSeen = now
				rec.State = sess.State()
			}
			m.mu.Unlock()
			m.resetReconnectAttempts(nodeID)
			m.emit(Event{Kind: "peer:synced", NodeID: nodeID})
			m.saveAsync()

		case "ticket:received":
			m.mu.Lock()
			if rec, ok := m.peers[nodeID]; ok && ev.Ticket != "" {
				rec.Ticket = ev.Ticket
			}
			m.mu.Unlock()
			m.saveAsync()

		case "peer:info":
			m.mu.Lock()
			if rec, ok := m.peers[nodeID]; ok {
				if ev.Hostname != "" {
					rec.Hostname = ev.Hostname
				}
				if ev.Nickname != "" {
					rec.Nickname = ev.Nickname
				}
			}
			m.mu.Unlock()
			m.saveAsync()

		case "ping:rtt":
			m.mu.Lock()
			if rec, ok := m.peers[nodeID]; ok {
				rec.LastSeen = nowMillis()
			}
			m.mu.Unlock()
			m.recordRTT(nodeID, ev.RTT)

		case "ping:missed":
			m.recordMissedPing(nodeID)

		case "live:updates":
			m.emit(Event{Kind: "live:updates", NodeID: nodeID})

		case "peer:gossip":
			m.handleGossip(nodeID, ev.AnnounceKind, ev.Entries)

		case "vault:adoption-request":
			// Surfaced to the host directly by the session; nothing extra
			// to fold in here.

		case "error":
			m.emit(Event{Kind: "peer:error", NodeID: nodeID, Error: ev.Error})

		case "blob:received":
			m.emit(Event{Kind: "blob:received", NodeID: nodeID, BlobHash: ev.BlobHash})

		case "peer:removed":
			_ = m.tombstonePeer(nodeID, ev.Reason, false)
		}
	}
}

func (m *Manager) onSessionEnded(ps *peerSession, err error) {
	nodeID := ps.nodeID

	// Tear the session down however it ended: drop the docstore
	// subscription, close the stream, and close the events channel so
	// watchSessionEvents exits. Idempotent with the collision-replace,
	// tombstone, and Shutdown paths, which may have closed it already.
	ps.cancel()
	_ = ps.sess.Close()

	bw := ps.sess.Bandwidth()

	m.mu.Lock()
	// Only unregister if we are still the tracked session; a
	// close-and-replace collision may already have installed a
	// successor under the same node id.
	if m.sessions[nodeID] == ps {
		delete(m.sessions, nodeID)
	}
	if rec, ok := m.peers[nodeID]; ok {
		rec.BytesSent += bw.BytesSent
		rec.BytesReceived += bw.BytesReceived
		if err == nil {
			rec.State = session.StateClosed
		} else {
			rec.State = session.StateError
		}
	}
	delete(m.health, nodeID)
	m.mu.Unlock()

	clean := err == nil
	m.emit(Event{Kind: "peer:disconnected", NodeID: nodeID, HasReason: !clean, Error: err})
	m.recomputeStatus()

	if m.isTombstoned(nodeID) {
		return
	}
	if ps.isInitiator {
		m.scheduleReconnect(nodeID, clean)
	}
}

// sendPeerRemoved best-effort notifies nodeID over its live session, if
// any, that it has been removed.
func (m *Manager) sendPeerRemoved(nodeID, reason string) {
	m.mu.Lock()
	ps, ok := m.sessions[nodeID]
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := ps.sess.SendPeerRemoved(reason); err != nil {
		m.logger.Printf("peermgr: notify %s of removal: %v", nodeID, err)
	}
}
