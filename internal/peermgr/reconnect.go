package peermgr

import (
	"context"
	"time"
)

// reconnectState tracks how many error-driven reconnects are pending
// for a peer and when the last one was scheduled, so the cleanup sweep
// can age entries out.
type reconnectState struct {
	count  int
	lastAt int64
}

// scheduleReconnect arranges a future dial attempt to nodeID: a clean
// disconnect (peer closed gracefully, or we closed deliberately)
// retries after a flat delay without
// incrementing the attempt counter; an error disconnect backs off
// exponentially, capped, and gives up after MaxReconnectAttempts.
func (m *Manager) scheduleReconnect(nodeID string, clean bool) {
	m.mu.Lock()
	rec, known := m.peers[nodeID]
	m.mu.Unlock()
	if !known || !rec.Trusted {
		return // only trusted, paired peers auto-reconnect
	}

	var delay time.Duration
	if clean {
		delay = m.cfg.CleanDisconnectDelay
	} else {
		m.mu.Lock()
		st := m.reconnectAttempts[nodeID]
		st.count++
		st.lastAt = nowMillis()
		m.reconnectAttempts[nodeID] = st
		attempts := st.count
		m.mu.Unlock()

		if attempts > m.cfg.MaxReconnectAttempts {
			m.logger.Printf("peermgr: giving up reconnecting to %s after %d attempts", nodeID, attempts-1)
			return
		}
		delay = m.cfg.ReconnectBackoffBase * time.Duration(1<<uint(attempts-1))
		if delay > m.cfg.ReconnectBackoffCap {
			delay = m.cfg.ReconnectBackoffCap
		}
	}

	timer := time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.reconnectTimers, nodeID)
		m.mu.Unlock()
		m.attemptReconnect(nodeID)
	})

	m.mu.Lock()
	if old, ok := m.reconnectTimers[nodeID]; ok {
		old.Stop()
	}
	m.reconnectTimers[nodeID] = timer
	m.mu.Unlock()
}

// resetReconnectAttempts clears the attempt counter; called when the
// initiator side reaches sync:complete, so a healthy link always starts
// the next outage with a full retry budget.
func (m *Manager) resetReconnectAttempts(nodeID string) {
	m.mu.Lock()
	delete(m.reconnectAttempts, nodeID)
	m.mu.Unlock()
}

// attemptReconnect dials nodeID again using its stored ticket, honoring
// deterministic initiator selection: only the lexicographically lower
// node id initiates. The higher id waits for the peer's discovery queue
// or reconnect timer to dial in instead.
func (m *Manager) attemptReconnect(nodeID string) {
	if m.isTombstoned(nodeID) {
		return
	}
	m.mu.Lock()
	rec, ok := m.peers[nodeID]
	_, alreadyLive := m.sessions[nodeID]
	m.mu.Unlock()
	if !ok || alreadyLive {
		return
	}

	if !m.shouldInitiateTo(nodeID) {
		// Peer id sorts lower than ours, so the peer is the initiator: let
		// it dial us. Our timer is re-armed (counting toward
		// MaxReconnectAttempts) but this branch never dials the peer.
		m.scheduleReconnect(nodeID, false)
		return
	}

	if _, err := m.AddPeer(context.Background(), rec.Ticket); err != nil {
		m.logger.Printf("peermgr: reconnect to %s failed: %v", nodeID, err)
		m.scheduleReconnect(nodeID, false)
	}
}

// shouldInitiateTo applies the deterministic tie-breaker: the
// lexicographically lower node id is the initiator.
func (m *Manager) shouldInitiateTo(peerNodeID string) bool {
	return m.nodeID() < peerNodeID
}
