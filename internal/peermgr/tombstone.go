package peermgr

import "time"

// tombstonePeer records nodeID as removed, deletes its peer/session/
// discovered-peer state, and closes any live session. If local (triggered
// by our own RemovePeer rather than a received removal notice), the peer
// is first told with a PEER_REMOVED frame over that session; a received
// notice closes silently. Either way there is no cascade to other peers
// beyond the tombstone itself, which later gossip/reconciliation rounds
// naturally surface.
func (m *Manager) tombstonePeer(nodeID, reason string, local bool) error {
	if local {
		m.sendPeerRemoved(nodeID, reason)
	}
	now := nowMillis()

	m.mu.Lock()
	m.tombstones[nodeID] = &Tombstone{NodeID: nodeID, RemovedAt: now, Reason: reason}
	delete(m.peers, nodeID)
	delete(m.discovered, nodeID)
	ps, hadSession := m.sessions[nodeID]
	delete(m.sessions, nodeID)
	delete(m.reconnectAttempts, nodeID)
	if t, ok := m.reconnectTimers[nodeID]; ok {
		t.Stop()
		delete(m.reconnectTimers, nodeID)
	}
	m.mu.Unlock()

	if hadSession {
		ps.cancel()
		_ = ps.sess.Close()
	}

	m.emit(Event{Kind: "peer:disconnected", NodeID: nodeID, Reason: reason, HasReason: true})
	m.saveAsync()
	return nil
}

// isTombstoned reports whether nodeID has an unexpired tombstone.
func (m *Manager) isTombstoned(nodeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.tombstones[nodeID]
	if !ok {
		return false
	}
	return nowMillis()-ts.RemovedAt <= m.cfg.TombstoneTTL.Milliseconds()
}

// pruneStale sweeps every timestamped tracking map for entries past
// their useful life: expired tombstones, announcement-dedup entries,
// rate-limit windows, stale discovered peers, and aged reconnect
// counters.
func (m *Manager) pruneStale() {
	now := nowMillis()
	ttlMs := m.cfg.TombstoneTTL.Milliseconds()
	dedupeMs := m.cfg.AnnounceDedupeTTL.Milliseconds()

	m.mu.Lock()
	for nodeID, ts := range m.tombstones {
		if now-ts.RemovedAt > ttlMs {
			delete(m.tombstones, nodeID)
		}
	}
	for key, seenAt := range m.seenAnnouncements {
		if now-seenAt > dedupeMs {
			delete(m.seenAnnouncements, key)
		}
	}
	for src, timestamps := range m.announceRateWindow {
		cutoff := now - time.Minute.Milliseconds()
		kept := timestamps[:0]
		for _, t := range timestamps {
			if t >= cutoff {
				kept = append(kept, t)
			}
		}
		if len(kept) == 0 {
			delete(m.announceRateWindow, src)
		} else {
			m.announceRateWindow[src] = kept
		}
	}
	for nodeID, d := range m.discovered {
		if d.DiscoveredAt > 0 && now-d.DiscoveredAt > DiscoveredPeerTTL.Milliseconds() {
			delete(m.discovered, nodeID)
		}
	}
	for nodeID, st := range m.reconnectAttempts {
		if st.lastAt > 0 && now-st.lastAt > time.Hour.Milliseconds() {
			delete(m.reconnectAttempts, nodeID)
		}
	}
	m.mu.Unlock()

	m.pairing.prune(now)
}
