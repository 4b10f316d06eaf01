package peermgr

// persistedPeer/persistedDiscovered/persistedTombstone mirror the field
// names internal/persist's JSON Schemas require.
type persistedPeer struct {
	NodeID     string `json:"node_id"`
	Hostname   string `json:"hostname,omitempty"`
	Nickname   string `json:"nickname,omitempty"`
	Ticket     string `json:"ticket,omitempty"`
	FirstSeen  int64  `json:"first_seen,omitempty"`
	LastSeen   int64  `json:"last_seen,omitempty"`
	LastSynced int64  `json:"last_synced,omitempty"`
	Trusted    bool   `json:"trusted,omitempty"`
	State      string `json:"state,omitempty"`
}

type persistedDiscovered struct {
	NodeID       string `json:"node_id"`
	Ticket       string `json:"ticket,omitempty"`
	LastSeen     int64  `json:"last_seen,omitempty"`
	DiscoveredAt int64  `json:"discovered_at,omitempty"`
}

type persistedTombstone struct {
	NodeID    string `json:"node_id"`
	RemovedAt int64  `json:"removed_at"`
	Reason    string `json:"reason"`
}

// normalizeTombstoneReason maps internal removal reasons onto the
// persisted schema's closed enum ("removed"|"left").
func normalizeTombstoneReason(reason string) string {
	if reason == "left" {
		return "left"
	}
	return "removed"
}

func (m *Manager) loadPersisted() error {
	if m.persist == nil {
		return nil
	}

	var peers []persistedPeer
	if err := m.persist.LoadPeers(&peers); err != nil {
		return err
	}
	var discovered []persistedDiscovered
	if err := m.persist.LoadDiscoveredPeers(&discovered); err != nil {
		return err
	}
	var tombstones []persistedTombstone
	if err := m.persist.LoadTombstones(&tombstones); err != nil {
		return err
	}

	now := nowMillis()

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ts := range tombstones {
		if ts.RemovedAt > 0 && now-ts.RemovedAt > m.cfg.TombstoneTTL.Milliseconds() {
			continue // expired, drop on load
		}
		m.tombstones[ts.NodeID] = &Tombstone{NodeID: ts.NodeID, RemovedAt: ts.RemovedAt, Reason: ts.Reason}
	}

	for _, p := range peers {
		if _, tombstoned := m.tombstones[p.NodeID]; tombstoned {
			continue
		}
		m.peers[p.NodeID] = &PeerRecord{
			NodeID:     p.NodeID,
			Ticket:     p.Ticket,
			Trusted:    true,
			Hostname:   p.Hostname,
			Nickname:   p.Nickname,
			FirstSeen:  p.FirstSeen,
			LastSeen:   p.LastSeen,
			LastSynced: p.LastSynced,
		}
	}

	for _, d := range discovered {
		if _, tombstoned := m.tombstones[d.NodeID]; tombstoned {
			continue
		}
		if _, known := m.peers[d.NodeID]; known {
			continue
		}
		if d.DiscoveredAt > 0 && now-d.DiscoveredAt > DiscoveredPeerTTL.Milliseconds() {
			continue // stale entry, drop on load
		}
		m.discovered[d.NodeID] = &DiscoveredPeer{NodeID: d.NodeID, Ticket: d.Ticket, LastSeen: d.LastSeen, DiscoveredAt: d.DiscoveredAt}
	}

	return nil
}

// savePersisted writes all three blobs. Best-effort: errors are logged,
// never propagated, so a failing disk can't take down live sessions.
func (m *Manager) savePersisted() {
	if m.persist == nil {
		return
	}

	m.mu.Lock()
	peers := make([]persistedPeer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, persistedPeer{
			NodeID: p.NodeID, Hostname: p.Hostname, Nickname: p.Nickname, Ticket: p.Ticket,
			FirstSeen: p.FirstSeen, LastSeen: p.LastSeen, LastSynced: p.LastSynced,
			Trusted: p.Trusted, State: p.State.String(),
		})
	}
	discovered := make([]persistedDiscovered, 0, len(m.discovered))
	for _, d := range m.discovered {
		discovered = append(discovered, persistedDiscovered{NodeID: d.NodeID, Ticket: d.Ticket, LastSeen: d.LastSeen, DiscoveredAt: d.DiscoveredAt})
	}
	tombstones := make([]persistedTombstone, 0, len(m.tombstones))
	for _, ts := range m.tombstones {
		tombstones = append(tombstones, persistedTombstone{NodeID: ts.NodeID, RemovedAt: ts.RemovedAt, Reason: normalizeTombstoneReason(ts.Reason)})
	}
	m.mu.Unlock()

	if err := m.persist.SavePeers(peers); err != nil {
		m.logger.Printf("peermgr: save peers: %v", err)
	}
	if err := m.persist.SaveDiscoveredPeers(discovered); err != nil {
		m.logger.Printf("peermgr: save discovered peers: %v", err)
	}
	if err := m.persist.SaveTombstones(tombstones); err != nil {
		m.logger.Printf("peermgr: save tombstones: %v", err)
	}
}

// saveAsync schedules a best-effort save without blocking the caller.
func (m *Manager) saveAsync() {
	go m.savePersisted()
}
