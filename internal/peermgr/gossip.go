package peermgr

import (
	"context"
	"fmt"
	"time"

	"github.com/peervault/peervault/internal/proto"
)

// announceJoinedOrUpdated tells every other live session about nodeID:
// "joined" the first time we've ever synced with it, "updated"
// afterwards, reusing the same gossip frame.
func (m *Manager) announceJoinedOrUpdated(nodeID string) {
	m.mu.Lock()
	rec, ok := m.peers[nodeID]
	if !ok {
		m.mu.Unlock()
		return
	}
	kind := proto.AnnounceUpdated
	if rec.LastSynced == rec.FirstSeen || rec.LastSynced == 0 {
		kind = proto.AnnounceJoined
	}
	entry := proto.PeerDiscoveryEntry{NodeID: rec.NodeID, Ticket: rec.Ticket, LastSeen: rec.LastSeen}
	others := make([]*peerSession, 0, len(m.sessions))
	for id, ps := range m.sessions {
		if id != nodeID {
			others = append(others, ps)
		}
	}
	m.mu.Unlock()

	m.gossipTo(others, kind, []proto.PeerDiscoveryEntry{entry})

	// The new/updated peer also deserves to hear about everyone we
	// already know, framed as "discovered" from its point of view.
	if kind == proto.AnnounceJoined {
		m.mu.Lock()
		target, stillLive := m.sessions[nodeID]
		entries := make([]proto.PeerDiscoveryEntry, 0, len(m.peers))
		for id, p := range m.peers {
			if id == nodeID {
				continue
			}
			entries = append(entries, proto.PeerDiscoveryEntry{NodeID: p.NodeID, Ticket: p.Ticket, LastSeen: p.LastSeen})
		}
		m.mu.Unlock()
		if stillLive && len(entries) > 0 {
			m.gossipTo([]*peerSession{target}, proto.AnnounceDiscovered, entries)
		}
	}
}

func (m *Manager) gossipTo(sessions []*peerSession, kind proto.AnnounceKind, entries []proto.PeerDiscoveryEntry) {
	for _, ps := range sessions {
		if err := ps.sess.SendPeerAnnouncement(kind, entries); err != nil {
			m.logger.Printf("peermgr: gossip to %s: %v", ps.nodeID, err)
		}
	}
}

// reannounceLive resends the set of peers we currently have a live
// session with to every live session, tagged "discovered". Recovers
// peers whose original joined announcement was dropped.
func (m *Manager) reannounceLive() {
	m.mu.Lock()
	entries := make([]proto.PeerDiscoveryEntry, 0, len(m.sessions))
	for nodeID := range m.sessions {
		if p, ok := m.peers[nodeID]; ok {
			entries = append(entries, proto.PeerDiscoveryEntry{NodeID: p.NodeID, Ticket: p.Ticket, LastSeen: p.LastSeen})
		}
	}
	sessions := make([]*peerSession, 0, len(m.sessions))
	for _, ps := range m.sessions {
		sessions = append(sessions, ps)
	}
	m.mu.Unlock()

	if len(entries) == 0 || len(sessions) == 0 {
		return
	}
	m.gossipTo(sessions, proto.AnnounceDiscovered, entries)
}

// reconcileAll sends the full known-peer list, live or not, to every
// live session tagged "updated". Anti-entropy: eventually every node
// hears about every peer even if individual announcements were lost.
func (m *Manager) reconcileAll() {
	m.mu.Lock()
	entries := make([]proto.PeerDiscoveryEntry, 0, len(m.peers))
	for _, p := range m.peers {
		entries = append(entries, proto.PeerDiscoveryEntry{NodeID: p.NodeID, Ticket: p.Ticket, LastSeen: p.LastSeen})
	}
	sessions := make([]*peerSession, 0, len(m.sessions))
	for _, ps := range m.sessions {
		sessions = append(sessions, ps)
	}
	m.mu.Unlock()

	if len(entries) == 0 || len(sessions) == 0 {
		return
	}
	m.gossipTo(sessions, proto.AnnounceUpdated, entries)
}

// handleGossip folds a peer_announcement received over a live session
// from source into the discovered-peer map, applying dedup, per-source
// rate limiting, and tombstone suppression.
func (m *Manager) handleGossip(source string, kind proto.AnnounceKind, entries []proto.PeerDiscoveryEntry) {
	now := nowMillis()

	m.mu.Lock()
	window := m.announceRateWindow[source]
	cutoff := now - time.Minute.Milliseconds()
	kept := window[:0]
	for _, t := range window {
		if t >= cutoff {
			kept = append(kept, t)
		}
	}
	if len(kept) >= m.cfg.AnnounceRateLimit {
		m.announceRateWindow[source] = kept
		m.mu.Unlock()
		return
	}
	m.announceRateWindow[source] = append(kept, now)
	m.mu.Unlock()

	ourID := m.nodeID()
	for _, e := range entries {
		if e.NodeID == ourID {
			continue
		}
		dedupeKey := fmt.Sprintf("%s|%s", e.NodeID, source)

		m.mu.Lock()
		lastSeen, seen := m.seenAnnouncements[dedupeKey]
		if seen && now-lastSeen < m.cfg.AnnounceDedupeTTL.Milliseconds() {
			m.mu.Unlock()
			continue
		}
		m.seenAnnouncements[dedupeKey] = now
		m.mu.Unlock()

		if m.isTombstoned(e.NodeID) {
			continue
		}
		m.mu.Lock()
		_, alreadyPeer := m.peers[e.NodeID]
		m.mu.Unlock()
		if alreadyPeer {
			continue
		}

		m.mu.Lock()
		d, existed := m.discovered[e.NodeID]
		if !existed {
			d = &DiscoveredPeer{NodeID: e.NodeID, DiscoveredAt: now}
			m.discovered[e.NodeID] = d
		}
		d.Ticket = e.Ticket
		d.LastSeen = e.LastSeen
		m.mu.Unlock()

		if !existed {
			m.emit(Event{Kind: "peer:discovered", NodeID: e.NodeID})
			if e.Ticket != "" {
				m.discoveryQueue.Enqueue(context.Background(), e.NodeID, e.Ticket)
			}
		}
	}
}
