package peermgr

import (
	"context"
	"time"
)

// startTimers starts every periodic background task:
// re-announcement, full reconciliation, connection repair, and the
// stale-entry cleanup sweep. All are stopped together in Shutdown.
func (m *Manager) startTimers(ctx context.Context) {
	m.addTicker(ctx, m.cfg.ReannounceInterval, m.reannounceLive)
	m.addTicker(ctx, m.cfg.ReconcileInterval, m.reconcileAll)
	m.addTicker(ctx, m.cfg.RepairInterval, func() { m.repairConnections(ctx) })
	m.addTicker(ctx, m.cfg.RepairInterval, m.pruneStale)
}

func (m *Manager) addTicker(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	tk := time.NewTicker(interval)
	m.mu.Lock()
	m.tickers = append(m.tickers, tk)
	m.mu.Unlock()

	go func() {
		for {
			select {
			case <-tk.C:
				fn()
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// repairConnections dials any trusted, ticketed peer that isn't
// currently live and hasn't been seen in RepairStaleAfter, via the
// discovery queue's existing stagger/concurrency/tie-breaking logic
// rather than dialing directly.
func (m *Manager) repairConnections(ctx context.Context) {
	now := nowMillis()
	staleMs := m.cfg.RepairStaleAfter.Milliseconds()

	m.mu.Lock()
	var candidates []*PeerRecord
	for nodeID, rec := range m.peers {
		if !rec.Trusted || rec.Ticket == "" {
			continue
		}
		if _, live := m.sessions[nodeID]; live {
			continue
		}
		if _, retrying := m.reconnectTimers[nodeID]; retrying {
			continue
		}
		if now-rec.LastSeen < staleMs {
			continue
		}
		candidates = append(candidates, rec)
	}
	m.mu.Unlock()

	for _, rec := range candidates {
		m.discoveryQueue.Enqueue(ctx, rec.NodeID, rec.Ticket)
	}
}
