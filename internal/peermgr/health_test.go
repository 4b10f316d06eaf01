package peermgr

import (
	"testing"
	"time"
)

func drainEvents(m *Manager) []Event {
	var out []Event
	for {
		select {
		case ev := <-m.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestRecordRTTKeepsBoundedHistory(t *testing.T) {
	m := newBareManager(testConfig())

	for i := 0; i < healthMaxSamples+10; i++ {
		m.recordRTT("peer", 50*time.Millisecond)
	}

	h := m.PeerHealth("peer")
	if h == nil {
		t.Fatal("expected health after RTT samples")
	}
	if len(h.RTTHistory) != healthMaxSamples {
		t.Fatalf("history length %d, want %d", len(h.RTTHistory), healthMaxSamples)
	}
	if h.AvgRTT != 50*time.Millisecond {
		t.Fatalf("avg RTT %v, want 50ms", h.AvgRTT)
	}
	if h.Jitter != 0 {
		t.Fatalf("jitter %v for constant samples, want 0", h.Jitter)
	}
	if h.Quality != QualityExcellent {
		t.Fatalf("quality %s for 50ms links, want excellent", h.Quality)
	}
}

func TestQualityDegradesWithRTT(t *testing.T) {
	cases := []struct {
		rtt  time.Duration
		want Quality
	}{
		{30 * time.Millisecond, QualityExcellent},
		{100 * time.Millisecond, QualityGood},
		{300 * time.Millisecond, QualityFair},
		{900 * time.Millisecond, QualityPoor},
	}
	for _, tc := range cases {
		m := newBareManager(testConfig())
		for i := 0; i < 5; i++ {
			m.recordRTT("peer", tc.rtt)
		}
		if got := m.PeerHealth("peer").Quality; got != tc.want {
			t.Fatalf("quality for %v = %s, want %s", tc.rtt, got, tc.want)
		}
	}
}

func TestMissedPingsMarkDisconnected(t *testing.T) {
	m := newBareManager(testConfig())

	m.recordRTT("peer", 30*time.Millisecond)
	drainEvents(m)

	for i := 0; i < healthFailedPingLimit; i++ {
		m.recordMissedPing("peer")
	}

	h := m.PeerHealth("peer")
	if h.Quality != QualityDisconnected {
		t.Fatalf("quality after %d missed pings = %s, want disconnected", healthFailedPingLimit, h.Quality)
	}

	found := false
	for _, ev := range drainEvents(m) {
		if ev.Kind == "peer:health-change" && ev.Quality == string(QualityDisconnected) {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a peer:health-change event on the disconnected transition")
	}

	// A single successful round trip recovers the link.
	m.recordRTT("peer", 30*time.Millisecond)
	if got := m.PeerHealth("peer").Quality; got != QualityExcellent {
		t.Fatalf("quality after recovery = %s, want excellent", got)
	}
}

func TestPairingPruneDropsStaleEntries(t *testing.T) {
	cfg := testConfig()
	cfg.PairingWindow = time.Minute
	cfg.DenialBackoffCap = time.Hour
	p := newPairingState(cfg)

	now := nowMillis()
	p.window["old"] = []int64{now - 2*time.Minute.Milliseconds()}
	p.window["fresh"] = []int64{now}
	p.denials["old"] = denialRecord{count: 1, lastDenied: now - 3*time.Hour.Milliseconds()}
	p.denials["fresh"] = denialRecord{count: 1, lastDenied: now}

	p.prune(now)

	if _, ok := p.window["old"]; ok {
		t.Fatal("stale request window should be pruned")
	}
	if _, ok := p.window["fresh"]; !ok {
		t.Fatal("fresh request window should survive")
	}
	if _, ok := p.denials["old"]; ok {
		t.Fatal("stale denial record should be pruned")
	}
	if _, ok := p.denials["fresh"]; !ok {
		t.Fatal("fresh denial record should survive")
	}
}
