package persist

import (
	"testing"

	"github.com/peervault/peervault/internal/kvstore"
)

type peerRecord struct {
	NodeID   string `json:"node_id"`
	LastSeen int64  `json:"last_seen"`
}

type tombstone struct {
	NodeID    string `json:"node_id"`
	RemovedAt int64  `json:"removed_at"`
	Reason    string `json:"reason"`
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(kvstore.NewMemAdapter())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestLoadMissingKeyYieldsEmptyNoError(t *testing.T) {
	s := newTestStore(t)
	var peers []peerRecord
	if err := s.LoadPeers(&peers); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(peers) != 0 {
		t.Fatalf("expected empty, got %v", peers)
	}
}

func TestSaveThenLoadPeersRoundTrips(t *testing.T) {
	s := newTestStore(t)
	in := []peerRecord{{NodeID: "node-a", LastSeen: 100}}
	if err := s.SavePeers(in); err != nil {
		t.Fatalf("save: %v", err)
	}
	var out []peerRecord
	if err := s.LoadPeers(&out); err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(out) != 1 || out[0].NodeID != "node-a" || out[0].LastSeen != 100 {
		t.Fatalf("unexpected: %+v", out)
	}
}

func TestTombstonesRoundTripWithReasonEnum(t *testing.T) {
	s := newTestStore(t)
	in := []tombstone{{NodeID: "node-b", RemovedAt: 5, Reason: "left"}}
	if err := s.SaveTombstones(in); err != nil {
		t.Fatalf("save: %v", err)
	}
	var out []tombstone
	if err := s.LoadTombstones(&out); err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(out) != 1 || out[0].Reason != "left" {
		t.Fatalf("unexpected: %+v", out)
	}
}

func TestLoadRejectsCorruptedValueAsAbsent(t *testing.T) {
	adapter := kvstore.NewMemAdapter()
	if err := adapter.Write(KeyPeers, []byte(`{"not": "an array"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	s, err := New(adapter)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var peers []peerRecord
	if err := s.LoadPeers(&peers); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(peers) != 0 {
		t.Fatalf("expected corrupted value to load as empty, got %v", peers)
	}
}

func TestLoadRejectsMissingRequiredField(t *testing.T) {
	adapter := kvstore.NewMemAdapter()
	if err := adapter.Write(KeyPeerTombstones, []byte(`[{"node_id":"x"}]`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	s, err := New(adapter)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var out []tombstone
	if err := s.LoadTombstones(&out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected missing required fields to reject the blob, got %v", out)
	}
}
