package proto

import (
	"bytes"
	"testing"
)

func roundTrip(t *testing.T, m *Message) *Message {
	t.Helper()
	data, err := Serialize(m)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	out, err := Deserialize(data)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	return out
}

func TestVersionInfoRoundTrip(t *testing.T) {
	m := &Message{
		Type: TypeVersionInfo,
		VersionInfo: &VersionInfo{
			Timestamp:   1234567890123,
			VaultID:     "vault-Ω",
			Version:     []byte{},
			Ticket:      "tic-ket",
			Hostname:    "böx",
			Nickname:    "",
			HasTicket:   true,
			HasHostname: true,
			HasNickname: true,
		},
	}
	out := roundTrip(t, m)
	v := out.VersionInfo
	if v.VaultID != "vault-Ω" || v.Hostname != "böx" || v.Ticket != "tic-ket" {
		t.Fatalf("fields not preserved: %+v", v)
	}
	if !v.HasNickname || v.Nickname != "" {
		t.Fatalf("empty nickname tail field should round-trip as present+empty: %+v", v)
	}
	if out.VersionInfo.Timestamp != m.VersionInfo.Timestamp {
		t.Fatalf("timestamp not preserved")
	}
}

func TestVersionInfoMinimalNoTail(t *testing.T) {
	m := &Message{
		Type: TypeVersionInfo,
		VersionInfo: &VersionInfo{
			Timestamp: 1,
			VaultID:   "v",
			Version:   []byte("abc"),
		},
	}
	out := roundTrip(t, m)
	if out.VersionInfo.HasTicket || out.VersionInfo.HasHostname || out.VersionInfo.HasNickname || out.VersionInfo.HasDiscovery {
		t.Fatalf("expected no tail fields, got %+v", out.VersionInfo)
	}
}

func TestVersionInfoWithDiscoveryBlock(t *testing.T) {
	m := &Message{
		Type: TypeVersionInfo,
		VersionInfo: &VersionInfo{
			Timestamp:    1,
			VaultID:      "v",
			Version:      []byte{},
			HasTicket:    true,
			Ticket:       "t",
			HasHostname:  true,
			Hostname:     "h",
			HasNickname:  true,
			Nickname:     "n",
			HasDiscovery: true,
			Discovery: []PeerDiscoveryEntry{
				{NodeID: "node-a", Ticket: "ticket-a", LastSeen: 42},
				{NodeID: "node-b", Ticket: "", LastSeen: 0},
			},
		},
	}
	out := roundTrip(t, m)
	if len(out.VersionInfo.Discovery) != 2 {
		t.Fatalf("expected 2 discovery entries, got %d", len(out.VersionInfo.Discovery))
	}
	if out.VersionInfo.Discovery[0].NodeID != "node-a" || out.VersionInfo.Discovery[0].LastSeen != 42 {
		t.Fatalf("discovery entry not preserved: %+v", out.VersionInfo.Discovery[0])
	}
}

func TestForwardCompatibleTrailingBytesPreservesUnderstoodPrefix(t *testing.T) {
	m := &Message{
		Type: TypeVersionInfo,
		VersionInfo: &VersionInfo{
			Timestamp:   1,
			VaultID:     "v",
			Version:     []byte{},
			HasTicket:   true,
			Ticket:      "t",
		},
	}
	data, err := Serialize(m)
	if err != nil {
		t.Fatal(err)
	}
	// Append bytes a future revision might understand but we don't.
	data = append(data, []byte{0xAA, 0xBB, 0xCC}...)
	out, err := Deserialize(data)
	if err != nil {
		t.Fatalf("deserialize with trailing bytes should succeed: %v", err)
	}
	if out.VersionInfo.VaultID != "v" || out.VersionInfo.Ticket != "t" {
		t.Fatalf("understood prefix not preserved: %+v", out.VersionInfo)
	}
}

func TestUpdatesRoundTripEmpty(t *testing.T) {
	m := &Message{Type: TypeUpdates, Updates: &Updates{Timestamp: 5, OpCount: 0, Data: []byte{}}}
	out := roundTrip(t, m)
	if out.Updates.OpCount != 0 || len(out.Updates.Data) != 0 {
		t.Fatalf("unexpected: %+v", out.Updates)
	}
}

func TestErrorRoundTrip(t *testing.T) {
	m := &Message{Type: TypeError, Error: &ErrorMsg{Timestamp: 9, Code: ErrVaultMismatch, Message: "vault id mismatch"}}
	out := roundTrip(t, m)
	if out.Error.Code != ErrVaultMismatch || out.Error.Message != "vault id mismatch" {
		t.Fatalf("unexpected: %+v", out.Error)
	}
}

func TestBlobDataAbsentMime(t *testing.T) {
	m := &Message{Type: TypeBlobData, BlobData: &BlobData{Timestamp: 1, Hash: "abc", Mime: "", Data: []byte("x")}}
	out := roundTrip(t, m)
	if out.BlobData.Mime != "" {
		t.Fatalf("expected absent mime to decode empty, got %q", out.BlobData.Mime)
	}
	if !bytes.Equal(out.BlobData.Data, []byte("x")) {
		t.Fatalf("data mismatch")
	}
}

func TestPingPongRoundTrip(t *testing.T) {
	m := &Message{Type: TypePing, Ping: &Ping{Timestamp: 1, Seq: 7}}
	out := roundTrip(t, m)
	if out.Ping.Seq != 7 {
		t.Fatalf("seq not preserved")
	}
}

func TestUnknownTypeIsInvalid(t *testing.T) {
	buf := make([]byte, headerLen)
	buf[0] = 0x99
	_, err := Deserialize(buf)
	if err != ErrInvalidFrame {
		t.Fatalf("expected ErrInvalidFrame, got %v", err)
	}
}

func TestTruncatedFrameIsInvalid(t *testing.T) {
	_, err := Deserialize([]byte{0x01, 0x02, 0x03})
	if err != ErrInvalidFrame {
		t.Fatalf("expected ErrInvalidFrame, got %v", err)
	}
}

func TestInnerLengthExceedingBufferIsInvalid(t *testing.T) {
	e := &encoder{}
	e.header(TypeUpdates, 1)
	e.u32(0)
	e.u32(1000) // claims 1000 bytes follow, but none do
	_, err := Deserialize(e.buf)
	if err != ErrInvalidFrame {
		t.Fatalf("expected ErrInvalidFrame, got %v", err)
	}
}

func TestBlobHashesRoundTripMultiByteUTF8(t *testing.T) {
	m := &Message{Type: TypeBlobHashes, BlobHashes: &BlobHashes{Timestamp: 1, Hashes: []string{"héllo", "日本語", ""}}}
	out := roundTrip(t, m)
	if len(out.BlobHashes.Hashes) != 3 || out.BlobHashes.Hashes[1] != "日本語" {
		t.Fatalf("unexpected: %+v", out.BlobHashes.Hashes)
	}
}

func TestPeerRemovedOptionalReason(t *testing.T) {
	m := &Message{Type: TypePeerRemoved, PeerRemoved: &PeerRemoved{Timestamp: 1}}
	out := roundTrip(t, m)
	if out.PeerRemoved.HasReason {
		t.Fatalf("expected no reason")
	}

	m2 := &Message{Type: TypePeerRemoved, PeerRemoved: &PeerRemoved{Timestamp: 1, Reason: "left", HasReason: true}}
	out2 := roundTrip(t, m2)
	if !out2.PeerRemoved.HasReason || out2.PeerRemoved.Reason != "left" {
		t.Fatalf("unexpected: %+v", out2.PeerRemoved)
	}
}

func TestPeerAnnouncementRoundTrip(t *testing.T) {
	m := &Message{
		Type: TypePeerAnnouncement,
		PeerAnnouncement: &PeerAnnouncement{
			Timestamp: 1,
			Kind:      AnnounceDiscovered,
			Entries: []PeerDiscoveryEntry{
				{NodeID: "node-a", Ticket: "ticket-a", LastSeen: 7},
			},
		},
	}
	out := roundTrip(t, m)
	a := out.PeerAnnouncement
	if a.Kind != AnnounceDiscovered || len(a.Entries) != 1 || a.Entries[0].NodeID != "node-a" {
		t.Fatalf("unexpected: %+v", a)
	}
}

func TestPeerAnnouncementEmptyEntries(t *testing.T) {
	m := &Message{Type: TypePeerAnnouncement, PeerAnnouncement: &PeerAnnouncement{Timestamp: 1, Kind: AnnounceJoined}}
	out := roundTrip(t, m)
	if len(out.PeerAnnouncement.Entries) != 0 {
		t.Fatalf("expected no entries, got %+v", out.PeerAnnouncement.Entries)
	}
}
