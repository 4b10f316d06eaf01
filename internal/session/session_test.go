package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/peervault/peervault/internal/blobstore"
	"github.com/peervault/peervault/internal/docstore"
	"github.com/peervault/peervault/internal/proto"
)

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// memStream is an in-memory Stream test double: two memStreams created by
// newPipe feed each other's Receive from the other's Send.
type memStream struct {
	send      chan []byte
	recv      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newPipe() (*memStream, *memStream) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	a := &memStream{send: ab, recv: ba, closed: make(chan struct{})}
	b := &memStream{send: ba, recv: ab, closed: make(chan struct{})}
	return a, b
}

func (m *memStream) Send(data []byte) error {
	cp := append([]byte(nil), data...)
	select {
	case m.send <- cp:
		return nil
	case <-m.closed:
		return fmt.Errorf("stream closed")
	}
}

func (m *memStream) Receive() ([]byte, error) {
	select {
	case d := <-m.recv:
		return d, nil
	case <-m.closed:
		return nil, fmt.Errorf("stream closed")
	}
}

func (m *memStream) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

func (m *memStream) IsOpen() bool {
	select {
	case <-m.closed:
		return false
	default:
		return true
	}
}

func sendMsg(t *testing.T, s *memStream, m *proto.Message) {
	t.Helper()
	data, err := proto.Serialize(m)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if err := s.Send(data); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func recvMsg(t *testing.T, s *memStream) *proto.Message {
	t.Helper()
	data, err := s.Receive()
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	m, err := proto.Deserialize(data)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	return m
}

func baseConfig(vaultID string, store docstore.Store) Config {
	cfg := DefaultConfig()
	cfg.NodeID = "node-" + vaultID
	cfg.VaultID = vaultID
	cfg.DocStore = store
	return cfg
}

func TestVersionExchangeMatchingVaultSucceeds(t *testing.T) {
	a, b := newPipe()
	store := docstore.NewMemStore("vault-1")
	sess := New(a, baseConfig("vault-1", store))

	done := make(chan error, 1)
	go func() { done <- sess.versionExchange(context.Background(), true) }()

	peerMsg := recvMsg(t, b)
	if peerMsg.Type != proto.TypeVersionInfo {
		t.Fatalf("expected VERSION_INFO, got %v", peerMsg.Type)
	}
	sendMsg(t, b, &proto.Message{
		Type: proto.TypeVersionInfo,
		VersionInfo: &proto.VersionInfo{
			Timestamp: time.Now().UnixMilli(),
			VaultID:   "vault-1",
			Version:   []byte("0"),
		},
	})

	if err := <-done; err != nil {
		t.Fatalf("versionExchange: %v", err)
	}
}

func TestVersionExchangeMismatchDeniedWithoutAdoption(t *testing.T) {
	a, b := newPipe()
	store := docstore.NewMemStore("vault-1")
	cfg := baseConfig("vault-1", store)
	sess := New(a, cfg)

	done := make(chan error, 1)
	go func() { done <- sess.versionExchange(context.Background(), true) }()

	recvMsg(t, b)
	sendMsg(t, b, &proto.Message{
		Type: proto.TypeVersionInfo,
		VersionInfo: &proto.VersionInfo{
			Timestamp: time.Now().UnixMilli(),
			VaultID:   "vault-2",
			Version:   []byte("0"),
		},
	})

	errMsg := recvMsg(t, b)
	if errMsg.Type != proto.TypeError || errMsg.Error.Code != proto.ErrVaultMismatch {
		t.Fatalf("expected ERROR(vault mismatch) frame, got %+v", errMsg)
	}

	err := <-done
	if err == nil || Classify(err) != KindVaultMismatch {
		t.Fatalf("expected vault_mismatch error, got %v", err)
	}
}

func TestVersionExchangeMismatchAdoptionAccepted(t *testing.T) {
	a, b := newPipe()
	store := docstore.NewMemStore("vault-1")
	cfg := baseConfig("vault-1", store)
	cfg.AllowVaultAdoption = true
	cfg.ConfirmVaultAdoption = func(req *VaultAdoptionRequest) { req.Respond(true) }
	sess := New(a, cfg)

	done := make(chan error, 1)
	go func() { done <- sess.versionExchange(context.Background(), true) }()

	recvMsg(t, b)
	sendMsg(t, b, &proto.Message{
		Type: proto.TypeVersionInfo,
		VersionInfo: &proto.VersionInfo{
			Timestamp: time.Now().UnixMilli(),
			VaultID:   "vault-2",
			Version:   []byte("0"),
		},
	})

	if err := <-done; err != nil {
		t.Fatalf("versionExchange: %v", err)
	}
	if store.GetVaultID() != "vault-2" {
		t.Fatalf("expected adopted vault id vault-2, got %s", store.GetVaultID())
	}
	if sess.cfg.VaultID != "vault-2" {
		t.Fatalf("expected session vault id updated to vault-2")
	}
}

func TestVersionExchangeMismatchAdoptionDenied(t *testing.T) {
	a, b := newPipe()
	store := docstore.NewMemStore("vault-1")
	cfg := baseConfig("vault-1", store)
	cfg.AllowVaultAdoption = true
	cfg.ConfirmVaultAdoption = func(req *VaultAdoptionRequest) { req.Respond(false) }
	sess := New(a, cfg)

	done := make(chan error, 1)
	go func() { done <- sess.versionExchange(context.Background(), true) }()

	recvMsg(t, b)
	sendMsg(t, b, &proto.Message{
		Type: proto.TypeVersionInfo,
		VersionInfo: &proto.VersionInfo{
			Timestamp: time.Now().UnixMilli(),
			VaultID:   "vault-2",
			Version:   []byte("0"),
		},
	})
	recvMsg(t, b) // ERROR frame

	if err := <-done; err == nil {
		t.Fatalf("expected adoption-denied error")
	}
}

func TestVersionExchangeAdoptionTimesOut(t *testing.T) {
	a, b := newPipe()
	store := docstore.NewMemStore("vault-1")
	cfg := baseConfig("vault-1", store)
	cfg.AllowVaultAdoption = true
	cfg.VaultAdoptionWindow = 20 * time.Millisecond
	cfg.ConfirmVaultAdoption = func(req *VaultAdoptionRequest) {} // never responds
	sess := New(a, cfg)

	done := make(chan error, 1)
	go func() { done <- sess.versionExchange(context.Background(), true) }()

	recvMsg(t, b)
	sendMsg(t, b, &proto.Message{
		Type: proto.TypeVersionInfo,
		VersionInfo: &proto.VersionInfo{
			Timestamp: time.Now().UnixMilli(),
			VaultID:   "vault-2",
			Version:   []byte("0"),
		},
	})
	recvMsg(t, b) // ERROR frame after timeout

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected timeout to deny adoption")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("versionExchange did not return after adoption window expired")
	}
}

func runUpdateExchangePair(t *testing.T, storeA, storeB docstore.Store, roReadOnlyA, roReadOnlyB bool) (errA, errB error) {
	t.Helper()
	a, b := newPipe()
	cfgA := baseConfig("vault-1", storeA)
	cfgA.PeerIsReadOnly = roReadOnlyA
	cfgB := baseConfig("vault-1", storeB)
	cfgB.PeerIsReadOnly = roReadOnlyB

	sessA := New(a, cfgA)
	sessB := New(b, cfgB)

	doneA := make(chan error, 1)
	doneB := make(chan error, 1)
	go func() { doneA <- sessA.updateExchange(context.Background(), true) }()
	go func() { doneB <- sessB.updateExchange(context.Background(), false) }()

	return <-doneA, <-doneB
}

func TestUpdateExchangeAppliesPeerUpdates(t *testing.T) {
	storeA := docstore.NewMemStore("vault-1")
	storeA.Append([]byte("from-a"))
	storeB := docstore.NewMemStore("vault-1")
	storeB.Append([]byte("from-b"))

	errA, errB := runUpdateExchangePair(t, storeA, storeB, false, false)
	if errA != nil || errB != nil {
		t.Fatalf("updateExchange errors: a=%v b=%v", errA, errB)
	}

	if len(storeA.GetAllBlobHashes()) != 0 {
		t.Fatalf("unexpected blob hashes")
	}
	// After the exchange both stores must have absorbed the other side's
	// updates on top of their own.
	if string(storeA.GetVersionBytes()) != "2" {
		t.Fatalf("expected storeA version 2 after import, got %s", storeA.GetVersionBytes())
	}
	if string(storeB.GetVersionBytes()) != "2" {
		t.Fatalf("expected storeB version 2 after import, got %s", storeB.GetVersionBytes())
	}
}

func TestUpdateExchangeReadOnlyPeerDiscardsImport(t *testing.T) {
	storeA := docstore.NewMemStore("vault-1")
	storeA.Append([]byte("from-a"))
	storeB := docstore.NewMemStore("vault-1")
	storeB.Append([]byte("from-b"))

	// A treats B as read-only: A must not import B's updates.
	errA, errB := runUpdateExchangePair(t, storeA, storeB, true, false)
	if errA != nil || errB != nil {
		t.Fatalf("updateExchange errors: a=%v b=%v", errA, errB)
	}
	if string(storeA.GetVersionBytes()) != "1" {
		t.Fatalf("expected storeA to discard peer updates, version got %s", storeA.GetVersionBytes())
	}
	if string(storeB.GetVersionBytes()) != "2" {
		t.Fatalf("expected storeB to import A's updates, version got %s", storeB.GetVersionBytes())
	}
}

func newTestBlobStore(t *testing.T) blobstore.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := blobstore.NewFSStore(dir)
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	return store
}

func addBlob(t *testing.T, store blobstore.Store, data []byte, mime string) string {
	t.Helper()
	sum := sha256Hex(data)
	ok, err := store.VerifyAndAdd(data, sum, mime)
	if err != nil || !ok {
		t.Fatalf("VerifyAndAdd: ok=%v err=%v", ok, err)
	}
	return sum
}

func TestBlobReconciliationExchangesMissingBlobs(t *testing.T) {
	a, b := newPipe()
	storeA := docstore.NewMemStore("vault-1")
	storeB := docstore.NewMemStore("vault-1")
	blobA := newTestBlobStore(t)
	blobB := newTestBlobStore(t)

	onlyA := addBlob(t, blobA, []byte("only-on-a"), "text/plain")
	onlyB := addBlob(t, blobB, []byte("only-on-b"), "text/plain")

	cfgA := baseConfig("vault-1", storeA)
	cfgA.BlobStore = blobA
	cfgB := baseConfig("vault-1", storeB)
	cfgB.BlobStore = blobB

	sessA := New(a, cfgA)
	sessB := New(b, cfgB)

	doneA := make(chan error, 1)
	doneB := make(chan error, 1)
	go func() { doneA <- sessA.blobReconciliation(context.Background(), true) }()
	go func() { doneB <- sessB.blobReconciliation(context.Background(), false) }()

	if err := <-doneA; err != nil {
		t.Fatalf("blobReconciliation A: %v", err)
	}
	if err := <-doneB; err != nil {
		t.Fatalf("blobReconciliation B: %v", err)
	}

	if got, err := blobA.Get(onlyB); err != nil || got == nil {
		t.Fatalf("expected A to have received blob from B: got=%v err=%v", got, err)
	}
	if got, err := blobB.Get(onlyA); err != nil || got == nil {
		t.Fatalf("expected B to have received blob from A: got=%v err=%v", got, err)
	}
}

func TestLiveLoopExchangesPings(t *testing.T) {
	a, b := newPipe()
	defer a.Close()
	defer b.Close()
	storeA := docstore.NewMemStore("vault-1")
	storeB := docstore.NewMemStore("vault-1")

	cfgA := baseConfig("vault-1", storeA)
	cfgA.PingInterval = 10 * time.Millisecond
	cfgB := baseConfig("vault-1", storeB)
	cfgB.PingInterval = 10 * time.Millisecond

	sessA := New(a, cfgA)
	sessB := New(b, cfgB)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	doneA := make(chan error, 1)
	doneB := make(chan error, 1)
	go func() { doneA <- sessA.liveLoop(ctx) }()
	go func() { doneB <- sessB.liveLoop(ctx) }()

	errA := <-doneA
	errB := <-doneB
	if errA != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", errA)
	}
	if errB != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", errB)
	}
}

func TestLiveLoopPropagatesLocalUpdates(t *testing.T) {
	a, b := newPipe()
	defer a.Close()
	defer b.Close()
	storeA := docstore.NewMemStore("vault-1")
	storeB := docstore.NewMemStore("vault-1")

	cfgA := baseConfig("vault-1", storeA)
	cfgA.PingInterval = time.Hour
	cfgB := baseConfig("vault-1", storeB)
	cfgB.PingInterval = time.Hour

	sessA := New(a, cfgA)
	sessB := New(b, cfgB)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	doneA := make(chan error, 1)
	doneB := make(chan error, 1)
	go func() { doneA <- sessA.liveLoop(ctx) }()
	go func() { doneB <- sessB.liveLoop(ctx) }()

	storeA.Append([]byte("live-update-from-a"))

	deadline := time.Now().Add(400 * time.Millisecond)
	for time.Now().Before(deadline) {
		if string(storeB.GetVersionBytes()) == "1" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if string(storeB.GetVersionBytes()) != "1" {
		t.Fatalf("expected storeB to receive A's live update, version got %s", storeB.GetVersionBytes())
	}

	cancel()
	<-doneA
	<-doneB
}

func TestMicroBatchFlushSendsSeparateFrames(t *testing.T) {
	a, b := newPipe()
	defer a.Close()
	defer b.Close()
	store := docstore.NewMemStore("vault-1")

	cfg := baseConfig("vault-1", store)
	cfg.PingInterval = time.Hour

	sess := New(a, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sess.liveLoop(ctx) }()

	store.Append([]byte("u1"))
	store.Append([]byte("u2"))
	store.Append([]byte("u3"))

	// Updates must arrive as three distinct UPDATES frames, in order,
	// never concatenated (each CRDT update carries internal framing).
	for i := 0; i < 3; i++ {
		msg := recvMsg(t, b)
		if msg.Type != proto.TypeUpdates {
			t.Fatalf("frame %d: expected UPDATES, got %v", i, msg.Type)
		}
		probe := docstore.NewMemStore("probe")
		if err := probe.ImportUpdates(msg.Updates.Data); err != nil {
			t.Fatalf("frame %d: import: %v", i, err)
		}
		if string(probe.GetVersionBytes()) != "1" {
			t.Fatalf("frame %d: expected exactly one update per frame", i)
		}
	}

	cancel()
	<-done
}

func TestLiveLoopServesBlobRequests(t *testing.T) {
	a, b := newPipe()
	defer a.Close()
	defer b.Close()
	store := docstore.NewMemStore("vault-1")
	blobs := newTestBlobStore(t)
	hash := addBlob(t, blobs, []byte("wanted-live"), "application/octet-stream")

	cfg := baseConfig("vault-1", store)
	cfg.PingInterval = time.Hour
	cfg.BlobStore = blobs

	sess := New(a, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sess.liveLoop(ctx) }()

	sendMsg(t, b, &proto.Message{
		Type:        proto.TypeBlobRequest,
		BlobRequest: &proto.BlobRequest{Timestamp: time.Now().UnixMilli(), Hashes: []string{hash}},
	})

	msg := recvMsg(t, b)
	if msg.Type != proto.TypeBlobData {
		t.Fatalf("expected BLOB_DATA in response to a live BLOB_REQUEST, got %v", msg.Type)
	}
	if msg.BlobData.Hash != hash || string(msg.BlobData.Data) != "wanted-live" {
		t.Fatalf("served wrong blob: %s", msg.BlobData.Hash)
	}

	cancel()
	<-done
}

func TestLiveLoopRequestsBlobsReferencedByUpdate(t *testing.T) {
	a, b := newPipe()
	defer a.Close()
	defer b.Close()
	store := docstore.NewMemStore("vault-1")
	blobs := newTestBlobStore(t)

	// The document references a blob the local store doesn't hold.
	missing := sha256Hex([]byte("not-here-yet"))
	store.ReferenceBlob(missing)

	cfg := baseConfig("vault-1", store)
	cfg.PingInterval = time.Hour
	cfg.BlobStore = blobs

	sess := New(a, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sess.liveLoop(ctx) }()

	peerStore := docstore.NewMemStore("vault-1")
	peerStore.Append([]byte("update-with-attachment"))
	sendMsg(t, b, &proto.Message{
		Type:    proto.TypeUpdates,
		Updates: &proto.Updates{Timestamp: time.Now().UnixMilli(), OpCount: 1, Data: peerStore.ExportUpdates()},
	})

	msg := recvMsg(t, b)
	if msg.Type != proto.TypeBlobRequest {
		t.Fatalf("expected BLOB_REQUEST after importing an update that references a missing blob, got %v", msg.Type)
	}
	if len(msg.BlobRequest.Hashes) != 1 || msg.BlobRequest.Hashes[0] != missing {
		t.Fatalf("requested wrong hashes: %v", msg.BlobRequest.Hashes)
	}

	cancel()
	<-done
}

func TestBandwidthCountersAdvance(t *testing.T) {
	a, b := newPipe()
	defer a.Close()
	defer b.Close()
	store := docstore.NewMemStore("vault-1")
	sess := New(a, baseConfig("vault-1", store))

	done := make(chan error, 1)
	go func() { done <- sess.versionExchange(context.Background(), true) }()

	recvMsg(t, b)
	sendMsg(t, b, &proto.Message{
		Type: proto.TypeVersionInfo,
		VersionInfo: &proto.VersionInfo{
			Timestamp: time.Now().UnixMilli(),
			VaultID:   "vault-1",
			Version:   []byte("0"),
		},
	})
	if err := <-done; err != nil {
		t.Fatalf("versionExchange: %v", err)
	}

	bw := sess.Bandwidth()
	if bw.BytesSent == 0 || bw.BytesReceived == 0 {
		t.Fatalf("expected nonzero bandwidth counters, got %+v", bw)
	}
}

func TestCloseReleasesEventSubscribers(t *testing.T) {
	a, _ := newPipe()
	store := docstore.NewMemStore("vault-1")
	sess := New(a, baseConfig("vault-1", store))

	done := make(chan struct{})
	go func() {
		for range sess.Events() {
		}
		close(done)
	}()

	if err := sess.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("event subscriber never released after Close")
	}

	// Idempotent: a second Close must not panic on the closed channel,
	// and late emits are silently dropped.
	if err := sess.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	sess.emit(Event{Kind: "state:change", State: StateClosed})
}
