// Package docstore defines the abstract document store PeerVault's sync
// session drives: an opaque CRDT replica exposing version vectors,
// update export/import, and a local-update notification hook. The CRDT
// engine itself lives in the host application; this package only defines
// the seam and a small in-memory reference implementation used by tests
// and the example CLI.
package docstore

import (
	"strconv"
	"sync"
)

// UnsubscribeFunc drops a subscription. Safe to call more than once.
type UnsubscribeFunc func()

// Store is the document store contract a sync session depends on.
// Implementations must provide linearizable ExportUpdates/ImportUpdates/
// GetVersionBytes, and a subscription hook that delivers local updates in
// commit order.
type Store interface {
	GetVaultID() string
	SetVaultID(id string)

	// GetVersionBytes returns an opaque byte string representing this
	// replica's causal frontier.
	GetVersionBytes() []byte

	// ExportUpdates returns the full "changes since genesis" byte string.
	ExportUpdates() []byte

	// ImportUpdates merges an opaque update byte string produced by
	// ExportUpdates (or a prior incremental update) into this replica.
	ImportUpdates(data []byte) error

	// GetAllBlobHashes returns every content hash referenced by the
	// document, used to drive blob reconciliation.
	GetAllBlobHashes() []string

	// SubscribeLocalUpdates registers callback to be invoked, in commit
	// order, with the serialized bytes of every local update made to this
	// replica after subscription.
	SubscribeLocalUpdates(callback func(update []byte)) UnsubscribeFunc
}

// MemStore is a minimal reference Store: each call to Append is one
// "local update", exported as the concatenation-free list of update
// frames it has ever seen. It exists for tests and the example CLI — the
// real CRDT engine belongs to the host application.
type MemStore struct {
	mu          sync.Mutex
	vaultID     string
	updates     [][]byte
	blobHashes  map[string]struct{}
	subscribers map[int]func([]byte)
	nextSubID   int
}

// NewMemStore creates an empty in-memory document store for the given
// vault id.
func NewMemStore(vaultID string) *MemStore {
	return &MemStore{
		vaultID:     vaultID,
		blobHashes:  make(map[string]struct{}),
		subscribers: make(map[int]func([]byte)),
	}
}

func (s *MemStore) GetVaultID() string { s.mu.Lock(); defer s.mu.Unlock(); return s.vaultID }

func (s *MemStore) SetVaultID(id string) { s.mu.Lock(); defer s.mu.Unlock(); s.vaultID = id }

func (s *MemStore) GetVersionBytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	// A trivial version vector: the count of updates applied so far,
	// encoded as a decimal string. Sufficient for the reference store;
	// a real CRDT engine returns its own causal-frontier encoding.
	return []byte(strconv.Itoa(len(s.updates)))
}

func (s *MemStore) ExportUpdates() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return encodeUpdateBundle(s.updates)
}

func (s *MemStore) ImportUpdates(data []byte) error {
	updates, err := decodeUpdateBundle(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.updates = append(s.updates, updates...)
	s.mu.Unlock()
	return nil
}

func (s *MemStore) GetAllBlobHashes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.blobHashes))
	for h := range s.blobHashes {
		out = append(out, h)
	}
	return out
}

// ReferenceBlob records that the document now references hash h (e.g.
// because a local update embedded an attachment pointer). Test helper.
func (s *MemStore) ReferenceBlob(hash string) {
	s.mu.Lock()
	s.blobHashes[hash] = struct{}{}
	s.mu.Unlock()
}

func (s *MemStore) SubscribeLocalUpdates(callback func(update []byte)) UnsubscribeFunc {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = callback
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

// Append records a new local update and notifies subscribers, as if the
// host application had just mutated the document.
func (s *MemStore) Append(update []byte) {
	s.mu.Lock()
	s.updates = append(s.updates, update)
	subs := make([]func([]byte), 0, len(s.subscribers))
	for _, cb := range s.subscribers {
		subs = append(subs, cb)
	}
	s.mu.Unlock()

	// Subscribers receive the same bundle encoding ExportUpdates/ImportUpdates
	// use, so a single notified update is, on its own, valid ImportUpdates
	// input on the receiving end.
	wire := encodeUpdateBundle([][]byte{update})
	for _, cb := range subs {
		cb(wire)
	}
}

