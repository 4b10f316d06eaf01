// Package persist saves and loads the peer manager's three JSON blobs
// (peers, discovered peers, tombstones) through the abstract key/value
// adapter, validating each blob against a JSON Schema before it is
// trusted on load, so a corrupted or hand-edited persistence file is
// rejected rather than partially applied.
package persist

import (
	"encoding/json"
	"fmt"

	"github.com/peervault/peervault/internal/kvstore"
	"github.com/xeipuuv/gojsonschema"
)

// Persistence keys used by the peer manager.
const (
	KeyPeers           = "peervault-peers"
	KeyDiscoveredPeers = "peervault-discovered-peers"
	KeyPeerTombstones  = "peervault-peer-tombstones"
)

// Store saves and loads the three named blobs as UTF-8 JSON arrays,
// validating shape on load so a corrupted or foreign-written value never
// crashes startup — it is treated as absent instead.
type Store struct {
	adapter kvstore.Adapter
	schemas map[string]*gojsonschema.Schema
}

// New wraps adapter with schema-validated load/save for the three
// well-known peer manager blobs.
func New(adapter kvstore.Adapter) (*Store, error) {
	s := &Store{adapter: adapter, schemas: make(map[string]*gojsonschema.Schema)}
	for key, def := range schemaDefinitions {
		compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(def))
		if err != nil {
			return nil, fmt.Errorf("persist: compile schema for %s: %w", key, err)
		}
		s.schemas[key] = compiled
	}
	return s, nil
}

// LoadPeers, LoadDiscoveredPeers, LoadTombstones load their respective
// blobs, returning an empty slice (not an error) if the key is absent or
// the stored value fails validation — startup must never fail because of
// a corrupted cache.

func (s *Store) LoadPeers(out interface{}) error {
	return s.load(KeyPeers, out)
}

func (s *Store) LoadDiscoveredPeers(out interface{}) error {
	return s.load(KeyDiscoveredPeers, out)
}

func (s *Store) LoadTombstones(out interface{}) error {
	return s.load(KeyPeerTombstones, out)
}

func (s *Store) SavePeers(v interface{}) error {
	return s.save(KeyPeers, v)
}

func (s *Store) SaveDiscoveredPeers(v interface{}) error {
	return s.save(KeyDiscoveredPeers, v)
}

func (s *Store) SaveTombstones(v interface{}) error {
	return s.save(KeyPeerTombstones, v)
}

func (s *Store) load(key string, out interface{}) error {
	data, err := s.adapter.Read(key)
	if err != nil {
		return fmt.Errorf("persist: read %s: %w", key, err)
	}
	if data == nil {
		return nil
	}

	schema, ok := s.schemas[key]
	if ok {
		result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
		if err != nil || !result.Valid() {
			// Corrupted or foreign-written value: treat as absent rather
			// than failing startup.
			return nil
		}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return nil
	}
	return nil
}

// save marshals v and writes it under key. Callers are expected to call
// this asynchronously (save-on-change with asynchronous
// best-effort writes") — this method itself is synchronous and leaves
// scheduling to the caller.
func (s *Store) save(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("persist: marshal %s: %w", key, err)
	}
	if err := s.adapter.Write(key, data); err != nil {
		return fmt.Errorf("persist: write %s: %w", key, err)
	}
	return nil
}
