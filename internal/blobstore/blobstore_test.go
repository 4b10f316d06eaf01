package blobstore

import (
	"os"
	"testing"
)

func newTestStore(t *testing.T) *FSStore {
	t.Helper()
	dir, err := os.MkdirTemp("", "blobstore-test-*")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	s, err := NewFSStore(dir)
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	return s
}

func TestVerifyAndAddRejectsHashMismatch(t *testing.T) {
	s := newTestStore(t)
	ok, err := s.VerifyAndAdd([]byte("hello"), "not-the-real-hash", "text/plain")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected mismatch to be rejected")
	}
	hashes, _ := s.List()
	if len(hashes) != 0 {
		t.Fatalf("expected nothing stored, got %v", hashes)
	}
}

func TestVerifyAndAddStoresAndRoundTrips(t *testing.T) {
	s := newTestStore(t)
	data := []byte("peervault blob contents")
	hash := computeHash(data)

	ok, err := s.VerifyAndAdd(data, hash, "application/octet-stream")
	if err != nil || !ok {
		t.Fatalf("expected success, got ok=%v err=%v", ok, err)
	}

	got, err := s.Get(hash)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("data mismatch")
	}

	meta, err := s.GetMeta(hash)
	if err != nil || meta == nil || meta.Mime != "application/octet-stream" {
		t.Fatalf("unexpected meta: %+v err=%v", meta, err)
	}
}

func TestGetMissingFiltersPresentHashes(t *testing.T) {
	s := newTestStore(t)
	data := []byte("present")
	hash := computeHash(data)
	if _, err := s.VerifyAndAdd(data, hash, ""); err != nil {
		t.Fatalf("add: %v", err)
	}

	missing, err := s.GetMissing([]string{hash, "absent-hash"})
	if err != nil {
		t.Fatalf("GetMissing: %v", err)
	}
	if len(missing) != 1 || missing[0] != "absent-hash" {
		t.Fatalf("unexpected missing set: %v", missing)
	}
}

func TestGetAbsentReturnsNilNoError(t *testing.T) {
	s := newTestStore(t)
	data, err := s.Get("does-not-exist")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if data != nil {
		t.Fatalf("expected nil for absent blob")
	}
}

func TestDuplicateAddIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	data := []byte("dup")
	hash := computeHash(data)

	for i := 0; i < 2; i++ {
		ok, err := s.VerifyAndAdd(data, hash, "m")
		if err != nil || !ok {
			t.Fatalf("add %d failed: ok=%v err=%v", i, ok, err)
		}
	}

	hashes, err := s.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(hashes) != 1 {
		t.Fatalf("expected exactly one stored blob, got %v", hashes)
	}
}

func TestMetaSurvivesReopen(t *testing.T) {
	dir, err := os.MkdirTemp("", "blobstore-reopen-*")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	s1, err := NewFSStore(dir)
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	data := []byte("persisted")
	hash := computeHash(data)
	if _, err := s1.VerifyAndAdd(data, hash, "text/markdown"); err != nil {
		t.Fatalf("add: %v", err)
	}

	s2, err := NewFSStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	meta, err := s2.GetMeta(hash)
	if err != nil || meta == nil || meta.Mime != "text/markdown" {
		t.Fatalf("meta did not survive reopen: %+v err=%v", meta, err)
	}
}
