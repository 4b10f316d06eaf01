package kvstore

import "testing"

func testAdapters(t *testing.T) map[string]Adapter {
	t.Helper()
	sqliteAdapter, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { sqliteAdapter.Close() })
	return map[string]Adapter{
		"sqlite": sqliteAdapter,
		"mem":    NewMemAdapter(),
	}
}

func TestReadMissingKeyReturnsNilNoError(t *testing.T) {
	for name, a := range testAdapters(t) {
		t.Run(name, func(t *testing.T) {
			v, err := a.Read("missing")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if v != nil {
				t.Fatalf("expected nil value, got %v", v)
			}
		})
	}
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	for name, a := range testAdapters(t) {
		t.Run(name, func(t *testing.T) {
			if err := a.Write("k", []byte("v1")); err != nil {
				t.Fatalf("write: %v", err)
			}
			got, err := a.Read("k")
			if err != nil || string(got) != "v1" {
				t.Fatalf("got %q err %v", got, err)
			}
		})
	}
}

func TestWriteOverwritesPriorValue(t *testing.T) {
	for name, a := range testAdapters(t) {
		t.Run(name, func(t *testing.T) {
			if err := a.Write("k", []byte("v1")); err != nil {
				t.Fatalf("write 1: %v", err)
			}
			if err := a.Write("k", []byte("v2")); err != nil {
				t.Fatalf("write 2: %v", err)
			}
			got, err := a.Read("k")
			if err != nil || string(got) != "v2" {
				t.Fatalf("got %q err %v", got, err)
			}
		})
	}
}
