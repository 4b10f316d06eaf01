// Package kvstore provides the abstract key/value persistence seam used
// by internal/persist — read(key)/write(key, bytes) over opaque byte
// values — plus a SQLite-backed implementation.
package kvstore

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Adapter is the minimal byte-oriented persistence contract PeerVault's
// peer manager needs: opaque named blobs, nothing relational. Unlike an
// entry-oriented store, this has no notion of tags, type
// filters, or full-text search — those concerns stayed with the document
// store and have no place in a byte-blob adapter.
type Adapter interface {
	// Read returns the bytes stored under key, or (nil, nil) if absent.
	Read(key string) ([]byte, error)

	// Write stores value under key, replacing any prior value.
	Write(key string, value []byte) error

	// Close releases any underlying resources.
	Close() error
}

// SQLiteAdapter implements Adapter on top of a single-table SQLite
// database.
type SQLiteAdapter struct {
	db *sql.DB
}

// Open creates or opens a key/value store at path. Use ":memory:" for an
// ephemeral in-process store (handy in tests).
func Open(path string) (*SQLiteAdapter, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("kvstore: open database: %w", err)
	}

	a := &SQLiteAdapter{db: db}
	if err := a.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("kvstore: init schema: %w", err)
	}
	return a, nil
}

func (a *SQLiteAdapter) initSchema() error {
	const schema = `
		CREATE TABLE IF NOT EXISTS kv (
			key   TEXT PRIMARY KEY,
			value BLOB NOT NULL
		);
	`
	_, err := a.db.Exec(schema)
	return err
}

func (a *SQLiteAdapter) Read(key string) ([]byte, error) {
	var value []byte
	err := a.db.QueryRow("SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kvstore: read %q: %w", key, err)
	}
	return value, nil
}

func (a *SQLiteAdapter) Write(key string, value []byte) error {
	_, err := a.db.Exec(`
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("kvstore: write %q: %w", key, err)
	}
	return nil
}

func (a *SQLiteAdapter) Close() error {
	return a.db.Close()
}
