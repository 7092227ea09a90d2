package store

import (
	"path/filepath"
	"testing"
	"time"
)

// createTestStore creates a new SQLite store in a temp dir for testing.
func createTestStore(t *testing.T) *SQLite {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := OpenSQLite(path, nil)
	if err != nil {
		t.Fatalf("OpenSQLite() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// testBackends returns one fresh instance of every backend variant.
func testBackends(t *testing.T) map[string]Backend {
	t.Helper()
	dir := t.TempDir()

	sq, err := OpenSQLite(filepath.Join(dir, "test.db"), nil)
	if err != nil {
		t.Fatalf("OpenSQLite() failed: %v", err)
	}
	bo, err := OpenBolt(filepath.Join(dir, "test.bolt"))
	if err != nil {
		t.Fatalf("OpenBolt() failed: %v", err)
	}
	mem := NewMemory()

	backends := map[string]Backend{
		KindSQLite: sq,
		KindBolt:   bo,
		KindMemory: mem,
	}
	t.Cleanup(func() {
		for _, b := range backends {
			b.Close()
		}
	})
	return backends
}

// createTestRecord creates a record with a fixed timestamp.
func createTestRecord(key string, seq int64, payload string) Record {
	return Record{
		DocKey:    key,
		Seq:       seq,
		Timestamp: time.Unix(1_700_000_000, seq),
		Payload:   []byte(payload),
		Size:      int64(len(payload)),
	}
}
