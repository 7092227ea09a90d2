package store

import (
	"log/slog"
	"path/filepath"
	"strings"
)

// MemoryPath is the storage path that selects the in-memory backend.
const MemoryPath = ":memory:"

// OpenPath opens the backend that path names: MemoryPath selects Memory,
// a ".bolt" or ".bbolt" extension selects Bolt, anything else is a SQLite
// database file.
func OpenPath(path string, logger *slog.Logger) (Backend, error) {
	switch {
	case path == MemoryPath:
		return NewMemory(), nil
	case isBoltPath(path):
		return OpenBolt(path)
	default:
		return OpenSQLite(path, logger)
	}
}

func isBoltPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".bolt", ".bbolt":
		return true
	}
	return false
}
