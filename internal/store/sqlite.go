package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - empty database, schema not yet applied
// 1 - updates + checkpoints tables
const currentSchemaVersion = 1

// SQLite stores all documents in a single SQLite database file.
// Uses WAL mode for concurrent read access.
type SQLite struct {
	db   *sql.DB
	path string
}

var _ Backend = (*SQLite)(nil)

// OpenSQLite creates or opens a SQLite database at the given path.
// Applies required pragmas and the schema automatically.
//
// An existing database written with a different schema version is moved
// aside to the next free "name(N).ext" path and a fresh database is created
// in its place.
//
// This function is idempotent - safe to call multiple times.
func OpenSQLite(path string, logger *slog.Logger) (*SQLite, error) {
	if logger == nil {
		logger = slog.Default()
	}

	moved, err := moveAsideIfIncompatible(path)
	if err != nil {
		return nil, fmt.Errorf("failed to check schema version: %w", err)
	}
	if moved != "" {
		logger.Warn("schema version mismatch, moved database aside", "path", path, "moved_to", moved)
	}

	db, err := openDB(path)
	if err != nil {
		return nil, err
	}

	// Apply required pragmas
	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	// Apply schema
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &SQLite{db: db, path: path}
	logger.Debug("sqlite store opened", "path", s.Path())
	return s, nil
}

func openDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Verify connection works
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using transactions when available.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *SQLite) Path() string {
	return s.path
}

func (s *SQLite) Persistent() bool { return true }

func (s *SQLite) Kind() string { return KindSQLite }

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Update runs fn inside a write transaction.
func (s *SQLite) Update(ctx context.Context, fn func(Tx) error) error {
	return s.run(ctx, fn, false)
}

// View runs fn inside a transaction that rejects writes.
func (s *SQLite) View(ctx context.Context, fn func(Tx) error) error {
	return s.run(ctx, fn, true)
}

func (s *SQLite) run(ctx context.Context, fn func(Tx) error, readOnly bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if err := fn(&sqliteTx{ctx: ctx, tx: tx, readOnly: readOnly}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// applyPragmas sets required SQLite configuration.
// auto_vacuum only takes effect on a database without tables, so it must
// run before the schema.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA auto_vacuum = FULL",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and records the version.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// moveAsideIfIncompatible renames an existing database whose user_version is
// neither 0 nor currentSchemaVersion. Returns the new path, or "" if nothing
// was moved.
func moveAsideIfIncompatible(path string) (string, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return "", nil
	}

	db, err := openDB(path)
	if err != nil {
		return "", err
	}
	var version int
	err = db.QueryRow("PRAGMA user_version").Scan(&version)
	db.Close()
	if err != nil {
		return "", fmt.Errorf("get user_version: %w", err)
	}
	if version == 0 || version == currentSchemaVersion {
		return "", nil
	}

	newPath, err := nextFreePath(path)
	if err != nil {
		return "", err
	}
	if err := os.Rename(path, newPath); err != nil {
		return "", fmt.Errorf("move %s: %w", path, err)
	}
	// WAL side files belong to the old database.
	for _, suffix := range []string{"-wal", "-shm"} {
		if _, err := os.Stat(path + suffix); err == nil {
			_ = os.Rename(path+suffix, newPath+suffix)
		}
	}
	return newPath, nil
}

// nextFreePath returns "dir/name(N).ext" for the smallest N >= 1 that does
// not exist yet.
func nextFreePath(path string) (string, error) {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	for n := 1; n < 10_000; n++ {
		candidate := fmt.Sprintf("%s(%d)%s", base, n, ext)
		if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no free path next to %s", path)
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *SQLite) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
