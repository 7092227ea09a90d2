// Package config holds the store's startup parameters.
//
// A Config is read once (from YAML and/or flags) and then passed by value
// into the store constructor; nothing reads configuration from globals.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/qstore/internal/store"
)

// InMemory is the storage path sentinel for the non-persistent backend.
const InMemory = store.MemoryPath

// Defaults.
const (
	DefaultStoragePath        = ".q_ystore.db"
	DefaultCheckpointInterval = 200
	DefaultCompactionWorkers  = 2
	DefaultRetryAttempts      = 5
	DefaultListenAddr         = "localhost:8765"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid config")

// Config is the store configuration.
type Config struct {
	// StoragePath is a SQLite file, a .bolt/.bbolt file, or InMemory.
	StoragePath string `yaml:"storage_path"`

	// DocumentTTLSeconds is the inactivity window before a document is
	// evicted. Zero disables eviction.
	DocumentTTLSeconds int `yaml:"document_ttl_seconds"`

	// CheckpointIntervalUpdates is the number of uncompacted records that
	// triggers a compaction. Zero disables compaction.
	CheckpointIntervalUpdates int `yaml:"checkpoint_interval_updates"`

	// SweepIntervalSeconds is how often idle documents are looked for.
	// Zero derives it from the TTL.
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`

	// CompactionWorkers bounds concurrent compactions.
	CompactionWorkers int `yaml:"compaction_workers"`

	// RetryAttempts bounds retries of transient storage errors.
	RetryAttempts int `yaml:"retry_attempts"`

	// ListenAddr is the status/metrics HTTP address for "serve".
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns the configuration used when nothing is specified.
func Default() Config {
	return Config{
		StoragePath:               DefaultStoragePath,
		CheckpointIntervalUpdates: DefaultCheckpointInterval,
		CompactionWorkers:         DefaultCompactionWorkers,
		RetryAttempts:             DefaultRetryAttempts,
		ListenAddr:                DefaultListenAddr,
	}
}

// Load reads a YAML file on top of Default. Unknown keys are rejected.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field ranges.
func (c Config) Validate() error {
	switch {
	case c.StoragePath == "":
		return fmt.Errorf("%w: storage_path must be set", ErrInvalid)
	case c.DocumentTTLSeconds < 0:
		return fmt.Errorf("%w: document_ttl_seconds must be >= 0, got %d", ErrInvalid, c.DocumentTTLSeconds)
	case c.CheckpointIntervalUpdates < 0:
		return fmt.Errorf("%w: checkpoint_interval_updates must be >= 0, got %d", ErrInvalid, c.CheckpointIntervalUpdates)
	case c.SweepIntervalSeconds < 0:
		return fmt.Errorf("%w: sweep_interval_seconds must be >= 0, got %d", ErrInvalid, c.SweepIntervalSeconds)
	case c.CompactionWorkers < 1:
		return fmt.Errorf("%w: compaction_workers must be >= 1, got %d", ErrInvalid, c.CompactionWorkers)
	case c.RetryAttempts < 0:
		return fmt.Errorf("%w: retry_attempts must be >= 0, got %d", ErrInvalid, c.RetryAttempts)
	}
	return nil
}

// IsInMemory reports whether the non-persistent backend is selected.
func (c Config) IsInMemory() bool {
	return c.StoragePath == InMemory
}

// DocumentTTL returns the TTL as a duration. Zero means never evict.
func (c Config) DocumentTTL() time.Duration {
	return time.Duration(c.DocumentTTLSeconds) * time.Second
}

// SweepInterval returns the eviction sweep period. When not set it is half
// the TTL, clamped to [1s, 1m].
func (c Config) SweepInterval() time.Duration {
	if c.SweepIntervalSeconds > 0 {
		return time.Duration(c.SweepIntervalSeconds) * time.Second
	}
	d := c.DocumentTTL() / 2
	switch {
	case d < time.Second:
		return time.Second
	case d > time.Minute:
		return time.Minute
	}
	return d
}
