// Package eviction tracks per-document activity and releases documents that
// have been idle for longer than a TTL.
//
// The manager only decides who is idle. Releasing is delegated to an
// Evictor, which re-checks under its own per-document lock and may refuse
// (for example when activity raced the sweep, or a compaction is running).
// A refused document stays tracked and is offered again on a later sweep.
package eviction

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/qstore/internal/clock"
)

// Evictor releases an idle document.
//
// lastSeen is the activity timestamp the sweep based its decision on.
// Evict must return false, and keep the document, if activity newer than
// lastSeen has been recorded since.
type Evictor interface {
	Evict(ctx context.Context, key string, lastSeen time.Time) bool
}

// Manager maps document keys to their last activity and sweeps idle ones.
type Manager struct {
	ttl      time.Duration
	interval time.Duration
	clock    clock.Clock
	evictor  Evictor
	logger   *slog.Logger

	mu       sync.Mutex
	activity map[string]time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = clock.Or(c) }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// New creates a Manager. A zero ttl disables eviction; documents are still
// tracked.
func New(ttl, interval time.Duration, evictor Evictor, opts ...Option) *Manager {
	m := &Manager{
		ttl:      ttl,
		interval: interval,
		clock:    clock.Real{},
		evictor:  evictor,
		logger:   slog.Default(),
		activity: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TTL returns the configured inactivity window.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Touch records activity on key now.
func (m *Manager) Touch(key string) time.Time {
	now := m.clock.Now()
	m.mu.Lock()
	m.activity[key] = now
	m.mu.Unlock()
	return now
}

// Forget stops tracking key.
func (m *Manager) Forget(key string) {
	m.mu.Lock()
	delete(m.activity, key)
	m.mu.Unlock()
}

// LastActivity returns the last recorded activity for key.
func (m *Manager) LastActivity(key string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.activity[key]
	return t, ok
}

// Tracked returns the number of tracked documents.
func (m *Manager) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.activity)
}

// Sweep offers every document idle for longer than the TTL to the Evictor
// and returns the keys it released, sorted.
func (m *Manager) Sweep(ctx context.Context) []string {
	if m.ttl <= 0 {
		return nil
	}
	now := m.clock.Now()

	type candidate struct {
		key      string
		lastSeen time.Time
	}
	var idle []candidate
	m.mu.Lock()
	for key, seen := range m.activity {
		if now.Sub(seen) > m.ttl {
			idle = append(idle, candidate{key, seen})
		}
	}
	m.mu.Unlock()

	var evicted []string
	for _, c := range idle {
		if ctx.Err() != nil {
			break
		}
		if m.evictor.Evict(ctx, c.key, c.lastSeen) {
			evicted = append(evicted, c.key)
			continue
		}
		m.logger.Debug("eviction deferred", "doc", c.key)
	}
	sort.Strings(evicted)
	if len(evicted) > 0 {
		m.logger.Info("evicted idle documents", "count", len(evicted), "ttl", m.ttl)
	}
	return evicted
}

// Run sweeps every interval until ctx is cancelled. With eviction disabled
// it just waits for ctx.
func (m *Manager) Run(ctx context.Context) error {
	if m.ttl <= 0 || m.interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}
