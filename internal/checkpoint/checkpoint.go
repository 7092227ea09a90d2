// Package checkpoint folds a document's update records into a single
// checkpoint once enough of them have accumulated.
//
// A compaction reads the current checkpoint and every record up to a
// high-water mark, merges them through the document model, then writes the
// new checkpoint and deletes the folded records in one transaction. Records
// appended after the high-water mark are never touched.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/roach88/qstore/internal/docmodel"
	"github.com/roach88/qstore/internal/metrics"
	"github.com/roach88/qstore/internal/ulog"
)

// DefaultQueueSize bounds the number of documents waiting for a worker.
const DefaultQueueSize = 256

// Tracker coordinates compactions with the owner of the in-memory document
// state.
//
// BeginCompaction marks key as compacting and returns the high-water mark
// to compact through. It returns ok=false when the document is already
// compacting, is not open, or has nothing to fold. Every successful
// BeginCompaction is paired with exactly one EndCompaction.
type Tracker interface {
	BeginCompaction(key string) (highWater int64, ok bool)
	EndCompaction(key string, highWater int64, err error)
}

// Result describes one compaction run.
type Result struct {
	DocKey    string
	HighWater int64
	Removed   int64
	Skipped   bool
}

// Manager schedules and runs compactions.
//
// Thread-safety: all methods are safe for concurrent use.
type Manager struct {
	log      *ulog.Log
	model    docmodel.Model
	tracker  Tracker
	metrics  *metrics.Metrics
	logger   *slog.Logger
	interval int64
	workers  int

	jobs   chan string
	flight singleflight.Group

	mu     sync.Mutex
	queued map[string]struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithTracker sets the tracker consulted before and after each run.
// Without one the manager compacts through the stored last seq.
func WithTracker(t Tracker) Option {
	return func(m *Manager) { m.tracker = t }
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithWorkers sets the number of background workers started by Run.
func WithWorkers(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.workers = n
		}
	}
}

// WithQueueSize sets the capacity of the job queue.
func WithQueueSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.jobs = make(chan string, n)
		}
	}
}

// New creates a Manager that compacts once a document has interval
// records after its checkpoint. An interval of zero disables scheduling;
// Compact still works.
func New(log *ulog.Log, model docmodel.Model, interval int64, opts ...Option) *Manager {
	m := &Manager{
		log:      log,
		model:    model,
		logger:   slog.Default(),
		interval: interval,
		workers:  1,
		jobs:     make(chan string, DefaultQueueSize),
		queued:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Interval returns the configured compaction interval.
func (m *Manager) Interval() int64 {
	return m.interval
}

// Due reports whether pending uncompacted records warrant a compaction.
func (m *Manager) Due(pending int64) bool {
	return m.interval > 0 && pending >= m.interval
}

// Schedule queues key for a background compaction. It never blocks: if the
// queue is full or key is already queued it returns false, and the next
// append past the interval will try again.
func (m *Manager) Schedule(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queued[key]; ok {
		return false
	}
	select {
	case m.jobs <- key:
		m.queued[key] = struct{}{}
		return true
	default:
		m.logger.Warn("compaction queue full", "doc", key)
		return false
	}
}

// Queued returns the number of documents waiting for a worker.
func (m *Manager) Queued() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queued)
}

// Run processes scheduled compactions until ctx is cancelled. Compaction
// failures are logged and counted, never returned.
func (m *Manager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < m.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case key := <-m.jobs:
					m.mu.Lock()
					delete(m.queued, key)
					m.mu.Unlock()
					_, _ = m.Compact(ctx, key)
				}
			}
		})
	}
	return g.Wait()
}

// Compact compacts key now. Concurrent calls for the same key share one
// run.
func (m *Manager) Compact(ctx context.Context, key string) (Result, error) {
	v, err, _ := m.flight.Do(key, func() (any, error) {
		return m.compact(ctx, key)
	})
	res, _ := v.(Result)
	return res, err
}

func (m *Manager) compact(ctx context.Context, key string) (Result, error) {
	res := Result{DocKey: key}

	highWater, ok, err := m.begin(ctx, key)
	if err != nil {
		return res, err
	}
	if !ok {
		res.Skipped = true
		return res, nil
	}
	res.HighWater = highWater

	start := time.Now()
	m.logger.Debug("compaction started", "doc", key, "high_water", highWater)
	res.Removed, err = m.fold(ctx, key, highWater)
	if m.tracker != nil {
		m.tracker.EndCompaction(key, highWater, err)
	}
	elapsed := time.Since(start)

	switch {
	case errors.Is(err, ulog.ErrCompactionStale):
		m.metrics.ObserveCompaction(metrics.ResultStale, 0, elapsed.Seconds())
		m.logger.Info("compaction abandoned", "doc", key, "high_water", highWater, "reason", err)
		res.Skipped = true
		return res, nil
	case err != nil:
		m.metrics.ObserveCompaction(metrics.ResultFailed, 0, elapsed.Seconds())
		m.logger.Error("compaction failed", "doc", key, "high_water", highWater, "error", err)
		return res, err
	}

	m.metrics.ObserveCompaction(metrics.ResultOK, res.Removed, elapsed.Seconds())
	m.logger.Info("compaction finished",
		"doc", key, "high_water", highWater, "removed", res.Removed, "elapsed", elapsed)
	return res, nil
}

func (m *Manager) begin(ctx context.Context, key string) (int64, bool, error) {
	if m.tracker != nil {
		hw, ok := m.tracker.BeginCompaction(key)
		return hw, ok, nil
	}
	st, err := m.log.State(ctx, key)
	if err != nil {
		return 0, false, err
	}
	return st.LastSeq, st.Pending > 0, nil
}

// fold merges the checkpoint and records through highWater and writes the
// result as the new checkpoint.
func (m *Manager) fold(ctx context.Context, key string, highWater int64) (int64, error) {
	h, err := m.log.ReadThrough(ctx, key, highWater)
	if err != nil {
		// A partially decoded history must not be folded: the corrupt
		// records would be deleted along with the good ones.
		return 0, fmt.Errorf("read: %w", err)
	}
	if len(h.Updates) == 0 {
		return 0, nil
	}

	var base []byte
	if h.Checkpoint != nil {
		base = h.Checkpoint.State
	}
	state, err := m.model.Merge(base, h.UpdatePayloads())
	if err != nil {
		return 0, fmt.Errorf("merge: %w", err)
	}
	return m.log.Compact(ctx, key, h.BaseSeq(), highWater, state)
}
