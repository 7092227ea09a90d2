// Package ystore is the document store used by collaborative editing
// sessions: open a document, append CRDT updates to it, and read back its
// history for a joining client.
//
// Writes go through a single path (AppendUpdate) which assigns gap-free
// sequence numbers, compresses the payload and appends it to the update
// log. Long histories are folded into checkpoints in the background, and
// documents nobody has touched for a while are released from memory.
package ystore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/qstore/internal/checkpoint"
	"github.com/roach88/qstore/internal/clock"
	"github.com/roach88/qstore/internal/config"
	"github.com/roach88/qstore/internal/docmodel"
	"github.com/roach88/qstore/internal/eviction"
	"github.com/roach88/qstore/internal/metrics"
	"github.com/roach88/qstore/internal/store"
	"github.com/roach88/qstore/internal/ulog"
)

var (
	// ErrNotOpen is returned when reading a document that is not open.
	ErrNotOpen = errors.New("document not open")

	// ErrClosed is returned by every operation after Shutdown.
	ErrClosed = errors.New("store closed")

	// ErrEmptyKey is returned for an empty document key.
	ErrEmptyKey = errors.New("empty document key")
)

// Store is the document store facade.
//
// Thread-safety: all methods are safe for concurrent use. A table mutex
// guards only the document table; each document has its own mutex, so
// unrelated documents never contend. Lock order is document, then table,
// then eviction tracker.
type Store struct {
	cfg         config.Config
	backend     store.Backend
	log         *ulog.Log
	checkpoints *checkpoint.Manager
	evictions   *eviction.Manager
	metrics     *metrics.Metrics
	logger      *slog.Logger
	clock       clock.Clock
	ids         IDGenerator

	mu       sync.Mutex
	docs     map[string]*docState
	inflight map[string]chan struct{} // key -> closed when its compaction ends
	open     int                      // entries in StateOpen
	closed   bool
}

type options struct {
	logger  *slog.Logger
	clock   clock.Clock
	ids     IDGenerator
	metrics *metrics.Metrics
}

// Option configures a Store.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock sets the time source for record timestamps and eviction.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithIDGenerator sets the handle ID generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(o *options) { o.ids = g }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func buildOptions(opts []Option) options {
	o := options{
		logger: slog.Default(),
		clock:  clock.Real{},
		ids:    UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.clock = clock.Or(o.clock)
	if o.ids == nil {
		o.ids = UUIDv7Generator{}
	}
	return o
}

// Open opens the backend named by cfg.StoragePath and returns a Store
// replaying documents through the Automerge model.
func Open(cfg config.Config, opts ...Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	backend, err := store.OpenPath(cfg.StoragePath, o.logger)
	if err != nil {
		return nil, err
	}
	s, err := New(cfg, backend, docmodel.Automerge{}, opts...)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return s, nil
}

// New creates a Store over backend. The Store owns backend from here on and
// closes it in Shutdown.
func New(cfg config.Config, backend store.Backend, model docmodel.Model, opts ...Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)

	s := &Store{
		cfg:      cfg,
		backend:  backend,
		metrics:  o.metrics,
		logger:   o.logger,
		clock:    o.clock,
		ids:      o.ids,
		docs:     make(map[string]*docState),
		inflight: make(map[string]chan struct{}),
	}
	s.log = ulog.New(backend,
		ulog.WithClock(o.clock),
		ulog.WithRetryAttempts(cfg.RetryAttempts),
		ulog.WithLogger(o.logger),
	)
	s.checkpoints = checkpoint.New(s.log, model, int64(cfg.CheckpointIntervalUpdates),
		checkpoint.WithTracker(s),
		checkpoint.WithWorkers(cfg.CompactionWorkers),
		checkpoint.WithMetrics(o.metrics),
		checkpoint.WithLogger(o.logger),
	)
	s.evictions = eviction.New(cfg.DocumentTTL(), cfg.SweepInterval(), s,
		eviction.WithClock(o.clock),
		eviction.WithLogger(o.logger),
	)

	s.logger.Info("store ready",
		"backend", backend.Kind(),
		"persistent", backend.Persistent(),
		"ttl", cfg.DocumentTTL(),
		"checkpoint_interval", cfg.CheckpointIntervalUpdates,
	)
	return s, nil
}

// Config returns the configuration the Store was created with.
func (s *Store) Config() config.Config {
	return s.cfg
}

// Log returns the underlying update log.
func (s *Store) Log() *ulog.Log {
	return s.log
}

// Evictions returns the eviction manager.
func (s *Store) Evictions() *eviction.Manager {
	return s.evictions
}

// Run runs the eviction sweeper and the compaction workers until ctx is
// cancelled.
func (s *Store) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.checkpoints.Run(ctx) })
	g.Go(func() error { return s.evictions.Run(ctx) })
	return g.Wait()
}

// Shutdown releases every open document and closes the backend. Stored
// data is kept. Calling Shutdown again is a no-op.
func (s *Store) Shutdown() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	docs := make([]*docState, 0, len(s.docs))
	for _, d := range s.docs {
		docs = append(docs, d)
	}
	s.docs = make(map[string]*docState)
	s.mu.Unlock()

	for _, d := range docs {
		d.mu.Lock()
		d.state = StateClosed
		s.countOpen(d, false)
		d.mu.Unlock()
		s.evictions.Forget(d.key)
	}

	if err := s.backend.Close(); err != nil {
		return fmt.Errorf("close backend: %w", err)
	}
	s.logger.Info("store shut down", "released", len(docs))
	return nil
}

// normalizeKey returns the NFC form of key, so that visually identical
// keys name the same document.
func normalizeKey(key string) (string, error) {
	if key == "" {
		return "", ErrEmptyKey
	}
	return norm.NFC.String(key), nil
}

// entry returns the table entry for key, creating an unopened one.
func (s *Store) entry(key string) (*docState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	d, ok := s.docs[key]
	if !ok {
		d = &docState{key: key}
		s.docs[key] = d
	}
	return d, nil
}

// lookup returns the table entry for key, or nil.
func (s *Store) lookup(key string) *docState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.docs[key]
}

// remove drops d from the table if it is still the current entry.
// Caller holds d.mu.
func (s *Store) remove(d *docState) {
	s.mu.Lock()
	if s.docs[d.key] == d {
		delete(s.docs, d.key)
	}
	s.mu.Unlock()
	s.countOpen(d, false)
}

// countOpen adds d to or drops it from the open document count. Unopened
// placeholders in the table are never counted. Caller holds d.mu.
func (s *Store) countOpen(d *docState, open bool) {
	s.mu.Lock()
	switch {
	case open && !d.counted:
		s.open++
		d.counted = true
	case !open && d.counted:
		s.open--
		d.counted = false
	}
	n := s.open
	s.mu.Unlock()
	s.metrics.SetOpenDocuments(n)
}

// acquire returns the open entry for key with its mutex held, loading the
// document from the log if needed.
func (s *Store) acquire(ctx context.Context, key string) (*docState, error) {
	for {
		d, err := s.entry(key)
		if err != nil {
			return nil, err
		}
		d.mu.Lock()
		if !d.live() {
			// Evicted, closed or deleted while we waited.
			d.mu.Unlock()
			continue
		}
		if d.state == StateUnopened {
			if err := s.load(ctx, d); err != nil {
				d.state = StateClosed
				s.remove(d)
				d.mu.Unlock()
				return nil, err
			}
		}
		return d, nil
	}
}

// load reads the document's position from the log and marks it open.
// Caller holds d.mu.
func (s *Store) load(ctx context.Context, d *docState) error {
	st, err := s.log.State(ctx, d.key)
	if err != nil {
		return err
	}
	d.lastSeq = st.LastSeq
	d.pending = st.Pending
	d.id = s.ids.Generate()
	d.state = StateOpen
	d.broken = nil
	s.evictions.Touch(d.key)
	s.countOpen(d, true)

	s.logger.Debug("document opened",
		"doc", d.key, "handle", d.id, "last_seq", d.lastSeq, "pending", d.pending)
	return nil
}

// Open opens key, loading its position from storage if it is not already
// open. Opening an open document returns a handle with the same ID.
func (s *Store) Open(ctx context.Context, key string) (*Handle, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return nil, err
	}
	d, err := s.acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer d.mu.Unlock()
	s.evictions.Touch(key)
	return &Handle{store: s, key: key, id: d.id}, nil
}

// State returns the lifecycle state of key in this Store. Documents that
// were evicted or closed report StateUnopened once their entry is gone.
func (s *Store) State(key string) State {
	key, err := normalizeKey(key)
	if err != nil {
		return StateUnopened
	}
	d := s.lookup(key)
	if d == nil {
		return StateUnopened
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// GetUpdates returns the history of an open document: the checkpoint state
// first, if there is one, then every later update in seq order.
//
// When some entries cannot be decoded the rest are still returned, along
// with a joined error carrying one store.CodeCorruptPayload error per bad
// seq.
func (s *Store) GetUpdates(ctx context.Context, key string) ([][]byte, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return nil, err
	}
	d := s.lookup(key)
	if d == nil {
		if s.isClosed() {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("%w: %s", ErrNotOpen, key)
	}
	d.mu.Lock()
	if d.state != StateOpen {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotOpen, key)
	}
	s.evictions.Touch(key)
	d.mu.Unlock()

	h, err := s.log.ReadAll(ctx, key)
	if seqs := store.CorruptSeqs(err); len(seqs) > 0 {
		s.metrics.ObserveCorrupt(len(seqs))
	} else if err != nil {
		return nil, err
	}
	return h.Payloads(), err
}

// AppendUpdate stores payload as the next update of key and returns its
// seq, opening the document if needed.
//
// It may schedule a background compaction; compaction failures never fail
// the append.
func (s *Store) AppendUpdate(ctx context.Context, key string, payload []byte) (int64, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return 0, err
	}
	d, err := s.acquire(ctx, key)
	if err != nil {
		return 0, err
	}
	defer d.mu.Unlock()

	if d.broken != nil {
		return 0, d.broken
	}

	rec, err := s.log.Append(ctx, key, payload)
	if err != nil {
		if store.IsSequenceConflict(err) {
			s.markBroken(d, err)
		}
		s.metrics.ObserveAppendError(codeLabel(err))
		return 0, err
	}
	if want := d.lastSeq + 1; rec.Seq != want {
		err := store.SequenceConflict("append", key, rec.Seq,
			fmt.Errorf("log assigned %d, expected %d", rec.Seq, want))
		s.markBroken(d, err)
		s.metrics.ObserveAppendError(codeLabel(err))
		return 0, err
	}

	previous := d.lastWrite
	d.lastSeq = rec.Seq
	d.pending++
	d.lastWrite = s.evictions.Touch(key)
	s.metrics.ObserveAppend(len(payload), len(rec.Payload))

	if s.checkpoints.Due(d.pending) || s.squashDue(d, previous) {
		s.checkpoints.Schedule(key)
	}
	return rec.Seq, nil
}

// squashDue reports whether a persistent document written after a pause
// longer than the TTL should be compacted regardless of the interval.
// Caller holds d.mu.
func (s *Store) squashDue(d *docState, previous time.Time) bool {
	ttl := s.evictions.TTL()
	if ttl <= 0 || previous.IsZero() || !s.backend.Persistent() {
		return false
	}
	return d.pending > 1 && d.lastWrite.Sub(previous) > ttl
}

// markBroken refuses further appends to d until it is reopened.
// Caller holds d.mu.
func (s *Store) markBroken(d *docState, err error) {
	d.broken = err
	s.logger.Error("sequence conflict, document refuses writes until reopened",
		"doc", d.key, "handle", d.id, "last_seq", d.lastSeq, "error", err)
}

func codeLabel(err error) string {
	if code := store.CodeOf(err); code != "" {
		return string(code)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "CANCELED"
	}
	return "UNKNOWN"
}

// Close releases key. Stored data is kept. Closing a document that is not
// open is a no-op.
func (s *Store) Close(ctx context.Context, key string) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	d := s.lookup(key)
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateOpen {
		return nil
	}
	d.state = StateClosed
	s.remove(d)
	s.evictions.Forget(key)
	s.logger.Debug("document closed", "doc", key, "handle", d.id)
	return nil
}

// DeleteDocument removes everything stored for key and releases it. It
// waits for an in-flight compaction of key to finish first. Deleting an
// unknown document is a no-op.
func (s *Store) DeleteDocument(ctx context.Context, key string) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	for {
		if err := s.waitCompaction(ctx, key); err != nil {
			return err
		}
		d, err := s.entry(key)
		if err != nil {
			return err
		}
		d.mu.Lock()
		if !d.live() {
			d.mu.Unlock()
			continue
		}
		if s.compactionInFlight(key) {
			d.mu.Unlock()
			continue
		}

		err = s.log.DeleteDocument(ctx, key)
		wasOpen := d.state == StateOpen
		d.state = StateClosed
		s.remove(d)
		s.evictions.Forget(key)
		d.mu.Unlock()

		if err != nil {
			return err
		}
		s.logger.Info("document deleted", "doc", key, "was_open", wasOpen)
		return nil
	}
}

// Inspect returns the stored history of key without opening it.
func (s *Store) Inspect(ctx context.Context, key string) (ulog.History, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return ulog.History{}, err
	}
	if s.isClosed() {
		return ulog.History{}, ErrClosed
	}
	return s.log.ReadAll(ctx, key)
}

// Documents lists every stored document.
func (s *Store) Documents(ctx context.Context) ([]store.DocumentInfo, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	return s.log.Documents(ctx)
}

// Compact opens key and compacts it now, whatever its pending count.
func (s *Store) Compact(ctx context.Context, key string) (checkpoint.Result, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return checkpoint.Result{}, err
	}
	d, err := s.acquire(ctx, key)
	if err != nil {
		return checkpoint.Result{}, err
	}
	s.evictions.Touch(key)
	d.mu.Unlock()
	return s.checkpoints.Compact(ctx, key)
}

// OpenDocuments returns the number of open documents.
func (s *Store) OpenDocuments() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
