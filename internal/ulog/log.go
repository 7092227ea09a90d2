package ulog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/qstore/internal/clock"
	"github.com/roach88/qstore/internal/codec"
	"github.com/roach88/qstore/internal/store"
)

// DefaultRetryAttempts is how many times a transient failure is retried
// before it is reported as unavailable.
const DefaultRetryAttempts = 5

// ErrCompactionStale is returned by Compact when the document changed in a
// way that invalidates the new checkpoint (it was deleted, or another
// checkpoint landed first). Nothing is written.
var ErrCompactionStale = errors.New("compaction base changed")

// Entry is one decoded update.
type Entry struct {
	Seq       int64
	Timestamp time.Time
	Payload   []byte
}

// Snapshot is a decoded checkpoint.
type Snapshot struct {
	Seq       int64
	Timestamp time.Time
	State     []byte
}

// History is everything stored for a document: the checkpoint, if any,
// followed by the updates recorded after it.
type History struct {
	Checkpoint *Snapshot
	Updates    []Entry
}

// Payloads flattens the history for a hydrating client: the checkpoint
// state first, then each update in seq order.
func (h History) Payloads() [][]byte {
	out := make([][]byte, 0, len(h.Updates)+1)
	if h.Checkpoint != nil {
		out = append(out, h.Checkpoint.State)
	}
	for _, e := range h.Updates {
		out = append(out, e.Payload)
	}
	return out
}

// UpdatePayloads returns the update payloads without the checkpoint.
func (h History) UpdatePayloads() [][]byte {
	out := make([][]byte, len(h.Updates))
	for i, e := range h.Updates {
		out[i] = e.Payload
	}
	return out
}

// BaseSeq is the checkpoint seq, or zero without a checkpoint.
func (h History) BaseSeq() int64 {
	if h.Checkpoint == nil {
		return 0
	}
	return h.Checkpoint.Seq
}

// LastSeq is the highest seq in the history.
func (h History) LastSeq() int64 {
	if n := len(h.Updates); n > 0 {
		return h.Updates[n-1].Seq
	}
	return h.BaseSeq()
}

// DocState summarizes a document's position in the log.
type DocState struct {
	LastSeq       int64
	CheckpointSeq int64
	Pending       int64 // records after the checkpoint
}

// Log is the update log over a storage backend.
type Log struct {
	backend store.Backend
	clock   clock.Clock
	retries int
	logger  *slog.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithClock sets the clock used to timestamp records.
func WithClock(c clock.Clock) Option {
	return func(l *Log) { l.clock = clock.Or(c) }
}

// WithRetryAttempts sets how many times transient failures are retried.
func WithRetryAttempts(n int) Option {
	return func(l *Log) {
		if n >= 0 {
			l.retries = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates a Log over backend.
func New(backend store.Backend, opts ...Option) *Log {
	l := &Log{
		backend: backend,
		clock:   clock.Real{},
		retries: DefaultRetryAttempts,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Backend returns the underlying storage backend.
func (l *Log) Backend() store.Backend {
	return l.backend
}

// Append encodes payload and stores it under the next sequence number for
// key, returning the stored record. Sequence assignment and the insert
// happen in one transaction.
func (l *Log) Append(ctx context.Context, key string, payload []byte) (store.Record, error) {
	rec := store.Record{
		DocKey:  key,
		Payload: codec.Encode(payload),
		Size:    int64(len(payload)),
	}

	err := l.do(ctx, "append", key, func() error {
		return l.backend.Update(ctx, func(tx store.Tx) error {
			last, err := tx.LastSeq(key)
			if err != nil {
				return err
			}
			rec.Seq = last + 1
			rec.Timestamp = l.clock.Now()
			return tx.InsertRecord(rec)
		})
	})
	if err != nil {
		var se *store.Error
		if errors.As(err, &se) && se.Code == store.CodeSequenceConflict {
			se.Seq = rec.Seq
		}
		return store.Record{}, err
	}
	return rec, nil
}

// ReadAll returns the checkpoint and every later update, decoded.
//
// Entries that fail to decode are left out of the history and reported
// together as a joined error of store.Error values with CodeCorruptPayload,
// one per bad seq. The history is still returned in that case.
func (l *Log) ReadAll(ctx context.Context, key string) (History, error) {
	return l.read(ctx, key, 0)
}

// ReadThrough is ReadAll limited to records with seq <= throughSeq.
func (l *Log) ReadThrough(ctx context.Context, key string, throughSeq int64) (History, error) {
	return l.read(ctx, key, throughSeq)
}

func (l *Log) read(ctx context.Context, key string, throughSeq int64) (History, error) {
	var (
		cp      *store.Checkpoint
		records []store.Record
	)
	err := l.do(ctx, "read", key, func() error {
		return l.backend.View(ctx, func(tx store.Tx) error {
			var err error
			if cp, err = tx.Checkpoint(key); err != nil {
				return err
			}
			var after int64
			if cp != nil {
				after = cp.Seq
			}
			records, err = tx.Records(key, after, throughSeq)
			return err
		})
	})
	if err != nil {
		return History{}, err
	}

	var (
		h       History
		corrupt []error
	)
	if cp != nil {
		state, err := decode(cp.State, cp.Size, cp.Damaged)
		if err != nil {
			corrupt = append(corrupt, store.Corrupt("read checkpoint", key, cp.Seq, err))
		} else {
			h.Checkpoint = &Snapshot{Seq: cp.Seq, Timestamp: cp.Timestamp, State: state}
		}
	}
	h.Updates = make([]Entry, 0, len(records))
	for _, rec := range records {
		payload, err := decode(rec.Payload, rec.Size, rec.Damaged)
		if err != nil {
			corrupt = append(corrupt, store.Corrupt("read", key, rec.Seq, err))
			continue
		}
		h.Updates = append(h.Updates, Entry{Seq: rec.Seq, Timestamp: rec.Timestamp, Payload: payload})
	}

	if len(corrupt) > 0 {
		l.logger.Warn("corrupt entries in update log", "doc", key, "count", len(corrupt))
		return h, errors.Join(corrupt...)
	}
	return h, nil
}

func decode(b []byte, size int64, damaged bool) ([]byte, error) {
	if damaged {
		return nil, fmt.Errorf("%w: stored value unreadable", codec.ErrCorruptPayload)
	}
	out, err := codec.Decode(b)
	if err != nil {
		return nil, err
	}
	if int64(len(out)) != size {
		return nil, fmt.Errorf("%w: decoded %d bytes, recorded size %d", codec.ErrCorruptPayload, len(out), size)
	}
	return out, nil
}

// ReadCheckpoint returns the decoded checkpoint, or nil if the document has
// none.
func (l *Log) ReadCheckpoint(ctx context.Context, key string) (*Snapshot, error) {
	var cp *store.Checkpoint
	err := l.do(ctx, "read checkpoint", key, func() error {
		return l.backend.View(ctx, func(tx store.Tx) error {
			var err error
			cp, err = tx.Checkpoint(key)
			return err
		})
	})
	if err != nil || cp == nil {
		return nil, err
	}
	state, err := decode(cp.State, cp.Size, cp.Damaged)
	if err != nil {
		return nil, store.Corrupt("read checkpoint", key, cp.Seq, err)
	}
	return &Snapshot{Seq: cp.Seq, Timestamp: cp.Timestamp, State: state}, nil
}

// State reports the document's last seq, checkpoint seq and the number of
// records after the checkpoint.
func (l *Log) State(ctx context.Context, key string) (DocState, error) {
	var st DocState
	err := l.do(ctx, "state", key, func() error {
		return l.backend.View(ctx, func(tx store.Tx) error {
			cp, err := tx.Checkpoint(key)
			if err != nil {
				return err
			}
			st = DocState{}
			if cp != nil {
				st.CheckpointSeq = cp.Seq
			}
			if st.LastSeq, err = tx.LastSeq(key); err != nil {
				return err
			}
			st.Pending, err = tx.CountRecords(key, st.CheckpointSeq)
			return err
		})
	})
	return st, err
}

// Compact replaces the checkpoint with state as of highWater and deletes
// every record with seq <= highWater, in one transaction.
//
// baseSeq is the checkpoint seq the state was built on (zero for none). If
// the stored checkpoint no longer matches it, or the log no longer reaches
// highWater, nothing is written and ErrCompactionStale is returned.
func (l *Log) Compact(ctx context.Context, key string, baseSeq, highWater int64, state []byte) (removed int64, err error) {
	cp := store.Checkpoint{
		DocKey: key,
		Seq:    highWater,
		State:  codec.Encode(state),
		Size:   int64(len(state)),
	}

	err = l.do(ctx, "compact", key, func() error {
		return l.backend.Update(ctx, func(tx store.Tx) error {
			current, err := tx.Checkpoint(key)
			if err != nil {
				return err
			}
			var currentSeq int64
			if current != nil {
				currentSeq = current.Seq
			}
			if currentSeq != baseSeq {
				return fmt.Errorf("%w: checkpoint at %d, expected %d", ErrCompactionStale, currentSeq, baseSeq)
			}
			last, err := tx.LastSeq(key)
			if err != nil {
				return err
			}
			if last < highWater {
				return fmt.Errorf("%w: log ends at %d, before %d", ErrCompactionStale, last, highWater)
			}

			cp.Timestamp = l.clock.Now()
			if err := tx.PutCheckpoint(cp); err != nil {
				return err
			}
			removed, err = tx.DeleteRecordsThrough(key, highWater)
			return err
		})
	})
	return removed, err
}

// DeleteDocument removes all records and the checkpoint for key.
// Deleting an unknown document is not an error.
func (l *Log) DeleteDocument(ctx context.Context, key string) error {
	return l.do(ctx, "delete", key, func() error {
		return l.backend.Update(ctx, func(tx store.Tx) error {
			return tx.DeleteDocument(key)
		})
	})
}

// Documents lists every stored document.
func (l *Log) Documents(ctx context.Context) ([]store.DocumentInfo, error) {
	var docs []store.DocumentInfo
	err := l.do(ctx, "list", "", func() error {
		return l.backend.View(ctx, func(tx store.Tx) error {
			var err error
			docs, err = tx.Documents()
			return err
		})
	})
	return docs, err
}

// do runs fn, retrying transient storage errors with exponential backoff,
// and classifies the final error.
func (l *Log) do(ctx context.Context, op, key string, fn func() error) error {
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if store.IsTransient(err) {
			l.logger.Debug("retrying transient storage error", "op", op, "doc", key, "attempt", attempt, "error", err)
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(newBackOff(), uint64(l.retries)), ctx))

	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrDuplicateSeq):
		return store.SequenceConflict(op, key, 0, err)
	case errors.Is(err, ErrCompactionStale),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return store.Unavailable(op, key, err)
	}
}

func newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 0 // bounded by attempt count instead
	return b
}
