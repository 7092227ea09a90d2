package ulog

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/qstore/internal/codec"
	"github.com/roach88/qstore/internal/store"
	"github.com/roach88/qstore/internal/testutil"
)

// flakyBackend fails the first failures Update calls with err.
type flakyBackend struct {
	store.Backend
	failures atomic.Int64
	calls    atomic.Int64
	err      error
}

func (f *flakyBackend) Update(ctx context.Context, fn func(store.Tx) error) error {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return f.err
	}
	return f.Backend.Update(ctx, fn)
}

func newTestLog(t *testing.T) (*Log, *testutil.ManualClock) {
	t.Helper()
	clk := testutil.NewManualClock(time.Time{})
	b := store.NewMemory()
	t.Cleanup(func() { b.Close() })
	return New(b, WithClock(clk)), clk
}

func appendN(t *testing.T, l *Log, key string, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		_, err := l.Append(context.Background(), key, []byte(fmt.Sprintf("u%d", i)))
		require.NoError(t, err)
	}
}

func TestAppend_SequentialSeqs(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()

	for want := int64(1); want <= 5; want++ {
		rec, err := l.Append(ctx, "doc", []byte("x"))
		require.NoError(t, err)
		assert.Equal(t, want, rec.Seq)
	}

	// Another document starts its own run.
	rec, err := l.Append(ctx, "other", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Seq)
}

func TestAppend_StoresEncodedPayload(t *testing.T) {
	l, clk := newTestLog(t)
	payload := []byte("hello hello hello hello")

	rec, err := l.Append(context.Background(), "doc", payload)
	require.NoError(t, err)

	assert.Equal(t, int64(len(payload)), rec.Size)
	assert.Equal(t, clk.Now(), rec.Timestamp)
	decoded, err := codec.Decode(rec.Payload)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

func TestReadAll_Ordered(t *testing.T) {
	l, clk := newTestLog(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		clk.Advance(time.Second)
		_, err := l.Append(ctx, "doc", []byte(fmt.Sprintf("u%d", i)))
		require.NoError(t, err)
	}

	h, err := l.ReadAll(ctx, "doc")
	require.NoError(t, err)
	assert.Nil(t, h.Checkpoint)
	require.Len(t, h.Updates, 3)
	assert.Equal(t, [][]byte{[]byte("u1"), []byte("u2"), []byte("u3")}, h.Payloads())
	assert.True(t, h.Updates[0].Timestamp.Before(h.Updates[2].Timestamp))
	assert.Equal(t, int64(3), h.LastSeq())
	assert.Equal(t, int64(0), h.BaseSeq())
}

func TestReadAll_UnknownDocument(t *testing.T) {
	l, _ := newTestLog(t)

	h, err := l.ReadAll(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, h.Checkpoint)
	assert.Empty(t, h.Updates)
	assert.Empty(t, h.Payloads())
}

func TestReadAll_CorruptRecordDoesNotHideOthers(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()
	appendN(t, l, "doc", 3)

	// Store a truncated fourth record directly.
	good := codec.Encode([]byte("u4 payload that will be cut short"))
	err := l.Backend().Update(ctx, func(tx store.Tx) error {
		return tx.InsertRecord(store.Record{
			DocKey:  "doc",
			Seq:     4,
			Payload: good[:len(good)-3],
			Size:    33,
		})
	})
	require.NoError(t, err)

	h, err := l.ReadAll(ctx, "doc")
	require.Error(t, err)
	assert.True(t, store.IsCorruptPayload(err))
	assert.Equal(t, []int64{4}, store.CorruptSeqs(err))
	assert.Equal(t, [][]byte{[]byte("u1"), []byte("u2"), []byte("u3")}, h.Payloads())
}

func TestReadAll_SizeMismatchIsCorrupt(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()

	err := l.Backend().Update(ctx, func(tx store.Tx) error {
		return tx.InsertRecord(store.Record{DocKey: "doc", Seq: 1, Payload: codec.Encode([]byte("abc")), Size: 4})
	})
	require.NoError(t, err)

	_, err = l.ReadAll(ctx, "doc")
	assert.Equal(t, []int64{1}, store.CorruptSeqs(err))
	assert.ErrorIs(t, err, codec.ErrCorruptPayload)
}

func TestCompact_ReplacesPrefix(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()
	appendN(t, l, "doc", 5)

	removed, err := l.Compact(ctx, "doc", 0, 3, []byte("state@3"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)

	h, err := l.ReadAll(ctx, "doc")
	require.NoError(t, err)
	require.NotNil(t, h.Checkpoint)
	assert.Equal(t, int64(3), h.Checkpoint.Seq)
	assert.Equal(t, []byte("state@3"), h.Checkpoint.State)
	assert.Equal(t, [][]byte{[]byte("state@3"), []byte("u4"), []byte("u5")}, h.Payloads())

	cp, err := l.ReadCheckpoint(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, int64(3), cp.Seq)

	// The next append continues after the highest seq, not the checkpoint.
	rec, err := l.Append(ctx, "doc", []byte("u6"))
	require.NoError(t, err)
	assert.Equal(t, int64(6), rec.Seq)
}

func TestCompact_AllRecordsKeepsSeq(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()
	appendN(t, l, "doc", 4)

	_, err := l.Compact(ctx, "doc", 0, 4, []byte("s"))
	require.NoError(t, err)

	st, err := l.State(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, DocState{LastSeq: 4, CheckpointSeq: 4, Pending: 0}, st)

	rec, err := l.Append(ctx, "doc", []byte("u5"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), rec.Seq)
}

func TestCompact_StaleBase(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()
	appendN(t, l, "doc", 5)

	_, err := l.Compact(ctx, "doc", 0, 2, []byte("first"))
	require.NoError(t, err)

	// Built on "no checkpoint", but one now exists.
	_, err = l.Compact(ctx, "doc", 0, 4, []byte("second"))
	assert.ErrorIs(t, err, ErrCompactionStale)
	assert.False(t, store.IsUnavailable(err))

	cp, err := l.ReadCheckpoint(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), cp.State)
}

func TestCompact_AfterDeleteIsStale(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()
	appendN(t, l, "doc", 3)
	require.NoError(t, l.DeleteDocument(ctx, "doc"))

	_, err := l.Compact(ctx, "doc", 0, 3, []byte("s"))
	assert.ErrorIs(t, err, ErrCompactionStale)

	h, err := l.ReadAll(ctx, "doc")
	require.NoError(t, err)
	assert.Nil(t, h.Checkpoint)
}

func TestDeleteDocument_Idempotent(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()
	appendN(t, l, "doc", 3)
	_, err := l.Compact(ctx, "doc", 0, 2, []byte("s"))
	require.NoError(t, err)

	require.NoError(t, l.DeleteDocument(ctx, "doc"))
	require.NoError(t, l.DeleteDocument(ctx, "doc"))

	h, err := l.ReadAll(ctx, "doc")
	require.NoError(t, err)
	assert.Empty(t, h.Payloads())

	// History restarts from 1.
	rec, err := l.Append(ctx, "doc", []byte("again"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Seq)
}

func TestState_Pending(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()
	appendN(t, l, "doc", 7)
	_, err := l.Compact(ctx, "doc", 0, 5, []byte("s"))
	require.NoError(t, err)

	st, err := l.State(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, DocState{LastSeq: 7, CheckpointSeq: 5, Pending: 2}, st)
}

func TestDocuments(t *testing.T) {
	l, _ := newTestLog(t)
	appendN(t, l, "b", 1)
	appendN(t, l, "a", 2)

	docs, err := l.Documents(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "a", docs[0].DocKey)
	assert.Equal(t, int64(2), docs[0].LastSeq)
}

func TestRetry_TransientThenSuccess(t *testing.T) {
	mem := store.NewMemory()
	flaky := &flakyBackend{Backend: mem, err: sqlite3.Error{Code: sqlite3.ErrBusy}}
	flaky.failures.Store(2)
	l := New(flaky, WithRetryAttempts(3))

	rec, err := l.Append(context.Background(), "doc", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Seq)
	assert.Equal(t, int64(3), flaky.calls.Load())
}

func TestRetry_ExhaustedIsUnavailable(t *testing.T) {
	flaky := &flakyBackend{Backend: store.NewMemory(), err: sqlite3.Error{Code: sqlite3.ErrLocked}}
	flaky.failures.Store(100)
	l := New(flaky, WithRetryAttempts(2))

	_, err := l.Append(context.Background(), "doc", []byte("x"))
	require.Error(t, err)
	assert.True(t, store.IsUnavailable(err))
	assert.Equal(t, int64(3), flaky.calls.Load(), "one attempt plus two retries")
}

func TestRetry_PermanentFailureNotRetried(t *testing.T) {
	diskFull := errors.New("disk full")
	flaky := &flakyBackend{Backend: store.NewMemory(), err: diskFull}
	flaky.failures.Store(100)
	l := New(flaky)

	_, err := l.Append(context.Background(), "doc", []byte("x"))
	require.Error(t, err)
	assert.True(t, store.IsUnavailable(err))
	assert.ErrorIs(t, err, diskFull)
	assert.Equal(t, int64(1), flaky.calls.Load())
}

func TestClosedBackendIsUnavailable(t *testing.T) {
	b := store.NewMemory()
	l := New(b)
	require.NoError(t, b.Close())

	_, err := l.Append(context.Background(), "doc", []byte("x"))
	assert.True(t, store.IsUnavailable(err))
	_, err = l.ReadAll(context.Background(), "doc")
	assert.True(t, store.IsUnavailable(err))
}

func TestLog_SQLiteBackend(t *testing.T) {
	b, err := store.OpenSQLite(filepath.Join(t.TempDir(), "log.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	l := New(b)
	ctx := context.Background()

	appendN(t, l, "doc", 4)
	_, err = l.Compact(ctx, "doc", 0, 2, []byte("s"))
	require.NoError(t, err)

	h, err := l.ReadAll(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("s"), []byte("u3"), []byte("u4")}, h.Payloads())
}
