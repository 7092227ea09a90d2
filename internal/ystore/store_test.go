package ystore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/qstore/internal/config"
	"github.com/roach88/qstore/internal/docmodel"
	"github.com/roach88/qstore/internal/metrics"
	"github.com/roach88/qstore/internal/store"
	"github.com/roach88/qstore/internal/testutil"
)

type fixture struct {
	store *Store
	clock *testutil.ManualClock
	model *testutil.LogModel
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.StoragePath = config.InMemory
	cfg.DocumentTTLSeconds = 5
	cfg.SweepIntervalSeconds = 1
	cfg.CheckpointIntervalUpdates = 0
	return cfg
}

func newFixture(t *testing.T, backend store.Backend, mutate func(*config.Config)) *fixture {
	return newFixtureWithModel(t, backend, testutil.NewLogModel(), mutate)
}

func newFixtureWithModel(t *testing.T, backend store.Backend, model docmodel.Model, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	clk := testutil.NewManualClock(time.Time{})
	s, err := New(cfg, backend, model,
		WithClock(clk),
		WithIDGenerator(testutil.NewFixedIDGenerator("h")),
		WithLogger(quietLogger()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { s.Shutdown() })

	f := &fixture{store: s, clock: clk}
	if lm, ok := model.(*testutil.LogModel); ok {
		f.model = lm
	}
	return f
}

func newMemoryFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	return newFixture(t, store.NewMemory(), mutate)
}

func newSQLiteFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "docs.db")
	b, err := store.OpenSQLite(path, quietLogger())
	require.NoError(t, err)
	return newFixture(t, b, func(cfg *config.Config) {
		cfg.StoragePath = path
		if mutate != nil {
			mutate(cfg)
		}
	})
}

// runBackground runs the store's background loops until the test ends.
func runBackground(t *testing.T, s *Store) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func appendN(t *testing.T, s *Store, key string, n int) [][]byte {
	t.Helper()
	var payloads [][]byte
	for i := 1; i <= n; i++ {
		p := []byte(fmt.Sprintf("%s-u%d", key, i))
		_, err := s.AppendUpdate(context.Background(), key, p)
		require.NoError(t, err)
		payloads = append(payloads, p)
	}
	return payloads
}

func TestAppendUpdate_OpensImplicitly(t *testing.T) {
	f := newMemoryFixture(t, nil)

	assert.Equal(t, StateUnopened, f.store.State("doc"))
	_, err := f.store.AppendUpdate(context.Background(), "doc", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, StateOpen, f.store.State("doc"))
}

func TestGetUpdates_NotOpen(t *testing.T) {
	f := newMemoryFixture(t, nil)

	_, err := f.store.GetUpdates(context.Background(), "doc")
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestOpen_EmptyDocument(t *testing.T) {
	f := newMemoryFixture(t, nil)
	ctx := context.Background()

	h, err := f.store.Open(ctx, "doc")
	require.NoError(t, err)
	got, err := h.Updates(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestOpen_Idempotent(t *testing.T) {
	f := newMemoryFixture(t, nil)
	ctx := context.Background()

	h1, err := f.store.Open(ctx, "doc")
	require.NoError(t, err)
	h2, err := f.store.Open(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, "h-1", h1.ID())
	assert.Equal(t, h1.ID(), h2.ID())

	require.NoError(t, h1.Close(ctx))
	h3, err := f.store.Open(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, "h-2", h3.ID())
}

func TestHandle_AppendAndRead(t *testing.T) {
	f := newMemoryFixture(t, nil)
	ctx := context.Background()

	h, err := f.store.Open(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, "doc", h.Key())

	seq, err := h.Append(ctx, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	got, err := h.Updates(ctx)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("a")}, got)
}

func TestClose_KeepsDataAndIsIdempotent(t *testing.T) {
	f := newMemoryFixture(t, nil)
	ctx := context.Background()
	want := appendN(t, f.store, "doc", 3)

	require.NoError(t, f.store.Close(ctx, "doc"))
	require.NoError(t, f.store.Close(ctx, "doc"))
	require.NoError(t, f.store.Close(ctx, "never-opened"))
	assert.Equal(t, StateUnopened, f.store.State("doc"))

	_, err := f.store.GetUpdates(ctx, "doc")
	assert.ErrorIs(t, err, ErrNotOpen)

	_, err = f.store.Open(ctx, "doc")
	require.NoError(t, err)
	got, err := f.store.GetUpdates(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	seq, err := f.store.AppendUpdate(ctx, "doc", []byte("next"))
	require.NoError(t, err)
	assert.Equal(t, int64(4), seq)
}

func TestDeleteDocument_Idempotent(t *testing.T) {
	f := newMemoryFixture(t, nil)
	ctx := context.Background()
	appendN(t, f.store, "doc", 3)

	require.NoError(t, f.store.DeleteDocument(ctx, "doc"))
	require.NoError(t, f.store.DeleteDocument(ctx, "doc"))
	require.NoError(t, f.store.DeleteDocument(ctx, "unknown"))
	assert.Equal(t, StateUnopened, f.store.State("doc"))

	docs, err := f.store.Documents(ctx)
	require.NoError(t, err)
	assert.Empty(t, docs)

	_, err = f.store.Open(ctx, "doc")
	require.NoError(t, err)
	got, err := f.store.GetUpdates(ctx, "doc")
	require.NoError(t, err)
	assert.Empty(t, got)

	seq, err := f.store.AppendUpdate(ctx, "doc", []byte("fresh"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)
}

func TestAppendUpdate_SequenceConflictMarksDocumentBroken(t *testing.T) {
	f := newMemoryFixture(t, nil)
	ctx := context.Background()
	appendN(t, f.store, "doc", 2)

	// A writer outside this store takes seq 3.
	_, err := f.store.Log().Append(ctx, "doc", []byte("foreign"))
	require.NoError(t, err)

	_, err = f.store.AppendUpdate(ctx, "doc", []byte("mine"))
	require.Error(t, err)
	assert.True(t, store.IsSequenceConflict(err))

	_, err = f.store.AppendUpdate(ctx, "doc", []byte("again"))
	assert.True(t, store.IsSequenceConflict(err))

	// Reopening reloads the position from storage.
	require.NoError(t, f.store.Close(ctx, "doc"))
	seq, err := f.store.AppendUpdate(ctx, "doc", []byte("after reopen"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), seq)
}

func TestKeys_NormalizedToNFC(t *testing.T) {
	f := newMemoryFixture(t, nil)
	ctx := context.Background()

	decomposed := "cafe\u0301"
	composed := "caf\u00e9"
	_, err := f.store.AppendUpdate(ctx, decomposed, []byte("a"))
	require.NoError(t, err)
	seq, err := f.store.AppendUpdate(ctx, composed, []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq)

	h, err := f.store.Open(ctx, decomposed)
	require.NoError(t, err)
	assert.Equal(t, composed, h.Key())
}

func TestKeys_EmptyRejected(t *testing.T) {
	f := newMemoryFixture(t, nil)
	ctx := context.Background()

	_, err := f.store.Open(ctx, "")
	assert.ErrorIs(t, err, ErrEmptyKey)
	_, err = f.store.AppendUpdate(ctx, "", []byte("x"))
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestShutdown(t *testing.T) {
	f := newMemoryFixture(t, nil)
	ctx := context.Background()
	appendN(t, f.store, "doc", 1)

	require.NoError(t, f.store.Shutdown())
	require.NoError(t, f.store.Shutdown())

	_, err := f.store.AppendUpdate(ctx, "doc", []byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = f.store.GetUpdates(ctx, "doc")
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, StatusUnavailable, f.store.Health(ctx).Status)
}

func TestHealth(t *testing.T) {
	f := newMemoryFixture(t, nil)
	ctx := context.Background()
	appendN(t, f.store, "a", 1)
	appendN(t, f.store, "b", 1)

	assert.Equal(t, Health{
		Status:        StatusOK,
		Backend:       store.KindMemory,
		Persistent:    false,
		OpenDocuments: 2,
	}, f.store.Health(ctx))
}

func TestOpenDocuments_CountsOnlyOpenEntries(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	clk := testutil.NewManualClock(time.Time{})
	s, err := New(testConfig(), store.NewMemory(), testutil.NewLogModel(),
		WithClock(clk),
		WithMetrics(m),
		WithLogger(quietLogger()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { s.Shutdown() })
	ctx := context.Background()

	// A table entry that has not been loaded yet is not an open document.
	_, err = s.entry("pending")
	require.NoError(t, err)
	assert.Equal(t, 0, s.OpenDocuments())
	assert.Equal(t, 0, s.Health(ctx).OpenDocuments)

	require.NoError(t, s.DeleteDocument(ctx, "unknown"))
	assert.Equal(t, 0, s.OpenDocuments())

	appendN(t, s, "a", 1)
	appendN(t, s, "b", 1)
	assert.Equal(t, 2, s.OpenDocuments())
	assert.Equal(t, 2.0, promtest.ToFloat64(m.OpenDocuments))

	require.NoError(t, s.Close(ctx, "a"))
	require.NoError(t, s.Close(ctx, "a"))
	assert.Equal(t, 1, s.OpenDocuments())
	assert.Equal(t, 1.0, promtest.ToFloat64(m.OpenDocuments))

	clk.Advance(6 * time.Second)
	assert.Equal(t, []string{"b"}, s.Evictions().Sweep(ctx))
	assert.Equal(t, 0, s.OpenDocuments())

	appendN(t, s, "c", 1)
	require.NoError(t, s.Shutdown())
	assert.Equal(t, 0, s.OpenDocuments())
	assert.Equal(t, 0.0, promtest.ToFloat64(m.OpenDocuments))
}

func TestOpen_FromConfig(t *testing.T) {
	for _, name := range []string{"docs.db", "docs.bolt"} {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			cfg.StoragePath = filepath.Join(t.TempDir(), name)

			s, err := Open(cfg, WithLogger(quietLogger()))
			require.NoError(t, err)
			ctx := context.Background()

			seq, err := s.AppendUpdate(ctx, "doc", []byte("persisted"))
			require.NoError(t, err)
			assert.Equal(t, int64(1), seq)
			require.NoError(t, s.Shutdown())

			s, err = Open(cfg, WithLogger(quietLogger()))
			require.NoError(t, err)
			defer s.Shutdown()
			assert.True(t, s.Health(ctx).Persistent)

			_, err = s.Open(ctx, "doc")
			require.NoError(t, err)
			got, err := s.GetUpdates(ctx, "doc")
			require.NoError(t, err)
			assert.Equal(t, [][]byte{[]byte("persisted")}, got)
		})
	}
}

func TestOpen_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.CompactionWorkers = 0

	_, err := Open(cfg)
	assert.ErrorIs(t, err, config.ErrInvalid)
}
