package eviction

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/qstore/internal/testutil"
)

// recordingEvictor evicts everything not listed in refuse.
type recordingEvictor struct {
	mu      sync.Mutex
	m       *Manager
	refuse  map[string]bool
	offered []string
}

func (e *recordingEvictor) Evict(_ context.Context, key string, lastSeen time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.offered = append(e.offered, key)
	if e.refuse[key] {
		return false
	}
	if current, ok := e.m.LastActivity(key); ok && current.After(lastSeen) {
		return false
	}
	e.m.Forget(key)
	return true
}

func newTestManager(ttl time.Duration) (*Manager, *recordingEvictor, *testutil.ManualClock) {
	clk := testutil.NewManualClock(time.Time{})
	ev := &recordingEvictor{refuse: map[string]bool{}}
	m := New(ttl, time.Second, ev, WithClock(clk))
	ev.m = m
	return m, ev, clk
}

func TestSweep_EvictsIdleDocument(t *testing.T) {
	m, _, clk := newTestManager(5 * time.Second)
	ctx := context.Background()

	m.Touch("doc")
	clk.Advance(6 * time.Second)

	assert.Equal(t, []string{"doc"}, m.Sweep(ctx))
	_, tracked := m.LastActivity("doc")
	assert.False(t, tracked)
}

func TestSweep_KeepsActiveDocument(t *testing.T) {
	m, ev, clk := newTestManager(5 * time.Second)
	ctx := context.Background()

	m.Touch("busy")
	for i := 0; i < 10; i++ {
		clk.Advance(2 * time.Second)
		m.Touch("busy")
		assert.Empty(t, m.Sweep(ctx))
	}
	assert.Empty(t, ev.offered)
	assert.Equal(t, 1, m.Tracked())
}

func TestSweep_ExactlyTTLIsNotIdle(t *testing.T) {
	m, _, clk := newTestManager(5 * time.Second)

	m.Touch("doc")
	clk.Advance(5 * time.Second)
	assert.Empty(t, m.Sweep(context.Background()))

	clk.Advance(time.Millisecond)
	assert.Equal(t, []string{"doc"}, m.Sweep(context.Background()))
}

func TestSweep_RefusedStaysTracked(t *testing.T) {
	m, ev, clk := newTestManager(5 * time.Second)
	ev.refuse["doc"] = true

	m.Touch("doc")
	clk.Advance(10 * time.Second)
	assert.Empty(t, m.Sweep(context.Background()))
	assert.Equal(t, 1, m.Tracked())

	// Offered again next time.
	delete(ev.refuse, "doc")
	assert.Equal(t, []string{"doc"}, m.Sweep(context.Background()))
}

func TestSweep_MixedDocuments(t *testing.T) {
	m, _, clk := newTestManager(5 * time.Second)

	m.Touch("a")
	m.Touch("b")
	clk.Advance(3 * time.Second)
	m.Touch("c")
	clk.Advance(3 * time.Second)

	assert.Equal(t, []string{"a", "b"}, m.Sweep(context.Background()))
	assert.Equal(t, 1, m.Tracked())
}

func TestSweep_DisabledTTL(t *testing.T) {
	m, ev, clk := newTestManager(0)

	m.Touch("doc")
	clk.Advance(24 * time.Hour)
	assert.Empty(t, m.Sweep(context.Background()))
	assert.Empty(t, ev.offered)
}

func TestRun_StopsOnCancel(t *testing.T) {
	m, _, _ := newTestManager(5 * time.Second)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_Sweeps(t *testing.T) {
	clk := testutil.NewManualClock(time.Time{})
	ev := &recordingEvictor{refuse: map[string]bool{}}
	m := New(time.Second, 10*time.Millisecond, ev, WithClock(clk))
	ev.m = m

	m.Touch("doc")
	clk.Advance(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	require.Eventually(t, func() bool { return m.Tracked() == 0 }, 2*time.Second, 10*time.Millisecond)
}
