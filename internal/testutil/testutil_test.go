package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualClock_Advance(t *testing.T) {
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewManualClock(start)

	assert.Equal(t, start, c.Now())
	assert.Equal(t, start.Add(5*time.Second), c.Advance(5*time.Second))
	assert.Equal(t, start.Add(5*time.Second), c.Now(), "Now should not advance on its own")
}

func TestManualClock_ZeroStart(t *testing.T) {
	c := NewManualClock(time.Time{})
	assert.False(t, c.Now().IsZero())
}

func TestManualClock_ThreadSafe(t *testing.T) {
	c := NewManualClock(time.Time{})
	start := c.Now()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Advance(time.Second)
			_ = c.Now()
		}()
	}
	wg.Wait()

	assert.Equal(t, start.Add(50*time.Second), c.Now())
}

func TestFixedIDGenerator(t *testing.T) {
	g := NewFixedIDGenerator("")
	assert.Equal(t, "handle-1", g.Generate())
	assert.Equal(t, "handle-2", g.Generate())

	g = NewFixedIDGenerator("s")
	assert.Equal(t, "s-1", g.Generate())
}

func TestLogModel_MergeIsAssociative(t *testing.T) {
	m := NewLogModel()
	updates := [][]byte{[]byte("u1"), []byte(""), []byte("u3"), []byte("u4")}

	full, err := m.Merge(nil, updates)
	require.NoError(t, err)

	for split := 0; split <= len(updates); split++ {
		prefix, err := m.Merge(nil, updates[:split])
		require.NoError(t, err)
		rest, err := m.Merge(prefix, updates[split:])
		require.NoError(t, err)
		assert.Equal(t, full, rest, "split at %d", split)
	}

	entries, err := Entries(full)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, []byte("u3"), entries[2])
}

func TestLogModel_RejectsMalformedState(t *testing.T) {
	m := NewLogModel()
	_, err := m.Merge([]byte{0x05, 'a'}, nil)
	assert.Error(t, err)
}

func TestLogModel_FailNext(t *testing.T) {
	m := NewLogModel()
	m.FailNext()

	_, err := m.Merge(nil, nil)
	assert.ErrorIs(t, err, ErrModelFailure)

	_, err = m.Merge(nil, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), m.Merges())
}
