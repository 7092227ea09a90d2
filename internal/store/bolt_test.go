package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func createTestBolt(t *testing.T) *Bolt {
	t.Helper()
	b, err := OpenBolt(filepath.Join(t.TempDir(), "test.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

// truncateValue halves the raw stored value of record seq, or of the
// checkpoint when seq is zero.
func truncateValue(t *testing.T, b *Bolt, key string, seq int64) {
	t.Helper()
	err := b.DB().Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(documentsBucket).Bucket([]byte(key))
		k := checkpointKey
		if seq > 0 {
			bucket = bucket.Bucket(updatesBucket)
			k = seqKey(seq)
		}
		v := bucket.Get(k)
		require.NotNil(t, v)
		return bucket.Put(k, append([]byte(nil), v[:len(v)/2]...))
	})
	require.NoError(t, err)
}

func TestBolt_DamagedRecordValue(t *testing.T) {
	b := createTestBolt(t)
	insertRecords(t, b, "doc", 1, 4)
	truncateValue(t, b, "doc", 3)

	recs := readRecords(t, b, "doc", 0, 0)
	require.Len(t, recs, 4)
	assert.Equal(t, []int64{1, 2, 3, 4}, seqsOf(recs))
	assert.True(t, recs[2].Damaged)
	assert.Nil(t, recs[2].Payload)
	assert.False(t, recs[3].Damaged)
	assert.Equal(t, []byte("u4"), recs[3].Payload)

	err := b.View(context.Background(), func(tx Tx) error {
		last, err := tx.LastSeq("doc")
		require.NoError(t, err)
		assert.Equal(t, int64(4), last)

		docs, err := tx.Documents()
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, int64(4), docs[0].RecordCount)
		return nil
	})
	require.NoError(t, err)
}

func TestBolt_DamagedCheckpointKeepsSeq(t *testing.T) {
	b := createTestBolt(t)
	ctx := context.Background()
	err := b.Update(ctx, func(tx Tx) error {
		return tx.PutCheckpoint(Checkpoint{
			DocKey:    "doc",
			Seq:       5,
			Timestamp: time.Unix(1_700_000_000, 0),
			State:     []byte("state as of five"),
			Size:      16,
		})
	})
	require.NoError(t, err)
	insertRecords(t, b, "doc", 6, 7)
	truncateValue(t, b, "doc", 0)

	err = b.View(ctx, func(tx Tx) error {
		cp, err := tx.Checkpoint("doc")
		require.NoError(t, err)
		require.NotNil(t, cp)
		assert.True(t, cp.Damaged)
		assert.Equal(t, int64(5), cp.Seq)

		last, err := tx.LastSeq("doc")
		require.NoError(t, err)
		assert.Equal(t, int64(7), last)

		docs, err := tx.Documents()
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, int64(5), docs[0].CheckpointSeq)
		return nil
	})
	require.NoError(t, err)

	// Appends continue past the damaged checkpoint.
	insertRecords(t, b, "doc", 8, 8)
	assert.Equal(t, []int64{6, 7, 8}, seqsOf(readRecords(t, b, "doc", 5, 0)))
}
