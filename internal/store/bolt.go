package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

var (
	documentsBucket = []byte("documents")
	updatesBucket   = []byte("updates")
	checkpointKey   = []byte("checkpoint")
	checkpointSeq   = []byte("checkpoint_seq")
)

// boltValue is the msgpack form of a record or checkpoint body. The document
// key and seq live in the bucket path and key.
type boltValue struct {
	Seq       int64  `msgpack:"seq,omitempty"`
	Timestamp int64  `msgpack:"ts"`
	Data      []byte `msgpack:"data"`
	Size      int64  `msgpack:"size"`
}

// Bolt stores documents in a bbolt file: one nested bucket per document,
// holding an "updates" bucket keyed by big-endian seq and an optional
// "checkpoint" value. The checkpoint seq is also kept on its own under
// "checkpoint_seq" so a damaged checkpoint value still has a position.
//
// A value that fails to unmarshal is returned with Damaged set rather than
// failing the transaction.
type Bolt struct {
	db *bolt.DB
}

var _ Backend = (*Bolt)(nil)

// OpenBolt creates or opens a bbolt file at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(documentsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create documents bucket: %w", err)
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) Persistent() bool { return true }

func (b *Bolt) Kind() string { return KindBolt }

func (b *Bolt) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(documentsBucket) == nil {
			return fmt.Errorf("documents bucket missing")
		}
		return nil
	})
}

func (b *Bolt) Close() error {
	return b.db.Close()
}

// DB returns the underlying bbolt database.
func (b *Bolt) DB() *bolt.DB {
	return b.db
}

func (b *Bolt) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

func (b *Bolt) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.View(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

type boltTx struct {
	tx *bolt.Tx
}

func seqKey(seq int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(seq))
	return k
}

func (t *boltTx) docBucket(key string) *bolt.Bucket {
	return t.tx.Bucket(documentsBucket).Bucket([]byte(key))
}

func (t *boltTx) createDocBucket(key string) (*bolt.Bucket, error) {
	if !t.tx.Writable() {
		return nil, ErrReadOnly
	}
	doc, err := t.tx.Bucket(documentsBucket).CreateBucketIfNotExists([]byte(key))
	if err != nil {
		return nil, fmt.Errorf("create bucket for %q: %w", key, err)
	}
	if _, err := doc.CreateBucketIfNotExists(updatesBucket); err != nil {
		return nil, fmt.Errorf("create updates bucket for %q: %w", key, err)
	}
	return doc, nil
}

func (t *boltTx) LastSeq(key string) (int64, error) {
	doc := t.docBucket(key)
	if doc == nil {
		return 0, nil
	}
	var seq int64
	cp, err := t.Checkpoint(key)
	if err != nil {
		return 0, err
	}
	if cp != nil {
		seq = cp.Seq
	}
	if k, _ := doc.Bucket(updatesBucket).Cursor().Last(); k != nil {
		if s := int64(binary.BigEndian.Uint64(k)); s > seq {
			seq = s
		}
	}
	return seq, nil
}

func (t *boltTx) InsertRecord(rec Record) error {
	doc, err := t.createDocBucket(rec.DocKey)
	if err != nil {
		return err
	}
	updates := doc.Bucket(updatesBucket)
	k := seqKey(rec.Seq)
	if updates.Get(k) != nil {
		return fmt.Errorf("insert record %s/%d: %w", rec.DocKey, rec.Seq, ErrDuplicateSeq)
	}
	v, err := msgpack.Marshal(boltValue{
		Timestamp: rec.Timestamp.UnixNano(),
		Data:      rec.Payload,
		Size:      rec.Size,
	})
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return updates.Put(k, v)
}

func (t *boltTx) Records(key string, afterSeq, throughSeq int64) ([]Record, error) {
	records := []Record{}
	doc := t.docBucket(key)
	if doc == nil {
		return records, nil
	}
	c := doc.Bucket(updatesBucket).Cursor()
	for k, v := c.Seek(seqKey(afterSeq + 1)); k != nil; k, v = c.Next() {
		seq := int64(binary.BigEndian.Uint64(k))
		if throughSeq > 0 && seq > throughSeq {
			break
		}
		var bv boltValue
		if err := msgpack.Unmarshal(v, &bv); err != nil {
			records = append(records, Record{DocKey: key, Seq: seq, Damaged: true})
			continue
		}
		records = append(records, Record{
			DocKey:    key,
			Seq:       seq,
			Timestamp: time.Unix(0, bv.Timestamp),
			Payload:   bytes.Clone(bv.Data),
			Size:      bv.Size,
		})
	}
	return records, nil
}

func (t *boltTx) CountRecords(key string, afterSeq int64) (int64, error) {
	doc := t.docBucket(key)
	if doc == nil {
		return 0, nil
	}
	var n int64
	c := doc.Bucket(updatesBucket).Cursor()
	for k, _ := c.Seek(seqKey(afterSeq + 1)); k != nil; k, _ = c.Next() {
		n++
	}
	return n, nil
}

func (t *boltTx) Checkpoint(key string) (*Checkpoint, error) {
	doc := t.docBucket(key)
	if doc == nil {
		return nil, nil
	}
	v := doc.Get(checkpointKey)
	if v == nil {
		return nil, nil
	}
	var bv boltValue
	if err := msgpack.Unmarshal(v, &bv); err != nil {
		cp := &Checkpoint{DocKey: key, Damaged: true}
		if sk := doc.Get(checkpointSeq); len(sk) == 8 {
			cp.Seq = int64(binary.BigEndian.Uint64(sk))
		}
		return cp, nil
	}
	return &Checkpoint{
		DocKey:    key,
		Seq:       bv.Seq,
		Timestamp: time.Unix(0, bv.Timestamp),
		State:     bytes.Clone(bv.Data),
		Size:      bv.Size,
	}, nil
}

func (t *boltTx) PutCheckpoint(cp Checkpoint) error {
	doc, err := t.createDocBucket(cp.DocKey)
	if err != nil {
		return err
	}
	v, err := msgpack.Marshal(boltValue{
		Seq:       cp.Seq,
		Timestamp: cp.Timestamp.UnixNano(),
		Data:      cp.State,
		Size:      cp.Size,
	})
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := doc.Put(checkpointSeq, seqKey(cp.Seq)); err != nil {
		return fmt.Errorf("put checkpoint seq: %w", err)
	}
	return doc.Put(checkpointKey, v)
}

func (t *boltTx) DeleteRecordsThrough(key string, seq int64) (int64, error) {
	if !t.tx.Writable() {
		return 0, ErrReadOnly
	}
	doc := t.docBucket(key)
	if doc == nil {
		return 0, nil
	}
	updates := doc.Bucket(updatesBucket)

	// Collect first: deleting under a live cursor skips entries.
	var doomed [][]byte
	c := updates.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		if int64(binary.BigEndian.Uint64(k)) > seq {
			break
		}
		doomed = append(doomed, bytes.Clone(k))
	}
	for _, k := range doomed {
		if err := updates.Delete(k); err != nil {
			return 0, fmt.Errorf("delete record: %w", err)
		}
	}
	return int64(len(doomed)), nil
}

func (t *boltTx) DeleteDocument(key string) error {
	if !t.tx.Writable() {
		return ErrReadOnly
	}
	if t.docBucket(key) == nil {
		return nil
	}
	if err := t.tx.Bucket(documentsBucket).DeleteBucket([]byte(key)); err != nil {
		return fmt.Errorf("delete document %q: %w", key, err)
	}
	return nil
}

func (t *boltTx) Documents() ([]DocumentInfo, error) {
	docs := []DocumentInfo{}
	root := t.tx.Bucket(documentsBucket)
	err := root.ForEach(func(k, v []byte) error {
		if v != nil {
			return nil
		}
		key := string(k)
		doc := root.Bucket(k)
		info := DocumentInfo{DocKey: key}

		cp, err := t.Checkpoint(key)
		if err != nil {
			return err
		}
		if cp != nil {
			info.CheckpointSeq = cp.Seq
			info.StoredBytes += storedSize(cp.State, doc.Get(checkpointKey), cp.Damaged)
		}

		err = doc.Bucket(updatesBucket).ForEach(func(_, rv []byte) error {
			var bv boltValue
			damaged := msgpack.Unmarshal(rv, &bv) != nil
			info.RecordCount++
			info.StoredBytes += storedSize(bv.Data, rv, damaged)
			return nil
		})
		if err != nil {
			return fmt.Errorf("scan records %s: %w", key, err)
		}

		info.LastSeq, err = t.LastSeq(key)
		if err != nil {
			return err
		}
		if info.RecordCount > 0 || info.CheckpointSeq > 0 {
			docs = append(docs, info)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

// storedSize is the payload length, or the raw value length when the value
// could not be unmarshalled.
func storedSize(data, raw []byte, damaged bool) int64 {
	if damaged {
		return int64(len(raw))
	}
	return int64(len(data))
}
