package store

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrClosed is returned by a Memory backend after Close.
var ErrClosed = errors.New("backend closed")

type memDoc struct {
	checkpoint *Checkpoint
	records    []Record // ascending by seq
}

func (d *memDoc) clone() *memDoc {
	c := &memDoc{records: append([]Record(nil), d.records...)}
	if d.checkpoint != nil {
		cp := *d.checkpoint
		c.checkpoint = &cp
	}
	return c
}

func (d *memDoc) empty() bool {
	return d.checkpoint == nil && len(d.records) == 0
}

// Memory keeps every document in process memory. Nothing survives the
// process. Transactions are serialized by a single mutex; writes are staged
// on copies of the touched documents and swapped in on commit.
type Memory struct {
	mu     sync.RWMutex
	docs   map[string]*memDoc
	closed bool
}

var _ Backend = (*Memory)(nil)

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string]*memDoc)}
}

func (m *Memory) Persistent() bool { return false }

func (m *Memory) Kind() string { return KindMemory }

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return ctx.Err()
}

// Close discards all documents.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.docs = nil
	return nil
}

func (m *Memory) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	tx := &memTx{base: m.docs, dirty: make(map[string]*memDoc)}
	if err := fn(tx); err != nil {
		return err
	}
	for key, doc := range tx.dirty {
		if doc.empty() {
			delete(m.docs, key)
			continue
		}
		m.docs[key] = doc
	}
	return nil
}

func (m *Memory) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return fn(&memTx{base: m.docs, readOnly: true})
}

type memTx struct {
	base     map[string]*memDoc
	dirty    map[string]*memDoc
	readOnly bool
}

func (t *memTx) doc(key string) *memDoc {
	if d, ok := t.dirty[key]; ok {
		return d
	}
	if d, ok := t.base[key]; ok {
		return d
	}
	return &memDoc{}
}

func (t *memTx) mutable(key string) (*memDoc, error) {
	if t.readOnly {
		return nil, ErrReadOnly
	}
	if d, ok := t.dirty[key]; ok {
		return d, nil
	}
	d := t.doc(key).clone()
	t.dirty[key] = d
	return d, nil
}

func (t *memTx) LastSeq(key string) (int64, error) {
	d := t.doc(key)
	var seq int64
	if d.checkpoint != nil {
		seq = d.checkpoint.Seq
	}
	if n := len(d.records); n > 0 && d.records[n-1].Seq > seq {
		seq = d.records[n-1].Seq
	}
	return seq, nil
}

func (t *memTx) InsertRecord(rec Record) error {
	d, err := t.mutable(rec.DocKey)
	if err != nil {
		return err
	}
	i := sort.Search(len(d.records), func(i int) bool { return d.records[i].Seq >= rec.Seq })
	if i < len(d.records) && d.records[i].Seq == rec.Seq {
		return ErrDuplicateSeq
	}
	rec.Payload = append([]byte(nil), rec.Payload...)
	d.records = append(d.records, Record{})
	copy(d.records[i+1:], d.records[i:])
	d.records[i] = rec
	return nil
}

func (t *memTx) Records(key string, afterSeq, throughSeq int64) ([]Record, error) {
	out := []Record{}
	for _, rec := range t.doc(key).records {
		if rec.Seq <= afterSeq {
			continue
		}
		if throughSeq > 0 && rec.Seq > throughSeq {
			break
		}
		out = append(out, rec)
	}
	return out, nil
}

func (t *memTx) CountRecords(key string, afterSeq int64) (int64, error) {
	var n int64
	for _, rec := range t.doc(key).records {
		if rec.Seq > afterSeq {
			n++
		}
	}
	return n, nil
}

func (t *memTx) Checkpoint(key string) (*Checkpoint, error) {
	cp := t.doc(key).checkpoint
	if cp == nil {
		return nil, nil
	}
	c := *cp
	return &c, nil
}

func (t *memTx) PutCheckpoint(cp Checkpoint) error {
	d, err := t.mutable(cp.DocKey)
	if err != nil {
		return err
	}
	cp.State = append([]byte(nil), cp.State...)
	d.checkpoint = &cp
	return nil
}

func (t *memTx) DeleteRecordsThrough(key string, seq int64) (int64, error) {
	d, err := t.mutable(key)
	if err != nil {
		return 0, err
	}
	i := sort.Search(len(d.records), func(i int) bool { return d.records[i].Seq > seq })
	d.records = append([]Record(nil), d.records[i:]...)
	return int64(i), nil
}

func (t *memTx) DeleteDocument(key string) error {
	if t.readOnly {
		return ErrReadOnly
	}
	t.dirty[key] = &memDoc{}
	return nil
}

func (t *memTx) Documents() ([]DocumentInfo, error) {
	keys := make(map[string]struct{}, len(t.base)+len(t.dirty))
	for k := range t.base {
		keys[k] = struct{}{}
	}
	for k := range t.dirty {
		keys[k] = struct{}{}
	}

	docs := []DocumentInfo{}
	for k := range keys {
		d := t.doc(k)
		if d.empty() {
			continue
		}
		info := DocumentInfo{DocKey: k, RecordCount: int64(len(d.records))}
		if d.checkpoint != nil {
			info.CheckpointSeq = d.checkpoint.Seq
			info.StoredBytes += int64(len(d.checkpoint.State))
		}
		for _, rec := range d.records {
			info.StoredBytes += int64(len(rec.Payload))
		}
		info.LastSeq, _ = t.LastSeq(k)
		docs = append(docs, info)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].DocKey < docs[j].DocKey })
	return docs, nil
}
