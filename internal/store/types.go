package store

import (
	"context"
	"errors"
	"time"
)

// Backend kinds reported by Backend.Kind.
const (
	KindSQLite = "sqlite"
	KindBolt   = "bolt"
	KindMemory = "memory"
)

// ErrDuplicateSeq is returned by Tx.InsertRecord when the (doc_key, seq)
// pair already exists.
var ErrDuplicateSeq = errors.New("duplicate sequence number")

// ErrReadOnly is returned when a write is attempted inside a View.
var ErrReadOnly = errors.New("write in read-only transaction")

// Record is one stored update. Payload holds the encoded bytes as written;
// Size is the length of the payload before encoding.
//
// Damaged is set by backends that could read the seq but not the stored
// value around the payload. Payload is nil then.
type Record struct {
	DocKey    string
	Seq       int64
	Timestamp time.Time
	Payload   []byte
	Size      int64
	Damaged   bool
}

// Checkpoint is the materialized state of a document as of Seq.
// State holds encoded bytes; Size is the length before encoding.
// Damaged has the same meaning as on Record.
type Checkpoint struct {
	DocKey    string
	Seq       int64
	Timestamp time.Time
	State     []byte
	Size      int64
	Damaged   bool
}

// DocumentInfo summarizes what a backend holds for one document.
type DocumentInfo struct {
	DocKey        string
	CheckpointSeq int64
	LastSeq       int64
	RecordCount   int64
	StoredBytes   int64
}

// Tx is the set of operations available inside a transaction.
type Tx interface {
	// LastSeq returns the highest sequence number held for the document,
	// counting the checkpoint. Zero means the document has no history.
	LastSeq(key string) (int64, error)

	// InsertRecord stores rec. Returns ErrDuplicateSeq if the seq is taken.
	InsertRecord(rec Record) error

	// Records returns records with afterSeq < seq <= throughSeq in ascending
	// order. A throughSeq of zero or less means no upper bound.
	Records(key string, afterSeq, throughSeq int64) ([]Record, error)

	// CountRecords returns the number of records with seq > afterSeq.
	CountRecords(key string, afterSeq int64) (int64, error)

	// Checkpoint returns the document's checkpoint, or nil if it has none.
	Checkpoint(key string) (*Checkpoint, error)

	// PutCheckpoint replaces the document's checkpoint.
	PutCheckpoint(cp Checkpoint) error

	// DeleteRecordsThrough removes records with seq <= seq and returns how
	// many were removed.
	DeleteRecordsThrough(key string, seq int64) (int64, error)

	// DeleteDocument removes all records and the checkpoint. Deleting a
	// document that does not exist is not an error.
	DeleteDocument(key string) error

	// Documents lists every document that has a record or a checkpoint,
	// ordered by key.
	Documents() ([]DocumentInfo, error)
}

// Backend is a transactional store for update records and checkpoints.
//
// Update runs fn in a read-write transaction and commits if fn returns nil;
// any error rolls every write of fn back. View runs fn read-only.
type Backend interface {
	Update(ctx context.Context, fn func(Tx) error) error
	View(ctx context.Context, fn func(Tx) error) error

	// Persistent reports whether stored data outlives the process.
	Persistent() bool

	// Kind names the variant (KindSQLite, KindBolt, KindMemory).
	Kind() string

	Ping(ctx context.Context) error
	Close() error
}
