package store

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
	bolt "go.etcd.io/bbolt"
)

// ErrorCode categorizes storage errors surfaced to callers.
type ErrorCode string

const (
	// CodeStoreUnavailable indicates the backing storage could not be reached
	// or an I/O operation failed.
	CodeStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"

	// CodeCorruptPayload indicates a stored record or checkpoint could not be
	// decoded.
	CodeCorruptPayload ErrorCode = "CORRUPT_PAYLOAD"

	// CodeSequenceConflict indicates two writes claimed the same sequence
	// number for a document. This is an internal invariant violation.
	CodeSequenceConflict ErrorCode = "SEQUENCE_CONFLICT"
)

// Error is a storage error with enough context for the caller to react.
type Error struct {
	Code ErrorCode

	// Op names the operation that failed ("append", "read", ...).
	Op string

	// DocKey identifies the affected document, if any.
	DocKey string

	// Seq identifies the affected record. Zero when not record-specific.
	Seq int64

	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Op)
	if e.DocKey != "" {
		msg += fmt.Sprintf(" (doc=%s", e.DocKey)
		if e.Seq != 0 {
			msg += fmt.Sprintf(", seq=%d", e.Seq)
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Unavailable wraps err as a CodeStoreUnavailable error.
func Unavailable(op, key string, err error) *Error {
	return &Error{Code: CodeStoreUnavailable, Op: op, DocKey: key, Err: err}
}

// Corrupt wraps err as a CodeCorruptPayload error for one record.
func Corrupt(op, key string, seq int64, err error) *Error {
	return &Error{Code: CodeCorruptPayload, Op: op, DocKey: key, Seq: seq, Err: err}
}

// SequenceConflict builds a CodeSequenceConflict error.
func SequenceConflict(op, key string, seq int64, err error) *Error {
	return &Error{Code: CodeSequenceConflict, Op: op, DocKey: key, Seq: seq, Err: err}
}

// CodeOf returns the code of the first Error in err's chain, or "" if
// there is none.
func CodeOf(err error) ErrorCode {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

func hasCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// IsUnavailable reports whether err is a CodeStoreUnavailable error.
// Uses errors.As to handle wrapped errors.
func IsUnavailable(err error) bool {
	return hasCode(err, CodeStoreUnavailable)
}

// IsCorruptPayload reports whether err is, or joins, a CodeCorruptPayload
// error.
func IsCorruptPayload(err error) bool {
	return len(CorruptSeqs(err)) > 0
}

// IsSequenceConflict reports whether err is a CodeSequenceConflict error.
func IsSequenceConflict(err error) bool {
	return hasCode(err, CodeSequenceConflict)
}

// CorruptSeqs collects the sequence numbers of every corrupt-payload error
// reachable from err, including errors combined with errors.Join.
func CorruptSeqs(err error) []int64 {
	var seqs []int64
	var walk func(error)
	walk = func(err error) {
		if err == nil {
			return
		}
		if se, ok := err.(*Error); ok && se.Code == CodeCorruptPayload {
			seqs = append(seqs, se.Seq)
			return
		}
		switch u := err.(type) {
		case interface{ Unwrap() []error }:
			for _, e := range u.Unwrap() {
				walk(e)
			}
		case interface{ Unwrap() error }:
			walk(u.Unwrap())
		}
	}
	walk(err)
	return seqs
}

// IsTransient reports whether err is lock contention that is worth retrying.
func IsTransient(err error) bool {
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		return sqErr.Code == sqlite3.ErrBusy || sqErr.Code == sqlite3.ErrLocked
	}
	return errors.Is(err, bolt.ErrTimeout)
}

// isDuplicate reports whether err is a uniqueness violation from SQLite.
func isDuplicate(err error) bool {
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		return sqErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
