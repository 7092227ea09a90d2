// Package ulog implements the per-document update log: an append-only,
// gap-free sequence of encoded update records plus at most one checkpoint.
//
// The log assigns sequence numbers inside the same write transaction that
// stores the record, so a record and its seq land together or not at all.
// It does not serialize callers itself; the store facade holds a
// per-document lock around Append.
//
// Storage failures surface as store.Error values with CodeStoreUnavailable.
// Lock contention (SQLite BUSY/LOCKED, bbolt timeout) is retried with
// bounded exponential backoff first.
package ulog
