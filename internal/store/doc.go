// Package store provides the storage backends behind the update log.
//
// Every backend implements the same capability interface: write and read
// transactions over a per-document set of update records and at most one
// checkpoint. Three variants exist:
//   - SQLite: a single database file shared by all documents
//   - Bolt: an embedded bbolt key/value file, one bucket per document
//   - Memory: process-local maps, discarded when the process exits
//
// # Invariants
//
// Records for a document are keyed by (doc_key, seq) and that pair is
// unique in every backend. Inserting a record whose seq is already taken
// fails with ErrDuplicateSeq, which callers surface as a sequence conflict.
//
// Records are always returned in ascending seq order.
//
// # SQLite configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - auto_vacuum=FULL: space freed by compaction is returned to the filesystem
//   - immediate transactions: writers take the lock up front instead of
//     failing on lock upgrade
package store
