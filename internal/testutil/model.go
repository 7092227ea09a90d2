package testutil

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
)

// LogModel is a deterministic document model for tests.
//
// Its state is simply every update ever merged, length-prefixed and in
// order. Two replays produce the same state exactly when they applied the
// same updates in the same order, which makes compaction equivalence easy
// to assert byte-for-byte.
//
// Thread-safety: LogModel is safe for concurrent use.
type LogModel struct {
	merges atomic.Int64
	fail   atomic.Bool
}

// ErrModelFailure is returned by Merge after FailNext.
var ErrModelFailure = errors.New("model failure")

// NewLogModel creates a new LogModel.
func NewLogModel() *LogModel {
	return &LogModel{}
}

// Merge appends updates to state.
func (m *LogModel) Merge(state []byte, updates [][]byte) ([]byte, error) {
	m.merges.Add(1)
	if m.fail.CompareAndSwap(true, false) {
		return nil, ErrModelFailure
	}
	if _, err := Entries(state); err != nil {
		return nil, err
	}
	out := append([]byte(nil), state...)
	for _, u := range updates {
		out = binary.AppendUvarint(out, uint64(len(u)))
		out = append(out, u...)
	}
	return out, nil
}

// Merges returns how many times Merge was called.
func (m *LogModel) Merges() int64 {
	return m.merges.Load()
}

// FailNext makes the next Merge call fail with ErrModelFailure.
func (m *LogModel) FailNext() {
	m.fail.Store(true)
}

// Entries splits a LogModel state back into its updates.
func Entries(state []byte) ([][]byte, error) {
	var out [][]byte
	for len(state) > 0 {
		n, w := binary.Uvarint(state)
		if w <= 0 || uint64(len(state)-w) < n {
			return nil, fmt.Errorf("malformed log model state")
		}
		out = append(out, state[w:w+int(n)])
		state = state[w+int(n):]
	}
	return out, nil
}
