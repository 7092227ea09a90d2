package ystore

import (
	"sync"
	"time"
)

// State is the lifecycle state of a document within one Store.
//
//	UNOPENED -> OPEN -> EVICTED
//	                 -> CLOSED
//
// EVICTED and CLOSED documents may be opened again.
type State int

const (
	StateUnopened State = iota
	StateOpen
	StateEvicted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnopened:
		return "UNOPENED"
	case StateOpen:
		return "OPEN"
	case StateEvicted:
		return "EVICTED"
	case StateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// docState is the in-memory state of one document.
//
// mu guards every field. An entry that reaches StateEvicted or StateClosed
// has already been removed from the Store's table; goroutines still holding
// a pointer to it must look the key up again.
type docState struct {
	mu sync.Mutex

	key   string
	id    string
	state State

	lastSeq    int64
	pending    int64 // records after the checkpoint
	lastWrite  time.Time
	compacting bool
	counted    bool // included in Store.open

	// broken is set after a sequence conflict; appends are refused until
	// the document is reopened.
	broken error
}

// live reports whether this entry is still the one in the Store's table.
func (d *docState) live() bool {
	return d.state == StateUnopened || d.state == StateOpen
}
