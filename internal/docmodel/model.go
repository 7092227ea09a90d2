// Package docmodel adapts CRDT document libraries to the one operation the
// checkpoint manager needs: replay a checkpoint plus a run of updates into a
// new full-state snapshot.
package docmodel

import (
	"fmt"

	"github.com/automerge/automerge-go"
)

// Model materializes document state.
//
// Merge applies updates, in order, on top of state and returns the
// resulting full state. A nil or empty state means an empty document.
// Replaying Merge(Merge(nil, a), b) must give the same logical document as
// Merge(nil, append(a, b...)).
type Model interface {
	Merge(state []byte, updates [][]byte) ([]byte, error)
}

// ModelFunc adapts a function to the Model interface.
type ModelFunc func(state []byte, updates [][]byte) ([]byte, error)

// Merge calls f.
func (f ModelFunc) Merge(state []byte, updates [][]byte) ([]byte, error) {
	return f(state, updates)
}

// Automerge merges Automerge documents. Updates are the byte chunks produced
// by Doc.SaveIncremental (or full saves); state is a Doc.Save snapshot.
type Automerge struct{}

var _ Model = Automerge{}

// Merge loads state, applies each update with LoadIncremental and saves.
func (Automerge) Merge(state []byte, updates [][]byte) ([]byte, error) {
	doc := automerge.New()
	if len(state) > 0 {
		var err error
		if doc, err = automerge.Load(state); err != nil {
			return nil, fmt.Errorf("load automerge state: %w", err)
		}
	}
	for i, u := range updates {
		if err := doc.LoadIncremental(u); err != nil {
			return nil, fmt.Errorf("apply automerge update %d: %w", i, err)
		}
	}
	return doc.Save(), nil
}
