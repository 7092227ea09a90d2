package testutil

import (
	"fmt"
	"sync"
)

// FixedIDGenerator generates handle IDs "prefix-1", "prefix-2", ...
//
// This enables deterministic log and output assertions in tests that open
// documents.
//
// Thread-safety: safe for concurrent use.
type FixedIDGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewFixedIDGenerator creates a new generator.
// If prefix is empty, IDs are "handle-N".
func NewFixedIDGenerator(prefix string) *FixedIDGenerator {
	if prefix == "" {
		prefix = "handle"
	}
	return &FixedIDGenerator{prefix: prefix}
}

// Generate returns the next ID.
func (g *FixedIDGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
