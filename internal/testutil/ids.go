package testutil

import (
	"fmt"
	"sync"
	"time"
)

// SequentialIDs hands out "<prefix>-0001", "<prefix>-0002", ... so that
// golden output does not depend on the wall clock. The zero padding keeps
// lexical and numeric order identical.
//
// Thread-safety: safe for concurrent use.
type SequentialIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialIDs creates a generator. An empty prefix defaults to "id".
func NewSequentialIDs(prefix string) *SequentialIDs {
	if prefix == "" {
		prefix = "id"
	}
	return &SequentialIDs{prefix: prefix}
}

// NewID implements intention.IDGenerator. The timestamp is ignored.
func (g *SequentialIDs) NewID(time.Time) string {
	return g.Next()
}

// Next returns the next ID.
func (g *SequentialIDs) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%04d", g.prefix, g.n)
}
