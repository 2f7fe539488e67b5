// Package segment names subtitle segments and tracks the lifecycle of the phrase
// they belong to.
package segment

import (
	"fmt"
	"sync/atomic"
)

// Generator issues segment IDs of the form "<session>-seg-<n>". The counter is
// shared across sessions so IDs never repeat within a process.
type Generator struct {
	counter atomic.Uint64
}

func New() *Generator {
	return &Generator{}
}

func (g *Generator) Next(sessionID string) string {
	n := g.counter.Add(1)
	return fmt.Sprintf("%s-seg-%d", sessionID, n)
}

// Issued returns how many IDs have been handed out.
func (g *Generator) Issued() uint64 {
	return g.counter.Load()
}
