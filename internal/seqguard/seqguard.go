// Package seqguard implements the engine's monotonic sequence-number
// guard: every accepted mutation must carry exactly current+1, which
// both rejects duplicate/out-of-order delivery and gives the engine a
// cheap way to detect a primary and secondary drifting apart.
package seqguard

import (
	"sync"

	"github.com/chenfan33/cloud-project/internal/kverr"
)

// Guard tracks the highest committed sequence ID.
type Guard struct {
	mu  sync.Mutex
	seq uint64
}

// New constructs a Guard starting at seq (0 for a fresh store).
func New(seq uint64) *Guard {
	return &Guard{seq: seq}
}

// Validate reports whether s is the expected next sequence ID. It does
// not mutate state; callers must call Commit separately once the
// corresponding mutation has been durably logged.
func (g *Guard) Validate(s uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s != g.seq+1 {
		return kverr.New(kverr.KindSequence, "seqguard.Validate", nil)
	}
	return nil
}

// Commit advances the guard to s. Callers must only call Commit after
// Validate(s) has succeeded and the mutation has been logged.
func (g *Guard) Commit(s uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq = s
}

// Current returns the highest committed sequence ID.
func (g *Guard) Current() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.seq
}

// Reset forces the guard to s, used after WAL replay establishes the
// recovered sequence baseline.
func (g *Guard) Reset(s uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq = s
}
