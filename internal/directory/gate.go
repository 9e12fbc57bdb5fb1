// Package directory maintains the versioned contact-directory snapshot and
// serves clients the smallest payload that brings them up to date. The
// directory is derived data; the account stores remain the source of truth.
package directory

import "sync"

// Gate coordinates directory readers with the writers that mutate the
// snapshot (account creation, removal, full restore). Readers never block:
// when a writer holds the gate they degrade to a no-update response.
type Gate interface {
	// TryEnterRead registers a reader unless a writer holds the gate.
	TryEnterRead() bool
	ExitRead()
	// LockWrite waits for in-flight readers to drain, then holds the gate
	// exclusively.
	LockWrite()
	UnlockWrite()
}

// RebuildGate counts concurrent readers and admits one exclusive writer
// once the count drains to zero.
type RebuildGate struct {
	mu      sync.Mutex
	drained *sync.Cond
	readers int
	writer  bool
}

func NewRebuildGate() *RebuildGate {
	g := &RebuildGate{}
	g.drained = sync.NewCond(&g.mu)
	return g
}

func (g *RebuildGate) TryEnterRead() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.writer {
		return false
	}
	g.readers++
	return true
}

func (g *RebuildGate) ExitRead() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.readers--
	if g.readers == 0 {
		g.drained.Broadcast()
	}
}

func (g *RebuildGate) LockWrite() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for g.writer {
		g.drained.Wait()
	}
	g.writer = true
	for g.readers > 0 {
		g.drained.Wait()
	}
}

func (g *RebuildGate) UnlockWrite() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.writer = false
	g.drained.Broadcast()
}
