// Package gate implements the multiple-reader/single-writer coordination
// primitive shared by the ring, the router, and the two background control
// loops. Readers (Router) vastly outnumber writers (Scaler, Quarantine,
// AdminAPI); writers are infrequent and must not starve behind a steady
// stream of readers, so a pending writer blocks any new reader from
// acquiring until it has run.
//
// There is no reader-to-writer upgrade path and no recursive acquisition.
// Callers that need both must release and re-acquire.
package gate

import "sync"

// Gate is a writer-priority reader/writer lock.
type Gate struct {
	mu             sync.Mutex
	cond           *sync.Cond
	readers        int
	writersWaiting int
	writerActive   bool
}

// New returns a ready-to-use Gate.
func New() *Gate {
	g := &Gate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// RLock acquires the gate for reading. It blocks while a writer is active
// or waiting.
func (g *Gate) RLock() {
	g.mu.Lock()
	for g.writerActive || g.writersWaiting > 0 {
		g.cond.Wait()
	}
	g.readers++
	g.mu.Unlock()
}

// RUnlock releases a reader's hold on the gate.
func (g *Gate) RUnlock() {
	g.mu.Lock()
	g.readers--
	if g.readers == 0 {
		g.cond.Broadcast()
	}
	g.mu.Unlock()
}

// WLock acquires the gate exclusively. Once called, subsequent RLock
// callers block even if other readers are still active, until this
// writer has released.
func (g *Gate) WLock() {
	g.mu.Lock()
	g.writersWaiting++
	for g.writerActive || g.readers > 0 {
		g.cond.Wait()
	}
	g.writersWaiting--
	g.writerActive = true
	g.mu.Unlock()
}

// WUnlock releases the writer's exclusive hold on the gate.
func (g *Gate) WUnlock() {
	g.mu.Lock()
	g.writerActive = false
	g.cond.Broadcast()
	g.mu.Unlock()
}
