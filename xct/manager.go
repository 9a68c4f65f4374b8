// Package xct exposes the narrow transaction-side surface the
// snapshot pipeline needs: a gate on accepting new transactions and a
// count of in-flight ones, so the pause-drain-swap protocol can run.
package xct

import (
	"sync"
	"sync/atomic"
)

// Manager gates transaction admission.
type Manager interface {
	PauseAcceptingXct()
	ResumeAcceptingXct()
}

// Gate is the default Manager. Workers bracket each transaction with
// Begin/End; Begin blocks while the gate is paused.
type Gate struct {
	mu       sync.Mutex
	resumed  *sync.Cond
	paused   bool
	inFlight atomic.Int64
}

var _ Manager = (*Gate)(nil)

func NewGate() *Gate {
	g := &Gate{}
	g.resumed = sync.NewCond(&g.mu)
	return g
}

// Begin admits one transaction, blocking while paused.
func (g *Gate) Begin() {
	g.mu.Lock()
	for g.paused {
		g.resumed.Wait()
	}
	g.inFlight.Add(1)
	g.mu.Unlock()
}

// End retires one transaction.
func (g *Gate) End() {
	g.inFlight.Add(-1)
}

// InFlight returns the number of running transactions.
func (g *Gate) InFlight() int64 {
	return g.inFlight.Load()
}

// PauseAcceptingXct stops admitting new transactions. Running ones
// keep going; the caller waits out the drain window.
func (g *Gate) PauseAcceptingXct() {
	g.mu.Lock()
	g.paused = true
	g.mu.Unlock()
}

// ResumeAcceptingXct reopens the gate and wakes blocked Begins.
func (g *Gate) ResumeAcceptingXct() {
	g.mu.Lock()
	g.paused = false
	g.mu.Unlock()
	g.resumed.Broadcast()
}
