package snapshot

import (
	"sync"
	"sync/atomic"
	"time"

	"ember/epoch"
	"ember/storage"
)

// Wakeup is a broadcast point daemons sleep on with bounded timed
// waits, so stop and cancellation are observed promptly.
type Wakeup struct {
	mu sync.Mutex
	ch chan struct{}
}

func NewWakeup() *Wakeup {
	return &Wakeup{ch: make(chan struct{})}
}

// Broadcast wakes every current waiter.
func (w *Wakeup) Broadcast() {
	w.mu.Lock()
	close(w.ch)
	w.ch = make(chan struct{})
	w.mu.Unlock()
}

// WaitTimeout blocks until the next Broadcast or the timeout.
func (w *Wakeup) WaitTimeout(d time.Duration) {
	w.mu.Lock()
	ch := w.ch
	w.mu.Unlock()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
	}
}

// NodeResult is what one node's reducer leaves behind for the
// gleaner: the per-storage partition roots and how many pages its
// snapshot file holds.
type NodeResult struct {
	Roots        map[storage.StorageId]storage.SnapshotPagePointer
	PagesWritten uint32
}

// GleanerControl is the gleaner status block shared between the
// master and the child daemons.
type GleanerControl struct {
	mu          sync.Mutex
	curSnapshot Snapshot
	results     map[uint16]*NodeResult
	rings       []*BatchRing

	ReducersCount uint32
	MappersCount  uint32
	AllCount      uint32

	gleaning       atomic.Bool
	cancelled      atomic.Bool
	completedCount atomic.Uint32
	// attempt distinguishes runs even when an abandoned run's
	// snapshot id is reissued, so children never skip a retry.
	attempt atomic.Uint64
}

// ringSlots is the bounded depth of each mapper-to-reducer ring.
const ringSlots = 64

// PublishRun installs the run every worker will observe, allocates
// the per-node handoff rings, and resets the completion state.
func (g *GleanerControl) PublishRun(s Snapshot, nodes uint16) {
	rings := make([]*BatchRing, nodes)
	for i := range rings {
		rings[i] = NewBatchRing(ringSlots, int(g.MappersCount))
	}
	g.mu.Lock()
	g.curSnapshot = s
	g.results = make(map[uint16]*NodeResult)
	g.rings = rings
	g.mu.Unlock()
	g.cancelled.Store(false)
	g.completedCount.Store(0)
	g.attempt.Add(1)
	g.gleaning.Store(true)
}

// Attempt returns the current run's attempt number.
func (g *GleanerControl) Attempt() uint64 { return g.attempt.Load() }

// Rings returns the current run's handoff rings, indexed by reducer
// node.
func (g *GleanerControl) Rings() []*BatchRing {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rings
}

// FinishRun marks the run over; children stop reacting to it.
func (g *GleanerControl) FinishRun() {
	g.gleaning.Store(false)
}

// CurSnapshot returns the published run.
func (g *GleanerControl) CurSnapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.curSnapshot
}

// Gleaning reports whether a run is in flight.
func (g *GleanerControl) Gleaning() bool { return g.gleaning.Load() }

// Cancel flips the cooperative cancellation flag.
func (g *GleanerControl) Cancel() { g.cancelled.Store(true) }

// Cancelled is polled by workers at work-unit boundaries.
func (g *GleanerControl) Cancelled() bool { return g.cancelled.Load() }

// MarkCompleted counts one worker done.
func (g *GleanerControl) MarkCompleted() { g.completedCount.Add(1) }

// CompletedCount returns how many workers finished.
func (g *GleanerControl) CompletedCount() uint32 { return g.completedCount.Load() }

// PutNodeResult stores one node's reducer output.
func (g *GleanerControl) PutNodeResult(node uint16, r *NodeResult) {
	g.mu.Lock()
	g.results[node] = r
	g.mu.Unlock()
}

// NodeResults returns the per-node reducer outputs.
func (g *GleanerControl) NodeResults() map[uint16]*NodeResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[uint16]*NodeResult, len(g.results))
	for k, v := range g.results {
		out[k] = v
	}
	return out
}

// ControlBlock is the process-wide snapshot state. Every mutable
// field is an atomic or guarded by its owner's mutex; daemons
// communicate through the three wakeup points.
type ControlBlock struct {
	snapshotEpoch      atomic.Uint32
	previousSnapshotId atomic.Uint32
	immediateRequested atomic.Bool

	Gleaner GleanerControl

	SnapshotWakeup         *Wakeup
	SnapshotChildrenWakeup *Wakeup
	SnapshotTaken          *Wakeup
}

func NewControlBlock() *ControlBlock {
	return &ControlBlock{
		SnapshotWakeup:         NewWakeup(),
		SnapshotChildrenWakeup: NewWakeup(),
		SnapshotTaken:          NewWakeup(),
	}
}

// SnapshotEpoch is the epoch of the latest published snapshot.
func (c *ControlBlock) SnapshotEpoch() epoch.Epoch {
	return epoch.Epoch(c.snapshotEpoch.Load())
}

// SetSnapshotEpoch publishes a new snapshot epoch.
func (c *ControlBlock) SetSnapshotEpoch(e epoch.Epoch) {
	c.snapshotEpoch.Store(uint32(e))
}

// PreviousSnapshotId is the id of the latest completed snapshot.
func (c *ControlBlock) PreviousSnapshotId() SnapshotID {
	return SnapshotID(c.previousSnapshotId.Load())
}

// SetPreviousSnapshotId records a completed snapshot id.
func (c *ControlBlock) SetPreviousSnapshotId(id SnapshotID) {
	c.previousSnapshotId.Store(uint32(id))
}

// RequestImmediateSnapshot sets the immediate trigger flag.
func (c *ControlBlock) RequestImmediateSnapshot() {
	c.immediateRequested.Store(true)
}

// TakeImmediateRequest consumes the flag.
func (c *ControlBlock) TakeImmediateRequest() bool {
	return c.immediateRequested.Swap(false)
}

// ImmediateRequested peeks at the flag.
func (c *ControlBlock) ImmediateRequested() bool {
	return c.immediateRequested.Load()
}
