package snapshot

import (
	"sync"

	"ember/log"
)

// Batch is one mapper handoff unit: records destined for a single
// reducer, in no particular order yet.
type Batch struct {
	Records []*log.Record
}

// BatchRing is the bounded mapper-to-reducer handoff buffer. Mappers
// block on a full ring (backpressure); the reducer drains it. Both
// sides observe cancellation so a cancelled run cannot deadlock on a
// full or empty ring.
type BatchRing struct {
	mu       sync.Mutex
	notFull  *sync.Cond
	notEmpty *sync.Cond

	buf  []*Batch
	mask uint64
	head uint64
	tail uint64

	producers     int
	doneProducers int
	cancelled     bool
}

// NewBatchRing allocates a ring of pow2 slots fed by the given number
// of producers.
func NewBatchRing(pow2 uint64, producers int) *BatchRing {
	r := &BatchRing{
		buf:       make([]*Batch, pow2),
		mask:      pow2 - 1,
		producers: producers,
	}
	r.notFull = sync.NewCond(&r.mu)
	r.notEmpty = sync.NewCond(&r.mu)
	return r
}

// Push enqueues one batch, blocking while the ring is full. It
// returns false when the run was cancelled instead.
func (r *BatchRing) Push(b *Batch) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.head-r.tail == uint64(len(r.buf)) && !r.cancelled {
		r.notFull.Wait()
	}
	if r.cancelled {
		return false
	}
	r.buf[r.head&r.mask] = b
	r.head++
	r.notEmpty.Signal()
	return true
}

// Pop dequeues the next batch, blocking while the ring is empty and
// producers remain. It returns nil once every producer is done and
// the ring is drained, or once the run is cancelled.
func (r *BatchRing) Pop() *Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.head == r.tail && r.doneProducers < r.producers && !r.cancelled {
		r.notEmpty.Wait()
	}
	if r.cancelled || r.head == r.tail {
		return nil
	}
	b := r.buf[r.tail&r.mask]
	r.buf[r.tail&r.mask] = nil
	r.tail++
	r.notFull.Signal()
	return b
}

// ProducerDone signals that one mapper finished feeding this ring.
func (r *BatchRing) ProducerDone() {
	r.mu.Lock()
	r.doneProducers++
	r.mu.Unlock()
	r.notEmpty.Broadcast()
}

// Cancel unblocks both sides of a cancelled run.
func (r *BatchRing) Cancel() {
	r.mu.Lock()
	r.cancelled = true
	r.mu.Unlock()
	r.notFull.Broadcast()
	r.notEmpty.Broadcast()
}

// Len returns the number of buffered batches.
func (r *BatchRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.head - r.tail)
}
