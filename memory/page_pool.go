package memory

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrNoFreePages is the one recoverable pool failure. Callers treat
// it as backpressure, not corruption.
var ErrNoFreePages = errors.New("memory: no free pages left in the pool")

// MinPoolBytes is the smallest arena the pool accepts.
const MinPoolBytes = 2 << 20

// PagePool owns a contiguous arena of fixed-size pages bound to one
// NUMA node and a circular free-list of their offsets.
//
// The first pagesForFreePool pages of the arena are accounted to the
// free-list itself and never handed out, so every grabbed offset lies
// in [pagesForFreePool, poolSize).
type PagePool struct {
	node   uint16
	arena  []byte
	logger logrus.FieldLogger

	poolSize         uint64
	pagesForFreePool uint64

	mu               sync.Mutex
	freePool         []PagePoolOffset
	freePoolCapacity uint64
	freePoolHead     uint64
	freePoolCount    uint64

	resolver LocalPageResolver
}

// NewPagePool acquires an arena of sizeBytes on the given node and
// constructs the circular free pool over it.
func NewPagePool(node uint16, sizeBytes uint64, logger logrus.FieldLogger) (*PagePool, error) {
	if sizeBytes < MinPoolBytes {
		return nil, errors.Errorf("memory: page pool size %d below minimum %d", sizeBytes, MinPoolBytes)
	}
	if sizeBytes%PageSize != 0 {
		return nil, errors.Errorf("memory: page pool size %d not page aligned", sizeBytes)
	}

	p := &PagePool{
		node:   node,
		arena:  make([]byte, sizeBytes),
		logger: logger.WithField("component", "page_pool").WithField("node", node),
	}
	p.poolSize = sizeBytes / PageSize

	// Pages consumed by the free-list bookkeeping are reserved off the
	// front of the arena, matching the offsets the pool will never
	// hand out.
	pointersTotal := p.poolSize * 4
	p.pagesForFreePool = (pointersTotal + PageSize - 1) / PageSize
	p.freePoolCapacity = p.poolSize - p.pagesForFreePool

	p.freePool = make([]PagePoolOffset, p.freePoolCapacity)
	for i := uint64(0); i < p.freePoolCapacity; i++ {
		p.freePool[i] = PagePoolOffset(p.pagesForFreePool + i)
	}
	p.freePoolHead = 0
	p.freePoolCount = p.freePoolCapacity
	p.resolver = LocalPageResolver{
		arena: p.arena,
		begin: PagePoolOffset(p.pagesForFreePool),
		end:   PagePoolOffset(p.poolSize),
	}

	p.logger.WithFields(logrus.Fields{
		"pages":               p.poolSize,
		"pages_for_free_pool": p.pagesForFreePool,
		"capacity":            p.freePoolCapacity,
	}).Info("constructed circular free pool")
	return p, nil
}

// Node returns the NUMA node this pool is bound to.
func (p *PagePool) Node() uint16 { return p.node }

// Capacity returns the number of grabbable pages.
func (p *PagePool) Capacity() uint64 { return p.freePoolCapacity }

// FreeCount returns the current number of free pages.
func (p *PagePool) FreeCount() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freePoolCount
}

// Resolver translates offsets of this pool into page slices.
func (p *PagePool) Resolver() *LocalPageResolver { return &p.resolver }

// Grab transfers up to desired offsets from the head of the free
// list into chunk. A partial grant is success; an empty pool returns
// ErrNoFreePages.
func (p *PagePool) Grab(desired uint32, chunk *PagePoolOffsetChunk) error {
	if chunk.Size()+desired > chunk.Capacity() {
		return errors.Errorf("memory: grab of %d does not fit chunk (size=%d)", desired, chunk.Size())
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.freePoolCount == 0 {
		p.logger.Warn("no more free pages left in the pool")
		return ErrNoFreePages
	}

	grab := uint64(desired)
	if grab > p.freePoolCount {
		grab = p.freePoolCount
	}
	if p.freePoolHead+grab > p.freePoolCapacity {
		// wrap around
		wrap := p.freePoolCapacity - p.freePoolHead
		chunk.PushBackMany(p.freePool[p.freePoolHead : p.freePoolHead+wrap])
		p.freePoolHead = 0
		p.freePoolCount -= wrap
		grab -= wrap
	}
	chunk.PushBackMany(p.freePool[p.freePoolHead : p.freePoolHead+grab])
	p.freePoolHead += grab
	p.freePoolCount -= grab
	return nil
}

// Release appends desired offsets from the tail of chunk to the tail
// of the free list. Releasing more pages than the pool ever handed
// out means a double free somewhere; the pool is then inconsistent
// and the process must not continue allocating from it.
func (p *PagePool) Release(desired uint32, chunk *PagePoolOffsetChunk) {
	if chunk.Size() < desired {
		p.logger.Panicf("release of %d pages from chunk of size %d", desired, chunk.Size())
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.freePoolCount+uint64(desired) > p.freePoolCapacity {
		p.logger.Panicf("release would exceed pool capacity: duplicate page suspected (count=%d desired=%d capacity=%d)",
			p.freePoolCount, desired, p.freePoolCapacity)
	}

	release := uint64(desired)
	tail := p.freePoolHead + p.freePoolCount
	if tail >= p.freePoolCapacity {
		tail -= p.freePoolCapacity
	}
	if tail+release > p.freePoolCapacity {
		// wrap around
		wrap := p.freePoolCapacity - tail
		chunk.MoveTo(p.freePool[tail:tail+wrap], uint32(wrap))
		p.freePoolCount += wrap
		release -= wrap
		tail = 0
	}
	chunk.MoveTo(p.freePool[tail:tail+release], uint32(release))
	p.freePoolCount += release
}

// Close tears the pool down. Missing pages are a smell of a leak but
// the arena is going away regardless, so it is only a warning.
func (p *PagePool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.freePoolCount != p.freePoolCapacity {
		p.logger.WithFields(logrus.Fields{
			"count":    p.freePoolCount,
			"capacity": p.freePoolCapacity,
		}).Warn("page pool has not received back all free pages by teardown")
	}
	p.arena = nil
	p.freePool = nil
}
