package memory

// ChunkCapacity is the number of offsets one chunk can carry. Grab
// and release move at most one chunk per lock acquisition.
const ChunkCapacity = 1 << 12

// PagePoolOffsetChunk is a bounded buffer of page offsets exchanged
// at the pool boundary. It is not thread safe; each worker owns its
// chunks.
type PagePoolOffsetChunk struct {
	size    uint32
	offsets [ChunkCapacity]PagePoolOffset
}

func (c *PagePoolOffsetChunk) Size() uint32     { return c.size }
func (c *PagePoolOffsetChunk) Capacity() uint32 { return ChunkCapacity }
func (c *PagePoolOffsetChunk) Empty() bool      { return c.size == 0 }
func (c *PagePoolOffsetChunk) Full() bool       { return c.size == ChunkCapacity }

// Clear forgets all offsets without releasing them anywhere.
func (c *PagePoolOffsetChunk) Clear() { c.size = 0 }

// PushBack appends a single offset. The caller checks Full first.
func (c *PagePoolOffsetChunk) PushBack(offset PagePoolOffset) {
	c.offsets[c.size] = offset
	c.size++
}

// PopBack removes and returns the last offset. The caller checks
// Empty first.
func (c *PagePoolOffsetChunk) PopBack() PagePoolOffset {
	c.size--
	return c.offsets[c.size]
}

// PushBackMany appends a run of offsets from src.
func (c *PagePoolOffsetChunk) PushBackMany(src []PagePoolOffset) {
	copy(c.offsets[c.size:], src)
	c.size += uint32(len(src))
}

// MoveTo pops count offsets off the tail into dst. dst must have room
// for count entries.
func (c *PagePoolOffsetChunk) MoveTo(dst []PagePoolOffset, count uint32) {
	c.size -= count
	copy(dst[:count], c.offsets[c.size:c.size+count])
}

// Snapshot copies the live offsets out, mostly for tests and
// diagnostics.
func (c *PagePoolOffsetChunk) Snapshot() []PagePoolOffset {
	out := make([]PagePoolOffset, c.size)
	copy(out, c.offsets[:c.size])
	return out
}
