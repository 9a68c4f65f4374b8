package memory

import (
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T) *PagePool {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	pool, err := NewPagePool(0, MinPoolBytes, logger)
	require.NoError(t, err)
	return pool
}

func TestPagePool_RejectsTinyArena(t *testing.T) {
	logger := logrus.New()
	_, err := NewPagePool(0, MinPoolBytes-PageSize, logger)
	require.Error(t, err)
}

func TestPagePool_GrabRelease(t *testing.T) {
	pool := newTestPool(t)
	defer pool.Close()
	initial := pool.FreeCount()

	var chunk PagePoolOffsetChunk
	require.NoError(t, pool.Grab(64, &chunk))
	require.EqualValues(t, 64, chunk.Size())
	assert.Equal(t, initial-64, pool.FreeCount())

	// every offset is unique and outside the free-pool reservation
	seen := map[PagePoolOffset]bool{}
	for _, off := range chunk.Snapshot() {
		require.False(t, seen[off], "duplicate offset %d", off)
		seen[off] = true
		require.GreaterOrEqual(t, off, pool.Resolver().Begin())
		require.Less(t, off, pool.Resolver().End())
	}

	pool.Release(64, &chunk)
	assert.True(t, chunk.Empty())
	assert.Equal(t, initial, pool.FreeCount())
}

func TestPagePool_PartialGrant(t *testing.T) {
	pool := newTestPool(t)
	defer pool.Close()
	capacity := pool.Capacity()
	require.Less(t, capacity, uint64(ChunkCapacity))

	var chunk PagePoolOffsetChunk
	require.NoError(t, pool.Grab(ChunkCapacity, &chunk))
	assert.EqualValues(t, capacity, chunk.Size(), "partial grant hands out everything available")
	assert.EqualValues(t, 0, pool.FreeCount())

	var empty PagePoolOffsetChunk
	err := pool.Grab(1, &empty)
	require.ErrorIs(t, err, ErrNoFreePages)

	pool.Release(chunk.Size(), &chunk)
	assert.Equal(t, capacity, pool.FreeCount())
}

func TestPagePool_WrapAround(t *testing.T) {
	pool := newTestPool(t)
	defer pool.Close()
	capacity := pool.Capacity()

	// Walk the head once around the circle and past its start, then
	// grab a span that must be served in two segments.
	var chunk PagePoolOffsetChunk
	rounds := int(capacity/100) + 2
	for i := 0; i < rounds; i++ {
		require.NoError(t, pool.Grab(100, &chunk))
		pool.Release(chunk.Size(), &chunk)
		require.Equal(t, capacity, pool.FreeCount())
	}

	require.NoError(t, pool.Grab(uint32(capacity), &chunk))
	require.EqualValues(t, capacity, chunk.Size())
	seen := map[PagePoolOffset]bool{}
	for _, off := range chunk.Snapshot() {
		require.False(t, seen[off])
		seen[off] = true
	}
	pool.Release(chunk.Size(), &chunk)
}

func TestPagePool_OverReleasePanics(t *testing.T) {
	pool := newTestPool(t)
	defer pool.Close()

	var bogus PagePoolOffsetChunk
	bogus.PushBack(pool.Resolver().Begin())
	require.Panics(t, func() {
		pool.Release(1, &bogus)
	})
}

func TestPagePool_Contention(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	pool, err := NewPagePool(0, 8<<20, logger)
	require.NoError(t, err)
	initial := pool.FreeCount()

	const workers = 8
	const iterations = 200
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var chunk PagePoolOffsetChunk
			for i := 0; i < iterations; i++ {
				if err := pool.Grab(128, &chunk); err != nil {
					continue // backpressure, try again next round
				}
				pool.Release(chunk.Size(), &chunk)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, initial, pool.FreeCount(), "pool eventually returns to full")
	pool.Close()
}

func TestChunk_MoveTo(t *testing.T) {
	var chunk PagePoolOffsetChunk
	for i := PagePoolOffset(10); i < 20; i++ {
		chunk.PushBack(i)
	}
	dst := make([]PagePoolOffset, 4)
	chunk.MoveTo(dst, 4)
	assert.EqualValues(t, 6, chunk.Size())
	assert.Equal(t, []PagePoolOffset{16, 17, 18, 19}, dst)
}
