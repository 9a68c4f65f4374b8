// Package array implements the array storage type: a fixed-length
// array of fixed-size records addressed by index. Its volatile form
// is a two-level tree of pool pages (one root of leaf pointers, leaf
// pages of packed records); its snapshot form is the same tree laid
// out in snapshot files.
package array

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"ember/epoch"
	"ember/memory"
	"ember/storage"
)

// TypeName tags array storages in metadata.
const TypeName = storage.TypeName("array")

// rootSlots is the leaf fan-out of the root page.
const rootSlots = memory.PageSize / 8

// EncodeKey turns a record index into the sortable log key.
func EncodeKey(index uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, index)
	return key
}

// DecodeKey parses a log key back into a record index.
func DecodeKey(key []byte) (uint64, error) {
	if len(key) != 8 {
		return 0, errors.Errorf("array: key of %d bytes, want 8", len(key))
	}
	return binary.BigEndian.Uint64(key), nil
}

type volatileLeaf struct {
	present  bool
	node     uint16
	offset   memory.PagePoolOffset
	maxEpoch epoch.Epoch
}

// Array is one array storage: the live volatile tree plus the
// composer and partitioner the snapshot pipeline drives.
type Array struct {
	id         storage.StorageId
	name       string
	recordSize uint32
	length     uint64

	nodes  uint16
	mem    *memory.EngineMemory
	reader storage.PageReader
	logger logrus.FieldLogger

	meta        *storage.Metadata
	partitioner *Partitioner

	mu      sync.Mutex
	leaves  []volatileLeaf
	scratch memory.PagePoolOffsetChunk
}

// New builds an array storage of length records of recordSize bytes.
func New(
	id storage.StorageId,
	name string,
	recordSize uint32,
	length uint64,
	nodes uint16,
	mem *memory.EngineMemory,
	logger logrus.FieldLogger,
) (*Array, error) {
	if recordSize == 0 || recordSize > memory.PageSize {
		return nil, errors.Errorf("array: record size %d out of range", recordSize)
	}
	rpl := uint64(memory.PageSize / recordSize)
	leaves := (length + rpl - 1) / rpl
	if leaves == 0 || leaves > rootSlots {
		return nil, errors.Errorf("array: %d records need %d leaves, max %d", length, leaves, rootSlots)
	}
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], recordSize)
	binary.BigEndian.PutUint64(payload[4:12], length)
	a := &Array{
		id:         id,
		name:       name,
		recordSize: recordSize,
		length:     length,
		nodes:      nodes,
		mem:        mem,
		logger:     logger.WithField("storage", name),
		meta: &storage.Metadata{
			Id:      id,
			Type:    TypeName,
			Name:    name,
			Payload: payload,
		},
		leaves: make([]volatileLeaf, leaves),
	}
	a.partitioner = &Partitioner{recordsPerLeaf: rpl, nodes: nodes}
	return a, nil
}

// FromMetadata rebuilds an array storage from a persisted metadata
// record.
func FromMetadata(
	meta *storage.Metadata,
	nodes uint16,
	mem *memory.EngineMemory,
	logger logrus.FieldLogger,
) (*Array, error) {
	if meta.Type != TypeName {
		return nil, errors.Errorf("array: metadata of type %q", meta.Type)
	}
	if len(meta.Payload) != 12 {
		return nil, errors.Errorf("array: metadata payload of %d bytes", len(meta.Payload))
	}
	recordSize := binary.BigEndian.Uint32(meta.Payload[0:4])
	length := binary.BigEndian.Uint64(meta.Payload[4:12])
	a, err := New(meta.Id, meta.Name, recordSize, length, nodes, mem, logger)
	if err != nil {
		return nil, err
	}
	a.meta.RootSnapshotPageId = meta.RootSnapshotPageId
	return a, nil
}

// SetPageReader wires the snapshot file reader used for read-through
// of snapshot pages.
func (a *Array) SetPageReader(r storage.PageReader) { a.reader = r }

func (a *Array) Id() storage.StorageId            { return a.id }
func (a *Array) Type() storage.TypeName           { return TypeName }
func (a *Array) Metadata() *storage.Metadata      { return a.meta }
func (a *Array) Partitioner() storage.Partitioner { return a.partitioner }
func (a *Array) Composer() storage.Composer       { return &Composer{array: a} }

// Length returns the number of records.
func (a *Array) Length() uint64 { return a.length }

// RecordSize returns the fixed record payload size.
func (a *Array) RecordSize() uint32 { return a.recordSize }

func (a *Array) recordsPerLeaf() uint64 { return uint64(memory.PageSize / a.recordSize) }

// Write overwrites one record at the given epoch, materializing the
// leaf as a volatile page on its owning node if needed. It returns
// memory.ErrNoFreePages as backpressure when that node's pool is
// empty.
func (a *Array) Write(index uint64, payload []byte, e epoch.Epoch) error {
	if index >= a.length {
		return errors.Errorf("array: index %d out of range (length %d)", index, a.length)
	}
	if uint32(len(payload)) != a.recordSize {
		return errors.Errorf("array: payload of %d bytes, want %d", len(payload), a.recordSize)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	leafIdx := index / a.recordsPerLeaf()
	page, err := a.ensureVolatileLeafLocked(leafIdx)
	if err != nil {
		return err
	}
	slot := index % a.recordsPerLeaf()
	copy(page[slot*uint64(a.recordSize):(slot+1)*uint64(a.recordSize)], payload)
	if a.leaves[leafIdx].maxEpoch.Before(e) {
		a.leaves[leafIdx].maxEpoch = e
	}
	return nil
}

// Read copies one record out, preferring the volatile leaf and
// falling back to the latest snapshot page, then to zeros for a
// never-written record.
func (a *Array) Read(index uint64) ([]byte, error) {
	if index >= a.length {
		return nil, errors.Errorf("array: index %d out of range (length %d)", index, a.length)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	leafIdx := index / a.recordsPerLeaf()
	slot := index % a.recordsPerLeaf()
	out := make([]byte, a.recordSize)

	if leaf := &a.leaves[leafIdx]; leaf.present {
		page := a.mem.NodeMemory(leaf.node).VolatilePool().Resolver().Resolve(leaf.offset)
		copy(out, page[slot*uint64(a.recordSize):])
		return out, nil
	}

	page, err := a.snapshotLeafLocked(leafIdx)
	if err != nil {
		return nil, err
	}
	if page != nil {
		copy(out, page[slot*uint64(a.recordSize):])
	}
	return out, nil
}

// snapshotLeafLocked reads the leaf's page from the latest snapshot,
// or nil when the snapshot does not cover it.
func (a *Array) snapshotLeafLocked(leafIdx uint64) ([]byte, error) {
	root := a.meta.RootSnapshotPageId
	if root.IsNull() {
		return nil, nil
	}
	rootPage, err := a.reader.ReadPage(root)
	if err != nil {
		return nil, errors.Wrap(err, "reading snapshot root page")
	}
	ptr := storage.SnapshotPagePointer(binary.BigEndian.Uint64(rootPage[leafIdx*8:]))
	if ptr.IsNull() {
		return nil, nil
	}
	page, err := a.reader.ReadPage(ptr)
	if err != nil {
		return nil, errors.Wrap(err, "reading snapshot leaf page")
	}
	return page, nil
}

// ensureVolatileLeafLocked materializes (or returns) the volatile
// page of one leaf, reading through from the latest snapshot.
func (a *Array) ensureVolatileLeafLocked(leafIdx uint64) ([]byte, error) {
	leaf := &a.leaves[leafIdx]
	node := a.partitioner.leafNode(leafIdx)
	pool := a.mem.NodeMemory(node).VolatilePool()
	if leaf.present {
		return pool.Resolver().Resolve(leaf.offset), nil
	}

	if err := pool.Grab(1, &a.scratch); err != nil {
		return nil, err
	}
	offset := a.scratch.PopBack()
	page := pool.Resolver().Resolve(offset)

	base, err := a.snapshotLeafLocked(leafIdx)
	if err != nil {
		a.scratch.PushBack(offset)
		pool.Release(1, &a.scratch)
		return nil, err
	}
	if base != nil {
		copy(page, base)
	} else {
		for i := range page {
			page[i] = 0
		}
	}

	*leaf = volatileLeaf{present: true, node: node, offset: offset}
	return page, nil
}

// VolatileLeafCount reports how many leaves are materialized, for
// tests and diagnostics.
func (a *Array) VolatileLeafCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	count := 0
	for i := range a.leaves {
		if a.leaves[i].present {
			count++
		}
	}
	return count
}
