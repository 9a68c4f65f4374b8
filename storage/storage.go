// Package storage defines storage identity, snapshot page addressing,
// per-storage metadata, and the composer/partitioner capabilities the
// snapshot pipeline drives. Concrete storage types live in
// subpackages and register through the Manager.
package storage

import (
	"encoding/hex"
	"encoding/xml"

	"github.com/pkg/errors"

	"ember/memory"
)

// StorageId identifies one storage. 0 is never allocated.
type StorageId uint32

// TypeName tags a storage type for metadata and composer dispatch.
type TypeName string

// HexBytes serializes binary payloads as hex attributes so metadata
// stays a well-formed XML document.
type HexBytes []byte

func (h HexBytes) MarshalXMLAttr(name xml.Name) (xml.Attr, error) {
	return xml.Attr{Name: name, Value: hex.EncodeToString(h)}, nil
}

func (h *HexBytes) UnmarshalXMLAttr(attr xml.Attr) error {
	decoded, err := hex.DecodeString(attr.Value)
	if err != nil {
		return errors.Wrap(err, "decoding metadata payload")
	}
	*h = decoded
	return nil
}

// Metadata is the durable description of one storage. It round-trips
// through the snapshot metadata file.
type Metadata struct {
	Id                 StorageId           `xml:"id,attr"`
	Type               TypeName            `xml:"type,attr"`
	Name               string              `xml:"name,attr"`
	RootSnapshotPageId SnapshotPagePointer `xml:"root_snapshot_page_id,attr"`
	// Payload carries type-specific fields (record size, array
	// length, ...) serialized by the owning storage type.
	Payload HexBytes `xml:"payload,attr"`
}

// Clone returns a deep copy.
func (m *Metadata) Clone() *Metadata {
	c := *m
	c.Payload = append(HexBytes(nil), m.Payload...)
	return &c
}

// Storage is the live side of one storage: the volatile tree the
// composer installs snapshot pointers into.
type Storage interface {
	Id() StorageId
	Type() TypeName
	Metadata() *Metadata
	// Partitioner maps keys of this storage to owning nodes.
	Partitioner() Partitioner
	// Composer builds snapshot pages and installs pointers for this
	// storage type.
	Composer() Composer
}

// Manager enumerates storages and acts as the composer factory.
type Manager struct {
	storages map[StorageId]Storage
	largest  StorageId
}

func NewManager() *Manager {
	return &Manager{storages: make(map[StorageId]Storage)}
}

// Register adds a storage. Ids must be allocated densely from 1 by
// the caller; the manager only tracks the largest.
func (m *Manager) Register(s Storage) error {
	id := s.Id()
	if id == 0 {
		return errors.New("storage: id 0 is reserved")
	}
	if _, dup := m.storages[id]; dup {
		return errors.Errorf("storage: duplicate storage id %d", id)
	}
	m.storages[id] = s
	if id > m.largest {
		m.largest = id
	}
	return nil
}

// Get returns the storage or nil.
func (m *Manager) Get(id StorageId) Storage { return m.storages[id] }

// LargestStorageId returns the largest allocated id.
func (m *Manager) LargestStorageId() StorageId { return m.largest }

// ComposerFor returns the composer for the storage, or an error for
// an unknown id.
func (m *Manager) ComposerFor(id StorageId) (Composer, error) {
	s := m.storages[id]
	if s == nil {
		return nil, errors.Errorf("storage: no storage with id %d", id)
	}
	return s.Composer(), nil
}

// PartitionerFor returns the partitioner for the storage.
func (m *Manager) PartitionerFor(id StorageId) (Partitioner, error) {
	s := m.storages[id]
	if s == nil {
		return nil, errors.Errorf("storage: no storage with id %d", id)
	}
	return s.Partitioner(), nil
}

// CloneAllStorageMetadata deep-copies the metadata of every storage,
// ordered by id.
func (m *Manager) CloneAllStorageMetadata() []*Metadata {
	out := make([]*Metadata, 0, len(m.storages))
	for id := StorageId(1); id <= m.largest; id++ {
		if s, ok := m.storages[id]; ok {
			out = append(out, s.Metadata().Clone())
		}
	}
	return out
}

// DroppedChunks is the per-node set of volatile pages freed during
// pointer replacement. The caller flushes full chunks to the owning
// node's pool mid-run and the remainder at the end.
type DroppedChunks struct {
	Chunks []*memory.PagePoolOffsetChunk
	Memory *memory.EngineMemory
}

// NewDroppedChunks builds one empty chunk per node.
func NewDroppedChunks(mem *memory.EngineMemory) *DroppedChunks {
	chunks := make([]*memory.PagePoolOffsetChunk, mem.NodeCount())
	for i := range chunks {
		chunks[i] = &memory.PagePoolOffsetChunk{}
	}
	return &DroppedChunks{Chunks: chunks, Memory: mem}
}

// Drop enqueues one freed volatile page, flushing to the owning pool
// when the chunk fills.
func (d *DroppedChunks) Drop(node uint16, offset memory.PagePoolOffset) {
	chunk := d.Chunks[node]
	if chunk.Full() {
		d.Memory.NodeMemory(node).VolatilePool().Release(chunk.Size(), chunk)
	}
	chunk.PushBack(offset)
}

// Flush releases every buffered offset back to its pool.
func (d *DroppedChunks) Flush() {
	for node, chunk := range d.Chunks {
		if !chunk.Empty() {
			d.Memory.NodeMemory(uint16(node)).VolatilePool().Release(chunk.Size(), chunk)
		}
	}
}
