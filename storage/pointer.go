package storage

import "fmt"

// SnapshotPagePointer is the stable 64-bit address of a page inside a
// snapshot file: snapshot_id:16 | node:16 | local_page_id:32. The
// layout is fixed so pointers round-trip through metadata across
// runs.
type SnapshotPagePointer uint64

// NewSnapshotPagePointer packs the three components.
func NewSnapshotPagePointer(snapshotId uint16, node uint16, localPageId uint32) SnapshotPagePointer {
	return SnapshotPagePointer(uint64(snapshotId)<<48 | uint64(node)<<32 | uint64(localPageId))
}

// SnapshotId returns the owning snapshot.
func (p SnapshotPagePointer) SnapshotId() uint16 { return uint16(p >> 48) }

// Node returns the node whose snapshot file holds the page.
func (p SnapshotPagePointer) Node() uint16 { return uint16(p >> 32) }

// LocalPageId returns the page's position inside that file.
func (p SnapshotPagePointer) LocalPageId() uint32 { return uint32(p) }

// IsNull reports whether the pointer addresses nothing.
func (p SnapshotPagePointer) IsNull() bool { return p == 0 }

func (p SnapshotPagePointer) String() string {
	return fmt.Sprintf("snapshot-%d/node-%d/page-%d", p.SnapshotId(), p.Node(), p.LocalPageId())
}
