// Package snapshot implements the snapshot pipeline: the master and
// child daemons, the per-run gleaner, the log mappers and reducers,
// snapshot files and metadata, and the pointer-replacement protocol
// against the live transaction system.
package snapshot

import (
	"ember/epoch"
	"ember/storage"
)

// SnapshotID identifies one snapshot. 0 is the null id.
type SnapshotID uint16

// NullSnapshotID is reserved and never allocated.
const NullSnapshotID = SnapshotID(0)

// Increment returns the successor id, wrapping past the maximum and
// skipping the null id.
func (id SnapshotID) Increment() SnapshotID {
	n := id + 1
	if n == NullSnapshotID {
		n = 1
	}
	return n
}

// Snapshot describes one snapshot run. It is immutable once
// published.
type Snapshot struct {
	Id SnapshotID
	// BaseEpoch is the predecessor snapshot's ValidUntilEpoch, or
	// invalid for the first snapshot.
	BaseEpoch epoch.Epoch
	// ValidUntilEpoch is the durable epoch captured at trigger time.
	// Every committed transaction at or before it is in the snapshot.
	ValidUntilEpoch epoch.Epoch
	// MaxStorageId is the largest allocated storage id at trigger
	// time.
	MaxStorageId storage.StorageId
	// NewRootPointers maps each storage touched by this snapshot to
	// its new root page. Populated by the gleaner.
	NewRootPointers map[storage.StorageId]storage.SnapshotPagePointer
}
