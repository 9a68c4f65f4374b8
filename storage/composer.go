package storage

import (
	"ember/epoch"
	"ember/log"
)

// PageWriter is where a composer emits snapshot pages. Page ids
// increase monotonically within one node's snapshot file, so a
// composer writes leaves left to right and the root page last.
type PageWriter interface {
	// WritePage appends one page image and returns its pointer.
	WritePage(page []byte) (SnapshotPagePointer, error)
	// Node returns the node whose snapshot file this writer feeds.
	Node() uint16
}

// PageReader resolves snapshot page pointers, across nodes and prior
// snapshots.
type PageReader interface {
	ReadPage(ptr SnapshotPagePointer) ([]byte, error)
}

// LogStream is one fully sorted stream of log records for a single
// storage: ordered by (key, ordinal), ties resolved in ordinal order
// so the last writer wins.
type LogStream interface {
	// Next returns the next record, or nil at end of stream.
	Next() (*log.Record, error)
}

// CancelCheck is polled at work-unit boundaries; composers exit with
// a cancellation error when it returns true.
type CancelCheck func() bool

// ComposeArguments feed one Compose call on one node.
type ComposeArguments struct {
	Writer    PageWriter
	Previous  PageReader
	Stream    LogStream
	BaseEpoch epoch.Epoch
	// BaseRoot is this storage's root in the previous snapshot, null
	// for the first snapshot.
	BaseRoot SnapshotPagePointer
	Cancel   CancelCheck
}

// ConstructRootArguments feed the master-side aggregation of
// per-node roots for one touched storage.
type ConstructRootArguments struct {
	Writer PageWriter
	Reader PageReader
	// NodeRoots is indexed by node; a null pointer means that node's
	// reducer saw no records for this storage.
	NodeRoots []SnapshotPagePointer
	BaseRoot  SnapshotPagePointer
	Cancel    CancelCheck
}

// ReplacePointersArguments feed one ReplacePointers call, made while
// transaction acceptance is paused.
type ReplacePointersArguments struct {
	SnapshotId      uint16
	ValidUntilEpoch epoch.Epoch
	Reader          PageReader
	NewRoot         SnapshotPagePointer
	Dropped         *DroppedChunks
	Cancel          CancelCheck
}

// ReplaceResult counts the installation work done.
type ReplaceResult struct {
	InstalledCount uint64
	DroppedCount   uint64
}

// Composer is the per-storage-type strategy of the snapshot pipeline:
// fold sorted logs into snapshot pages, aggregate per-node roots, and
// install the result on the live tree.
type Composer interface {
	// Compose folds args.Stream into snapshot pages through
	// args.Writer and returns the new root pointer for this node's
	// partition. A stream with no records returns a null pointer.
	Compose(args *ComposeArguments) (SnapshotPagePointer, error)

	// ConstructRoot combines per-node partition roots into the final
	// storage root on the designated node. The gleaner calls it for
	// every touched storage, partitioned or not; for a non-partitioned
	// storage NodeRoots holds a single non-null entry.
	ConstructRoot(args *ConstructRootArguments) (SnapshotPagePointer, error)

	// ReplacePointers walks the live volatile tree, swings pointers
	// whose subtrees are fully covered by the new snapshot, and
	// enqueues every freed volatile page into args.Dropped.
	ReplacePointers(args *ReplacePointersArguments) (ReplaceResult, error)
}

// Partitioner maps keys of one storage to the owning node.
type Partitioner interface {
	// NodeOf returns the reducer node owning the key.
	NodeOf(key []byte) uint16
	// RootNode returns the designated node that composes and owns the
	// storage's final root.
	RootNode() uint16
	// Partitioned reports whether records of this storage spread over
	// more than one node.
	Partitioned() bool
}
