package array

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"ember/log"
	"ember/memory"
	"ember/storage"
)

// Composer folds sorted overwrite logs into snapshot leaf pages and
// installs the result on the live tree.
type Composer struct {
	array *Array
}

var _ storage.Composer = (*Composer)(nil)

// Compose reads this node's sorted sub-stream (key-ordered record
// indexes, ties in ordinal order so the last writer wins), builds
// each touched leaf left to right, and finishes with a partial root
// page whose slots cover only the leaves composed here.
func (c *Composer) Compose(args *storage.ComposeArguments) (storage.SnapshotPagePointer, error) {
	a := c.array
	rpl := a.recordsPerLeaf()

	partialRoot := make([]byte, memory.PageSize)
	composedLeaves := 0

	var leafPage []byte
	curLeaf := uint64(0)
	haveLeaf := false

	flush := func() error {
		ptr, err := args.Writer.WritePage(leafPage)
		if err != nil {
			return err
		}
		binary.BigEndian.PutUint64(partialRoot[curLeaf*8:], uint64(ptr))
		composedLeaves++
		haveLeaf = false
		return nil
	}

	for {
		rec, err := args.Stream.Next()
		if err != nil {
			return 0, err
		}
		if rec == nil {
			break
		}
		if rec.Kind != log.KindOverwrite {
			return 0, errors.Errorf("array: unexpected log kind %d", rec.Kind)
		}
		index, err := DecodeKey(rec.Key)
		if err != nil {
			return 0, err
		}
		if index >= a.length {
			return 0, errors.Errorf("array: log for index %d beyond length %d", index, a.length)
		}
		if uint32(len(rec.Payload)) != a.recordSize {
			return 0, errors.Errorf("array: log payload of %d bytes, want %d", len(rec.Payload), a.recordSize)
		}

		leafIdx := index / rpl
		if haveLeaf && leafIdx != curLeaf {
			if args.Cancel() {
				return 0, errors.New("array: compose cancelled")
			}
			if err := flush(); err != nil {
				return 0, err
			}
		}
		if !haveLeaf {
			leafPage, err = c.baseLeafImage(args, leafIdx)
			if err != nil {
				return 0, err
			}
			curLeaf = leafIdx
			haveLeaf = true
		}

		slot := index % rpl
		copy(leafPage[slot*uint64(a.recordSize):(slot+1)*uint64(a.recordSize)], rec.Payload)
	}

	if !haveLeaf && composedLeaves == 0 {
		// empty sub-stream: nothing composed on this node
		return 0, nil
	}
	if haveLeaf {
		if err := flush(); err != nil {
			return 0, err
		}
	}

	// the partition root is written after every leaf, keeping page
	// ids monotonic with the root last
	return args.Writer.WritePage(partialRoot)
}

// baseLeafImage starts a leaf from its previous snapshot image, or
// zeros for a leaf the base snapshot does not cover.
func (c *Composer) baseLeafImage(args *storage.ComposeArguments, leafIdx uint64) ([]byte, error) {
	page := make([]byte, memory.PageSize)
	if args.BaseRoot.IsNull() {
		return page, nil
	}
	rootPage, err := args.Previous.ReadPage(args.BaseRoot)
	if err != nil {
		return nil, errors.Wrap(err, "reading base root page")
	}
	ptr := storage.SnapshotPagePointer(binary.BigEndian.Uint64(rootPage[leafIdx*8:]))
	if ptr.IsNull() {
		return page, nil
	}
	base, err := args.Previous.ReadPage(ptr)
	if err != nil {
		return nil, errors.Wrap(err, "reading base leaf page")
	}
	copy(page, base)
	return page, nil
}

// ConstructRoot overlays the per-node partition roots onto the base
// snapshot's root and writes the merged root on the designated node.
func (c *Composer) ConstructRoot(args *storage.ConstructRootArguments) (storage.SnapshotPagePointer, error) {
	merged := make([]byte, memory.PageSize)
	if !args.BaseRoot.IsNull() {
		base, err := args.Reader.ReadPage(args.BaseRoot)
		if err != nil {
			return 0, errors.Wrap(err, "reading base root page")
		}
		copy(merged, base)
	}

	for node, nodeRoot := range args.NodeRoots {
		if nodeRoot.IsNull() {
			continue
		}
		if args.Cancel() {
			return 0, errors.New("array: construct-root cancelled")
		}
		partial, err := args.Reader.ReadPage(nodeRoot)
		if err != nil {
			return 0, errors.Wrapf(err, "reading node %d partition root", node)
		}
		for slot := 0; slot < rootSlots; slot++ {
			if ptr := binary.BigEndian.Uint64(partial[slot*8:]); ptr != 0 {
				binary.BigEndian.PutUint64(merged[slot*8:], ptr)
			}
		}
	}

	return args.Writer.WritePage(merged)
}

// ReplacePointers swings every fully covered volatile leaf to its
// snapshot page and enqueues the freed volatile pages. Leaves
// written after the snapshot's valid-until epoch stay volatile.
func (c *Composer) ReplacePointers(args *storage.ReplacePointersArguments) (storage.ReplaceResult, error) {
	a := c.array
	var result storage.ReplaceResult

	rootPage, err := args.Reader.ReadPage(args.NewRoot)
	if err != nil {
		return result, errors.Wrap(err, "reading new root page")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for leafIdx := range a.leaves {
		leaf := &a.leaves[leafIdx]
		if !leaf.present {
			continue
		}
		if args.Cancel() {
			return result, errors.New("array: replace-pointers cancelled")
		}
		if leaf.maxEpoch.IsValid() && args.ValidUntilEpoch.Before(leaf.maxEpoch) {
			// written after the snapshot boundary; not covered
			continue
		}
		ptr := storage.SnapshotPagePointer(binary.BigEndian.Uint64(rootPage[leafIdx*8:]))
		if ptr.IsNull() {
			return result, errors.Errorf("array: snapshot root misses covered leaf %d", leafIdx)
		}
		args.Dropped.Drop(leaf.node, leaf.offset)
		leaf.present = false
		result.InstalledCount++
		result.DroppedCount++
	}

	a.meta.RootSnapshotPageId = args.NewRoot
	return result, nil
}
