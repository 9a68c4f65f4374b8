package snapshot

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"ember/memory"
	"ember/storage"
)

// Folders resolves the on-disk layout of snapshot files from the
// configured folder path pattern.
type Folders struct {
	// Pattern contains a $NODE$ placeholder, e.g.
	// "snapshots/node_$NODE$".
	Pattern string
}

// NodePath returns the folder holding one node's snapshot files.
func (f Folders) NodePath(node uint16) string {
	return strings.ReplaceAll(f.Pattern, "$NODE$", fmt.Sprintf("%d", node))
}

// PrimaryPath is where snapshot metadata lives: node 0's folder.
func (f Folders) PrimaryPath() string {
	return f.NodePath(0)
}

// DataFilePath returns one node's data file for one snapshot.
func (f Folders) DataFilePath(node uint16, id SnapshotID) string {
	return filepath.Join(f.NodePath(node), fmt.Sprintf("snapshot_%d.data", id))
}

// MetadataFilePath returns the metadata file for one snapshot.
func (f Folders) MetadataFilePath(id SnapshotID) string {
	return filepath.Join(f.PrimaryPath(), fmt.Sprintf("snapshot_metadata_%d.xml", id))
}

// Writer emits one node's snapshot data file. Local page ids start
// at 1 (0 stays the null page) and increase monotonically, so a
// composer writes leaves left to right and the root last.
type Writer struct {
	folders  Folders
	node     uint16
	id       SnapshotID
	file     *os.File
	buffered *bufio.Writer
	nextId   uint32
}

var _ storage.PageWriter = (*Writer)(nil)

// CreateWriter creates the node's data file for a new snapshot.
func CreateWriter(folders Folders, node uint16, id SnapshotID) (*Writer, error) {
	dir := folders.NodePath(node)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating snapshot folder %s", dir)
	}
	path := folders.DataFilePath(node, id)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "creating snapshot file %s", path)
	}
	return &Writer{
		folders:  folders,
		node:     node,
		id:       id,
		file:     f,
		buffered: bufio.NewWriterSize(f, 1<<20),
		nextId:   1,
	}, nil
}

// OpenWriterAppend reopens a node's data file to continue writing
// after pagesWritten pages, used by the master to append the final
// storage roots.
func OpenWriterAppend(folders Folders, node uint16, id SnapshotID, pagesWritten uint32) (*Writer, error) {
	path := folders.DataFilePath(node, id)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "reopening snapshot file %s", path)
	}
	return &Writer{
		folders:  folders,
		node:     node,
		id:       id,
		file:     f,
		buffered: bufio.NewWriterSize(f, 1<<20),
		nextId:   pagesWritten + 1,
	}, nil
}

// Node returns the node whose file this writer feeds.
func (w *Writer) Node() uint16 { return w.node }

// PagesWritten returns the number of pages emitted so far.
func (w *Writer) PagesWritten() uint32 { return w.nextId - 1 }

// WritePage appends one page image and returns its stable pointer.
func (w *Writer) WritePage(page []byte) (storage.SnapshotPagePointer, error) {
	if len(page) != memory.PageSize {
		return 0, errors.Errorf("snapshot: page of %d bytes, want %d", len(page), memory.PageSize)
	}
	if _, err := w.buffered.Write(page); err != nil {
		return 0, errors.Wrap(err, "writing snapshot page")
	}
	ptr := storage.NewSnapshotPagePointer(uint16(w.id), w.node, w.nextId)
	w.nextId++
	return ptr, nil
}

// Close flushes, fsyncs and closes the data file.
func (w *Writer) Close() error {
	if err := w.buffered.Flush(); err != nil {
		return errors.Wrap(err, "flushing snapshot file")
	}
	if err := w.file.Sync(); err != nil {
		return errors.Wrap(err, "fsyncing snapshot file")
	}
	return w.file.Close()
}

// FileSet resolves snapshot page pointers across nodes and snapshot
// ids, caching open file handles.
type FileSet struct {
	folders Folders

	mu    sync.Mutex
	files map[uint32]*os.File
}

var _ storage.PageReader = (*FileSet)(nil)

func NewFileSet(folders Folders) *FileSet {
	return &FileSet{folders: folders, files: make(map[uint32]*os.File)}
}

func fileKey(id uint16, node uint16) uint32 {
	return uint32(id)<<16 | uint32(node)
}

// ReadPage reads the page a pointer addresses.
func (s *FileSet) ReadPage(ptr storage.SnapshotPagePointer) ([]byte, error) {
	if ptr.IsNull() {
		return nil, errors.New("snapshot: reading the null page pointer")
	}
	if ptr.LocalPageId() == 0 {
		return nil, errors.Errorf("snapshot: pointer %s has no local page", ptr)
	}
	f, err := s.open(ptr.SnapshotId(), ptr.Node())
	if err != nil {
		return nil, err
	}
	page := make([]byte, memory.PageSize)
	offset := int64(ptr.LocalPageId()-1) * memory.PageSize
	if _, err := f.ReadAt(page, offset); err != nil {
		return nil, errors.Wrapf(err, "reading page %s", ptr)
	}
	return page, nil
}

func (s *FileSet) open(id uint16, node uint16) (*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fileKey(id, node)
	if f, ok := s.files[key]; ok {
		return f, nil
	}
	path := s.folders.DataFilePath(node, SnapshotID(id))
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening snapshot file %s", path)
	}
	s.files[key] = f
	return f, nil
}

// Close closes every cached file handle.
func (s *FileSet) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for _, f := range s.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	s.files = make(map[uint32]*os.File)
	return first
}
