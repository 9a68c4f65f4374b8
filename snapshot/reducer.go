package snapshot

import (
	"bytes"
	"container/heap"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"ember/log"
	"ember/storage"
)

// defaultSpillBytes is the in-memory buffering threshold before the
// reducer sorts and spills a run to disk.
const defaultSpillBytes = 64 << 20

// LogReducer is the per-node sink of the scatter-gather: it receives
// mapped batches from every mapper, external-merge-sorts them by
// (storage, key, ordinal), and hands one sorted stream per storage to
// that storage's composer, emitting snapshot pages into this node's
// data file.
type LogReducer struct {
	node uint16
	run  Snapshot

	ring     *BatchRing
	storages *storage.Manager
	folders  Folders
	previous storage.PageReader
	control  *GleanerControl
	logger   logrus.FieldLogger

	// SpillBytes caps in-memory buffering; tests shrink it to force
	// the spill path.
	SpillBytes uint64
}

func NewLogReducer(
	node uint16,
	run Snapshot,
	ring *BatchRing,
	storages *storage.Manager,
	folders Folders,
	previous storage.PageReader,
	control *GleanerControl,
	logger logrus.FieldLogger,
) *LogReducer {
	return &LogReducer{
		node:     node,
		run:      run,
		ring:     ring,
		storages: storages,
		folders:  folders,
		previous: previous,
		control:  control,
		logger: logger.WithFields(logrus.Fields{
			"component": "log_reducer",
			"node":      node,
			"snapshot":  run.Id,
		}),
		SpillBytes: defaultSpillBytes,
	}
}

// Run drives ingestion, merge and composition. Like the mapper it
// always marks itself completed so the gleaner's count converges.
func (r *LogReducer) Run() error {
	err := r.reduce()
	if err != nil && !errors.Is(err, ErrCancelled) {
		r.logger.WithError(err).Error("log reducer failed; cancelling the run")
		r.control.Cancel()
		r.ring.Cancel()
	}
	r.control.MarkCompleted()
	return err
}

func (r *LogReducer) reduce() error {
	if err := os.MkdirAll(r.folders.NodePath(r.node), 0o755); err != nil {
		return errors.Wrap(err, "creating node snapshot folder")
	}

	buffered, runPaths, err := r.ingest()
	defer func() {
		for _, p := range runPaths {
			_ = os.Remove(p)
		}
	}()
	if err != nil {
		return err
	}
	if r.control.Cancelled() {
		return ErrCancelled
	}

	merged, closers, err := r.openMerge(buffered, runPaths)
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()

	return r.composeAll(merged)
}

// ingest drains the ring, spilling sorted runs past the memory
// threshold. It returns the sorted in-memory remainder and the run
// file paths.
func (r *LogReducer) ingest() ([]*log.Record, []string, error) {
	var buffered []*log.Record
	var bufferedBytes uint64
	var runPaths []string

	for {
		batch := r.ring.Pop()
		if batch == nil {
			if r.control.Cancelled() {
				return buffered, runPaths, ErrCancelled
			}
			break
		}
		for _, rec := range batch.Records {
			buffered = append(buffered, rec)
			bufferedBytes += uint64(len(rec.Key) + len(rec.Payload) + 32)
		}
		if bufferedBytes >= r.SpillBytes {
			path, err := r.spill(buffered, len(runPaths))
			if err != nil {
				return buffered, runPaths, err
			}
			runPaths = append(runPaths, path)
			buffered = buffered[:0]
			bufferedBytes = 0
		}
	}

	sortRecords(buffered)
	return buffered, runPaths, nil
}

func (r *LogReducer) spill(records []*log.Record, seq int) (string, error) {
	sortRecords(records)
	path := filepath.Join(r.folders.NodePath(r.node), fmt.Sprintf("reducer_run_%d_%d.tmp", r.run.Id, seq))
	w, err := CreateRun(path)
	if err != nil {
		return "", err
	}
	for _, rec := range records {
		if err := w.Append(rec); err != nil {
			_ = w.Close()
			return "", err
		}
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	r.logger.WithFields(logrus.Fields{
		"run":     path,
		"records": len(records),
	}).Debug("spilled sorted run")
	return path, nil
}

func sortRecords(records []*log.Record) {
	sort.Slice(records, func(i, j int) bool {
		return recordLess(records[i], records[j])
	})
}

func recordLess(a, b *log.Record) bool {
	if a.StorageId != b.StorageId {
		return a.StorageId < b.StorageId
	}
	if c := bytes.Compare(a.Key, b.Key); c != 0 {
		return c < 0
	}
	return a.Ordinal < b.Ordinal
}

type closer interface{ Close() error }

func (r *LogReducer) openMerge(buffered []*log.Record, runPaths []string) (*mergeStream, []closer, error) {
	var sources []recordSource
	var closers []closer
	if len(buffered) > 0 {
		sources = append(sources, &memSource{records: buffered})
	}
	for _, p := range runPaths {
		rr, err := OpenRun(p)
		if err != nil {
			for _, c := range closers {
				_ = c.Close()
			}
			return nil, nil, err
		}
		sources = append(sources, rr)
		closers = append(closers, rr)
	}
	m, err := newMergeStream(sources)
	if err != nil {
		return nil, closers, err
	}
	return m, closers, nil
}

// composeAll walks the merged stream storage by storage and invokes
// each storage's composer with its sorted sub-stream.
func (r *LogReducer) composeAll(merged *mergeStream) error {
	if merged.Peek() == nil {
		// nothing mapped to this node
		r.control.PutNodeResult(r.node, &NodeResult{Roots: map[storage.StorageId]storage.SnapshotPagePointer{}})
		return nil
	}

	writer, err := CreateWriter(r.folders, r.node, r.run.Id)
	if err != nil {
		return err
	}
	roots := make(map[storage.StorageId]storage.SnapshotPagePointer)
	for merged.Peek() != nil {
		if r.control.Cancelled() {
			_ = writer.Close()
			return ErrCancelled
		}
		sid := storage.StorageId(merged.Peek().StorageId)
		composer, err := r.storages.ComposerFor(sid)
		if err != nil {
			_ = writer.Close()
			return err
		}
		st := r.storages.Get(sid)
		root, err := composer.Compose(&storage.ComposeArguments{
			Writer:    writer,
			Previous:  r.previous,
			Stream:    &storageStream{merged: merged, sid: uint32(sid)},
			BaseEpoch: r.run.BaseEpoch,
			BaseRoot:  st.Metadata().RootSnapshotPageId,
			Cancel:    r.control.Cancelled,
		})
		if err != nil {
			_ = writer.Close()
			return errors.Wrapf(err, "composing storage %d", sid)
		}
		// skip anything the composer left unconsumed so the merge
		// loop always advances to the next storage
		for merged.Peek() != nil && storage.StorageId(merged.Peek().StorageId) == sid {
			if _, err := merged.Next(); err != nil {
				_ = writer.Close()
				return err
			}
		}
		if !root.IsNull() {
			roots[sid] = root
		}
	}
	if err := writer.Close(); err != nil {
		return err
	}

	r.control.PutNodeResult(r.node, &NodeResult{
		Roots:        roots,
		PagesWritten: writer.PagesWritten(),
	})
	r.logger.WithFields(logrus.Fields{
		"storages": len(roots),
		"pages":    writer.PagesWritten(),
	}).Info("reducer composed its partition")
	return nil
}

// recordSource is one sorted input of the k-way merge.
type recordSource interface {
	Next() (*log.Record, error)
}

type memSource struct {
	records []*log.Record
	pos     int
}

func (s *memSource) Next() (*log.Record, error) {
	if s.pos >= len(s.records) {
		return nil, nil
	}
	rec := s.records[s.pos]
	s.pos++
	return rec, nil
}

// mergeStream is the k-way merge over sorted sources, with one
// record of lookahead so callers can split the stream per storage.
type mergeStream struct {
	heap mergeHeap
	cur  *log.Record
	err  error
}

type mergeEntry struct {
	rec *log.Record
	src recordSource
}

type mergeHeap []mergeEntry

func (h mergeHeap) Len() int            { return len(h) }
func (h mergeHeap) Less(i, j int) bool  { return recordLess(h[i].rec, h[j].rec) }
func (h mergeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)         { *h = append(*h, x.(mergeEntry)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

func newMergeStream(sources []recordSource) (*mergeStream, error) {
	m := &mergeStream{}
	for _, src := range sources {
		rec, err := src.Next()
		if err != nil {
			return nil, err
		}
		if rec != nil {
			m.heap = append(m.heap, mergeEntry{rec: rec, src: src})
		}
	}
	heap.Init(&m.heap)
	m.advance()
	return m, m.err
}

// Peek returns the next record without consuming it.
func (m *mergeStream) Peek() *log.Record { return m.cur }

// Next consumes and returns the next record in global sort order.
func (m *mergeStream) Next() (*log.Record, error) {
	if m.err != nil {
		return nil, m.err
	}
	rec := m.cur
	if rec != nil {
		m.advance()
	}
	return rec, m.err
}

func (m *mergeStream) advance() {
	if len(m.heap) == 0 {
		m.cur = nil
		return
	}
	top := m.heap[0]
	m.cur = top.rec
	next, err := top.src.Next()
	if err != nil {
		m.err = err
		m.cur = nil
		return
	}
	if next == nil {
		heap.Pop(&m.heap)
		return
	}
	m.heap[0].rec = next
	heap.Fix(&m.heap, 0)
}

// storageStream exposes the sub-stream of one storage as the
// composer's sorted input.
type storageStream struct {
	merged *mergeStream
	sid    uint32
}

func (s *storageStream) Next() (*log.Record, error) {
	peeked := s.merged.Peek()
	if peeked == nil || peeked.StorageId != s.sid {
		return nil, nil
	}
	return s.merged.Next()
}
