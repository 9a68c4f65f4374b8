package snapshot

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"ember/storage"
)

// gleanerPollInterval bounds how long a completed or cancelled run
// goes unnoticed by the master.
const gleanerPollInterval = 10 * time.Millisecond

// LogGleaner drives one snapshot run end to end: it publishes the run
// to the control block, wakes the child daemons, waits for every
// mapper and reducer to finish, and aggregates the per-node roots
// into the final per-storage root pointers.
type LogGleaner struct {
	run      Snapshot
	control  *ControlBlock
	storages *storage.Manager
	folders  Folders
	fileset  *FileSet
	nodes    uint16
	stop     func() bool
	logger   logrus.FieldLogger
}

func NewLogGleaner(
	run Snapshot,
	control *ControlBlock,
	storages *storage.Manager,
	folders Folders,
	fileset *FileSet,
	nodes uint16,
	stop func() bool,
	logger logrus.FieldLogger,
) *LogGleaner {
	return &LogGleaner{
		run:      run,
		control:  control,
		storages: storages,
		folders:  folders,
		fileset:  fileset,
		nodes:    nodes,
		stop:     stop,
		logger: logger.WithFields(logrus.Fields{
			"component": "log_gleaner",
			"snapshot":  run.Id,
		}),
	}
}

// Execute runs the scatter-gather and returns the aggregated map of
// new root pointers. A cancelled run returns ErrCancelled once every
// worker has reported completion; on engine shutdown it returns
// without waiting for them, and the child daemons join them.
func (g *LogGleaner) Execute() (map[storage.StorageId]storage.SnapshotPagePointer, error) {
	gc := &g.control.Gleaner
	gc.PublishRun(g.run, g.nodes)
	defer gc.FinishRun()

	g.logger.WithFields(logrus.Fields{
		"mappers":  gc.MappersCount,
		"reducers": gc.ReducersCount,
	}).Info("dispatching snapshot run to child daemons")
	g.control.SnapshotChildrenWakeup.Broadcast()

	for gc.CompletedCount() < gc.AllCount {
		if g.stop() {
			// Engine shutdown: cancel the run and unblock the rings;
			// workers that did launch exit at their next work-unit
			// boundary and their child daemons join them.
			gc.Cancel()
			for _, ring := range gc.Rings() {
				ring.Cancel()
			}
			break
		}
		time.Sleep(gleanerPollInterval)
	}
	if g.stop() || gc.Cancelled() {
		g.logger.Warn("snapshot run was cancelled")
		return nil, ErrCancelled
	}

	return g.aggregateRoots()
}

// aggregateRoots combines per-node partition roots. For every touched
// storage, partitioned or not, the composer constructs the final root
// on the designated root node; the new pages are appended to that
// node's snapshot file.
func (g *LogGleaner) aggregateRoots() (map[storage.StorageId]storage.SnapshotPagePointer, error) {
	results := g.control.Gleaner.NodeResults()

	touched := make(map[storage.StorageId]bool)
	pagesWritten := make(map[uint16]uint32)
	for node, res := range results {
		pagesWritten[node] = res.PagesWritten
		for sid := range res.Roots {
			touched[sid] = true
		}
	}
	if len(touched) == 0 {
		return map[storage.StorageId]storage.SnapshotPagePointer{}, nil
	}

	appendWriters := make(map[uint16]*Writer)
	defer func() {
		for _, w := range appendWriters {
			_ = w.Close()
		}
	}()

	out := make(map[storage.StorageId]storage.SnapshotPagePointer, len(touched))
	for sid := storage.StorageId(1); sid <= g.run.MaxStorageId; sid++ {
		if !touched[sid] {
			continue
		}
		nodeRoots := make([]storage.SnapshotPagePointer, g.nodes)
		for node, res := range results {
			if root, ok := res.Roots[sid]; ok {
				nodeRoots[node] = root
			}
		}

		partitioner, err := g.storages.PartitionerFor(sid)
		if err != nil {
			return nil, err
		}
		rootNode := partitioner.RootNode()
		writer := appendWriters[rootNode]
		if writer == nil {
			writer, err = OpenWriterAppend(g.folders, rootNode, g.run.Id, pagesWritten[rootNode])
			if err != nil {
				return nil, err
			}
			appendWriters[rootNode] = writer
		}

		composer, err := g.storages.ComposerFor(sid)
		if err != nil {
			return nil, err
		}
		st := g.storages.Get(sid)
		root, err := composer.ConstructRoot(&storage.ConstructRootArguments{
			Writer:    writer,
			Reader:    g.fileset,
			NodeRoots: nodeRoots,
			BaseRoot:  st.Metadata().RootSnapshotPageId,
			Cancel:    g.control.Gleaner.Cancelled,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "constructing root for storage %d", sid)
		}
		if root.IsNull() {
			return nil, errors.Errorf("snapshot: composer returned a null root for touched storage %d", sid)
		}
		out[sid] = root
	}

	for node, w := range appendWriters {
		if err := w.Close(); err != nil {
			return nil, errors.Wrapf(err, "closing append writer for node %d", node)
		}
		delete(appendWriters, node)
	}
	g.logger.WithField("storages", len(out)).Info("aggregated new root page pointers")
	return out, nil
}
