package snapshot

import (
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"ember/epoch"
	"ember/log"
	"ember/memory"
	"ember/metrics"
	"ember/savepoint"
	"ember/storage"
	"ember/xct"
)

const (
	// daemonSleep bounds every daemon's timed wait so stop requests
	// are observed promptly.
	daemonSleep = 100 * time.Millisecond
	// triggerWaitSleep is the timed wait of an immediate-trigger
	// caller blocking on completion.
	triggerWaitSleep = 10 * time.Millisecond
	// xctDrainWindow lets in-flight transactions finish after the
	// gate closes; an OLTP transaction is orders of magnitude
	// shorter.
	xctDrainWindow = 100 * time.Millisecond
)

// Options are the recognized snapshot settings.
type Options struct {
	// SnapshotInterval is the baseline trigger period.
	SnapshotInterval time.Duration
	// FolderPathPattern locates per-node snapshot folders; $NODE$ is
	// substituted with the node number.
	FolderPathPattern string
	// Nodes is the NUMA node count (thread.group_count).
	Nodes uint16
	// LoggersPerNode is the mapper fan-out per node.
	LoggersPerNode uint16
}

// Manager is the long-lived snapshot daemon pair: the master decides
// when to snapshot and drives each run; one child daemon per node
// runs that node's mappers and reducer when a run is published.
type Manager struct {
	opts    Options
	folders Folders
	control *ControlBlock

	logs     log.Manager
	storages *storage.Manager
	mem      *memory.EngineMemory
	xcts     xct.Manager
	saves    savepoint.Manager
	metrics  *metrics.SnapshotMetrics
	logger   logrus.FieldLogger

	// engineInitialized is the startup flag the master spins on; the
	// actual snapshotting cannot start until every module is up.
	engineInitialized func() bool

	stopRequested        atomic.Bool
	wg                   sync.WaitGroup
	previousSnapshotTime time.Time

	// ReducerSpillBytes overrides the reducers' spill threshold when
	// nonzero.
	ReducerSpillBytes uint64
}

// NewManager wires the snapshot manager. Call Start to launch the
// daemons and Stop to wind them down.
func NewManager(
	opts Options,
	control *ControlBlock,
	logs log.Manager,
	storages *storage.Manager,
	mem *memory.EngineMemory,
	xcts xct.Manager,
	saves savepoint.Manager,
	m *metrics.SnapshotMetrics,
	engineInitialized func() bool,
	logger logrus.FieldLogger,
) *Manager {
	return &Manager{
		opts:              opts,
		folders:           Folders{Pattern: opts.FolderPathPattern},
		control:           control,
		logs:              logs,
		storages:          storages,
		mem:               mem,
		xcts:              xcts,
		saves:             saves,
		metrics:           m,
		engineInitialized: engineInitialized,
		logger:            logger.WithField("component", "snapshot_manager"),
	}
}

// Folders exposes the resolved snapshot folder layout.
func (m *Manager) Folders() Folders { return m.folders }

// Control exposes the shared control block.
func (m *Manager) Control() *ControlBlock { return m.control }

// Start restores snapshot status from the savepoint and launches the
// master daemon and one child daemon per node.
func (m *Manager) Start() {
	m.control.SetSnapshotEpoch(m.saves.LatestSnapshotEpoch())
	m.control.SetPreviousSnapshotId(SnapshotID(m.saves.LatestSnapshotId()))
	m.logger.WithFields(logrus.Fields{
		"snapshot_id":    m.control.PreviousSnapshotId(),
		"snapshot_epoch": m.control.SnapshotEpoch(),
	}).Info("latest snapshot restored from savepoint")

	gc := &m.control.Gleaner
	gc.ReducersCount = uint32(m.opts.Nodes)
	gc.MappersCount = uint32(m.opts.Nodes) * uint32(m.opts.LoggersPerNode)
	gc.AllCount = gc.ReducersCount + gc.MappersCount

	m.previousSnapshotTime = time.Now()
	m.stopRequested.Store(false)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.handleSnapshot()
	}()
	for node := uint16(0); node < m.opts.Nodes; node++ {
		node := node
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.handleSnapshotChild(node)
		}()
	}
}

// Stop requests the daemons to exit, cancels any in-flight run, and
// joins them.
func (m *Manager) Stop() {
	m.stopRequested.Store(true)
	m.control.Gleaner.Cancel()
	for _, ring := range m.control.Gleaner.Rings() {
		ring.Cancel()
	}
	m.control.SnapshotWakeup.Broadcast()
	m.control.SnapshotChildrenWakeup.Broadcast()
	m.control.SnapshotTaken.Broadcast()
	m.wg.Wait()
	m.logger.Info("snapshot daemons ended")
}

func (m *Manager) isStopRequested() bool { return m.stopRequested.Load() }

// SnapshotEpoch returns the epoch of the latest published snapshot.
func (m *Manager) SnapshotEpoch() epoch.Epoch { return m.control.SnapshotEpoch() }

// handleSnapshot is the master daemon loop.
func (m *Manager) handleSnapshot() {
	m.logger.Info("snapshot daemon started")
	for !m.isStopRequested() && !m.engineInitialized() {
		runtime.Gosched()
	}

	m.logger.Info("snapshot daemon now starts taking snapshots")
	for !m.isStopRequested() {
		m.sleepAWhile()
		if m.isStopRequested() {
			break
		}

		durable := m.logs.DurableGlobalEpoch()
		previous := m.control.SnapshotEpoch()
		triggered := false
		switch {
		case previous.IsValid() && previous == durable:
			m.logger.WithField("durable_epoch", durable).Debug("current snapshot is already latest")
		case !durable.IsValid():
			// nothing durable yet
		case m.control.TakeImmediateRequest():
			triggered = true
			m.logger.Info("immediate snapshot request detected")
		case time.Since(m.previousSnapshotTime) >= m.opts.SnapshotInterval:
			triggered = true
			m.logger.Info("snapshot interval has elapsed")
		}

		if triggered {
			if err := m.handleSnapshotTriggered(); err != nil {
				if m.metrics != nil {
					m.metrics.SnapshotsAborted.Inc()
				}
				m.logger.WithError(err).Error("snapshot run abandoned; previous snapshot stays authoritative")
			}
		}
	}
	m.logger.Info("snapshot daemon ended")
}

func (m *Manager) sleepAWhile() {
	if !m.isStopRequested() {
		m.control.SnapshotWakeup.WaitTimeout(daemonSleep)
	}
}

// Wakeup prods the master daemon out of its timed sleep.
func (m *Manager) Wakeup() {
	m.control.SnapshotWakeup.Broadcast()
}

// handleSnapshotChild is the per-node daemon loop: on each published
// run it starts the node's reducer and mappers and joins them.
func (m *Manager) handleSnapshotChild(node uint16) {
	// keep the daemon goroutine on one OS thread; the mapper and
	// reducer goroutines it starts are not locked, and nothing binds
	// either to a NUMA node
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	logger := m.logger.WithField("node", node)
	logger.Info("child snapshot daemon started")
	gc := &m.control.Gleaner
	previousAttempt := gc.Attempt()
	for !m.isStopRequested() {
		if !gc.Gleaning() || previousAttempt == gc.Attempt() {
			m.control.SnapshotChildrenWakeup.WaitTimeout(daemonSleep)
		}
		if m.isStopRequested() {
			break
		}
		if !gc.Gleaning() || previousAttempt == gc.Attempt() {
			continue
		}
		attempt := gc.Attempt()
		run := gc.CurSnapshot()
		logger.WithField("snapshot", run.Id).Info("received a snapshot request; launching mappers and reducer")
		m.runNode(node, run)
		logger.WithField("snapshot", run.Id).Info("joined mappers and reducer")
		previousAttempt = attempt
	}
	logger.Info("child snapshot daemon ended")
}

// runNode runs one node's share of one snapshot run to completion.
func (m *Manager) runNode(node uint16, run Snapshot) {
	gc := &m.control.Gleaner
	rings := gc.Rings()

	fileset := NewFileSet(m.folders)
	defer fileset.Close()

	reducer := NewLogReducer(node, run, rings[node], m.storages, m.folders, fileset, gc, m.logger)
	if m.ReducerSpillBytes != 0 {
		reducer.SpillBytes = m.ReducerSpillBytes
	}

	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		_ = reducer.Run()
	}()
	for idx := uint16(0); idx < m.opts.LoggersPerNode; idx++ {
		mapper := NewLogMapper(node, idx, run, m.logs, m.storages, rings, gc, m.logger)
		workers.Add(1)
		go func() {
			defer workers.Done()
			_ = mapper.Run()
		}()
	}
	workers.Wait()
}

// TriggerSnapshotImmediate requests a snapshot now. With
// waitCompletion it blocks until the snapshot epoch advances or stop
// is requested.
func (m *Manager) TriggerSnapshotImmediate(waitCompletion bool) {
	before := m.control.SnapshotEpoch()
	durable := m.logs.DurableGlobalEpoch()
	if before.IsValid() && before == durable {
		m.logger.WithField("durable_epoch", durable).Info("current snapshot is already latest")
		return
	}

	for before == m.control.SnapshotEpoch() && !m.isStopRequested() {
		m.control.RequestImmediateSnapshot()
		m.Wakeup()
		if !waitCompletion {
			break
		}
		m.control.SnapshotTaken.WaitTimeout(triggerWaitSleep)
	}
}

// handleSnapshotTriggered runs one snapshot end to end: glean,
// metadata, savepoint, pointer replacement, publication.
func (m *Manager) handleSnapshotTriggered() error {
	started := time.Now()
	durable := m.logs.DurableGlobalEpoch()
	previous := m.control.SnapshotEpoch()
	if !durable.IsValid() || (previous.IsValid() && !previous.Before(durable)) {
		return errors.Errorf("snapshot: durable epoch %s not ahead of snapshot epoch %s", durable, previous)
	}
	m.logger.WithFields(logrus.Fields{
		"durable_epoch":  durable,
		"previous_epoch": previous,
	}).Info("taking a new snapshot")

	id := m.control.PreviousSnapshotId()
	if id == NullSnapshotID {
		id = 1
	} else {
		id = id.Increment()
	}

	run := Snapshot{
		Id:              id,
		BaseEpoch:       previous,
		ValidUntilEpoch: durable,
		MaxStorageId:    m.storages.LargestStorageId(),
	}
	m.logger.WithField("snapshot", id).Info("issued id for this snapshot")

	fileset := NewFileSet(m.folders)
	defer fileset.Close()

	newRootPointers, err := m.gleanLogs(run, fileset)
	if err != nil {
		return errors.Wrap(err, "log gleaner encountered an error or early termination request")
	}
	run.NewRootPointers = newRootPointers

	if err := m.snapshotMetadata(run); err != nil {
		return err
	}
	if err := m.snapshotSavepoint(run); err != nil {
		// The savepoint is the source of truth for recovery; a
		// snapshot that half-exists there cannot be tolerated.
		m.logger.WithError(err).Panic("failed to take savepoint after snapshot")
	}
	if err := m.replacePointers(run, fileset); err != nil {
		m.logger.WithError(err).Panic("failed to replace pointers after snapshot; volatile state diverged")
	}

	newEpoch := run.ValidUntilEpoch
	m.control.SetPreviousSnapshotId(run.Id)
	m.previousSnapshotTime = time.Now()
	m.control.SetSnapshotEpoch(newEpoch)
	m.control.SnapshotTaken.Broadcast()
	if m.metrics != nil {
		m.metrics.SnapshotsTaken.Inc()
		m.metrics.SnapshotDuration.Observe(time.Since(started).Seconds())
		var pages uint32
		for _, res := range m.control.Gleaner.NodeResults() {
			pages += res.PagesWritten
		}
		m.metrics.PagesWritten.Add(float64(pages))
	}
	m.logger.WithFields(logrus.Fields{
		"snapshot":       run.Id,
		"snapshot_epoch": newEpoch,
		"storages":       len(newRootPointers),
	}).Info("snapshot taken")
	return nil
}

func (m *Manager) gleanLogs(run Snapshot, fileset *FileSet) (map[storage.StorageId]storage.SnapshotPagePointer, error) {
	gleaner := NewLogGleaner(
		run,
		m.control,
		m.storages,
		m.folders,
		fileset,
		m.opts.Nodes,
		m.isStopRequested,
		m.logger,
	)
	return gleaner.Execute()
}

// snapshotMetadata clones storage metadata, installs the new root
// pointers and persists snapshot_metadata_<id>.xml durably.
func (m *Manager) snapshotMetadata(run Snapshot) error {
	meta := &Metadata{
		Id:               run.Id,
		BaseEpoch:        run.BaseEpoch,
		ValidUntilEpoch:  run.ValidUntilEpoch,
		LargestStorageId: run.MaxStorageId,
		Storages:         m.storages.CloneAllStorageMetadata(),
	}

	installed := 0
	for _, sm := range meta.Storages {
		if ptr, ok := run.NewRootPointers[sm.Id]; ok {
			sm.RootSnapshotPageId = ptr
			installed++
		}
	}
	m.logger.WithFields(logrus.Fields{
		"storages": len(meta.Storages),
		"changed":  installed,
	}).Info("installing new root pages into metadata")

	if err := os.MkdirAll(m.folders.PrimaryPath(), 0o755); err != nil {
		return errors.Wrap(err, "creating primary snapshot folder")
	}
	path := m.folders.MetadataFilePath(run.Id)
	if err := meta.Save(path); err != nil {
		return err
	}
	m.logger.WithField("file", path).Info("wrote and fsynced snapshot metadata")
	return nil
}

// ReadSnapshotMetadata loads a persisted metadata file and validates
// its id.
func (m *Manager) ReadSnapshotMetadata(id SnapshotID) (*Metadata, error) {
	meta, err := LoadMetadata(m.folders.MetadataFilePath(id))
	if err != nil {
		return nil, err
	}
	if meta.Id != id {
		return nil, errors.Errorf("snapshot: metadata file for %d claims id %d", id, meta.Id)
	}
	return meta, nil
}

func (m *Manager) snapshotSavepoint(run Snapshot) error {
	m.logger.Info("taking savepoint to include this new snapshot")
	return m.saves.TakeSavepointAfterSnapshot(uint16(run.Id), run.ValidUntilEpoch)
}

// replacePointers pauses transaction acceptance, lets in-flight
// transactions drain, installs snapshot pointers on every touched
// storage, resumes acceptance and flushes the dropped volatile pages
// back to their pools.
func (m *Manager) replacePointers(run Snapshot, fileset *FileSet) error {
	m.logger.Info("installing new snapshot pointers and dropping volatile pointers")
	dropped := storage.NewDroppedChunks(m.mem)

	m.xcts.PauseAcceptingXct()
	time.Sleep(xctDrainWindow)

	var firstErr error
	var installedTotal, droppedTotal uint64
	for sid := storage.StorageId(1); sid <= run.MaxStorageId; sid++ {
		ptr, ok := run.NewRootPointers[sid]
		if !ok {
			continue
		}
		composer, err := m.storages.ComposerFor(sid)
		if err != nil {
			firstErr = err
			break
		}
		result, err := composer.ReplacePointers(&storage.ReplacePointersArguments{
			SnapshotId:      uint16(run.Id),
			ValidUntilEpoch: run.ValidUntilEpoch,
			Reader:          fileset,
			NewRoot:         ptr,
			Dropped:         dropped,
			Cancel:          func() bool { return false },
		})
		if err != nil {
			firstErr = errors.Wrapf(err, "replacing pointers of storage %d", sid)
			break
		}
		installedTotal += result.InstalledCount
		droppedTotal += result.DroppedCount
	}
	m.xcts.ResumeAcceptingXct()
	dropped.Flush()

	if firstErr != nil {
		return firstErr
	}
	if m.metrics != nil {
		m.metrics.PointersInstalled.Add(float64(installedTotal))
		m.metrics.PagesDropped.Add(float64(droppedTotal))
	}
	m.logger.WithFields(logrus.Fields{
		"installed": installedTotal,
		"dropped":   droppedTotal,
	}).Info("replaced pointers")
	return nil
}
