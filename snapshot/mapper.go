package snapshot

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"ember/log"
	"ember/storage"
)

// ErrCancelled is how workers surface an early termination request.
// The gleaner propagates it; the snapshot manager logs and abandons
// the run without touching the live system.
var ErrCancelled = errors.New("snapshot: run cancelled")

// mapperBatchSize is the handoff unit and the cancellation poll
// granularity of the mapper scan.
const mapperBatchSize = 256

// LogMapper reads one logger's durable segment for the current run,
// classifies each record by (storage, key) through the storage's
// partitioner, and ships batches to the owning node's reducer.
type LogMapper struct {
	node      uint16
	loggerIdx uint16
	run       Snapshot

	logs     log.Manager
	storages *storage.Manager
	rings    []*BatchRing
	control  *GleanerControl
	logger   logrus.FieldLogger

	partitioners map[storage.StorageId]storage.Partitioner
	buffers      [][]*log.Record
}

// NewLogMapper builds the mapper for one (node, logger) pair of one
// run. rings is indexed by reducer node.
func NewLogMapper(
	node uint16,
	loggerIdx uint16,
	run Snapshot,
	logs log.Manager,
	storages *storage.Manager,
	rings []*BatchRing,
	control *GleanerControl,
	logger logrus.FieldLogger,
) *LogMapper {
	return &LogMapper{
		node:      node,
		loggerIdx: loggerIdx,
		run:       run,
		logs:      logs,
		storages:  storages,
		rings:     rings,
		control:   control,
		logger: logger.WithFields(logrus.Fields{
			"component": "log_mapper",
			"node":      node,
			"logger":    loggerIdx,
			"snapshot":  run.Id,
		}),
		partitioners: make(map[storage.StorageId]storage.Partitioner),
		buffers:      make([][]*log.Record, len(rings)),
	}
}

// Run scans the segment between the run's base epoch (exclusive) and
// valid-until epoch (inclusive). It always signals producer-done to
// every ring and marks itself completed, so the run can converge even
// on error.
func (m *LogMapper) Run() error {
	err := m.mapLogs()
	if err != nil && !errors.Is(err, ErrCancelled) {
		m.logger.WithError(err).Error("log mapper failed; cancelling the run")
		m.control.Cancel()
		for _, ring := range m.rings {
			ring.Cancel()
		}
	}
	for _, ring := range m.rings {
		ring.ProducerDone()
	}
	m.control.MarkCompleted()
	return err
}

func (m *LogMapper) mapLogs() error {
	it, err := m.logs.OpenSegment(m.node, m.loggerIdx, m.run.BaseEpoch, m.run.ValidUntilEpoch)
	if err != nil {
		return errors.Wrap(err, "opening log segment")
	}
	defer it.Close()

	var scanned uint64
	for {
		if scanned%mapperBatchSize == 0 && m.control.Cancelled() {
			return ErrCancelled
		}
		rec, err := it.Next()
		if err != nil {
			return errors.Wrap(err, "scanning log segment")
		}
		if rec == nil {
			break
		}
		scanned++

		target, err := m.targetNode(rec)
		if err != nil {
			return err
		}
		m.buffers[target] = append(m.buffers[target], rec)
		if len(m.buffers[target]) >= mapperBatchSize {
			if err := m.flush(target); err != nil {
				return err
			}
		}
	}

	for node := range m.buffers {
		if len(m.buffers[node]) > 0 {
			if err := m.flush(uint16(node)); err != nil {
				return err
			}
		}
	}
	m.logger.WithField("records", scanned).Debug("mapper finished its segment")
	return nil
}

func (m *LogMapper) targetNode(rec *log.Record) (uint16, error) {
	sid := storage.StorageId(rec.StorageId)
	p, ok := m.partitioners[sid]
	if !ok {
		var err error
		p, err = m.storages.PartitionerFor(sid)
		if err != nil {
			return 0, errors.Wrap(err, "resolving partitioner")
		}
		m.partitioners[sid] = p
	}
	return p.NodeOf(rec.Key), nil
}

func (m *LogMapper) flush(node uint16) error {
	batch := &Batch{Records: m.buffers[node]}
	m.buffers[node] = nil
	if !m.rings[node].Push(batch) {
		return ErrCancelled
	}
	return nil
}
