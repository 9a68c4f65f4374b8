package log

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"ember/epoch"
)

// Store is the durable partitioned log repository: one sorted keyspace
// of (node, logger, epoch, ordinal) -> record, synced on every append.
// Sorted iteration over the keyspace is exactly the segment order the
// mappers need.
type Store struct {
	db     *pebble.DB
	logger logrus.FieldLogger

	mu         sync.Mutex
	sequencers map[uint32]*Sequencer

	durable atomic.Uint32
}

var _ Manager = (*Store)(nil)

// OpenStore opens (or creates) the log repository at dir.
func OpenStore(dir string, logger logrus.FieldLogger) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "opening log store at %s", dir)
	}
	s := &Store{
		db:         db,
		logger:     logger.WithField("component", "log_store"),
		sequencers: make(map[uint32]*Sequencer),
	}
	if err := s.recover(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// recover rebuilds the per-logger ordinal sequencers and the durable
// epoch from the existing keyspace. Every stored record was written
// with pebble.Sync, so everything present is durable.
func (s *Store) recover() error {
	iter, err := s.db.NewIter(nil)
	if err != nil {
		return errors.Wrap(err, "scanning log store for recovery")
	}
	defer iter.Close()

	var records uint64
	for valid := iter.First(); valid; valid = iter.Next() {
		key := iter.Key()
		if len(key) != 16 {
			continue
		}
		lk := loggerKey(binary.BigEndian.Uint16(key[0:2]), binary.BigEndian.Uint16(key[2:4]))
		e := epoch.Epoch(binary.BigEndian.Uint32(key[4:8]))
		ordinal := binary.BigEndian.Uint64(key[8:16])
		seq := s.sequencers[lk]
		if seq == nil || seq.Current() < ordinal {
			s.sequencers[lk] = NewSequencer(ordinal)
		}
		s.MarkDurable(e)
		records++
	}
	if err := iter.Error(); err != nil {
		return errors.Wrap(err, "scanning log store for recovery")
	}
	if records > 0 {
		s.logger.WithFields(logrus.Fields{
			"records":       records,
			"durable_epoch": s.DurableGlobalEpoch(),
		}).Info("recovered log store state")
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func loggerKey(node uint16, logger uint16) uint32 {
	return uint32(node)<<16 | uint32(logger)
}

func segmentKey(node uint16, logger uint16, e epoch.Epoch, ordinal uint64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint16(key[0:2], node)
	binary.BigEndian.PutUint16(key[2:4], logger)
	binary.BigEndian.PutUint32(key[4:8], uint32(e))
	binary.BigEndian.PutUint64(key[8:16], ordinal)
	return key
}

// Append durably writes one record to the given logger, assigning its
// ordinal. The record's epoch must already be set by the caller.
func (s *Store) Append(node uint16, logger uint16, rec *Record) error {
	if !rec.Epoch.IsValid() {
		return errors.New("log: appending a record without a valid epoch")
	}
	s.mu.Lock()
	seq := s.sequencers[loggerKey(node, logger)]
	if seq == nil {
		seq = NewSequencer(0)
		s.sequencers[loggerKey(node, logger)] = seq
	}
	s.mu.Unlock()
	rec.Ordinal = seq.Next()

	key := segmentKey(node, logger, rec.Epoch, rec.Ordinal)
	if err := s.db.Set(key, Encode(nil, rec), pebble.Sync); err != nil {
		return errors.Wrap(err, "appending log record")
	}
	return nil
}

// MarkDurable advances the durable global epoch. It never moves
// backwards.
func (s *Store) MarkDurable(e epoch.Epoch) {
	for {
		cur := s.durable.Load()
		if uint32(e) <= cur || s.durable.CompareAndSwap(cur, uint32(e)) {
			return
		}
	}
}

// DurableGlobalEpoch returns the greatest epoch whose records are
// synced everywhere.
func (s *Store) DurableGlobalEpoch() epoch.Epoch {
	return epoch.Epoch(s.durable.Load())
}

// OpenSegment opens the records of one logger with epochs in
// (fromExcl, toIncl], sorted by (epoch, ordinal).
func (s *Store) OpenSegment(node uint16, logger uint16, fromExcl epoch.Epoch, toIncl epoch.Epoch) (Iterator, error) {
	lower := segmentKey(node, logger, fromExcl.Next(), 0)
	upper := segmentKey(node, logger, toIncl.Next(), 0)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return nil, errors.Wrap(err, "opening log segment")
	}
	return &segmentIterator{iter: iter, first: true}, nil
}

type segmentIterator struct {
	iter  *pebble.Iterator
	first bool
}

func (it *segmentIterator) Next() (*Record, error) {
	var valid bool
	if it.first {
		valid = it.iter.First()
		it.first = false
	} else {
		valid = it.iter.Next()
	}
	if !valid {
		if err := it.iter.Error(); err != nil {
			return nil, errors.Wrap(err, "scanning log segment")
		}
		return nil, nil
	}
	rec, err := Decode(it.iter.Value())
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (it *segmentIterator) Close() error {
	return it.iter.Close()
}
