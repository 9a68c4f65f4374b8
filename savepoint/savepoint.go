// Package savepoint persists the one small record recovery trusts:
// the latest committed snapshot id and its epoch. The write is a
// single transactional put, so the pair is atomic and durable.
package savepoint

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"ember/epoch"
)

// Manager is the savepoint contract the snapshot manager depends on.
type Manager interface {
	LatestSnapshotId() uint16
	LatestSnapshotEpoch() epoch.Epoch
	// TakeSavepointAfterSnapshot atomically records (id, epoch) as the
	// latest snapshot.
	TakeSavepointAfterSnapshot(id uint16, e epoch.Epoch) error
}

var (
	bucketName = []byte("savepoint")
	latestKey  = []byte("latest_snapshot")
)

// BoltManager stores the savepoint in a bbolt file.
type BoltManager struct {
	db     *bolt.DB
	logger logrus.FieldLogger

	mu    sync.RWMutex
	id    uint16
	epoch epoch.Epoch
}

var _ Manager = (*BoltManager)(nil)

// Open opens (or creates) the savepoint file and loads the latest
// record.
func Open(path string, logger logrus.FieldLogger) (*BoltManager, error) {
	db, err := bolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "opening savepoint file %s", path)
	}
	m := &BoltManager{db: db, logger: logger.WithField("component", "savepoint")}
	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName)
		if err != nil {
			return err
		}
		if v := b.Get(latestKey); v != nil {
			id, e, err := decode(v)
			if err != nil {
				return err
			}
			m.id, m.epoch = id, e
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "loading savepoint")
	}
	m.logger.WithFields(logrus.Fields{
		"snapshot_id":    m.id,
		"snapshot_epoch": m.epoch,
	}).Info("loaded savepoint")
	return m, nil
}

func (m *BoltManager) Close() error { return m.db.Close() }

func (m *BoltManager) LatestSnapshotId() uint16 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.id
}

func (m *BoltManager) LatestSnapshotEpoch() epoch.Epoch {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.epoch
}

func (m *BoltManager) TakeSavepointAfterSnapshot(id uint16, e epoch.Epoch) error {
	err := m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(latestKey, encode(id, e))
	})
	if err != nil {
		return errors.Wrap(err, "writing savepoint")
	}
	m.mu.Lock()
	m.id, m.epoch = id, e
	m.mu.Unlock()
	m.logger.WithFields(logrus.Fields{
		"snapshot_id":    id,
		"snapshot_epoch": e,
	}).Info("took savepoint after snapshot")
	return nil
}

func encode(id uint16, e epoch.Epoch) []byte {
	buf := make([]byte, 6)
	binary.BigEndian.PutUint16(buf[0:2], id)
	binary.BigEndian.PutUint32(buf[2:6], uint32(e))
	return buf
}

func decode(v []byte) (uint16, epoch.Epoch, error) {
	if len(v) != 6 {
		return 0, 0, errors.Errorf("savepoint: corrupt record of %d bytes", len(v))
	}
	return binary.BigEndian.Uint16(v[0:2]), epoch.Epoch(binary.BigEndian.Uint32(v[2:6])), nil
}
