package log

import (
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ember/epoch"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	s, err := OpenStore(t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecord_Roundtrip(t *testing.T) {
	r := &Record{
		StorageId: 7,
		Kind:      KindOverwrite,
		Ordinal:   42,
		Epoch:     epoch.Epoch(5),
		Key:       []byte{0, 0, 0, 9},
		Payload:   []byte("value"),
	}
	decoded, err := Decode(Encode(nil, r))
	require.NoError(t, err)
	assert.Equal(t, r, decoded)
}

func TestRecord_DecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte{0xFF, 0xFF, 0xFF})
	require.Error(t, err)
}

func TestStore_AppendAssignsOrdinals(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		rec := &Record{StorageId: 1, Kind: KindOverwrite, Epoch: 3, Key: []byte{byte(i)}}
		require.NoError(t, s.Append(0, 0, rec))
		require.EqualValues(t, i+1, rec.Ordinal)
	}
	// a different logger gets its own sequence
	rec := &Record{StorageId: 1, Kind: KindOverwrite, Epoch: 3, Key: []byte{9}}
	require.NoError(t, s.Append(0, 1, rec))
	assert.EqualValues(t, 1, rec.Ordinal)
}

func TestStore_RejectsInvalidEpoch(t *testing.T) {
	s := newTestStore(t)
	err := s.Append(0, 0, &Record{StorageId: 1, Kind: KindOverwrite})
	require.Error(t, err)
}

func TestStore_OpenSegmentBounds(t *testing.T) {
	s := newTestStore(t)
	for e := epoch.Epoch(1); e <= 6; e++ {
		for i := 0; i < 3; i++ {
			rec := &Record{
				StorageId: 1,
				Kind:      KindOverwrite,
				Epoch:     e,
				Key:       []byte{byte(i)},
				Payload:   []byte(fmt.Sprintf("e%d-%d", e, i)),
			}
			require.NoError(t, s.Append(0, 0, rec))
		}
	}
	// another logger's records must not leak into the segment
	require.NoError(t, s.Append(0, 1, &Record{StorageId: 1, Kind: KindOverwrite, Epoch: 4, Key: []byte{9}}))
	require.NoError(t, s.Append(1, 0, &Record{StorageId: 1, Kind: KindOverwrite, Epoch: 4, Key: []byte{9}}))

	it, err := s.OpenSegment(0, 0, 2, 5)
	require.NoError(t, err)
	defer it.Close()

	var count int
	var lastEpoch epoch.Epoch
	var lastOrdinal uint64
	for {
		rec, err := it.Next()
		require.NoError(t, err)
		if rec == nil {
			break
		}
		assert.Greater(t, rec.Epoch, epoch.Epoch(2), "base epoch is exclusive")
		assert.LessOrEqual(t, rec.Epoch, epoch.Epoch(5), "valid-until epoch is inclusive")
		if count > 0 {
			require.False(t, rec.Epoch < lastEpoch, "segment sorted by epoch")
			if rec.Epoch == lastEpoch {
				require.Greater(t, rec.Ordinal, lastOrdinal, "segment sorted by ordinal within epoch")
			}
		}
		lastEpoch, lastOrdinal = rec.Epoch, rec.Ordinal
		count++
	}
	assert.Equal(t, 9, count, "three epochs of three records each")
}

func TestStore_RecoversOrdinalsOnReopen(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	dir := t.TempDir()

	s, err := OpenStore(dir, logger)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Append(0, 0, &Record{StorageId: 1, Kind: KindOverwrite, Epoch: 4, Key: []byte{byte(i)}}))
	}
	require.NoError(t, s.Close())

	reopened, err := OpenStore(dir, logger)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, epoch.Epoch(4), reopened.DurableGlobalEpoch())

	rec := &Record{StorageId: 1, Kind: KindOverwrite, Epoch: 5, Key: []byte{9}}
	require.NoError(t, reopened.Append(0, 0, rec))
	assert.EqualValues(t, 4, rec.Ordinal, "ordinals continue after the recovered maximum")
}

func TestStore_DurableEpochMonotone(t *testing.T) {
	s := newTestStore(t)
	assert.False(t, s.DurableGlobalEpoch().IsValid())
	s.MarkDurable(5)
	s.MarkDurable(3)
	assert.Equal(t, epoch.Epoch(5), s.DurableGlobalEpoch())
}
