package engine

import (
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ember/epoch"
	"ember/log"
	"ember/snapshot"
	"ember/storage"
	"ember/storage/array"
)

func testConfig(t *testing.T, nodes uint16, loggers uint16) Config {
	dir := t.TempDir()
	return Config{
		Nodes:                 nodes,
		LoggersPerNode:        loggers,
		PagePoolBytesPerNode:  2 << 20,
		SnapshotInterval:      time.Hour, // only immediate triggers in tests
		SnapshotFolderPattern: dir + "/snapshots/node_$NODE$",
		DataPath:              dir + "/data",
	}
}

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	eng := New(cfg, nil, logger)
	require.NoError(t, eng.Initialize())
	t.Cleanup(func() {
		if eng.IsInitialized() {
			_ = eng.Uninitialize()
		}
	})
	return eng
}

func payloadOf(size uint32, value byte) []byte {
	p := make([]byte, size)
	p[0] = value
	return p
}

func TestFirstSnapshot(t *testing.T) {
	eng := newTestEngine(t, testConfig(t, 1, 1))
	a, err := eng.CreateArray("accounts", 64, 200)
	require.NoError(t, err)

	for i := uint64(0); i < 10; i++ {
		require.NoError(t, eng.WriteArray(a, i, payloadOf(64, byte(i+1)), 5))
	}
	eng.Logs.MarkDurable(5)

	eng.Snapshot.TriggerSnapshotImmediate(true)

	control := eng.Snapshot.Control()
	assert.Equal(t, epoch.Epoch(5), control.SnapshotEpoch())
	assert.Equal(t, snapshot.SnapshotID(1), control.PreviousSnapshotId())
	assert.EqualValues(t, 1, eng.Saves.LatestSnapshotId())
	assert.Equal(t, epoch.Epoch(5), eng.Saves.LatestSnapshotEpoch())

	meta, err := eng.Snapshot.ReadSnapshotMetadata(1)
	require.NoError(t, err)
	assert.False(t, meta.BaseEpoch.IsValid(), "first snapshot has a null base epoch")
	assert.Equal(t, epoch.Epoch(5), meta.ValidUntilEpoch)
	sm := meta.StorageMetadata(a.Id())
	require.NotNil(t, sm)
	assert.False(t, sm.RootSnapshotPageId.IsNull())

	// all volatile pages were dropped and reads come from the
	// snapshot, bitwise-equal to the live state at the pause
	assert.Equal(t, 0, a.VolatileLeafCount())
	pool := eng.Memory.NodeMemory(0).VolatilePool()
	assert.Equal(t, pool.Capacity(), pool.FreeCount(), "dropped pages returned to the pool")
	for i := uint64(0); i < 10; i++ {
		got, err := a.Read(i)
		require.NoError(t, err)
		assert.Equal(t, byte(i+1), got[0])
	}
}

func TestEmptySnapshotIsNoop(t *testing.T) {
	eng := newTestEngine(t, testConfig(t, 1, 1))
	a, err := eng.CreateArray("accounts", 64, 100)
	require.NoError(t, err)
	require.NoError(t, eng.WriteArray(a, 0, payloadOf(64, 1), 5))
	eng.Logs.MarkDurable(5)
	eng.Snapshot.TriggerSnapshotImmediate(true)
	require.Equal(t, snapshot.SnapshotID(1), eng.Snapshot.Control().PreviousSnapshotId())

	// nothing new became durable; the trigger is a no-op
	eng.Snapshot.TriggerSnapshotImmediate(true)
	assert.Equal(t, snapshot.SnapshotID(1), eng.Snapshot.Control().PreviousSnapshotId())
	assert.Equal(t, epoch.Epoch(5), eng.Snapshot.Control().SnapshotEpoch())
	_, err = os.Stat(eng.Snapshot.Folders().MetadataFilePath(2))
	assert.True(t, os.IsNotExist(err), "no metadata for a snapshot that never ran")
}

func TestSnapshotMonotonicityAndIncrementalCompose(t *testing.T) {
	eng := newTestEngine(t, testConfig(t, 1, 1))
	a, err := eng.CreateArray("accounts", 64, 100)
	require.NoError(t, err)

	require.NoError(t, eng.WriteArray(a, 0, payloadOf(64, 0x11), 5))
	require.NoError(t, eng.WriteArray(a, 1, payloadOf(64, 0x22), 5))
	eng.Logs.MarkDurable(5)
	eng.Snapshot.TriggerSnapshotImmediate(true)

	require.NoError(t, eng.WriteArray(a, 0, payloadOf(64, 0x33), 7))
	eng.Logs.MarkDurable(7)
	eng.Snapshot.TriggerSnapshotImmediate(true)

	control := eng.Snapshot.Control()
	assert.Equal(t, snapshot.SnapshotID(2), control.PreviousSnapshotId())
	assert.Equal(t, epoch.Epoch(7), control.SnapshotEpoch())

	meta2, err := eng.Snapshot.ReadSnapshotMetadata(2)
	require.NoError(t, err)
	assert.Equal(t, epoch.Epoch(5), meta2.BaseEpoch, "base epoch chains to the predecessor")
	assert.Equal(t, epoch.Epoch(7), meta2.ValidUntilEpoch)

	// overwritten record reads new, untouched record survives via the
	// base snapshot image
	got, err := a.Read(0)
	require.NoError(t, err)
	assert.Equal(t, byte(0x33), got[0])
	got, err = a.Read(1)
	require.NoError(t, err)
	assert.Equal(t, byte(0x22), got[0])
}

func TestConcurrentImmediateTriggers(t *testing.T) {
	eng := newTestEngine(t, testConfig(t, 1, 1))
	a, err := eng.CreateArray("accounts", 64, 100)
	require.NoError(t, err)
	require.NoError(t, eng.WriteArray(a, 0, payloadOf(64, 1), 5))
	eng.Logs.MarkDurable(5)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			eng.Snapshot.TriggerSnapshotImmediate(true)
		}()
	}
	wg.Wait()

	assert.Equal(t, epoch.Epoch(5), eng.Snapshot.Control().SnapshotEpoch())
	assert.Equal(t, snapshot.SnapshotID(1), eng.Snapshot.Control().PreviousSnapshotId(),
		"exactly one snapshot id allocated for concurrent triggers")
}

func TestDrainBeforeSwap(t *testing.T) {
	eng := newTestEngine(t, testConfig(t, 1, 1))
	a, err := eng.CreateArray("accounts", 64, 128)
	require.NoError(t, err)

	require.NoError(t, eng.WriteArray(a, 0, payloadOf(64, 0x01), 5))
	eng.Logs.MarkDurable(5)
	// a later transaction beyond the durable horizon
	require.NoError(t, eng.WriteArray(a, 64, payloadOf(64, 0x02), 9))

	eng.Snapshot.TriggerSnapshotImmediate(true)

	assert.Equal(t, epoch.Epoch(5), eng.Snapshot.Control().SnapshotEpoch())
	assert.Equal(t, 1, a.VolatileLeafCount(), "post-boundary leaf stays volatile")
	got, err := a.Read(64)
	require.NoError(t, err)
	assert.Equal(t, byte(0x02), got[0])
}

func TestPartitionedSnapshotAcrossNodes(t *testing.T) {
	eng := newTestEngine(t, testConfig(t, 2, 2))
	a, err := eng.CreateArray("striped", 64, 256) // 4 leaves over 2 nodes
	require.NoError(t, err)

	for i := uint64(0); i < 256; i += 16 {
		require.NoError(t, eng.WriteArray(a, i, payloadOf(64, byte(i)), 3))
	}
	eng.Logs.MarkDurable(3)
	eng.Snapshot.TriggerSnapshotImmediate(true)

	require.Equal(t, snapshot.SnapshotID(1), eng.Snapshot.Control().PreviousSnapshotId())
	folders := eng.Snapshot.Folders()
	for node := uint16(0); node < 2; node++ {
		_, err := os.Stat(folders.DataFilePath(node, 1))
		require.NoError(t, err, "node %d wrote its snapshot file", node)
	}

	assert.Equal(t, 0, a.VolatileLeafCount())
	for i := uint64(0); i < 256; i += 16 {
		got, err := a.Read(i)
		require.NoError(t, err)
		assert.Equal(t, byte(i), got[0], "index %d", i)
	}
}

func TestReducerSpillPath(t *testing.T) {
	cfg := testConfig(t, 1, 1)
	eng := newTestEngine(t, cfg)
	eng.Snapshot.ReducerSpillBytes = 1 // every batch spills

	a, err := eng.CreateArray("accounts", 64, 512)
	require.NoError(t, err)
	for i := uint64(0); i < 512; i++ {
		require.NoError(t, eng.WriteArray(a, i, payloadOf(64, byte(i%251)), 4))
	}
	eng.Logs.MarkDurable(4)
	eng.Snapshot.TriggerSnapshotImmediate(true)

	require.Equal(t, snapshot.SnapshotID(1), eng.Snapshot.Control().PreviousSnapshotId())
	for i := uint64(0); i < 512; i++ {
		got, err := a.Read(i)
		require.NoError(t, err)
		require.Equal(t, byte(i%251), got[0], "index %d", i)
	}
}

func TestRestartFromSavepoint(t *testing.T) {
	cfg := testConfig(t, 1, 1)
	eng := newTestEngine(t, cfg)
	a, err := eng.CreateArray("accounts", 64, 100)
	require.NoError(t, err)
	require.NoError(t, eng.WriteArray(a, 3, payloadOf(64, 0x7E), 5))
	eng.Logs.MarkDurable(5)
	eng.Snapshot.TriggerSnapshotImmediate(true)
	require.NoError(t, eng.Uninitialize())

	restarted := newTestEngine(t, cfg)
	assert.EqualValues(t, 1, restarted.Saves.LatestSnapshotId())
	assert.Equal(t, epoch.Epoch(5), restarted.Saves.LatestSnapshotEpoch())
	assert.Equal(t, epoch.Epoch(5), restarted.Snapshot.Control().SnapshotEpoch())

	meta, err := restarted.Snapshot.ReadSnapshotMetadata(1)
	require.NoError(t, err)
	rebuilt, err := restarted.AttachArray(meta.StorageMetadata(1))
	require.NoError(t, err)

	got, err := rebuilt.Read(3)
	require.NoError(t, err)
	assert.Equal(t, byte(0x7E), got[0], "snapshot data survives a restart")
}

// failingStorage aborts every compose, standing in for a storage
// whose composer hits an invariant violation mid-run.
type failingStorage struct {
	id   storage.StorageId
	meta *storage.Metadata
}

func (f *failingStorage) Id() storage.StorageId            { return f.id }
func (f *failingStorage) Type() storage.TypeName           { return "failing" }
func (f *failingStorage) Metadata() *storage.Metadata      { return f.meta }
func (f *failingStorage) Partitioner() storage.Partitioner { return singleNode{} }
func (f *failingStorage) Composer() storage.Composer       { return failComposer{} }

type singleNode struct{}

func (singleNode) NodeOf([]byte) uint16 { return 0 }
func (singleNode) RootNode() uint16     { return 0 }
func (singleNode) Partitioned() bool    { return false }

type failComposer struct{}

func (failComposer) Compose(*storage.ComposeArguments) (storage.SnapshotPagePointer, error) {
	return 0, assert.AnError
}
func (failComposer) ConstructRoot(*storage.ConstructRootArguments) (storage.SnapshotPagePointer, error) {
	return 0, assert.AnError
}
func (failComposer) ReplacePointers(*storage.ReplacePointersArguments) (storage.ReplaceResult, error) {
	return storage.ReplaceResult{}, assert.AnError
}

func TestComposeFailureAbortsRun(t *testing.T) {
	eng := newTestEngine(t, testConfig(t, 1, 1))
	good, err := eng.CreateArray("accounts", 64, 100)
	require.NoError(t, err)
	bad := &failingStorage{id: 2, meta: &storage.Metadata{Id: 2, Type: "failing", Name: "bad"}}
	require.NoError(t, eng.Storages.Register(bad))

	require.NoError(t, eng.WriteArray(good, 0, payloadOf(64, 0x55), 5))
	require.NoError(t, eng.Logs.Append(0, 0, &log.Record{
		StorageId: 2,
		Kind:      log.KindOverwrite,
		Epoch:     5,
		Key:       array.EncodeKey(0),
		Payload:   payloadOf(64, 0x66),
	}))
	eng.Logs.MarkDurable(5)

	eng.Snapshot.TriggerSnapshotImmediate(false)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(eng.Metrics.SnapshotsAborted) >= 1
	}, 5*time.Second, 10*time.Millisecond, "run aborts on the composer error")

	// the live system is untouched: no epoch, no metadata, no
	// savepoint, volatile pages intact, transactions still admitted
	assert.False(t, eng.Snapshot.Control().SnapshotEpoch().IsValid())
	assert.Equal(t, snapshot.NullSnapshotID, eng.Snapshot.Control().PreviousSnapshotId())
	assert.EqualValues(t, 0, eng.Saves.LatestSnapshotId())
	_, err = os.Stat(eng.Snapshot.Folders().MetadataFilePath(1))
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, 1, good.VolatileLeafCount())
	require.NoError(t, eng.WriteArray(good, 1, payloadOf(64, 0x77), 6))
}

// stallingStorage blocks its first compose until the run is
// cancelled; later runs compose to nothing.
type stallingStorage struct {
	id    storage.StorageId
	meta  *storage.Metadata
	calls atomic.Int32
}

func (s *stallingStorage) Id() storage.StorageId            { return s.id }
func (s *stallingStorage) Type() storage.TypeName           { return "stalling" }
func (s *stallingStorage) Metadata() *storage.Metadata      { return s.meta }
func (s *stallingStorage) Partitioner() storage.Partitioner { return singleNode{} }
func (s *stallingStorage) Composer() storage.Composer       { return &stallingComposer{s: s} }

type stallingComposer struct {
	s *stallingStorage
}

func (c *stallingComposer) Compose(args *storage.ComposeArguments) (storage.SnapshotPagePointer, error) {
	if c.s.calls.Add(1) == 1 {
		for !args.Cancel() {
			time.Sleep(time.Millisecond)
		}
		return 0, snapshot.ErrCancelled
	}
	return 0, nil
}
func (c *stallingComposer) ConstructRoot(*storage.ConstructRootArguments) (storage.SnapshotPagePointer, error) {
	return 0, nil
}
func (c *stallingComposer) ReplacePointers(*storage.ReplacePointersArguments) (storage.ReplaceResult, error) {
	return storage.ReplaceResult{}, nil
}

func TestCancellationAllowsFreshRun(t *testing.T) {
	eng := newTestEngine(t, testConfig(t, 1, 1))
	a, err := eng.CreateArray("accounts", 64, 100)
	require.NoError(t, err)
	stalling := &stallingStorage{id: 2, meta: &storage.Metadata{Id: 2, Type: "stalling", Name: "stall"}}
	require.NoError(t, eng.Storages.Register(stalling))

	require.NoError(t, eng.WriteArray(a, 0, payloadOf(64, 0x01), 5))
	require.NoError(t, eng.Logs.Append(0, 0, &log.Record{
		StorageId: 2,
		Kind:      log.KindOverwrite,
		Epoch:     5,
		Key:       array.EncodeKey(0),
		Payload:   payloadOf(64, 0x02),
	}))
	eng.Logs.MarkDurable(5)

	eng.Snapshot.TriggerSnapshotImmediate(false)
	require.Eventually(t, func() bool {
		return eng.Snapshot.Control().Gleaner.Gleaning() && stalling.calls.Load() > 0
	}, 5*time.Second, time.Millisecond, "run reaches the stalled composer")

	eng.Snapshot.Control().Gleaner.Cancel()
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(eng.Metrics.SnapshotsAborted) >= 1
	}, 5*time.Second, 10*time.Millisecond, "cancelled run is abandoned")
	assert.Equal(t, snapshot.NullSnapshotID, eng.Snapshot.Control().PreviousSnapshotId())

	// the next trigger starts a fresh run and succeeds
	eng.Snapshot.TriggerSnapshotImmediate(true)
	assert.Equal(t, snapshot.SnapshotID(1), eng.Snapshot.Control().PreviousSnapshotId())
	assert.Equal(t, epoch.Epoch(5), eng.Snapshot.Control().SnapshotEpoch())
}
