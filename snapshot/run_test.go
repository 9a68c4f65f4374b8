package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ember/log"
)

func TestRun_WriteAndScan(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run_0.tmp")
	w, err := CreateRun(path)
	require.NoError(t, err)

	const n = 500
	for i := 0; i < n; i++ {
		require.NoError(t, w.Append(&log.Record{
			StorageId: 1,
			Kind:      log.KindOverwrite,
			Ordinal:   uint64(i + 1),
			Epoch:     3,
			Key:       []byte{byte(i >> 8), byte(i)},
			Payload:   []byte("payload"),
		}))
	}
	require.EqualValues(t, n, w.Count())
	require.NoError(t, w.Close())

	r, err := OpenRun(path)
	require.NoError(t, err)
	defer r.Close()
	for i := 0; i < n; i++ {
		rec, err := r.Next()
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.EqualValues(t, i+1, rec.Ordinal)
	}
	rec, err := r.Next()
	require.NoError(t, err)
	assert.Nil(t, rec, "end of run")
}

func TestRun_CRCDetectsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run_0.tmp")
	w, err := CreateRun(path)
	require.NoError(t, err)
	require.NoError(t, w.Append(&log.Record{StorageId: 1, Kind: log.KindOverwrite, Ordinal: 1, Epoch: 1, Key: []byte{1}}))
	require.NoError(t, w.Close())

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xFF, 0xFF}, runFrameHeaderSize+1)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	r, err := OpenRun(path)
	require.NoError(t, err)
	defer r.Close()
	_, err = r.Next()
	require.Error(t, err)
}
