package snapshot

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ember/memory"
)

func testFolders(t *testing.T) Folders {
	return Folders{Pattern: filepath.Join(t.TempDir(), "snapshots", "node_$NODE$")}
}

func pageFilledWith(b byte) []byte {
	page := make([]byte, memory.PageSize)
	for i := range page {
		page[i] = b
	}
	return page
}

func TestFolders_Layout(t *testing.T) {
	f := Folders{Pattern: "snapshots/node_$NODE$"}
	assert.Equal(t, "snapshots/node_3", f.NodePath(3))
	assert.Equal(t, "snapshots/node_0", f.PrimaryPath())
	assert.Equal(t, filepath.Join("snapshots/node_1", "snapshot_7.data"), f.DataFilePath(1, 7))
	assert.Equal(t, filepath.Join("snapshots/node_0", "snapshot_metadata_7.xml"), f.MetadataFilePath(7))
}

func TestWriter_MonotonicPageIds(t *testing.T) {
	folders := testFolders(t)
	w, err := CreateWriter(folders, 1, 3)
	require.NoError(t, err)

	var last uint32
	for i := 0; i < 5; i++ {
		ptr, err := w.WritePage(pageFilledWith(byte(i)))
		require.NoError(t, err)
		assert.EqualValues(t, 3, ptr.SnapshotId())
		assert.EqualValues(t, 1, ptr.Node())
		assert.Greater(t, ptr.LocalPageId(), last)
		last = ptr.LocalPageId()
	}
	assert.EqualValues(t, 5, w.PagesWritten())
	require.NoError(t, w.Close())
}

func TestWriter_RejectsOddSizedPage(t *testing.T) {
	w, err := CreateWriter(testFolders(t), 0, 1)
	require.NoError(t, err)
	defer w.Close()
	_, err = w.WritePage(make([]byte, 100))
	require.Error(t, err)
}

func TestFileSet_ReadsBack(t *testing.T) {
	folders := testFolders(t)
	w, err := CreateWriter(folders, 0, 1)
	require.NoError(t, err)
	first, err := w.WritePage(pageFilledWith(0xAA))
	require.NoError(t, err)
	second, err := w.WritePage(pageFilledWith(0xBB))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	fs := NewFileSet(folders)
	defer fs.Close()
	page, err := fs.ReadPage(second)
	require.NoError(t, err)
	assert.Equal(t, byte(0xBB), page[0])
	page, err = fs.ReadPage(first)
	require.NoError(t, err)
	assert.Equal(t, byte(0xAA), page[len(page)-1])

	_, err = fs.ReadPage(0)
	require.Error(t, err, "null pointer never resolves")
}

func TestWriter_AppendContinuesPageIds(t *testing.T) {
	folders := testFolders(t)
	w, err := CreateWriter(folders, 0, 2)
	require.NoError(t, err)
	_, err = w.WritePage(pageFilledWith(1))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	aw, err := OpenWriterAppend(folders, 0, 2, w.PagesWritten())
	require.NoError(t, err)
	ptr, err := aw.WritePage(pageFilledWith(2))
	require.NoError(t, err)
	assert.EqualValues(t, 2, ptr.LocalPageId())
	require.NoError(t, aw.Close())

	fs := NewFileSet(folders)
	defer fs.Close()
	page, err := fs.ReadPage(ptr)
	require.NoError(t, err)
	assert.Equal(t, byte(2), page[0])
}
