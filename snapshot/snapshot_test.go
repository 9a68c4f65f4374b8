package snapshot

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSnapshotID_Increment(t *testing.T) {
	assert.Equal(t, SnapshotID(2), SnapshotID(1).Increment())
	assert.Equal(t, SnapshotID(1), SnapshotID(0xFFFF).Increment(), "wrap skips the null id")
	assert.Equal(t, SnapshotID(1), NullSnapshotID.Increment())
}
