package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBlocklist_BlocksAfterThresholdWithinWindow(t *testing.T) {
	b := NewBlocklist(BlocklistConfig{Threshold: 3, Window: time.Minute, Block: time.Hour})

	assert.False(t, b.IsBlocked("1.2.3.4"))
	b.RecordInvalid("1.2.3.4")
	b.RecordInvalid("1.2.3.4")
	assert.False(t, b.IsBlocked("1.2.3.4"))
	b.RecordInvalid("1.2.3.4")
	assert.True(t, b.IsBlocked("1.2.3.4"))
}

func TestBlocklist_ExpiresAfterBlockDuration(t *testing.T) {
	b := NewBlocklist(BlocklistConfig{Threshold: 1, Window: time.Minute, Block: time.Millisecond})
	b.RecordInvalid("1.2.3.4")
	require := assert.New(t)
	require.True(b.IsBlocked("1.2.3.4"))

	time.Sleep(5 * time.Millisecond)
	require.False(b.IsBlocked("1.2.3.4"))
}

func TestBlocklist_UnrelatedIPsAreIndependent(t *testing.T) {
	b := NewBlocklist(BlocklistConfig{Threshold: 1, Window: time.Minute, Block: time.Hour})
	b.RecordInvalid("1.2.3.4")
	assert.True(t, b.IsBlocked("1.2.3.4"))
	assert.False(t, b.IsBlocked("5.6.7.8"))
}
