package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xkanth/historical-sync/pkg/models"
)

func TestEmitterDebouncesWithinWindow(t *testing.T) {
	e := NewEmitter(1, nil)
	e.debounce = 50 * time.Millisecond

	var mu sync.Mutex
	var got []models.Checkpoint
	e.OnCheckpoint(func(cp models.Checkpoint) {
		mu.Lock()
		got = append(got, cp)
		mu.Unlock()
	})

	e.EmitCheckpoint(models.Checkpoint{ChainID: 1, BlockNumber: 1})
	e.EmitCheckpoint(models.Checkpoint{ChainID: 1, BlockNumber: 2})
	e.EmitCheckpoint(models.Checkpoint{ChainID: 1, BlockNumber: 3})

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, uint64(3), got[0].BlockNumber, "trailing edge carries the latest value")
}

func TestEmitterMonotonicAcrossWindows(t *testing.T) {
	e := NewEmitter(1, nil)
	e.debounce = 20 * time.Millisecond

	var mu sync.Mutex
	var got []uint64
	e.OnCheckpoint(func(cp models.Checkpoint) {
		mu.Lock()
		got = append(got, cp.BlockTimestamp)
		mu.Unlock()
	})

	e.EmitCheckpoint(models.Checkpoint{BlockTimestamp: 100})
	time.Sleep(40 * time.Millisecond)
	e.EmitCheckpoint(models.Checkpoint{BlockTimestamp: 200})
	time.Sleep(40 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Less(t, got[0], got[1])
}

func TestEmitterSyncCompleteFiresOnce(t *testing.T) {
	e := NewEmitter(1, nil)
	var count int
	e.OnSyncComplete(func() { count++ })

	e.EmitSyncComplete()
	assert.Equal(t, 1, count)
}
