package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockTrackerAdvancesOnContiguousCompletion(t *testing.T) {
	bt := NewBlockTracker()
	bt.AddPendingBlocks([]uint64{10, 40, 57, 80, 100})

	_, advanced := bt.AddCompletedBlock(40, 1000)
	assert.False(t, advanced, "block 10 hasn't completed yet, frontier can't pass it")

	res, advanced := bt.AddCompletedBlock(10, 900)
	require.True(t, advanced)
	assert.Equal(t, BlockResult{BlockNumber: 40, BlockTimestamp: 1000}, res)

	res, advanced = bt.AddCompletedBlock(57, 1100)
	require.True(t, advanced)
	assert.Equal(t, BlockResult{BlockNumber: 57, BlockTimestamp: 1100}, res)
}

func TestBlockTrackerOutOfOrderDoesNotRegress(t *testing.T) {
	bt := NewBlockTracker()
	bt.AddPendingBlocks([]uint64{5, 10, 15})

	bt.AddCompletedBlock(5, 100)
	bt.AddCompletedBlock(10, 200)
	res, advanced := bt.AddCompletedBlock(15, 50) // timestamp regressed but frontier still advances
	require.True(t, advanced)
	assert.Equal(t, uint64(15), res.BlockNumber)
}

func TestBlockTrackerAllCompleteEqualsMaxPending(t *testing.T) {
	bt := NewBlockTracker()
	pending := []uint64{1, 2, 3, 4, 5}
	bt.AddPendingBlocks(pending)

	var last BlockResult
	for _, n := range pending {
		res, advanced := bt.AddCompletedBlock(n, n*10)
		if advanced {
			last = res
		}
	}
	assert.Equal(t, uint64(5), last.BlockNumber)
}

func TestBlockTrackerMonotonicFrontier(t *testing.T) {
	bt := NewBlockTracker()
	bt.AddPendingBlocks([]uint64{1, 2, 3, 4, 5})

	order := []uint64{3, 1, 5, 2, 4}
	var lastBlock uint64
	for _, n := range order {
		res, advanced := bt.AddCompletedBlock(n, n)
		if advanced {
			require.GreaterOrEqual(t, res.BlockNumber, lastBlock)
			lastBlock = res.BlockNumber
		}
	}
	assert.Equal(t, uint64(5), lastBlock)
}
