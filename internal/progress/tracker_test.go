package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xkanth/historical-sync/internal/interval"
)

func TestTrackerGetCheckpointNoProgress(t *testing.T) {
	tr := New(interval.Interval{Start: 10, End: 100}, nil)
	assert.Equal(t, int64(9), tr.GetCheckpoint())
}

func TestTrackerGetCheckpointZeroStart(t *testing.T) {
	tr := New(interval.Interval{Start: 0, End: 100}, nil)
	assert.Equal(t, int64(-1), tr.GetCheckpoint())
}

func TestTrackerAddCompletedIntervalAdvances(t *testing.T) {
	tr := New(interval.Interval{Start: 0, End: 100}, nil)

	res := tr.AddCompletedInterval(interval.Interval{Start: 0, End: 40})
	require.True(t, res.IsUpdated)
	assert.Equal(t, int64(-1), res.PrevCheckpoint)
	assert.Equal(t, int64(40), res.NewCheckpoint)
	assert.Equal(t, int64(40), tr.GetCheckpoint())
}

func TestTrackerAddCompletedIntervalGapDoesNotAdvance(t *testing.T) {
	tr := New(interval.Interval{Start: 0, End: 100}, nil)

	tr.AddCompletedInterval(interval.Interval{Start: 0, End: 40})
	res := tr.AddCompletedInterval(interval.Interval{Start: 60, End: 80})
	assert.False(t, res.IsUpdated)
	assert.Equal(t, int64(40), tr.GetCheckpoint())

	res = tr.AddCompletedInterval(interval.Interval{Start: 41, End: 59})
	assert.True(t, res.IsUpdated)
	assert.Equal(t, int64(80), tr.GetCheckpoint())
}

func TestTrackerGetRequiredShrinks(t *testing.T) {
	tr := New(interval.Interval{Start: 0, End: 100}, nil)
	require.Equal(t, []interval.Interval{{Start: 0, End: 100}}, tr.GetRequired())

	tr.AddCompletedInterval(interval.Interval{Start: 0, End: 50})
	assert.Equal(t, []interval.Interval{{Start: 51, End: 100}}, tr.GetRequired())

	tr.AddCompletedInterval(interval.Interval{Start: 51, End: 100})
	assert.Empty(t, tr.GetRequired())
}

func TestTrackerSeededFromStoreClipsToTarget(t *testing.T) {
	tr := New(interval.Interval{Start: 10, End: 100}, []interval.Interval{{Start: 0, End: 50}})
	assert.Equal(t, int64(50), tr.GetCheckpoint())
	assert.Equal(t, []interval.Interval{{Start: 51, End: 100}}, tr.GetRequired())
}

// property: checkpoint is non-decreasing and required shrinks monotonically
// by set inclusion across a random-ish sequence of insertions.
func TestTrackerCheckpointMonotonic(t *testing.T) {
	tr := New(interval.Interval{Start: 0, End: 1000}, nil)
	inserts := []interval.Interval{
		{Start: 500, End: 600},
		{Start: 0, End: 100},
		{Start: 700, End: 800},
		{Start: 101, End: 499},
		{Start: 601, End: 699},
		{Start: 801, End: 1000},
	}

	var lastCheckpoint int64 = -1
	lastRequired := tr.GetRequired()
	for _, iv := range inserts {
		tr.AddCompletedInterval(iv)
		cp := tr.GetCheckpoint()
		require.GreaterOrEqual(t, cp, lastCheckpoint)
		lastCheckpoint = cp

		req := tr.GetRequired()
		// every remaining required interval must have been required before too
		for _, r := range req {
			assert.NotEmpty(t, interval.Intersection([]interval.Interval{r}, lastRequired))
		}
		lastRequired = req
	}
	assert.Equal(t, int64(1000), lastCheckpoint)
	assert.Empty(t, lastRequired)
}
