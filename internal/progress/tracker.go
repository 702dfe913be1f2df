// Package progress tracks how much of a source's target block range has
// been synced, and reports monotonically-advancing checkpoints so the
// historical orchestrator knows when it is safe to fetch a block.
package progress

import "github.com/0xkanth/historical-sync/internal/interval"

// Tracker holds the completed-interval state for a single source's target
// block range. It is not safe for concurrent use; the orchestrator
// serializes all access to it under its own mutex.
type Tracker struct {
	target    interval.Interval
	completed []interval.Interval
}

// New constructs a Tracker for the given target range, seeded with any
// previously-completed intervals restored from the sync store. completed is
// normalized and clipped to target on construction.
func New(target interval.Interval, completed []interval.Interval) *Tracker {
	clipped := interval.Intersection([]interval.Interval{target}, interval.Normalize(completed))
	return &Tracker{
		target:    target,
		completed: clipped,
	}
}

// Target returns the tracker's target range.
func (t *Tracker) Target() interval.Interval {
	return t.target
}

// Completed returns a copy of the tracker's canonical completed-interval set.
func (t *Tracker) Completed() []interval.Interval {
	out := make([]interval.Interval, len(t.completed))
	copy(out, t.completed)
	return out
}

// GetRequired returns the sub-intervals of target that are not yet covered
// by a completed interval.
func (t *Tracker) GetRequired() []interval.Interval {
	return interval.Difference([]interval.Interval{t.target}, t.completed)
}

// GetCheckpoint returns the largest c such that [target.Start, c] is fully
// completed, or target.Start - 1 if no completed interval contains
// target.Start (in which case nothing has been confirmed yet).
//
// The return type is int64 rather than uint64 because the "nothing
// confirmed yet" case for a target starting at block 0 is target.Start - 1
// == -1, which has no uint64 representation; -1 is the only negative value
// this can ever produce.
func (t *Tracker) GetCheckpoint() int64 {
	for _, c := range t.completed {
		if c.Start <= t.target.Start && t.target.Start <= c.End {
			return int64(c.End)
		}
	}
	return int64(t.target.Start) - 1
}

// AddResult reports whether a call to AddCompletedInterval changed the
// tracker's checkpoint.
type AddResult struct {
	IsUpdated      bool
	PrevCheckpoint int64
	NewCheckpoint  int64
}

// AddCompletedInterval merges iv into the completed set and reports whether
// the checkpoint advanced as a result.
func (t *Tracker) AddCompletedInterval(iv interval.Interval) AddResult {
	prev := t.GetCheckpoint()
	t.completed = interval.Union(t.completed, []interval.Interval{iv})
	next := t.GetCheckpoint()
	return AddResult{
		IsUpdated:      next > prev,
		PrevCheckpoint: prev,
		NewCheckpoint:  next,
	}
}
