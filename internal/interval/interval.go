// Package interval implements set operations over sorted, disjoint,
// maximally-merged closed integer intervals.
//
// Every exported function treats its inputs as already canonical (sorted by
// start, non-overlapping, merged) and returns a canonical result. Callers
// that cannot guarantee canonical input should run it through Normalize
// first; the zero-value behavior for non-canonical input is otherwise
// undefined.
package interval

import "sort"

// Interval is a closed integer range [Start, End] with Start <= End.
type Interval struct {
	Start uint64
	End   uint64
}

// Len returns the number of integers covered by the interval.
func (i Interval) Len() uint64 {
	return i.End - i.Start + 1
}

// Normalize sorts ivs by start and merges overlapping or adjacent intervals
// into canonical form. It does not mutate its input.
func Normalize(ivs []Interval) []Interval {
	if len(ivs) == 0 {
		return nil
	}

	sorted := make([]Interval, len(ivs))
	copy(sorted, ivs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	out := make([]Interval, 0, len(sorted))
	cur := sorted[0]
	for _, next := range sorted[1:] {
		if next.Start > cur.End+1 {
			out = append(out, cur)
			cur = next
			continue
		}
		if next.End > cur.End {
			cur.End = next.End
		}
	}
	out = append(out, cur)
	return out
}

// Union returns the canonical union of a and b.
func Union(a, b []Interval) []Interval {
	merged := make([]Interval, 0, len(a)+len(b))
	merged = append(merged, a...)
	merged = append(merged, b...)
	return Normalize(merged)
}

// Difference returns a \ b: the portions of a not covered by any interval in b.
func Difference(a, b []Interval) []Interval {
	if len(a) == 0 {
		return nil
	}
	if len(b) == 0 {
		out := make([]Interval, len(a))
		copy(out, a)
		return out
	}

	var out []Interval
	for _, av := range a {
		remaining := []Interval{av}
		for _, bv := range b {
			var next []Interval
			for _, r := range remaining {
				next = append(next, subtract(r, bv)...)
			}
			remaining = next
			if len(remaining) == 0 {
				break
			}
		}
		out = append(out, remaining...)
	}
	return Normalize(out)
}

// subtract removes bv from av, returning zero, one, or two resulting pieces.
func subtract(av, bv Interval) []Interval {
	if bv.End < av.Start || bv.Start > av.End {
		return []Interval{av}
	}

	var out []Interval
	if bv.Start > av.Start {
		out = append(out, Interval{Start: av.Start, End: bv.Start - 1})
	}
	if bv.End < av.End {
		out = append(out, Interval{Start: bv.End + 1, End: av.End})
	}
	return out
}

// Intersection returns the canonical intersection of a and b.
func Intersection(a, b []Interval) []Interval {
	var out []Interval
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		start := max64(a[i].Start, b[j].Start)
		end := min64(a[i].End, b[j].End)
		if start <= end {
			out = append(out, Interval{Start: start, End: end})
		}
		if a[i].End < b[j].End {
			i++
		} else {
			j++
		}
	}
	return Normalize(out)
}

// Sum returns the total number of integers covered by ivs.
func Sum(ivs []Interval) uint64 {
	var total uint64
	for _, iv := range ivs {
		total += iv.Len()
	}
	return total
}

// Chunks splits every interval in ivs into consecutive sub-intervals of at
// most maxChunkSize, preserving order. maxChunkSize == 0 means unbounded
// (each interval is returned as a single chunk).
func Chunks(ivs []Interval, maxChunkSize uint64) []Interval {
	if len(ivs) == 0 {
		return nil
	}
	if maxChunkSize == 0 {
		out := make([]Interval, len(ivs))
		copy(out, ivs)
		return out
	}

	var out []Interval
	for _, iv := range ivs {
		start := iv.Start
		for start <= iv.End {
			end := start + maxChunkSize - 1
			if end > iv.End {
				end = iv.End
			}
			out = append(out, Interval{Start: start, End: end})
			if end == iv.End {
				break
			}
			start = end + 1
		}
	}
	return out
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
