package interval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	got := Normalize([]Interval{{20, 30}, {0, 10}, {11, 15}, {32, 40}})
	assert.Equal(t, []Interval{{0, 15}, {20, 30}, {32, 40}}, got)
}

func TestNormalizeEmpty(t *testing.T) {
	assert.Nil(t, Normalize(nil))
}

func TestUnion(t *testing.T) {
	a := []Interval{{0, 10}, {20, 30}}
	b := []Interval{{5, 25}}
	assert.Equal(t, []Interval{{0, 30}}, Union(a, b))
}

func TestDifference(t *testing.T) {
	a := []Interval{{0, 100}}
	b := []Interval{{10, 20}, {50, 60}}
	got := Difference(a, b)
	require.Equal(t, []Interval{{0, 9}, {21, 49}, {61, 100}}, got)
}

func TestDifferenceNoOverlap(t *testing.T) {
	a := []Interval{{0, 10}}
	b := []Interval{{20, 30}}
	assert.Equal(t, []Interval{{0, 10}}, Difference(a, b))
}

func TestDifferenceFullyCovered(t *testing.T) {
	a := []Interval{{0, 10}}
	b := []Interval{{0, 10}}
	assert.Empty(t, Difference(a, b))
}

func TestIntersection(t *testing.T) {
	a := []Interval{{0, 10}, {20, 30}}
	b := []Interval{{5, 25}}
	assert.Equal(t, []Interval{{5, 10}, {20, 25}}, Intersection(a, b))
}

func TestSum(t *testing.T) {
	assert.Equal(t, uint64(11), Sum([]Interval{{0, 10}}))
	assert.Equal(t, uint64(21), Sum([]Interval{{0, 10}, {20, 30}}))
}

func TestChunks(t *testing.T) {
	got := Chunks([]Interval{{0, 100}}, 40)
	assert.Equal(t, []Interval{{0, 39}, {40, 79}, {80, 100}}, got)
}

func TestChunksExactMultiple(t *testing.T) {
	got := Chunks([]Interval{{0, 99}}, 50)
	assert.Equal(t, []Interval{{0, 49}, {50, 99}}, got)
}

func TestChunksSinglePoint(t *testing.T) {
	got := Chunks([]Interval{{5, 5}}, 40)
	assert.Equal(t, []Interval{{5, 5}}, got)
}

func TestChunksUnbounded(t *testing.T) {
	got := Chunks([]Interval{{0, 100}}, 0)
	assert.Equal(t, []Interval{{0, 100}}, got)
}

// property: union(A, difference(B, A)) == union(A, B)
func TestPropertyUnionDifference(t *testing.T) {
	cases := [][2][]Interval{
		{{{0, 10}, {20, 30}}, {{5, 25}, {40, 50}}},
		{{{0, 5}}, {{10, 15}}},
		{{{0, 100}}, {{50, 60}}},
	}
	for _, c := range cases {
		a, b := c[0], c[1]
		got := Union(a, Difference(b, a))
		want := Union(a, b)
		assert.Equal(t, want, got)
	}
}

// property: sum(difference(A, B)) == sum(A) - sum(intersection(A, B))
func TestPropertySumDifference(t *testing.T) {
	cases := [][2][]Interval{
		{{{0, 10}, {20, 30}}, {{5, 25}, {40, 50}}},
		{{{0, 5}}, {{10, 15}}},
		{{{0, 100}}, {{50, 60}}},
	}
	for _, c := range cases {
		a, b := c[0], c[1]
		assert.Equal(t, Sum(a)-Sum(Intersection(a, b)), Sum(Difference(a, b)))
	}
}

// property: chunks round-trip and respect the max size.
func TestPropertyChunksRoundTrip(t *testing.T) {
	ivs := []Interval{{0, 237}, {500, 503}}
	chunked := Chunks(ivs, 31)
	assert.Equal(t, Normalize(ivs), Normalize(chunked))
	for _, c := range chunked {
		assert.LessOrEqual(t, c.Len(), uint64(31))
	}
}
