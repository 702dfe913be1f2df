package historical

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockCallbackMapDrainUpToAscendingAndBounded(t *testing.T) {
	m := newBlockCallbackMap()
	noop := func(ctx context.Context, b *types.Block) error { return nil }

	m.Add(50, noop)
	m.Add(10, noop)
	m.Add(30, noop)
	m.Add(100, noop)

	require.Equal(t, 4, m.Len())

	drained := m.DrainUpTo(30)
	assert.Equal(t, []uint64{10, 30}, drained)
	assert.Equal(t, 2, m.Len())

	drained = m.DrainUpTo(9)
	assert.Empty(t, drained)
	assert.Equal(t, 2, m.Len())

	drained = m.DrainUpTo(1000)
	assert.Equal(t, []uint64{50, 100}, drained)
	assert.Equal(t, 0, m.Len())
}

func TestBlockCallbackMapTakeRunsInAppendOrder(t *testing.T) {
	m := newBlockCallbackMap()
	var order []int

	m.Add(5, func(ctx context.Context, b *types.Block) error { order = append(order, 1); return nil })
	m.Add(5, func(ctx context.Context, b *types.Block) error { order = append(order, 2); return nil })
	m.Add(5, func(ctx context.Context, b *types.Block) error { order = append(order, 3); return nil })

	cbs := m.Take(5)
	require.Len(t, cbs, 3)
	for _, cb := range cbs {
		_ = cb(context.Background(), nil)
	}
	assert.Equal(t, []int{1, 2, 3}, order)

	assert.Empty(t, m.Take(5))
}

func TestBlockCallbackMapAddAfterDrainReinsertsKey(t *testing.T) {
	m := newBlockCallbackMap()
	noop := func(ctx context.Context, b *types.Block) error { return nil }

	m.Add(5, noop)
	m.DrainUpTo(5)
	require.Equal(t, 0, m.Len())

	m.Add(5, noop)
	assert.Equal(t, 1, m.Len())
	assert.Equal(t, []uint64{5}, m.DrainUpTo(5))
}
