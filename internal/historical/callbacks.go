package historical

import (
	"context"
	"sort"

	"github.com/ethereum/go-ethereum/core/types"
)

// blockCallback is a deferred per-block action appended by a range task's
// worker once it knows which block (and which of that block's transactions)
// it needs. The BLOCK worker invokes every callback registered for its
// block number, in the order they were appended, once the block itself has
// been fetched.
type blockCallback func(ctx context.Context, block *types.Block) error

// blockCallbackMap is an ordered map keyed by block number: it supports
// appending a callback by key and draining every entry at or below a
// threshold, in ascending key order. A sorted key slice alongside the map
// gives both without pulling in a balanced-tree dependency.
type blockCallbackMap struct {
	byBlock map[uint64][]blockCallback
	keys    []uint64 // kept sorted ascending
}

func newBlockCallbackMap() *blockCallbackMap {
	return &blockCallbackMap{byBlock: make(map[uint64][]blockCallback)}
}

// Add appends cb to the callback list for blockNumber, inserting blockNumber
// into the sorted key index if it is not already there (including after a
// DrainUpTo removed it).
func (m *blockCallbackMap) Add(blockNumber uint64, cb blockCallback) {
	i := sort.Search(len(m.keys), func(i int) bool { return m.keys[i] >= blockNumber })
	if i == len(m.keys) || m.keys[i] != blockNumber {
		m.keys = append(m.keys, 0)
		copy(m.keys[i+1:], m.keys[i:])
		m.keys[i] = blockNumber
	}
	m.byBlock[blockNumber] = append(m.byBlock[blockNumber], cb)
}

// DrainUpTo removes and returns, in ascending order, every block number
// registered at or below max.
func (m *blockCallbackMap) DrainUpTo(max uint64) []uint64 {
	i := sort.Search(len(m.keys), func(i int) bool { return m.keys[i] > max })
	if i == 0 {
		return nil
	}
	drained := make([]uint64, i)
	copy(drained, m.keys[:i])
	m.keys = m.keys[i:]
	return drained
}

// Take removes and returns the callbacks registered for blockNumber. It
// does not consult or mutate the sorted key index; callers (the BLOCK
// worker) only call this for block numbers already returned by DrainUpTo.
func (m *blockCallbackMap) Take(blockNumber uint64) []blockCallback {
	cbs := m.byBlock[blockNumber]
	delete(m.byBlock, blockNumber)
	return cbs
}

// Len reports how many distinct block numbers currently hold callbacks.
func (m *blockCallbackMap) Len() int {
	return len(m.keys)
}
