package historical

import (
	"errors"
	"testing"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstMatchingBlockScenarioF(t *testing.T) {
	// interval=10, offset=3, fromBlock=0 -> first match at 3, then 13, 23.
	assert.Equal(t, uint64(3), firstMatchingBlock(0, 10, 3))
	assert.Equal(t, uint64(13), firstMatchingBlock(4, 10, 3))
	assert.Equal(t, uint64(13), firstMatchingBlock(13, 10, 3))
}

func TestFirstMatchingBlockZeroInterval(t *testing.T) {
	assert.Equal(t, uint64(42), firstMatchingBlock(42, 0, 3))
}

func TestMatchingBlocksIncludesAllMultiplesAndTail(t *testing.T) {
	got := matchingBlocks(0, 25, 10, 3)
	assert.Equal(t, []uint64{3, 13, 23, 25}, got)
}

func TestMatchingBlocksTailAlreadyMatches(t *testing.T) {
	got := matchingBlocks(0, 23, 10, 3)
	assert.Equal(t, []uint64{3, 13, 23}, got)
}

func TestMatchingBlocksZeroIntervalOnlyTail(t *testing.T) {
	got := matchingBlocks(5, 9, 0, 0)
	assert.Equal(t, []uint64{9}, got)
}

func TestBuildRequiredLogIntervalsNoLogs(t *testing.T) {
	out := buildRequiredLogIntervals(10, 20, map[uint64][]types.Log{})
	require.Len(t, out, 1)
	assert.Equal(t, requiredLogInterval{startBlock: 10, endBlock: 20}, out[0])
}

func TestBuildRequiredLogIntervalsSplitsOnLogBlocks(t *testing.T) {
	byBlock := map[uint64][]types.Log{
		12: {{BlockNumber: 12}},
		15: {{BlockNumber: 15}, {BlockNumber: 15}},
	}
	out := buildRequiredLogIntervals(10, 20, byBlock)
	require.Len(t, out, 3)
	assert.Equal(t, uint64(10), out[0].startBlock)
	assert.Equal(t, uint64(12), out[0].endBlock)
	assert.Equal(t, uint64(13), out[1].startBlock)
	assert.Equal(t, uint64(15), out[1].endBlock)
	assert.Len(t, out[1].logs, 2)
	assert.Equal(t, uint64(16), out[2].startBlock)
	assert.Equal(t, uint64(20), out[2].endBlock)
}

func TestBuildRequiredLogIntervalsLogAtTailNoTrailingSpan(t *testing.T) {
	byBlock := map[uint64][]types.Log{20: {{BlockNumber: 20}}}
	out := buildRequiredLogIntervals(10, 20, byBlock)
	require.Len(t, out, 1)
	assert.Equal(t, uint64(10), out[0].startBlock)
	assert.Equal(t, uint64(20), out[0].endBlock)
}

func TestGroupLogsByBlock(t *testing.T) {
	logs := []types.Log{{BlockNumber: 1}, {BlockNumber: 2}, {BlockNumber: 1}}
	grouped := groupLogsByBlock(logs)
	assert.Len(t, grouped[1], 2)
	assert.Len(t, grouped[2], 1)
}

func TestTxHashSet(t *testing.T) {
	h1 := common.HexToHash("0x1")
	h2 := common.HexToHash("0x2")
	s := txHashSet([]types.Log{{TxHash: h1}, {TxHash: h2}, {TxHash: h1}})
	assert.Equal(t, 2, s.Cardinality())
	assert.True(t, s.Contains(h1))
	assert.True(t, s.Contains(h2))
}

func TestAddressSliceNil(t *testing.T) {
	assert.Nil(t, addressSlice(nil))
}

func TestAddressSliceSingle(t *testing.T) {
	addr := common.HexToAddress("0xabc")
	assert.Equal(t, []common.Address{addr}, addressSlice(&addr))
}

func TestClassifyBlockErrorNotFound(t *testing.T) {
	err := classifyBlockError(ethereum.NotFound)
	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.ErrorIs(t, rpcErr, ErrBlockNotFound)
}

func TestClassifyBlockErrorTransient(t *testing.T) {
	err := classifyBlockError(errors.New("timeout"))
	assert.ErrorIs(t, err, ErrRPCTransient)
}

func TestClassifyReceiptErrorNotFound(t *testing.T) {
	err := classifyReceiptError(ethereum.NotFound)
	assert.ErrorIs(t, err, ErrReceiptNotFound)
}

func TestClassifyRPCErrorWrapsTransient(t *testing.T) {
	err := classifyRPCError(errors.New("rate limited"))
	assert.ErrorIs(t, err, ErrRPCTransient)
}
