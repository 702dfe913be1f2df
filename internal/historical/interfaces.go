package historical

import (
	"context"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/0xkanth/historical-sync/internal/interval"
	"github.com/0xkanth/historical-sync/pkg/models"
)

// RequestQueue is the network RPC collaborator. Its own rate limiting and
// transport-level retries are out of scope for this package; the
// orchestrator only classifies and reacts to the errors it returns.
type RequestQueue interface {
	FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)
	GetBlockByNumber(ctx context.Context, number uint64) (*types.Block, error)
	GetTransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// ChildAddressBatch is one page of child contract addresses discovered by a
// factory source, as streamed back by SyncStore.GetFactoryChildAddresses.
type ChildAddressBatch struct {
	Addresses []common.Address
}

// ChildAddressIterator streams child address batches for a factory source
// over a block range. Next returns ok=false once exhausted.
type ChildAddressIterator interface {
	Next(ctx context.Context) (batch ChildAddressBatch, ok bool, err error)
	Close() error
}

// InsertLogFilterIntervalParams is the payload for SyncStore.InsertLogFilterInterval.
type InsertLogFilterIntervalParams struct {
	ChainID              uint64
	Source               models.Source
	Block                *types.Block
	Transactions         []*types.Transaction
	TransactionReceipts  []*types.Receipt
	Logs                 []types.Log
	Interval             interval.Interval
}

// InsertFactoryLogFilterIntervalParams is the payload for
// SyncStore.InsertFactoryLogFilterInterval.
type InsertFactoryLogFilterIntervalParams struct {
	ChainID             uint64
	Source              models.Source
	Block               *types.Block
	Transactions        []*types.Transaction
	TransactionReceipts []*types.Receipt
	Logs                []types.Log
	Interval            interval.Interval
}

// InsertBlockFilterIntervalParams is the payload for
// SyncStore.InsertBlockFilterInterval.
type InsertBlockFilterIntervalParams struct {
	ChainID  uint64
	Source   models.Source
	Block    *types.Block // nil when the interval's tail block was never fetched
	Interval interval.Interval
}

// InsertTraceFilterIntervalParams is the payload for
// SyncStore.InsertTraceFilterInterval. The trace payload shape is
// network-specific and intentionally left opaque (see DESIGN.md).
type InsertTraceFilterIntervalParams struct {
	ChainID  uint64
	Source   models.Source
	Block    *types.Block
	Traces   []RawTrace
	Interval interval.Interval
}

// RawTrace is an undecoded trace payload as returned by the network's trace
// RPC method.
type RawTrace struct {
	Data []byte
}

// SyncStore is the durable keyed storage collaborator for blocks,
// transactions, receipts, logs, and completed-interval metadata. All insert
// operations must be idempotent under repeated (chainId, criteria,
// interval) keys.
type SyncStore interface {
	GetLogFilterIntervals(ctx context.Context, chainID uint64, source models.Source) ([]interval.Interval, error)
	GetFactoryChildAddressIntervals(ctx context.Context, chainID uint64, source models.Source) ([]interval.Interval, error)
	GetFactoryLogFilterIntervals(ctx context.Context, chainID uint64, source models.Source) ([]interval.Interval, error)
	GetBlockFilterIntervals(ctx context.Context, chainID uint64, source models.Source) ([]interval.Interval, error)
	GetTraceFilterIntervals(ctx context.Context, chainID uint64, source models.Source) ([]interval.Interval, error)

	InsertLogFilterInterval(ctx context.Context, params InsertLogFilterIntervalParams) error
	InsertFactoryChildAddressLogs(ctx context.Context, chainID uint64, logs []types.Log) error
	// InsertFactoryChildAddressInterval records that a factory source's
	// child-address discovery has completed a range, the write-side
	// counterpart to GetFactoryChildAddressIntervals (needed so discovery
	// progress survives a restart, same as every other tracker's interval).
	InsertFactoryChildAddressInterval(ctx context.Context, chainID uint64, source models.Source, interval interval.Interval) error
	InsertFactoryLogFilterInterval(ctx context.Context, params InsertFactoryLogFilterIntervalParams) error
	InsertBlockFilterInterval(ctx context.Context, params InsertBlockFilterIntervalParams) error
	InsertTraceFilterInterval(ctx context.Context, params InsertTraceFilterIntervalParams) error

	GetFactoryChildAddresses(ctx context.Context, chainID uint64, source models.Source, fromBlock, toBlock uint64) (ChildAddressIterator, error)
	GetBlock(ctx context.Context, chainID uint64, blockNumber uint64) (bool, error)
}

// EventSink receives the two events the core emits: a one-shot completion
// signal and a debounced, monotonic checkpoint stream.
type EventSink interface {
	EmitSyncComplete()
	EmitCheckpoint(models.Checkpoint)
}
