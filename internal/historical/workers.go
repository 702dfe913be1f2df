package historical

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"

	"github.com/0xkanth/historical-sync/internal/interval"
	"github.com/0xkanth/historical-sync/internal/metrics"
	"github.com/0xkanth/historical-sync/internal/taskqueue"
	"github.com/0xkanth/historical-sync/pkg/models"
)

// runTask is the taskqueue.Worker entry point: it checks the shutdown flag
// before and after doing any real work, dispatches on task kind, and runs
// the completion check only after a successful dispatch.
func (o *Orchestrator) runTask(ctx context.Context, t task, q *taskqueue.Queue[task]) error {
	if o.isShutdown() {
		return nil
	}

	err := o.dispatch(ctx, t)

	if o.isShutdown() {
		return nil
	}
	if err == nil {
		o.maybeComplete(q)
	}
	return err
}

func (o *Orchestrator) isShutdown() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.shutdown
}

func (o *Orchestrator) dispatch(ctx context.Context, t task) error {
	if t.kind == TaskBlock {
		return o.blockWorker(ctx, t)
	}

	o.mu.Lock()
	ss := o.sources[t.sourceIdx]
	o.mu.Unlock()

	switch t.kind {
	case TaskLogFilter:
		return o.logFilterWorker(ctx, ss, t)
	case TaskFactoryChildAddress:
		return o.factoryChildAddressWorker(ctx, ss, t)
	case TaskFactoryLogFilter:
		return o.factoryLogFilterWorker(ctx, ss, t)
	case TaskBlockFilter:
		return o.blockFilterWorker(ctx, ss, t)
	case TaskTraceFilter:
		return o.traceFilterWorker(ctx, ss, t)
	default:
		return fmt.Errorf("historical: unknown task kind %q", t.kind)
	}
}

// handleTaskError is the taskqueue.ErrorHandler: it is solely responsible
// for the retry decision. Absent a configured MaxTaskAttempts it retries
// forever at the task's original priority (unbounded retry by default);
// the attempt bound is an opt-in extension for persistently failing tasks.
func (o *Orchestrator) handleTaskError(err error, t task, q *taskqueue.Queue[task]) {
	if o.isShutdown() {
		return
	}

	label := o.labelForTask(t)
	o.logger.Warn().Err(err).Str("task_kind", string(t.kind)).Str("source", label).Msg("historical task failed, retrying")

	if o.cfg.MaxTaskAttempts > 0 {
		o.mu.Lock()
		o.attempts[t]++
		attempt := o.attempts[t]
		o.mu.Unlock()

		if attempt > o.cfg.MaxTaskAttempts {
			metrics.IncDeadLettered(metrics.Labels{Network: strconv.FormatUint(o.cfg.ChainID, 10), Source: label}, string(t.kind))
			o.logger.Error().Str("task_kind", string(t.kind)).Str("source", label).Int("attempts", attempt).Bool("dead_letter", true).Msg("dead-lettering task after exceeding max attempts")
			return
		}
	}

	q.AddTask(t, taskPriority(t))
}

func (o *Orchestrator) labelForTask(t task) string {
	if t.kind == TaskBlock {
		return "block"
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sources[t.sourceIdx].source.Label()
}

// requiredLogInterval is one contiguous span of a LOG_FILTER-shaped task's
// range, bounded by a block that produced logs (or by the task's toBlock),
// paired with the logs observed at its end block.
type requiredLogInterval struct {
	startBlock uint64
	endBlock   uint64
	logs       []types.Log
}

// buildRequiredLogIntervals builds the "required log intervals" shared by
// LOG_FILTER, FACTORY_CHILD_ADDRESS, and FACTORY_LOG_FILTER: sort the
// blocks that produced logs, append toBlock if
// it is not already the tail (covering the "no logs in the tail" case), then
// walk the list assigning each span [prev, blockNumber].
func buildRequiredLogIntervals(fromBlock, toBlock uint64, logsByBlock map[uint64][]types.Log) []requiredLogInterval {
	blockNumbers := make([]uint64, 0, len(logsByBlock))
	for n := range logsByBlock {
		blockNumbers = append(blockNumbers, n)
	}
	sort.Slice(blockNumbers, func(i, j int) bool { return blockNumbers[i] < blockNumbers[j] })

	if len(blockNumbers) == 0 || blockNumbers[len(blockNumbers)-1] != toBlock {
		blockNumbers = append(blockNumbers, toBlock)
	}

	out := make([]requiredLogInterval, 0, len(blockNumbers))
	prev := fromBlock
	for _, n := range blockNumbers {
		out = append(out, requiredLogInterval{startBlock: prev, endBlock: n, logs: logsByBlock[n]})
		prev = n + 1
	}
	return out
}

func groupLogsByBlock(logs []types.Log) map[uint64][]types.Log {
	out := make(map[uint64][]types.Log)
	for _, l := range logs {
		out[l.BlockNumber] = append(out[l.BlockNumber], l)
	}
	return out
}

func txHashSet(logs []types.Log) mapset.Set[common.Hash] {
	s := mapset.NewThreadUnsafeSet[common.Hash]()
	for _, l := range logs {
		s.Add(l.TxHash)
	}
	return s
}

func addressSlice(addr *common.Address) []common.Address {
	if addr == nil {
		return nil
	}
	return []common.Address{*addr}
}

func classifyBlockError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ethereum.NotFound) {
		return &RPCError{Kind: ErrBlockNotFound, Err: err}
	}
	return newTransient(err)
}

func classifyReceiptError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ethereum.NotFound) {
		return &RPCError{Kind: ErrReceiptNotFound, Err: err}
	}
	return newTransient(err)
}

func classifyRPCError(err error) error {
	if err == nil {
		return nil
	}
	return newTransient(err)
}

// logFilterWorker fetches logs matching a source's criteria over a task's
// block range and persists the interval once fully processed.
func (o *Orchestrator) logFilterWorker(ctx context.Context, ss *sourceState, t task) error {
	src := ss.source
	logs, err := o.rpc.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(t.fromBlock),
		ToBlock:   new(big.Int).SetUint64(t.toBlock),
		Addresses: addressSlice(src.Log.Address),
		Topics:    src.Log.Topics,
	})
	if err != nil {
		return classifyRPCError(err)
	}

	required := buildRequiredLogIntervals(t.fromBlock, t.toBlock, groupLogsByBlock(logs))

	o.mu.Lock()
	for _, ri := range required {
		ri := ri
		txs := txHashSet(ri.logs)
		o.callbacks.Add(ri.endBlock, func(ctx context.Context, block *types.Block) error {
			return o.insertLogFilterRecord(ctx, src, ri, txs, block)
		})
	}
	ss.tracker.AddCompletedInterval(interval.Interval{Start: t.fromBlock, End: t.toBlock})
	metrics.AddCompletedBlocks(labelsFor(o, src), float64(t.toBlock-t.fromBlock+1))
	o.enqueueBlockTasksLocked()
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) insertLogFilterRecord(ctx context.Context, src models.Source, ri requiredLogInterval, txs mapset.Set[common.Hash], block *types.Block) error {
	var (
		txList   []*types.Transaction
		receipts []*types.Receipt
	)
	for _, txn := range block.Transactions() {
		if !txs.Contains(txn.Hash()) {
			continue
		}
		txList = append(txList, txn)
		if src.Log.IncludeTransactionReceipts {
			receipt, err := o.rpc.GetTransactionReceipt(ctx, txn.Hash())
			if err != nil {
				return classifyReceiptError(err)
			}
			receipts = append(receipts, receipt)
		}
	}

	err := o.store.InsertLogFilterInterval(ctx, InsertLogFilterIntervalParams{
		ChainID:             o.cfg.ChainID,
		Source:              src,
		Block:               block,
		Transactions:        txList,
		TransactionReceipts: receipts,
		Logs:                ri.logs,
		Interval:            interval.Interval{Start: ri.startBlock, End: ri.endBlock},
	})
	if err != nil {
		return newStoreInsert(err)
	}
	return nil
}

// factoryChildAddressWorker discovers child addresses created by a factory
// source's deployment events; it is the only place that can enqueue
// factory-log work past the initial setup diff.
func (o *Orchestrator) factoryChildAddressWorker(ctx context.Context, ss *sourceState, t task) error {
	src := ss.source
	f := src.Factory

	logs, err := o.rpc.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(t.fromBlock),
		ToBlock:   new(big.Int).SetUint64(t.toBlock),
		Addresses: []common.Address{f.Address},
		Topics:    [][]common.Hash{{f.EventSelector}},
	})
	if err != nil {
		return classifyRPCError(err)
	}

	if err := o.store.InsertFactoryChildAddressLogs(ctx, o.cfg.ChainID, logs); err != nil {
		return newStoreInsert(err)
	}

	required := buildRequiredLogIntervals(t.fromBlock, t.toBlock, groupLogsByBlock(logs))

	o.mu.Lock()
	for _, ri := range required {
		ivl := interval.Interval{Start: ri.startBlock, End: ri.endBlock}
		o.callbacks.Add(ri.endBlock, func(ctx context.Context, _ *types.Block) error {
			if err := o.store.InsertFactoryChildAddressInterval(ctx, o.cfg.ChainID, src, ivl); err != nil {
				return newStoreInsert(err)
			}
			return nil
		})
	}

	result := ss.childAddress.AddCompletedInterval(interval.Interval{Start: t.fromBlock, End: t.toBlock})
	metrics.AddCompletedBlocks(labelsFor(o, src), float64(t.toBlock-t.fromBlock+1))

	if result.IsUpdated {
		newRange := interval.Interval{Start: uint64(result.PrevCheckpoint + 1), End: uint64(result.NewCheckpoint)}
		logRequired := interval.Intersection([]interval.Interval{newRange}, ss.tracker.GetRequired())
		maxRange := effectiveMaxRange(src, o.cfg)
		for _, chunk := range interval.Chunks(logRequired, maxRange) {
			o.queue.AddTask(task{kind: TaskFactoryLogFilter, sourceIdx: t.sourceIdx, fromBlock: chunk.Start, toBlock: chunk.End}, rangePriority(chunk.Start))
		}
	}

	o.enqueueBlockTasksLocked()
	o.mu.Unlock()
	return nil
}

// factoryLogFilterWorker fetches logs for a factory source's known child
// addresses: it streams known child addresses for the task's range from the
// store rather than discovering them itself. A factory can have discovered
// thousands of child addresses by the time a late range is scheduled, so the
// per-page eth_getLogs calls fan out concurrently (bounded by the network's
// configured task concurrency) instead of paying one page's round trip
// before starting the next.
func (o *Orchestrator) factoryLogFilterWorker(ctx context.Context, ss *sourceState, t task) error {
	src := ss.source
	f := src.Factory

	it, err := o.store.GetFactoryChildAddresses(ctx, o.cfg.ChainID, src, t.fromBlock, t.toBlock)
	if err != nil {
		return newStoreInsert(err)
	}
	defer it.Close()

	var batches []ChildAddressBatch
	for {
		batch, ok, err := it.Next(ctx)
		if err != nil {
			return newStoreInsert(err)
		}
		if !ok {
			break
		}
		if len(batch.Addresses) > 0 {
			batches = append(batches, batch)
		}
	}

	var (
		mu      sync.Mutex
		byBlock = make(map[uint64][]types.Log)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrencyFor(o.cfg))
	for _, batch := range batches {
		batch := batch
		g.Go(func() error {
			logs, err := o.rpc.FilterLogs(gctx, ethereum.FilterQuery{
				FromBlock: new(big.Int).SetUint64(t.fromBlock),
				ToBlock:   new(big.Int).SetUint64(t.toBlock),
				Addresses: batch.Addresses,
				Topics:    f.Topics,
			})
			if err != nil {
				return classifyRPCError(err)
			}
			mu.Lock()
			for _, l := range logs {
				byBlock[l.BlockNumber] = append(byBlock[l.BlockNumber], l)
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	required := buildRequiredLogIntervals(t.fromBlock, t.toBlock, byBlock)

	o.mu.Lock()
	for _, ri := range required {
		ri := ri
		txs := txHashSet(ri.logs)
		o.callbacks.Add(ri.endBlock, func(ctx context.Context, block *types.Block) error {
			return o.insertFactoryLogFilterRecord(ctx, src, ri, txs, block)
		})
	}
	ss.tracker.AddCompletedInterval(interval.Interval{Start: t.fromBlock, End: t.toBlock})
	metrics.AddCompletedBlocks(labelsFor(o, src), float64(t.toBlock-t.fromBlock+1))
	o.enqueueBlockTasksLocked()
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) insertFactoryLogFilterRecord(ctx context.Context, src models.Source, ri requiredLogInterval, txs mapset.Set[common.Hash], block *types.Block) error {
	var (
		txList   []*types.Transaction
		receipts []*types.Receipt
	)
	for _, txn := range block.Transactions() {
		if !txs.Contains(txn.Hash()) {
			continue
		}
		txList = append(txList, txn)
		if src.Factory.IncludeTransactionReceipts {
			receipt, err := o.rpc.GetTransactionReceipt(ctx, txn.Hash())
			if err != nil {
				return classifyReceiptError(err)
			}
			receipts = append(receipts, receipt)
		}
	}

	err := o.store.InsertFactoryLogFilterInterval(ctx, InsertFactoryLogFilterIntervalParams{
		ChainID:             o.cfg.ChainID,
		Source:              src,
		Block:               block,
		Transactions:        txList,
		TransactionReceipts: receipts,
		Logs:                ri.logs,
		Interval:            interval.Interval{Start: ri.startBlock, End: ri.endBlock},
	})
	if err != nil {
		return newStoreInsert(err)
	}
	return nil
}

// firstMatchingBlock returns the smallest n >= fromBlock such that
// (n - offset) mod interval == 0.
func firstMatchingBlock(fromBlock, intervalSize, offset uint64) uint64 {
	if intervalSize == 0 {
		return fromBlock
	}
	off := offset % intervalSize
	cur := fromBlock % intervalSize
	if cur <= off {
		return fromBlock + (off - cur)
	}
	return fromBlock + (intervalSize - (cur - off))
}

// matchingBlocks enumerates every block in [fromBlock, toBlock] satisfying
// the block source's (n - offset) mod interval == 0 criteria, always
// including toBlock at the tail so the full range is marked cached even
// when toBlock itself does not match.
func matchingBlocks(fromBlock, toBlock, intervalSize, offset uint64) []uint64 {
	var out []uint64
	if intervalSize > 0 {
		for n := firstMatchingBlock(fromBlock, intervalSize, offset); n <= toBlock; n += intervalSize {
			out = append(out, n)
		}
	}
	if len(out) == 0 || out[len(out)-1] != toBlock {
		out = append(out, toBlock)
	}
	return out
}

// blockFilterWorker fetches every Nth block (by interval/offset) in a
// range. A chunk can cover thousands of matching blocks on a tight interval, so the
// store's presence check for each one fans out concurrently rather than
// paying one round trip per block in sequence; the deferred/insert decision
// for each block is then applied in range order once every check lands.
func (o *Orchestrator) blockFilterWorker(ctx context.Context, ss *sourceState, t task) error {
	src := ss.source
	crit := src.Block
	matched := matchingBlocks(t.fromBlock, t.toBlock, crit.Interval, crit.Offset)

	present := make([]bool, len(matched))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrencyFor(o.cfg))
	for i, n := range matched {
		i, n := i, n
		g.Go(func() error {
			has, err := o.store.GetBlock(gctx, o.cfg.ChainID, n)
			if err != nil {
				return newStoreInsert(err)
			}
			present[i] = has
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	type deferredInsert struct{ start, end uint64 }
	var deferred []deferredInsert

	prev := t.fromBlock
	for i, n := range matched {
		ivl := interval.Interval{Start: prev, End: n}
		if present[i] {
			if err := o.store.InsertBlockFilterInterval(ctx, InsertBlockFilterIntervalParams{
				ChainID:  o.cfg.ChainID,
				Source:   src,
				Interval: ivl,
			}); err != nil {
				return newStoreInsert(err)
			}
		} else {
			deferred = append(deferred, deferredInsert{start: prev, end: n})
		}
		prev = n + 1
	}

	o.mu.Lock()
	for _, d := range deferred {
		d := d
		o.callbacks.Add(d.end, func(ctx context.Context, block *types.Block) error {
			if err := o.store.InsertBlockFilterInterval(ctx, InsertBlockFilterIntervalParams{
				ChainID:  o.cfg.ChainID,
				Source:   src,
				Block:    block,
				Interval: interval.Interval{Start: d.start, End: d.end},
			}); err != nil {
				return newStoreInsert(err)
			}
			return nil
		})
	}
	ss.tracker.AddCompletedInterval(interval.Interval{Start: t.fromBlock, End: t.toBlock})
	metrics.AddCompletedBlocks(labelsFor(o, src), float64(t.toBlock-t.fromBlock+1))
	o.enqueueBlockTasksLocked()
	o.mu.Unlock()
	return nil
}

// traceFilterWorker is the stubbed TRACE_FILTER worker: it records coverage
// (so the range is not re-scanned) without decoding trace data, since no
// trace RPC method is defined at this layer (see DESIGN.md).
func (o *Orchestrator) traceFilterWorker(ctx context.Context, ss *sourceState, t task) error {
	src := ss.source
	ivl := interval.Interval{Start: t.fromBlock, End: t.toBlock}

	o.mu.Lock()
	o.callbacks.Add(t.toBlock, func(ctx context.Context, block *types.Block) error {
		if err := o.store.InsertTraceFilterInterval(ctx, InsertTraceFilterIntervalParams{
			ChainID:  o.cfg.ChainID,
			Source:   src,
			Block:    block,
			Interval: ivl,
		}); err != nil {
			return newStoreInsert(err)
		}
		return nil
	})
	ss.tracker.AddCompletedInterval(ivl)
	metrics.AddCompletedBlocks(labelsFor(o, src), float64(t.toBlock-t.fromBlock+1))
	o.enqueueBlockTasksLocked()
	o.mu.Unlock()
	return nil
}

// blockWorker fetches a single block, drains and invokes every callback
// registered for it in order, then advances
// the block progress frontier and emit a checkpoint if it moved.
func (o *Orchestrator) blockWorker(ctx context.Context, t task) error {
	block, err := o.rpc.GetBlockByNumber(ctx, t.blockNumber)
	if err != nil {
		return classifyBlockError(err)
	}
	if block == nil {
		return &RPCError{Kind: ErrBlockNotFound}
	}

	o.mu.Lock()
	cbs := o.callbacks.Take(t.blockNumber)
	o.mu.Unlock()

	for _, cb := range cbs {
		if err := cb(ctx, block); err != nil {
			// Store inserts are idempotent under repeated (chainId, criteria,
			// interval) keys, so re-running the whole batch on retry (rather
			// than losing the callbacks this Take already removed) is safe.
			// They are restored without touching the sorted key index, so a
			// later DrainUpTo does not hand this block out a second time;
			// the retried BLOCK task picks them up through Take.
			o.mu.Lock()
			o.callbacks.byBlock[t.blockNumber] = append(cbs, o.callbacks.byBlock[t.blockNumber]...)
			o.mu.Unlock()
			return err
		}
	}

	o.mu.Lock()
	result, advanced := o.blocks.AddCompletedBlock(t.blockNumber, block.Time())
	o.mu.Unlock()

	if advanced {
		o.sink.EmitCheckpoint(models.Checkpoint{
			ChainID:        o.cfg.ChainID,
			BlockNumber:    result.BlockNumber,
			BlockTimestamp: result.BlockTimestamp,
		})
	}
	return nil
}
