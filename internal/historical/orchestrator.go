// Package historical implements the historical sync orchestrator: the
// scheduler that walks every configured source's target block range,
// dedups work against previously-synced intervals, coalesces per-block
// work behind a single block fetch, and emits monotonic checkpoints.
//
// This generalizes a fixed single-source log loop into an arbitrary set of
// log/factory/block/trace sources driven by a priority task queue instead
// of a flat sequential range walk.
package historical

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/0xkanth/historical-sync/internal/interval"
	"github.com/0xkanth/historical-sync/internal/metrics"
	"github.com/0xkanth/historical-sync/internal/progress"
	"github.com/0xkanth/historical-sync/internal/taskqueue"
	"github.com/0xkanth/historical-sync/pkg/models"
)

// Config holds the per-network settings the orchestrator is constructed
// with.
type Config struct {
	ChainID              uint64
	DefaultMaxBlockRange uint64
	Concurrency          int
	ProgressLogInterval  time.Duration // default 10s if zero
	// MaxTaskAttempts bounds the retry loop on a per-task basis; zero means
	// unbounded retry until Kill. Non-zero enables the dead-letter path for
	// persistently failing tasks.
	MaxTaskAttempts int
}

type sourceState struct {
	source models.Source

	// tracker is the log/block/trace progress tracker for every source
	// kind; for factory sources specifically it is the log-filter tracker.
	tracker *progress.Tracker
	// childAddress is non-nil only for factory sources: the discovery-side
	// tracker sharing tracker's target but an independent completed set.
	childAddress *progress.Tracker

	skipped bool
}

func (ss *sourceState) activeTrackers() []*progress.Tracker {
	if ss.skipped {
		return nil
	}
	if ss.childAddress != nil {
		return []*progress.Tracker{ss.tracker, ss.childAddress}
	}
	return []*progress.Tracker{ss.tracker}
}

// Orchestrator drives historical sync for every source on one network. It
// owns every progress tracker, the block-callback map, and the task queue;
// RequestQueue, SyncStore, and EventSink are borrowed collaborators.
type Orchestrator struct {
	cfg    Config
	rpc    RequestQueue
	store  SyncStore
	sink   EventSink
	logger zerolog.Logger

	// mu guards every field below. Range and BLOCK workers run concurrently
	// on the task queue's worker pool; reading
	// a tracker's checkpoint and consuming its derived block-callback
	// entries in enqueueBlockTasksLocked must be atomic with respect to
	// every other worker mutating the same structures, so the whole
	// "mutate trackers, mutate callbacks, maybe enqueue BLOCK tasks" step
	// runs under a single critical section rather than a set of
	// independently-locked pieces.
	mu                           sync.Mutex
	sources                      []*sourceState
	callbacks                    *blockCallbackMap
	blocks                       *progress.BlockTracker
	queue                        *taskqueue.Queue[task]
	blockTasksEnqueuedCheckpoint int64
	shutdown                     bool
	completedOnce                bool
	attempts                     map[task]int
	startedAt                    time.Time
	progressTicker               *time.Ticker
	tickerDone                   chan struct{}
}

// NewOrchestrator constructs an Orchestrator for sources, all on cfg.ChainID.
// Call Setup then Start to begin syncing.
func NewOrchestrator(cfg Config, rpc RequestQueue, store SyncStore, sink EventSink, logger zerolog.Logger, sources []models.Source) *Orchestrator {
	o := &Orchestrator{
		cfg:                          cfg,
		rpc:                          rpc,
		store:                        store,
		sink:                         sink,
		logger:                       logger.With().Str("component", "historical").Logger(),
		callbacks:                    newBlockCallbackMap(),
		blocks:                       progress.NewBlockTracker(),
		blockTasksEnqueuedCheckpoint: -1,
		attempts:                     make(map[task]int),
	}
	for _, s := range sources {
		o.sources = append(o.sources, &sourceState{source: s})
	}
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	o.queue = taskqueue.New(o.runTask, concurrency, o.handleTaskError, false)
	return o
}

// Setup validates every source's block range against finalizedBlockNumber,
// restores progress from the sync store, and enqueues the initial set of
// range tasks. It must be called exactly once, before Start.
func (o *Orchestrator) Setup(ctx context.Context, latestBlockNumber, finalizedBlockNumber uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.logger.Info().
		Uint64("latest_block", latestBlockNumber).
		Uint64("finalized_block", finalizedBlockNumber).
		Int("sources", len(o.sources)).
		Msg("historical sync setup starting")

	for idx, ss := range o.sources {
		if err := o.setupSource(ctx, idx, ss, finalizedBlockNumber); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) setupSource(ctx context.Context, idx int, ss *sourceState, finalizedBlockNumber uint64) error {
	src := ss.source

	if src.StartBlock > finalizedBlockNumber {
		ss.skipped = true
		o.logger.Warn().
			Str("source", src.Label()).
			Uint64("start_block", src.StartBlock).
			Uint64("finalized_block", finalizedBlockNumber).
			Msg("source has no historical work: start block past finalized block")
		return nil
	}

	effectiveEnd := finalizedBlockNumber
	if src.EndBlock != nil && *src.EndBlock < effectiveEnd {
		effectiveEnd = *src.EndBlock
	}
	if src.StartBlock > effectiveEnd {
		ss.skipped = true
		o.logger.Warn().
			Str("source", src.Label()).
			Uint64("start_block", src.StartBlock).
			Uint64("effective_end", effectiveEnd).
			Msg("invalid block range, skipping source")
		return nil
	}

	target := interval.Interval{Start: src.StartBlock, End: effectiveEnd}
	maxRange := effectiveMaxRange(src, o.cfg)

	switch src.Kind {
	case models.KindFactory:
		return o.setupFactorySource(ctx, idx, ss, target, maxRange)
	case models.KindLog:
		completed, err := o.store.GetLogFilterIntervals(ctx, o.cfg.ChainID, src)
		if err != nil {
			return fmt.Errorf("historical: load log filter intervals for %s: %w", src.ID, err)
		}
		return o.setupRangeSource(idx, ss, target, maxRange, completed, TaskLogFilter)
	case models.KindFunctionCall:
		completed, err := o.store.GetTraceFilterIntervals(ctx, o.cfg.ChainID, src)
		if err != nil {
			return fmt.Errorf("historical: load trace filter intervals for %s: %w", src.ID, err)
		}
		return o.setupRangeSource(idx, ss, target, maxRange, completed, TaskTraceFilter)
	case models.KindBlock:
		completed, err := o.store.GetBlockFilterIntervals(ctx, o.cfg.ChainID, src)
		if err != nil {
			return fmt.Errorf("historical: load block filter intervals for %s: %w", src.ID, err)
		}
		return o.setupRangeSource(idx, ss, target, maxRange, completed, TaskBlockFilter)
	default:
		ss.skipped = true
		o.logger.Warn().Str("source", src.Label()).Str("kind", string(src.Kind)).Msg("unknown source kind, skipping")
		return nil
	}
}

func (o *Orchestrator) setupRangeSource(idx int, ss *sourceState, target interval.Interval, maxRange uint64, completed []interval.Interval, kind TaskKind) error {
	ss.tracker = progress.New(target, completed)
	required := ss.tracker.GetRequired()

	for _, chunk := range interval.Chunks(required, maxRange) {
		o.queue.AddTask(task{kind: kind, sourceIdx: idx, fromBlock: chunk.Start, toBlock: chunk.End}, rangePriority(chunk.Start))
	}

	labels := labelsFor(o, ss.source)
	metrics.SetTotalBlocks(labels, float64(target.Len()))
	metrics.SetCachedBlocks(labels, float64(target.Len()-interval.Sum(required)))
	return nil
}

func (o *Orchestrator) setupFactorySource(ctx context.Context, idx int, ss *sourceState, target interval.Interval, maxRange uint64) error {
	src := ss.source

	childCompleted, err := o.store.GetFactoryChildAddressIntervals(ctx, o.cfg.ChainID, src)
	if err != nil {
		return fmt.Errorf("historical: load factory child address intervals for %s: %w", src.ID, err)
	}
	logCompleted, err := o.store.GetFactoryLogFilterIntervals(ctx, o.cfg.ChainID, src)
	if err != nil {
		return fmt.Errorf("historical: load factory log filter intervals for %s: %w", src.ID, err)
	}

	ss.childAddress = progress.New(target, childCompleted)
	ss.tracker = progress.New(target, logCompleted)

	childRequired := ss.childAddress.GetRequired()
	logRequired := ss.tracker.GetRequired()
	// Only the set-difference needs scheduling now: log-filter tasks for
	// the part still awaiting child-address discovery are enqueued by the
	// FACTORY_CHILD_ADDRESS worker as discovery streams in (see
	// factoryChildAddressWorker).
	logOnlyRequired := interval.Difference(logRequired, childRequired)

	for _, chunk := range interval.Chunks(childRequired, maxRange) {
		o.queue.AddTask(task{kind: TaskFactoryChildAddress, sourceIdx: idx, fromBlock: chunk.Start, toBlock: chunk.End}, rangePriority(chunk.Start))
	}
	for _, chunk := range interval.Chunks(logOnlyRequired, maxRange) {
		o.queue.AddTask(task{kind: TaskFactoryLogFilter, sourceIdx: idx, fromBlock: chunk.Start, toBlock: chunk.End}, rangePriority(chunk.Start))
	}

	labels := labelsFor(o, src)
	metrics.SetTotalBlocks(labels, float64(target.Len()))
	metrics.SetCachedBlocks(labels, float64(target.Len()-interval.Sum(logRequired)))
	return nil
}

// Start begins driving the task queue. If Setup enqueued no work at all,
// syncComplete fires synchronously. Safe to call once, after Setup.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	o.startedAt = time.Now()
	o.mu.Unlock()

	metrics.SetStartTimestamp(float64(o.startedAt.UnixMilli()))
	o.startProgressTicker(ctx)

	hasWork := o.queue.Size() > 0 || o.queue.Pending() > 0

	if !hasWork {
		o.mu.Lock()
		already := o.shutdown || o.completedOnce
		o.completedOnce = true
		o.mu.Unlock()
		if !already {
			o.stopProgressTicker()
			o.logger.Info().Msg("historical sync complete: no work to do")
			o.sink.EmitSyncComplete()
		}
		return nil
	}

	o.queue.Start(ctx)
	return nil
}

// Kill requests cooperative shutdown: in-flight tasks run to completion and
// their results are discarded, pending tasks are dropped, and subsequent
// worker errors are suppressed rather than retried.
func (o *Orchestrator) Kill() {
	o.mu.Lock()
	o.shutdown = true
	o.mu.Unlock()

	o.stopProgressTicker()
	o.queue.Pause()
	o.queue.Clear()
}

func (o *Orchestrator) maybeComplete(q *taskqueue.Queue[task]) {
	o.mu.Lock()
	if o.shutdown || o.completedOnce {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	if q.Size() != 0 || q.Pending() != 1 {
		return
	}

	o.mu.Lock()
	if o.shutdown || o.completedOnce {
		o.mu.Unlock()
		return
	}
	o.completedOnce = true
	o.mu.Unlock()

	o.stopProgressTicker()
	o.logger.Info().Dur("duration", time.Since(o.startedAt)).Msg("historical sync complete")
	o.sink.EmitSyncComplete()
}

// enqueueBlockTasksLocked is the coalescing core. Callers
// must already hold o.mu. A block is only safe to fetch once every source
// that could still append a callback for it has confirmed completion past
// it — otherwise a later-arriving callback would find the block already
// drained and its own data silently dropped.
func (o *Orchestrator) enqueueBlockTasksLocked() {
	var (
		minCheckpoint int64
		minSet        bool
		maxCheckpoint int64
		maxSet        bool
		haveActive    bool
	)

	for _, ss := range o.sources {
		for _, tr := range ss.activeTrackers() {
			cp := tr.GetCheckpoint()
			if !maxSet || cp > maxCheckpoint {
				maxCheckpoint = cp
				maxSet = true
			}
			if len(tr.GetRequired()) == 0 {
				continue
			}
			haveActive = true
			if !minSet || cp < minCheckpoint {
				minCheckpoint = cp
				minSet = true
			}
		}
	}

	var canEnqueueUpTo int64
	switch {
	case haveActive:
		canEnqueueUpTo = minCheckpoint
	case maxSet:
		canEnqueueUpTo = maxCheckpoint
	default:
		return
	}

	// A checkpoint of -1 means even the least-advanced active tracker has
	// confirmed nothing yet; no block number (all >= 0) can be safely
	// coalesced in that state.
	if canEnqueueUpTo < 0 {
		return
	}
	if canEnqueueUpTo <= o.blockTasksEnqueuedCheckpoint {
		return
	}

	blockNumbers := o.callbacks.DrainUpTo(uint64(canEnqueueUpTo))
	if len(blockNumbers) > 0 {
		o.blocks.AddPendingBlocks(blockNumbers)
		for _, n := range blockNumbers {
			o.queue.AddTask(task{kind: TaskBlock, blockNumber: n}, blockPriority(n))
		}
	}
	o.blockTasksEnqueuedCheckpoint = canEnqueueUpTo
}

func (o *Orchestrator) startProgressTicker(ctx context.Context) {
	logInterval := o.cfg.ProgressLogInterval
	if logInterval <= 0 {
		logInterval = 10 * time.Second
	}

	o.mu.Lock()
	if o.progressTicker != nil {
		o.mu.Unlock()
		return
	}
	ticker := time.NewTicker(logInterval)
	o.progressTicker = ticker
	done := make(chan struct{})
	o.tickerDone = done
	o.mu.Unlock()

	go func() {
		for {
			select {
			case <-ticker.C:
				o.logProgress()
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (o *Orchestrator) stopProgressTicker() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.progressTicker != nil {
		o.progressTicker.Stop()
		o.progressTicker = nil
	}
	if o.tickerDone != nil {
		close(o.tickerDone)
		o.tickerDone = nil
	}
}

func (o *Orchestrator) logProgress() {
	o.mu.Lock()
	var remaining uint64
	for _, ss := range o.sources {
		for _, tr := range ss.activeTrackers() {
			remaining += interval.Sum(tr.GetRequired())
		}
	}
	o.mu.Unlock()

	o.logger.Info().
		Uint64("remaining_blocks", remaining).
		Int("queued_tasks", o.queue.Size()).
		Int("in_flight_tasks", o.queue.Pending()).
		Msg("historical sync progress")
}

func effectiveMaxRange(src models.Source, cfg Config) uint64 {
	if src.MaxBlockRange != nil {
		return *src.MaxBlockRange
	}
	return cfg.DefaultMaxBlockRange
}

// concurrencyFor bounds an in-task fan-out (e.g. per-address-batch log
// fetches) by the same knob that bounds the task queue's own worker pool, so
// a single FACTORY_LOG_FILTER task can't flood the RPC endpoint with more
// concurrent requests than the rest of the orchestrator is allowed to issue.
func concurrencyFor(cfg Config) int {
	if cfg.Concurrency < 1 {
		return 1
	}
	return cfg.Concurrency
}

func labelsFor(o *Orchestrator, src models.Source) metrics.Labels {
	return metrics.Labels{Network: strconv.FormatUint(o.cfg.ChainID, 10), Source: src.Label()}
}

func taskPriority(t task) int64 {
	if t.kind == TaskBlock {
		return blockPriority(t.blockNumber)
	}
	return rangePriority(t.fromBlock)
}
