package events

import (
	"sync"
	"time"

	"github.com/0xkanth/historical-sync/pkg/models"
)

// DebounceInterval bounds historicalCheckpoint emission to at most one
// signal per window.
const DebounceInterval = 500 * time.Millisecond

// SyncCompleteFunc is invoked exactly once per run when every scheduled
// task has drained and shutdown was not requested.
type SyncCompleteFunc func()

// CheckpointFunc receives a debounced, monotonic checkpoint.
type CheckpointFunc func(models.Checkpoint)

// Emitter fans out syncComplete/historicalCheckpoint signals to a set of
// typed in-process callbacks, plus an optional durable NATS sink. It
// implements historical.EventSink.
//
// The debouncer is a small state machine: a timer handle plus the latest
// pending value, armed on the first call in a window and cleared when it
// fires.
type Emitter struct {
	mu sync.Mutex

	chainID uint64

	onSyncComplete []SyncCompleteFunc
	onCheckpoint   []CheckpointFunc

	debounce time.Duration
	timer    *time.Timer
	pending  *models.Checkpoint

	sink *NATSSink
}

// NewEmitter constructs an Emitter for a single network (the orchestrator
// runs one per chain). sink may be nil to disable the durable NATS path;
// in-process callbacks still fire.
func NewEmitter(chainID uint64, sink *NATSSink) *Emitter {
	return &Emitter{chainID: chainID, debounce: DebounceInterval, sink: sink}
}

// OnSyncComplete registers a callback invoked by EmitSyncComplete.
func (e *Emitter) OnSyncComplete(fn SyncCompleteFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onSyncComplete = append(e.onSyncComplete, fn)
}

// OnCheckpoint registers a callback invoked with each debounced checkpoint.
func (e *Emitter) OnCheckpoint(fn CheckpointFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onCheckpoint = append(e.onCheckpoint, fn)
}

// EmitSyncComplete fires every registered syncComplete callback and, if
// configured, publishes to the NATS sink.
func (e *Emitter) EmitSyncComplete() {
	e.mu.Lock()
	cbs := append([]SyncCompleteFunc(nil), e.onSyncComplete...)
	sink := e.sink
	chainID := e.chainID
	e.mu.Unlock()

	for _, cb := range cbs {
		cb()
	}
	if sink != nil {
		sink.PublishSyncComplete(chainID)
	}
}

// EmitCheckpoint records cp as the latest pending value in the current
// debounce window, arming the window's timer if one is not already
// running. At most one flush fires per DebounceInterval; it always carries
// the most recent value observed during the window (trailing edge).
func (e *Emitter) EmitCheckpoint(cp models.Checkpoint) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.pending = &cp
	if e.timer == nil {
		e.timer = time.AfterFunc(e.debounce, e.flush)
	}
}

func (e *Emitter) flush() {
	e.mu.Lock()
	cp := e.pending
	e.pending = nil
	e.timer = nil
	cbs := append([]CheckpointFunc(nil), e.onCheckpoint...)
	sink := e.sink
	e.mu.Unlock()

	if cp == nil {
		return
	}
	for _, cb := range cbs {
		cb(*cp)
	}
	if sink != nil {
		sink.PublishCheckpoint(*cp)
	}
}
