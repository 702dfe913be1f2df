package historical

import "math"

// TaskKind tags the six task shapes the orchestrator schedules.
type TaskKind string

const (
	TaskLogFilter          TaskKind = "LOG_FILTER"
	TaskFactoryChildAddress TaskKind = "FACTORY_CHILD_ADDRESS"
	TaskFactoryLogFilter   TaskKind = "FACTORY_LOG_FILTER"
	TaskBlockFilter        TaskKind = "BLOCK_FILTER"
	TaskTraceFilter        TaskKind = "TRACE_FILTER"
	TaskBlock              TaskKind = "BLOCK"
)

// priorityCeiling anchors task priority: priority is ceiling - fromBlock
// (or - blockNumber), so earlier blocks always drain first across every
// source and block task.
const priorityCeiling = int64(math.MaxInt64 / 2)

// task is the single payload type carried by the orchestrator's task
// queue. sourceIdx is a flat index into Orchestrator.sources for every
// range-shaped kind; it is unused (zero) for TaskBlock.
type task struct {
	kind        TaskKind
	sourceIdx   int
	fromBlock   uint64
	toBlock     uint64
	blockNumber uint64
}

func rangePriority(fromBlock uint64) int64 {
	return priorityCeiling - int64(fromBlock)
}

func blockPriority(blockNumber uint64) int64 {
	return priorityCeiling - int64(blockNumber)
}
