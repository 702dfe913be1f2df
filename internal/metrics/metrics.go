// Package metrics declares the Prometheus collectors the historical sync
// orchestrator reports against, registered through promauto the same way
// this repository's teacher package wires its indexer metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Labels names the two label dimensions every per-source gauge/counter
// carries: network (chain ID, stringified) and source (resolved to
// source.Label(), i.e. the source ID, since contract names aren't
// guaranteed unique across sources on one network).
type Labels struct {
	Network string
	Source  string
}

func (l Labels) asMap() prometheus.Labels {
	return prometheus.Labels{"network": l.Network, "source": l.Source}
}

var (
	totalBlocks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "historical_total_blocks",
		Help: "Total blocks in a source's target range.",
	}, []string{"network", "source"})

	cachedBlocks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "historical_cached_blocks",
		Help: "Blocks already completed for a source at setup.",
	}, []string{"network", "source"})

	completedBlocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "historical_completed_blocks",
		Help: "Blocks completed by the orchestrator, incremented per completed interval.",
	}, []string{"network", "source"})

	startTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "historical_start_timestamp",
		Help: "Epoch-ms timestamp of the most recent orchestrator start() call.",
	})

	// deadLettered is the operator's
	// only signal when a task exceeds MaxTaskAttempts and is dropped instead
	// of retried forever.
	deadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "historical_task_dead_lettered_total",
		Help: "Tasks abandoned after exceeding the configured max attempt count.",
	}, []string{"network", "source", "task_kind"})
)

// SetTotalBlocks records a source's target range size at setup.
func SetTotalBlocks(l Labels, n float64) {
	totalBlocks.With(l.asMap()).Set(n)
}

// SetCachedBlocks records how much of a source's target range was already
// complete at setup.
func SetCachedBlocks(l Labels, n float64) {
	cachedBlocks.With(l.asMap()).Set(n)
}

// AddCompletedBlocks increments the completed-block counter by n, where n is
// typically endBlock-startBlock+1 for one completed interval.
func AddCompletedBlocks(l Labels, n float64) {
	completedBlocks.With(l.asMap()).Add(n)
}

// SetStartTimestamp records epoch-ms at orchestrator start.
func SetStartTimestamp(epochMs float64) {
	startTimestamp.Set(epochMs)
}

// IncDeadLettered records a task abandoned after exceeding MaxTaskAttempts.
func IncDeadLettered(l Labels, taskKind string) {
	deadLettered.With(prometheus.Labels{"network": l.Network, "source": l.Source, "task_kind": taskKind}).Inc()
}
