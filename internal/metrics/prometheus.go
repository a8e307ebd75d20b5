package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the replication engine.
type Metrics struct {
	// Replication events
	PartFetchesTotal         prometheus.Counter
	PartFetchesOfMergedTotal prometheus.Counter
	PartMergesTotal          prometheus.Counter
	ObsoletePartsTotal       prometheus.Counter
	FetchFailuresTotal       prometheus.Counter

	// Queue state
	QueueSize        prometheus.Gauge
	QueuePullsTotal  prometheus.Counter
	QueueTaskErrors  prometheus.Counter
	MergesInQueue    prometheus.Gauge
	CurrentlyMerging prometheus.Gauge

	// Durations
	FetchDuration prometheus.Histogram
	MergeDuration prometheus.Histogram

	// Leadership
	IsLeader prometheus.Gauge
}

// NewMetrics registers all metrics with the given registerer. Pass a fresh
// prometheus.NewRegistry() in tests to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PartFetchesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "mergetree_replicated_part_fetches_total",
			Help: "Parts fetched from peer replicas",
		}),
		PartFetchesOfMergedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "mergetree_replicated_part_fetches_of_merged_total",
			Help: "Merged parts fetched instead of merging locally",
		}),
		PartMergesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "mergetree_replicated_part_merges_total",
			Help: "Merges performed locally",
		}),
		ObsoletePartsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "mergetree_obsolete_replicated_parts_total",
			Help: "Parts rendered obsolete by a covering part",
		}),
		FetchFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "mergetree_part_fetch_failures_total",
			Help: "Failed part fetch attempts",
		}),
		QueueSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mergetree_queue_size",
			Help: "Entries in the in-memory replication queue",
		}),
		QueuePullsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "mergetree_queue_pulls_total",
			Help: "Log entries pulled into the queue",
		}),
		QueueTaskErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "mergetree_queue_task_errors_total",
			Help: "Queue entries whose execution failed and was re-queued",
		}),
		MergesInQueue: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mergetree_merges_in_queue",
			Help: "MERGE_PARTS entries currently queued",
		}),
		CurrentlyMerging: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mergetree_currently_merging_parts",
			Help: "Part names tagged as participating in queued merges",
		}),
		FetchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mergetree_part_fetch_duration_seconds",
			Help:    "Part fetch latency",
			Buckets: prometheus.DefBuckets,
		}),
		MergeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mergetree_part_merge_duration_seconds",
			Help:    "Local merge latency",
			Buckets: prometheus.DefBuckets,
		}),
		IsLeader: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mergetree_is_leader",
			Help: "1 while this replica runs the merge selector",
		}),
	}
}

// NewNop returns metrics bound to a throwaway registry, for tests.
func NewNop() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
