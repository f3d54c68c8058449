// Package metrics holds the Prometheus collectors of the results engine.
//
// Collectors are registered on the default registry at init; the API
// exposes them at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome label values.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
	OutcomeEmpty   = "empty"
	OutcomeCached  = "cached"
)

var (
	// SourceFetches counts External Source fetches by kind (month|live) and outcome.
	SourceFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "results_source_fetches_total",
		Help: "External source fetches by kind and outcome.",
	}, []string{"kind", "outcome"})

	// ArchiveFallbacks counts grids where at least one cell came from the Archive Store.
	ArchiveFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "results_archive_fallback_grids_total",
		Help: "Reconciled grids that used archive values as fallback.",
	})

	// TombstoneRebuilds counts Tombstone Index rebuilds by outcome.
	TombstoneRebuilds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "results_tombstone_rebuilds_total",
		Help: "Tombstone index rebuilds by outcome.",
	}, []string{"outcome"})

	// TombstoneSize is the number of tombstones in the current snapshot.
	TombstoneSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "results_tombstones",
		Help: "Tombstones in the current index snapshot.",
	})

	// ScheduleExecuted counts schedule items applied to the archive, by trigger.
	ScheduleExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "results_schedule_items_executed_total",
		Help: "Schedule items applied to the archive.",
	}, []string{"trigger"})

	// WriteBacks counts asynchronous archive write-backs by outcome.
	WriteBacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "results_archive_writebacks_total",
		Help: "Asynchronous archive write-backs by outcome.",
	}, []string{"outcome"})

	// GridBuildDuration observes Reconciler.BuildGrid latency.
	GridBuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "results_grid_build_seconds",
		Help:    "Time spent reconciling a monthly grid.",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	})
)
