// Package metrics provides Prometheus metrics for the mirror loop.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Round metrics
	roundsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dirmirror_rounds_total",
			Help: "Total number of completed reconciliation rounds",
		},
	)

	roundDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dirmirror_round_duration_seconds",
			Help:    "Duration of a full reconciliation round in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	lastRoundTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dirmirror_last_round_timestamp_seconds",
			Help: "Unix time at which the last round finished",
		},
	)

	teardownsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dirmirror_replica_teardowns_total",
			Help: "Replica deletions triggered by an absent source root",
		},
		[]string{"status"},
	)

	// Transfer metrics
	filesCopiedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dirmirror_files_copied_total",
			Help: "Total number of file copies into the replica",
		},
		[]string{"status"},
	)

	bytesCopiedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dirmirror_bytes_copied_total",
			Help: "Total bytes written into the replica",
		},
	)

	entriesRemovedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dirmirror_entries_removed_total",
			Help: "Total number of redundant replica entries removed",
		},
		[]string{"kind", "status"},
	)

	conflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dirmirror_conflicts_total",
			Help: "Branches skipped because of a type conflict or a vanished source",
		},
		[]string{"reason"},
	)

	// Event metrics
	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dirmirror_events_total",
			Help: "Total events published",
		},
		[]string{"type"},
	)

	eventsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dirmirror_events_dropped_total",
			Help: "Events dropped for slow subscribers",
		},
		[]string{"type"},
	)
)

// Conflict reasons.
const (
	ReasonTypeConflict  = "type_conflict"
	ReasonSourceMissing = "source_missing"
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRound records a completed reconciliation round.
func RecordRound(duration time.Duration) {
	roundsTotal.Inc()
	roundDuration.Observe(duration.Seconds())
	lastRoundTimestamp.Set(float64(time.Now().Unix()))
}

// RecordTeardown records a replica teardown attempt.
func RecordTeardown(success bool) {
	teardownsTotal.WithLabelValues(status(success)).Inc()
}

// RecordCopy records a file copy.
func RecordCopy(bytes int64, success bool) {
	if success {
		bytesCopiedTotal.Add(float64(bytes))
	}
	filesCopiedTotal.WithLabelValues(status(success)).Inc()
}

// RecordRemoval records a removal of a redundant file or directory.
func RecordRemoval(kind string, success bool) {
	entriesRemovedTotal.WithLabelValues(kind, status(success)).Inc()
}

// RecordConflict records a skipped branch.
func RecordConflict(reason string) {
	conflictsTotal.WithLabelValues(reason).Inc()
}

// RecordEvent records an event publication.
func RecordEvent(eventType string) {
	eventsTotal.WithLabelValues(eventType).Inc()
}

// RecordEventDropped records an event dropped for a slow subscriber.
func RecordEventDropped(eventType string) {
	eventsDroppedTotal.WithLabelValues(eventType).Inc()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
