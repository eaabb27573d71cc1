package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carrier_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "carrier_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Message pipeline
	MessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "carrier_messages_sent_total",
			Help: "Messages accepted into the hot cache",
		},
	)

	MessagesRead = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carrier_messages_read_total",
			Help: "Message reads by tier",
		},
		[]string{"tier"}, // "cache" or "store"
	)

	PublishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "carrier_live_publish_failures_total",
			Help: "Live event publishes that failed",
		},
	)

	// Flush job
	FlushRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carrier_flush_runs_total",
			Help: "Flush runs by outcome",
		},
		[]string{"outcome"}, // "ok", "cancelled", "lease_lost", "scan_failed", "lease_failed", "skipped_locked", "skipped_running"
	)

	FlushRecordsPersisted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "carrier_flush_records_persisted_total",
			Help: "Records written to the durable store by the flush job",
		},
	)

	FlushRecordsCorrupt = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "carrier_flush_records_corrupt_total",
			Help: "Cache entries dropped as corrupt",
		},
	)

	FlushKeyFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carrier_flush_key_failures_total",
			Help: "Per-key flush failures by stage",
		},
		[]string{"stage"}, // "read", "dead_letter", "persist", "trim"
	)

	FlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "carrier_flush_duration_seconds",
			Help:    "Flush run duration",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)
)
