// Package metrics defines the Prometheus collectors shared by all pipeline
// components. Label values come from closed vocabularies:
//
//	queue:       raw | aligned | recorder
//	status:      pending | running | completed | failed | deferred
//	cached:      true | false
//	record_type: organization | service | location | service_at_location
//	match_type:  exact_name | coordinate | none
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pipeline job metrics
	JobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "radio_jobs_processed_total",
			Help: "Jobs processed by queue, terminal status, and cache hit",
		},
		[]string{"queue", "status", "cached"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "radio_queue_depth",
			Help: "Current number of pending jobs per queue",
		},
		[]string{"queue"},
	)

	DeadLetterTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "radio_dead_letter_total",
			Help: "Jobs moved to the dead-letter list after exhausting retries",
		},
	)

	ActiveWorkers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "radio_active_workers",
			Help: "Workers currently holding a job lease, by queue",
		},
		[]string{"queue"},
	)

	JobProcessingSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "radio_job_processing_seconds",
			Help:    "Wall time spent processing a job, by queue",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"queue"},
	)

	// LLM provider metrics
	ProviderLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "radio_provider_latency_seconds",
			Help:    "LLM provider call latency by provider name",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		},
		[]string{"provider"},
	)

	ProviderErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "radio_provider_errors_total",
			Help: "LLM provider failures by error kind",
		},
		[]string{"provider", "kind"},
	)

	ValidationRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "radio_validation_retries_total",
			Help: "Alignment re-prompts triggered by low confidence",
		},
	)

	// Reconciler metrics
	ReconcilerMatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "radio_reconciler_matches_total",
			Help: "Canonical entity matches by record type and match type",
		},
		[]string{"record_type", "match_type"},
	)

	RecordVersions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "radio_record_versions_total",
			Help: "Version rows written by record type",
		},
		[]string{"record_type"},
	)

	CoordinatesClamped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "radio_coordinates_clamped_total",
			Help: "Coordinates clamped into the U.S. bounding box on ingress",
		},
	)

	CoordinatesMissing = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "radio_coordinates_missing_total",
			Help: "Locations ingested without usable coordinates",
		},
	)

	// Content store metrics
	ContentStoreHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "radio_content_store_lookups_total",
			Help: "Content store lookups by result (hit or miss)",
		},
		[]string{"result"},
	)

	// Publisher metrics
	PublisherRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "radio_publisher_runs_total",
			Help: "Publisher ticks by outcome (published, read_only, ratchet_tripped, error, noop)",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		JobsProcessed,
		QueueDepth,
		DeadLetterTotal,
		ActiveWorkers,
		JobProcessingSeconds,
		ProviderLatencySeconds,
		ProviderErrors,
		ValidationRetries,
		ReconcilerMatches,
		RecordVersions,
		CoordinatesClamped,
		CoordinatesMissing,
		ContentStoreHits,
		PublisherRuns,
	)
}

// Handler returns the HTTP handler serving the Prometheus text exposition.
func Handler() http.Handler {
	return promhttp.Handler()
}
