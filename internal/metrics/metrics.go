package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Admin HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lumen_http_requests_total",
			Help: "Total number of admin HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lumen_http_request_duration_seconds",
			Help:    "Admin HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "endpoint", "status"},
	)

	// Envelope construction
	EnvelopesBuilt = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lumen_envelopes_built_total",
			Help: "Total number of envelopes built from telemetry records",
		},
		[]string{"base_type"},
	)

	EnvelopesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lumen_envelopes_dropped_total",
			Help: "Envelopes dropped before batching",
		},
		[]string{"reason"}, // unsupported_kind, processor_filtered, processor_panic, encode_failed
	)

	// Batching buffer
	BufferItems = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lumen_buffer_items",
			Help: "Envelopes currently held by the batching buffer",
		},
	)

	BatchesFlushed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lumen_batches_flushed_total",
			Help: "Batches handed to the transport",
		},
		[]string{"trigger"}, // export, interval, force
	)

	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lumen_batch_size",
			Help:    "Number of envelopes per flushed batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	// Transport
	SendTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lumen_send_total",
			Help: "Send attempts by outcome",
		},
		[]string{"outcome"}, // success, partial, retryable, non_retryable
	)

	SendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lumen_send_duration_seconds",
			Help:    "Time taken by a single ingestion request",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	SendRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lumen_send_retries_total",
			Help: "Total number of in-process send retries",
		},
	)

	ItemsAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lumen_items_accepted_total",
			Help: "Envelopes accepted by the ingestion service",
		},
	)

	BytesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lumen_bytes_sent_total",
			Help: "Request body bytes written to the ingestion service",
		},
	)

	// Offline storage
	StorageBatches = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lumen_storage_batches",
			Help: "Batches currently persisted in offline storage",
		},
	)

	StorageBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lumen_storage_bytes",
			Help: "Bytes currently persisted in offline storage",
		},
	)

	StorageOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lumen_storage_operations_total",
			Help: "Offline storage operations",
		},
		[]string{"op"}, // store, evict, expire, replay_success, replay_retry, replay_drop
	)

	// Loss reporting
	TelemetryLost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lumen_telemetry_lost_total",
			Help: "Envelopes permanently lost",
		},
		[]string{"reason"},
	)

	DeadLetterPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lumen_dead_letter_published_total",
			Help: "Lost envelopes published to the dead-letter topic",
		},
		[]string{"status"}, // success, failed
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lumen_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)
