package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	TokensIssued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kafkarelay_tokens_issued_total",
			Help: "Total number of session tokens issued after a successful connection check",
		},
	)

	ConnectionChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafkarelay_connection_checks_total",
			Help: "Connection validation attempts by result",
		},
		[]string{"result"},
	)

	AuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafkarelay_auth_failures_total",
			Help: "Rejected bearer tokens by reason",
		},
		[]string{"reason"},
	)

	// Catalog metrics
	CatalogBuilds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafkarelay_catalog_builds_total",
			Help: "Topic catalog builds by result",
		},
		[]string{"result"},
	)

	CatalogDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kafkarelay_catalog_duration_seconds",
			Help:    "Duration of topic catalog builds",
			Buckets: prometheus.DefBuckets,
		},
	)

	CatalogTopicErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kafkarelay_catalog_topic_errors_total",
			Help: "Topics reported as unavailable because their metadata could not be fetched",
		},
	)

	// Streaming metrics
	StreamSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kafkarelay_stream_sessions_active",
			Help: "Streaming sessions currently holding a viewer connection",
		},
	)

	StreamSessions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafkarelay_stream_sessions_total",
			Help: "Finished streaming sessions by final state",
		},
		[]string{"state"},
	)

	StreamRecordsForwarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafkarelay_stream_records_forwarded_total",
			Help: "Records written to viewer connections",
		},
		[]string{"topic"},
	)

	StreamBytesForwarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafkarelay_stream_bytes_forwarded_total",
			Help: "Encoded record bytes written to viewer connections",
		},
		[]string{"topic"},
	)

	StreamRecordsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafkarelay_stream_records_dropped_total",
			Help: "Records not delivered to a viewer by reason",
		},
		[]string{"reason"},
	)

	ConsumersReleased = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kafkarelay_consumers_released_total",
			Help: "Consumers closed at the end of a streaming session",
		},
	)
)
