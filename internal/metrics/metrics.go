// Package metrics defines the Prometheus collectors for the streaming
// pipeline. Import for side effects and record through the exported vars.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Producer metrics
	ProducersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatstream_producers_active",
			Help: "Number of producers currently streaming",
		},
	)

	MessagesFinalized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatstream_messages_finalized_total",
			Help: "Total messages reaching a terminal status",
		},
		[]string{"status"},
	)

	EventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatstream_events_emitted_total",
			Help: "Total stream events emitted by producers",
		},
		[]string{"type"},
	)

	StreamDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatstream_stream_duration_seconds",
			Help:    "Producer lifetime from message creation to terminal state",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
	)

	// Batched writer metrics
	BatchFlushSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatstream_batch_flush_size",
			Help:    "Number of events written per batch flush",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
		},
	)

	BatchFlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatstream_batch_flush_duration_seconds",
			Help:    "Round-trip time of a batch flush to the event log",
			Buckets: prometheus.DefBuckets,
		},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatstream_events_dropped_total",
			Help: "Events dropped because the batched writer queue was full",
		},
		[]string{"type"},
	)

	// Subscriber metrics
	SubscribersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatstream_subscribers_active",
			Help: "Number of attached event log subscribers",
		},
	)

	SubscriberReplayEvents = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatstream_subscriber_replay_events",
			Help:    "Historical events replayed per subscriber attach",
			Buckets: []float64{0, 1, 5, 10, 50, 100, 500, 1000},
		},
	)

	// Provider metrics
	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatstream_provider_errors_total",
			Help: "Upstream provider failures by classification",
		},
		[]string{"provider", "kind"},
	)

	ProviderFirstDelta = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatstream_provider_first_delta_seconds",
			Help:    "Latency from stream open to first provider delta",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"provider"},
	)

	// Rate limiter metrics
	RateLimitDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatstream_rate_limit_denied_total",
			Help: "Free-tier producer starts rejected by the rate limiter",
		},
		[]string{"provider"},
	)

	// Stop registry metrics
	StopRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatstream_stop_requests_total",
			Help: "Cross-node stop flags written",
		},
	)
)
