package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are registered on the default registry at package load so every
// component can record without plumbing a registry through constructors.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status_code"},
	)

	BatchesProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batches_processed_total",
			Help: "Total number of batch jobs handled, by outcome",
		},
		[]string{"outcome"},
	)

	ChunksProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chunks_processed_total",
			Help: "Total number of chunk jobs handled, by outcome",
		},
		[]string{"outcome"},
	)

	RecipientsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recipients_total",
			Help: "Total number of recipients moved to a terminal status",
		},
		[]string{"status", "module"},
	)

	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "delivery_duration_seconds",
			Help:    "Duration of module executeBatch calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"module"},
	)

	QueueNaksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_naks_total",
			Help: "Total number of NAKed deliveries, by stream and reason",
		},
		[]string{"stream", "reason"},
	)

	RateLimitBlockedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_blocked_total",
			Help: "Total number of blocked rate-limit acquisitions, by limiting bucket",
		},
		[]string{"bucket"},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	ActiveTenantConsumers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_tenant_consumers",
			Help: "Number of running per-tenant chunk consumers",
		},
	)

	EventFlushTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "event_flush_total",
			Help: "Total number of analytics buffer flushes, by outcome",
		},
		[]string{"outcome"},
	)
)
