package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DecisionsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "muster_decisions_total",
			Help: "Decision attempts by requested decision and outcome",
		},
		[]string{"decision", "outcome"},
	)

	CommitmentRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "muster_commitment_rejections_total",
			Help: "Commitment validation failures by reason",
		},
		[]string{"reason"},
	)

	LockWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "muster_lock_wait_seconds",
			Help:    "Time spent waiting for a per-request lock",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"operation"},
	)

	RequestsFulfilled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "muster_requests_fulfilled_total",
			Help: "Requests whose every category reached its quota",
		},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "muster_http_requests_total",
			Help: "HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "muster_http_request_duration_seconds",
			Help: "HTTP request latency in seconds",
		},
		[]string{"method", "route"},
	)

	WebhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "muster_webhook_deliveries_total",
			Help: "Webhook delivery attempts by outcome",
		},
		[]string{"outcome"},
	)
)
