package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// API Metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatmeter_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatmeter_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Quota Metrics
	QuotaConsumedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatmeter_quota_consumed_total",
			Help: "Total number of successful quota charges",
		},
	)

	QuotaExhaustedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatmeter_quota_exhausted_total",
			Help: "Total number of consume attempts rejected at zero quota",
		},
	)

	QuotaRefundedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatmeter_quota_refunded_total",
			Help: "Total number of quota refunds",
		},
	)

	// User Metrics
	UsersCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatmeter_users_created_total",
			Help: "Total number of users created",
		},
	)

	UsersDeletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatmeter_users_deleted_total",
			Help: "Total number of users deleted",
		},
	)

	// Auth Metrics
	AuthFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatmeter_auth_failures_total",
			Help: "Total number of authentication failures",
		},
		[]string{"reason"},
	)

	TokensIssuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatmeter_tokens_issued_total",
			Help: "Total number of session tokens issued",
		},
	)
)

// RecordHTTPRequest records HTTP request metrics
func RecordHTTPRequest(method, endpoint, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordConsume records the outcome of a quota charge attempt
func RecordConsume(charged bool) {
	if charged {
		QuotaConsumedTotal.Inc()
	} else {
		QuotaExhaustedTotal.Inc()
	}
}

// RecordRefund records a quota refund
func RecordRefund() {
	QuotaRefundedTotal.Inc()
}

// RecordAuthFailure records an authentication failure by reason
func RecordAuthFailure(reason string) {
	AuthFailuresTotal.WithLabelValues(reason).Inc()
}
