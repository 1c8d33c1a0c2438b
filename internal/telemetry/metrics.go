// Package telemetry provides observability primitives for the Torii gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	ActiveRequests    prometheus.Gauge
	UpstreamDuration  *prometheus.HistogramVec
	UpstreamErrors    *prometheus.CounterVec
	StreamTTFB        *prometheus.HistogramVec
	ChatOutcomes      *prometheus.CounterVec
	SnapshotCacheHits prometheus.Counter
	SnapshotCacheMiss prometheus.Counter
	RateLimitRejects  *prometheus.CounterVec
	TokensProcessed   *prometheus.CounterVec
	UsageQueueLength  prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "torii",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "torii",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "torii",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "torii",
			Name:                            "upstream_duration_seconds",
			Help:                            "Router call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"model"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "torii",
			Name:      "upstream_errors_total",
			Help:      "Total Router call errors.",
		}, []string{"code"}),

		StreamTTFB: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "torii",
			Name:                            "stream_ttfb_seconds",
			Help:                            "Time to first streamed content byte in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"model"}),

		ChatOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "torii",
			Name:      "chat_outcomes_total",
			Help:      "Chat requests by terminal outcome.",
		}, []string{"outcome", "tier"}),

		SnapshotCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "torii",
			Name:      "auth_snapshot_hits_total",
			Help:      "Total auth snapshot cache hits.",
		}),

		SnapshotCacheMiss: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "torii",
			Name:      "auth_snapshot_misses_total",
			Help:      "Total auth snapshot cache misses.",
		}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "torii",
			Name:      "ratelimit_rejects_total",
			Help:      "Total rate limit rejections.",
		}, []string{"class", "tier"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "torii",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "type"}),

		UsageQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "torii",
			Name:      "usage_queue_length",
			Help:      "Current number of queued usage events.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.StreamTTFB,
		m.ChatOutcomes,
		m.SnapshotCacheHits,
		m.SnapshotCacheMiss,
		m.RateLimitRejects,
		m.TokensProcessed,
		m.UsageQueueLength,
	)

	return m
}
