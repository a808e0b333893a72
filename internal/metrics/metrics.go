// Package metrics registers the Prometheus collectors exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts inbound chat requests by pipeline and outcome.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "geminirelay",
		Name:      "requests_total",
		Help:      "Inbound chat requests by pipeline and outcome.",
	}, []string{"pipeline", "outcome"})

	// UpstreamLatency observes upstream call duration in seconds.
	UpstreamLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "geminirelay",
		Name:      "upstream_latency_seconds",
		Help:      "Latency of upstream generate calls.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
	}, []string{"streaming"})

	// TokenRefreshesTotal counts OAuth token refresh attempts by result.
	TokenRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "geminirelay",
		Name:      "token_refreshes_total",
		Help:      "OAuth access token refresh attempts by result.",
	}, []string{"result"})
)
