package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for provider HTTP requests.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "extract_http_requests_total",
		Help: "Total provider HTTP requests by provider and status",
	}, []string{"provider", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "extract_http_request_duration_seconds",
		Help:    "Provider request duration in seconds, retries included",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
	}, []string{"provider"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "extract_http_errors_total",
		Help: "Total provider request failures by error class",
	}, []string{"provider", "class"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "extract_http_retries_total",
		Help: "Total number of retry attempts by provider",
	}, []string{"provider"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "extract_http_retry_backoff_seconds",
		Help:    "Backoff duration before each retry",
		Buckets: []float64{0.5, 1, 5, 10, 20, 40, 80, 160, 320},
	}, []string{"provider"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "extract_http_retry_exhausted_total",
		Help: "Total number of requests that exhausted their retry budget",
	}, []string{"provider"})
)
