// Package metrics exposes the Prometheus registry used by the extractor.
// Metrics are defined in their respective packages (client, cache,
// ratelimit, pagination, extractor, etl) and registered via promauto.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Sternrassler/dataset-extractor/pkg/logging"
)

var (
	// Registry receives the handler's own request metrics.
	Registry = prometheus.DefaultRegisterer

	// Gatherer is what Handler exposes.
	Gatherer = prometheus.DefaultGatherer
)

// Handler serves Gatherer in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(Registry, promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{}))
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	logger := logging.NewLogger("metrics")

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("Metrics server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Metrics Documentation
//
// HTTP client (pkg/client):
//   - extract_http_requests_total{provider, status}
//   - extract_http_request_duration_seconds{provider}
//   - extract_http_errors_total{provider, class}
//   - extract_http_retries_total{provider}
//   - extract_http_retry_backoff_seconds{provider}
//   - extract_http_retry_exhausted_total{provider}
//
// Rate limit (pkg/ratelimit):
//   - extract_ratelimit_remaining{provider}
//   - extract_ratelimit_blocks_total{provider}
//   - extract_ratelimit_throttles_total{provider}
//
// Cache (pkg/cache):
//   - extract_cache_hits_total{provider}
//   - extract_cache_misses_total{provider}
//   - extract_cache_not_modified_total{provider}
//   - extract_cache_errors_total{operation}
//
// Extraction (pkg/pagination, pkg/extractor, pkg/etl):
//   - extract_pages_fetched_total{list}
//   - extract_records_total{provider, origin}
//   - extract_jobs_total{provider, outcome}
//   - extract_job_records{provider}
//   - extract_job_duration_seconds{provider}
//
// Example Prometheus Queries:
//
//   # Failed jobs in the last day
//   increase(extract_jobs_total{outcome!="success"}[1d])
//
//   # Retry rate per provider
//   sum by (provider) (rate(extract_http_retries_total[5m]))
