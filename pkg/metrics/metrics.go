// Package metrics provides the Prometheus registry and HTTP handler for the
// AEMET forecast ETL. All metrics are defined in their respective packages
// (keypool, client, cache, ratelimit, batch) to maintain modularity and avoid
// circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the ETL.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer backing Handler.
var Gatherer = prometheus.DefaultGatherer

// Handler serves every registered metric in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Key Pool Metrics (pkg/keypool):
//   - aemet_keypool_leases_total{slot} (Counter): Key leases by pool slot
//   - aemet_keypool_requests_total{slot} (Counter): Requests accounted against each slot
//   - aemet_keypool_exhausted_total (Counter): Scans that found no eligible key
//   - aemet_keypool_acquire_wait_seconds (Histogram): Time blocked in Acquire
//   - aemet_keypool_in_use (Gauge): Keys currently leased
//
// Request Metrics (pkg/client):
//   - aemet_requests_total{stage, status} (Counter): Requests by stage and HTTP status
//   - aemet_request_duration_seconds{stage} (Histogram): Request duration by stage
//   - aemet_errors_total{class} (Counter): Fetch errors by class
//   - aemet_fetches_total{outcome} (Counter): Forecast fetches by outcome
//   - aemet_key_rotations_total{reason} (Counter): Session key rotations (threshold, quota)
//
// Retry Metrics (pkg/client):
//   - aemet_retries_total{error_class} (Counter): Backoff waits by error class
//   - aemet_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - aemet_retry_exhausted_total{error_class} (Counter): Fetches that ran out of attempts
//
// Rate Limit Metrics (pkg/ratelimit):
//   - aemet_rate_limit_responses_total (Counter): Rate-limited responses observed
//   - aemet_rate_limit_remaining (Gauge): Last X-RateLimit-Remaining
//   - aemet_rate_limit_limit (Gauge): Last X-RateLimit-Limit
//   - aemet_rate_limit_reset_timestamp_seconds (Gauge): Last X-RateLimit-Reset
//
// Cache Metrics (pkg/cache):
//   - aemet_cache_hits_total (Counter): Forecast cache hits
//   - aemet_cache_misses_total (Counter): Forecast cache misses
//   - aemet_cache_size_bytes (Gauge): Payload bytes moved through the cache
//   - aemet_cache_errors_total{operation} (Counter): Cache operation errors
//
// Batch Metrics (pkg/batch):
//   - aemet_batch_entities_total{outcome} (Counter): Municipalities by outcome
//   - aemet_batch_attempts_total (Counter): Entity-level fetch attempts
//   - aemet_batch_duration_seconds (Histogram): Batch run duration
//
// Example Prometheus Queries:
//
//   # Failure ratio of the last runs
//   sum(rate(aemet_batch_entities_total{outcome="failed"}[1h])) /
//   sum(rate(aemet_batch_entities_total[1h]))
//
//   # Rate-limited responses per minute
//   rate(aemet_rate_limit_responses_total[5m]) * 60
//
//   # Time spent waiting for a key
//   histogram_quantile(0.95, rate(aemet_keypool_acquire_wait_seconds_bucket[15m]))
//
//   # P95 stage-2 latency
//   histogram_quantile(0.95, rate(aemet_request_duration_seconds_bucket{stage="2"}[5m]))
