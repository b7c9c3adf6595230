// Package metrics exposes Prometheus collectors for the index scraper.
package metrics

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchAttemptsTotal         *prometheus.CounterVec
	fetchResultsTotal          *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	gateInFlight               prometheus.Gauge
	batchDurationSeconds       prometheus.Histogram
	batchDeadlineExceededTotal prometheus.Counter
	extractionDegradedTotal    *prometheus.CounterVec
	recordsTotal               prometheus.Counter
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexscraper_fetch_attempts_total",
				Help: "Total number of page fetch attempts, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		fetchResultsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexscraper_fetch_results_total",
				Help: "Total number of batch results, labeled by outcome (fetched, failed, canceled).",
			},
			[]string{"outcome"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexscraper_fetch_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		gateInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "indexscraper_gate_in_flight",
				Help: "Number of fetches currently holding a concurrency slot.",
			},
		)

		batchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "indexscraper_batch_duration_seconds",
				Help:    "Histogram of batch fetch durations.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			},
		)

		batchDeadlineExceededTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "indexscraper_batch_deadline_exceeded_total",
				Help: "Total number of batches truncated by the batch deadline.",
			},
		)

		extractionDegradedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexscraper_extraction_degraded_total",
				Help: "Total number of extracted fields that fell back to defaults, labeled by field.",
			},
			[]string{"field"},
		)

		recordsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "indexscraper_records_total",
				Help: "Total number of index records written to reports.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "indexscraper_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 60},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// WriteTextfile dumps the default registry in text exposition format, for
// pickup by the node_exporter textfile collector.
func WriteTextfile(path string) error {
	Init()
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

// ObserveFetchAttempt records one transport attempt.
func ObserveFetchAttempt(site string, success bool, bytesFetched int) {
	Init()
	sanitized := SanitizeSite(site)
	outcome := "failure"
	if success {
		outcome = "success"
	}
	fetchAttemptsTotal.WithLabelValues(sanitized, outcome).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitized).Add(float64(bytesFetched))
	}
}

// ObserveFetchResult records the final outcome of one batch slot.
func ObserveFetchResult(outcome string) {
	Init()
	fetchResultsTotal.WithLabelValues(outcome).Inc()
}

// SetGateInFlight publishes the current number of gate holders.
func SetGateInFlight(n int64) {
	Init()
	gateInFlight.Set(float64(n))
}

// ObserveBatch records a finished batch.
func ObserveBatch(duration time.Duration, deadlineExceeded bool) {
	Init()
	batchDurationSeconds.Observe(duration.Seconds())
	if deadlineExceeded {
		batchDeadlineExceededTotal.Inc()
	}
}

// ObserveExtractionDegraded increments the degradation counter for field.
func ObserveExtractionDegraded(field string) {
	Init()
	extractionDegradedTotal.WithLabelValues(field).Inc()
}

// AddRecords increments the record counter.
func AddRecords(n int) {
	Init()
	if n > 0 {
		recordsTotal.Add(float64(n))
	}
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
