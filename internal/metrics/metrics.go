// Package metrics exposes Prometheus collectors for the ingest service.
package metrics

import (
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
	urlOutcomesTotal           *prometheus.CounterVec
	fetchStatusTotal           *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	postingVersionsTotal       *prometheus.CounterVec
	discoveryCandidatesTotal   *prometheus.CounterVec
	runsTotal                  *prometheus.CounterVec
	inFlightFetches            prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		urlOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobcrawler_url_outcomes_total",
				Help: "Terminal outcome of every crawled URL, labeled by source and outcome.",
			},
			[]string{"source", "outcome"},
		)

		fetchStatusTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobcrawler_fetch_status_total",
				Help: "HTTP status codes returned by fetches, labeled by source and code.",
			},
			[]string{"source", "code"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "jobcrawler_fetch_duration_seconds",
				Help:    "Histogram of fetch latencies, labeled by source and renderer.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"source", "renderer"},
		)

		postingVersionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobcrawler_posting_versions_total",
				Help: "Posting version rows written, labeled by reason.",
			},
			[]string{"reason"},
		)

		discoveryCandidatesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobcrawler_discovery_candidates_total",
				Help: "Candidates returned by discovery, labeled by source.",
			},
			[]string{"source"},
		)

		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobcrawler_runs_total",
				Help: "Crawl runs, labeled by mode and result.",
			},
			[]string{"mode", "result"},
		)

		inFlightFetches = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "jobcrawler_in_flight_urls",
				Help: "Number of URL pipelines currently holding a concurrency slot.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "jobcrawler_rate_limit_delays_seconds",
				Help:    "Histogram of per-host rate limit wait durations.",
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
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
	return promhttp.Handler()
}

// ObserveOutcome counts one URL's terminal outcome.
func ObserveOutcome(source, outcome string) {
	Init()
	urlOutcomesTotal.WithLabelValues(source, outcome).Inc()
}

// ObserveFetch records a completed fetch.
func ObserveFetch(source string, code int, headless bool, duration time.Duration) {
	Init()
	renderer := "http"
	if headless {
		renderer = "headless"
	}
	fetchStatusTotal.WithLabelValues(source, strconv.Itoa(code)).Inc()
	fetchDurationSeconds.WithLabelValues(source, renderer).Observe(duration.Seconds())
}

// ObserveVersion counts a posting version row.
func ObserveVersion(reason string) {
	Init()
	postingVersionsTotal.WithLabelValues(reason).Inc()
}

// ObserveDiscovery counts candidates returned for a source.
func ObserveDiscovery(source string, n int) {
	Init()
	discoveryCandidatesTotal.WithLabelValues(source).Add(float64(n))
}

// ObserveRun counts a finished run.
func ObserveRun(mode, result string) {
	Init()
	runsTotal.WithLabelValues(mode, result).Inc()
}

// IncInFlight increments the in-flight gauge.
func IncInFlight() {
	Init()
	inFlightFetches.Inc()
}

// DecInFlight decrements the in-flight gauge.
func DecInFlight() {
	Init()
	inFlightFetches.Dec()
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
