// Package metrics exposes Prometheus collectors for the catalog service.
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
	crawlSourcesTotal          *prometheus.CounterVec
	crawlBytesTotal            *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	resourcesSavedTotal        *prometheus.CounterVec
	promotionsTotal            *prometheus.CounterVec
	probesTotal                *prometheus.CounterVec
	probeDurationSeconds       *prometheus.HistogramVec
	verifyRunsTotal            *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	geoProviderRequestsTotal   *prometheus.CounterVec
	geoCacheLookupsTotal       *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry. It is safe to
// call repeatedly; every Observe helper calls it.
func Init() {
	once.Do(func() {
		crawlSourcesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_crawl_sources_total",
				Help: "Source fetches, labeled by site and outcome.",
			},
			[]string{"site", "status"},
		)

		crawlBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_crawl_bytes_total",
				Help: "Bytes fetched from sources, labeled by site.",
			},
			[]string{"site"},
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

		resourcesSavedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_resources_saved_total",
				Help: "SaveResource outcomes, labeled by protocol and placement.",
			},
			[]string{"protocol", "placement"},
		)

		promotionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_pending_promotions_total",
				Help: "Pending subscription re-probes, labeled by result.",
			},
			[]string{"result"},
		)

		probesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_probes_total",
				Help: "Liveness probes, labeled by protocol and status.",
			},
			[]string{"protocol", "status"},
		)

		probeDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "catalog_probe_duration_seconds",
				Help:    "Histogram of liveness probe durations, labeled by protocol.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"protocol"},
		)

		verifyRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_verify_runs_total",
				Help: "Verification runs, labeled by final status.",
			},
			[]string{"status"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "catalog_verify_active_workers",
				Help: "Number of verification workers currently running.",
			},
		)

		geoProviderRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_geo_provider_requests_total",
				Help: "Geolocation provider calls, labeled by provider and result.",
			},
			[]string{"provider", "result"},
		)

		geoCacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_geo_cache_lookups_total",
				Help: "Geolocation cache lookups, labeled by hit or miss.",
			},
			[]string{"result"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "catalog_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"key"},
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

// ObserveCrawl records one source fetch.
func ObserveCrawl(site string, status string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	crawlSourcesTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		crawlBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveSave counts a SaveResource outcome.
func ObserveSave(protocol, placement string) {
	Init()
	resourcesSavedTotal.WithLabelValues(protocol, placement).Inc()
}

// ObservePromotion records the results of one promotion pass.
func ObservePromotion(promoted, failed int) {
	Init()
	promotionsTotal.WithLabelValues("promoted").Add(float64(promoted))
	promotionsTotal.WithLabelValues("failed").Add(float64(failed))
}

// ObserveProbe records a finished liveness probe.
func ObserveProbe(protocol, status string, duration time.Duration) {
	Init()
	probesTotal.WithLabelValues(protocol, status).Inc()
	probeDurationSeconds.WithLabelValues(protocol).Observe(duration.Seconds())
}

// ObserveRun increments the verification run counter for the given status.
func ObserveRun(status string) {
	Init()
	verifyRunsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveGeoProvider records whether a provider produced an accepted answer.
func ObserveGeoProvider(provider string, ok bool) {
	Init()
	result := "failure"
	if ok {
		result = "success"
	}
	geoProviderRequestsTotal.WithLabelValues(provider, result).Inc()
}

// ObserveGeoCache records a cache hit or miss.
func ObserveGeoCache(hit bool) {
	Init()
	result := "miss"
	if hit {
		result = "hit"
	}
	geoCacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(key string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(key).Observe(duration.Seconds())
}
