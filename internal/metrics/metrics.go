// Package metrics exposes Prometheus collectors for the siterag service.
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

	"github.com/JakeFAU/siterag/internal/rag"
)

var (
	pagesTotal                 *prometheus.CounterVec
	bytesTotal                 *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	tasksTotal                 *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	robotsFallbackTotal        prometheus.Counter
	sessionTransitionsTotal    *prometheus.CounterVec
	sessionsByStatus           *prometheus.GaugeVec
	chunksEmbeddedTotal        prometheus.Counter
	queriesTotal               *prometheus.CounterVec
	queryDurationSeconds       prometheus.Histogram

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "siterag_pages_total",
				Help: "Total number of pages fetched, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		bytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "siterag_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "siterag_http_requests_total",
				Help: "Total number of API requests, labeled by method, route and code.",
			},
			[]string{"method", "route", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "siterag_http_request_duration_seconds",
				Help:    "API request latency, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "siterag_tasks_total",
				Help: "Total number of background tasks processed, labeled by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "siterag_active_workers",
				Help: "Number of workers currently processing a task.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "siterag_rate_limit_delays_seconds",
				Help:    "Histogram of politeness wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		robotsFallbackTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "siterag_robots_fallback_total",
				Help: "Hosts whose robots.txt probe timed out and was treated as allow-all.",
			},
		)

		sessionTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "siterag_session_transitions_total",
				Help: "Total number of session status changes, labeled by the new status.",
			},
			[]string{"status"},
		)

		sessionsByStatus = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "siterag_sessions",
				Help: "Sessions known to this process, labeled by current status.",
			},
			[]string{"status"},
		)

		chunksEmbeddedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "siterag_chunks_embedded_total",
				Help: "Total number of chunks embedded and indexed.",
			},
		)

		queriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "siterag_queries_total",
				Help: "Total number of questions answered, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		queryDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "siterag_query_duration_seconds",
				Help:    "Histogram of end-to-end query pipeline latency.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
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

// ObservePage increments the page counters.
func ObservePage(site string, status string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	pagesTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		bytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveTask increments the task counter for the given kind and outcome.
func ObserveTask(kind rag.TaskKind, outcome string) {
	Init()
	tasksTotal.WithLabelValues(string(kind), outcome).Inc()
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

// ObserveRateLimitDelay records the duration of a politeness wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveRobotsFallback counts a robots.txt probe that fell back to allow-all.
func ObserveRobotsFallback() {
	Init()
	robotsFallbackTotal.Inc()
}

// ObserveChunksEmbedded adds n to the embedded chunk counter.
func ObserveChunksEmbedded(n int) {
	Init()
	if n > 0 {
		chunksEmbeddedTotal.Add(float64(n))
	}
}

// ObserveQuery records one query pipeline run.
func ObserveQuery(outcome string, duration time.Duration) {
	Init()
	queriesTotal.WithLabelValues(outcome).Inc()
	queryDurationSeconds.Observe(duration.Seconds())
}

// SessionObserver mirrors session status changes into the session collectors.
type SessionObserver struct{}

// SessionChanged implements session.Observer.
func (SessionObserver) SessionChanged(prev, next rag.SessionMetadata) {
	if prev.Status == next.Status {
		return
	}
	Init()
	if prev.Status != "" {
		sessionsByStatus.WithLabelValues(string(prev.Status)).Dec()
	}
	sessionsByStatus.WithLabelValues(string(next.Status)).Inc()
	sessionTransitionsTotal.WithLabelValues(string(next.Status)).Inc()
}
