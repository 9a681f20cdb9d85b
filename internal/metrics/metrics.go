// Package metrics exposes Prometheus collectors for the dump run.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jenkins_dump_requests_total",
			Help: "Total number of Jenkins requests, labeled by site and status code (0 when unreachable).",
		},
		[]string{"site", "code"},
	)

	bytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jenkins_dump_bytes_total",
			Help: "Total number of response bytes fetched, labeled by site.",
		},
		[]string{"site"},
	)

	requestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jenkins_dump_request_duration_seconds",
			Help:    "Histogram of Jenkins request latencies, labeled by site.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
		},
		[]string{"site"},
	)

	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jenkins_dump_jobs_total",
			Help: "Total number of job tree nodes processed, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	buildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jenkins_dump_builds_total",
			Help: "Total number of builds processed, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	artifactsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jenkins_dump_artifacts_total",
			Help: "Total number of build artifacts processed, labeled by artifact and outcome.",
		},
		[]string{"artifact", "outcome"},
	)

	inflightBuilds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jenkins_dump_inflight_builds",
			Help: "Number of builds currently being dumped.",
		},
	)

	rateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jenkins_dump_rate_limit_delays_seconds",
			Help:    "Histogram of rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"domain"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jenkins_dump_status_http_requests_total",
			Help: "Total number of requests served by the status server, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jenkins_dump_status_http_request_duration_seconds",
			Help:    "Histogram of status server latencies, labeled by method and route.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"method", "route"},
	)
)

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

// ObserveRequest records one Jenkins request.
func ObserveRequest(site string, code int, bytesFetched int, duration time.Duration) {
	sanitizedSite := SanitizeSite(site)
	requestsTotal.WithLabelValues(sanitizedSite, strconv.Itoa(code)).Inc()
	requestDurationSeconds.WithLabelValues(sanitizedSite).Observe(duration.Seconds())
	if bytesFetched > 0 {
		bytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveJob increments the job node counter for the given outcome.
func ObserveJob(outcome string) {
	jobsTotal.WithLabelValues(outcome).Inc()
}

// ObserveBuild increments the build counter for the given outcome.
func ObserveBuild(outcome string) {
	buildsTotal.WithLabelValues(outcome).Inc()
}

// ObserveArtifact increments the artifact counter.
func ObserveArtifact(artifact, outcome string) {
	artifactsTotal.WithLabelValues(artifact, outcome).Inc()
}

// IncInflightBuilds increments the in-flight builds gauge.
func IncInflightBuilds() {
	inflightBuilds.Inc()
}

// DecInflightBuilds decrements the in-flight builds gauge.
func DecInflightBuilds() {
	inflightBuilds.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest records a request served by the status server.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
