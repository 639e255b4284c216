// Package metrics exposes Prometheus collectors for the harvester.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Task outcomes recorded by ObserveTask.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeTimedOut  = "timed_out"
)

var (
	stageTasksTotal               *prometheus.CounterVec
	stageRetriesTotal             *prometheus.CounterVec
	stageInFlight                 *prometheus.GaugeVec
	stageDurationSeconds          *prometheus.HistogramVec
	mediaBytesTotal               prometheus.Counter
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec
	crawlerRateLimitDelaysSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		stageTasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_stage_tasks_total",
				Help: "Task attempts finished per stage, labeled by outcome.",
			},
			[]string{"stage", "outcome"},
		)

		stageRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_stage_retries_total",
				Help: "Tasks re-enqueued after a failed attempt, per stage.",
			},
			[]string{"stage"},
		)

		stageInFlight = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "harvest_stage_in_flight",
				Help: "Task attempts currently executing, per stage.",
			},
			[]string{"stage"},
		)

		stageDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvest_stage_duration_seconds",
				Help:    "Wall time of a full stage invocation.",
				Buckets: []float64{0.5, 1, 5, 15, 60, 300, 900},
			},
			[]string{"stage"},
		)

		mediaBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvest_media_bytes_total",
				Help: "Bytes of media written by the materialization stage.",
			},
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 120},
			},
			[]string{"method", "route"},
		)

		crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
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

// ObserveTask counts a finished task attempt.
func ObserveTask(stage, outcome string) {
	Init()
	stageTasksTotal.WithLabelValues(stage, outcome).Inc()
}

// ObserveRetry counts a re-enqueued task.
func ObserveRetry(stage string) {
	Init()
	stageRetriesTotal.WithLabelValues(stage).Inc()
}

// IncInFlight marks an attempt as started.
func IncInFlight(stage string) {
	Init()
	stageInFlight.WithLabelValues(stage).Inc()
}

// DecInFlight marks an attempt as finished.
func DecInFlight(stage string) {
	Init()
	stageInFlight.WithLabelValues(stage).Dec()
}

// ObserveStage records the duration of a stage invocation.
func ObserveStage(stage string, d time.Duration) {
	Init()
	stageDurationSeconds.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveMediaBytes adds to the materialized byte counter.
func ObserveMediaBytes(n int64) {
	Init()
	if n > 0 {
		mediaBytesTotal.Add(float64(n))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	crawlerRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// Middleware records request counts and latencies keyed by the chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		ObserveHTTPRequest(r.Method, route, sw.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
