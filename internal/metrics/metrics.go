// Package metrics exposes Prometheus collectors for the notewatch service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	batchRunsTotal             *prometheus.CounterVec
	batchItemsTotal            *prometheus.CounterVec
	batchActive                prometheus.Gauge
	lookupsTotal               *prometheus.CounterVec
	lookupCandidates           prometheus.Histogram
	loginTransitionsTotal      *prometheus.CounterVec
	notificationsTotal         *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		batchRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notewatch_batch_runs_total",
				Help: "Total number of batch refresh runs, labeled by final status.",
			},
			[]string{"status"},
		)

		batchItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notewatch_batch_items_total",
				Help: "Total number of tracked notes processed, labeled by result.",
			},
			[]string{"result"},
		)

		batchActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "notewatch_batch_active",
				Help: "1 while a batch run is in flight.",
			},
		)

		lookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notewatch_lookups_total",
				Help: "Total number of metric lookups, labeled by result.",
			},
			[]string{"result"},
		)

		lookupCandidates = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "notewatch_lookup_candidates",
				Help:    "Number of query candidates tried per lookup.",
				Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
			},
		)

		loginTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notewatch_login_transitions_total",
				Help: "Total number of login state transitions, labeled by target state.",
			},
			[]string{"state"},
		)

		notificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notewatch_notifications_total",
				Help: "Total number of owner notifications, labeled by action and result.",
			},
			[]string{"action", "result"},
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

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveBatchRun counts a finished run.
func ObserveBatchRun(status string) {
	Init()
	batchRunsTotal.WithLabelValues(status).Inc()
}

// SetBatchActive flips the in-flight gauge.
func SetBatchActive(active bool) {
	Init()
	if active {
		batchActive.Set(1)
		return
	}
	batchActive.Set(0)
}

// ObserveItems counts n items with the given result (processed or failed).
func ObserveItems(result string, n int) {
	Init()
	if n > 0 {
		batchItemsTotal.WithLabelValues(result).Add(float64(n))
	}
}

// ObserveLookup records the result of one lookup and how many candidates it tried.
func ObserveLookup(result string, candidates int) {
	Init()
	lookupsTotal.WithLabelValues(result).Inc()
	lookupCandidates.Observe(float64(candidates))
}

// ObserveLoginTransition counts a transition into state.
func ObserveLoginTransition(state string) {
	Init()
	loginTransitionsTotal.WithLabelValues(state).Inc()
}

// ObserveNotification counts a notification attempt.
func ObserveNotification(action, result string) {
	Init()
	notificationsTotal.WithLabelValues(action, result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
