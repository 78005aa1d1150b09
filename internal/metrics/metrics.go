// Package metrics holds the Prometheus collectors for the service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registry served on /metrics.
var Registry = prometheus.NewRegistry()

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "critique_http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "critique_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "critique_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	// ReviewsSubmitted counts submissions by result (accepted, quota_exceeded, invalid).
	ReviewsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "critique_reviews_submitted_total",
			Help: "Review submissions by result.",
		},
		[]string{"result"},
	)

	// ReviewsFinished counts reviews reaching a terminal state.
	ReviewsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "critique_reviews_finished_total",
			Help: "Reviews reaching a terminal state.",
		},
		[]string{"state"},
	)

	// UpstreamDuration observes each GitHub or Anthropic call by outcome.
	UpstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "critique_upstream_call_duration_seconds",
			Help:    "Upstream call latencies by upstream and outcome.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"upstream", "outcome"},
	)

	// ReviewDuration observes the time from submission to a terminal state.
	ReviewDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "critique_review_duration_seconds",
			Help:    "Time from submission to terminal state.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"state"},
	)

	// ReviewsInFlight tracks reviews currently held by a worker.
	ReviewsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "critique_reviews_in_flight",
		Help: "Reviews being processed by a worker.",
	})

	// QueueDepth tracks reviews waiting for a worker.
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "critique_queue_depth",
		Help: "Reviews waiting for a worker.",
	})

	// ReviewsSwept counts reviews failed by the stale sweep.
	ReviewsSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "critique_reviews_swept_total",
		Help: "Reviews failed by the stale-review sweep.",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		ReviewsSubmitted, ReviewsFinished, UpstreamDuration, ReviewDuration,
		ReviewsInFlight, QueueDepth, ReviewsSwept,
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Instrument records request count, latency and in-flight gauge.
// Requests are labelled by their mux pattern so path parameters do not explode cardinality.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
