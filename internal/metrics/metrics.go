// Package metrics provides Prometheus instrumentation for the marketplace engine.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ScoreRecomputations counts ad score writes.
	ScoreRecomputations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "samma_score_recomputations_total",
		Help: "Total number of listing ad score recomputations",
	})

	// PaymentTransitions counts settlement state changes by target status.
	PaymentTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "samma_payment_transitions_total",
		Help: "Payment state transitions by resulting state",
	}, []string{"state"})

	// PaymentVolume tracks cumulative completed purchase value, split into
	// platform fee and seller share.
	PaymentVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "samma_payment_volume_total",
		Help: "Cumulative completed payment value by component",
	}, []string{"component"})

	// ConsistencyErrors counts confirmations or refunds that hit an
	// incompatible payment state.
	ConsistencyErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "samma_settlement_consistency_errors_total",
		Help: "Settlement operations rejected by the payment's current state",
	})

	// ProviderLatency tracks payment provider calls by operation and outcome.
	ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "samma_provider_request_duration_seconds",
		Help:    "Payment provider request latency in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"op", "outcome"})

	// JobRuns counts scheduled job executions by job and result.
	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "samma_job_runs_total",
		Help: "Scheduled job executions",
	}, []string{"job", "result"})

	// JobDuration tracks scheduled job run time.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "samma_job_duration_seconds",
		Help:    "Scheduled job duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})

	// NotificationFailures counts notifications a sink could not deliver.
	NotificationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "samma_notification_failures_total",
		Help: "Notifications that failed to deliver, by sink",
	}, []string{"sink"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "samma_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "samma_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "samma_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack is required for WebSocket upgrades behind the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
