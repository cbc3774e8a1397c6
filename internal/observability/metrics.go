package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the HTTP surface, the register
// engine and the event dispatcher. A nil *Metrics is a valid no-op.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	operations       *prometheus.CounterVec
	versionConflicts prometheus.Counter
	transientErrors  prometheus.Counter
	cashDifference   prometheus.Histogram

	eventsPublished  *prometheus.CounterVec
	eventsDropped    *prometheus.CounterVec
	deliveryFailures *prometheus.CounterVec
}

// NewMetrics initialises a dedicated registry with all collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pos_http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pos_http_request_duration_seconds",
			Help:    "HTTP request duration per route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pos_register_operations_total",
			Help: "Register operations by type and outcome.",
		}, []string{"type", "outcome"}),
		versionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pos_register_version_conflicts_total",
			Help: "Optimistic version conflicts that triggered a retry.",
		}),
		transientErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pos_register_transient_errors_total",
			Help: "Mutations that exhausted their retries.",
		}),
		cashDifference: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pos_register_cash_difference",
			Help:    "Counted minus expected cash at register close.",
			Buckets: []float64{-100, -20, -5, -1, -0.01, 0.01, 1, 5, 20, 100},
		}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pos_events_published_total",
			Help: "Events accepted by the dispatcher.",
		}, []string{"type"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pos_events_dropped_total",
			Help: "Events dropped because the dispatcher buffer was full or closed.",
		}, []string{"type"}),
		deliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pos_events_delivery_failures_total",
			Help: "Subscriber delivery failures.",
		}, []string{"subscriber"}),
	}
	registry.MustRegister(
		m.requestsTotal, m.requestDuration,
		m.operations, m.versionConflicts, m.transientErrors, m.cashDifference,
		m.eventsPublished, m.eventsDropped, m.deliveryFailures,
	)
	m.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return m
}

// Handler returns the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records metrics for each HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer exposes the registry for custom collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// ObserveOperation counts a register operation and its outcome.
func (m *Metrics) ObserveOperation(opType, outcome string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(opType, outcome).Inc()
}

// IncVersionConflict counts one optimistic retry.
func (m *Metrics) IncVersionConflict() {
	if m == nil {
		return
	}
	m.versionConflicts.Inc()
}

// IncTransient counts a mutation that gave up after its retries.
func (m *Metrics) IncTransient() {
	if m == nil {
		return
	}
	m.transientErrors.Inc()
}

// ObserveCashDifference records the difference found at a register close.
func (m *Metrics) ObserveCashDifference(diff float64) {
	if m == nil {
		return
	}
	m.cashDifference.Observe(diff)
}

// EventPublished counts an accepted event.
func (m *Metrics) EventPublished(eventType string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(eventType).Inc()
}

// EventDropped counts an event that never reached the dispatcher.
func (m *Metrics) EventDropped(eventType string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(eventType).Inc()
}

// DeliveryFailed counts a subscriber error.
func (m *Metrics) DeliveryFailed(subscriber string) {
	if m == nil {
		return
	}
	m.deliveryFailures.WithLabelValues(subscriber).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
