package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	// RequestLatency tracks HTTP request latency by endpoint and method
	RequestLatency *prometheus.HistogramVec
	// ErrorCounter counts errors by type and endpoint
	ErrorCounter *prometheus.CounterVec
	// HTTPRequestsTotal total HTTP requests
	HTTPRequestsTotal *prometheus.CounterVec
	// HTTPRequestsInFlight current HTTP requests being processed
	HTTPRequestsInFlight prometheus.Gauge
	// CaptureSessions counts finished capture sessions by outcome
	CaptureSessions *prometheus.CounterVec
	// CaptureDuration tracks capture session wall time
	CaptureDuration prometheus.Histogram
	// ActiveSessions is 1 while a capture session holds the slot
	ActiveSessions prometheus.Gauge
	// WorkerEvents counts worker protocol events by type and status
	WorkerEvents *prometheus.CounterVec
	// CredentialsSaved counts credential writes by result
	CredentialsSaved *prometheus.CounterVec
	// CredentialsInvalidated counts invalidated credentials by reason
	CredentialsInvalidated *prometheus.CounterVec
	// EngineErrors counts contained capture engine errors by operation
	EngineErrors *prometheus.CounterVec
	// CleanupDeleted counts rows removed by history retention by table
	CleanupDeleted *prometheus.CounterVec
	// MaintenanceDuration tracks cleanup and vacuum run time by operation
	MaintenanceDuration *prometheus.HistogramVec
	// registry is the custom registry for this metrics instance
	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		RequestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_latency_seconds",
				Help:      "HTTP request latency in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"endpoint", "method", "status"},
		),
		ErrorCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of errors",
			},
			[]string{"type", "endpoint", "method"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"endpoint", "method", "status"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),
		CaptureSessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "capture_sessions_total",
				Help:      "Total number of finished capture sessions",
			},
			[]string{"outcome"},
		),
		CaptureDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "capture_session_duration_seconds",
				Help:      "Capture session duration in seconds",
				Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 90, 120, 180, 300},
			},
		),
		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "capture_active_sessions",
				Help:      "Number of capture sessions in progress",
			},
		),
		WorkerEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_events_total",
				Help:      "Total number of worker events received",
			},
			[]string{"type", "status"},
		),
		CredentialsSaved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credentials_saved_total",
				Help:      "Total number of credential save attempts",
			},
			[]string{"result"},
		),
		CredentialsInvalidated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credentials_invalidated_total",
				Help:      "Total number of invalidated credentials",
			},
			[]string{"reason"},
		),
		EngineErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "engine_errors_total",
				Help:      "Total number of contained capture engine errors",
			},
			[]string{"op"},
		),
		CleanupDeleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_cleanup_deleted_total",
				Help:      "Total number of rows deleted by history retention",
			},
			[]string{"table"},
		),
		MaintenanceDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "store_maintenance_duration_seconds",
				Help:      "Store maintenance duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}

	// Register metrics with custom registry
	registry.MustRegister(
		m.RequestLatency,
		m.ErrorCounter,
		m.HTTPRequestsTotal,
		m.HTTPRequestsInFlight,
		m.CaptureSessions,
		m.CaptureDuration,
		m.ActiveSessions,
		m.WorkerEvents,
		m.CredentialsSaved,
		m.CredentialsInvalidated,
		m.EngineErrors,
		m.CleanupDeleted,
		m.MaintenanceDuration,
	)

	return m
}

// Handler returns a Prometheus handler for these metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRequestLatency records the latency of an HTTP request
func (m *Metrics) RecordRequestLatency(endpoint, method, status string, durationSeconds float64) {
	m.RequestLatency.WithLabelValues(endpoint, method, status).Observe(durationSeconds)
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, endpoint, method string) {
	m.ErrorCounter.WithLabelValues(errorType, endpoint, method).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(endpoint, method, status string) {
	m.HTTPRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
}

// IncHTTPRequestsInFlight increments the in-flight requests counter
func (m *Metrics) IncHTTPRequestsInFlight() {
	m.HTTPRequestsInFlight.Inc()
}

// DecHTTPRequestsInFlight decrements the in-flight requests counter
func (m *Metrics) DecHTTPRequestsInFlight() {
	m.HTTPRequestsInFlight.Dec()
}

// RecordSession records a finished capture session
func (m *Metrics) RecordSession(outcome string, durationSeconds float64) {
	m.CaptureSessions.WithLabelValues(outcome).Inc()
	m.CaptureDuration.Observe(durationSeconds)
}

// SetActiveSession sets the active session gauge
func (m *Metrics) SetActiveSession(active bool) {
	if active {
		m.ActiveSessions.Set(1)
		return
	}
	m.ActiveSessions.Set(0)
}

// RecordWorkerEvent records one worker protocol event
func (m *Metrics) RecordWorkerEvent(eventType, status string) {
	m.WorkerEvents.WithLabelValues(eventType, status).Inc()
}

// RecordCredentialSaved records a credential save attempt
func (m *Metrics) RecordCredentialSaved(result string) {
	m.CredentialsSaved.WithLabelValues(result).Inc()
}

// RecordInvalidated records invalidated credentials
func (m *Metrics) RecordInvalidated(reason string, n int64) {
	if n <= 0 {
		return
	}
	m.CredentialsInvalidated.WithLabelValues(reason).Add(float64(n))
}

// RecordEngineError records a contained engine error
func (m *Metrics) RecordEngineError(op string) {
	m.EngineErrors.WithLabelValues(op).Inc()
}

// RecordCleanupOperation records one retention pass over a table
func (m *Metrics) RecordCleanupOperation(table string, deleted int64, d time.Duration) {
	m.CleanupDeleted.WithLabelValues(table).Add(float64(deleted))
	m.MaintenanceDuration.WithLabelValues("cleanup").Observe(d.Seconds())
}

// RecordVacuumOperation records one VACUUM run
func (m *Metrics) RecordVacuumOperation(d time.Duration) {
	m.MaintenanceDuration.WithLabelValues("vacuum").Observe(d.Seconds())
}
