// Package metrics provides Prometheus metrics collection
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Business metrics
	TransactionsTotal     *prometheus.CounterVec
	TransactionDuration   *prometheus.HistogramVec
	DisputesTotal         *prometheus.CounterVec
	CompensationsTotal    *prometheus.CounterVec
	TrustScoreUpdatesTotal *prometheus.CounterVec
	EmergencyStopActive   prometheus.Gauge

	// Database metrics
	DatabaseQueriesTotal    *prometheus.CounterVec
	DatabaseQueryDuration   *prometheus.HistogramVec
	DatabaseConnectionsOpen prometheus.Gauge

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec

	// Process metrics, sourced from gopsutil rather than Go's own runtime
	// package so they reflect the same host view ops tooling does.
	ProcessCPUPercent prometheus.Gauge
	ProcessRSSBytes   prometheus.Gauge
	ProcessOpenFDs    prometheus.Gauge
}

// New creates a new Metrics instance with all collectors registered
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP metrics
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		// Error metrics
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors",
			},
			[]string{"service", "type", "operation"},
		),

		// Business metrics
		TransactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consensus_transactions_total",
				Help: "Total number of two-party transactions, by terminal state",
			},
			[]string{"service", "state"},
		),
		TransactionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "consensus_transaction_duration_seconds",
				Help:    "Time from transaction creation to settlement or cancellation",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 3600, 14400, 86400},
			},
			[]string{"service", "outcome"},
		),
		DisputesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consensus_disputes_total",
				Help: "Total number of disputes opened, by resolution",
			},
			[]string{"service", "resolution"},
		),
		CompensationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consensus_compensations_total",
				Help: "Total number of compensation transactions, by status",
			},
			[]string{"service", "status"},
		),
		TrustScoreUpdatesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consensus_trust_score_updates_total",
				Help: "Total number of trust score adjustments, by reason",
			},
			[]string{"service", "reason"},
		),
		EmergencyStopActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "consensus_emergency_stop_active",
				Help: "1 if an emergency stop is currently engaged, 0 otherwise",
			},
		),

		// Database metrics
		DatabaseQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "database_queries_total",
				Help: "Total number of database queries",
			},
			[]string{"service", "operation", "status"},
		),
		DatabaseQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "database_query_duration_seconds",
				Help:    "Database query duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"service", "operation"},
		),
		DatabaseConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "database_connections_open",
				Help: "Current number of open database connections",
			},
		),

		// Service health
		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),

		// Process metrics
		ProcessCPUPercent: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "process_cpu_percent",
				Help: "Process CPU usage percent, sampled via gopsutil",
			},
		),
		ProcessRSSBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "process_resident_memory_bytes",
				Help: "Process resident set size in bytes, sampled via gopsutil",
			},
		),
		ProcessOpenFDs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "process_open_fds",
				Help: "Number of open file descriptors, sampled via gopsutil",
			},
		),
	}

	// Register all collectors
	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.TransactionsTotal,
			m.TransactionDuration,
			m.DisputesTotal,
			m.CompensationsTotal,
			m.TrustScoreUpdatesTotal,
			m.EmergencyStopActive,
			m.DatabaseQueriesTotal,
			m.DatabaseQueryDuration,
			m.DatabaseConnectionsOpen,
			m.ServiceUptime,
			m.ServiceInfo,
			m.ProcessCPUPercent,
			m.ProcessRSSBytes,
			m.ProcessOpenFDs,
		)
	}

	// Set service info
	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", environment()).Set(1)

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error
func (m *Metrics) RecordError(service, errorType, operation string) {
	m.ErrorsTotal.WithLabelValues(service, errorType, operation).Inc()
}

// RecordTransaction records a settled, cancelled, or disputed transaction.
func (m *Metrics) RecordTransaction(service, state, outcome string, duration time.Duration) {
	m.TransactionsTotal.WithLabelValues(service, state).Inc()
	m.TransactionDuration.WithLabelValues(service, outcome).Observe(duration.Seconds())
}

// RecordDispute records a dispute resolution outcome.
func (m *Metrics) RecordDispute(service, resolution string) {
	m.DisputesTotal.WithLabelValues(service, resolution).Inc()
}

// RecordCompensation records a compensation transaction status transition.
func (m *Metrics) RecordCompensation(service, status string) {
	m.CompensationsTotal.WithLabelValues(service, status).Inc()
}

// RecordTrustUpdate records a trust score adjustment.
func (m *Metrics) RecordTrustUpdate(service, reason string) {
	m.TrustScoreUpdatesTotal.WithLabelValues(service, reason).Inc()
}

// SetEmergencyStopActive reflects whether an emergency stop is currently engaged.
func (m *Metrics) SetEmergencyStopActive(active bool) {
	if active {
		m.EmergencyStopActive.Set(1)
		return
	}
	m.EmergencyStopActive.Set(0)
}

// RecordDatabaseQuery records a database query
func (m *Metrics) RecordDatabaseQuery(service, operation, status string, duration time.Duration) {
	m.DatabaseQueriesTotal.WithLabelValues(service, operation, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

// SetDatabaseConnections sets the number of open database connections
func (m *Metrics) SetDatabaseConnections(count int) {
	m.DatabaseConnectionsOpen.Set(float64(count))
}

// SetProcessStats records a gopsutil sample of this process's resource
// usage, fed by the periodic sampler cmd/appserver starts at boot.
func (m *Metrics) SetProcessStats(cpuPercent float64, rssBytes uint64, openFDs int32) {
	m.ProcessCPUPercent.Set(cpuPercent)
	m.ProcessRSSBytes.Set(float64(rssBytes))
	m.ProcessOpenFDs.Set(float64(openFDs))
}

// UpdateUptime updates the service uptime
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight requests counter
func (m *Metrics) IncrementInFlight() {
	m.RequestsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight requests counter
func (m *Metrics) DecrementInFlight() {
	m.RequestsInFlight.Dec()
}

// environment reports the deployment environment from APP_ENV, defaulting to
// "development" when unset.
func environment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv("APP_ENV")))
	if env == "" {
		return "development"
	}
	return env
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return environment() != "production"
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
