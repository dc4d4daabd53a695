package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors of the plugin runtime
type Metrics struct {
	registry *prometheus.Registry

	// Lifecycle metrics
	HookInvocationsTotal *prometheus.CounterVec
	HookDuration         *prometheus.HistogramVec
	PluginsByState       *prometheus.GaugeVec

	// Guard metrics
	HostCallsTotal    *prometheus.CounterVec
	GuardDenialsTotal *prometheus.CounterVec

	// Audit metrics
	AuditRecordsTotal    prometheus.Counter
	AuditDroppedTotal    prometheus.Counter
	AuditSinkErrorsTotal prometheus.Counter
	AnomaliesTotal       *prometheus.CounterVec

	// Gateway metrics
	GatewayRequestsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		HookInvocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugd_hook_invocations_total",
				Help: "Total number of plugin hook invocations",
			},
			[]string{"plugin", "hook", "status"},
		),
		HookDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "plugd_hook_duration_seconds",
				Help:    "Duration of plugin hook invocations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"hook"},
		),
		PluginsByState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "plugd_plugins",
				Help: "Number of catalog entries per lifecycle state",
			},
			[]string{"state"},
		),

		HostCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugd_host_calls_total",
				Help: "Total number of authorized host API calls",
			},
			[]string{"plugin", "api"},
		),
		GuardDenialsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugd_guard_denials_total",
				Help: "Total number of host API calls denied by the access guard",
			},
			[]string{"plugin", "kind"},
		),

		AuditRecordsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "plugd_audit_records_total",
				Help: "Total number of activity records written to durable storage",
			},
		),
		AuditDroppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "plugd_audit_dropped_total",
				Help: "Total number of activity records dropped before reaching durable storage",
			},
		),
		AuditSinkErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "plugd_audit_sink_errors_total",
				Help: "Total number of failed durable storage writes",
			},
		),
		AnomaliesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugd_anomalies_total",
				Help: "Total number of activity anomalies flagged",
			},
			[]string{"plugin", "kind"},
		),

		GatewayRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugd_gateway_requests_total",
				Help: "Total number of administrative RPC requests",
			},
			[]string{"method", "status"},
		),
	}

	registry.MustRegister(
		m.HookInvocationsTotal,
		m.HookDuration,
		m.PluginsByState,
		m.HostCallsTotal,
		m.GuardDenialsTotal,
		m.AuditRecordsTotal,
		m.AuditDroppedTotal,
		m.AuditSinkErrorsTotal,
		m.AnomaliesTotal,
		m.GatewayRequestsTotal,
	)

	return m
}

// Handler returns the HTTP handler serving the metrics registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveHook records one hook invocation.
func (m *Metrics) ObserveHook(pluginID, hook string, d time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.HookInvocationsTotal.WithLabelValues(pluginID, hook, status).Inc()
	m.HookDuration.WithLabelValues(hook).Observe(d.Seconds())
}

// SetPluginStates replaces the per-state catalog gauge.
func (m *Metrics) SetPluginStates(counts map[string]int) {
	m.PluginsByState.Reset()
	for state, n := range counts {
		m.PluginsByState.WithLabelValues(state).Set(float64(n))
	}
}

// ObserveHostCall counts an authorized host API call.
func (m *Metrics) ObserveHostCall(pluginID, api string) {
	m.HostCallsTotal.WithLabelValues(pluginID, api).Inc()
}

// ObserveDenial counts a guard denial.
func (m *Metrics) ObserveDenial(pluginID, kind string) {
	m.GuardDenialsTotal.WithLabelValues(pluginID, kind).Inc()
}

// AuditWritten counts records persisted by the audit writer.
func (m *Metrics) AuditWritten(n int) {
	m.AuditRecordsTotal.Add(float64(n))
}

// AuditDropped counts records that never reached durable storage.
func (m *Metrics) AuditDropped() {
	m.AuditDroppedTotal.Inc()
}

// AuditSinkError counts failed durable writes.
func (m *Metrics) AuditSinkError() {
	m.AuditSinkErrorsTotal.Inc()
}

// ObserveAnomaly counts a flagged anomaly.
func (m *Metrics) ObserveAnomaly(pluginID, kind string) {
	m.AnomaliesTotal.WithLabelValues(pluginID, kind).Inc()
}

// ObserveGatewayRequest counts one administrative RPC request.
func (m *Metrics) ObserveGatewayRequest(method string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.GatewayRequestsTotal.WithLabelValues(method, status).Inc()
}
