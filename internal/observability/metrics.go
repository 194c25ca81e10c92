package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for ngome.
// Uses a custom registry, no global state. All record methods are nil-safe.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Sandbox execution metrics.
	ExecutionsTotal    *prometheus.CounterVec
	ExecutionDuration  *prometheus.HistogramVec
	ActiveExecutions   prometheus.Gauge
	CodeSizeRejections prometheus.Counter

	// Jail process metrics.
	RunsTotal   *prometheus.CounterVec
	RunDuration prometheus.Histogram

	// Trust metrics.
	TrustDecisionsTotal  *prometheus.CounterVec
	SignaturesRegistered prometheus.Counter

	// Admission metrics.
	AdmissionRejections *prometheus.CounterVec

	// HTTP API metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total sandboxed executions by execution type and failure category (\"none\" on success).",
		}, []string{"type", "category"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ngome",
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "End-to-end sandboxed execution duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"type"}),

		ActiveExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ngome",
			Subsystem: "sandbox",
			Name:      "active_executions",
			Help:      "Number of executions currently in flight.",
		}),

		CodeSizeRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "sandbox",
			Name:      "code_size_rejections_total",
			Help:      "Executions rejected before spawning because the code exceeded the size limit.",
		}),

		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "jail",
			Name:      "runs_total",
			Help:      "Jail processes spawned by outcome.",
		}, []string{"status"}),

		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ngome",
			Subsystem: "jail",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock lifetime of jail processes in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),

		TrustDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "trust",
			Name:      "decisions_total",
			Help:      "Trust decisions by trust level and resulting action.",
		}, []string{"trust", "action"}),

		SignaturesRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "trust",
			Name:      "signatures_registered_total",
			Help:      "Component signatures newly inserted by scans.",
		}),

		AdmissionRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "admission",
			Name:      "rejections_total",
			Help:      "Executions refused before reaching the sandbox.",
		}, []string{"reason"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ngome",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ngome",
			Name:      "active_requests",
			Help:      "Number of currently active HTTP requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ActiveExecutions,
		m.CodeSizeRejections,
		m.RunsTotal,
		m.RunDuration,
		m.TrustDecisionsTotal,
		m.SignaturesRegistered,
		m.AdmissionRejections,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// RecordDecision counts one trust decision.
func (m *MetricsCollector) RecordDecision(trust, action string) {
	if m == nil {
		return
	}
	m.TrustDecisionsTotal.WithLabelValues(trust, action).Inc()
}

// RecordSignatures counts newly registered signatures.
func (m *MetricsCollector) RecordSignatures(inserted int) {
	if m == nil || inserted <= 0 {
		return
	}
	m.SignaturesRegistered.Add(float64(inserted))
}

// RecordRejection counts an execution refused by admission control or lock mode.
func (m *MetricsCollector) RecordRejection(reason string) {
	if m == nil {
		return
	}
	m.AdmissionRejections.WithLabelValues(reason).Inc()
}
