package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the reflection daemon.
type Metrics struct {
	registry       *prometheus.Registry
	ReflectionRuns *prometheus.CounterVec
	ReflectionDur  *prometheus.HistogramVec
	GapsDetected   *prometheus.CounterVec
	RefinementPass prometheus.Counter
	Improvement    prometheus.Histogram
	ActiveSession  *prometheus.GaugeVec
	TransportErrs  *prometheus.CounterVec
	ModelUsage     *prometheus.CounterVec
	ModelFailures  *prometheus.CounterVec
}

// NewMetrics constructs a metrics registry with reflection collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "refinery_reflection_runs_total",
		Help: "Completed reflection runs by terminal status",
	}, []string{"status"})

	durs := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "refinery_reflection_duration_seconds",
		Help:    "Reflection run duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"status"})

	gaps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "refinery_gaps_detected_total",
		Help: "Gaps detected by type and severity",
	}, []string{"type", "severity"})

	passes := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "refinery_refinement_passes_total",
		Help: "Total refinement rewrite passes",
	})

	improvement := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "refinery_iteration_improvement",
		Help:    "Per-iteration confidence improvement",
		Buckets: []float64{-0.2, -0.05, 0, 0.01, 0.05, 0.1, 0.2, 0.5},
	})

	active := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "refinery_transport_active_sessions",
		Help: "Active streaming sessions by transport",
	}, []string{"transport"})

	trErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "refinery_transport_errors_total",
		Help: "Transport-level errors (handler/streaming) by transport and reason",
	}, []string{"transport", "reason"})

	modelUsage := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "refinery_model_usage_total",
		Help: "Model selections by role",
	}, []string{"role", "model"})

	modelFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "refinery_model_failures_total",
		Help: "Model failures by role and model",
	}, []string{"role", "model"})

	reg.MustRegister(runs, durs, gaps, passes, improvement, active, trErrors, modelUsage, modelFailures)

	return &Metrics{
		registry:       reg,
		ReflectionRuns: runs,
		ReflectionDur:  durs,
		GapsDetected:   gaps,
		RefinementPass: passes,
		Improvement:    improvement,
		ActiveSession:  active,
		TransportErrs:  trErrors,
		ModelUsage:     modelUsage,
		ModelFailures:  modelFailures,
	}
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordReflectionRun records a terminal status and duration.
func (m *Metrics) RecordReflectionRun(status string, duration time.Duration) {
	if m == nil {
		return
	}
	if status == "" {
		status = "unknown"
	}
	m.ReflectionRuns.WithLabelValues(status).Inc()
	m.ReflectionDur.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordGap counts one detected gap.
func (m *Metrics) RecordGap(gapType, severity string) {
	if m == nil {
		return
	}
	if gapType == "" {
		gapType = "unknown"
	}
	if severity == "" {
		severity = "unknown"
	}
	m.GapsDetected.WithLabelValues(gapType, severity).Inc()
}

// RecordRefinementPass counts one rewrite pass.
func (m *Metrics) RecordRefinementPass() {
	if m == nil {
		return
	}
	m.RefinementPass.Inc()
}

// RecordImprovement observes one iteration's confidence delta.
func (m *Metrics) RecordImprovement(delta float64) {
	if m == nil {
		return
	}
	m.Improvement.Observe(delta)
}

// IncActiveSessions increments the active session gauge.
func (m *Metrics) IncActiveSessions(transport string) {
	if m == nil {
		return
	}
	m.ActiveSession.WithLabelValues(transport).Inc()
}

// DecActiveSessions decrements the active session gauge.
func (m *Metrics) DecActiveSessions(transport string) {
	if m == nil {
		return
	}
	m.ActiveSession.WithLabelValues(transport).Dec()
}

// RecordTransportError records a transport-level error.
func (m *Metrics) RecordTransportError(transport, reason string) {
	if m == nil {
		return
	}
	if transport == "" {
		transport = "unknown"
	}
	if reason == "" {
		reason = "unknown"
	}
	m.TransportErrs.WithLabelValues(transport, reason).Inc()
}

// RecordModelUsage increments usage counter for a role/model selection.
func (m *Metrics) RecordModelUsage(role, model string) {
	if m == nil {
		return
	}
	if role == "" {
		role = "unknown"
	}
	if model == "" {
		model = "unknown"
	}
	m.ModelUsage.WithLabelValues(role, model).Inc()
}

// RecordModelFailure increments failure counter for a role/model selection.
func (m *Metrics) RecordModelFailure(role, model string) {
	if m == nil {
		return
	}
	if role == "" {
		role = "unknown"
	}
	if model == "" {
		model = "unknown"
	}
	m.ModelFailures.WithLabelValues(role, model).Inc()
}
