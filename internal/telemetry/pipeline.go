package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PipelineMetrics are the Prometheus collectors for workflow execution.
// All methods are safe on a nil receiver.
//
// Exposed (namespace "contentflow"):
//   - workflows_started_total{kind}
//   - workflows_finished_total{kind,state}
//   - workflows_active
//   - step_duration_seconds{step,status}
//   - step_retries_total{step}
//   - approvals_total{decision}
//   - cost_total{provider}
//   - compensations_total{action,status}
//   - scheduled_runs_total{schedule,status}
type PipelineMetrics struct {
	started       *prometheus.CounterVec
	finished      *prometheus.CounterVec
	active        prometheus.Gauge
	stepDuration  *prometheus.HistogramVec
	retries       *prometheus.CounterVec
	approvals     *prometheus.CounterVec
	cost          *prometheus.CounterVec
	compensations *prometheus.CounterVec
	scheduled     *prometheus.CounterVec
}

// NewPipelineMetrics registers the collectors with registry.
func NewPipelineMetrics(registry prometheus.Registerer) *PipelineMetrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	factory := promauto.With(registry)

	return &PipelineMetrics{
		started: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "contentflow",
			Name:      "workflows_started_total",
			Help:      "Workflow instances started",
		}, []string{"kind"}),
		finished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "contentflow",
			Name:      "workflows_finished_total",
			Help:      "Workflow instances that reached a terminal state",
		}, []string{"kind", "state"}),
		active: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "contentflow",
			Name:      "workflows_active",
			Help:      "Workflow instances currently driven by this process",
		}),
		stepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "contentflow",
			Name:      "step_duration_seconds",
			Help:      "Step execution time including retries",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"step", "status"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "contentflow",
			Name:      "step_retries_total",
			Help:      "Failed step attempts",
		}, []string{"step"}),
		approvals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "contentflow",
			Name:      "approvals_total",
			Help:      "Approval decisions, expiries counted as rejected",
		}, []string{"decision"}),
		cost: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "contentflow",
			Name:      "cost_total",
			Help:      "Accumulated step cost by provider",
		}, []string{"provider"}),
		compensations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "contentflow",
			Name:      "compensations_total",
			Help:      "Compensation actions run",
		}, []string{"action", "status"}),
		scheduled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "contentflow",
			Name:      "scheduled_runs_total",
			Help:      "Cron firings by outcome",
		}, []string{"schedule", "status"}),
	}
}

func (m *PipelineMetrics) WorkflowStarted(kind string) {
	if m == nil {
		return
	}
	m.started.WithLabelValues(kind).Inc()
	m.active.Inc()
}

func (m *PipelineMetrics) WorkflowFinished(kind, state string) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(kind, state).Inc()
	m.active.Dec()
}

func (m *PipelineMetrics) StepFinished(step, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(step, status).Observe(d.Seconds())
}

func (m *PipelineMetrics) StepRetried(step string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(step).Inc()
}

func (m *PipelineMetrics) ApprovalDecided(decision string) {
	if m == nil {
		return
	}
	m.approvals.WithLabelValues(decision).Inc()
}

func (m *PipelineMetrics) CostAdded(provider string, amount float64) {
	if m == nil || amount <= 0 {
		return
	}
	if provider == "" {
		provider = "unknown"
	}
	m.cost.WithLabelValues(provider).Add(amount)
}

func (m *PipelineMetrics) Compensated(action, status string) {
	if m == nil {
		return
	}
	m.compensations.WithLabelValues(action, status).Inc()
}

func (m *PipelineMetrics) ScheduledRun(schedule, status string) {
	if m == nil {
		return
	}
	m.scheduled.WithLabelValues(schedule, status).Inc()
}
