package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TriageMetrics exposes counters/histograms for triage workflow runs.
type TriageMetrics struct {
	runsTotal       *prometheus.CounterVec
	runLatency      *prometheus.HistogramVec
	stepLatency     *prometheus.HistogramVec
	agentTotal      *prometheus.CounterVec
	agentLatency    *prometheus.HistogramVec
	debounceSkips   *prometheus.CounterVec
	urgencyTotal    *prometheus.CounterVec
	deliveriesTotal *prometheus.CounterVec
}

var modelBuckets = []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120}

func NewTriageMetrics(reg prometheus.Registerer) *TriageMetrics {
	m := &TriageMetrics{
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medtriage",
			Subsystem: "workflow",
			Name:      "runs_total",
			Help:      "Workflow runs by event kind and outcome",
		}, []string{"kind", "outcome"}),
		runLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "medtriage",
			Subsystem: "workflow",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of workflow runs",
			Buckets:   modelBuckets,
		}, []string{"kind"}),
		stepLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "medtriage",
			Subsystem: "workflow",
			Name:      "step_duration_seconds",
			Help:      "Duration of individual orchestrator stages",
			Buckets:   modelBuckets,
		}, []string{"step", "outcome"}),
		agentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medtriage",
			Subsystem: "agents",
			Name:      "invocations_total",
			Help:      "Agent invocations by agent and outcome (model, reused, fallback)",
		}, []string{"agent", "outcome"}),
		agentLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "medtriage",
			Subsystem: "agents",
			Name:      "duration_seconds",
			Help:      "Agent latency including model calls",
			Buckets:   modelBuckets,
		}, []string{"agent"}),
		debounceSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medtriage",
			Subsystem: "workflow",
			Name:      "debounce_skips_total",
			Help:      "Triage requests skipped because a recent report exists",
		}, []string{"source"}),
		urgencyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medtriage",
			Subsystem: "reports",
			Name:      "overall_urgency_total",
			Help:      "Generated reports by overall urgency",
		}, []string{"urgency"}),
		deliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medtriage",
			Subsystem: "events",
			Name:      "deliveries_total",
			Help:      "Outbound event deliveries by status",
		}, []string{"event_type", "status"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.runsTotal, m.runLatency, m.stepLatency, m.agentTotal, m.agentLatency,
		m.debounceSkips, m.urgencyTotal, m.deliveriesTotal)
	return m
}

func (m *TriageMetrics) ObserveRun(kind, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(kind, outcome).Inc()
	m.runLatency.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func (m *TriageMetrics) ObserveStep(step string, failed bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	m.stepLatency.WithLabelValues(step, outcome).Observe(elapsed.Seconds())
}

// ObserveAgent satisfies agents.Observer.
func (m *TriageMetrics) ObserveAgent(agent, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.agentTotal.WithLabelValues(agent, outcome).Inc()
	m.agentLatency.WithLabelValues(agent).Observe(elapsed.Seconds())
}

func (m *TriageMetrics) ObserveDebounceSkip(source string) {
	if m == nil {
		return
	}
	m.debounceSkips.WithLabelValues(source).Inc()
}

func (m *TriageMetrics) ObserveUrgency(urgency string) {
	if m == nil {
		return
	}
	m.urgencyTotal.WithLabelValues(urgency).Inc()
}

func (m *TriageMetrics) ObserveDelivery(eventType, status string) {
	if m == nil {
		return
	}
	m.deliveriesTotal.WithLabelValues(eventType, status).Inc()
}
