// Package metrics exposes pipeline counters to Prometheus. Counters are fed
// from the event bus so components stay unaware of the metrics backend.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/msageha/taskgate/internal/events"
	"github.com/msageha/taskgate/internal/model"
)

const namespace = "taskgate"

// verdictMissing labels judge calls that produced no usable verdict.
const verdictMissing = "MISSING"

// Metrics holds the collectors of one daemon. Each instance registers on its
// own registry, so tests can build as many as they like.
//
// Metrics:
//   - taskgate_tasks_submitted_total{type}
//   - taskgate_task_transitions_total{from,to}
//   - taskgate_dispatches_total{worker}
//   - taskgate_lease_expiries_total{worker}
//   - taskgate_stale_reports_total{reason}
//   - taskgate_judge_verdicts_total{judge,verdict}
//   - taskgate_judge_duration_seconds{judge}
//   - taskgate_gate_decisions_total{aggregate}
//   - taskgate_remediation_attempts_total{action,outcome}
//   - taskgate_open_escalations
type Metrics struct {
	registry *prometheus.Registry

	Submissions   *prometheus.CounterVec
	Transitions   *prometheus.CounterVec
	Dispatches    *prometheus.CounterVec
	LeaseExpiries *prometheus.CounterVec
	StaleReports  *prometheus.CounterVec
	Verdicts      *prometheus.CounterVec
	JudgeDuration *prometheus.HistogramVec
	Decisions     *prometheus.CounterVec
	Remediations  *prometheus.CounterVec
}

// New registers every collector on a fresh registry. openEscalations backs
// the escalation gauge and may be nil.
func New(openEscalations func() int) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		Submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_submitted_total",
			Help:      "Tasks accepted at intake.",
		}, []string{"type"}),
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Committed task status changes.",
		}, []string{"from", "to"}),
		Dispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Leases granted to workers.",
		}, []string{"worker"}),
		LeaseExpiries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_expiries_total",
			Help:      "Leases revoked by the reaper.",
		}, []string{"worker"}),
		StaleReports: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_reports_total",
			Help:      "Heartbeats and results rejected for a stale lease.",
		}, []string{"reason"}),
		Verdicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "judge_verdicts_total",
			Help:      "Judge invocations by verdict, MISSING when none was usable.",
		}, []string{"judge", "verdict"}),
		JudgeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "judge_duration_seconds",
			Help:      "Wall time of one judge invocation.",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60},
		}, []string{"judge"}),
		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_decisions_total",
			Help:      "Quality gate decisions by aggregate verdict.",
		}, []string{"aggregate"}),
		Remediations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remediation_attempts_total",
			Help:      "Remediation attempts by action and outcome.",
		}, []string{"action", "outcome"}),
	}

	if openEscalations != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_escalations",
			Help:      "Tasks awaiting a human decision.",
		}, func() float64 { return float64(openEscalations()) })
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveJudge matches gate.Observer.
func (m *Metrics) ObserveJudge(judgeID string, verdict model.Verdict, elapsed time.Duration) {
	label := string(verdict)
	if label == "" {
		label = verdictMissing
	}
	m.Verdicts.WithLabelValues(judgeID, label).Inc()
	m.JudgeDuration.WithLabelValues(judgeID).Observe(elapsed.Seconds())
}

// Attach feeds the counters from bus and returns the unsubscribe func.
func (m *Metrics) Attach(bus *events.Bus) func() {
	return bus.SubscribeAll(m.Record)
}

// Record updates the counters for one event.
func (m *Metrics) Record(e events.Event) {
	switch e.Type {
	case events.EventTaskSubmitted:
		m.Submissions.WithLabelValues(str(e.Data, "type")).Inc()
	case events.EventTaskTransition:
		m.Transitions.WithLabelValues(str(e.Data, "from"), str(e.Data, "to")).Inc()
	case events.EventTaskDispatched:
		m.Dispatches.WithLabelValues(str(e.Data, "worker_id")).Inc()
	case events.EventLeaseExpired:
		m.LeaseExpiries.WithLabelValues(str(e.Data, "worker_id")).Inc()
	case events.EventStaleReport:
		m.StaleReports.WithLabelValues(str(e.Data, "reason")).Inc()
	case events.EventGateDecided:
		m.Decisions.WithLabelValues(str(e.Data, "aggregate")).Inc()
	case events.EventRemediation:
		m.Remediations.WithLabelValues(str(e.Data, "action"), str(e.Data, "outcome")).Inc()
	}
}

func str(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}
