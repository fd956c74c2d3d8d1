// Package metrics defines the Prometheus collectors of the automation engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Action outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics groups the engine's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	Events          *prometheus.CounterVec
	RulesEvaluated  prometheus.Counter
	RulesExecuted   *prometheus.CounterVec
	Actions         *prometheus.CounterVec
	ExecutionTime   prometheus.Histogram
	ApprovalResults *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jobflow",
			Name:      "events_total",
			Help:      "Entity change events received, by result.",
		}, []string{"result"}),
		RulesEvaluated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "jobflow",
			Name:      "rules_evaluated_total",
			Help:      "Workflow rules whose trigger was evaluated.",
		}),
		RulesExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jobflow",
			Name:      "rules_executed_total",
			Help:      "Workflow rules whose actions were executed.",
		}, []string{"organization_id"}),
		Actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jobflow",
			Name:      "actions_total",
			Help:      "Executed actions by type and outcome.",
		}, []string{"type", "outcome"}),
		ExecutionTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "jobflow",
			Name:      "event_duration_seconds",
			Help:      "Time spent handling one entity change event.",
			Buckets:   prometheus.DefBuckets,
		}),
		ApprovalResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jobflow",
			Name:      "approval_decisions_total",
			Help:      "Approval decisions by resulting request status.",
		}, []string{"status"}),
	}
	if reg != nil {
		reg.MustRegister(m.Events, m.RulesEvaluated, m.RulesExecuted, m.Actions, m.ExecutionTime, m.ApprovalResults)
	}
	return m
}

// Event counts one received event.
func (m *Metrics) Event(result string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(result).Inc()
}

// RuleEvaluated counts one trigger evaluation.
func (m *Metrics) RuleEvaluated() {
	if m == nil {
		return
	}
	m.RulesEvaluated.Inc()
}

// RuleExecuted counts one matched rule.
func (m *Metrics) RuleExecuted(organizationID string) {
	if m == nil {
		return
	}
	m.RulesExecuted.WithLabelValues(organizationID).Inc()
}

// Action counts one action attempt.
func (m *Metrics) Action(actionType string, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	m.Actions.WithLabelValues(actionType, outcome).Inc()
}

// ObserveEvent records the handling time of one event in seconds.
func (m *Metrics) ObserveEvent(seconds float64) {
	if m == nil {
		return
	}
	m.ExecutionTime.Observe(seconds)
}

// ApprovalDecided counts one approval decision.
func (m *Metrics) ApprovalDecided(status string) {
	if m == nil {
		return
	}
	m.ApprovalResults.WithLabelValues(status).Inc()
}
