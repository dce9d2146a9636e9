// Package metrics exposes the engine's Prometheus counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine counters, registered against a single registry.
type Metrics struct {
	Submissions   prometheus.Counter
	Decisions     *prometheus.CounterVec // action: approve | reject | recall
	Delegations   prometheus.Counter
	Escalations   prometheus.Counter
	Reroutes      prometheus.Counter
	SoDViolations *prometheus.CounterVec // enforcement: hard | soft
}

// New registers and returns the engine counters.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Submissions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "approvals_submitted_total",
			Help: "Approval instances created by submission.",
		}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approval_decisions_total",
			Help: "Decisions applied to approval instances.",
		}, []string{"action"}),
		Delegations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "approval_delegations_total",
			Help: "Explicit delegations applied to approval instances.",
		}),
		Escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "approval_escalations_total",
			Help: "Instances escalated by the sweep.",
		}),
		Reroutes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "approval_delegation_reroutes_total",
			Help: "Overdue instances rerouted to a delegatee by the sweep.",
		}),
		SoDViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sod_violations_total",
			Help: "Segregation-of-duties violations by enforcement outcome.",
		}, []string{"enforcement"}),
	}

	reg.MustRegister(m.Submissions, m.Decisions, m.Delegations, m.Escalations, m.Reroutes, m.SoDViolations)
	return m
}
