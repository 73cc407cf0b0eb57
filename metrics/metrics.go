// Package metrics holds the Prometheus metrics of election participants.
//
// Metrics register with the default registry; every series is labelled with
// the election namespace and the node id of the participant.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "election"

var (
	// LeaderStatus is 1 while the participant is the leader.
	LeaderStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "participant",
		Name:      "leader",
		Help:      "Current leadership status (1 = leader, 0 = not leader)",
	}, []string{"election", "node_id"})

	// RoleTransitions counts role state machine transitions.
	RoleTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "participant",
		Name:      "role_transitions_total",
		Help:      "Total number of role transitions by destination role",
	}, []string{"election", "node_id", "role"})

	// Determinations counts leadership determinations by outcome.
	Determinations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "participant",
		Name:      "determinations_total",
		Help:      "Total number of leadership determinations by outcome",
	}, []string{"election", "node_id", "outcome"})

	// Registrations counts candidate registrations.
	Registrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "participant",
		Name:      "registrations_total",
		Help:      "Total number of successful candidate registrations",
	}, []string{"election", "node_id"})

	// Errors counts election errors by kind.
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "participant",
		Name:      "errors_total",
		Help:      "Total number of election errors by kind",
	}, []string{"election", "node_id", "kind"})

	// ActiveWatches is the number of predecessor watches held.
	ActiveWatches = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "participant",
		Name:      "active_watches",
		Help:      "Number of predecessor watches currently held (0 or 1)",
	}, []string{"election", "node_id"})

	// ConnectionState is the last reported connection state.
	ConnectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "coordination",
		Name:      "connection_state",
		Help:      "Connection state (0 = connected, 1 = disconnected, 2 = session expired)",
	}, []string{"election", "node_id"})

	// Recoveries counts recovery attempts made by the runner.
	Recoveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "runner",
		Name:      "recoveries_total",
		Help:      "Total number of recovery attempts by result",
	}, []string{"election", "node_id", "result"})
)
