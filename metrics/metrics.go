// Package metrics exposes the engine's Prometheus counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TransitionsTotal counts evaluated transitions by event and result
	// (accepted, rejected, invalid).
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mortgageflow_transitions_total",
		Help: "Transition evaluations by event and result.",
	}, []string{"event", "result"})

	// EffectExecutionsTotal counts side-effect handler runs by action and
	// outcome (completed, retried, failed, rolled_back).
	EffectExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mortgageflow_effect_executions_total",
		Help: "Side-effect executions by action and outcome.",
	}, []string{"action", "outcome"})

	// OutboxPublishesTotal counts publish attempts by outcome (sent,
	// already_sent, failed).
	OutboxPublishesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mortgageflow_outbox_publishes_total",
		Help: "Outbox publish attempts by outcome.",
	}, []string{"outcome"})
)
