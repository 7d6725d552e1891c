package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StateTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "btcflow_state_transitions_total",
		Help: "State transitions delivered through the outbox",
	}, []string{"kind", "from", "to", "failure_reason"})

	SuccessAmountTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "btcflow_success_amount_btc_total",
		Help: "BTC amount of entities that reached a success state",
	}, []string{"kind", "state"})

	CommittedTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "btcflow_committed_transitions_total",
		Help: "Transitions committed by the transitioner",
	}, []string{"kind", "transition"})

	EntityAge = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "btcflow_entity_age_seconds",
		Help:    "Time from entity creation to each committed state",
		Buckets: []float64{0.1, 1, 10, 60, 600, 3600, 6 * 3600, 24 * 3600},
	}, []string{"kind", "state"})

	PostHookFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "btcflow_post_hook_failures_total",
		Help: "Post-commit hooks that failed or timed out",
	}, []string{"kind", "hook"})

	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "btcflow_events_total",
		Help: "Transition events seen by the batch event processor, by result",
	}, []string{"kind", "result"})

	PoisonEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "btcflow_poison_events_total",
		Help: "Events with an unreadable snapshot that were marked processed",
	}, []string{"kind"})

	StuckEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "btcflow_stuck_events_total",
		Help: "Events that crossed the failed attempt alert threshold",
	}, []string{"kind"})

	OutboxMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "btcflow_outbox_messages_total",
		Help: "Outbox messages handled, by effect type and result",
	}, []string{"kind", "effect_type", "result"})

	IdempotencyOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "btcflow_idempotency_outcomes_total",
		Help: "Idempotency lookups by outcome",
	}, []string{"scope", "outcome"})
)
