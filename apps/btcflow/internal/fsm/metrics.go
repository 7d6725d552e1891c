package fsm

import (
	"custody/apps/btcflow/internal/model"

	"github.com/shopspring/decimal"
)

type MetricOptions[E model.Entity] struct {
	Kind          string
	SuccessStates model.StateSet
	// Reason extracts the failure reason recorded on the metric, if any.
	Reason func(E) string
	Amount func(E) decimal.Decimal
}

// WithMetrics wraps t so that every accepted decision also carries a
// StateTransitionMetric, plus a SuccessAmountMetric when t lands in one of the
// success states.
func WithMetrics[E model.Entity](t Transition[E], opts MetricOptions[E]) Transition[E] {
	decide := t.Decide
	if decide == nil {
		decide = Always[E]
	}

	t.Decide = func(entity E) Decision[E] {
		from := entity.Header().State
		decision := decide(entity)
		if !decision.Accepted() {
			return decision
		}

		value := decision.Value()
		metric := StateTransitionMetric{Kind: opts.Kind, From: from, To: t.To}
		if opts.Reason != nil {
			metric.FailureReason = opts.Reason(value)
		}
		decision = decision.WithEffects(metric)

		if opts.SuccessStates.Contains(t.To) && opts.Amount != nil {
			decision = decision.WithEffects(SuccessAmountMetric{Kind: opts.Kind, State: t.To, Amount: opts.Amount(value)})
		}
		return decision
	}
	return t
}
