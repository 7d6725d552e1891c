package metrics

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"custody/apps/btcflow/internal/fsm"
	"custody/apps/btcflow/internal/model"
)

// reasonCodes keeps the failure_reason label bounded. Reasons are matched on the
// text before the first colon, the rest being free-form detail.
var reasonCodes = map[string]string{
	"risk rejected":          "risk_rejected",
	"review rejected":        "review_rejected",
	"chain reorganization":   "chain_reorg",
	"transaction conflicted": "tx_conflicted",
}

const otherReason = "other"

// ReasonCode maps a failure reason onto its label value. An empty reason stays empty.
func ReasonCode(reason string) string {
	if reason == "" {
		return ""
	}
	prefix, _, _ := strings.Cut(reason, ":")
	if code, ok := reasonCodes[strings.TrimSpace(prefix)]; ok {
		return code
	}
	return otherReason
}

// Handlers returns the outbox handlers for the metric effects that every
// decorated transition emits. Both always complete.
func Handlers[E model.Entity]() []fsm.EffectHandler[E] {
	return []fsm.EffectHandler[E]{
		fsm.HandlerFunc[E](fsm.EffectStateTransitionMetric, handleStateTransition[E]),
		fsm.HandlerFunc[E](fsm.EffectSuccessAmountMetric, handleSuccessAmount[E]),
	}
}

func handleStateTransition[E model.Entity](_ context.Context, _ E, payload json.RawMessage) (fsm.Outcome[E], error) {
	m, err := fsm.Decode[fsm.StateTransitionMetric](payload)
	if err != nil {
		return fsm.Outcome[E]{}, err
	}
	StateTransitionsTotal.WithLabelValues(m.Kind, string(m.From), string(m.To), ReasonCode(m.FailureReason)).Inc()
	return fsm.Completed[E](), nil
}

func handleSuccessAmount[E model.Entity](_ context.Context, _ E, payload json.RawMessage) (fsm.Outcome[E], error) {
	m, err := fsm.Decode[fsm.SuccessAmountMetric](payload)
	if err != nil {
		return fsm.Outcome[E]{}, err
	}
	SuccessAmountTotal.WithLabelValues(m.Kind, string(m.State)).Add(m.Amount.InexactFloat64())
	return fsm.Completed[E](), nil
}

// TransitionHook counts committed transitions and observes entity age. It runs
// after commit and never fails.
type TransitionHook[E model.Entity] struct {
	Kind string
}

func (h TransitionHook[E]) Name() string { return "transition_metrics" }

func (h TransitionHook[E]) Run(_ context.Context, _ *model.State, entity E, t fsm.Transition[E]) error {
	m := entity.Header()
	CommittedTransitionsTotal.WithLabelValues(h.Kind, t.Name).Inc()
	EntityAge.WithLabelValues(h.Kind, string(m.State)).Observe(time.Since(m.CreatedAt).Seconds())
	return nil
}
