package metrics

import (
	"context"
	"testing"
	"time"

	"custody/apps/btcflow/internal/fsm"
	"custody/apps/btcflow/internal/model"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func handlerFor(t *testing.T, effectType string) fsm.EffectHandler[*model.Deposit] {
	t.Helper()
	for _, h := range Handlers[*model.Deposit]() {
		if h.EffectType() == effectType {
			return h
		}
	}
	t.Fatalf("no handler for %s", effectType)
	return nil
}

func TestStateTransitionHandler(t *testing.T) {
	counter := StateTransitionsTotal.WithLabelValues("deposit", "DETECTED", "FAILED", "risk_rejected")
	before := testutil.ToFloat64(counter)

	msg, err := fsm.Encode(fsm.StateTransitionMetric{Kind: "deposit", From: "DETECTED", To: "FAILED", FailureReason: "risk rejected: sanctions list match 4711"})
	require.NoError(t, err)

	outcome, err := handlerFor(t, fsm.EffectStateTransitionMetric).Handle(context.Background(), &model.Deposit{}, msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, fsm.OutcomeCompleted, outcome.Kind())
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}

func TestReasonCode(t *testing.T) {
	tests := map[string]string{
		"":                                      "",
		"risk rejected":                         "risk_rejected",
		"risk rejected: velocity 12 in 1h":      "risk_rejected",
		"review rejected: customer unreachable": "review_rejected",
		"chain reorganization":                  "chain_reorg",
		"transaction conflicted":                "tx_conflicted",
		"operator says so":                      "other",
		"riskrejected":                          "other",
	}
	for reason, want := range tests {
		assert.Equal(t, want, ReasonCode(reason), reason)
	}
}

func TestStateTransitionHandler_FreeTextReasonIsBounded(t *testing.T) {
	counter := StateTransitionsTotal.WithLabelValues("withdrawal", "SUBMITTED", "FAILED", "other")
	before := testutil.ToFloat64(counter)

	msg, err := fsm.Encode(fsm.StateTransitionMetric{Kind: "withdrawal", From: "SUBMITTED", To: "FAILED", FailureReason: "manual cancel by ops #8812"})
	require.NoError(t, err)

	_, err = handlerFor(t, fsm.EffectStateTransitionMetric).Handle(context.Background(), &model.Deposit{}, msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}

func TestSuccessAmountHandler(t *testing.T) {
	counter := SuccessAmountTotal.WithLabelValues("deposit", "CREDITED")
	before := testutil.ToFloat64(counter)

	msg, err := fsm.Encode(fsm.SuccessAmountMetric{Kind: "deposit", State: "CREDITED", Amount: decimal.RequireFromString("0.25")})
	require.NoError(t, err)

	_, err = handlerFor(t, fsm.EffectSuccessAmountMetric).Handle(context.Background(), &model.Deposit{}, msg.Payload)
	require.NoError(t, err)
	assert.InDelta(t, before+0.25, testutil.ToFloat64(counter), 1e-9)
}

func TestHandlerRejectsMalformedPayload(t *testing.T) {
	_, err := handlerFor(t, fsm.EffectSuccessAmountMetric).Handle(context.Background(), &model.Deposit{}, []byte("nope"))
	require.ErrorIs(t, err, fsm.ErrMalformedEffect)
}

func TestTransitionHook(t *testing.T) {
	counter := CommittedTransitionsTotal.WithLabelValues("deposit", "credit")
	before := testutil.ToFloat64(counter)

	d := &model.Deposit{Meta: model.Meta{State: "CREDITED", CreatedAt: time.Now().Add(-time.Minute)}}
	hook := TransitionHook[*model.Deposit]{Kind: "deposit"}
	require.NoError(t, hook.Run(context.Background(), nil, d, fsm.Transition[*model.Deposit]{Name: "credit", To: "CREDITED"}))

	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}
