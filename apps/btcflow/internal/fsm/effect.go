package fsm

import (
	"encoding/json"
	"errors"
	"fmt"

	"custody/apps/btcflow/internal/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var ErrMalformedEffect = errors.New("malformed effect payload")

const (
	EffectStateTransitionMetric = "state_transition_metric"
	EffectSuccessAmountMetric   = "success_amount_metric"
	EffectRiskCheck             = "risk_check"
)

// Effect is a serializable side-effect request persisted in the outbox.
type Effect interface {
	EffectType() string
}

// Encode turns an effect into an outbox message. ValueID is left for the
// repository to fill in.
func Encode(effect Effect) (model.OutboxMessage, error) {
	payload, err := json.Marshal(effect)
	if err != nil {
		return model.OutboxMessage{}, fmt.Errorf("failed to encode %s effect: %w", effect.EffectType(), err)
	}
	return model.OutboxMessage{EffectType: effect.EffectType(), Payload: payload}, nil
}

func EncodeAll(effects []Effect) ([]model.OutboxMessage, error) {
	messages := make([]model.OutboxMessage, 0, len(effects))
	for _, effect := range effects {
		msg, err := Encode(effect)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func Decode[T Effect](payload []byte) (T, error) {
	var effect T
	if err := json.Unmarshal(payload, &effect); err != nil {
		return effect, fmt.Errorf("%w: %s: %v", ErrMalformedEffect, effect.EffectType(), err)
	}
	return effect, nil
}

// StateTransitionMetric is attached to every accepted transition.
type StateTransitionMetric struct {
	Kind          string      `json:"kind"`
	From          model.State `json:"from,omitempty"`
	To            model.State `json:"to"`
	FailureReason string      `json:"failure_reason,omitempty"`
}

func (StateTransitionMetric) EffectType() string { return EffectStateTransitionMetric }

// SuccessAmountMetric is attached to transitions landing in a success state.
type SuccessAmountMetric struct {
	Kind   string          `json:"kind"`
	State  model.State     `json:"state"`
	Amount decimal.Decimal `json:"amount"`
}

func (SuccessAmountMetric) EffectType() string { return EffectSuccessAmountMetric }

type RiskCheck struct {
	Kind  string    `json:"kind"`
	Token uuid.UUID `json:"token"`
}

func (RiskCheck) EffectType() string { return EffectRiskCheck }
