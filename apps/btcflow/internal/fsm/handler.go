package fsm

import (
	"context"
	"encoding/json"

	"custody/apps/btcflow/internal/model"
)

type OutcomeKind int

const (
	OutcomeCompleted OutcomeKind = iota
	OutcomeTransition
	OutcomeFailed
)

// Outcome is what an effect handler reports back to the outbox processor.
type Outcome[E model.Entity] struct {
	kind       OutcomeKind
	transition Transition[E]
	reason     string
}

func Completed[E model.Entity]() Outcome[E] {
	return Outcome[E]{kind: OutcomeCompleted}
}

// TransitionProduced asks the processor to apply t to the entity.
func TransitionProduced[E model.Entity](t Transition[E]) Outcome[E] {
	return Outcome[E]{kind: OutcomeTransition, transition: t}
}

// FailedWithTransition applies the failure transition t and reports reason to
// whoever waits on the entity.
func FailedWithTransition[E model.Entity](t Transition[E], reason string) Outcome[E] {
	return Outcome[E]{kind: OutcomeFailed, transition: t, reason: reason}
}

func (o Outcome[E]) Kind() OutcomeKind          { return o.kind }
func (o Outcome[E]) Transition() Transition[E] { return o.transition }
func (o Outcome[E]) Reason() string            { return o.reason }

type EffectHandler[E model.Entity] interface {
	EffectType() string
	Handle(ctx context.Context, entity E, payload json.RawMessage) (Outcome[E], error)
}

type handlerFunc[E model.Entity] struct {
	effectType string
	fn         func(ctx context.Context, entity E, payload json.RawMessage) (Outcome[E], error)
}

func (h handlerFunc[E]) EffectType() string { return h.effectType }

func (h handlerFunc[E]) Handle(ctx context.Context, entity E, payload json.RawMessage) (Outcome[E], error) {
	return h.fn(ctx, entity, payload)
}

// HandlerFunc adapts a function into an EffectHandler for effectType.
func HandlerFunc[E model.Entity](effectType string, fn func(ctx context.Context, entity E, payload json.RawMessage) (Outcome[E], error)) EffectHandler[E] {
	return handlerFunc[E]{effectType: effectType, fn: fn}
}
