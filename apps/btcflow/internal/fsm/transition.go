package fsm

import (
	"slices"

	"custody/apps/btcflow/internal/model"
)

// Transition moves an entity from any of From into To. An empty From marks the
// transition that creates the entity.
type Transition[E model.Entity] struct {
	Name   string
	From   []model.State
	To     model.State
	Decide func(E) Decision[E]
}

func (t Transition[E]) Allows(state model.State) bool {
	return slices.Contains(t.From, state)
}

func (t Transition[E]) IsCreation() bool {
	return len(t.From) == 0
}

// Always accepts with the entity unchanged.
func Always[E model.Entity](entity E) Decision[E] {
	return Accept(entity)
}
