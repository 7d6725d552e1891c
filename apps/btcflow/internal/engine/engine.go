package engine

import (
	"context"
	"fmt"

	"custody/apps/btcflow/internal/fsm"
	"custody/apps/btcflow/internal/model"
	"custody/apps/btcflow/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Engine applies transitions to stored entities. Concurrent writers are only
// separated by the version check; a stale write surfaces as
// repository.ErrVersionMismatch and is not retried here.
type Engine[E model.Entity] struct {
	store        *repository.Store[E]
	transitioner *Transitioner[E]
	logger       *zap.Logger
}

func NewEngine[E model.Entity](store *repository.Store[E], transitioner *Transitioner[E], logger *zap.Logger) *Engine[E] {
	return &Engine[E]{store: store, transitioner: transitioner, logger: logger}
}

func (e *Engine[E]) Store() *repository.Store[E] {
	return e.store
}

// Start runs a creation transition against a new entity.
func (e *Engine[E]) Start(ctx context.Context, entity E, t fsm.Transition[E]) (E, error) {
	var zero E
	if !t.IsCreation() {
		return zero, fmt.Errorf("%s cannot create a %s: %w", t.Name, e.store.Kind, ErrIllegalTransition)
	}

	decision := decide(entity, t)
	if !decision.Accepted() {
		return zero, &RejectedError{Transition: t.Name, Reason: decision.Reason()}
	}

	created, err := e.transitioner.Create(ctx, decision.Value(), t, decision.Effects())
	if err != nil {
		return zero, err
	}
	e.transitioner.PostHook(ctx, nil, created, t)
	return created, nil
}

// Apply loads the entity by token and applies t to it.
func (e *Engine[E]) Apply(ctx context.Context, token uuid.UUID, t fsm.Transition[E]) (E, error) {
	current, err := e.store.Entities.GetByToken(ctx, token)
	if err != nil {
		var zero E
		return zero, err
	}
	return e.ApplyTo(ctx, current, t)
}

// ApplyTo applies t to an entity the caller already loaded. The entity's version
// is the one the update is conditioned on.
func (e *Engine[E]) ApplyTo(ctx context.Context, current E, t fsm.Transition[E]) (E, error) {
	var zero E
	m := current.Header()
	from := m.State
	if !t.Allows(from) {
		return zero, fmt.Errorf("%s from %s on %s %s: %w", t.Name, from, e.store.Kind, m.Token, ErrIllegalTransition)
	}

	decision := decide(current, t)
	if !decision.Accepted() {
		e.logger.Info("Transition rejected",
			zap.String("kind", e.store.Kind),
			zap.String("transition", t.Name),
			zap.String("entity_token", m.Token.String()),
			zap.String("reason", decision.Reason()))
		return zero, &RejectedError{Transition: t.Name, Reason: decision.Reason()}
	}

	updated, err := e.transitioner.Persist(ctx, &from, decision.Value(), t, decision.Effects())
	if err != nil {
		return zero, err
	}
	e.transitioner.PostHook(ctx, &from, updated, t)
	return updated, nil
}

func decide[E model.Entity](entity E, t fsm.Transition[E]) fsm.Decision[E] {
	if t.Decide == nil {
		return fsm.Accept(entity)
	}
	return t.Decide(entity)
}
