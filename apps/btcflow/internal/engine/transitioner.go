package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"custody/apps/btcflow/internal/fsm"
	"custody/apps/btcflow/internal/metrics"
	"custody/apps/btcflow/internal/model"
	"custody/apps/btcflow/internal/repository"

	"go.uber.org/zap"
)

// PostHook runs after a transition committed. Its failure never undoes the
// transition.
type PostHook[E model.Entity] interface {
	Name() string
	Run(ctx context.Context, from *model.State, entity E, t fsm.Transition[E]) error
}

// Transitioner makes a state change durable: the entity update, its transition
// event and its outbox messages commit together or not at all.
type Transitioner[E model.Entity] struct {
	store       *repository.Store[E]
	hooks       []PostHook[E]
	hookTimeout time.Duration
	logger      *zap.Logger
}

func NewTransitioner[E model.Entity](store *repository.Store[E], hookTimeout time.Duration, logger *zap.Logger, hooks ...PostHook[E]) *Transitioner[E] {
	return &Transitioner[E]{store: store, hooks: hooks, hookTimeout: hookTimeout, logger: logger}
}

// Persist moves entity to t.To at its current version and records the event and
// effects in the same transaction. On failure the entity keeps its prior state.
func (tr *Transitioner[E]) Persist(ctx context.Context, from *model.State, entity E, t fsm.Transition[E], effects []fsm.Effect) (E, error) {
	var zero E
	messages, err := fsm.EncodeAll(effects)
	if err != nil {
		return zero, err
	}

	m := entity.Header()
	previous := m.State
	m.State = t.To

	var updated E
	err = repository.WithTx(ctx, tr.store.DB, nil, func(tx *sql.Tx) error {
		updated, err = tr.store.Entities.SaveWithOutbox(ctx, tx, entity, tr.store.Outbox, messages)
		if err != nil {
			return err
		}
		return tr.appendEvent(ctx, tx, from, updated, t)
	})
	if err != nil {
		m.State = previous
		return zero, fmt.Errorf("failed to persist transition %s: %w", t.Name, err)
	}

	tr.logger.Info("Transition committed",
		zap.String("kind", tr.store.Kind),
		zap.String("transition", t.Name),
		zap.String("entity_token", m.Token.String()),
		zap.String("from_state", string(previous)),
		zap.String("to_state", string(t.To)),
		zap.Int("version", updated.Header().Version),
		zap.Int("effects", len(messages)))
	return updated, nil
}

// Create inserts entity in t.To together with its creating event and effects.
func (tr *Transitioner[E]) Create(ctx context.Context, entity E, t fsm.Transition[E], effects []fsm.Effect) (E, error) {
	var zero E
	messages, err := fsm.EncodeAll(effects)
	if err != nil {
		return zero, err
	}
	entity.Header().State = t.To

	var created E
	err = repository.WithTx(ctx, tr.store.DB, nil, func(tx *sql.Tx) error {
		created, err = tr.store.Entities.Insert(ctx, tx, entity)
		if err != nil {
			return err
		}
		for i := range messages {
			messages[i].ValueID = created.Header().ID
		}
		if err := tr.store.Outbox.Insert(ctx, tx, messages); err != nil {
			return err
		}
		return tr.appendEvent(ctx, tx, nil, created, t)
	})
	if err != nil {
		return zero, fmt.Errorf("failed to create %s: %w", tr.store.Kind, err)
	}

	tr.logger.Info("Entity created",
		zap.String("kind", tr.store.Kind),
		zap.String("transition", t.Name),
		zap.String("entity_token", created.Header().Token.String()),
		zap.String("to_state", string(t.To)))
	return created, nil
}

func (tr *Transitioner[E]) appendEvent(ctx context.Context, tx *sql.Tx, from *model.State, entity E, t fsm.Transition[E]) error {
	snapshot, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("failed to snapshot %s: %w", tr.store.Kind, err)
	}
	m := entity.Header()
	_, err = tr.store.Events.Insert(ctx, tx, m.ID, m.Version, from, t.To, snapshot)
	return err
}

// PostHook runs every hook concurrently, each bounded by the hook timeout, and
// returns once all of them finished or timed out. Failures are only logged.
func (tr *Transitioner[E]) PostHook(ctx context.Context, from *model.State, entity E, t fsm.Transition[E]) {
	var wg sync.WaitGroup
	for _, hook := range tr.hooks {
		wg.Add(1)
		go func(hook PostHook[E]) {
			defer wg.Done()
			if err := tr.runHook(ctx, hook, from, entity, t); err != nil {
				metrics.PostHookFailuresTotal.WithLabelValues(tr.store.Kind, hook.Name()).Inc()
				tr.logger.Error("Post hook failed",
					zap.String("hook", hook.Name()),
					zap.String("transition", t.Name),
					zap.String("entity_token", entity.Header().Token.String()),
					zap.Error(err))
			}
		}(hook)
	}
	wg.Wait()
}

func (tr *Transitioner[E]) runHook(ctx context.Context, hook PostHook[E], from *model.State, entity E, t fsm.Transition[E]) error {
	hookCtx, cancel := context.WithTimeout(ctx, tr.hookTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in post hook: %v", r)
			}
		}()
		done <- hook.Run(hookCtx, from, entity, t)
	}()

	select {
	case err := <-done:
		return err
	case <-hookCtx.Done():
		return hookCtx.Err()
	}
}
