package outbox_processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"custody/apps/btcflow/internal/engine"
	"custody/apps/btcflow/internal/fsm"
	"custody/apps/btcflow/internal/metrics"
	"custody/apps/btcflow/internal/model"
	"custody/apps/btcflow/internal/repository"

	"go.uber.org/zap"
)

var ErrUnknownEffect = errors.New("no handler registered for effect type")

type Applier[E model.Entity] interface {
	ApplyTo(ctx context.Context, current E, t fsm.Transition[E]) (E, error)
}

type Options struct {
	BatchSize   int
	Interval    time.Duration
	MaxAttempts int
}

// Processor delivers outbox messages to the handler registered for their effect
// type and applies the transitions handlers ask for.
type Processor[E model.Entity] struct {
	store    *repository.Store[E]
	engine   Applier[E]
	handlers map[string]fsm.EffectHandler[E]
	opts     Options
	logger   *zap.Logger
	mu       sync.Mutex
}

func NewProcessor[E model.Entity](store *repository.Store[E], applier Applier[E], opts Options, logger *zap.Logger) *Processor[E] {
	return &Processor[E]{
		store:    store,
		engine:   applier,
		handlers: make(map[string]fsm.EffectHandler[E]),
		opts:     opts,
		logger:   logger.With(zap.String("kind", store.Kind)),
	}
}

// Register adds handlers, replacing any earlier handler for the same effect type.
func (p *Processor[E]) Register(handlers ...fsm.EffectHandler[E]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range handlers {
		p.handlers[h.EffectType()] = h
	}
}

func (p *Processor[E]) Start(ctx context.Context) {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.ProcessBatch(ctx); err != nil {
				p.logger.Error("Error processing outbox", zap.Error(err))
			}
		}
	}
}

// ProcessBatch drains PENDING messages oldest first, paging by id so a message
// that keeps failing is tried once per drain and never hides later ones. It
// returns how many messages left PENDING.
func (p *Processor[E]) ProcessBatch(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := 0
	var cursor int64
	for {
		batch, err := p.store.Outbox.FetchPendingMessages(ctx, cursor, p.opts.BatchSize)
		if err != nil {
			return total, err
		}
		if len(batch) > 0 {
			cursor = batch[len(batch)-1].ID
		}

		settled := 0
		for _, msg := range batch {
			if p.deliver(ctx, msg) {
				settled++
			}
		}
		total += settled

		if len(batch) > 0 {
			p.logger.Info("Processed outbox messages", zap.Int("batch", len(batch)), zap.Int("settled", settled))
		}
		if len(batch) == 0 || len(batch) < p.opts.BatchSize {
			return total, nil
		}
	}
}

// deliver reports whether msg left PENDING.
func (p *Processor[E]) deliver(ctx context.Context, msg model.OutboxMessage) bool {
	handler, ok := p.handlers[msg.EffectType]
	if !ok {
		p.logger.Warn("Unknown effect type", zap.Int64("outbox_id", msg.ID), zap.String("effect_type", msg.EffectType))
		metrics.OutboxMessagesTotal.WithLabelValues(p.store.Kind, msg.EffectType, "unknown").Inc()
		return p.retry(ctx, msg, fmt.Errorf("%w: %s", ErrUnknownEffect, msg.EffectType))
	}

	entity, err := p.store.Entities.GetByID(ctx, msg.ValueID)
	if err != nil {
		return p.retry(ctx, msg, err)
	}

	outcome, err := handler.Handle(ctx, entity, msg.Payload)
	if errors.Is(err, fsm.ErrMalformedEffect) {
		p.logger.Error("Dead-lettering malformed effect", zap.Int64("outbox_id", msg.ID), zap.String("effect_type", msg.EffectType), zap.Error(err))
		if markErr := p.store.Outbox.MarkAsDeadLetter(ctx, msg.ID, err); markErr != nil {
			p.logger.Error("Failed to dead-letter outbox message", zap.Int64("outbox_id", msg.ID), zap.Error(markErr))
			return false
		}
		metrics.OutboxMessagesTotal.WithLabelValues(p.store.Kind, msg.EffectType, "dead_letter").Inc()
		return true
	}
	if err != nil {
		return p.retry(ctx, msg, err)
	}

	switch outcome.Kind() {
	case fsm.OutcomeTransition:
		if err := p.apply(ctx, entity, outcome.Transition()); err != nil {
			return p.retry(ctx, msg, err)
		}
	case fsm.OutcomeFailed:
		if err := p.apply(ctx, entity, outcome.Transition()); err != nil {
			return p.retry(ctx, msg, err)
		}
		if _, err := p.store.Pending.FailAllForEntity(ctx, entity.Header().Token, outcome.Reason()); err != nil {
			return p.retry(ctx, msg, err)
		}
	}

	if err := p.store.Outbox.MarkAsProcessed(ctx, msg.ID); err != nil {
		p.logger.Error("Failed to mark outbox message as processed", zap.Int64("outbox_id", msg.ID), zap.Error(err))
		return false
	}
	metrics.OutboxMessagesTotal.WithLabelValues(p.store.Kind, msg.EffectType, "completed").Inc()
	return true
}

// apply runs a handler's transition. A transition the entity already moved past
// or that its decision rejects is final and not retried.
func (p *Processor[E]) apply(ctx context.Context, entity E, t fsm.Transition[E]) error {
	_, err := p.engine.ApplyTo(ctx, entity, t)

	var rejected *engine.RejectedError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, engine.ErrIllegalTransition):
		p.logger.Warn("Skipping transition the entity has moved past",
			zap.String("transition", t.Name),
			zap.String("entity_token", entity.Header().Token.String()),
			zap.String("state", string(entity.Header().State)))
		return nil
	case errors.As(err, &rejected):
		p.logger.Info("Handler transition rejected",
			zap.String("transition", t.Name),
			zap.String("entity_token", entity.Header().Token.String()),
			zap.String("reason", rejected.Reason))
		return nil
	default:
		return err
	}
}

func (p *Processor[E]) retry(ctx context.Context, msg model.OutboxMessage, cause error) bool {
	status, err := p.store.Outbox.MarkAsFailed(ctx, msg.ID, cause, p.opts.MaxAttempts)
	if err != nil {
		p.logger.Error("Failed to record outbox failure", zap.Int64("outbox_id", msg.ID), zap.Error(err))
		return false
	}

	metrics.OutboxMessagesTotal.WithLabelValues(p.store.Kind, msg.EffectType, "failed").Inc()
	p.logger.Warn("Outbox delivery failed",
		zap.Int64("outbox_id", msg.ID),
		zap.String("effect_type", msg.EffectType),
		zap.Int("attempts", msg.AttemptCount+1),
		zap.String("status", string(status)),
		zap.Error(cause))
	return status != model.OutboxPending
}
