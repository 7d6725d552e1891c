package event_processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"custody/apps/btcflow/internal/events"
	"custody/apps/btcflow/internal/metrics"
	"custody/apps/btcflow/internal/model"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type EventLog interface {
	FetchUnprocessedEvents(ctx context.Context, afterID int64, batchSize int) ([]model.TransitionEvent, error)
	FindPredecessor(ctx context.Context, event model.TransitionEvent) (*model.TransitionEvent, error)
	MarkEventAsProcessed(ctx context.Context, id int64) error
	RecordFailedAttempt(ctx context.Context, id int64) (int, error)
}

type Publisher interface {
	Publish(ctx context.Context, event events.EntityEvent) error
}

// SideEffect runs when an event lands in its state. It may run more than once
// for the same event and must tolerate that.
type SideEffect[E model.Entity] func(ctx context.Context, entity E) error

type Options struct {
	BatchSize     int
	Interval      time.Duration
	AlertAttempts int
}

type result int

const (
	resultProcessed result = iota
	resultSkipped
	resultFailed
)

var errMalformedSnapshot = errors.New("malformed entity snapshot")

// Processor delivers the transition event log: each event is published and its
// state's side effect run before it is marked processed, never ahead of an
// unprocessed earlier event of the same entity.
type Processor[E model.Entity] struct {
	kind        string
	newEntity   func() E
	log         EventLog
	publisher   Publisher
	sideEffects map[model.State]SideEffect[E]
	opts        Options
	logger      *zap.Logger
	mu          sync.Mutex
}

func NewProcessor[E model.Entity](kind string, newEntity func() E, log EventLog, publisher Publisher, sideEffects map[model.State]SideEffect[E], opts Options, logger *zap.Logger) *Processor[E] {
	return &Processor[E]{
		kind:        kind,
		newEntity:   newEntity,
		log:         log,
		publisher:   publisher,
		sideEffects: sideEffects,
		opts:        opts,
		logger:      logger.With(zap.String("kind", kind)),
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
				p.logger.Error("Error processing transition events", zap.Error(err))
			}
		}
	}
}

// ProcessBatch drains the log once: it pages through unprocessed events by id,
// so every event is tried at most once per drain and events left failed or
// skipped never hide later ones. It returns how many events were marked
// processed.
func (p *Processor[E]) ProcessBatch(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := 0
	var cursor int64
	for {
		batch, err := p.log.FetchUnprocessedEvents(ctx, cursor, p.opts.BatchSize)
		if err != nil {
			return total, err
		}
		if len(batch) > 0 {
			cursor = batch[len(batch)-1].ID
		}

		advanced, skipped, failed := 0, 0, 0
		for _, event := range batch {
			switch p.processEvent(ctx, event) {
			case resultProcessed:
				advanced++
			case resultSkipped:
				skipped++
			case resultFailed:
				failed++
			}
		}
		total += advanced

		if len(batch) > 0 {
			p.logger.Info("Processed transition events",
				zap.Int("batch", len(batch)),
				zap.Int("processed", advanced),
				zap.Int("skipped", skipped),
				zap.Int("failed", failed))
		}

		if len(batch) == 0 || len(batch) < p.opts.BatchSize {
			return total, nil
		}
	}
}

func (p *Processor[E]) processEvent(ctx context.Context, event model.TransitionEvent) result {
	predecessor, err := p.log.FindPredecessor(ctx, event)
	if err != nil {
		return p.fail(ctx, event, err)
	}
	if predecessor != nil && !predecessor.Processed {
		p.logger.Debug("Skipping event behind unprocessed predecessor",
			zap.Int64("event_id", event.ID),
			zap.Int64("predecessor_id", predecessor.ID))
		metrics.EventsTotal.WithLabelValues(p.kind, "skipped").Inc()
		return resultSkipped
	}

	entity, err := p.decode(event.Snapshot)
	if err != nil {
		return p.poison(ctx, event, err)
	}

	if err := p.publish(ctx, event, predecessor, entity); err != nil {
		return p.fail(ctx, event, err)
	}

	if sideEffect, ok := p.sideEffects[event.ToState]; ok {
		if err := sideEffect(ctx, entity); err != nil {
			return p.fail(ctx, event, fmt.Errorf("side effect for %s failed: %w", event.ToState, err))
		}
	}

	if err := p.log.MarkEventAsProcessed(ctx, event.ID); err != nil {
		return p.fail(ctx, event, err)
	}
	metrics.EventsTotal.WithLabelValues(p.kind, "processed").Inc()
	return resultProcessed
}

func (p *Processor[E]) decode(snapshot []byte) (E, error) {
	entity := p.newEntity()
	if err := json.Unmarshal(snapshot, entity); err != nil {
		return entity, fmt.Errorf("%w: %v", errMalformedSnapshot, err)
	}
	if entity.Header().Token == uuid.Nil {
		return entity, fmt.Errorf("%w: missing token", errMalformedSnapshot)
	}
	return entity, nil
}

func (p *Processor[E]) publish(ctx context.Context, event model.TransitionEvent, predecessor *model.TransitionEvent, entity E) error {
	m := entity.Header()
	msg := events.EntityEvent{
		EventID:     event.ID,
		EventType:   events.EntityCreated,
		Kind:        p.kind,
		EntityToken: m.Token.String(),
		ToState:     string(event.ToState),
		Version:     event.Version,
		New:         event.Snapshot,
		Timestamp:   time.Now().UTC(),
	}
	if event.FromState != nil {
		msg.FromState = string(*event.FromState)
	}
	if predecessor != nil {
		msg.EventType = events.EntityUpdated
		msg.Old = predecessor.Snapshot
	}
	return p.publisher.Publish(ctx, msg)
}

// poison marks an event with an unreadable snapshot as processed so it cannot
// block the entity's later events. Its publication and side effect are lost.
func (p *Processor[E]) poison(ctx context.Context, event model.TransitionEvent, cause error) result {
	p.logger.Error("Dropping event with malformed snapshot",
		zap.Int64("event_id", event.ID),
		zap.Int64("entity_id", event.EntityID),
		zap.String("to_state", string(event.ToState)),
		zap.Int("snapshot_bytes", len(event.Snapshot)),
		zap.Error(cause))
	metrics.PoisonEventsTotal.WithLabelValues(p.kind).Inc()

	if err := p.log.MarkEventAsProcessed(ctx, event.ID); err != nil {
		return p.fail(ctx, event, err)
	}
	return resultProcessed
}

func (p *Processor[E]) fail(ctx context.Context, event model.TransitionEvent, cause error) result {
	metrics.EventsTotal.WithLabelValues(p.kind, "failed").Inc()

	attempts, err := p.log.RecordFailedAttempt(ctx, event.ID)
	if err != nil {
		p.logger.Error("Failed to record failed attempt", zap.Int64("event_id", event.ID), zap.Error(err))
	}

	fields := []zap.Field{
		zap.Int64("event_id", event.ID),
		zap.Int64("entity_id", event.EntityID),
		zap.String("to_state", string(event.ToState)),
		zap.Int("attempts", attempts),
		zap.Error(cause),
	}
	if p.opts.AlertAttempts > 0 && attempts >= p.opts.AlertAttempts {
		if attempts == p.opts.AlertAttempts {
			metrics.StuckEventsTotal.WithLabelValues(p.kind).Inc()
		}
		p.logger.Error("Transition event is stuck", fields...)
		return resultFailed
	}
	p.logger.Warn("Failed to process transition event", fields...)
	return resultFailed
}
