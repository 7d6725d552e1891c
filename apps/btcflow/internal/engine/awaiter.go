package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"custody/apps/btcflow/internal/model"
	"custody/apps/btcflow/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	reasonTimedOut  = "timed out"
	reasonCancelled = "cancelled by caller"
)

// Settlement describes which states end a wait.
type Settlement[E model.Entity] struct {
	Succeeded model.StateSet
	Failed    model.StateSet
	// Reason extracts the failure reason from an entity in a failed state.
	Reason func(E) string
}

// Awaiter blocks a caller until an entity settles, polling at a fixed interval.
type Awaiter[E model.Entity] struct {
	store      *repository.Store[E]
	settlement Settlement[E]
	interval   time.Duration
	timeout    time.Duration
	logger     *zap.Logger
}

func NewAwaiter[E model.Entity](store *repository.Store[E], settlement Settlement[E], interval, timeout time.Duration, logger *zap.Logger) *Awaiter[E] {
	return &Awaiter[E]{store: store, settlement: settlement, interval: interval, timeout: timeout, logger: logger}
}

// Await registers a pending request for token and polls until the entity reaches
// a settled state, the pending request is failed elsewhere, or the timeout
// passes. A request that times out or whose caller goes away is marked failed.
func (a *Awaiter[E]) Await(ctx context.Context, token uuid.UUID) (E, error) {
	var zero E
	pending, err := a.store.Pending.Register(ctx, token)
	if err != nil {
		return zero, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		entity, done, err := a.poll(waitCtx, pending.ID, token)
		if done {
			return entity, err
		}
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			a.logger.Warn("Await poll failed", zap.String("entity_token", token.String()), zap.Error(err))
		}

		select {
		case <-waitCtx.Done():
			reason := reasonTimedOut
			if ctx.Err() != nil {
				reason = reasonCancelled
			}
			// the caller's ctx may be gone too, so settle on a fresh one
			settleCtx, settleCancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
			defer settleCancel()
			if err := a.store.Pending.Fail(settleCtx, pending.ID, reason); err != nil {
				a.logger.Error("Failed to settle abandoned pending request",
					zap.String("pending_id", pending.ID.String()),
					zap.String("reason", reason),
					zap.Error(err))
			}
			if ctx.Err() != nil {
				return zero, ctx.Err()
			}
			return zero, fmt.Errorf("%s %s after %s: %w", a.store.Kind, token, a.timeout, ErrAwaitTimeout)
		case <-ticker.C:
		}
	}
}

func (a *Awaiter[E]) poll(ctx context.Context, pendingID, token uuid.UUID) (E, bool, error) {
	var zero E
	req, err := a.store.Pending.Get(ctx, pendingID)
	if err != nil {
		return zero, false, err
	}
	if req.Status == model.PendingFailed {
		reason := ""
		if req.FailureReason != nil {
			reason = *req.FailureReason
		}
		return zero, true, &SettlementError{Token: token, Reason: reason}
	}

	entity, err := a.store.Entities.GetByToken(ctx, token)
	if err != nil {
		return zero, false, err
	}

	state := entity.Header().State
	switch {
	case a.settlement.Succeeded.Contains(state):
		if err := a.store.Pending.Complete(ctx, pendingID); err != nil {
			a.logger.Error("Failed to complete pending request", zap.String("pending_id", pendingID.String()), zap.Error(err))
		}
		return entity, true, nil
	case a.settlement.Failed.Contains(state):
		reason := string(state)
		if a.settlement.Reason != nil {
			if r := a.settlement.Reason(entity); r != "" {
				reason = r
			}
		}
		if err := a.store.Pending.Fail(ctx, pendingID, reason); err != nil {
			a.logger.Error("Failed to fail pending request", zap.String("pending_id", pendingID.String()), zap.Error(err))
		}
		return entity, true, &SettlementError{Token: token, Reason: reason}
	}
	return zero, false, nil
}
