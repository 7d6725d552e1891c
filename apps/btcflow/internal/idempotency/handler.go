package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"custody/apps/btcflow/internal/metrics"
	"custody/apps/btcflow/internal/model"
	"custody/apps/btcflow/internal/repository"

	"go.uber.org/zap"
)

var (
	ErrAlreadyProcessing  = errors.New("request is already being processed")
	ErrResponseNotPresent = errors.New("idempotency response not present")
)

// CachedError replays the error a previous attempt finished with.
type CachedError struct {
	Message string
	Type    string
}

func (e *CachedError) Error() string {
	return e.Message
}

// Claim is the result of a successful Handle call. A claim without a cached
// response means the caller owns the request and must report its outcome.
type Claim struct {
	Key    string
	Cached json.RawMessage
}

func (c Claim) Owned() bool {
	return c.Cached == nil
}

type Handler struct {
	responses *repository.ResponseRepository
	scope     string
	logger    *zap.Logger
}

func NewHandler(responses *repository.ResponseRepository, scope string, logger *zap.Logger) *Handler {
	return &Handler{responses: responses, scope: scope, logger: logger}
}

// Handle derives the request's key and either claims it, replays its cached
// result, replays its cached error as a *CachedError, or reports
// ErrAlreadyProcessing while another attempt holds it.
func (h *Handler) Handle(ctx context.Context, requestID string, retryCounter int, inputs ...any) (Claim, error) {
	key, err := Key(requestID, retryCounter, inputs...)
	if err != nil {
		return Claim{}, err
	}

	record, err := h.responses.Find(ctx, key, requestID)
	if err != nil {
		return Claim{}, err
	}

	if record == nil {
		inserted, err := h.responses.InsertInFlight(ctx, key, requestID)
		if err != nil {
			return Claim{}, err
		}
		if !inserted {
			h.observe("already_processing")
			return Claim{}, fmt.Errorf("request %s: %w", requestID, ErrAlreadyProcessing)
		}
		h.observe("owned")
		return Claim{Key: key}, nil
	}

	switch {
	case record.Response != nil:
		h.observe("replayed")
		return Claim{Key: key, Cached: record.Response}, nil
	case record.Error != nil:
		h.observe("cached_error")
		return Claim{}, &CachedError{Message: record.Error.Message, Type: record.Error.Type}
	default:
		h.observe("already_processing")
		return Claim{}, fmt.Errorf("request %s: %w", requestID, ErrAlreadyProcessing)
	}
}

// UpdateCachedResponse stores the outcome of an owned request: the result when
// opErr is nil, otherwise the error's message and type.
func (h *Handler) UpdateCachedResponse(ctx context.Context, key, requestID string, result any, opErr error) error {
	record, err := h.responses.Find(ctx, key, requestID)
	if err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("key %s for request %s: %w", key, requestID, ErrResponseNotPresent)
	}

	if opErr != nil {
		record.Response = nil
		record.Error = snapshotError(opErr)
	} else {
		payload, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to encode cached response: %w", err)
		}
		record.Response = payload
		record.Error = nil
	}

	if err := h.responses.Complete(ctx, record); err != nil {
		return err
	}

	h.logger.Info("Cached response stored",
		zap.String("scope", h.scope),
		zap.String("idempotency_key", key),
		zap.String("request_id", requestID),
		zap.Bool("failed", opErr != nil))
	return nil
}

func (h *Handler) observe(outcome string) {
	metrics.IdempotencyOutcomesTotal.WithLabelValues(h.scope, outcome).Inc()
}

// snapshotError keeps the message of err and the type of the innermost error it
// wraps.
func snapshotError(err error) *model.ErrorSnapshot {
	var cached *CachedError
	if errors.As(err, &cached) {
		return &model.ErrorSnapshot{Message: cached.Message, Type: cached.Type}
	}

	root := err
	for {
		next := errors.Unwrap(root)
		if next == nil {
			break
		}
		root = next
	}
	return &model.ErrorSnapshot{Message: err.Error(), Type: fmt.Sprintf("%T", root)}
}

// Run wraps fn with Handle and UpdateCachedResponse. A replayed result is
// decoded into R without calling fn.
func Run[R any](ctx context.Context, h *Handler, requestID string, retryCounter int, inputs []any, fn func(ctx context.Context) (R, error)) (R, error) {
	var zero R
	claim, err := h.Handle(ctx, requestID, retryCounter, inputs...)
	if err != nil {
		return zero, err
	}

	if !claim.Owned() {
		var cached R
		if err := json.Unmarshal(claim.Cached, &cached); err != nil {
			return zero, fmt.Errorf("failed to decode cached response: %w", err)
		}
		return cached, nil
	}

	result, opErr := fn(ctx)
	var stored any = result
	if opErr != nil {
		stored = nil
	}
	if err := h.UpdateCachedResponse(ctx, claim.Key, requestID, stored, opErr); err != nil {
		h.logger.Error("Failed to store cached response",
			zap.String("scope", h.scope),
			zap.String("idempotency_key", claim.Key),
			zap.String("request_id", requestID),
			zap.Error(err))
	}
	return result, opErr
}
