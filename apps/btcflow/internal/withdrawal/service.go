package withdrawal

import (
	"context"
	"errors"
	"fmt"

	"custody/apps/btcflow/internal/engine"
	"custody/apps/btcflow/internal/events"
	"custody/apps/btcflow/internal/idempotency"
	"custody/apps/btcflow/internal/model"
	"custody/apps/btcflow/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var ErrNotUnderReview = errors.New("withdrawal is not under review")

// PaymentRequest is a customer's instruction to send BTC. RequestID becomes the
// withdrawal token; RetryCounter is bumped by the caller to retry a request
// whose first attempt failed.
type PaymentRequest struct {
	RequestID           uuid.UUID
	RetryCounter        int
	CustomerID          string
	Amount              decimal.Decimal
	Fee                 decimal.Decimal
	DestinationAddress  string
	Speed               string
	LedgerTransactionID string
}

func (r PaymentRequest) inputs() []any {
	return []any{r.CustomerID, r.Amount.String(), r.Fee.String(), r.DestinationAddress, r.Speed, r.LedgerTransactionID}
}

type Service struct {
	engine   *engine.Engine[*model.Withdrawal]
	awaiter  *engine.Awaiter[*model.Withdrawal]
	requests *idempotency.Handler
	finality int
	logger   *zap.Logger
}

func NewService(eng *engine.Engine[*model.Withdrawal], awaiter *engine.Awaiter[*model.Withdrawal], requests *idempotency.Handler, finality int, logger *zap.Logger) *Service {
	return &Service{
		engine:   eng,
		awaiter:  awaiter,
		requests: requests,
		finality: finality,
		logger:   logger.With(zap.String("kind", Kind)),
	}
}

// Request creates the withdrawal. Repeating a request replays the first answer,
// including its error.
func (s *Service) Request(ctx context.Context, r PaymentRequest) (*model.Withdrawal, error) {
	return idempotency.Run(ctx, s.requests, r.RequestID.String(), r.RetryCounter, r.inputs(), func(ctx context.Context) (*model.Withdrawal, error) {
		w := &model.Withdrawal{
			Meta:               model.Meta{Token: r.RequestID},
			CustomerID:         r.CustomerID,
			Amount:             r.Amount,
			Fee:                r.Fee,
			DestinationAddress: r.DestinationAddress,
			Speed:              r.Speed,
		}
		if r.LedgerTransactionID != "" {
			ltx := r.LedgerTransactionID
			w.LedgerTransactionID = &ltx
		}

		created, err := s.engine.Start(ctx, w, Request())
		if errors.Is(err, repository.ErrAlreadyExists) {
			// an earlier attempt created it but never stored its response
			return s.engine.Store().Entities.GetByToken(ctx, r.RequestID)
		}
		return created, err
	})
}

// RequestAndAwait creates the withdrawal and blocks until it is submitted to
// the network or fails.
func (s *Service) RequestAndAwait(ctx context.Context, r PaymentRequest) (*model.Withdrawal, error) {
	w, err := s.Request(ctx, r)
	if err != nil {
		return nil, err
	}
	if Settlement.Succeeded.Contains(w.State) {
		return w, nil
	}
	return s.awaiter.Await(ctx, w.Token)
}

func (s *Service) ResolveReview(ctx context.Context, requestID string, retryCounter int, token uuid.UUID, approve bool, reason string) (*model.Withdrawal, error) {
	inputs := []any{token.String(), approve, reason}
	return idempotency.Run(ctx, s.requests, requestID, retryCounter, inputs, func(ctx context.Context) (*model.Withdrawal, error) {
		current, err := s.engine.Store().Entities.GetByToken(ctx, token)
		if err != nil {
			return nil, err
		}
		if current.State != FundsFrozen {
			return nil, fmt.Errorf("%s in %s: %w", token, current.State, ErrNotUnderReview)
		}
		if approve {
			return s.engine.ApplyTo(ctx, current, Submit())
		}
		return s.engine.ApplyTo(ctx, current, Fail("review rejected: "+reason))
	})
}

// Confirm records txid once it has reached finality. Counts below finality and
// withdrawals that are not submitted leave the withdrawal unchanged.
func (s *Service) Confirm(ctx context.Context, token uuid.UUID, txid string, confirmations int) (*model.Withdrawal, error) {
	current, err := s.engine.Store().Entities.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if current.State != Submitted {
		return current, nil
	}

	confirmed, err := s.engine.ApplyTo(ctx, current, Confirm(txid, confirmations, s.finality))
	var rejected *engine.RejectedError
	if errors.As(err, &rejected) {
		return current, nil
	}
	return confirmed, err
}

// Fail moves a withdrawal that has not settled to FAILED.
func (s *Service) Fail(ctx context.Context, token uuid.UUID, reason string) (*model.Withdrawal, error) {
	current, err := s.engine.Store().Entities.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if current.State == Confirmed || current.State == Failed {
		return current, nil
	}
	return s.engine.ApplyTo(ctx, current, Fail(reason))
}

func (s *Service) ListSubmitted(ctx context.Context, limit int) ([]*model.Withdrawal, error) {
	return s.engine.Store().Entities.FindByState(ctx, Submitted, limit)
}

func (s *Service) HandleChainNotification(ctx context.Context, n events.ChainNotification) error {
	token, err := uuid.Parse(n.Reference)
	if err != nil {
		return fmt.Errorf("%w: reference %q: %v", events.ErrInvalidNotification, n.Reference, err)
	}

	switch n.Type {
	case events.ChainConfirmations:
		_, err = s.Confirm(ctx, token, n.TxID, n.Confirmations)
		if errors.Is(err, repository.ErrEntityNotPresent) {
			return fmt.Errorf("%w: %v", events.ErrInvalidNotification, err)
		}
		return err
	case events.ChainReorg:
		// a submitted payment simply waits for new confirmations
		s.logger.Warn("Withdrawal transaction reorganized",
			zap.String("entity_token", token.String()),
			zap.String("txid", n.TxID))
		return nil
	default:
		return fmt.Errorf("%w: type %q for withdrawals", events.ErrInvalidNotification, n.Type)
	}
}
