package deposit

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

var ErrNotUnderReview = errors.New("deposit is not under review")

const reorgReason = "chain reorganization"

// tokenNamespace derives deposit tokens from outpoints, so a redelivered
// sighting always maps to the same deposit.
var tokenNamespace = uuid.MustParse("3f1d7c2a-52a4-4c1e-8f0e-6b5d9a0c7e41")

func TokenFor(txid string, vout int) uuid.UUID {
	return uuid.NewSHA1(tokenNamespace, []byte(fmt.Sprintf("%s:%d", txid, vout)))
}

// Detection is an unconfirmed output paying one of our deposit addresses.
type Detection struct {
	TxID                string
	Vout                int
	Address             string
	CustomerID          string
	Amount              decimal.Decimal
	LedgerTransactionID string
}

type Service struct {
	engine   *engine.Engine[*model.Deposit]
	awaiter  *engine.Awaiter[*model.Deposit]
	requests *idempotency.Handler
	finality int
	logger   *zap.Logger
}

func NewService(eng *engine.Engine[*model.Deposit], awaiter *engine.Awaiter[*model.Deposit], requests *idempotency.Handler, finality int, logger *zap.Logger) *Service {
	return &Service{
		engine:   eng,
		awaiter:  awaiter,
		requests: requests,
		finality: finality,
		logger:   logger.With(zap.String("kind", Kind)),
	}
}

// Detect records a deposit the first time its outpoint is seen and returns the
// stored deposit on every later sighting. The token derived from the outpoint
// is what makes redelivery safe, so no idempotency record is kept.
func (s *Service) Detect(ctx context.Context, d Detection) (*model.Deposit, error) {
	token := TokenFor(d.TxID, d.Vout)
	entities := s.engine.Store().Entities
	existing, err := entities.FindByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	deposit := &model.Deposit{
		Meta:       model.Meta{Token: token},
		CustomerID: d.CustomerID,
		Amount:     d.Amount,
		Address:    d.Address,
		ChainTxID:  d.TxID,
	}
	if d.LedgerTransactionID != "" {
		ltx := d.LedgerTransactionID
		deposit.LedgerTransactionID = &ltx
	}

	created, err := s.engine.Start(ctx, deposit, Detect())
	if errors.Is(err, repository.ErrAlreadyExists) {
		return entities.GetByToken(ctx, token)
	}
	return created, err
}

// Confirmations credits the deposit once the outpoint is final. Earlier counts
// and deposits not waiting for finality are ignored.
func (s *Service) Confirmations(ctx context.Context, txid string, vout, confirmations int) (*model.Deposit, error) {
	token := TokenFor(txid, vout)
	current, err := s.engine.Store().Entities.FindByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if current == nil {
		s.logger.Warn("Confirmations for unknown deposit", zap.String("txid", txid), zap.Int("vout", vout))
		return nil, nil
	}
	if current.State != AwaitingConfirmations {
		return current, nil
	}

	credited, err := s.engine.ApplyTo(ctx, current, Credit(confirmations, s.finality))
	var rejected *engine.RejectedError
	if errors.As(err, &rejected) {
		return current, nil
	}
	return credited, err
}

// Reorg fails a deposit whose outpoint left the best chain, reversing it if it
// was already credited.
func (s *Service) Reorg(ctx context.Context, txid string, vout int) (*model.Deposit, error) {
	token := TokenFor(txid, vout)
	current, err := s.engine.Store().Entities.FindByToken(ctx, token)
	if err != nil || current == nil {
		return current, err
	}

	switch {
	case current.State == Credited:
		return s.engine.ApplyTo(ctx, current, Reverse(reorgReason))
	case FailureStates.Contains(current.State):
		return current, nil
	default:
		return s.engine.ApplyTo(ctx, current, Fail(reorgReason))
	}
}

// ResolveReview releases or fails a frozen deposit. requestID and retryCounter
// identify the reviewer's action so a resubmission replays the first result.
func (s *Service) ResolveReview(ctx context.Context, requestID string, retryCounter int, token uuid.UUID, approve bool, reason string) (*model.Deposit, error) {
	inputs := []any{token.String(), approve, reason}
	return idempotency.Run(ctx, s.requests, requestID, retryCounter, inputs, func(ctx context.Context) (*model.Deposit, error) {
		current, err := s.engine.Store().Entities.GetByToken(ctx, token)
		if err != nil {
			return nil, err
		}
		if current.State != FundsFrozen {
			return nil, fmt.Errorf("%s in %s: %w", token, current.State, ErrNotUnderReview)
		}
		if approve {
			return s.engine.ApplyTo(ctx, current, Approve())
		}
		return s.engine.ApplyTo(ctx, current, Fail("review rejected: "+reason))
	})
}

// AwaitCredit blocks until the deposit is credited or fails.
func (s *Service) AwaitCredit(ctx context.Context, token uuid.UUID) (*model.Deposit, error) {
	return s.awaiter.Await(ctx, token)
}

func (s *Service) HandleChainNotification(ctx context.Context, n events.ChainNotification) error {
	var err error
	switch n.Type {
	case events.ChainDepositDetected:
		amount, parseErr := decimal.NewFromString(n.Amount)
		if parseErr != nil {
			return fmt.Errorf("%w: amount %q: %v", events.ErrInvalidNotification, n.Amount, parseErr)
		}
		_, err = s.Detect(ctx, Detection{
			TxID:                n.TxID,
			Vout:                n.Vout,
			Address:             n.Address,
			CustomerID:          n.CustomerID,
			Amount:              amount,
			LedgerTransactionID: n.LedgerTransactionID,
		})
		var rejected *engine.RejectedError
		if errors.As(err, &rejected) {
			return fmt.Errorf("%w: %v", events.ErrInvalidNotification, err)
		}
	case events.ChainConfirmations:
		_, err = s.Confirmations(ctx, n.TxID, n.Vout, n.Confirmations)
	case events.ChainReorg:
		_, err = s.Reorg(ctx, n.TxID, n.Vout)
	default:
		return fmt.Errorf("%w: type %q for deposits", events.ErrInvalidNotification, n.Type)
	}
	return err
}
