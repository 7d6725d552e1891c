package withdrawal

import (
	"context"
	"encoding/json"
	"fmt"

	"custody/apps/btcflow/internal/chain"
	"custody/apps/btcflow/internal/event_processor"
	"custody/apps/btcflow/internal/fsm"
	"custody/apps/btcflow/internal/model"
	"custody/apps/btcflow/internal/risk"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type RiskEvaluator interface {
	Evaluate(ctx context.Context, assessment risk.Assessment) (risk.Verdict, error)
}

type Ledger interface {
	Void(ctx context.Context, ledgerTxID string) error
	Freeze(ctx context.Context, ledgerTxID string, amount decimal.Decimal, reference string) error
}

type Broadcaster interface {
	Broadcast(ctx context.Context, payment chain.Payment) (string, error)
}

func RiskHandler(evaluator RiskEvaluator, logger *zap.Logger) fsm.EffectHandler[*model.Withdrawal] {
	return fsm.HandlerFunc(fsm.EffectRiskCheck, func(ctx context.Context, w *model.Withdrawal, payload json.RawMessage) (fsm.Outcome[*model.Withdrawal], error) {
		if _, err := fsm.Decode[fsm.RiskCheck](payload); err != nil {
			return fsm.Outcome[*model.Withdrawal]{}, err
		}
		if w.State != Requested {
			logger.Debug("Risk check for settled withdrawal skipped",
				zap.String("entity_token", w.Token.String()),
				zap.String("state", string(w.State)))
			return fsm.Completed[*model.Withdrawal](), nil
		}

		verdict, err := evaluator.Evaluate(ctx, risk.Assessment{
			Kind:       Kind,
			Token:      w.Token.String(),
			CustomerID: w.CustomerID,
			Amount:     w.Amount,
			Address:    w.DestinationAddress,
		})
		if err != nil {
			return fsm.Outcome[*model.Withdrawal]{}, fmt.Errorf("failed to evaluate withdrawal %s: %w", w.Token, err)
		}

		switch verdict.Decision {
		case risk.Approve:
			return fsm.TransitionProduced(Submit()), nil
		case risk.Review:
			return fsm.TransitionProduced(Freeze()), nil
		default:
			reason := "risk rejected"
			if verdict.Reason != "" {
				reason = reason + ": " + verdict.Reason
			}
			return fsm.FailedWithTransition(Fail(reason), reason), nil
		}
	})
}

// SideEffects broadcasts submitted payments and keeps the ledger hold in step
// with frozen and failed withdrawals. The token is the payment reference and the
// creation time bounds the wallet search, so a repeated broadcast finds the first one.
func SideEffects(ledger Ledger, broadcaster Broadcaster, logger *zap.Logger) map[model.State]event_processor.SideEffect[*model.Withdrawal] {
	return map[model.State]event_processor.SideEffect[*model.Withdrawal]{
		Submitted: func(ctx context.Context, w *model.Withdrawal) error {
			txid, err := broadcaster.Broadcast(ctx, chain.Payment{
				Reference:  w.Token.String(),
				Address:    w.DestinationAddress,
				Amount:     w.Amount,
				ConfTarget: ConfTarget(w),
				Since:      w.CreatedAt,
			})
			if err != nil {
				return err
			}
			logger.Info("Withdrawal broadcast", zap.String("entity_token", w.Token.String()), zap.String("txid", txid))
			return nil
		},
		FundsFrozen: func(ctx context.Context, w *model.Withdrawal) error {
			if w.LedgerTransactionID == nil {
				return nil
			}
			return ledger.Freeze(ctx, *w.LedgerTransactionID, w.Amount.Add(w.Fee), w.Token.String())
		},
		Failed: func(ctx context.Context, w *model.Withdrawal) error {
			if w.LedgerTransactionID == nil {
				return nil
			}
			return ledger.Void(ctx, *w.LedgerTransactionID)
		},
	}
}
