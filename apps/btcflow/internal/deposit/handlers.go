package deposit

import (
	"context"
	"encoding/json"
	"fmt"

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

// RiskHandler turns the risk verdict on a freshly detected deposit into its next
// transition. A deposit that already moved on is left alone.
func RiskHandler(evaluator RiskEvaluator, logger *zap.Logger) fsm.EffectHandler[*model.Deposit] {
	return fsm.HandlerFunc(fsm.EffectRiskCheck, func(ctx context.Context, d *model.Deposit, payload json.RawMessage) (fsm.Outcome[*model.Deposit], error) {
		if _, err := fsm.Decode[fsm.RiskCheck](payload); err != nil {
			return fsm.Outcome[*model.Deposit]{}, err
		}
		if d.State != Detected {
			logger.Debug("Risk check for settled deposit skipped",
				zap.String("entity_token", d.Token.String()),
				zap.String("state", string(d.State)))
			return fsm.Completed[*model.Deposit](), nil
		}

		verdict, err := evaluator.Evaluate(ctx, risk.Assessment{
			Kind:       Kind,
			Token:      d.Token.String(),
			CustomerID: d.CustomerID,
			Amount:     d.Amount,
			Address:    d.Address,
		})
		if err != nil {
			return fsm.Outcome[*model.Deposit]{}, fmt.Errorf("failed to evaluate deposit %s: %w", d.Token, err)
		}

		switch verdict.Decision {
		case risk.Approve:
			return fsm.TransitionProduced(Approve()), nil
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

// SideEffects maps the states whose arrival touches the ledger.
func SideEffects(ledger Ledger) map[model.State]event_processor.SideEffect[*model.Deposit] {
	void := func(ctx context.Context, d *model.Deposit) error {
		if d.LedgerTransactionID == nil {
			return nil
		}
		return ledger.Void(ctx, *d.LedgerTransactionID)
	}

	return map[model.State]event_processor.SideEffect[*model.Deposit]{
		Failed:   void,
		Reversed: void,
		FundsFrozen: func(ctx context.Context, d *model.Deposit) error {
			if d.LedgerTransactionID == nil {
				return nil
			}
			return ledger.Freeze(ctx, *d.LedgerTransactionID, d.Amount, d.Token.String())
		},
	}
}
