// Package withdrawal drives an outgoing BTC payment from the customer's request
// to its confirmation on chain.
package withdrawal

import (
	"fmt"

	"custody/apps/btcflow/internal/engine"
	"custody/apps/btcflow/internal/fsm"
	"custody/apps/btcflow/internal/model"
	"custody/apps/btcflow/internal/repository"

	"github.com/shopspring/decimal"
)

const Kind = repository.KindWithdrawal

const (
	Requested   model.State = "REQUESTED"
	FundsFrozen model.State = "FUNDS_FROZEN"
	Submitted   model.State = "SUBMITTED"
	Confirmed   model.State = "CONFIRMED"
	Failed      model.State = "FAILED"
)

const (
	SpeedStandard = "standard"
	SpeedPriority = "priority"
)

var confTargets = map[string]int{
	SpeedStandard: 6,
	SpeedPriority: 2,
}

var (
	SuccessStates = model.NewStateSet(Confirmed)
	FailureStates = model.NewStateSet(Failed)
)

// Settlement ends a wait as soon as the payment is handed to the network.
var Settlement = engine.Settlement[*model.Withdrawal]{
	Succeeded: model.NewStateSet(Submitted, Confirmed),
	Failed:    FailureStates,
	Reason:    failureReason,
}

var metricOptions = fsm.MetricOptions[*model.Withdrawal]{
	Kind:          Kind,
	SuccessStates: SuccessStates,
	Reason:        failureReason,
	Amount:        func(w *model.Withdrawal) decimal.Decimal { return w.Amount },
}

func failureReason(w *model.Withdrawal) string {
	if w.FailureReason == nil {
		return ""
	}
	return *w.FailureReason
}

func Request() fsm.Transition[*model.Withdrawal] {
	return fsm.WithMetrics(fsm.Transition[*model.Withdrawal]{
		Name: "request",
		To:   Requested,
		Decide: func(w *model.Withdrawal) fsm.Decision[*model.Withdrawal] {
			if !w.Amount.IsPositive() {
				return fsm.Reject[*model.Withdrawal](fmt.Sprintf("amount %s is not positive", w.Amount))
			}
			if w.Fee.IsNegative() {
				return fsm.Reject[*model.Withdrawal](fmt.Sprintf("fee %s is negative", w.Fee))
			}
			if _, ok := confTargets[w.Speed]; !ok {
				return fsm.Reject[*model.Withdrawal](fmt.Sprintf("unknown speed %q", w.Speed))
			}
			if w.DestinationAddress == "" {
				return fsm.Reject[*model.Withdrawal]("destination address is empty")
			}
			return fsm.Accept(w, fsm.RiskCheck{Kind: Kind, Token: w.Token})
		},
	}, metricOptions)
}

// Submit hands the payment to the broadcaster.
func Submit() fsm.Transition[*model.Withdrawal] {
	return fsm.WithMetrics(fsm.Transition[*model.Withdrawal]{
		Name: "submit",
		From: []model.State{Requested, FundsFrozen},
		To:   Submitted,
	}, metricOptions)
}

func Freeze() fsm.Transition[*model.Withdrawal] {
	return fsm.WithMetrics(fsm.Transition[*model.Withdrawal]{
		Name: "freeze",
		From: []model.State{Requested},
		To:   FundsFrozen,
	}, metricOptions)
}

// Confirm records the chain transaction once it is final.
func Confirm(txid string, confirmations, finality int) fsm.Transition[*model.Withdrawal] {
	return fsm.WithMetrics(fsm.Transition[*model.Withdrawal]{
		Name: "confirm",
		From: []model.State{Submitted},
		To:   Confirmed,
		Decide: func(w *model.Withdrawal) fsm.Decision[*model.Withdrawal] {
			if confirmations < finality {
				return fsm.Reject[*model.Withdrawal](fmt.Sprintf("%d of %d confirmations", confirmations, finality))
			}
			w.ChainTxID = &txid
			return fsm.Accept(w)
		},
	}, metricOptions)
}

func Fail(reason string) fsm.Transition[*model.Withdrawal] {
	return fsm.WithMetrics(fsm.Transition[*model.Withdrawal]{
		Name: "fail",
		From: []model.State{Requested, FundsFrozen, Submitted},
		To:   Failed,
		Decide: func(w *model.Withdrawal) fsm.Decision[*model.Withdrawal] {
			w.FailureReason = &reason
			return fsm.Accept(w)
		},
	}, metricOptions)
}

// ConfTarget is the bitcoind confirmation target for the withdrawal's speed.
func ConfTarget(w *model.Withdrawal) int {
	if target, ok := confTargets[w.Speed]; ok {
		return target
	}
	return confTargets[SpeedStandard]
}
