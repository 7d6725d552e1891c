// Package deposit drives incoming BTC from first sighting on chain to a ledger
// credit.
package deposit

import (
	"fmt"

	"custody/apps/btcflow/internal/engine"
	"custody/apps/btcflow/internal/fsm"
	"custody/apps/btcflow/internal/model"
	"custody/apps/btcflow/internal/repository"

	"github.com/shopspring/decimal"
)

const Kind = repository.KindDeposit

const (
	Detected              model.State = "DETECTED"
	AwaitingConfirmations model.State = "AWAITING_CONFIRMATIONS"
	FundsFrozen           model.State = "FUNDS_FROZEN"
	Credited              model.State = "CREDITED"
	Failed                model.State = "FAILED"
	Reversed              model.State = "REVERSED"
)

var (
	SuccessStates = model.NewStateSet(Credited)
	FailureStates = model.NewStateSet(Failed, Reversed)
)

var Settlement = engine.Settlement[*model.Deposit]{
	Succeeded: SuccessStates,
	Failed:    FailureStates,
	Reason:    failureReason,
}

var metricOptions = fsm.MetricOptions[*model.Deposit]{
	Kind:          Kind,
	SuccessStates: SuccessStates,
	Reason:        failureReason,
	Amount:        func(d *model.Deposit) decimal.Decimal { return d.Amount },
}

func failureReason(d *model.Deposit) string {
	if d.FailureReason == nil {
		return ""
	}
	return *d.FailureReason
}

// Detect creates the deposit and asks for a risk check.
func Detect() fsm.Transition[*model.Deposit] {
	return fsm.WithMetrics(fsm.Transition[*model.Deposit]{
		Name: "detect",
		To:   Detected,
		Decide: func(d *model.Deposit) fsm.Decision[*model.Deposit] {
			if !d.Amount.IsPositive() {
				return fsm.Reject[*model.Deposit](fmt.Sprintf("amount %s is not positive", d.Amount))
			}
			return fsm.Accept(d, fsm.RiskCheck{Kind: Kind, Token: d.Token})
		},
	}, metricOptions)
}

// Approve clears the deposit to wait for finality, either straight after the
// risk check or after a manual review released it.
func Approve() fsm.Transition[*model.Deposit] {
	return fsm.WithMetrics(fsm.Transition[*model.Deposit]{
		Name: "approve",
		From: []model.State{Detected, FundsFrozen},
		To:   AwaitingConfirmations,
	}, metricOptions)
}

func Freeze() fsm.Transition[*model.Deposit] {
	return fsm.WithMetrics(fsm.Transition[*model.Deposit]{
		Name: "freeze",
		From: []model.State{Detected},
		To:   FundsFrozen,
	}, metricOptions)
}

// Credit lands the deposit once it has at least finality confirmations.
func Credit(confirmations, finality int) fsm.Transition[*model.Deposit] {
	return fsm.WithMetrics(fsm.Transition[*model.Deposit]{
		Name: "credit",
		From: []model.State{AwaitingConfirmations},
		To:   Credited,
		Decide: func(d *model.Deposit) fsm.Decision[*model.Deposit] {
			if confirmations < finality {
				return fsm.Reject[*model.Deposit](fmt.Sprintf("%d of %d confirmations", confirmations, finality))
			}
			d.Confirmations = confirmations
			return fsm.Accept(d)
		},
	}, metricOptions)
}

func Fail(reason string) fsm.Transition[*model.Deposit] {
	return fsm.WithMetrics(fsm.Transition[*model.Deposit]{
		Name: "fail",
		From: []model.State{Detected, FundsFrozen, AwaitingConfirmations},
		To:   Failed,
		Decide: func(d *model.Deposit) fsm.Decision[*model.Deposit] {
			d.FailureReason = &reason
			return fsm.Accept(d)
		},
	}, metricOptions)
}

// Reverse undoes a credit whose transaction left the best chain.
func Reverse(reason string) fsm.Transition[*model.Deposit] {
	return fsm.WithMetrics(fsm.Transition[*model.Deposit]{
		Name: "reverse",
		From: []model.State{Credited},
		To:   Reversed,
		Decide: func(d *model.Deposit) fsm.Decision[*model.Deposit] {
			d.FailureReason = &reason
			return fsm.Accept(d)
		},
	}, metricOptions)
}
