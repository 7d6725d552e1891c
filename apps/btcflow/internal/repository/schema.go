package repository

import (
	"custody/apps/btcflow/internal/model"
)

// MaxBatchSize bounds bulk token lookups.
const MaxBatchSize = 1000

const (
	KindDeposit    = "deposit"
	KindWithdrawal = "withdrawal"
)

// Tables names the table family owned by one entity kind.
type Tables struct {
	Entities  string
	Events    string
	Outbox    string
	Responses string
	Pending   string
}

func TablesFor(kind string) Tables {
	return Tables{
		Entities:  kind + "s",
		Events:    kind + "_events",
		Outbox:    kind + "_outbox",
		Responses: kind + "_responses",
		Pending:   kind + "_pending_requests",
	}
}

// Schema maps the business columns of an entity kind. Values and Targets must
// list fields in the same order as Columns.
type Schema[E model.Entity] struct {
	Kind    string
	Columns []string
	New     func() E
	Values  func(E) []any
	Targets func(E) []any
}

func (s Schema[E]) Tables() Tables {
	return TablesFor(s.Kind)
}

var DepositSchema = Schema[*model.Deposit]{
	Kind: KindDeposit,
	Columns: []string{
		"customer_id", "amount", "address", "chain_tx_id", "confirmations", "failure_reason", "ledger_transaction_id",
	},
	New: func() *model.Deposit { return &model.Deposit{} },
	Values: func(d *model.Deposit) []any {
		return []any{d.CustomerID, d.Amount, d.Address, d.ChainTxID, d.Confirmations, d.FailureReason, d.LedgerTransactionID}
	},
	Targets: func(d *model.Deposit) []any {
		return []any{&d.CustomerID, &d.Amount, &d.Address, &d.ChainTxID, &d.Confirmations, &d.FailureReason, &d.LedgerTransactionID}
	},
}

var WithdrawalSchema = Schema[*model.Withdrawal]{
	Kind: KindWithdrawal,
	Columns: []string{
		"customer_id", "amount", "fee", "destination_address", "speed", "chain_tx_id", "failure_reason", "ledger_transaction_id",
	},
	New: func() *model.Withdrawal { return &model.Withdrawal{} },
	Values: func(w *model.Withdrawal) []any {
		return []any{w.CustomerID, w.Amount, w.Fee, w.DestinationAddress, w.Speed, w.ChainTxID, w.FailureReason, w.LedgerTransactionID}
	},
	Targets: func(w *model.Withdrawal) []any {
		return []any{&w.CustomerID, &w.Amount, &w.Fee, &w.DestinationAddress, &w.Speed, &w.ChainTxID, &w.FailureReason, &w.LedgerTransactionID}
	},
}
