package model

import (
	"github.com/shopspring/decimal"
)

type Deposit struct {
	Meta
	CustomerID          string          `db:"customer_id" json:"customer_id"`
	Amount              decimal.Decimal `db:"amount" json:"amount"`
	Address             string          `db:"address" json:"address"`
	ChainTxID           string          `db:"chain_tx_id" json:"chain_tx_id"`
	Confirmations       int             `db:"confirmations" json:"confirmations"`
	FailureReason       *string         `db:"failure_reason" json:"failure_reason,omitempty"`
	LedgerTransactionID *string         `db:"ledger_transaction_id" json:"ledger_transaction_id,omitempty"`
}
