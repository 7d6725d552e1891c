package model

import (
	"github.com/shopspring/decimal"
)

type Withdrawal struct {
	Meta
	CustomerID          string          `db:"customer_id" json:"customer_id"`
	Amount              decimal.Decimal `db:"amount" json:"amount"`
	Fee                 decimal.Decimal `db:"fee" json:"fee"`
	DestinationAddress  string          `db:"destination_address" json:"destination_address"`
	Speed               string          `db:"speed" json:"speed"` // "standard" or "priority"
	ChainTxID           *string         `db:"chain_tx_id" json:"chain_tx_id,omitempty"`
	FailureReason       *string         `db:"failure_reason" json:"failure_reason,omitempty"`
	LedgerTransactionID *string         `db:"ledger_transaction_id" json:"ledger_transaction_id,omitempty"`
}
