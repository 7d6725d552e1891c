package events

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrInvalidNotification marks a chain notification that can never be applied,
// however often it is redelivered.
var ErrInvalidNotification = errors.New("invalid chain notification")

type EntityEventType string

const (
	EntityCreated EntityEventType = "CREATE"
	EntityUpdated EntityEventType = "UPDATE"
)

// EntityEvent is the domain event published for every committed transition.
// Old is only set on updates.
type EntityEvent struct {
	EventID     int64           `json:"event_id"`
	EventType   EntityEventType `json:"event_type"`
	Kind        string          `json:"kind"`
	EntityToken string          `json:"entity_token"`
	FromState   string          `json:"from_state,omitempty"`
	ToState     string          `json:"to_state"`
	Version     int             `json:"version"`
	Old         json.RawMessage `json:"old,omitempty"`
	New         json.RawMessage `json:"new"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Preflight tells downstream consumers that an entity just changed state, before
// the event log has been drained.
type Preflight struct {
	Kind        string    `json:"kind"`
	EntityToken string    `json:"entity_token"`
	Transition  string    `json:"transition"`
	FromState   string    `json:"from_state,omitempty"`
	ToState     string    `json:"to_state"`
	Timestamp   time.Time `json:"timestamp"`
}

type ChainNotificationType string

const (
	ChainDepositDetected ChainNotificationType = "deposit_detected"
	ChainConfirmations   ChainNotificationType = "confirmations"
	ChainReorg           ChainNotificationType = "reorg"
)

// ChainNotification is consumed from the chain watcher topic. Reference carries
// the withdrawal token for withdrawal notifications.
type ChainNotification struct {
	Type                ChainNotificationType `json:"type"`
	Kind                string                `json:"kind"`
	TxID                string                `json:"txid"`
	Vout                int                   `json:"vout"`
	Reference           string                `json:"reference,omitempty"`
	Address             string                `json:"address,omitempty"`
	CustomerID          string                `json:"customer_id,omitempty"`
	Amount              string                `json:"amount,omitempty"`
	LedgerTransactionID string                `json:"ledger_transaction_id,omitempty"`
	Confirmations       int                   `json:"confirmations"`
	Timestamp           time.Time             `json:"timestamp"`
}
