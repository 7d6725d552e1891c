package model

import (
	"encoding/json"
	"time"
)

type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "PENDING"
	OutboxCompleted OutboxStatus = "COMPLETED"
	OutboxFailed    OutboxStatus = "FAILED"
)

// OutboxMessage is one typed effect written in the same transaction as the
// state change that produced it.
type OutboxMessage struct {
	ID           int64           `db:"id"`
	ValueID      int64           `db:"value_id"`
	EffectType   string          `db:"effect_type"`
	Payload      json.RawMessage `db:"effect_payload"`
	CreatedAt    time.Time       `db:"created_at"`
	Status       OutboxStatus    `db:"status"`
	AttemptCount int             `db:"attempt_count"`
	LastError    *string         `db:"last_error"`
}
