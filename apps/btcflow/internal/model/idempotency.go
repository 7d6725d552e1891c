package model

import (
	"encoding/json"
)

type ErrorSnapshot struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// IdempotencyRecord is in flight while both Response and Error are nil.
type IdempotencyRecord struct {
	IdempotencyKey string          `db:"idempotency_key"`
	RequestID      string          `db:"request_id"`
	Version        int             `db:"version"`
	Response       json.RawMessage `db:"response_snapshot"`
	Error          *ErrorSnapshot  `db:"error_snapshot"`
}

func (r *IdempotencyRecord) InFlight() bool {
	return r.Response == nil && r.Error == nil
}
