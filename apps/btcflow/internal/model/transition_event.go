package model

import (
	"encoding/json"
	"time"
)

// TransitionEvent is an append-only record of one state change. Only Processed
// and AttemptCount change after insert.
type TransitionEvent struct {
	ID           int64           `db:"id"`
	CreatedAt    time.Time       `db:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at"`
	Version      int             `db:"version"`
	EntityID     int64           `db:"entity_id"`
	FromState    *State          `db:"from_state"` // nil for the creating transition
	ToState      State           `db:"to_state"`
	Processed    bool            `db:"is_processed"`
	AttemptCount int             `db:"attempt_count"`
	Snapshot     json.RawMessage `db:"entity_snapshot"`
}
