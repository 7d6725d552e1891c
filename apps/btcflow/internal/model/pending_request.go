package model

import (
	"time"

	"github.com/google/uuid"
)

type PendingStatus string

const (
	PendingWaiting   PendingStatus = "WAITING"
	PendingCompleted PendingStatus = "COMPLETED"
	PendingFailed    PendingStatus = "FAILED"
)

type PendingRequest struct {
	ID            uuid.UUID     `db:"id"`
	EntityToken   uuid.UUID     `db:"entity_token"`
	Status        PendingStatus `db:"status"`
	FailureReason *string       `db:"failure_reason"`
	CreatedAt     time.Time     `db:"created_at"`
	UpdatedAt     time.Time     `db:"updated_at"`
}
