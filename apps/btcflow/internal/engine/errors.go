package engine

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrIllegalTransition = errors.New("illegal transition")
	ErrAwaitTimeout      = errors.New("timed out waiting for entity to settle")
)

// RejectedError is returned when a transition's decision rejects the entity.
type RejectedError struct {
	Transition string
	Reason     string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("transition %s rejected: %s", e.Transition, e.Reason)
}

// SettlementError reports an awaited entity that ended in failure.
type SettlementError struct {
	Token  uuid.UUID
	Reason string
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("entity %s failed: %s", e.Token, e.Reason)
}
