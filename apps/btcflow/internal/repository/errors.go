package repository

import "errors"

var (
	ErrAlreadyExists           = errors.New("entity already exists")
	ErrVersionMismatch         = errors.New("version mismatch")
	ErrEntityNotPresent        = errors.New("entity not present")
	ErrEventNotPresent         = errors.New("transition event not present")
	ErrOutboxMessageNotPresent = errors.New("outbox message not present")
	ErrPendingRequestNotFound  = errors.New("pending request not present")
	ErrBatchTooLarge           = errors.New("batch exceeds maximum size")
)
