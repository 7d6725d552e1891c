package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"custody/apps/btcflow/internal/model"

	"go.uber.org/zap"
)

// ResponseRepository keeps the cached outcome of idempotent requests.
type ResponseRepository struct {
	db     *sql.DB
	table  string
	logger *zap.Logger
}

func NewResponseRepository(db *sql.DB, kind string, logger *zap.Logger) *ResponseRepository {
	return &ResponseRepository{db: db, table: TablesFor(kind).Responses, logger: logger}
}

func scanRecord(row rowScanner) (*model.IdempotencyRecord, error) {
	var record model.IdempotencyRecord
	var response, errSnapshot []byte
	if err := row.Scan(&record.IdempotencyKey, &record.RequestID, &record.Version, &response, &errSnapshot); err != nil {
		return nil, err
	}
	if len(response) > 0 {
		record.Response = response
	}
	if len(errSnapshot) > 0 {
		record.Error = &model.ErrorSnapshot{}
		if err := json.Unmarshal(errSnapshot, record.Error); err != nil {
			return nil, fmt.Errorf("failed to decode error snapshot: %w", err)
		}
	}
	return &record, nil
}

func (r *ResponseRepository) findOne(ctx context.Context, query string, args ...any) (*model.IdempotencyRecord, error) {
	record, err := scanRecord(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find idempotency record: %w", err)
	}
	return record, nil
}

// Find returns the record for key and requestID, or nil.
func (r *ResponseRepository) Find(ctx context.Context, key, requestID string) (*model.IdempotencyRecord, error) {
	return r.findOne(ctx, fmt.Sprintf(`
		SELECT idempotency_key, request_id, version, response_snapshot, error_snapshot
		FROM %s WHERE idempotency_key = $1 AND request_id = $2
	`, r.table), key, requestID)
}

// InsertInFlight creates an in-flight record at version 1. It reports false when
// a record with the same key and request id already exists.
func (r *ResponseRepository) InsertInFlight(ctx context.Context, key, requestID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (idempotency_key, request_id, version, response_snapshot, error_snapshot)
		VALUES ($1, $2, 1, NULL, NULL)
		ON CONFLICT (idempotency_key, request_id) DO NOTHING
	`, r.table), key, requestID)
	if err != nil {
		return false, fmt.Errorf("failed to insert idempotency record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return affected == 1, nil
}

// Complete stores the record's response or error and bumps its version, provided
// the stored version still equals record.Version.
func (r *ResponseRepository) Complete(ctx context.Context, record *model.IdempotencyRecord) error {
	var errSnapshot any
	if record.Error != nil {
		b, err := json.Marshal(record.Error)
		if err != nil {
			return fmt.Errorf("failed to encode error snapshot: %w", err)
		}
		errSnapshot = string(b)
	}

	res, err := r.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET version = version + 1, response_snapshot = $1, error_snapshot = $2
		WHERE idempotency_key = $3 AND request_id = $4 AND version = $5
	`, r.table), nullableJSON(record.Response), errSnapshot, record.IdempotencyKey, record.RequestID, record.Version)
	if err != nil {
		return fmt.Errorf("failed to store cached response: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("idempotency record %s at version %d: %w", record.IdempotencyKey, record.Version, ErrVersionMismatch)
	}

	record.Version++
	r.logger.Debug("Cached response stored", zap.String("idempotency_key", record.IdempotencyKey), zap.Int("version", record.Version))
	return nil
}
