package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"custody/apps/btcflow/internal/model"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PendingRequestRepository tracks callers blocked until an entity settles.
type PendingRequestRepository struct {
	db     *sql.DB
	table  string
	logger *zap.Logger
}

func NewPendingRequestRepository(db *sql.DB, kind string, logger *zap.Logger) *PendingRequestRepository {
	return &PendingRequestRepository{db: db, table: TablesFor(kind).Pending, logger: logger}
}

func (p *PendingRequestRepository) Register(ctx context.Context, entityToken uuid.UUID) (*model.PendingRequest, error) {
	now := time.Now().UTC()
	req := &model.PendingRequest{
		ID:          uuid.New(),
		EntityToken: entityToken,
		Status:      model.PendingWaiting,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err := p.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, entity_token, status, failure_reason, created_at, updated_at)
		VALUES ($1, $2, $3, NULL, $4, $5)
	`, p.table), req.ID, req.EntityToken, req.Status, req.CreatedAt, req.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to register pending request: %w", err)
	}
	return req, nil
}

func (p *PendingRequestRepository) Get(ctx context.Context, id uuid.UUID) (*model.PendingRequest, error) {
	var req model.PendingRequest
	err := p.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, entity_token, status, failure_reason, created_at, updated_at
		FROM %s WHERE id = $1
	`, p.table), id).Scan(&req.ID, &req.EntityToken, &req.Status, &req.FailureReason, &req.CreatedAt, &req.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pending request %s: %w", id, ErrPendingRequestNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending request: %w", err)
	}
	return &req, nil
}

func (p *PendingRequestRepository) Complete(ctx context.Context, id uuid.UUID) error {
	return p.settle(ctx, id, model.PendingCompleted, nil)
}

func (p *PendingRequestRepository) Fail(ctx context.Context, id uuid.UUID, reason string) error {
	return p.settle(ctx, id, model.PendingFailed, &reason)
}

// settle only moves WAITING requests; a request settled by someone else keeps
// its first outcome.
func (p *PendingRequestRepository) settle(ctx context.Context, id uuid.UUID, status model.PendingStatus, reason *string) error {
	res, err := p.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET status = $1, failure_reason = $2, updated_at = $3
		WHERE id = $4 AND status = $5
	`, p.table), status, reason, time.Now().UTC(), id, model.PendingWaiting)
	if err != nil {
		return fmt.Errorf("failed to settle pending request %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := p.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// FailAllForEntity fails every WAITING request on the entity and returns how many
// were touched.
func (p *PendingRequestRepository) FailAllForEntity(ctx context.Context, entityToken uuid.UUID, reason string) (int64, error) {
	res, err := p.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET status = $1, failure_reason = $2, updated_at = $3
		WHERE entity_token = $4 AND status = $5
	`, p.table), model.PendingFailed, reason, time.Now().UTC(), entityToken, model.PendingWaiting)
	if err != nil {
		return 0, fmt.Errorf("failed to fail pending requests: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected > 0 {
		p.logger.Info("Failed pending requests", zap.String("entity_token", entityToken.String()), zap.Int64("count", affected), zap.String("reason", reason))
	}
	return affected, nil
}
