package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"custody/apps/btcflow/internal/model"

	"go.uber.org/zap"
)

const outboxColumns = "id, value_id, effect_type, effect_payload, created_at, status, attempt_count, last_error"

type OutboxRepository struct {
	db     *sql.DB
	table  string
	logger *zap.Logger
}

func NewOutboxRepository(db *sql.DB, kind string, logger *zap.Logger) *OutboxRepository {
	return &OutboxRepository{db: db, table: TablesFor(kind).Outbox, logger: logger}
}

func scanOutboxMessage(row rowScanner) (*model.OutboxMessage, error) {
	var msg model.OutboxMessage
	var payload []byte
	if err := row.Scan(&msg.ID, &msg.ValueID, &msg.EffectType, &payload, &msg.CreatedAt,
		&msg.Status, &msg.AttemptCount, &msg.LastError); err != nil {
		return nil, err
	}
	msg.Payload = payload
	return &msg, nil
}

// Insert stores messages as PENDING and fills in their ids.
func (o *OutboxRepository) Insert(ctx context.Context, q Querier, messages []model.OutboxMessage) error {
	now := time.Now().UTC()
	for i := range messages {
		msg := &messages[i]
		err := q.QueryRowContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (value_id, effect_type, effect_payload, created_at, status, attempt_count)
			VALUES ($1, $2, $3, $4, $5, 0)
			RETURNING id
		`, o.table), msg.ValueID, msg.EffectType, string(msg.Payload), now, model.OutboxPending).Scan(&msg.ID)
		if err != nil {
			return fmt.Errorf("failed to store outbox message %s: %w", msg.EffectType, err)
		}
		msg.CreatedAt = now
		msg.Status = model.OutboxPending
	}
	return nil
}

// FetchPendingMessages returns up to limit PENDING messages with an id above
// afterID, oldest first.
func (o *OutboxRepository) FetchPendingMessages(ctx context.Context, afterID int64, limit int) ([]model.OutboxMessage, error) {
	rows, err := o.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE status = $1 AND id > $2
		ORDER BY id
		LIMIT $3
	`, outboxColumns, o.table), model.OutboxPending, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pending outbox messages: %w", err)
	}
	defer rows.Close()

	var messages []model.OutboxMessage
	for rows.Next() {
		msg, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox message: %w", err)
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

func (o *OutboxRepository) Get(ctx context.Context, id int64) (*model.OutboxMessage, error) {
	row := o.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, outboxColumns, o.table), id)
	msg, err := scanOutboxMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("outbox message %d: %w", id, ErrOutboxMessageNotPresent)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get outbox message %d: %w", id, err)
	}
	return msg, nil
}

// MarkAsProcessed moves a PENDING message to COMPLETED. Marking a message that
// already left PENDING is a no-op.
func (o *OutboxRepository) MarkAsProcessed(ctx context.Context, id int64) error {
	res, err := o.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET status = $1
		WHERE id = $2 AND status = $3
	`, o.table), model.OutboxCompleted, id, model.OutboxPending)
	if err != nil {
		return fmt.Errorf("failed to mark outbox message %d as processed: %w", id, err)
	}
	return o.checkTouched(ctx, res, id)
}

// MarkAsFailed records a failed delivery attempt. The message stays PENDING
// until its attempt count reaches maxAttempts, then becomes FAILED. The
// resulting status is returned.
func (o *OutboxRepository) MarkAsFailed(ctx context.Context, id int64, cause error, maxAttempts int) (model.OutboxStatus, error) {
	var status model.OutboxStatus
	err := o.db.QueryRowContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET attempt_count = attempt_count + 1,
			last_error = $1,
			status = CASE WHEN attempt_count + 1 >= $2 THEN $3 ELSE status END
		WHERE id = $4 AND status = $5
		RETURNING status
	`, o.table), cause.Error(), maxAttempts, model.OutboxFailed, id, model.OutboxPending).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		msg, err := o.Get(ctx, id)
		if err != nil {
			return "", err
		}
		return msg.Status, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to mark outbox message %d as failed: %w", id, err)
	}

	if status == model.OutboxFailed {
		o.logger.Error("Outbox message dead-lettered", zap.Int64("outbox_id", id), zap.Int("max_attempts", maxAttempts), zap.Error(cause))
	}
	return status, nil
}

// MarkAsDeadLetter fails a message immediately, regardless of its attempt count.
func (o *OutboxRepository) MarkAsDeadLetter(ctx context.Context, id int64, cause error) error {
	res, err := o.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET attempt_count = attempt_count + 1, last_error = $1, status = $2
		WHERE id = $3 AND status = $4
	`, o.table), cause.Error(), model.OutboxFailed, id, model.OutboxPending)
	if err != nil {
		return fmt.Errorf("failed to dead-letter outbox message %d: %w", id, err)
	}
	return o.checkTouched(ctx, res, id)
}

func (o *OutboxRepository) checkTouched(ctx context.Context, res sql.Result, id int64) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := o.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
