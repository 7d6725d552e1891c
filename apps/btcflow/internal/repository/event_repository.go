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

const eventColumns = "id, created_at, updated_at, version, entity_id, from_state, to_state, is_processed, attempt_count, entity_snapshot"

// EventRepository is the append-only transition log of one entity kind.
type EventRepository struct {
	db     *sql.DB
	table  string
	logger *zap.Logger
}

func NewEventRepository(db *sql.DB, kind string, logger *zap.Logger) *EventRepository {
	return &EventRepository{db: db, table: TablesFor(kind).Events, logger: logger}
}

func scanEvent(row rowScanner) (*model.TransitionEvent, error) {
	var event model.TransitionEvent
	var snapshot []byte
	if err := row.Scan(&event.ID, &event.CreatedAt, &event.UpdatedAt, &event.Version, &event.EntityID,
		&event.FromState, &event.ToState, &event.Processed, &event.AttemptCount, &snapshot); err != nil {
		return nil, err
	}
	event.Snapshot = snapshot
	return &event, nil
}

// Insert appends an event for entityID. version is the entity version the
// snapshot was taken at.
func (e *EventRepository) Insert(ctx context.Context, q Querier, entityID int64, version int, from *model.State, to model.State, snapshot []byte) (int64, error) {
	now := time.Now().UTC()
	var id int64
	err := q.QueryRowContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (created_at, updated_at, version, entity_id, from_state, to_state, is_processed, attempt_count, entity_snapshot)
		VALUES ($1, $2, $3, $4, $5, $6, 0, 0, $7)
		RETURNING id
	`, e.table), now, now, version, entityID, from, to, string(snapshot)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert transition event: %w", err)
	}
	return id, nil
}

// FetchUnprocessedEvents returns up to batchSize unprocessed events with an id
// above afterID, oldest first.
func (e *EventRepository) FetchUnprocessedEvents(ctx context.Context, afterID int64, batchSize int) ([]model.TransitionEvent, error) {
	var events []model.TransitionEvent
	err := WithTx(ctx, e.db, &sql.TxOptions{ReadOnly: true}, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
			SELECT %s FROM %s
			WHERE is_processed = 0 AND id > $1
			ORDER BY id
			LIMIT $2
		`, eventColumns, e.table), afterID, batchSize)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			event, err := scanEvent(rows)
			if err != nil {
				return err
			}
			events = append(events, *event)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unprocessed events: %w", err)
	}
	return events, nil
}

// FindPredecessor returns the latest earlier event of the same entity, or nil
// for the creating event.
func (e *EventRepository) FindPredecessor(ctx context.Context, event model.TransitionEvent) (*model.TransitionEvent, error) {
	row := e.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE entity_id = $1 AND id < $2
		ORDER BY id DESC
		LIMIT 1
	`, eventColumns, e.table), event.EntityID, event.ID)

	predecessor, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find predecessor of event %d: %w", event.ID, err)
	}
	return predecessor, nil
}

func (e *EventRepository) Get(ctx context.Context, id int64) (*model.TransitionEvent, error) {
	row := e.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, eventColumns, e.table), id)
	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %d: %w", id, ErrEventNotPresent)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event %d: %w", id, err)
	}
	return event, nil
}

// MarkEventAsProcessed flips the processed flag once. A concurrent marker that
// lost the race updates nothing and still succeeds.
func (e *EventRepository) MarkEventAsProcessed(ctx context.Context, id int64) error {
	res, err := e.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET is_processed = 1, updated_at = $1
		WHERE id = $2 AND is_processed = 0
	`, e.table), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark event %d as processed: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := e.Get(ctx, id); err != nil {
			return err
		}
		e.logger.Debug("Event already processed", zap.Int64("event_id", id))
	}
	return nil
}

// RecordFailedAttempt bumps the attempt counter and returns its new value.
func (e *EventRepository) RecordFailedAttempt(ctx context.Context, id int64) (int, error) {
	var attempts int
	err := e.db.QueryRowContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET attempt_count = attempt_count + 1, updated_at = $1
		WHERE id = $2
		RETURNING attempt_count
	`, e.table), time.Now().UTC(), id).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("event %d: %w", id, ErrEventNotPresent)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to record failed attempt for event %d: %w", id, err)
	}
	return attempts, nil
}
