package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"custody/apps/btcflow/internal/model"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type rowScanner interface {
	Scan(dest ...any) error
}

// EntityRepository stores one entity kind in its own table. Every mutation is
// guarded by the version column.
type EntityRepository[E model.Entity] struct {
	db     *sql.DB
	schema Schema[E]
	table  string
	logger *zap.Logger
}

func NewEntityRepository[E model.Entity](db *sql.DB, schema Schema[E], logger *zap.Logger) *EntityRepository[E] {
	return &EntityRepository[E]{db: db, schema: schema, table: schema.Tables().Entities, logger: logger}
}

func (r *EntityRepository[E]) DB() *sql.DB {
	return r.db
}

func (r *EntityRepository[E]) Kind() string {
	return r.schema.Kind
}

func (r *EntityRepository[E]) selectColumns() string {
	return "id, version, created_at, updated_at, token, state, " + strings.Join(r.schema.Columns, ", ")
}

func (r *EntityRepository[E]) scan(row rowScanner) (E, error) {
	entity := r.schema.New()
	m := entity.Header()
	dest := append([]any{&m.ID, &m.Version, &m.CreatedAt, &m.UpdatedAt, &m.Token, &m.State}, r.schema.Targets(entity)...)
	if err := row.Scan(dest...); err != nil {
		var zero E
		return zero, err
	}
	return entity, nil
}

// Insert stores a new entity at version 1. A token that already exists yields
// ErrAlreadyExists.
func (r *EntityRepository[E]) Insert(ctx context.Context, q Querier, entity E) (E, error) {
	var zero E
	m := entity.Header()
	if m.Token == uuid.Nil {
		m.Token = uuid.New()
	}
	now := time.Now().UTC()

	cols := r.schema.Columns
	query := fmt.Sprintf(`
		INSERT INTO %s (version, created_at, updated_at, token, state, %s)
		VALUES (%s)
		ON CONFLICT (token) DO NOTHING
		RETURNING id
	`, r.table, strings.Join(cols, ", "), placeholders(1, 5+len(cols)))

	args := append([]any{1, now, now, m.Token, m.State}, r.schema.Values(entity)...)

	var id int64
	err := q.QueryRowContext(ctx, query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return zero, fmt.Errorf("%s %s: %w", r.schema.Kind, m.Token, ErrAlreadyExists)
	}
	if err != nil {
		return zero, fmt.Errorf("failed to insert %s: %w", r.schema.Kind, err)
	}

	return r.getByID(ctx, q, id)
}

// Update writes state and every business column, bumping the version by one.
// It only applies when the stored version equals the entity's version.
func (r *EntityRepository[E]) Update(ctx context.Context, q Querier, entity E) (E, error) {
	var zero E
	m := entity.Header()
	cols := r.schema.Columns

	sets := make([]string, len(cols))
	for i, col := range cols {
		sets[i] = fmt.Sprintf("%s = $%d", col, i+3)
	}
	tokenArg := len(cols) + 3

	query := fmt.Sprintf(`
		UPDATE %s
		SET state = $1, version = version + 1, updated_at = $2, %s
		WHERE token = $%d AND version = $%d
	`, r.table, strings.Join(sets, ", "), tokenArg, tokenArg+1)

	args := []any{m.State, time.Now().UTC()}
	args = append(args, r.schema.Values(entity)...)
	args = append(args, m.Token, m.Version)

	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return zero, fmt.Errorf("failed to update %s: %w", r.schema.Kind, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return zero, fmt.Errorf("failed to read rows affected: %w", err)
	}

	if affected == 0 {
		exists, err := r.exists(ctx, q, m.Token)
		if err != nil {
			return zero, err
		}
		if !exists {
			return zero, fmt.Errorf("%s %s: %w", r.schema.Kind, m.Token, ErrEntityNotPresent)
		}
		r.logger.Warn("Stale entity version", zap.String("kind", r.schema.Kind), zap.String("entity_token", m.Token.String()), zap.Int("version", m.Version))
		return zero, fmt.Errorf("%s %s at version %d: %w", r.schema.Kind, m.Token, m.Version, ErrVersionMismatch)
	}

	return r.getByToken(ctx, q, m.Token)
}

// SaveWithOutbox updates the entity and stores its outbox messages on the same
// querier. Pass a transaction to make both atomic.
func (r *EntityRepository[E]) SaveWithOutbox(ctx context.Context, q Querier, entity E, outbox *OutboxRepository, messages []model.OutboxMessage) (E, error) {
	updated, err := r.Update(ctx, q, entity)
	if err != nil {
		return updated, err
	}

	for i := range messages {
		messages[i].ValueID = updated.Header().ID
	}
	if err := outbox.Insert(ctx, q, messages); err != nil {
		var zero E
		return zero, err
	}
	return updated, nil
}

func (r *EntityRepository[E]) exists(ctx context.Context, q Querier, token uuid.UUID) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, fmt.Sprintf(`SELECT 1 FROM %s WHERE token = $1`, r.table), token).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check %s existence: %w", r.schema.Kind, err)
	}
	return true, nil
}

func (r *EntityRepository[E]) getByToken(ctx context.Context, q Querier, token uuid.UUID) (E, error) {
	row := q.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE token = $1`, r.selectColumns(), r.table), token)
	entity, err := r.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return entity, fmt.Errorf("%s %s: %w", r.schema.Kind, token, ErrEntityNotPresent)
	}
	if err != nil {
		return entity, fmt.Errorf("failed to get %s by token: %w", r.schema.Kind, err)
	}
	return entity, nil
}

func (r *EntityRepository[E]) getByID(ctx context.Context, q Querier, id int64) (E, error) {
	row := q.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, r.selectColumns(), r.table), id)
	entity, err := r.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return entity, fmt.Errorf("%s with id %d: %w", r.schema.Kind, id, ErrEntityNotPresent)
	}
	if err != nil {
		return entity, fmt.Errorf("failed to get %s by id: %w", r.schema.Kind, err)
	}
	return entity, nil
}

func (r *EntityRepository[E]) GetByToken(ctx context.Context, token uuid.UUID) (E, error) {
	return r.getByToken(ctx, r.db, token)
}

// FindByToken returns nil when no entity carries the token.
func (r *EntityRepository[E]) FindByToken(ctx context.Context, token uuid.UUID) (E, error) {
	entity, err := r.getByToken(ctx, r.db, token)
	if errors.Is(err, ErrEntityNotPresent) {
		var zero E
		return zero, nil
	}
	return entity, err
}

func (r *EntityRepository[E]) GetByID(ctx context.Context, id int64) (E, error) {
	return r.getByID(ctx, r.db, id)
}

// GetByTokens loads up to MaxBatchSize entities in one query. Unknown tokens are
// left out of the result.
func (r *EntityRepository[E]) GetByTokens(ctx context.Context, tokens []uuid.UUID) ([]E, error) {
	if len(tokens) == 0 {
		return []E{}, nil
	}
	if len(tokens) > MaxBatchSize {
		return nil, fmt.Errorf("%d tokens requested, max %d: %w", len(tokens), MaxBatchSize, ErrBatchTooLarge)
	}

	args := make([]any, len(tokens))
	for i, t := range tokens {
		args[i] = t
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE token IN (%s) ORDER BY id`,
		r.selectColumns(), r.table, placeholders(1, len(tokens)))
	return r.query(ctx, query, args...)
}

// FindByState returns the oldest entities currently in state.
func (r *EntityRepository[E]) FindByState(ctx context.Context, state model.State, limit int) ([]E, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE state = $1 ORDER BY id LIMIT $2`, r.selectColumns(), r.table)
	return r.query(ctx, query, state, limit)
}

func (r *EntityRepository[E]) query(ctx context.Context, query string, args ...any) ([]E, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", r.schema.Kind, err)
	}
	defer rows.Close()

	result := []E{}
	for rows.Next() {
		entity, err := r.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", r.schema.Kind, err)
		}
		result = append(result, entity)
	}
	return result, rows.Err()
}
