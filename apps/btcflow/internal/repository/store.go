package repository

import (
	"database/sql"

	"custody/apps/btcflow/internal/model"

	"go.uber.org/zap"
)

// Store groups the repositories of one entity kind over a shared database.
type Store[E model.Entity] struct {
	DB        *sql.DB
	Kind      string
	Entities  *EntityRepository[E]
	Events    *EventRepository
	Outbox    *OutboxRepository
	Responses *ResponseRepository
	Pending   *PendingRequestRepository
}

func NewStore[E model.Entity](db *sql.DB, schema Schema[E], logger *zap.Logger) *Store[E] {
	logger = logger.With(zap.String("kind", schema.Kind))
	return &Store[E]{
		DB:        db,
		Kind:      schema.Kind,
		Entities:  NewEntityRepository(db, schema, logger),
		Events:    NewEventRepository(db, schema.Kind, logger),
		Outbox:    NewOutboxRepository(db, schema.Kind, logger),
		Responses: NewResponseRepository(db, schema.Kind, logger),
		Pending:   NewPendingRequestRepository(db, schema.Kind, logger),
	}
}
