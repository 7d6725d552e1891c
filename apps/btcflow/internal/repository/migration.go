package repository

import (
	"database/sql"
	"fmt"
	"strings"
)

type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite3"
)

var dialectTypes = map[Dialect]*strings.Replacer{
	DialectPostgres: strings.NewReplacer(
		"{{id}}", "BIGSERIAL PRIMARY KEY",
		"{{uuid}}", "UUID",
		"{{json}}", "JSONB",
		"{{decimal}}", "DECIMAL(24,8)",
	),
	DialectSQLite: strings.NewReplacer(
		"{{id}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
		"{{uuid}}", "TEXT",
		"{{json}}", "TEXT",
		"{{decimal}}", "TEXT",
	),
}

var businessColumns = map[string]string{
	KindDeposit: `
			customer_id VARCHAR(64) NOT NULL,
			amount {{decimal}} NOT NULL,
			address VARCHAR(100) NOT NULL,
			chain_tx_id VARCHAR(64) NOT NULL DEFAULT '',
			confirmations INTEGER NOT NULL DEFAULT 0,
			failure_reason TEXT,
			ledger_transaction_id VARCHAR(64)`,
	KindWithdrawal: `
			customer_id VARCHAR(64) NOT NULL,
			amount {{decimal}} NOT NULL,
			fee {{decimal}} NOT NULL,
			destination_address VARCHAR(100) NOT NULL,
			speed VARCHAR(20) NOT NULL,
			chain_tx_id VARCHAR(64),
			failure_reason TEXT,
			ledger_transaction_id VARCHAR(64)`,
}

func kindQueries(kind string) []string {
	t := TablesFor(kind)
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + t.Entities + ` (
			id {{id}},
			version INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			token {{uuid}} NOT NULL UNIQUE,
			state VARCHAR(40) NOT NULL,` + businessColumns[kind] + `
		)`,
		`CREATE INDEX IF NOT EXISTS idx_` + t.Entities + `_state ON ` + t.Entities + ` (state, id)`,
		`CREATE TABLE IF NOT EXISTS ` + t.Events + ` (
			id {{id}},
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			version INTEGER NOT NULL,
			entity_id BIGINT NOT NULL REFERENCES ` + t.Entities + ` (id),
			from_state VARCHAR(40),
			to_state VARCHAR(40) NOT NULL,
			is_processed SMALLINT NOT NULL DEFAULT 0,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			entity_snapshot {{json}} NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_` + t.Events + `_unprocessed ON ` + t.Events + ` (is_processed, id)`,
		`CREATE INDEX IF NOT EXISTS idx_` + t.Events + `_entity ON ` + t.Events + ` (entity_id, id)`,
		`CREATE TABLE IF NOT EXISTS ` + t.Outbox + ` (
			id {{id}},
			value_id BIGINT NOT NULL REFERENCES ` + t.Entities + ` (id),
			effect_type VARCHAR(64) NOT NULL,
			effect_payload {{json}} NOT NULL,
			created_at TIMESTAMP NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'PENDING',
			attempt_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_` + t.Outbox + `_status ON ` + t.Outbox + ` (status, id)`,
		`CREATE TABLE IF NOT EXISTS ` + t.Responses + ` (
			idempotency_key VARCHAR(16) NOT NULL,
			request_id VARCHAR(64) NOT NULL,
			version INTEGER NOT NULL,
			response_snapshot {{json}},
			error_snapshot {{json}},
			PRIMARY KEY (idempotency_key, request_id)
		)`,
		`CREATE TABLE IF NOT EXISTS ` + t.Pending + ` (
			id {{uuid}} PRIMARY KEY,
			entity_token {{uuid}} NOT NULL,
			status VARCHAR(20) NOT NULL,
			failure_reason TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_` + t.Pending + `_entity ON ` + t.Pending + ` (entity_token, status)`,
	}
}

// InitMigration creates the deposit and withdrawal table families. In production,
// this would use a proper migration library like go-migrate
func InitMigration(db *sql.DB, dialect Dialect) error {
	replacer, ok := dialectTypes[dialect]
	if !ok {
		return fmt.Errorf("unsupported dialect %q", dialect)
	}

	var queries []string
	for _, kind := range []string{KindDeposit, KindWithdrawal} {
		queries = append(queries, kindQueries(kind)...)
	}

	for _, query := range queries {
		query = replacer.Replace(query)
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query %s: %w", query, err)
		}
	}

	return nil
}
