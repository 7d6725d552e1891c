// Package testutil opens throwaway databases carrying the btcflow schema.
package testutil

import (
	"database/sql"
	"path/filepath"
	"testing"

	"custody/apps/btcflow/internal/repository"

	_ "github.com/mattn/go-sqlite3"
)

var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
}

// OpenDB creates a sqlite database under t.TempDir() with every table migrated.
// The pool holds a single connection, so callers must not use the *sql.DB while
// a transaction they opened is still running in the same goroutine.
func OpenDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "btcflow.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	t.Cleanup(func() { db.Close() })

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			t.Fatalf("failed to execute %q: %v", pragma, err)
		}
	}

	if err := repository.InitMigration(db, repository.DialectSQLite); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}
