// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package sqlutil carries the small shared plumbing used by every storage
// backend: statement preparation lists, transaction helpers and schema
// migrations.
package sqlutil

import (
	"context"
	"database/sql"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Open opens a database handle, picking the driver from the connection
// string: "file:" (or a bare path) selects SQLite, "postgres:" or
// "postgresql:" selects Postgres.
func Open(connectionString string) (*sql.DB, error) {
	driver := "sqlite3"
	dsn := connectionString
	switch {
	case strings.HasPrefix(connectionString, "postgres:"),
		strings.HasPrefix(connectionString, "postgresql:"):
		driver = "postgres"
	case strings.HasPrefix(connectionString, "file:"):
	default:
		dsn = "file:" + connectionString
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	if driver == "sqlite3" {
		// SQLite serialises writers; more than one connection just
		// trades contention for "database is locked" errors.
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// IsPostgres reports whether the connection string selects Postgres.
func IsPostgres(connectionString string) bool {
	return strings.HasPrefix(connectionString, "postgres:") ||
		strings.HasPrefix(connectionString, "postgresql:")
}

// StatementList prepares a batch of statements at startup so that a typo
// in any SQL fails loudly at boot rather than mid-request.
type StatementList []struct {
	Statement **sql.Stmt
	SQL       string
}

// Prepare prepares every statement in the list.
func (s StatementList) Prepare(db *sql.DB) (err error) {
	for _, statement := range s {
		if *statement.Statement, err = db.Prepare(statement.SQL); err != nil {
			return fmt.Errorf("error %q preparing statement: %s", err, statement.SQL)
		}
	}
	return nil
}

// TxStmt wraps an existing statement with a transaction if one is given.
func TxStmt(transaction *sql.Tx, statement *sql.Stmt) *sql.Stmt {
	if transaction != nil {
		statement = transaction.Stmt(statement)
	}
	return statement
}

// Transaction is the subset of *sql.Tx the helpers need.
type Transaction interface {
	Commit() error
	Rollback() error
}

// EndTransaction commits if succeeded is true by the time the deferred
// call runs, and rolls back otherwise.
func EndTransaction(txn Transaction, succeeded *bool) error {
	if *succeeded {
		return txn.Commit()
	}
	return txn.Rollback()
}

// EndTransactionWithCheck is EndTransaction but folds the commit/rollback
// error into the caller's named error return when that is still nil.
func EndTransactionWithCheck(txn Transaction, succeeded *bool, err *error) {
	if e := EndTransaction(txn, succeeded); e != nil && *err == nil {
		*err = e
	}
}

// WithTransaction runs fn inside a transaction, committing on a nil error
// and rolling back otherwise. Panics roll back and re-panic.
func WithTransaction(db *sql.DB, fn func(txn *sql.Tx) error) (err error) {
	txn, err := db.Begin()
	if err != nil {
		return fmt.Errorf("db.Begin: %w", err)
	}
	succeeded := false
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("transaction panicked: %v\n%s", r, debug.Stack())
			if e := txn.Rollback(); e != nil {
				logrus.WithError(e).Error("failed to roll back panicked transaction")
			}
			panic(r)
		}
		EndTransactionWithCheck(txn, &succeeded, &err)
	}()
	if err = fn(txn); err != nil {
		return err
	}
	succeeded = true
	return nil
}

// Migration is a single versioned schema change.
type Migration struct {
	Version string
	Up      func(ctx context.Context, txn *sql.Tx) error
}

// Migrator applies migrations that have not run yet, recording each in a
// bookkeeping table.
type Migrator struct {
	db         *sql.DB
	migrations []Migration
}

func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

func (m *Migrator) AddMigrations(migrations ...Migration) {
	m.migrations = append(m.migrations, migrations...)
}

const createMigrationTableSQL = `CREATE TABLE IF NOT EXISTS db_migrations (
	version TEXT PRIMARY KEY,
	time TEXT NOT NULL
);`

func (m *Migrator) Up(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, createMigrationTableSQL); err != nil {
		return fmt.Errorf("creating migration table: %w", err)
	}
	applied := map[string]struct{}{}
	rows, err := m.db.QueryContext(ctx, "SELECT version FROM db_migrations")
	if err != nil {
		return fmt.Errorf("querying migrations: %w", err)
	}
	for rows.Next() {
		var version string
		if err = rows.Scan(&version); err != nil {
			_ = rows.Close()
			return err
		}
		applied[version] = struct{}{}
	}
	if err = rows.Err(); err != nil {
		return err
	}
	_ = rows.Close()

	for _, migration := range m.migrations {
		if _, done := applied[migration.Version]; done {
			continue
		}
		migration := migration
		err = WithTransaction(m.db, func(txn *sql.Tx) error {
			if err := migration.Up(ctx, txn); err != nil {
				return fmt.Errorf("migration %q: %w", migration.Version, err)
			}
			_, err := txn.ExecContext(ctx,
				"INSERT INTO db_migrations (version, time) VALUES ($1, $2)",
				migration.Version, time.Now().UTC().Format(time.RFC3339),
			)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}
