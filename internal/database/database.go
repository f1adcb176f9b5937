// Package database stores tables, fields, relations and rows in SQLite.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a table, field or row does not exist.
var ErrNotFound = errors.New("not found")

// Querier is the subset of *sql.DB and *sql.Tx used by the stores.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS grid_table (
		id   INTEGER PRIMARY KEY,
		name TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS grid_field (
		id                    INTEGER PRIMARY KEY,
		table_id              INTEGER NOT NULL REFERENCES grid_table(id),
		name                  TEXT NOT NULL,
		kind                  TEXT NOT NULL,
		is_primary            INTEGER NOT NULL DEFAULT 0,
		trashed               INTEGER NOT NULL DEFAULT 0,
		formula               TEXT NOT NULL DEFAULT '',
		error                 TEXT NOT NULL DEFAULT '',
		lookup_through        TEXT NOT NULL DEFAULT '',
		lookup_target         TEXT NOT NULL DEFAULT '',
		link_target_table_id  INTEGER NOT NULL DEFAULT 0,
		link_related_field_id INTEGER NOT NULL DEFAULT 0,
		link_relation_id      INTEGER NOT NULL DEFAULT 0,
		link_owner            INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS grid_field_table ON grid_field(table_id)`,
	`CREATE TABLE IF NOT EXISTS field_dependency (
		dependant_id  INTEGER NOT NULL,
		dependency_id INTEGER NOT NULL,
		via_id        INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (dependant_id, dependency_id, via_id)
	)`,
	`CREATE INDEX IF NOT EXISTS field_dependency_dependency ON field_dependency(dependency_id)`,
	`CREATE INDEX IF NOT EXISTS field_dependency_via ON field_dependency(via_id)`,
}

// DB is the SQLite database handle.
type DB struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the database at dsn and applies the catalog schema.
// Use ":memory:" for a private in-memory database.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// one connection: an in-memory database lives per connection and SQLite
	// serializes writers anyway
	db.SetMaxOpenConns(1)

	d := &DB{db: db, logger: logger}
	if err := d.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}
	for _, stmt := range schema {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// SQL returns the underlying sql.DB.
func (d *DB) SQL() *sql.DB {
	return d.db
}

// Ping checks the database connection.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *DB) Close() error {
	return d.db.Close()
}

// WithTx runs fn in a transaction, committing when it returns nil and
// rolling back otherwise.
func (d *DB) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	tx := &Tx{Tx: sqlTx}
	if err := fn(tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			d.logger.Error("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Tx is a catalog and row store bound to one transaction.
type Tx struct {
	*sql.Tx
}

var _ Querier = (*Tx)(nil)
