// Package storage provides the embedded SQLite database layer shared by the
// drive registry and the outbox queues. Each tenant gets its own database
// file; the pending-senders index lives in a process-wide system database.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// DB wraps a SQLite handle with migration support and grouped-write tracking.
type DB struct {
	db     *sql.DB
	path   string
	logger zerolog.Logger

	guards guardTracker
}

// Open opens (or creates) a SQLite database at path. The parent directory is
// created if it does not exist. WAL journaling keeps readers unblocked during
// the lease/commit transactions.
func Open(path string, logger zerolog.Logger) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_journal=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite handles one writer at a time.

	return &DB{db: db, path: path, logger: logger}, nil
}

// Migrate applies an ordered list of SQL statements. Each statement must be
// idempotent (IF NOT EXISTS) so re-running on startup is safe.
func (d *DB) Migrate(migrations []string) error {
	for _, stmt := range migrations {
		if _, err := d.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration: %w", err)
		}
	}
	return nil
}

// Handle exposes the underlying *sql.DB for query execution.
func (d *DB) Handle() *sql.DB { return d.db }

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

// BeginTx starts a transaction.
func (d *DB) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return d.db.BeginTx(ctx, nil)
}

// Close checkpoints and closes the database. Outstanding write guards are
// reported (see guard.go) before the handle is released.
func (d *DB) Close() error {
	d.guards.reportLeaks(d.logger, d.path)
	d.checkpoint()
	return d.db.Close()
}

// checkpoint flushes the WAL into the main database file. Failures are logged
// rather than returned: the WAL itself is durable, so a skipped checkpoint
// costs disk space, not data.
func (d *DB) checkpoint() {
	if _, err := d.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		d.logger.Warn().Err(err).Str("db", d.path).Msg("WAL checkpoint failed")
	}
}
