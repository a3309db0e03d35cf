// Package sqlite is the embedded persistence layer: the append-only ledger,
// task aggregates and sharing records in a single SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/proofwork/proofwork/internal/domain"
	"github.com/proofwork/proofwork/internal/infra/observability"
)

// DBFile is the database file name inside the data directory.
const DBFile = "proofwork.db"

// maxBusyRetries bounds retries on SQLITE_BUSY on top of busy_timeout.
const maxBusyRetries = 5

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB wraps the SQLite handle. All collections are created by Open, before
// the service accepts traffic.
type DB struct {
	db   *sql.DB
	path string
}

var _ domain.Store = (*DB)(nil)

// Open opens (creating if needed) the database under dir and applies all
// migrations.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	path := filepath.Join(dir, DBFile)
	dsn := "file:" + path +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(FULL)" +
		"&_pragma=foreign_keys(1)" +
		"&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; BEGIN IMMEDIATE takes the write lock up front.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	db := &DB{db: sqlDB, path: path}
	if err := db.migrate(context.Background()); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the database.
func (db *DB) Close() error { return db.db.Close() }

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// Raw exposes the underlying handle for maintenance tooling and tests.
func (db *DB) Raw() *sql.DB { return db.db }

// Migrations returns every schema statement in application order.
func Migrations() []string {
	return append(LedgerMigrations(), TaskMigrations()...)
}

func (db *DB) migrate(ctx context.Context) error {
	for _, stmt := range Migrations() {
		if _, err := db.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// InTx runs fn inside one immediate transaction, retrying when SQLite
// reports the database busy. fn may run more than once.
func (db *DB) InTx(ctx context.Context, fn func(domain.Tx) error) error {
	return retryOnBusy(ctx, maxBusyRetries, func() error {
		tx, err := db.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(&sqliteTx{q: tx}); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

// sqliteTx scopes every operation to one transaction.
type sqliteTx struct{ q querier }

var _ domain.Tx = (*sqliteTx)(nil)

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 25 * time.Millisecond
	const maxDelay = 400 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isBusy(err) || attempt == maxRetries {
			return err
		}
		observability.StoreRetries.WithLabelValues("sqlite").Inc()
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		delay = delay - delay/4 + time.Duration(rand.IntN(int(delay/2)))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}

// mapError translates constraint failures into domain errors.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "append-only"):
		return fmt.Errorf("%w: %v", domain.ErrAppendOnly, err)
	case strings.Contains(msg, "ledger_entries.entry_hash"),
		strings.Contains(msg, "idx_ledger_entry_hash"):
		return fmt.Errorf("%w: %v", domain.ErrDuplicateHash, err)
	case strings.Contains(msg, "tasks.id"), strings.Contains(msg, "task_steps.task_id"):
		return fmt.Errorf("%w: %v", domain.ErrAlreadyExists, err)
	case errors.Is(err, sql.ErrNoRows):
		return domain.ErrNotFound
	}
	return err
}

// ─── Time helpers ───────────────────────────────────────────────────────────

func formatTime(t time.Time) string { return domain.FormatTimestamp(t) }

func formatOptTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return domain.FormatTimestamp(*t)
}

func parseOptTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := domain.ParseTimestamp(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
