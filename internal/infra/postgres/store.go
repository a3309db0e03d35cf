// Package postgres is the server persistence layer. It keeps the same
// ledger, task and share collections as the embedded store, on a pgx pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/proofwork/proofwork/internal/domain"
	"github.com/proofwork/proofwork/internal/infra/observability"
)

const maxTxRetries = 5

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists everything in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

var _ domain.Store = (*Store)(nil)

// Open connects and applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Pool exposes the pool for maintenance tooling and tests.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range Migrations() {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Migrations returns the schema statements in application order.
func Migrations() []string {
	return []string{
		// metadata stays TEXT: jsonb would reorder keys and break hashes.
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			seq              BIGINT PRIMARY KEY,
			id               TEXT NOT NULL UNIQUE,
			actor_id         TEXT NOT NULL,
			action           TEXT NOT NULL,
			details          TEXT NOT NULL DEFAULT '',
			subject_task_id  TEXT NOT NULL DEFAULT '',
			metadata         TEXT NOT NULL DEFAULT '{}',
			entity_type      TEXT NOT NULL DEFAULT '',
			entity_id        TEXT NOT NULL DEFAULT '',
			ip_hash          TEXT NOT NULL DEFAULT '',
			device_hash      TEXT NOT NULL DEFAULT '',
			entry_hash       TEXT NOT NULL DEFAULT '',
			previous_hash    TEXT NOT NULL DEFAULT '',
			integrity_status TEXT NOT NULL DEFAULT 'valid',
			timestamp        TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_entry_hash
			ON ledger_entries(entry_hash) WHERE entry_hash <> ''`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_subject ON ledger_entries(subject_task_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_timestamp ON ledger_entries(timestamp, seq)`,

		`CREATE OR REPLACE FUNCTION ledger_entries_guard() RETURNS trigger AS $$
		BEGIN
			IF TG_OP = 'UPDATE' THEN
				IF OLD.entry_hash = ''
					AND (NEW.seq, NEW.id, NEW.actor_id, NEW.action, NEW.details, NEW.subject_task_id,
					     NEW.metadata, NEW.entity_type, NEW.entity_id, NEW.ip_hash, NEW.device_hash,
					     NEW.integrity_status, NEW.timestamp)
					IS NOT DISTINCT FROM
					    (OLD.seq, OLD.id, OLD.actor_id, OLD.action, OLD.details, OLD.subject_task_id,
					     OLD.metadata, OLD.entity_type, OLD.entity_id, OLD.ip_hash, OLD.device_hash,
					     OLD.integrity_status, OLD.timestamp)
				THEN
					RETURN NEW;
				END IF;
			END IF;
			RAISE EXCEPTION 'ledger entries are append-only';
		END;
		$$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS ledger_entries_immutable ON ledger_entries`,
		`CREATE TRIGGER ledger_entries_immutable
			BEFORE UPDATE OR DELETE ON ledger_entries
			FOR EACH ROW EXECUTE FUNCTION ledger_entries_guard()`,
		`DROP TRIGGER IF EXISTS ledger_entries_no_truncate ON ledger_entries`,
		`CREATE TRIGGER ledger_entries_no_truncate
			BEFORE TRUNCATE ON ledger_entries
			FOR EACH STATEMENT EXECUTE FUNCTION ledger_entries_guard()`,

		`CREATE TABLE IF NOT EXISTS ledger_tail (
			id         INTEGER PRIMARY KEY CHECK (id = 1),
			seq        BIGINT NOT NULL,
			entry_hash TEXT NOT NULL
		)`,
		`INSERT INTO ledger_tail (id, seq, entry_hash) VALUES (1, 0, '` + domain.GenesisHash + `')
			ON CONFLICT (id) DO NOTHING`,

		`CREATE TABLE IF NOT EXISTS ledger_checkpoints (
			from_seq   BIGINT PRIMARY KEY,
			to_seq     BIGINT NOT NULL UNIQUE,
			root_hash  TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE OR REPLACE FUNCTION ledger_checkpoints_guard() RETURNS trigger AS $$
		BEGIN
			RAISE EXCEPTION 'ledger checkpoints are append-only';
		END;
		$$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS ledger_checkpoints_immutable ON ledger_checkpoints`,
		`CREATE TRIGGER ledger_checkpoints_immutable
			BEFORE UPDATE OR DELETE ON ledger_checkpoints
			FOR EACH ROW EXECUTE FUNCTION ledger_checkpoints_guard()`,

		`CREATE TABLE IF NOT EXISTS tasks (
			id           TEXT PRIMARY KEY,
			owner_id     TEXT NOT NULL,
			title        TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL DEFAULT 'pending',
			created_at   TIMESTAMPTZ NOT NULL,
			flagged_at   TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			version      BIGINT NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner_id)`,
		`CREATE TABLE IF NOT EXISTS task_steps (
			task_id     TEXT NOT NULL REFERENCES tasks(id),
			step_id     TEXT NOT NULL,
			position    INTEGER NOT NULL,
			title       TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL DEFAULT 'pending',
			file_hash   TEXT NOT NULL DEFAULT '',
			proof_ref   TEXT NOT NULL DEFAULT '',
			uploaded_at TIMESTAMPTZ,
			PRIMARY KEY (task_id, step_id)
		)`,
		`CREATE TABLE IF NOT EXISTS task_shares (
			task_id    TEXT PRIMARY KEY REFERENCES tasks(id),
			token      TEXT NOT NULL UNIQUE,
			visibility TEXT NOT NULL DEFAULT 'private',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
	}
}

// InTx runs fn in one transaction, retrying serialization failures,
// deadlocks and transient connection errors with jittered backoff. fn may
// run more than once.
func (s *Store) InTx(ctx context.Context, fn func(domain.Tx) error) error {
	const baseDelay = 20 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxTxRetries; attempt++ {
		err = s.inTx(ctx, fn)
		if err == nil || !isRetryable(err) || attempt == maxTxRetries {
			return err
		}
		observability.StoreRetries.WithLabelValues("postgres").Inc()
		delay := baseDelay << uint(attempt)
		delay = delay - delay/4 + time.Duration(rand.IntN(int(delay/2)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func (s *Store) inTx(ctx context.Context, fn func(domain.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return &commitError{err: err}
	}
	return nil
}

// commitError marks a failure at COMMIT, where a lost connection leaves the
// outcome unknown.
type commitError struct{ err error }

func (e *commitError) Error() string { return "commit: " + e.err.Error() }
func (e *commitError) Unwrap() error { return e.err }

// pgTx scopes every operation to one transaction.
type pgTx struct{ q querier }

var _ domain.Tx = (*pgTx)(nil)

// isRetryable reports whether a failed transaction may be run again.
// Class 08 is connection_exception. An expired caller context never retries,
// and a commit that may have landed only retries when the server rolled it
// back.
func isRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pgErr *pgconn.PgError
	hasPgErr := errors.As(err, &pgErr)
	var cErr *commitError
	if errors.As(err, &cErr) {
		return hasPgErr && (pgErr.Code == "40001" || pgErr.Code == "40P01")
	}
	if hasPgErr {
		return pgErr.Code == "40001" || pgErr.Code == "40P01" || strings.HasPrefix(pgErr.Code, "08")
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// mapError translates constraint failures into domain errors.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch {
	case pgErr.Code == "P0001" && strings.Contains(pgErr.Message, "append-only"):
		return fmt.Errorf("%w: %v", domain.ErrAppendOnly, err)
	case pgErr.Code == "23505" && pgErr.ConstraintName == "idx_ledger_entry_hash":
		return fmt.Errorf("%w: %v", domain.ErrDuplicateHash, err)
	case pgErr.Code == "23505" && (pgErr.ConstraintName == "tasks_pkey" || pgErr.ConstraintName == "task_steps_pkey"):
		return fmt.Errorf("%w: %v", domain.ErrAlreadyExists, err)
	}
	return err
}

func optUTC(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
