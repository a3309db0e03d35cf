package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/proofwork/proofwork/internal/domain"
)

// ─── Ledger Schema ──────────────────────────────────────────────────────────

// LedgerMigrations returns the ledger schema statements. Each string is a
// single SQL statement (SQLite executes one at a time).
func LedgerMigrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			seq              INTEGER PRIMARY KEY AUTOINCREMENT,
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
			timestamp        TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_entry_hash
			ON ledger_entries(entry_hash) WHERE entry_hash <> ''`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_subject ON ledger_entries(subject_task_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_timestamp ON ledger_entries(timestamp, seq)`,

		// Rows are immutable. The only permitted UPDATE fills the hash
		// columns of a legacy row that was written before hashing existed.
		`CREATE TRIGGER IF NOT EXISTS ledger_entries_no_delete
			BEFORE DELETE ON ledger_entries
		BEGIN
			SELECT RAISE(ABORT, 'ledger entries are append-only');
		END`,
		`CREATE TRIGGER IF NOT EXISTS ledger_entries_no_update
			BEFORE UPDATE ON ledger_entries
			WHEN OLD.entry_hash <> ''
				OR NEW.seq IS NOT OLD.seq
				OR NEW.id IS NOT OLD.id
				OR NEW.actor_id IS NOT OLD.actor_id
				OR NEW.action IS NOT OLD.action
				OR NEW.details IS NOT OLD.details
				OR NEW.subject_task_id IS NOT OLD.subject_task_id
				OR NEW.metadata IS NOT OLD.metadata
				OR NEW.entity_type IS NOT OLD.entity_type
				OR NEW.entity_id IS NOT OLD.entity_id
				OR NEW.ip_hash IS NOT OLD.ip_hash
				OR NEW.device_hash IS NOT OLD.device_hash
				OR NEW.integrity_status IS NOT OLD.integrity_status
				OR NEW.timestamp IS NOT OLD.timestamp
		BEGIN
			SELECT RAISE(ABORT, 'ledger entries are append-only');
		END`,

		// Single authoritative tail pointer, advanced by compare-and-swap.
		`CREATE TABLE IF NOT EXISTS ledger_tail (
			id         INTEGER PRIMARY KEY CHECK (id = 1),
			seq        INTEGER NOT NULL,
			entry_hash TEXT NOT NULL
		)`,
		`INSERT OR IGNORE INTO ledger_tail (id, seq, entry_hash) VALUES (1, 0, '` + domain.GenesisHash + `')`,

		`CREATE TABLE IF NOT EXISTS ledger_checkpoints (
			from_seq   INTEGER PRIMARY KEY,
			to_seq     INTEGER NOT NULL UNIQUE,
			root_hash  TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TRIGGER IF NOT EXISTS ledger_checkpoints_no_update
			BEFORE UPDATE ON ledger_checkpoints
		BEGIN
			SELECT RAISE(ABORT, 'ledger checkpoints are append-only');
		END`,
		`CREATE TRIGGER IF NOT EXISTS ledger_checkpoints_no_delete
			BEFORE DELETE ON ledger_checkpoints
		BEGIN
			SELECT RAISE(ABORT, 'ledger checkpoints are append-only');
		END`,
	}
}

const entryColumns = `seq, id, actor_id, action, details, subject_task_id, metadata,
	entity_type, entity_id, ip_hash, device_hash, entry_hash, previous_hash,
	integrity_status, timestamp`

// ─── Ledger Reads ───────────────────────────────────────────────────────────

func latestEntry(ctx context.Context, q querier) (*domain.LedgerEntry, error) {
	row := q.QueryRowContext(ctx, `SELECT `+entryColumns+`
		FROM ledger_entries ORDER BY seq DESC LIMIT 1`)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest entry: %w", err)
	}
	return &e, nil
}

func listEntries(ctx context.Context, q querier, afterSeq int64, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := q.QueryContext(ctx, `SELECT `+entryColumns+`
		FROM ledger_entries WHERE seq > ? ORDER BY seq ASC LIMIT ?`, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	return collectEntries(rows)
}

func listTaskEntries(ctx context.Context, q querier, taskID string) ([]domain.LedgerEntry, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+entryColumns+`
		FROM ledger_entries WHERE subject_task_id = ? ORDER BY seq ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task entries: %w", err)
	}
	return collectEntries(rows)
}

func listCheckpoints(ctx context.Context, q querier) ([]domain.Checkpoint, error) {
	rows, err := q.QueryContext(ctx, `SELECT from_seq, to_seq, root_hash, created_at
		FROM ledger_checkpoints ORDER BY from_seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []domain.Checkpoint
	for rows.Next() {
		var cp domain.Checkpoint
		var created string
		if err := rows.Scan(&cp.FromSeq, &cp.ToSeq, &cp.RootHash, &created); err != nil {
			return nil, err
		}
		cp.CreatedAt, _ = domain.ParseTimestamp(created)
		out = append(out, cp)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(s rowScanner) (domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	var action, meta, status, ts string
	err := s.Scan(&e.Seq, &e.ID, &e.ActorID, &action, &e.Details, &e.SubjectTaskID, &meta,
		&e.EntityType, &e.EntityID, &e.ClientFingerprint.IPHash, &e.ClientFingerprint.DeviceHash,
		&e.EntryHash, &e.PreviousHash, &status, &ts)
	if err != nil {
		return e, err
	}
	e.Action = domain.Action(action)
	e.IntegrityStatus = domain.IntegrityStatus(status)
	if e.Metadata, err = domain.ParseMetadata(meta); err != nil {
		return e, fmt.Errorf("entry %s: %w", e.ID, err)
	}
	if e.Timestamp, err = domain.ParseTimestamp(ts); err != nil {
		return e, fmt.Errorf("entry %s: %w", e.ID, err)
	}
	return e, nil
}

func collectEntries(rows *sql.Rows) ([]domain.LedgerEntry, error) {
	defer rows.Close()
	var out []domain.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ─── Ledger Writes ──────────────────────────────────────────────────────────

func appendEntry(ctx context.Context, q querier, e domain.LedgerEntry) (domain.LedgerEntry, error) {
	if e.EntryHash == "" || e.PreviousHash == "" {
		return e, domain.Invalid("entry hash and previous hash are required")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	meta, err := e.Metadata.Canonical()
	if err != nil {
		return e, err
	}

	// Compare-and-swap the tail: succeeds only if nobody appended since the
	// caller read it.
	res, err := q.ExecContext(ctx, `UPDATE ledger_tail SET entry_hash = ?
		WHERE id = 1 AND entry_hash = ?`, e.EntryHash, e.PreviousHash)
	if err != nil {
		return e, fmt.Errorf("advance tail: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return e, domain.ErrStaleTail
	}

	res, err = q.ExecContext(ctx, `INSERT INTO ledger_entries
		(id, actor_id, action, details, subject_task_id, metadata, entity_type, entity_id,
		 ip_hash, device_hash, entry_hash, previous_hash, integrity_status, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ActorID, string(e.Action), e.Details, e.SubjectTaskID, meta,
		e.EntityType, e.EntityID, e.ClientFingerprint.IPHash, e.ClientFingerprint.DeviceHash,
		e.EntryHash, e.PreviousHash, string(e.IntegrityStatus), formatTime(e.Timestamp))
	if err != nil {
		return e, fmt.Errorf("insert entry: %w", mapError(err))
	}
	if e.Seq, err = res.LastInsertId(); err != nil {
		return e, err
	}
	if _, err := q.ExecContext(ctx, `UPDATE ledger_tail SET seq = ? WHERE id = 1`, e.Seq); err != nil {
		return e, fmt.Errorf("advance tail seq: %w", err)
	}
	return e, nil
}

func entryHashes(ctx context.Context, q querier, fromSeq, toSeq int64) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT entry_hash FROM ledger_entries
		WHERE seq BETWEEN ? AND ? ORDER BY seq ASC`, fromSeq, toSeq)
	if err != nil {
		return nil, fmt.Errorf("entry hashes: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func appendCheckpoint(ctx context.Context, q querier, cp domain.Checkpoint) error {
	_, err := q.ExecContext(ctx, `INSERT INTO ledger_checkpoints (from_seq, to_seq, root_hash, created_at)
		VALUES (?, ?, ?, ?)`, cp.FromSeq, cp.ToSeq, cp.RootHash, formatTime(cp.CreatedAt))
	if err != nil {
		return fmt.Errorf("append checkpoint: %w", mapError(err))
	}
	return nil
}

func backfillEntry(ctx context.Context, q querier, id, previousHash, entryHash string) error {
	var current string
	var seq int64
	err := q.QueryRowContext(ctx, `SELECT seq, entry_hash FROM ledger_entries WHERE id = ?`, id).
		Scan(&seq, &current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("entry %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return err
	}
	if current != "" {
		return fmt.Errorf("entry %s: %w", id, domain.ErrRepairRefused)
	}
	if _, err := q.ExecContext(ctx, `UPDATE ledger_entries SET previous_hash = ?, entry_hash = ?
		WHERE id = ? AND entry_hash = ''`, previousHash, entryHash, id); err != nil {
		return fmt.Errorf("backfill entry %s: %w", id, mapError(err))
	}
	// A backfilled newest row becomes the tail.
	if _, err := q.ExecContext(ctx, `UPDATE ledger_tail SET entry_hash = ?, seq = ?
		WHERE id = 1 AND ? = (SELECT MAX(seq) FROM ledger_entries)`, entryHash, seq, seq); err != nil {
		return fmt.Errorf("backfill tail: %w", err)
	}
	return nil
}

// ─── Method sets ────────────────────────────────────────────────────────────

func (db *DB) LatestEntry(ctx context.Context) (*domain.LedgerEntry, error) {
	return latestEntry(ctx, db.db)
}

func (db *DB) ListEntries(ctx context.Context, afterSeq int64, limit int) ([]domain.LedgerEntry, error) {
	return listEntries(ctx, db.db, afterSeq, limit)
}

func (db *DB) ListTaskEntries(ctx context.Context, taskID string) ([]domain.LedgerEntry, error) {
	return listTaskEntries(ctx, db.db, taskID)
}

func (db *DB) ListCheckpoints(ctx context.Context) ([]domain.Checkpoint, error) {
	return listCheckpoints(ctx, db.db)
}

func (t *sqliteTx) LatestEntry(ctx context.Context) (*domain.LedgerEntry, error) {
	return latestEntry(ctx, t.q)
}

func (t *sqliteTx) ListEntries(ctx context.Context, afterSeq int64, limit int) ([]domain.LedgerEntry, error) {
	return listEntries(ctx, t.q, afterSeq, limit)
}

func (t *sqliteTx) ListTaskEntries(ctx context.Context, taskID string) ([]domain.LedgerEntry, error) {
	return listTaskEntries(ctx, t.q, taskID)
}

func (t *sqliteTx) ListCheckpoints(ctx context.Context) ([]domain.Checkpoint, error) {
	return listCheckpoints(ctx, t.q)
}

func (t *sqliteTx) AppendEntry(ctx context.Context, e domain.LedgerEntry) (domain.LedgerEntry, error) {
	return appendEntry(ctx, t.q, e)
}

func (t *sqliteTx) EntryHashes(ctx context.Context, fromSeq, toSeq int64) ([]string, error) {
	return entryHashes(ctx, t.q, fromSeq, toSeq)
}

func (t *sqliteTx) AppendCheckpoint(ctx context.Context, cp domain.Checkpoint) error {
	return appendCheckpoint(ctx, t.q, cp)
}

func (t *sqliteTx) BackfillEntry(ctx context.Context, id, previousHash, entryHash string) error {
	return backfillEntry(ctx, t.q, id, previousHash, entryHash)
}
