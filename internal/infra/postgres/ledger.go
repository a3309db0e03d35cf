package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/proofwork/proofwork/internal/domain"
)

const entryColumns = `seq, id, actor_id, action, details, subject_task_id, metadata,
	entity_type, entity_id, ip_hash, device_hash, entry_hash, previous_hash,
	integrity_status, timestamp`

// ─── Ledger Reads ───────────────────────────────────────────────────────────

func latestEntry(ctx context.Context, q querier) (*domain.LedgerEntry, error) {
	row := q.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries ORDER BY seq DESC LIMIT 1`)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
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
	rows, err := q.Query(ctx, `SELECT `+entryColumns+`
		FROM ledger_entries WHERE seq > $1 ORDER BY seq ASC LIMIT $2`, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	return collectEntries(rows)
}

func listTaskEntries(ctx context.Context, q querier, taskID string) ([]domain.LedgerEntry, error) {
	rows, err := q.Query(ctx, `SELECT `+entryColumns+`
		FROM ledger_entries WHERE subject_task_id = $1 ORDER BY seq ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task entries: %w", err)
	}
	return collectEntries(rows)
}

func listCheckpoints(ctx context.Context, q querier) ([]domain.Checkpoint, error) {
	rows, err := q.Query(ctx, `SELECT from_seq, to_seq, root_hash, created_at
		FROM ledger_checkpoints ORDER BY from_seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []domain.Checkpoint
	for rows.Next() {
		var cp domain.Checkpoint
		if err := rows.Scan(&cp.FromSeq, &cp.ToSeq, &cp.RootHash, &cp.CreatedAt); err != nil {
			return nil, err
		}
		cp.CreatedAt = cp.CreatedAt.UTC()
		out = append(out, cp)
	}
	return out, rows.Err()
}

func scanEntry(row pgx.Row) (domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	var action, meta, status string
	var ts time.Time
	err := row.Scan(&e.Seq, &e.ID, &e.ActorID, &action, &e.Details, &e.SubjectTaskID, &meta,
		&e.EntityType, &e.EntityID, &e.ClientFingerprint.IPHash, &e.ClientFingerprint.DeviceHash,
		&e.EntryHash, &e.PreviousHash, &status, &ts)
	if err != nil {
		return e, err
	}
	e.Action = domain.Action(action)
	e.IntegrityStatus = domain.IntegrityStatus(status)
	e.Timestamp = ts.UTC()
	if e.Metadata, err = domain.ParseMetadata(meta); err != nil {
		return e, fmt.Errorf("entry %s: %w", e.ID, err)
	}
	return e, nil
}

func collectEntries(rows pgx.Rows) ([]domain.LedgerEntry, error) {
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

// appendEntry locks the tail row, so concurrent appenders in any process
// queue behind it. Seq is tail+1, which keeps the sequence gapless.
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

	var tailSeq int64
	var tailHash string
	err = q.QueryRow(ctx, `SELECT seq, entry_hash FROM ledger_tail WHERE id = 1 FOR UPDATE`).
		Scan(&tailSeq, &tailHash)
	if err != nil {
		return e, fmt.Errorf("lock tail: %w", err)
	}
	if tailHash != e.PreviousHash {
		return e, domain.ErrStaleTail
	}

	e.Seq = tailSeq + 1
	_, err = q.Exec(ctx, `INSERT INTO ledger_entries
		(seq, id, actor_id, action, details, subject_task_id, metadata, entity_type, entity_id,
		 ip_hash, device_hash, entry_hash, previous_hash, integrity_status, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		e.Seq, e.ID, e.ActorID, string(e.Action), e.Details, e.SubjectTaskID, meta,
		e.EntityType, e.EntityID, e.ClientFingerprint.IPHash, e.ClientFingerprint.DeviceHash,
		e.EntryHash, e.PreviousHash, string(e.IntegrityStatus), e.Timestamp.UTC())
	if err != nil {
		return e, fmt.Errorf("insert entry: %w", mapError(err))
	}
	if _, err := q.Exec(ctx, `UPDATE ledger_tail SET seq = $1, entry_hash = $2 WHERE id = 1`,
		e.Seq, e.EntryHash); err != nil {
		return e, fmt.Errorf("advance tail: %w", err)
	}
	return e, nil
}

func entryHashes(ctx context.Context, q querier, fromSeq, toSeq int64) ([]string, error) {
	rows, err := q.Query(ctx, `SELECT entry_hash FROM ledger_entries
		WHERE seq BETWEEN $1 AND $2 ORDER BY seq ASC`, fromSeq, toSeq)
	if err != nil {
		return nil, fmt.Errorf("entry hashes: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func appendCheckpoint(ctx context.Context, q querier, cp domain.Checkpoint) error {
	_, err := q.Exec(ctx, `INSERT INTO ledger_checkpoints (from_seq, to_seq, root_hash, created_at)
		VALUES ($1, $2, $3, $4)`, cp.FromSeq, cp.ToSeq, cp.RootHash, cp.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("append checkpoint: %w", mapError(err))
	}
	return nil
}

func backfillEntry(ctx context.Context, q querier, id, previousHash, entryHash string) error {
	var seq int64
	var current string
	err := q.QueryRow(ctx, `SELECT seq, entry_hash FROM ledger_entries WHERE id = $1`, id).
		Scan(&seq, &current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("entry %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return err
	}
	if current != "" {
		return fmt.Errorf("entry %s: %w", id, domain.ErrRepairRefused)
	}
	if _, err := q.Exec(ctx, `UPDATE ledger_entries SET previous_hash = $1, entry_hash = $2
		WHERE id = $3 AND entry_hash = ''`, previousHash, entryHash, id); err != nil {
		return fmt.Errorf("backfill entry %s: %w", id, mapError(err))
	}
	if _, err := q.Exec(ctx, `UPDATE ledger_tail SET entry_hash = $1, seq = $2
		WHERE id = 1 AND $2 = (SELECT MAX(seq) FROM ledger_entries)`, entryHash, seq); err != nil {
		return fmt.Errorf("backfill tail: %w", err)
	}
	return nil
}

// ─── Method sets ────────────────────────────────────────────────────────────

func (s *Store) LatestEntry(ctx context.Context) (*domain.LedgerEntry, error) {
	return latestEntry(ctx, s.pool)
}

func (s *Store) ListEntries(ctx context.Context, afterSeq int64, limit int) ([]domain.LedgerEntry, error) {
	return listEntries(ctx, s.pool, afterSeq, limit)
}

func (s *Store) ListTaskEntries(ctx context.Context, taskID string) ([]domain.LedgerEntry, error) {
	return listTaskEntries(ctx, s.pool, taskID)
}

func (s *Store) ListCheckpoints(ctx context.Context) ([]domain.Checkpoint, error) {
	return listCheckpoints(ctx, s.pool)
}

func (t *pgTx) LatestEntry(ctx context.Context) (*domain.LedgerEntry, error) {
	return latestEntry(ctx, t.q)
}

func (t *pgTx) ListEntries(ctx context.Context, afterSeq int64, limit int) ([]domain.LedgerEntry, error) {
	return listEntries(ctx, t.q, afterSeq, limit)
}

func (t *pgTx) ListTaskEntries(ctx context.Context, taskID string) ([]domain.LedgerEntry, error) {
	return listTaskEntries(ctx, t.q, taskID)
}

func (t *pgTx) ListCheckpoints(ctx context.Context) ([]domain.Checkpoint, error) {
	return listCheckpoints(ctx, t.q)
}

func (t *pgTx) AppendEntry(ctx context.Context, e domain.LedgerEntry) (domain.LedgerEntry, error) {
	return appendEntry(ctx, t.q, e)
}

func (t *pgTx) EntryHashes(ctx context.Context, fromSeq, toSeq int64) ([]string, error) {
	return entryHashes(ctx, t.q, fromSeq, toSeq)
}

func (t *pgTx) AppendCheckpoint(ctx context.Context, cp domain.Checkpoint) error {
	return appendCheckpoint(ctx, t.q, cp)
}

func (t *pgTx) BackfillEntry(ctx context.Context, id, previousHash, entryHash string) error {
	return backfillEntry(ctx, t.q, id, previousHash, entryHash)
}
