package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/proofwork/proofwork/internal/domain"
)

// ─── Task Operations ────────────────────────────────────────────────────────

func getTask(ctx context.Context, q querier, id string, lock bool) (*domain.Task, error) {
	query := `SELECT id, owner_id, title, status, created_at, flagged_at, completed_at, version
		FROM tasks WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	t := &domain.Task{}
	var status string
	err := q.QueryRow(ctx, query, id).
		Scan(&t.ID, &t.OwnerID, &t.Title, &status, &t.CreatedAt, &t.FlaggedAt, &t.CompletedAt, &t.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	t.Status = domain.TaskStatus(status)
	t.CreatedAt = t.CreatedAt.UTC()
	t.FlaggedAt = optUTC(t.FlaggedAt)
	t.CompletedAt = optUTC(t.CompletedAt)

	rows, err := q.Query(ctx, `SELECT step_id, title, status, file_hash, proof_ref, uploaded_at
		FROM task_steps WHERE task_id = $1 ORDER BY position ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("get task steps: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var s domain.TaskStep
		var stepStatus string
		if err := rows.Scan(&s.ID, &s.Title, &stepStatus, &s.FileHash, &s.ProofRef, &s.UploadedAt); err != nil {
			return nil, err
		}
		s.Status = domain.StepStatus(stepStatus)
		s.UploadedAt = optUTC(s.UploadedAt)
		t.Steps = append(t.Steps, s)
	}
	return t, rows.Err()
}

func insertTask(ctx context.Context, q querier, t *domain.Task) error {
	if t.Version == 0 {
		t.Version = 1
	}
	_, err := q.Exec(ctx, `INSERT INTO tasks
		(id, owner_id, title, status, created_at, flagged_at, completed_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.OwnerID, t.Title, string(t.Status), t.CreatedAt.UTC(),
		optUTC(t.FlaggedAt), optUTC(t.CompletedAt), t.Version)
	if err != nil {
		return fmt.Errorf("insert task: %w", mapError(err))
	}
	batch := &pgx.Batch{}
	for i, s := range t.Steps {
		batch.Queue(`INSERT INTO task_steps
			(task_id, step_id, position, title, status, file_hash, proof_ref, uploaded_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			t.ID, s.ID, i, s.Title, string(s.Status), s.FileHash, s.ProofRef, optUTC(s.UploadedAt))
	}
	return sendBatch(ctx, q, batch, "insert steps")
}

func updateTask(ctx context.Context, q querier, t *domain.Task) error {
	tag, err := q.Exec(ctx, `UPDATE tasks SET
			status = $1, flagged_at = $2, completed_at = $3, version = version + 1
		WHERE id = $4 AND version = $5`,
		string(t.Status), optUTC(t.FlaggedAt), optUTC(t.CompletedAt), t.ID, t.Version)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", t.ID, domain.ErrStaleTask)
	}
	batch := &pgx.Batch{}
	for _, s := range t.Steps {
		batch.Queue(`UPDATE task_steps SET
				status = $1, file_hash = $2, proof_ref = $3, uploaded_at = $4
			WHERE task_id = $5 AND step_id = $6`,
			string(s.Status), s.FileHash, s.ProofRef, optUTC(s.UploadedAt), t.ID, s.ID)
	}
	if err := sendBatch(ctx, q, batch, "update steps"); err != nil {
		return err
	}
	t.Version++
	return nil
}

// sendBatch is only reachable inside a transaction, where q is a pgx.Tx.
func sendBatch(ctx context.Context, q querier, batch *pgx.Batch, what string) error {
	if batch.Len() == 0 {
		return nil
	}
	tx, ok := q.(pgx.Tx)
	if !ok {
		return fmt.Errorf("%s: batch outside transaction", what)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("%s: %w", what, mapError(err))
	}
	return nil
}

// ─── Share Operations ───────────────────────────────────────────────────────

func getShare(ctx context.Context, q querier, taskID string) (*domain.Share, error) {
	s := &domain.Share{}
	var visibility string
	err := q.QueryRow(ctx, `SELECT task_id, token, visibility, created_at, updated_at
		FROM task_shares WHERE task_id = $1`, taskID).
		Scan(&s.TaskID, &s.Token, &visibility, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("share for task %s: %w", taskID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get share: %w", err)
	}
	s.Visibility = domain.Visibility(visibility)
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	return s, nil
}

func insertShare(ctx context.Context, q querier, s domain.Share) (bool, error) {
	tag, err := q.Exec(ctx, `INSERT INTO task_shares (task_id, token, visibility, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (task_id) DO NOTHING`,
		s.TaskID, s.Token, string(s.Visibility), s.CreatedAt.UTC(), s.UpdatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("insert share: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func updateShare(ctx context.Context, q querier, s domain.Share) error {
	tag, err := q.Exec(ctx, `UPDATE task_shares SET visibility = $1, updated_at = $2
		WHERE task_id = $3`, string(s.Visibility), s.UpdatedAt.UTC(), s.TaskID)
	if err != nil {
		return fmt.Errorf("update share: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("share for task %s: %w", s.TaskID, domain.ErrNotFound)
	}
	return nil
}

// ─── Method sets ────────────────────────────────────────────────────────────

func (s *Store) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	return getTask(ctx, s.pool, id, false)
}

func (s *Store) GetShare(ctx context.Context, taskID string) (*domain.Share, error) {
	return getShare(ctx, s.pool, taskID)
}

// GetTask inside a transaction locks the task row until commit.
func (t *pgTx) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	return getTask(ctx, t.q, id, true)
}

func (t *pgTx) GetShare(ctx context.Context, taskID string) (*domain.Share, error) {
	return getShare(ctx, t.q, taskID)
}

func (t *pgTx) InsertTask(ctx context.Context, task *domain.Task) error {
	return insertTask(ctx, t.q, task)
}

func (t *pgTx) UpdateTask(ctx context.Context, task *domain.Task) error {
	return updateTask(ctx, t.q, task)
}

func (t *pgTx) InsertShare(ctx context.Context, s domain.Share) (bool, error) {
	return insertShare(ctx, t.q, s)
}

func (t *pgTx) UpdateShare(ctx context.Context, s domain.Share) error {
	return updateShare(ctx, t.q, s)
}
