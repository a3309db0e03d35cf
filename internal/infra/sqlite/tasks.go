package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/proofwork/proofwork/internal/domain"
)

// ─── Task Schema ────────────────────────────────────────────────────────────

// TaskMigrations returns the task, step and share schema statements.
func TaskMigrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id           TEXT PRIMARY KEY,
			owner_id     TEXT NOT NULL,
			title        TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL DEFAULT 'pending',
			created_at   TEXT NOT NULL,
			flagged_at   TEXT,
			completed_at TEXT,
			version      INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,

		`CREATE TABLE IF NOT EXISTS task_steps (
			task_id     TEXT NOT NULL REFERENCES tasks(id),
			step_id     TEXT NOT NULL,
			position    INTEGER NOT NULL,
			title       TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL DEFAULT 'pending',
			file_hash   TEXT NOT NULL DEFAULT '',
			proof_ref   TEXT NOT NULL DEFAULT '',
			uploaded_at TEXT,
			PRIMARY KEY (task_id, step_id)
		)`,

		`CREATE TABLE IF NOT EXISTS task_shares (
			task_id    TEXT PRIMARY KEY REFERENCES tasks(id),
			token      TEXT NOT NULL UNIQUE,
			visibility TEXT NOT NULL DEFAULT 'private',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}
}

// ─── Task Operations ────────────────────────────────────────────────────────

func getTask(ctx context.Context, q querier, id string) (*domain.Task, error) {
	t := &domain.Task{}
	var status, created string
	var flagged, completed sql.NullString
	err := q.QueryRowContext(ctx, `SELECT id, owner_id, title, status, created_at,
			flagged_at, completed_at, version
		FROM tasks WHERE id = ?`, id).
		Scan(&t.ID, &t.OwnerID, &t.Title, &status, &created, &flagged, &completed, &t.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	t.Status = domain.TaskStatus(status)
	if t.CreatedAt, err = domain.ParseTimestamp(created); err != nil {
		return nil, err
	}
	if t.FlaggedAt, err = parseOptTime(flagged); err != nil {
		return nil, err
	}
	if t.CompletedAt, err = parseOptTime(completed); err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx, `SELECT step_id, title, status, file_hash, proof_ref, uploaded_at
		FROM task_steps WHERE task_id = ? ORDER BY position ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("get task steps: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var s domain.TaskStep
		var stepStatus string
		var uploaded sql.NullString
		if err := rows.Scan(&s.ID, &s.Title, &stepStatus, &s.FileHash, &s.ProofRef, &uploaded); err != nil {
			return nil, err
		}
		s.Status = domain.StepStatus(stepStatus)
		if s.UploadedAt, err = parseOptTime(uploaded); err != nil {
			return nil, err
		}
		t.Steps = append(t.Steps, s)
	}
	return t, rows.Err()
}

func insertTask(ctx context.Context, q querier, t *domain.Task) error {
	if t.Version == 0 {
		t.Version = 1
	}
	_, err := q.ExecContext(ctx, `INSERT INTO tasks
		(id, owner_id, title, status, created_at, flagged_at, completed_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.OwnerID, t.Title, string(t.Status), formatTime(t.CreatedAt),
		formatOptTime(t.FlaggedAt), formatOptTime(t.CompletedAt), t.Version)
	if err != nil {
		return fmt.Errorf("insert task: %w", mapError(err))
	}
	for i, s := range t.Steps {
		_, err := q.ExecContext(ctx, `INSERT INTO task_steps
			(task_id, step_id, position, title, status, file_hash, proof_ref, uploaded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, s.ID, i, s.Title, string(s.Status), s.FileHash, s.ProofRef, formatOptTime(s.UploadedAt))
		if err != nil {
			return fmt.Errorf("insert step %s: %w", s.ID, err)
		}
	}
	return nil
}

func updateTask(ctx context.Context, q querier, t *domain.Task) error {
	res, err := q.ExecContext(ctx, `UPDATE tasks SET
			status = ?, flagged_at = ?, completed_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		string(t.Status), formatOptTime(t.FlaggedAt), formatOptTime(t.CompletedAt), t.ID, t.Version)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", t.ID, domain.ErrStaleTask)
	}
	for _, s := range t.Steps {
		_, err := q.ExecContext(ctx, `UPDATE task_steps SET
				status = ?, file_hash = ?, proof_ref = ?, uploaded_at = ?
			WHERE task_id = ? AND step_id = ?`,
			string(s.Status), s.FileHash, s.ProofRef, formatOptTime(s.UploadedAt), t.ID, s.ID)
		if err != nil {
			return fmt.Errorf("update step %s: %w", s.ID, err)
		}
	}
	t.Version++
	return nil
}

// ─── Share Operations ───────────────────────────────────────────────────────

func getShare(ctx context.Context, q querier, taskID string) (*domain.Share, error) {
	s := &domain.Share{}
	var visibility, created, updated string
	err := q.QueryRowContext(ctx, `SELECT task_id, token, visibility, created_at, updated_at
		FROM task_shares WHERE task_id = ?`, taskID).
		Scan(&s.TaskID, &s.Token, &visibility, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("share for task %s: %w", taskID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get share: %w", err)
	}
	s.Visibility = domain.Visibility(visibility)
	s.CreatedAt, _ = domain.ParseTimestamp(created)
	s.UpdatedAt, _ = domain.ParseTimestamp(updated)
	return s, nil
}

func insertShare(ctx context.Context, q querier, s domain.Share) (bool, error) {
	res, err := q.ExecContext(ctx, `INSERT INTO task_shares (task_id, token, visibility, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO NOTHING`,
		s.TaskID, s.Token, string(s.Visibility), formatTime(s.CreatedAt), formatTime(s.UpdatedAt))
	if err != nil {
		return false, fmt.Errorf("insert share: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func updateShare(ctx context.Context, q querier, s domain.Share) error {
	res, err := q.ExecContext(ctx, `UPDATE task_shares SET visibility = ?, updated_at = ?
		WHERE task_id = ?`, string(s.Visibility), formatTime(s.UpdatedAt), s.TaskID)
	if err != nil {
		return fmt.Errorf("update share: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("share for task %s: %w", s.TaskID, domain.ErrNotFound)
	}
	return nil
}

// ─── Method sets ────────────────────────────────────────────────────────────

func (db *DB) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	return getTask(ctx, db.db, id)
}

func (db *DB) GetShare(ctx context.Context, taskID string) (*domain.Share, error) {
	return getShare(ctx, db.db, taskID)
}

func (t *sqliteTx) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	return getTask(ctx, t.q, id)
}

func (t *sqliteTx) GetShare(ctx context.Context, taskID string) (*domain.Share, error) {
	return getShare(ctx, t.q, taskID)
}

func (t *sqliteTx) InsertTask(ctx context.Context, task *domain.Task) error {
	return insertTask(ctx, t.q, task)
}

func (t *sqliteTx) UpdateTask(ctx context.Context, task *domain.Task) error {
	return updateTask(ctx, t.q, task)
}

func (t *sqliteTx) InsertShare(ctx context.Context, s domain.Share) (bool, error) {
	return insertShare(ctx, t.q, s)
}

func (t *sqliteTx) UpdateShare(ctx context.Context, s domain.Share) error {
	return updateShare(ctx, t.q, s)
}
