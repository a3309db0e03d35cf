package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/proofwork/proofwork/internal/domain"
)

func seedTask(t *testing.T, db *DB, id string, steps ...string) *domain.Task {
	t.Helper()
	task := &domain.Task{
		ID: id, OwnerID: "owner-1", Title: "Audit", Status: domain.TaskPending,
		CreatedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	for _, s := range steps {
		task.Steps = append(task.Steps, domain.TaskStep{ID: s, Title: "Step " + s, Status: domain.StepPending})
	}
	err := db.InTx(context.Background(), func(tx domain.Tx) error { return tx.InsertTask(context.Background(), task) })
	if err != nil {
		t.Fatalf("InsertTask() error: %v", err)
	}
	return task
}

// ─── Tasks ──────────────────────────────────────────────────────────────────

func TestTask_InsertAndGet(t *testing.T) {
	db := newTestDB(t)
	seedTask(t, db, "task-1", "b", "a", "c")

	got, err := db.GetTask(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("GetTask() error: %v", err)
	}
	if got.Version != 1 || got.Status != domain.TaskPending || got.OwnerID != "owner-1" {
		t.Errorf("task = %+v", got)
	}
	order := []string{"b", "a", "c"}
	if len(got.Steps) != len(order) {
		t.Fatalf("steps = %d, want %d", len(got.Steps), len(order))
	}
	for i, id := range order {
		if got.Steps[i].ID != id {
			t.Errorf("step %d = %s, want %s", i, got.Steps[i].ID, id)
		}
	}
	if got.FlaggedAt != nil || got.CompletedAt != nil || got.Steps[0].UploadedAt != nil {
		t.Error("optional timestamps should load as nil")
	}
}

func TestTask_GetMissing(t *testing.T) {
	db := newTestDB(t)
	if _, err := db.GetTask(context.Background(), "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetTask(missing) = %v, want ErrNotFound", err)
	}
}

func TestTask_InsertDuplicate(t *testing.T) {
	db := newTestDB(t)
	task := seedTask(t, db, "task-1", "a")
	err := db.InTx(context.Background(), func(tx domain.Tx) error {
		return tx.InsertTask(context.Background(), task)
	})
	if !errors.Is(err, domain.ErrAlreadyExists) {
		t.Errorf("second InsertTask = %v, want ErrAlreadyExists", err)
	}
}

func TestTask_UpdateBumpsVersion(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedTask(t, db, "task-1", "a", "b")

	task, _ := db.GetTask(ctx, "task-1")
	at := time.Date(2026, 3, 2, 10, 0, 0, 123456000, time.UTC)
	task.Status = domain.TaskCompleted
	task.CompletedAt = &at
	task.Steps[1].Status = domain.StepCompleted
	task.Steps[1].FileHash = domain.SHA256Hex([]byte("proof"))
	task.Steps[1].ProofRef = "sha256:" + task.Steps[1].FileHash
	task.Steps[1].UploadedAt = &at

	if err := db.InTx(ctx, func(tx domain.Tx) error { return tx.UpdateTask(ctx, task) }); err != nil {
		t.Fatalf("UpdateTask() error: %v", err)
	}
	if task.Version != 2 {
		t.Errorf("in-memory version = %d, want 2", task.Version)
	}

	got, _ := db.GetTask(ctx, "task-1")
	if got.Version != 2 || got.Status != domain.TaskCompleted {
		t.Errorf("reloaded task = %+v", got)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(at) {
		t.Errorf("completed_at = %v, want %v", got.CompletedAt, at)
	}
	if got.Steps[1].FileHash != task.Steps[1].FileHash || got.Steps[0].Status != domain.StepPending {
		t.Errorf("steps = %+v", got.Steps)
	}
}

func TestTask_UpdateStaleVersion(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedTask(t, db, "task-1", "a")

	first, _ := db.GetTask(ctx, "task-1")
	second, _ := db.GetTask(ctx, "task-1")

	first.Status = domain.TaskInProgress
	if err := db.InTx(ctx, func(tx domain.Tx) error { return tx.UpdateTask(ctx, first) }); err != nil {
		t.Fatal(err)
	}
	second.Status = domain.TaskFlagged
	err := db.InTx(ctx, func(tx domain.Tx) error { return tx.UpdateTask(ctx, second) })
	if !errors.Is(err, domain.ErrStaleTask) {
		t.Fatalf("stale UpdateTask = %v, want ErrStaleTask", err)
	}

	got, _ := db.GetTask(ctx, "task-1")
	if got.Status != domain.TaskInProgress {
		t.Errorf("status = %s, stale write leaked", got.Status)
	}
}

// ─── Shares ─────────────────────────────────────────────────────────────────

func TestShare_InsertOnce(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedTask(t, db, "task-1", "a")
	now := time.Now().UTC()

	insert := func(token string) bool {
		var created bool
		err := db.InTx(ctx, func(tx domain.Tx) error {
			var err error
			created, err = tx.InsertShare(ctx, domain.Share{
				TaskID: "task-1", Token: token, Visibility: domain.VisibilityPrivate,
				CreatedAt: now, UpdatedAt: now,
			})
			return err
		})
		if err != nil {
			t.Fatalf("InsertShare() error: %v", err)
		}
		return created
	}
	if !insert("tok-1") {
		t.Error("first InsertShare should create")
	}
	if insert("tok-2") {
		t.Error("second InsertShare should be a no-op")
	}

	share, err := db.GetShare(ctx, "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if share.Token != "tok-1" || share.Visibility != domain.VisibilityPrivate {
		t.Errorf("share = %+v", share)
	}
}

func TestShare_Update(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedTask(t, db, "task-1", "a")

	err := db.InTx(ctx, func(tx domain.Tx) error {
		return tx.UpdateShare(ctx, domain.Share{TaskID: "task-1", Visibility: domain.VisibilityPublic, UpdatedAt: time.Now()})
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("UpdateShare without record = %v, want ErrNotFound", err)
	}

	now := time.Now().UTC()
	err = db.InTx(ctx, func(tx domain.Tx) error {
		if _, err := tx.InsertShare(ctx, domain.Share{TaskID: "task-1", Token: "tok",
			Visibility: domain.VisibilityPrivate, CreatedAt: now, UpdatedAt: now}); err != nil {
			return err
		}
		return tx.UpdateShare(ctx, domain.Share{TaskID: "task-1", Visibility: domain.VisibilityPublic, UpdatedAt: now})
	})
	if err != nil {
		t.Fatal(err)
	}
	share, _ := db.GetShare(ctx, "task-1")
	if share.Visibility != domain.VisibilityPublic {
		t.Errorf("visibility = %s, want public", share.Visibility)
	}
}
