package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/proofwork/proofwork/internal/domain"
)

// newTestStore opens a store in a throwaway schema. Tests are skipped
// unless PROOFWORK_TEST_PG_DSN points at a database.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("PROOFWORK_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("PROOFWORK_TEST_PG_DSN not set")
	}
	ctx := context.Background()
	admin, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	schema := fmt.Sprintf("proofwork_test_%d", time.Now().UnixNano())
	if _, err := admin.Exec(ctx, "CREATE SCHEMA "+schema); err != nil {
		admin.Close()
		t.Fatalf("create schema: %v", err)
	}
	t.Cleanup(func() {
		admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		admin.Close()
	})

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	s, err := Open(ctx, dsn+sep+"search_path="+schema)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func appendOne(t *testing.T, s *Store, prev string, n int) domain.LedgerEntry {
	t.Helper()
	e := domain.LedgerEntry{
		ActorID:         "user-1",
		Action:          domain.ActionTaskCreated,
		Details:         fmt.Sprintf("entry %d", n),
		PreviousHash:    prev,
		IntegrityStatus: domain.IntegrityValid,
		Timestamp:       time.Date(2026, 1, 1, 0, 0, n, 0, time.UTC),
	}
	var err error
	if e.EntryHash, err = domain.ComputeEntryHash(e); err != nil {
		t.Fatal(err)
	}
	var out domain.LedgerEntry
	err = s.InTx(context.Background(), func(tx domain.Tx) error {
		out, err = tx.AppendEntry(context.Background(), e)
		return err
	})
	if err != nil {
		t.Fatalf("AppendEntry %d: %v", n, err)
	}
	return out
}

func TestAppendAssignsGaplessSeq(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	prev := domain.GenesisHash
	for i := 1; i <= 3; i++ {
		e := appendOne(t, s, prev, i)
		if e.Seq != int64(i) {
			t.Errorf("entry %d seq = %d", i, e.Seq)
		}
		prev = e.EntryHash
	}

	latest, err := s.LatestEntry(ctx)
	if err != nil || latest == nil {
		t.Fatalf("LatestEntry: %v %v", latest, err)
	}
	if latest.EntryHash != prev {
		t.Errorf("latest hash = %s, want %s", latest.EntryHash, prev)
	}
	if h, _ := domain.ComputeEntryHash(*latest); h != latest.EntryHash {
		t.Error("stored entry no longer reproduces its hash")
	}
}

func TestAppendRejectsStaleTail(t *testing.T) {
	s := newTestStore(t)
	appendOne(t, s, domain.GenesisHash, 1)

	e := domain.LedgerEntry{
		ActorID: "user-1", Action: domain.ActionTaskCreated,
		PreviousHash: domain.GenesisHash, EntryHash: strings.Repeat("a", 64),
		IntegrityStatus: domain.IntegrityValid, Timestamp: time.Now(),
	}
	err := s.InTx(context.Background(), func(tx domain.Tx) error {
		_, err := tx.AppendEntry(context.Background(), e)
		return err
	})
	if !errors.Is(err, domain.ErrStaleTail) {
		t.Fatalf("AppendEntry = %v, want ErrStaleTail", err)
	}
}

func TestLedgerRowsAreAppendOnly(t *testing.T) {
	s := newTestStore(t)
	e := appendOne(t, s, domain.GenesisHash, 1)
	ctx := context.Background()

	_, err := s.pool.Exec(ctx, `UPDATE ledger_entries SET details = 'x' WHERE id = $1`, e.ID)
	if !errors.Is(mapError(err), domain.ErrAppendOnly) {
		t.Errorf("update = %v, want ErrAppendOnly", err)
	}
	_, err = s.pool.Exec(ctx, `DELETE FROM ledger_entries WHERE id = $1`, e.ID)
	if !errors.Is(mapError(err), domain.ErrAppendOnly) {
		t.Errorf("delete = %v, want ErrAppendOnly", err)
	}
	err = s.InTx(ctx, func(tx domain.Tx) error {
		return tx.BackfillEntry(ctx, e.ID, domain.GenesisHash, strings.Repeat("b", 64))
	})
	if !errors.Is(err, domain.ErrRepairRefused) {
		t.Errorf("BackfillEntry = %v, want ErrRepairRefused", err)
	}
}

func TestUpdateTaskVersionConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := &domain.Task{
		ID: "task-1", OwnerID: "user-1", Status: domain.TaskPending,
		Steps:     []domain.TaskStep{{ID: "s1", Status: domain.StepPending}},
		CreatedAt: time.Now(),
	}
	if err := s.InTx(ctx, func(tx domain.Tx) error { return tx.InsertTask(ctx, task) }); err != nil {
		t.Fatalf("InsertTask: %v", err)
	}

	stale, _ := s.GetTask(ctx, "task-1")
	fresh, _ := s.GetTask(ctx, "task-1")
	fresh.Status = domain.TaskInProgress
	if err := s.InTx(ctx, func(tx domain.Tx) error { return tx.UpdateTask(ctx, fresh) }); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	stale.Status = domain.TaskFlagged
	err := s.InTx(ctx, func(tx domain.Tx) error { return tx.UpdateTask(ctx, stale) })
	if !errors.Is(err, domain.ErrStaleTask) {
		t.Fatalf("stale UpdateTask = %v, want ErrStaleTask", err)
	}

	err = s.InTx(ctx, func(tx domain.Tx) error { return tx.InsertTask(ctx, task) })
	if !errors.Is(err, domain.ErrAlreadyExists) {
		t.Errorf("duplicate InsertTask = %v, want ErrAlreadyExists", err)
	}
}
