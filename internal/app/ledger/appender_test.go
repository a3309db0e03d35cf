package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/proofwork/proofwork/internal/domain"
	"github.com/proofwork/proofwork/internal/infra/sqlite"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("sqlite.Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestAppender(t *testing.T, interval int64) (*Appender, *sqlite.DB) {
	t.Helper()
	db := newTestStore(t)
	return NewAppender(db, Config{MaxAttempts: 5, CheckpointInterval: interval}, discardLogger()), db
}

func taskEvent(taskID string, n int) domain.Event {
	return domain.Event{
		ActorID:       "user-1",
		Action:        domain.ActionProofUploaded,
		Details:       fmt.Sprintf("upload %d", n),
		SubjectTaskID: taskID,
		EntityType:    "task_step",
		EntityID:      fmt.Sprintf("step-%d", n),
		Metadata:      domain.Metadata{domain.Int("n", int64(n))},
		Fingerprint:   domain.Fingerprint{IPHash: "ip", DeviceHash: "dev"},
	}
}

// ─── Record ─────────────────────────────────────────────────────────────────

func TestRecord_LinksToGenesisThenTail(t *testing.T) {
	a, _ := newTestAppender(t, 0)
	ctx := context.Background()

	first, err := a.Record(ctx, taskEvent("task-1", 1))
	if err != nil {
		t.Fatalf("Record() error: %v", err)
	}
	if first.PreviousHash != domain.GenesisHash || first.Seq != 1 {
		t.Errorf("first entry = seq %d prev %s", first.Seq, first.PreviousHash)
	}
	if first.IntegrityStatus != domain.IntegrityValid {
		t.Errorf("integrity status = %q, want valid", first.IntegrityStatus)
	}
	if h, _ := domain.ComputeEntryHash(first); h != first.EntryHash {
		t.Error("stored hash is not reproducible")
	}

	second, err := a.Record(ctx, taskEvent("task-1", 2))
	if err != nil {
		t.Fatal(err)
	}
	if second.PreviousHash != first.EntryHash {
		t.Error("second entry does not link to first")
	}
}

func TestRecord_RejectsInvalidEvent(t *testing.T) {
	a, db := newTestAppender(t, 0)
	ctx := context.Background()

	tests := []struct {
		name string
		ev   domain.Event
	}{
		{"no actor", domain.Event{Action: domain.ActionTaskCreated}},
		{"unknown action", domain.Event{ActorID: "u", Action: "TASK_DELETED"}},
		{"half entity", domain.Event{ActorID: "u", Action: domain.ActionTaskCreated, EntityType: "task"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := a.Record(ctx, tt.ev); !errors.Is(err, domain.ErrValidation) {
				t.Errorf("Record() = %v, want ErrValidation", err)
			}
		})
	}
	if latest, _ := db.LatestEntry(ctx); latest != nil {
		t.Error("rejected events reached the ledger")
	}
}

func TestRecord_TimestampsStrictlyIncrease(t *testing.T) {
	a, _ := newTestAppender(t, 0)
	frozen := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	a.SetClock(func() time.Time { return frozen })

	var prev time.Time
	for i := 0; i < 5; i++ {
		e, err := a.Record(context.Background(), taskEvent("task-1", i))
		if err != nil {
			t.Fatal(err)
		}
		if i > 0 && !e.Timestamp.After(prev) {
			t.Fatalf("entry %d timestamp %v not after %v", i, e.Timestamp, prev)
		}
		prev = e.Timestamp
	}
}

func TestRecord_RefusesUnhashedTail(t *testing.T) {
	a, db := newTestAppender(t, 0)
	ctx := context.Background()
	insertLegacy(t, db, "legacy-1", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	_, err := a.Record(ctx, taskEvent("task-1", 1))
	if !errors.Is(err, domain.ErrIntegrityViolation) {
		t.Errorf("Record() on unhashed tail = %v, want ErrIntegrityViolation", err)
	}
}

// ─── Atomically ─────────────────────────────────────────────────────────────

func TestAtomically_RollsBackEntriesOnError(t *testing.T) {
	a, db := newTestAppender(t, 0)
	ctx := context.Background()
	boom := errors.New("boom")

	err := a.Atomically(ctx, func(tx domain.Tx, rec *Recorder) error {
		if _, err := rec.Record(ctx, taskEvent("task-1", 1)); err != nil {
			return err
		}
		if len(rec.Entries()) != 1 {
			t.Errorf("Entries() = %d, want 1", len(rec.Entries()))
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Atomically() = %v", err)
	}
	if latest, _ := db.LatestEntry(ctx); latest != nil {
		t.Error("entry committed despite failed transaction")
	}
}

func TestAtomically_RetriesConflicts(t *testing.T) {
	a, db := newTestAppender(t, 0)
	ctx := context.Background()

	calls := 0
	err := a.Atomically(ctx, func(tx domain.Tx, rec *Recorder) error {
		calls++
		if calls < 3 {
			return domain.ErrStaleTask
		}
		_, err := rec.Record(ctx, taskEvent("task-1", calls))
		return err
	})
	if err != nil {
		t.Fatalf("Atomically() error: %v", err)
	}
	if calls != 3 {
		t.Errorf("fn ran %d times, want 3", calls)
	}
	entries, _ := db.ListEntries(ctx, 0, 10)
	if len(entries) != 1 {
		t.Errorf("got %d entries, want 1", len(entries))
	}
}

func TestAtomically_GivesUpAfterMaxAttempts(t *testing.T) {
	a, _ := newTestAppender(t, 0)
	calls := 0
	err := a.Atomically(context.Background(), func(domain.Tx, *Recorder) error {
		calls++
		return domain.ErrStaleTail
	})
	if !errors.Is(err, domain.ErrConflict) {
		t.Errorf("Atomically() = %v, want ErrConflict", err)
	}
	if calls != 5 {
		t.Errorf("fn ran %d times, want 5", calls)
	}
}

func TestAtomically_StopsOnCancelledContext(t *testing.T) {
	a, _ := newTestAppender(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := a.Atomically(ctx, func(domain.Tx, *Recorder) error {
		t.Error("fn should not run")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Atomically() = %v, want context.Canceled", err)
	}
}

// ─── Concurrency and checkpoints ────────────────────────────────────────────

func TestRecord_ConcurrentWritersKeepChainValid(t *testing.T) {
	a, db := newTestAppender(t, 25)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if _, err := a.Record(ctx, taskEvent(fmt.Sprintf("task-%d", w), i)); err != nil {
					t.Errorf("writer %d: %v", w, err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	report, err := NewVerifier(db, discardLogger()).Verify(ctx)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if !report.OK || report.Total != 100 {
		t.Fatalf("report = ok %v total %d violations %v", report.OK, report.Total, report.Violations)
	}
	if report.CheckpointsChecked != 4 {
		t.Errorf("checkpoints checked = %d, want 4", report.CheckpointsChecked)
	}
}

func TestRecord_WritesCheckpointsAtInterval(t *testing.T) {
	a, db := newTestAppender(t, 10)
	ctx := context.Background()
	for i := 0; i < 25; i++ {
		if _, err := a.Record(ctx, taskEvent("task-1", i)); err != nil {
			t.Fatal(err)
		}
	}

	cps, err := db.ListCheckpoints(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(cps) != 2 {
		t.Fatalf("checkpoints = %d, want 2", len(cps))
	}
	entries, _ := db.ListEntries(ctx, 0, 100)
	for i, cp := range cps {
		if cp.FromSeq != int64(i*10+1) || cp.ToSeq != int64(i*10+10) {
			t.Errorf("checkpoint %d range = %d..%d", i, cp.FromSeq, cp.ToSeq)
		}
		var hashes []string
		for _, e := range entries[cp.FromSeq-1 : cp.ToSeq] {
			hashes = append(hashes, e.EntryHash)
		}
		if root := domain.MerkleRoot(hashes); root != cp.RootHash {
			t.Errorf("checkpoint %d root = %s, want %s", i, cp.RootHash, root)
		}
	}
}
