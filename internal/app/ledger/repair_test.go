package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/proofwork/proofwork/internal/domain"
	"github.com/proofwork/proofwork/internal/infra/sqlite"
)

// insertLegacy writes a row the way the ledger looked before hashing.
func insertLegacy(t *testing.T, db *sqlite.DB, id string, ts time.Time) {
	t.Helper()
	_, err := db.Raw().ExecContext(context.Background(), `INSERT INTO ledger_entries
		(id, actor_id, action, details, subject_task_id, timestamp)
		VALUES (?, 'user-1', 'TASK_CREATED', 'legacy', 'task-legacy', ?)`,
		id, domain.FormatTimestamp(ts))
	if err != nil {
		t.Fatalf("insert legacy row: %v", err)
	}
}

func TestRepair_BackfillsLegacyEntries(t *testing.T) {
	a, db := newTestAppender(t, 0)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"legacy-1", "legacy-2", "legacy-3"} {
		insertLegacy(t, db, id, base.Add(time.Duration(i)*time.Minute))
	}

	v := NewVerifier(db, discardLogger())
	before, _ := v.Verify(ctx)
	if before.OK || len(before.Violations) != 3 {
		t.Fatalf("before repair: %+v", before.Violations)
	}

	res, err := NewRepairer(a, discardLogger()).Repair(ctx, "admin")
	if err != nil {
		t.Fatalf("Repair() error: %v", err)
	}
	if len(res.Backfilled) != 3 || res.FromSeq != 1 || res.ToSeq != 3 {
		t.Errorf("result = %+v", res)
	}

	after, err := v.Verify(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !after.OK || after.Total != 4 {
		t.Fatalf("after repair: total %d violations %+v", after.Total, after.Violations)
	}
	latest, _ := db.LatestEntry(ctx)
	if latest.Action != domain.ActionLedgerRepaired || latest.ActorID != "admin" {
		t.Errorf("audit entry = %+v", latest)
	}
	if n, _ := latest.Metadata.Get("backfilled"); n != int64(3) {
		t.Errorf("backfilled = %v, want 3", n)
	}

	// New writes chain on top of the repaired tail.
	if _, err := a.Record(ctx, taskEvent("task-1", 1)); err != nil {
		t.Fatalf("Record() after repair: %v", err)
	}

	again, err := NewRepairer(a, discardLogger()).Repair(ctx, "admin")
	if err != nil || len(again.Backfilled) != 0 {
		t.Errorf("second Repair() = %+v, %v", again, err)
	}
}

func TestRepair_LeavesHashedEntriesAlone(t *testing.T) {
	a, db := newTestAppender(t, 0)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := a.Record(ctx, taskEvent("task-1", i)); err != nil {
			t.Fatal(err)
		}
	}
	before, _ := db.ListEntries(ctx, 0, 10)

	res, err := NewRepairer(a, discardLogger()).Repair(ctx, "admin")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Backfilled) != 0 {
		t.Errorf("Backfilled = %v", res.Backfilled)
	}
	after, _ := db.ListEntries(ctx, 0, 10)
	if len(after) != len(before) {
		t.Fatalf("Repair wrote %d entries on a clean ledger", len(after)-len(before))
	}
	for i := range before {
		if before[i].EntryHash != after[i].EntryHash {
			t.Errorf("seq %d hash changed", before[i].Seq)
		}
	}
}

func TestRepairEntry(t *testing.T) {
	a, db := newTestAppender(t, 0)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	insertLegacy(t, db, "legacy-1", base)
	insertLegacy(t, db, "legacy-2", base.Add(time.Minute))
	rep := NewRepairer(a, discardLogger())

	tests := []struct {
		name    string
		id      string
		wantErr error
	}{
		{"missing", "nope", domain.ErrNotFound},
		{"predecessor unhashed", "legacy-2", domain.ErrValidation},
		{"first legacy", "legacy-1", nil},
		{"already hashed", "legacy-1", domain.ErrRepairRefused},
		{"second legacy", "legacy-2", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := rep.RepairEntry(ctx, "admin", tt.id)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("RepairEntry(%s) error: %v", tt.id, err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("RepairEntry(%s) = %v, want %v", tt.id, err, tt.wantErr)
			}
		})
	}

	r, _ := NewVerifier(db, discardLogger()).Verify(ctx)
	if !r.OK || r.Total != 3 {
		t.Errorf("after single repairs: total %d violations %+v", r.Total, r.Violations)
	}
}
