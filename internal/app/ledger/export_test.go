package ledger

import (
	"context"
	"testing"

	"github.com/proofwork/proofwork/internal/domain"
)

func TestExportTask(t *testing.T) {
	a, db := newTestAppender(t, 0)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		task := "task-a"
		if i%2 == 1 {
			task = "task-b"
		}
		if _, err := a.Record(ctx, taskEvent(task, i)); err != nil {
			t.Fatal(err)
		}
	}

	audit, err := ExportTask(ctx, db, "task-a")
	if err != nil {
		t.Fatalf("ExportTask() error: %v", err)
	}
	if len(audit.Entries) != 3 || !audit.Valid {
		t.Fatalf("audit = %d entries valid %v", len(audit.Entries), audit.Valid)
	}
	var hashes []string
	for i, e := range audit.Entries {
		if e.SubjectTaskID != "task-a" {
			t.Errorf("entry %d belongs to %s", i, e.SubjectTaskID)
		}
		if i > 0 && e.Seq <= audit.Entries[i-1].Seq {
			t.Error("entries not in seq order")
		}
		hashes = append(hashes, e.EntryHash)
	}
	if audit.MerkleRoot != domain.MerkleRoot(hashes) {
		t.Error("merkle root does not bind the exported hashes")
	}

	empty, err := ExportTask(ctx, db, "task-none")
	if err != nil {
		t.Fatal(err)
	}
	if empty.Entries == nil || len(empty.Entries) != 0 || !empty.Valid {
		t.Errorf("empty export = %+v", empty)
	}
}
