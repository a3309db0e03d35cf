package ledger

import (
	"context"

	"github.com/proofwork/proofwork/internal/domain"
)

// TaskAudit is the task-scoped view of the global chain. MerkleRoot binds the
// exported entry hashes so the export can be compared against a later one.
type TaskAudit struct {
	TaskID     string               `json:"task_id"`
	Entries    []domain.LedgerEntry `json:"entries"`
	MerkleRoot string               `json:"merkle_root"`
	Valid      bool                 `json:"valid"`
}

// ExportTask collects every entry whose subject is taskID. Valid reports
// whether each exported entry's hash is reproducible from its fields;
// linkage is a property of the global chain and is checked by Verify.
func ExportTask(ctx context.Context, store domain.LedgerReader, taskID string) (TaskAudit, error) {
	entries, err := store.ListTaskEntries(ctx, taskID)
	if err != nil {
		return TaskAudit{}, err
	}
	audit := TaskAudit{TaskID: taskID, Entries: entries, Valid: true}
	hashes := make([]string, 0, len(entries))
	for _, e := range entries {
		hashes = append(hashes, e.EntryHash)
		if h, err := domain.ComputeEntryHash(e); err != nil || h != e.EntryHash {
			audit.Valid = false
		}
	}
	audit.MerkleRoot = domain.MerkleRoot(hashes)
	if audit.Entries == nil {
		audit.Entries = []domain.LedgerEntry{}
	}
	return audit, nil
}
