package domain

import (
	"context"
	"io"
)

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// LedgerReader reads the ledger in global or task order.
type LedgerReader interface {
	// LatestEntry returns the entry with the highest seq, or nil when empty.
	LatestEntry(ctx context.Context) (*LedgerEntry, error)

	// ListEntries returns up to limit entries with seq > afterSeq, ascending.
	ListEntries(ctx context.Context, afterSeq int64, limit int) ([]LedgerEntry, error)

	// ListTaskEntries returns the entries whose subject is taskID, ascending.
	ListTaskEntries(ctx context.Context, taskID string) ([]LedgerEntry, error)

	// ListCheckpoints returns every Merkle checkpoint, ascending.
	ListCheckpoints(ctx context.Context) ([]Checkpoint, error)
}

// LedgerWriter is the append path. There is deliberately no update or delete.
type LedgerWriter interface {
	// AppendEntry stores e if e.PreviousHash still equals the current tail
	// hash. A moved tail yields ErrStaleTail, a reused hash ErrDuplicateHash.
	AppendEntry(ctx context.Context, e LedgerEntry) (LedgerEntry, error)

	// EntryHashes returns the stored hashes for fromSeq..toSeq inclusive.
	EntryHashes(ctx context.Context, fromSeq, toSeq int64) ([]string, error)

	AppendCheckpoint(ctx context.Context, cp Checkpoint) error

	// BackfillEntry fills the hash columns of a legacy entry whose
	// entryHash is empty. Any other entry yields ErrRepairRefused.
	BackfillEntry(ctx context.Context, id, previousHash, entryHash string) error
}

// TaskReader loads task aggregates and sharing records.
type TaskReader interface {
	GetTask(ctx context.Context, id string) (*Task, error)
	GetShare(ctx context.Context, taskID string) (*Share, error)
}

// TaskWriter persists task aggregates and sharing records.
type TaskWriter interface {
	InsertTask(ctx context.Context, t *Task) error
	// UpdateTask persists t if its Version is unchanged in storage and bumps
	// t.Version. A concurrent modification yields ErrStaleTask.
	UpdateTask(ctx context.Context, t *Task) error
	// InsertShare creates the sharing record unless one exists; it reports
	// whether a record was created.
	InsertShare(ctx context.Context, s Share) (bool, error)
	UpdateShare(ctx context.Context, s Share) error
}

// Tx is a unit of work: task mutations and the ledger entries describing
// them commit together or not at all.
type Tx interface {
	LedgerReader
	LedgerWriter
	TaskReader
	TaskWriter
}

// Store is the persistence boundary implemented by sqlite and postgres.
type Store interface {
	LedgerReader
	TaskReader
	InTx(ctx context.Context, fn func(Tx) error) error
	Close() error
}

// BlobStore keeps uploaded proof bytes, keyed by their content hash.
type BlobStore interface {
	Put(ctx context.Context, digest string, r io.Reader) (ref string, err error)
}
