// Package ledger is the write and maintenance path of the audit chain.
//
// The appender is the only component that creates ledger entries:
//  1. Reads the chain tail inside a store transaction
//  2. Builds the canonical entry with previousHash and a monotonic timestamp
//  3. Hashes it (SHA-256 over the canonical body)
//  4. Appends it with a compare-and-swap on the tail hash
//
// A process-wide mutex makes this a single-writer path; the store-side CAS
// fences writers in other processes. Conflicts restart from step 1.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/proofwork/proofwork/internal/domain"
	"github.com/proofwork/proofwork/internal/infra/observability"
)

// Config controls appender behavior.
type Config struct {
	MaxAttempts        int   // Attempts per transaction on conflict (default: 5)
	CheckpointInterval int64 // Entries per Merkle checkpoint, 0 disables (default: 100)
}

// DefaultConfig returns safe appender defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:        5,
		CheckpointInterval: 100,
	}
}

// Appender serializes all writes to the ledger tail.
type Appender struct {
	mu     sync.Mutex
	store  domain.Store
	config Config
	now    func() time.Time
	logger *slog.Logger
}

// NewAppender creates the chain appender.
func NewAppender(store domain.Store, cfg Config, logger *slog.Logger) *Appender {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Appender{
		store:  store,
		config: cfg,
		now:    time.Now,
		logger: logger.With("component", "ledger.appender"),
	}
}

// SetClock overrides the time source (tests).
func (a *Appender) SetClock(now func() time.Time) { a.now = now }

// Record appends a single event in its own transaction.
func (a *Appender) Record(ctx context.Context, ev domain.Event) (domain.LedgerEntry, error) {
	var out domain.LedgerEntry
	err := a.Atomically(ctx, func(tx domain.Tx, rec *Recorder) error {
		e, err := rec.Record(ctx, ev)
		out = e
		return err
	})
	return out, err
}

// Atomically runs fn in one store transaction while holding the append
// lock. Entries recorded through rec commit together with whatever else fn
// writes. On a conflicting write the whole transaction is retried from a
// fresh tail, so fn must re-read any state it depends on.
func (a *Appender) Atomically(ctx context.Context, fn func(tx domain.Tx, rec *Recorder) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := time.Now()
	defer func() { observability.LedgerAppendSeconds.Observe(time.Since(start).Seconds()) }()

	var err error
	for attempt := 1; attempt <= a.config.MaxAttempts; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		var rec *Recorder
		err = a.store.InTx(ctx, func(tx domain.Tx) error {
			rec = &Recorder{appender: a, tx: tx}
			return fn(tx, rec)
		})
		if err == nil {
			for _, e := range rec.entries {
				observability.LedgerAppends.WithLabelValues(string(e.Action)).Inc()
			}
			return nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return err
		}
		observability.LedgerAppendConflicts.Inc()
		a.logger.Warn("ledger append conflict, retrying",
			"attempt", attempt, "max_attempts", a.config.MaxAttempts, "error", err)
	}
	return fmt.Errorf("append failed after %d attempts: %w", a.config.MaxAttempts, err)
}

// Recorder appends entries inside one Atomically transaction.
type Recorder struct {
	appender *Appender
	tx       domain.Tx
	entries  []domain.LedgerEntry
}

// Entries returns what this transaction has recorded so far.
func (r *Recorder) Entries() []domain.LedgerEntry { return r.entries }

// Record builds, hashes and appends one entry for ev.
func (r *Recorder) Record(ctx context.Context, ev domain.Event) (domain.LedgerEntry, error) {
	if err := ev.Validate(); err != nil {
		return domain.LedgerEntry{}, err
	}

	tail, err := r.tx.LatestEntry(ctx)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	prevHash := domain.GenesisHash
	var last time.Time
	if tail != nil {
		if tail.EntryHash == "" {
			return domain.LedgerEntry{}, fmt.Errorf("%w: tail entry %s has no hash, run repair",
				domain.ErrIntegrityViolation, tail.ID)
		}
		prevHash = tail.EntryHash
		last = tail.Timestamp
	}

	e := buildEntry(ev, prevHash, domain.NextTimestamp(last, r.appender.now()))
	if e.EntryHash, err = domain.ComputeEntryHash(e); err != nil {
		return domain.LedgerEntry{}, err
	}
	stored, err := r.tx.AppendEntry(ctx, e)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	if err := r.checkpoint(ctx, stored.Seq); err != nil {
		return domain.LedgerEntry{}, err
	}
	r.entries = append(r.entries, stored)
	return stored, nil
}

// checkpoint writes a Merkle root when seq closes a checkpoint range.
func (r *Recorder) checkpoint(ctx context.Context, seq int64) error {
	interval := r.appender.config.CheckpointInterval
	if interval <= 0 || seq%interval != 0 {
		return nil
	}
	from := seq - interval + 1
	hashes, err := r.tx.EntryHashes(ctx, from, seq)
	if err != nil {
		return err
	}
	root := domain.MerkleRoot(hashes)
	if root == "" {
		r.appender.logger.Warn("skipping checkpoint over unhashed entries", "from_seq", from, "to_seq", seq)
		return nil
	}
	cp := domain.Checkpoint{FromSeq: from, ToSeq: seq, RootHash: root, CreatedAt: r.appender.now()}
	if err := r.tx.AppendCheckpoint(ctx, cp); err != nil {
		return err
	}
	observability.LedgerCheckpoints.Inc()
	return nil
}

func buildEntry(ev domain.Event, prevHash string, ts time.Time) domain.LedgerEntry {
	status := ev.IntegrityStatus
	if status == "" {
		status = domain.IntegrityValid
	}
	return domain.LedgerEntry{
		ActorID:           ev.ActorID,
		Action:            ev.Action,
		Details:           ev.Details,
		SubjectTaskID:     ev.SubjectTaskID,
		Metadata:          ev.Metadata,
		EntityType:        ev.EntityType,
		EntityID:          ev.EntityID,
		ClientFingerprint: ev.Fingerprint,
		PreviousHash:      prevHash,
		IntegrityStatus:   status,
		Timestamp:         ts,
	}
}
