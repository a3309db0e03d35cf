package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/proofwork/proofwork/internal/domain"
)

// RepairResult lists the legacy entries that received hashes.
type RepairResult struct {
	Backfilled []string `json:"backfilled"`
	FromSeq    int64    `json:"from_seq,omitempty"`
	ToSeq      int64    `json:"to_seq,omitempty"`
}

// Repairer is the privileged one-time migration for entries written before
// hashing existed. It is strictly additive: it fills empty hash columns and
// never touches an entry that already carries a hash, matching or not.
type Repairer struct {
	appender *Appender
	logger   *slog.Logger
}

// NewRepairer creates a repairer that writes through appender.
func NewRepairer(appender *Appender, logger *slog.Logger) *Repairer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repairer{appender: appender, logger: logger.With("component", "ledger.repairer")}
}

// Repair backfills every unhashed entry in seq order and records one
// LEDGER_REPAIRED entry describing the range, all in one transaction.
func (r *Repairer) Repair(ctx context.Context, actorID string) (RepairResult, error) {
	var result RepairResult
	err := r.appender.Atomically(ctx, func(tx domain.Tx, rec *Recorder) error {
		result = RepairResult{}
		prevHash := domain.GenesisHash
		var cursor int64
		for {
			page, err := tx.ListEntries(ctx, cursor, 500)
			if err != nil {
				return err
			}
			for _, e := range page {
				cursor = e.Seq
				if e.EntryHash != "" {
					prevHash = e.EntryHash
					continue
				}
				hash, err := backfill(ctx, tx, e, prevHash)
				if err != nil {
					return err
				}
				if result.FromSeq == 0 {
					result.FromSeq = e.Seq
				}
				result.ToSeq = e.Seq
				result.Backfilled = append(result.Backfilled, e.ID)
				prevHash = hash
			}
			if len(page) < 500 {
				break
			}
		}
		if len(result.Backfilled) == 0 {
			return nil
		}
		_, err := rec.Record(ctx, domain.Event{
			ActorID: actorID,
			Action:  domain.ActionLedgerRepaired,
			Details: fmt.Sprintf("backfilled hashes for %d legacy entries", len(result.Backfilled)),
			Metadata: domain.Metadata{
				domain.Int("backfilled", int64(len(result.Backfilled))),
				domain.Int("from_seq", result.FromSeq),
				domain.Int("to_seq", result.ToSeq),
			},
		})
		return err
	})
	if err != nil {
		return RepairResult{}, err
	}
	if n := len(result.Backfilled); n > 0 {
		r.logger.Info("ledger repaired", "backfilled", n, "from_seq", result.FromSeq, "to_seq", result.ToSeq)
	}
	return result, nil
}

// RepairEntry backfills a single legacy entry. It refuses any entry that
// already has a hash and any entry whose predecessor is still unhashed.
func (r *Repairer) RepairEntry(ctx context.Context, actorID, id string) error {
	return r.appender.Atomically(ctx, func(tx domain.Tx, rec *Recorder) error {
		prevHash := domain.GenesisHash
		var cursor int64
		for {
			page, err := tx.ListEntries(ctx, cursor, 500)
			if err != nil {
				return err
			}
			for _, e := range page {
				cursor = e.Seq
				if e.ID != id {
					prevHash = e.EntryHash
					continue
				}
				if e.EntryHash != "" {
					return fmt.Errorf("entry %s: %w", id, domain.ErrRepairRefused)
				}
				if prevHash == "" {
					return fmt.Errorf("entry %s: predecessor is unhashed, repair it first: %w",
						id, domain.ErrValidation)
				}
				if _, err := backfill(ctx, tx, e, prevHash); err != nil {
					return err
				}
				tail, err := tx.LatestEntry(ctx)
				if err != nil {
					return err
				}
				if tail.EntryHash == "" {
					// Later legacy rows remain; the full Repair audits the range.
					r.logger.Warn("entry backfilled, audit deferred until tail is repaired", "entry_id", id)
					return nil
				}
				_, err = rec.Record(ctx, domain.Event{
					ActorID:    actorID,
					Action:     domain.ActionLedgerRepaired,
					Details:    "backfilled hash for legacy entry",
					EntityType: "ledger_entry",
					EntityID:   id,
					Metadata:   domain.Metadata{domain.Int("seq", e.Seq)},
				})
				return err
			}
			if len(page) < 500 {
				return fmt.Errorf("entry %s: %w", id, domain.ErrNotFound)
			}
		}
	})
}

func backfill(ctx context.Context, tx domain.Tx, e domain.LedgerEntry, prevHash string) (string, error) {
	e.PreviousHash = prevHash
	if e.IntegrityStatus == "" {
		e.IntegrityStatus = domain.IntegrityValid
	}
	hash, err := domain.ComputeEntryHash(e)
	if err != nil {
		return "", err
	}
	if err := tx.BackfillEntry(ctx, e.ID, prevHash, hash); err != nil {
		return "", err
	}
	return hash, nil
}
