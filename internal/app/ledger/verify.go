package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/proofwork/proofwork/internal/domain"
	"github.com/proofwork/proofwork/internal/infra/observability"
)

// Report summarizes one verification walk.
type Report struct {
	OK                 bool                    `json:"ok"`
	Total              int64                   `json:"total"`
	LastSeq            int64                   `json:"last_seq"`
	LastHash           string                  `json:"last_hash"`
	CheckpointsChecked int                     `json:"checkpoints_checked"`
	Violations         []domain.ChainViolation `json:"violations"`
}

// Verifier walks the ledger in seq order and recomputes every hash. It only
// reads: a mismatching entry is reported, never re-hashed.
type Verifier struct {
	store    domain.LedgerReader
	pageSize int
	logger   *slog.Logger
}

// NewVerifier creates a verifier over store.
func NewVerifier(store domain.LedgerReader, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{store: store, pageSize: 500, logger: logger.With("component", "ledger.verifier")}
}

// Verify checks linkage, hash reproducibility, hash uniqueness, timestamp
// order and Merkle checkpoints. The error return is reserved for storage
// failures; integrity problems land in Report.Violations.
func (v *Verifier) Verify(ctx context.Context) (Report, error) {
	checkpoints, err := v.store.ListCheckpoints(ctx)
	if err != nil {
		return Report{}, err
	}
	w := newWalk(checkpoints)

	var cursor int64
	for {
		page, err := v.store.ListEntries(ctx, cursor, v.pageSize)
		if err != nil {
			return Report{}, err
		}
		for _, e := range page {
			w.visit(e)
			cursor = e.Seq
		}
		if len(page) < v.pageSize {
			break
		}
	}
	w.finish()

	r := w.report
	r.OK = len(r.Violations) == 0
	for _, viol := range r.Violations {
		observability.LedgerViolations.WithLabelValues(string(viol.Kind)).Inc()
		v.logger.Error("ledger violation", "seq", viol.Seq, "entry_id", viol.EntryID,
			"kind", viol.Kind, "detail", viol.Detail)
	}
	return r, nil
}

// VerifyEntries checks an in-memory slice as if it were the whole ledger.
func VerifyEntries(entries []domain.LedgerEntry, checkpoints []domain.Checkpoint) Report {
	w := newWalk(checkpoints)
	for _, e := range entries {
		w.visit(e)
	}
	w.finish()
	w.report.OK = len(w.report.Violations) == 0
	return w.report
}

// walk carries verification state across pages.
type walk struct {
	report Report

	first          bool
	prevKnown      bool
	prevStored     string
	prevRecomputed string
	prev           domain.LedgerEntry
	seen           map[string]int64

	checkpoints []domain.Checkpoint
	cpIndex     int
	cpStored    []string
	cpComputed  []string
}

func newWalk(checkpoints []domain.Checkpoint) *walk {
	return &walk{first: true, seen: make(map[string]int64), checkpoints: checkpoints}
}

func (w *walk) violate(e domain.LedgerEntry, kind domain.ViolationKind, format string, args ...any) {
	w.report.Violations = append(w.report.Violations, domain.ChainViolation{
		EntryID: e.ID,
		Seq:     e.Seq,
		Kind:    kind,
		Detail:  fmt.Sprintf(format, args...),
	})
}

func (w *walk) visit(e domain.LedgerEntry) {
	w.report.Total++
	w.report.LastSeq = e.Seq
	w.report.LastHash = e.EntryHash

	if !w.first && e.Timestamp.Before(w.prev.Timestamp) {
		w.violate(e, domain.ViolationOutOfOrder, "timestamp %s precedes seq %d at %s",
			domain.FormatTimestamp(e.Timestamp), w.prev.Seq,
			domain.FormatTimestamp(w.prev.Timestamp))
	}
	w.prev = e

	if e.EntryHash == "" {
		w.violate(e, domain.ViolationMissingHash, "entry has no hash")
		w.first = false
		w.prevKnown = false
		w.trackCheckpoint(e.Seq, "", "")
		return
	}

	recomputed, err := domain.ComputeEntryHash(e)
	if err != nil {
		w.violate(e, domain.ViolationHashMismatch, "cannot canonicalize: %v", err)
	} else if recomputed != e.EntryHash {
		w.violate(e, domain.ViolationHashMismatch, "stored %s, recomputed %s", e.EntryHash, recomputed)
	}

	// A link is broken only if it matches neither the predecessor's stored
	// nor its recomputed hash; a single tampered entry is reported once.
	switch {
	case w.first:
		if e.PreviousHash != domain.GenesisHash {
			w.violate(e, domain.ViolationLinkageMismatch, "first entry does not link to genesis")
		}
	case w.prevKnown:
		if e.PreviousHash != w.prevStored && e.PreviousHash != w.prevRecomputed {
			w.violate(e, domain.ViolationLinkageMismatch, "previous hash %s does not match predecessor",
				e.PreviousHash)
		}
	}

	if seq, dup := w.seen[e.EntryHash]; dup {
		w.violate(e, domain.ViolationDuplicateHash, "hash already used by seq %d", seq)
	} else {
		w.seen[e.EntryHash] = e.Seq
	}

	w.first = false
	w.prevKnown = true
	w.prevStored = e.EntryHash
	w.prevRecomputed = recomputed
	w.trackCheckpoint(e.Seq, e.EntryHash, recomputed)
}

// trackCheckpoint accumulates hashes of the current checkpoint range and
// checks the root once the range closes. Either the stored or recomputed
// sequence of hashes may match; per-entry problems are already reported.
func (w *walk) trackCheckpoint(seq int64, stored, recomputed string) {
	for w.cpIndex < len(w.checkpoints) && seq > w.checkpoints[w.cpIndex].ToSeq {
		w.missedCheckpoint(w.checkpoints[w.cpIndex])
		w.cpIndex++
		w.cpStored, w.cpComputed = nil, nil
	}
	if w.cpIndex >= len(w.checkpoints) {
		return
	}
	cp := w.checkpoints[w.cpIndex]
	if seq < cp.FromSeq {
		return
	}
	w.cpStored = append(w.cpStored, stored)
	w.cpComputed = append(w.cpComputed, recomputed)
	if seq != cp.ToSeq {
		return
	}
	w.report.CheckpointsChecked++
	if domain.MerkleRoot(w.cpStored) != cp.RootHash && domain.MerkleRoot(w.cpComputed) != cp.RootHash {
		w.report.Violations = append(w.report.Violations, domain.ChainViolation{
			Seq:    cp.ToSeq,
			Kind:   domain.ViolationCheckpointMismatch,
			Detail: fmt.Sprintf("checkpoint %d..%d root does not match", cp.FromSeq, cp.ToSeq),
		})
	}
	w.cpIndex++
	w.cpStored, w.cpComputed = nil, nil
}

// finish reports checkpoints whose range the ledger no longer reaches.
func (w *walk) finish() {
	for ; w.cpIndex < len(w.checkpoints); w.cpIndex++ {
		w.missedCheckpoint(w.checkpoints[w.cpIndex])
	}
}

func (w *walk) missedCheckpoint(cp domain.Checkpoint) {
	w.report.Violations = append(w.report.Violations, domain.ChainViolation{
		Seq:    cp.ToSeq,
		Kind:   domain.ViolationCheckpointMismatch,
		Detail: fmt.Sprintf("checkpoint %d..%d covers missing entries", cp.FromSeq, cp.ToSeq),
	})
}
