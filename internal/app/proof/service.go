package proof

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/proofwork/proofwork/internal/app/ledger"
	"github.com/proofwork/proofwork/internal/domain"
	"github.com/proofwork/proofwork/internal/infra/observability"
)

// Config controls upload handling.
type Config struct {
	MaxConcurrent  int    // Uploads hashed at once (default: 4)
	MaxUploadBytes int64  // Largest accepted proof file (default: 25MB)
	SpoolDir       string // Temp dir for spooled uploads (default: os.TempDir)
}

// DefaultConfig returns safe upload defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  4,
		MaxUploadBytes: 25 << 20,
	}
}

// Service runs the upload pipeline: hash, gate, transition, record.
type Service struct {
	store    domain.Store
	appender *ledger.Appender
	blobs    domain.BlobStore
	config   Config
	sem      chan struct{}
	locks    *taskLocks
	now      func() time.Time
	logger   *slog.Logger

	mu       sync.RWMutex
	active   int
	accepted int64
	flagged  int64
}

// NewService wires the proof pipeline.
func NewService(store domain.Store, appender *ledger.Appender, blobs domain.BlobStore,
	cfg Config, logger *slog.Logger) *Service {
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = def.MaxUploadBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		appender: appender,
		blobs:    blobs,
		config:   cfg,
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		locks:    newTaskLocks(),
		now:      time.Now,
		logger:   logger.With("component", "proof.service"),
	}
}

// SetClock overrides the time source (tests).
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// ─── Upload ─────────────────────────────────────────────────────────────────

// UploadRequest is one proof file submitted for a task step.
type UploadRequest struct {
	ActorID     string
	TaskID      string
	StepID      string
	Content     io.Reader
	Fingerprint domain.Fingerprint
}

// UploadResult describes the accepted upload.
type UploadResult struct {
	Verdict  Verdict              `json:"verdict"`
	FileHash string               `json:"file_hash"`
	Size     int64                `json:"size"`
	ProofRef string               `json:"proof_ref,omitempty"`
	Task     *domain.Task         `json:"task"`
	Entries  []domain.LedgerEntry `json:"entries"`
}

// Upload hashes req.Content to completion, evaluates it against the step's
// recorded hash and applies the resulting transition. The task update and
// its ledger entries commit together; nothing is written if the content
// cannot be read in full.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-s.sem }()

	s.mu.Lock()
	s.active++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()

	// Authorization and existence come before reading the body.
	task, err := s.ownedTask(ctx, req.ActorID, req.TaskID)
	if err != nil {
		return nil, err
	}
	if task.Step(req.StepID) == nil {
		return nil, fmt.Errorf("task %s step %s: %w", req.TaskID, req.StepID, domain.ErrStepNotFound)
	}

	spool, digest, size, err := s.spool(ctx, req.Content)
	if err != nil {
		return nil, err
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	unlock := s.locks.lock(req.TaskID)
	defer unlock()

	// Evaluate against a fresh snapshot so an identical re-upload skips
	// the blob store entirely.
	if task, err = s.store.GetTask(ctx, req.TaskID); err != nil {
		return nil, err
	}
	verdict, err := Evaluate(task, req.StepID, digest)
	if err != nil {
		return nil, err
	}
	var ref string
	putBlob := func() error {
		if ref != "" {
			return nil
		}
		if _, err := spool.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("rewind spool: %w", err)
		}
		r, err := s.blobs.Put(ctx, digest, spool)
		if err != nil {
			return fmt.Errorf("store proof: %w", err)
		}
		ref = r
		return nil
	}
	if verdict != Unchanged {
		if err := putBlob(); err != nil {
			return nil, err
		}
	}

	var result *UploadResult
	var out Outcome
	err = s.appender.Atomically(ctx, func(tx domain.Tx, rec *ledger.Recorder) error {
		t, err := tx.GetTask(ctx, req.TaskID)
		if err != nil {
			return err
		}
		if t.OwnerID != req.ActorID {
			return fmt.Errorf("task %s: %w", req.TaskID, domain.ErrForbidden)
		}
		v, err := Evaluate(t, req.StepID, digest)
		if err != nil {
			return err
		}
		result = &UploadResult{Verdict: v, FileHash: digest, Size: size, Task: t}
		if v == Unchanged {
			result.ProofRef = t.Step(req.StepID).ProofRef
			out = Outcome{}
			return nil
		}
		// Another process may have changed the step since the snapshot.
		if err := putBlob(); err != nil {
			return err
		}
		result.ProofRef = ref

		at := s.now().UTC()
		out, err = Apply(t, Transition{StepID: req.StepID, Verdict: v, FileHash: digest, ProofRef: ref, At: at})
		if err != nil {
			return err
		}
		if err := tx.UpdateTask(ctx, t); err != nil {
			return err
		}
		for _, ev := range out.Events {
			ev.ActorID = req.ActorID
			ev.Fingerprint = req.Fingerprint
			if _, err := rec.Record(ctx, ev); err != nil {
				return err
			}
		}
		if out.CompletedNow {
			if err := s.generateShare(ctx, tx, rec, t, req.ActorID, req.Fingerprint, at); err != nil {
				return err
			}
		}
		result.Entries = rec.Entries()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.Entries == nil {
		result.Entries = []domain.LedgerEntry{}
	}

	observability.ProofUploads.WithLabelValues(string(result.Verdict)).Inc()
	observability.ProofUploadBytes.Observe(float64(size))
	s.mu.Lock()
	s.accepted++
	if out.FlaggedNow {
		s.flagged++
	}
	s.mu.Unlock()
	if out.FlaggedNow {
		observability.TasksFlagged.Inc()
		s.logger.Warn("task flagged: evidence replaced after completion",
			"task_id", req.TaskID, "step_id", req.StepID, "actor_id", req.ActorID, "new_hash", digest)
	}
	if out.CompletedNow {
		observability.TasksCompleted.Inc()
		s.logger.Info("task completed", "task_id", req.TaskID)
	}
	s.logger.Debug("proof uploaded", "task_id", req.TaskID, "step_id", req.StepID,
		"verdict", result.Verdict, "size", size, "hash", digest[:16])
	return result, nil
}

// generateShare creates the default private share the first time a task
// completes. An existing share is left alone and nothing is recorded.
func (s *Service) generateShare(ctx context.Context, tx domain.Tx, rec *ledger.Recorder,
	t *domain.Task, actorID string, fp domain.Fingerprint, at time.Time) error {
	share := domain.Share{
		TaskID:     t.ID,
		Token:      uuid.New().String(),
		Visibility: domain.VisibilityPrivate,
		CreatedAt:  at,
		UpdatedAt:  at,
	}
	created, err := tx.InsertShare(ctx, share)
	if err != nil || !created {
		return err
	}
	_, err = rec.Record(ctx, domain.Event{
		ActorID:       actorID,
		Action:        domain.ActionProofLinkGenerated,
		Details:       "proof link generated",
		SubjectTaskID: t.ID,
		EntityType:    "share",
		EntityID:      share.Token,
		Fingerprint:   fp,
		Metadata:      domain.Metadata{domain.String("visibility", string(share.Visibility))},
	})
	return err
}

// spool copies r into a temp file while hashing it. Cancellation, a read
// error or an oversize body discards the file.
func (s *Service) spool(ctx context.Context, r io.Reader) (*os.File, string, int64, error) {
	if r == nil {
		return nil, "", 0, domain.Invalid("upload has no content")
	}
	f, err := os.CreateTemp(s.config.SpoolDir, "proof-*")
	if err != nil {
		return nil, "", 0, fmt.Errorf("create spool: %w", err)
	}
	discard := func(err error) (*os.File, string, int64, error) {
		f.Close()
		os.Remove(f.Name())
		return nil, "", 0, err
	}

	limited := io.LimitReader(ctxReader{ctx: ctx, r: r}, s.config.MaxUploadBytes+1)
	digest, size, err := domain.HashReader(io.TeeReader(limited, f))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return discard(ctxErr)
		}
		return discard(err)
	}
	if size > s.config.MaxUploadBytes {
		return discard(domain.Invalid("upload exceeds %d bytes", s.config.MaxUploadBytes))
	}
	if size == 0 {
		return discard(domain.Invalid("upload is empty"))
	}
	return f, digest, size, nil
}

// ctxReader stops a copy as soon as ctx is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// ─── Tasks & Sharing ────────────────────────────────────────────────────────

// RegisterTask persists a materialized task and records TASK_CREATED.
func (s *Service) RegisterTask(ctx context.Context, actorID string, fp domain.Fingerprint, task *domain.Task) (*domain.Task, error) {
	if err := task.Validate(); err != nil {
		return nil, err
	}
	t := task.Clone()
	t.Status = domain.TaskPending
	t.CreatedAt = s.now().UTC()
	t.Version = 0
	err := s.appender.Atomically(ctx, func(tx domain.Tx, rec *ledger.Recorder) error {
		t.Version = 0
		if err := tx.InsertTask(ctx, t); err != nil {
			return err
		}
		_, err := rec.Record(ctx, domain.Event{
			ActorID:       actorID,
			Action:        domain.ActionTaskCreated,
			Details:       fmt.Sprintf("task created with %d steps", len(t.Steps)),
			SubjectTaskID: t.ID,
			EntityType:    "task",
			EntityID:      t.ID,
			Fingerprint:   fp,
			Metadata: domain.Metadata{
				domain.String("ownerId", t.OwnerID),
				domain.Int("steps", int64(len(t.Steps))),
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("task registered", "task_id", t.ID, "owner_id", t.OwnerID, "steps", len(t.Steps))
	return t, nil
}

// GetTask returns a task owned by actorID.
func (s *Service) GetTask(ctx context.Context, actorID, taskID string) (*domain.Task, error) {
	return s.ownedTask(ctx, actorID, taskID)
}

// GetShare returns the sharing record of a task owned by actorID.
func (s *Service) GetShare(ctx context.Context, actorID, taskID string) (*domain.Share, error) {
	if _, err := s.ownedTask(ctx, actorID, taskID); err != nil {
		return nil, err
	}
	return s.store.GetShare(ctx, taskID)
}

// UpdateShareVisibility changes who may follow the proof link and records
// PROOF_LINK_UPDATED. Setting the current visibility again is a no-op.
func (s *Service) UpdateShareVisibility(ctx context.Context, actorID string, fp domain.Fingerprint,
	taskID string, vis domain.Visibility) (*domain.Share, error) {
	if !vis.Valid() {
		return nil, domain.Invalid("unknown visibility %q", vis)
	}
	if _, err := s.ownedTask(ctx, actorID, taskID); err != nil {
		return nil, err
	}
	unlock := s.locks.lock(taskID)
	defer unlock()

	var out *domain.Share
	err := s.appender.Atomically(ctx, func(tx domain.Tx, rec *ledger.Recorder) error {
		share, err := tx.GetShare(ctx, taskID)
		if err != nil {
			return err
		}
		out = share
		if share.Visibility == vis {
			return nil
		}
		old := share.Visibility
		share.Visibility = vis
		share.UpdatedAt = s.now().UTC()
		if err := tx.UpdateShare(ctx, *share); err != nil {
			return err
		}
		_, err = rec.Record(ctx, domain.Event{
			ActorID:       actorID,
			Action:        domain.ActionProofLinkUpdated,
			Details:       fmt.Sprintf("proof link visibility set to %s", vis),
			SubjectTaskID: taskID,
			EntityType:    "share",
			EntityID:      share.Token,
			Fingerprint:   fp,
			Metadata: domain.Metadata{
				domain.String("from", string(old)),
				domain.String("to", string(vis)),
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RecordEvent records an event reported by an outside collaborator such as
// the authentication service. Only the external vocabulary is accepted, and
// an event naming a subject task must come from that task's owner.
func (s *Service) RecordEvent(ctx context.Context, ev domain.Event) (domain.LedgerEntry, error) {
	if !domain.ExternalActions[ev.Action] {
		return domain.LedgerEntry{}, domain.Invalid("action %q cannot be recorded externally", ev.Action)
	}
	if ev.SubjectTaskID != "" {
		if _, err := s.ownedTask(ctx, ev.ActorID, ev.SubjectTaskID); err != nil {
			return domain.LedgerEntry{}, err
		}
	}
	return s.appender.Record(ctx, ev)
}

func (s *Service) ownedTask(ctx context.Context, actorID, taskID string) (*domain.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.OwnerID != actorID {
		return nil, fmt.Errorf("task %s: %w", taskID, domain.ErrForbidden)
	}
	return task, nil
}

// ─── Stats ──────────────────────────────────────────────────────────────────

// Stats reports upload pipeline counters.
type Stats struct {
	Active    int   `json:"active"`
	Accepted  int64 `json:"accepted"`
	Flagged   int64 `json:"flagged"`
	MaxSlots  int   `json:"max_slots"`
	FreeSlots int   `json:"free_slots"`
}

// Stats returns current upload statistics.
func (s *Service) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Active:    s.active,
		Accepted:  s.accepted,
		Flagged:   s.flagged,
		MaxSlots:  s.config.MaxConcurrent,
		FreeSlots: s.config.MaxConcurrent - s.active,
	}
}

// ─── Per-task Locks ─────────────────────────────────────────────────────────

// taskLocks hands out one mutex per task id and forgets it once unused.
type taskLocks struct {
	mu    sync.Mutex
	locks map[string]*taskLock
}

type taskLock struct {
	mu   sync.Mutex
	refs int
}

func newTaskLocks() *taskLocks {
	return &taskLocks{locks: make(map[string]*taskLock)}
}

func (l *taskLocks) lock(id string) (unlock func()) {
	l.mu.Lock()
	tl, ok := l.locks[id]
	if !ok {
		tl = &taskLock{}
		l.locks[id] = tl
	}
	tl.refs++
	l.mu.Unlock()

	tl.mu.Lock()
	return func() {
		tl.mu.Unlock()
		l.mu.Lock()
		tl.refs--
		if tl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
