package proof

import (
	"fmt"
	"time"

	"github.com/proofwork/proofwork/internal/domain"
)

// Transition is one accepted upload to apply to a task.
type Transition struct {
	StepID   string
	Verdict  Verdict
	FileHash string
	ProofRef string
	At       time.Time
}

// Outcome is what Apply did to the task. Events still lack the actor and
// fingerprint; the caller stamps those before recording.
type Outcome struct {
	Changed      bool
	Events       []domain.Event
	CompletedNow bool
	FlaggedNow   bool
}

// Apply mutates task in place according to tr and returns the ledger events
// describing the change. It performs no I/O.
//
//	pending ──upload──▶ in-progress ──last step──▶ completed
//	   │                     │                         │
//	   └──────── replaced after completion ────────────┴──▶ flagged
//
// Nothing leaves flagged.
func Apply(task *domain.Task, tr Transition) (Outcome, error) {
	step := task.Step(tr.StepID)
	if step == nil {
		return Outcome{}, domain.ErrStepNotFound
	}
	if tr.Verdict == Unchanged {
		return Outcome{}, nil
	}

	oldHash := step.FileHash
	at := tr.At.UTC()
	step.Status = domain.StepCompleted
	step.FileHash = tr.FileHash
	step.ProofRef = tr.ProofRef
	step.UploadedAt = &at

	out := Outcome{Changed: true}
	switch tr.Verdict {
	case Replaced:
		out.FlaggedNow = task.Status != domain.TaskFlagged
		task.Status = domain.TaskFlagged
		task.FlaggedAt = &at
		task.CompletedAt = nil
		out.Events = append(out.Events, domain.Event{
			Action:          domain.ActionFileReplaced,
			Details:         fmt.Sprintf("evidence for step %s replaced after completion", tr.StepID),
			SubjectTaskID:   task.ID,
			EntityType:      "task_step",
			EntityID:        tr.StepID,
			IntegrityStatus: domain.IntegrityFlagged,
			Metadata: domain.Metadata{
				domain.String("stepId", tr.StepID),
				domain.String("oldHash", oldHash),
				domain.String("newHash", tr.FileHash),
			},
		})
		return out, nil

	case FirstUpload:
		out.Events = append(out.Events, domain.Event{
			Action:        domain.ActionProofUploaded,
			Details:       fmt.Sprintf("proof uploaded for step %s", tr.StepID),
			SubjectTaskID: task.ID,
			EntityType:    "task_step",
			EntityID:      tr.StepID,
			Metadata: domain.Metadata{
				domain.String("stepId", tr.StepID),
				domain.String("fileHash", tr.FileHash),
			},
		})

	default:
		return Outcome{}, domain.Invalid("unknown verdict %q", tr.Verdict)
	}

	switch {
	case task.Status == domain.TaskFlagged:
	case task.Status == domain.TaskCompleted:
		// Already complete: completion side effects happened on that transition.
	case task.AllStepsCompleted():
		task.Status = domain.TaskCompleted
		task.CompletedAt = &at
		out.CompletedNow = true
		out.Events = append(out.Events, domain.Event{
			Action:        domain.ActionTaskCompleted,
			Details:       fmt.Sprintf("all %d steps completed", len(task.Steps)),
			SubjectTaskID: task.ID,
			EntityType:    "task",
			EntityID:      task.ID,
			Metadata:      domain.Metadata{domain.Int("steps", int64(len(task.Steps)))},
		})
	default:
		task.Status = domain.TaskInProgress
	}
	return out, nil
}
