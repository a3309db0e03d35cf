package proof

import (
	"errors"
	"testing"
	"time"

	"github.com/proofwork/proofwork/internal/domain"
)

func twoStepTask(status domain.TaskStatus) *domain.Task {
	return &domain.Task{
		ID: "task-1", OwnerID: "owner-1", Status: status,
		Steps: []domain.TaskStep{
			{ID: "s1", Status: domain.StepPending},
			{ID: "s2", Status: domain.StepPending},
		},
	}
}

func actions(events []domain.Event) []domain.Action {
	var out []domain.Action
	for _, e := range events {
		out = append(out, e.Action)
	}
	return out
}

func sameActions(a, b []domain.Action) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var at = time.Date(2026, 4, 2, 15, 30, 0, 0, time.UTC)

func upload(step string, v Verdict, hash string) Transition {
	return Transition{StepID: step, Verdict: v, FileHash: hash, ProofRef: "sha256:" + hash, At: at}
}

func TestApply(t *testing.T) {
	tests := []struct {
		name          string
		setup         func() *domain.Task
		tr            Transition
		wantStatus    domain.TaskStatus
		wantActions   []domain.Action
		wantCompleted bool
		wantFlagged   bool
	}{
		{
			name:        "first step moves pending to in-progress",
			setup:       func() *domain.Task { return twoStepTask(domain.TaskPending) },
			tr:          upload("s1", FirstUpload, hashA),
			wantStatus:  domain.TaskInProgress,
			wantActions: []domain.Action{domain.ActionProofUploaded},
		},
		{
			name: "last step completes the task",
			setup: func() *domain.Task {
				task := twoStepTask(domain.TaskInProgress)
				task.Steps[0].Status, task.Steps[0].FileHash = domain.StepCompleted, hashA
				return task
			},
			tr:            upload("s2", FirstUpload, hashB),
			wantStatus:    domain.TaskCompleted,
			wantActions:   []domain.Action{domain.ActionProofUploaded, domain.ActionTaskCompleted},
			wantCompleted: true,
		},
		{
			name: "replacement flags the task",
			setup: func() *domain.Task {
				task := twoStepTask(domain.TaskCompleted)
				for i := range task.Steps {
					task.Steps[i].Status, task.Steps[i].FileHash = domain.StepCompleted, hashA
				}
				done := at.Add(-time.Hour)
				task.CompletedAt = &done
				return task
			},
			tr:          upload("s1", Replaced, hashB),
			wantStatus:  domain.TaskFlagged,
			wantActions: []domain.Action{domain.ActionFileReplaced},
			wantFlagged: true,
		},
		{
			name: "replacement while in progress still flags",
			setup: func() *domain.Task {
				task := twoStepTask(domain.TaskInProgress)
				task.Steps[0].Status, task.Steps[0].FileHash = domain.StepCompleted, hashA
				return task
			},
			tr:          upload("s1", Replaced, hashB),
			wantStatus:  domain.TaskFlagged,
			wantActions: []domain.Action{domain.ActionFileReplaced},
			wantFlagged: true,
		},
		{
			name: "second replacement keeps flagged without re-flagging",
			setup: func() *domain.Task {
				task := twoStepTask(domain.TaskFlagged)
				for i := range task.Steps {
					task.Steps[i].Status, task.Steps[i].FileHash = domain.StepCompleted, hashA
				}
				return task
			},
			tr:          upload("s2", Replaced, hashB),
			wantStatus:  domain.TaskFlagged,
			wantActions: []domain.Action{domain.ActionFileReplaced},
		},
		{
			name: "flagged task never regresses on first upload",
			setup: func() *domain.Task {
				task := twoStepTask(domain.TaskFlagged)
				task.Steps[0].Status, task.Steps[0].FileHash = domain.StepCompleted, hashA
				return task
			},
			tr:          upload("s2", FirstUpload, hashB),
			wantStatus:  domain.TaskFlagged,
			wantActions: []domain.Action{domain.ActionProofUploaded},
		},
		{
			name:       "unchanged is a no-op",
			setup:      func() *domain.Task { return twoStepTask(domain.TaskInProgress) },
			tr:         upload("s1", Unchanged, hashA),
			wantStatus: domain.TaskInProgress,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := tt.setup()
			out, err := Apply(task, tt.tr)
			if err != nil {
				t.Fatalf("Apply() error: %v", err)
			}
			if task.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", task.Status, tt.wantStatus)
			}
			if got := actions(out.Events); !sameActions(got, tt.wantActions) {
				t.Errorf("events = %v, want %v", got, tt.wantActions)
			}
			if out.CompletedNow != tt.wantCompleted || out.FlaggedNow != tt.wantFlagged {
				t.Errorf("completedNow %v flaggedNow %v", out.CompletedNow, out.FlaggedNow)
			}
			if out.Changed != (tt.tr.Verdict != Unchanged) {
				t.Errorf("Changed = %v", out.Changed)
			}
		})
	}
}

func TestApply_RecordsStepEvidence(t *testing.T) {
	task := twoStepTask(domain.TaskPending)
	if _, err := Apply(task, upload("s2", FirstUpload, hashB)); err != nil {
		t.Fatal(err)
	}
	s := task.Step("s2")
	if s.Status != domain.StepCompleted || s.FileHash != hashB || s.ProofRef != "sha256:"+hashB {
		t.Errorf("step = %+v", s)
	}
	if s.UploadedAt == nil || !s.UploadedAt.Equal(at) {
		t.Errorf("uploadedAt = %v", s.UploadedAt)
	}
}

func TestApply_ReplacementEventCarriesBothHashes(t *testing.T) {
	task := twoStepTask(domain.TaskCompleted)
	for i := range task.Steps {
		task.Steps[i].Status, task.Steps[i].FileHash = domain.StepCompleted, hashA
	}
	task.CompletedAt = &at

	out, err := Apply(task, upload("s1", Replaced, hashB))
	if err != nil {
		t.Fatal(err)
	}
	ev := out.Events[0]
	if ev.IntegrityStatus != domain.IntegrityFlagged {
		t.Errorf("integrity status = %q", ev.IntegrityStatus)
	}
	if ev.Metadata.GetString("oldHash") != hashA || ev.Metadata.GetString("newHash") != hashB {
		t.Errorf("metadata = %v", ev.Metadata)
	}
	if task.FlaggedAt == nil || task.CompletedAt != nil {
		t.Errorf("flaggedAt %v completedAt %v", task.FlaggedAt, task.CompletedAt)
	}
}

func TestApply_Errors(t *testing.T) {
	if _, err := Apply(twoStepTask(domain.TaskPending), upload("nope", FirstUpload, hashA)); !errors.Is(err, domain.ErrStepNotFound) {
		t.Errorf("unknown step = %v", err)
	}
	if _, err := Apply(twoStepTask(domain.TaskPending), upload("s1", "bogus", hashA)); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("unknown verdict = %v", err)
	}
}
