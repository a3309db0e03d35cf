package domain

import (
	"strings"
	"time"
)

// ─── Task Types ─────────────────────────────────────────────────────────────

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in-progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFlagged    TaskStatus = "flagged"
)

// StepStatus is the state of a single task step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepCompleted StepStatus = "completed"
)

// TaskStep is one piece of evidence a task requires.
type TaskStep struct {
	ID         string     `json:"id"`
	Title      string     `json:"title,omitempty"`
	Status     StepStatus `json:"status"`
	FileHash   string     `json:"file_hash,omitempty"`
	ProofRef   string     `json:"proof_ref,omitempty"`
	UploadedAt *time.Time `json:"uploaded_at,omitempty"`
}

// Task groups the steps a principal must prove.
type Task struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"owner_id"`
	Title       string     `json:"title,omitempty"`
	Status      TaskStatus `json:"status"`
	Steps       []TaskStep `json:"steps"`
	CreatedAt   time.Time  `json:"created_at"`
	FlaggedAt   *time.Time `json:"flagged_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Version     int64      `json:"version"`
}

// Step returns a pointer to the step with the given id, or nil.
func (t *Task) Step(id string) *TaskStep {
	for i := range t.Steps {
		if t.Steps[i].ID == id {
			return &t.Steps[i]
		}
	}
	return nil
}

// AllStepsCompleted reports whether every step has accepted evidence.
func (t *Task) AllStepsCompleted() bool {
	if len(t.Steps) == 0 {
		return false
	}
	for _, s := range t.Steps {
		if s.Status != StepCompleted {
			return false
		}
	}
	return true
}

// Clone returns a deep copy so callers can mutate without aliasing.
func (t *Task) Clone() *Task {
	c := *t
	c.Steps = make([]TaskStep, len(t.Steps))
	copy(c.Steps, t.Steps)
	return &c
}

// Validate checks a freshly materialized task before it is registered.
func (t *Task) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return Invalid("task id is required")
	}
	if strings.TrimSpace(t.OwnerID) == "" {
		return Invalid("task owner is required")
	}
	if len(t.Steps) == 0 {
		return Invalid("task %s has no steps", t.ID)
	}
	seen := make(map[string]bool, len(t.Steps))
	for _, s := range t.Steps {
		if strings.TrimSpace(s.ID) == "" {
			return Invalid("task %s: step id is required", t.ID)
		}
		if seen[s.ID] {
			return Invalid("task %s: duplicate step %q", t.ID, s.ID)
		}
		seen[s.ID] = true
		if s.Status != StepPending || s.FileHash != "" {
			return Invalid("task %s: step %q must start pending", t.ID, s.ID)
		}
	}
	if t.Status != "" && t.Status != TaskPending {
		return Invalid("task %s must start pending", t.ID)
	}
	return nil
}

// ─── Sharing ────────────────────────────────────────────────────────────────

// Visibility of a task's proof link.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// Valid reports whether v is a known visibility.
func (v Visibility) Valid() bool { return v == VisibilityPrivate || v == VisibilityPublic }

// Share is the sharing record of a completed task.
type Share struct {
	TaskID     string     `json:"task_id"`
	Token      string     `json:"token"`
	Visibility Visibility `json:"visibility"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}
