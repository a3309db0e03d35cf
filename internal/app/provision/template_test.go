package provision

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/proofwork/proofwork/internal/domain"
)

func TestMaterialize(t *testing.T) {
	tpl, err := Parse([]byte(`
title: Kitchen renovation
steps:
  - id: demolition
    title: Photos of cleared room
  - title: Contractor invoice
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	task, err := Materialize(tpl, "user-1")
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if task.ID == "" || task.OwnerID != "user-1" || task.Status != domain.TaskPending {
		t.Errorf("task = %+v", task)
	}
	if len(task.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(task.Steps))
	}
	if task.Steps[0].ID != "demolition" || task.Steps[1].ID != "step-2" {
		t.Errorf("step ids = %q, %q", task.Steps[0].ID, task.Steps[1].ID)
	}
	for _, s := range task.Steps {
		if s.Status != domain.StepPending || s.FileHash != "" {
			t.Errorf("step %s not pending: %+v", s.ID, s)
		}
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty", ""},
		{"no steps", "title: x\n"},
		{"unknown key", "title: x\nsteps:\n  - id: a\ncolor: red\n"},
		{"bad yaml", "steps: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.yaml)); !errors.Is(err, domain.ErrValidation) {
				t.Errorf("Parse = %v, want ErrValidation", err)
			}
		})
	}
}

func TestMaterializeRejectsDuplicateSteps(t *testing.T) {
	tpl := &Template{Steps: []TemplateStep{{ID: "a"}, {ID: "a"}}}
	if _, err := Materialize(tpl, "user-1"); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("Materialize = %v, want ErrValidation", err)
	}
}

func TestMaterializeRequiresOwner(t *testing.T) {
	tpl := &Template{Steps: []TemplateStep{{ID: "a"}}}
	if _, err := Materialize(tpl, ""); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("Materialize = %v, want ErrValidation", err)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tpl.yaml")
	if err := os.WriteFile(path, []byte("steps:\n  - id: only\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	tpl, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(tpl.Steps) != 1 || tpl.Steps[0].ID != "only" {
		t.Errorf("template = %+v", tpl)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load missing file: expected error")
	}
}
