// Package provision turns YAML task templates into tasks ready to register.
package provision

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/proofwork/proofwork/internal/domain"
)

// Template is a reusable list of evidence steps.
//
//	title: Kitchen renovation
//	steps:
//	  - id: demolition
//	    title: Photos of cleared room
//	  - id: invoice
//	    title: Contractor invoice
type Template struct {
	Title string         `yaml:"title"`
	Steps []TemplateStep `yaml:"steps"`
}

// TemplateStep is one step of a template.
type TemplateStep struct {
	ID    string `yaml:"id"`
	Title string `yaml:"title"`
}

// Parse decodes a template. Unknown keys are rejected.
func Parse(data []byte) (*Template, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var tpl Template
	if err := dec.Decode(&tpl); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, domain.Invalid("template is empty")
		}
		return nil, domain.Invalid("parse template: %v", err)
	}
	if len(tpl.Steps) == 0 {
		return nil, domain.Invalid("template has no steps")
	}
	return &tpl, nil
}

// Load reads and parses a template file.
func Load(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template: %w", err)
	}
	return Parse(data)
}

// Materialize builds a pending task for ownerID. Steps without an id get
// one derived from their position.
func Materialize(tpl *Template, ownerID string) (*domain.Task, error) {
	task := &domain.Task{
		ID:      uuid.New().String(),
		OwnerID: ownerID,
		Title:   strings.TrimSpace(tpl.Title),
		Status:  domain.TaskPending,
		Steps:   make([]domain.TaskStep, 0, len(tpl.Steps)),
	}
	for i, s := range tpl.Steps {
		id := strings.TrimSpace(s.ID)
		if id == "" {
			id = fmt.Sprintf("step-%d", i+1)
		}
		task.Steps = append(task.Steps, domain.TaskStep{
			ID:     id,
			Title:  strings.TrimSpace(s.Title),
			Status: domain.StepPending,
		})
	}
	if err := task.Validate(); err != nil {
		return nil, err
	}
	return task, nil
}
