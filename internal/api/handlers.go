package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/proofwork/proofwork/internal/app/ledger"
	"github.com/proofwork/proofwork/internal/app/proof"
	"github.com/proofwork/proofwork/internal/app/provision"
	"github.com/proofwork/proofwork/internal/domain"
)

// ─── Tasks ──────────────────────────────────────────────────────────────────
//
// POST /api/v1/tasks                               register task from template
// GET  /api/v1/tasks/{taskID}                      task with step status
// POST /api/v1/tasks/{taskID}/steps/{stepID}/proof upload proof file
// GET  /api/v1/tasks/{taskID}/share                sharing record
// PUT  /api/v1/tasks/{taskID}/share                change visibility
// GET  /api/v1/tasks/{taskID}/audit                task audit export

type createTaskRequest struct {
	Title string `json:"title"`
	Steps []struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"steps"`
}

// handleCreateTask accepts a JSON body, or a YAML template when the
// content type says so.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	var tpl *provision.Template
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/yaml", "application/x-yaml", "text/yaml":
		if tpl, err = provision.Parse(body); err != nil {
			s.writeDomainError(w, r, err)
			return
		}
	default:
		var req createTaskRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		tpl = &provision.Template{Title: req.Title}
		for _, st := range req.Steps {
			tpl.Steps = append(tpl.Steps, provision.TemplateStep{ID: st.ID, Title: st.Title})
		}
	}

	task, err := provision.Materialize(tpl, actorFrom(r.Context()))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	task, err = s.proofs.RegisterTask(r.Context(), actorFrom(r.Context()), fingerprintFrom(r.Context()), task)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.proofs.GetTask(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleUploadProof streams the proof from a multipart "file" field or from
// the raw request body.
func (s *Server) handleUploadProof(w http.ResponseWriter, r *http.Request) {
	content := io.Reader(r.Body)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		mr, err := r.MultipartReader()
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid multipart body: "+err.Error())
			return
		}
		content = nil
		for {
			part, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid multipart body: "+err.Error())
				return
			}
			if part.FormName() == "file" {
				content = part
				break
			}
		}
		if content == nil {
			writeError(w, http.StatusBadRequest, `multipart body has no "file" field`)
			return
		}
	}

	res, err := s.proofs.Upload(r.Context(), proof.UploadRequest{
		ActorID:     actorFrom(r.Context()),
		TaskID:      chi.URLParam(r, "taskID"),
		StepID:      chi.URLParam(r, "stepID"),
		Content:     content,
		Fingerprint: fingerprintFrom(r.Context()),
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetShare(w http.ResponseWriter, r *http.Request) {
	share, err := s.proofs.GetShare(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, share)
}

func (s *Server) handleUpdateShare(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Visibility domain.Visibility `json:"visibility"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	share, err := s.proofs.UpdateShareVisibility(r.Context(), actorFrom(r.Context()),
		fingerprintFrom(r.Context()), chi.URLParam(r, "taskID"), req.Visibility)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, share)
}

func (s *Server) handleTaskAudit(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if _, err := s.proofs.GetTask(r.Context(), actorFrom(r.Context()), taskID); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	audit, err := ledger.ExportTask(r.Context(), s.store, taskID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, audit)
}

// ─── Ledger ─────────────────────────────────────────────────────────────────
//
// GET  /api/v1/ledger?after=SEQ&limit=N global chain page
// POST /api/v1/ledger/events            record a collaborator event
// GET  /api/v1/ledger/verify            full chain verification

func (s *Server) handleListLedger(w http.ResponseWriter, r *http.Request) {
	after, err := queryInt(r, "after", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil || limit <= 0 || limit > 1000 {
		writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
		return
	}
	entries, err := s.store.ListEntries(r.Context(), after, int(limit))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	next := after
	if len(entries) > 0 {
		next = entries[len(entries)-1].Seq
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"next":    next,
	})
}

type recordEventRequest struct {
	Action        domain.Action   `json:"action"`
	Details       string          `json:"details"`
	SubjectTaskID string          `json:"subject_task_id"`
	Metadata      domain.Metadata `json:"metadata"`
	EntityType    string          `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
}

func (s *Server) handleRecordEvent(w http.ResponseWriter, r *http.Request) {
	var req recordEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	entry, err := s.proofs.RecordEvent(r.Context(), domain.Event{
		ActorID:       actorFrom(r.Context()),
		Action:        req.Action,
		Details:       req.Details,
		SubjectTaskID: req.SubjectTaskID,
		Metadata:      req.Metadata,
		EntityType:    req.EntityType,
		EntityID:      req.EntityID,
		Fingerprint:   fingerprintFrom(r.Context()),
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleVerifyLedger(w http.ResponseWriter, r *http.Request) {
	report, err := s.verifier.Verify(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if report.Violations == nil {
		report.Violations = []domain.ChainViolation{}
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.proofs.Stats())
}

func queryInt(r *http.Request, key string, def int64) (int64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, errors.New(key + " must be a non-negative integer")
	}
	return n, nil
}
