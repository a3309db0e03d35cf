// Package api provides the HTTP server for proofwork.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/proofwork/proofwork/internal/app/ledger"
	"github.com/proofwork/proofwork/internal/app/proof"
	"github.com/proofwork/proofwork/internal/domain"
)

// Server is the proofwork HTTP API server.
type Server struct {
	proofs         *proof.Service
	store          domain.LedgerReader
	verifier       *ledger.Verifier
	salt           string
	metricsEnabled bool
	logger         *slog.Logger
}

// NewServer creates a new API server.
func NewServer(proofs *proof.Service, store domain.LedgerReader, verifier *ledger.Verifier, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		proofs:   proofs,
		store:    store,
		verifier: verifier,
		logger:   logger.With("component", "api"),
	}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetFingerprintSalt sets the salt mixed into client IP and device hashes.
func (s *Server) SetFingerprintSalt(salt string) { s.salt = salt }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(requireActor)
		r.Use(s.fingerprint)

		r.Post("/tasks", s.handleCreateTask)
		r.Route("/tasks/{taskID}", func(r chi.Router) {
			r.Get("/", s.handleGetTask)
			r.Post("/steps/{stepID}/proof", s.handleUploadProof)
			r.Get("/share", s.handleGetShare)
			r.Put("/share", s.handleUpdateShare)
			r.Get("/audit", s.handleTaskAudit)
		})

		r.Get("/ledger", s.handleListLedger)
		r.Post("/ledger/events", s.handleRecordEvent)
		r.Get("/ledger/verify", s.handleVerifyLedger)

		r.Get("/stats", s.handleStats)
	})

	return r
}

// ─── Middleware ─────────────────────────────────────────────────────────────

type ctxKey int

const (
	actorKey ctxKey = iota
	fingerprintKey
)

// ActorHeader carries the principal id asserted by the authenticating
// gateway in front of this service.
const ActorHeader = "X-Actor-ID"

func requireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := r.Header.Get(ActorHeader)
		if actor == "" {
			writeError(w, http.StatusUnauthorized, "missing "+ActorHeader+" header")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey, actor)))
	})
}

func (s *Server) fingerprint(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fp := Fingerprint(s.salt, clientIP(r), r.UserAgent())
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), fingerprintKey, fp)))
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func actorFrom(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey).(string)
	return actor
}

func fingerprintFrom(ctx context.Context) domain.Fingerprint {
	fp, _ := ctx.Value(fingerprintKey).(domain.Fingerprint)
	return fp
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    "error",
		},
	})
}

// writeDomainError maps domain sentinels onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err,
			"request_id", middleware.GetReqID(r.Context()))
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyExists),
		errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrRepairRefused):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
