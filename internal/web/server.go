// Package web is the HTTP surface of the queue core: job submission and
// status, deltafile uploads, per-delta statuses, and the metrics endpoint.
package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/opengisch/fieldq/internal/admission"
	"github.com/opengisch/fieldq/internal/db/repository"
	"github.com/opengisch/fieldq/internal/secrets"
	"github.com/opengisch/fieldq/model"
)

// maxDeltafileBytes caps uploads; a deltafile is metadata, not file content.
const maxDeltafileBytes = 10 << 20

type Server struct {
	router       chi.Router
	jobService   *JobService
	deltaService *DeltaService
	secrets      *secrets.Resolver
}

func NewServer(jobService *JobService, deltaService *DeltaService, resolver *secrets.Resolver) *Server {
	s := &Server{
		router:       chi.NewRouter(),
		jobService:   jobService,
		deltaService: deltaService,
		secrets:      resolver,
	}
	s.routes()
	return s
}

func (s *Server) Router() http.Handler {
	return otelhttp.NewHandler(s.router, "fieldq-api")
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/projects/{projectID}/jobs", s.handleCreateJob)
		r.Post("/projects/{projectID}/deltas", s.handleSubmitDeltafile)
		r.Get("/projects/{projectID}/deltas/{deltafileID}", s.handleListDeltas)
		r.Get("/jobs/{id}", s.handleGetJob)

		r.Route("/worker", func(r chi.Router) {
			r.Use(s.runTokenAuth)
			r.Get("/jobs/{id}", s.handleGetJob)
		})
	})

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// runTokenAuth admits worker containers presenting the short-lived token
// minted for their job.
func (s *Server) runTokenAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		jobID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			http.Error(w, "invalid job id", http.StatusBadRequest)
			return
		}
		token := r.Header.Get("X-FieldQ-Token")
		if token == "" || !s.secrets.ValidateRunToken(r.Context(), jobID, token) {
			http.Error(w, "invalid or expired run token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	projectID, err := uuid.Parse(chi.URLParam(r, "projectID"))
	if err != nil {
		http.Error(w, "invalid project id", http.StatusBadRequest)
		return
	}

	var req model.JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	req.ProjectID = projectID

	job, err := s.jobService.CreateJob(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}

	job, err := s.jobService.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	// Consumers predating the keyed outputs object can request the flat 1.0
	// feedback shape.
	if r.URL.Query().Get("feedback_version") == "1.0" && len(job.Feedback) > 0 {
		var fb model.Feedback
		if err := json.Unmarshal(job.Feedback, &fb); err != nil {
			http.Error(w, "stored feedback is unreadable", http.StatusInternalServerError)
			return
		}
		legacy, err := json.Marshal(fb.ToLegacy())
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		job.Feedback = legacy
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleSubmitDeltafile(w http.ResponseWriter, r *http.Request) {
	projectID, err := uuid.Parse(chi.URLParam(r, "projectID"))
	if err != nil {
		http.Error(w, "invalid project id", http.StatusBadRequest)
		return
	}
	createdBy, err := uuid.Parse(r.Header.Get("X-User-ID"))
	if err != nil {
		http.Error(w, "missing or invalid X-User-ID", http.StatusBadRequest)
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDeltafileBytes))
	if err != nil {
		http.Error(w, "reading body: "+err.Error(), http.StatusBadRequest)
		return
	}

	result, err := s.deltaService.Submit(r.Context(), projectID, createdBy, raw)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleListDeltas(w http.ResponseWriter, r *http.Request) {
	projectID, err := uuid.Parse(chi.URLParam(r, "projectID"))
	if err != nil {
		http.Error(w, "invalid project id", http.StatusBadRequest)
		return
	}
	deltafileID, err := uuid.Parse(chi.URLParam(r, "deltafileID"))
	if err != nil {
		http.Error(w, "invalid deltafile id", http.StatusBadRequest)
		return
	}

	deltas, err := s.deltaService.ListByDeltafile(r.Context(), projectID, deltafileID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deltas)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the typed domain errors onto HTTP statuses. Anything
// unrecognized is a 500 without internals leaking into the body.
func writeError(w http.ResponseWriter, err error) {
	var validationErr *model.DeltafileValidationError
	var mismatchErr *repository.DeltaContentMismatchError
	var quotaErr *admission.QuotaExceededError
	var planErr *admission.PlanInsufficientError
	var inactiveErr *admission.SubscriptionInactiveError

	switch {
	case errors.As(err, &validationErr):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &mismatchErr):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.As(err, &quotaErr), errors.As(err, &inactiveErr):
		http.Error(w, err.Error(), http.StatusPaymentRequired)
	case errors.As(err, &planErr):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, pgx.ErrNoRows):
		http.Error(w, "not found", http.StatusNotFound)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
