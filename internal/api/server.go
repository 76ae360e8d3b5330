// Package api exposes the orchestration surface consumed by the application
// layer: submit a conversion, inspect or cancel a job, and read queue and
// breaker health.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"audiobook-orchestrator/internal/breaker"
	"audiobook-orchestrator/internal/config"
	"audiobook-orchestrator/internal/models"
	"audiobook-orchestrator/internal/queue"
	"audiobook-orchestrator/internal/ratelimit"
	"audiobook-orchestrator/internal/store"
	"audiobook-orchestrator/internal/telemetry"
)

// Server wires HTTP handlers for the orchestrator surface.
type Server struct {
	cfg      config.Config
	store    *store.Store
	queue    *queue.Queue
	breakers *breaker.Registry
	limiter  *ratelimit.SubmissionLimiter
	logger   *slog.Logger
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, q *queue.Queue, br *breaker.Registry, limiter *ratelimit.SubmissionLimiter, logger *slog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		queue:    q,
		breakers: br,
		limiter:  limiter,
		logger:   logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/conversions", s.handleSubmit)
	r.Get("/conversions/{id}", s.handleGetJob)
	r.Post("/conversions/{id}/cancel", s.handleCancel)
	r.Get("/queue/stats", s.handleQueueStats)
	r.Get("/breakers", s.handleBreakerStats)
	r.Post("/breakers/{name}/reset", s.handleBreakerReset)
	r.Get("/books/{id}/progress", s.handleBookProgress)
	return r
}

type submitRequest struct {
	ChapterID        string `json:"chapter_id"`
	BookID           string `json:"book_id"`
	Text             string `json:"text"`
	Voice            string `json:"voice"`
	Model            string `json:"model"`
	Summarize        bool   `json:"summarize"`
	SummaryStyle     string `json:"summary_style"`
	SummaryMaxLength int    `json:"summary_max_length"`
	Priority         int    `json:"priority"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

// handleSubmit creates and enqueues a conversion job, marking the chapter
// processing up front. Submissions are refused while the chapter already
// has an active job: one job per chapter at a time.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.ChapterID == "" || req.BookID == "" {
		http.Error(w, "chapter_id and book_id are required", http.StatusBadRequest)
		return
	}
	if req.Text == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.AllowSubmission(r.Context(), callerFromRequest(r))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	chapter, err := s.store.GetChapter(r.Context(), req.ChapterID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "chapter not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if chapter.Status == models.ChapterProcessing {
		http.Error(w, "chapter already has an active conversion", http.StatusConflict)
		return
	}
	if active, err := s.store.HasActiveJob(r.Context(), req.ChapterID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	} else if active {
		http.Error(w, "chapter already has an active conversion", http.StatusConflict)
		return
	}

	job, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		ChapterID:        req.ChapterID,
		BookID:           req.BookID,
		Text:             req.Text,
		Voice:            req.Voice,
		Model:            req.Model,
		Summarize:        req.Summarize,
		SummaryStyle:     req.SummaryStyle,
		SummaryMaxLength: req.SummaryMaxLength,
		Priority:         req.Priority,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// Chapter goes processing at enqueue time; the worker assumes this
	// invariant holds.
	if err := s.store.SetChapterStatus(r.Context(), req.ChapterID, models.ChapterProcessing, nil, nil); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.queue.Enqueue(r.Context(), job.ID, job.Priority); err != nil {
		// Roll the chapter back so a failed enqueue does not wedge it.
		_ = s.store.SetChapterStatus(r.Context(), req.ChapterID, chapter.Status, nil, nil)
		msg := err.Error()
		_ = s.store.UpdateJobStatus(r.Context(), job.ID, models.JobFailed, &msg)
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	telemetry.SubmitCounter.Inc()
	s.logger.Info("conversion submitted", "job_id", job.ID, "chapter_id", req.ChapterID, "priority", req.Priority)

	writeJSON(w, http.StatusAccepted, submitResponse{JobID: job.ID})
}

type jobSnapshot struct {
	models.Job
	QueueProgress int `json:"queue_progress"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	progress, _ := s.queue.GetProgress(r.Context(), id)
	if progress < job.Progress {
		progress = job.Progress
	}
	writeJSON(w, http.StatusOK, jobSnapshot{Job: job, QueueProgress: progress})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if job.Terminal() {
		writeJSON(w, http.StatusOK, map[string]bool{"cancelled": false})
		return
	}
	cancelled, wasWaiting, err := s.queue.Cancel(r.Context(), id)
	if err != nil {
		http.Error(w, "cancel failed", http.StatusInternalServerError)
		return
	}
	if cancelled && wasWaiting {
		// Never claimed by a worker; finish the bookkeeping here.
		_ = s.store.UpdateJobStatus(r.Context(), id, models.JobCancelled, nil)
		_ = s.store.SetChapterStatus(r.Context(), job.ChapterID, models.ChapterPending, nil, nil)
		_, _ = s.store.RecomputeBookStatus(r.Context(), job.BookID)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.GetStats(r.Context())
	if err != nil {
		http.Error(w, "failed to read queue stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleBreakerStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"breakers": s.breakers.AllStats()})
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !s.breakers.Reset(name) {
		http.Error(w, "unknown breaker", http.StatusNotFound)
		return
	}
	s.logger.Info("breaker manually reset", "dependency", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleBookProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	progress, err := s.store.GetBookProgress(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

// callerFromRequest extracts the caller identity; the limiter owns the
// fallback for unidentified callers.
func callerFromRequest(r *http.Request) string {
	return r.Header.Get("X-Caller-ID")
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
