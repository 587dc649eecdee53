// Package api provides the HTTP server for taskforge: task submission
// and lifecycle endpoints, recurring schedule management, stats, health
// and Prometheus metrics.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taskforge-net/taskforge/internal/domain"
	"github.com/taskforge-net/taskforge/internal/engine"
	"github.com/taskforge-net/taskforge/internal/recurring"
)

// Version is the API-reported build version.
const Version = "0.1.0"

// HealthChecker reports daemon liveness details.
type HealthChecker interface {
	Healthy() error
}

// Server is the taskforge HTTP API server.
type Server struct {
	engine         *engine.Engine
	recurring      *recurring.Runner
	health         HealthChecker
	metricsEnabled bool
}

// NewServer creates an API server over the engine.
func NewServer(eng *engine.Engine) *Server {
	return &Server{engine: eng}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetRecurring mounts the schedule management endpoints.
func (s *Server) SetRecurring(r *recurring.Runner) { s.recurring = r }

// SetHealth sets the liveness checker behind /health.
func (s *Server) SetHealth(h HealthChecker) { s.health = h }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": Version})
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/tasks", s.handleSubmit)
		r.Get("/tasks/{id}", s.handleStatus)
		r.Get("/tasks/{id}/result", s.handleResult)
		r.Delete("/tasks/{id}", s.handleCancel)
		r.Get("/stats", s.handleStats)

		if s.recurring != nil {
			r.Post("/schedules", s.handleAddSchedule)
			r.Get("/schedules", s.handleListSchedules)
			r.Delete("/schedules/{id}", s.handleRemoveSchedule)
		}
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// ─── Task Endpoints ─────────────────────────────────────────────────────────

// SubmitRequest is the task submission payload.
type SubmitRequest struct {
	ServiceName  string            `json:"service_name"`
	Type         domain.TaskType   `json:"type"`
	Payload      string            `json:"payload"`
	InputData    map[string]any    `json:"input_data,omitempty"`
	Resources    domain.Resources  `json:"resources"`
	MaxRetries   int               `json:"max_retries,omitempty"`
	Priority     int               `json:"priority,omitempty"`
	Payment      float64           `json:"payment_amount"`
	EscrowID     string            `json:"escrow_id,omitempty"`
	ExpectedHash string            `json:"expected_hash,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

func (req SubmitRequest) task() domain.Task {
	return domain.Task{
		ServiceName:  req.ServiceName,
		Type:         req.Type,
		Payload:      req.Payload,
		InputData:    req.InputData,
		Resources:    req.Resources,
		MaxRetries:   req.MaxRetries,
		Priority:     req.Priority,
		Payment:      req.Payment,
		EscrowID:     req.EscrowID,
		ExpectedHash: req.ExpectedHash,
		Metadata:     req.Metadata,
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	t := req.task()
	id, err := s.engine.Submit(r.Context(), &t)
	if err != nil {
		writeError(w, submitStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id": id,
		"status":  string(domain.TaskPending),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	t, err := s.engine.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, lookupStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.GetResult(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, domain.ErrResultNotReady) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, lookupStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.engine.Cancel(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrTaskTerminal) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, lookupStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"task_id": id,
		"status":  string(domain.TaskCancelled),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ─── Schedule Endpoints ─────────────────────────────────────────────────────

// ScheduleRequest creates a recurring schedule.
type ScheduleRequest struct {
	Name     string        `json:"name"`
	CronExpr string        `json:"cron_expr"`
	Template SubmitRequest `json:"template"`
}

func (s *Server) handleAddSchedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	sched, err := s.recurring.Add(r.Context(), req.Name, req.CronExpr, req.Template.task())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.recurring.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if schedules == nil {
		schedules = []domain.Schedule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": schedules})
}

func (s *Server) handleRemoveSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.recurring.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Health & Helpers ───────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Healthy(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// submitStatus maps submission errors to HTTP statuses.
func submitStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrEngineClosed),
		errors.Is(err, domain.ErrEngineRefusing):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

func lookupStatus(err error) int {
	if errors.Is(err, domain.ErrTaskNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

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
