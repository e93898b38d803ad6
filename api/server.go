// Package api exposes the orchestrator over HTTP.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	orcherr "github.com/vinayprograms/orchestrator/errors"
	"github.com/vinayprograms/orchestrator/logging"
	"github.com/vinayprograms/orchestrator/scheduler"
	"github.com/vinayprograms/orchestrator/state"
	"github.com/vinayprograms/orchestrator/tasks"
)

// Tasks is the slice of the engine the API drives.
type Tasks interface {
	Enqueue(taskType string, payload map[string]any, opts ...tasks.EnqueueOption) (state.Task, error)
	Execution(key string) (state.TaskExecutionRecord, bool)
	History() []state.TaskHistoryEntry
	Stats() tasks.Stats
}

// Approvals lists and decides approval requests.
type Approvals interface {
	Decide(taskID string, decision state.ApprovalStatus, actor, note string) (state.ApprovalRequest, error)
	List(status state.ApprovalStatus) []state.ApprovalRequest
	Get(taskID string) (state.ApprovalRequest, bool)
}

// Milestones lists and requeues deliveries.
type Milestones interface {
	List(status state.DeliveryStatus) []state.MilestoneDeliveryRecord
	DeadLetters() []state.MilestoneDeliveryRecord
	Get(key string) (state.MilestoneDeliveryRecord, bool)
	Requeue(key string) (state.MilestoneDeliveryRecord, error)
	Trigger()
	Configured() bool
}

// Schedules reports cron entries.
type Schedules interface {
	Entries() []scheduler.Status
}

// Deps wires the server. Schedules is optional.
type Deps struct {
	Tasks      Tasks
	Approvals  Approvals
	Milestones Milestones
	Schedules  Schedules
	Logger     *logging.Logger

	// Token, when set, is required as a bearer token on /v1 routes.
	Token string

	// RequestTimeout bounds each request. Zero disables the limit.
	RequestTimeout time.Duration
}

// Server holds the router.
type Server struct {
	deps   Deps
	logger *logging.Logger
	router chi.Router
}

// NewServer builds the router.
func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = logging.Nop()
	}
	s := &Server{deps: d, logger: d.Logger.WithComponent("api")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	if d.RequestTimeout > 0 {
		r.Use(middleware.Timeout(d.RequestTimeout))
	}

	r.Get("/healthz", s.healthz)

	r.Route("/v1", func(api chi.Router) {
		api.Use(s.bearerAuth)

		api.Post("/tasks", s.enqueueTask)
		api.Get("/tasks/history", s.taskHistory)
		api.Get("/tasks/executions/{key}", s.taskExecution)

		api.Get("/approvals", s.listApprovals)
		api.Get("/approvals/{taskId}", s.getApproval)
		api.Post("/approvals/{taskId}/decision", s.decideApproval)

		api.Get("/milestones", s.listMilestones)
		api.Get("/milestones/dead-letter", s.deadLetters)
		api.Post("/milestones/deliver", s.triggerDelivery)
		api.Get("/milestones/{key}", s.getMilestone)
		api.Post("/milestones/{key}/requeue", s.requeueMilestone)

		api.Get("/schedules", s.listSchedules)
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request", map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		})
	})
}

func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Token == "" {
			next.ServeHTTP(w, r)
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.deps.Token)) != 1 {
			writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.deps.Tasks != nil {
		body["tasks"] = s.deps.Tasks.Stats()
	}
	if s.deps.Milestones != nil {
		body["milestoneDelivery"] = s.deps.Milestones.Configured()
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr maps orchestrator errors onto status codes.
func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, tasks.ErrEngineClosed):
		status = http.StatusServiceUnavailable
	case orcherr.Is(err, orcherr.ErrCodeInvalidTaskType), orcherr.Is(err, orcherr.ErrCodeInvalidInput):
		status = http.StatusBadRequest
	case orcherr.Is(err, orcherr.ErrCodeNotFound):
		status = http.StatusNotFound
	case orcherr.Is(err, orcherr.ErrCodeConflict):
		status = http.StatusConflict
	}
	writeError(w, status, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return orcherr.InvalidInput("malformed request body: " + err.Error())
	}
	return nil
}
