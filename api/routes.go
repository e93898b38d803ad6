package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vinayprograms/orchestrator/approval"
	orcherr "github.com/vinayprograms/orchestrator/errors"
	"github.com/vinayprograms/orchestrator/milestone"
	"github.com/vinayprograms/orchestrator/state"
	"github.com/vinayprograms/orchestrator/tasks"
)

type enqueueRequest struct {
	Type           string         `json:"type"`
	Payload        map[string]any `json:"payload,omitempty"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
	MaxRetries     *int           `json:"maxRetries,omitempty"`
}

type enqueueResponse struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	CreatedAt      time.Time `json:"createdAt"`
	IdempotencyKey string    `json:"idempotencyKey"`
}

func (s *Server) enqueueTask(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if _, ok := tasks.ParseKind(req.Type); !ok {
		writeErr(w, orcherr.InvalidTaskType(req.Type))
		return
	}
	var opts []tasks.EnqueueOption
	if req.IdempotencyKey != "" {
		opts = append(opts, tasks.WithIdempotencyKey(req.IdempotencyKey))
	}
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			writeErr(w, orcherr.InvalidInput("maxRetries must be >= 0"))
			return
		}
		opts = append(opts, tasks.WithMaxRetries(*req.MaxRetries))
	}

	task, err := s.deps.Tasks.Enqueue(req.Type, req.Payload, opts...)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{
		ID:             task.ID,
		Type:           task.Type,
		CreatedAt:      task.CreatedAt,
		IdempotencyKey: task.IdempotencyKey,
	})
}

func (s *Server) taskHistory(w http.ResponseWriter, r *http.Request) {
	history := s.deps.Tasks.History()
	if history == nil {
		history = []state.TaskHistoryEntry{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) taskExecution(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	rec, ok := s.deps.Tasks.Execution(key)
	if !ok {
		writeError(w, http.StatusNotFound, "no execution for key "+key)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) listApprovals(w http.ResponseWriter, r *http.Request) {
	status := state.ApprovalStatus(r.URL.Query().Get("status"))
	switch status {
	case "", state.ApprovalPending, state.ApprovalApproved, state.ApprovalRejected:
	default:
		writeError(w, http.StatusBadRequest, "unknown approval status "+string(status))
		return
	}
	out := s.deps.Approvals.List(status)
	if out == nil {
		out = []state.ApprovalRequest{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getApproval(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskId")
	req, ok := s.deps.Approvals.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "no approval request for task "+id)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type decisionRequest struct {
	Decision string `json:"decision"`
	Actor    string `json:"actor"`
	Note     string `json:"note,omitempty"`
}

func parseDecision(s string) (state.ApprovalStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approve", "approved":
		return state.ApprovalApproved, true
	case "reject", "rejected":
		return state.ApprovalRejected, true
	}
	return "", false
}

func (s *Server) decideApproval(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskId")
	var req decisionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeErr(w, err)
		return
	}
	decision, ok := parseDecision(req.Decision)
	if !ok {
		writeError(w, http.StatusBadRequest, "decision must be approved or rejected")
		return
	}
	if strings.TrimSpace(req.Actor) == "" {
		writeError(w, http.StatusBadRequest, "actor is required")
		return
	}

	out, err := s.deps.Approvals.Decide(id, decision, req.Actor, req.Note)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, out)
	case errors.Is(err, approval.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, approval.ErrAlreadyDecided):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "approval": out})
	case errors.Is(err, approval.ErrInvalidDecision):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeErr(w, err)
	}
}

func (s *Server) listMilestones(w http.ResponseWriter, r *http.Request) {
	status := state.DeliveryStatus(r.URL.Query().Get("status"))
	switch status {
	case "", state.DeliveryPending, state.DeliveryRetrying, state.DeliveryDelivered,
		state.DeliveryDuplicate, state.DeliveryRejected, state.DeliveryDeadLetter:
	default:
		writeError(w, http.StatusBadRequest, "unknown delivery status "+string(status))
		return
	}
	writeRecords(w, s.deps.Milestones.List(status))
}

func (s *Server) deadLetters(w http.ResponseWriter, r *http.Request) {
	writeRecords(w, s.deps.Milestones.DeadLetters())
}

func writeRecords(w http.ResponseWriter, recs []state.MilestoneDeliveryRecord) {
	if recs == nil {
		recs = []state.MilestoneDeliveryRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) getMilestone(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	rec, ok := s.deps.Milestones.Get(key)
	if !ok {
		writeError(w, http.StatusNotFound, "no milestone for key "+key)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) requeueMilestone(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Milestones.Requeue(chi.URLParam(r, "key"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, rec)
	case errors.Is(err, milestone.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, milestone.ErrNotDeadLetter):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "milestone": rec})
	default:
		writeErr(w, err)
	}
}

func (s *Server) triggerDelivery(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Milestones.Configured() {
		writeError(w, http.StatusServiceUnavailable, "milestone delivery is not configured")
		return
	}
	s.deps.Milestones.Trigger()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "delivery pass requested"})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	if s.deps.Schedules == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Schedules.Entries())
}
