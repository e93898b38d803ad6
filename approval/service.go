package approval

import (
	"maps"

	"github.com/vinayprograms/orchestrator/logging"
	"github.com/vinayprograms/orchestrator/state"
)

// Enqueuer replays an approved task through the execution core.
type Enqueuer interface {
	EnqueueApproved(taskType string, payload map[string]any, approvedFromTaskID string) (state.Task, error)
}

// Service applies operator decisions against the store.
type Service struct {
	gate   *Gate
	store  *state.Store
	enq    Enqueuer
	logger *logging.Logger
}

// NewService creates a decision service.
func NewService(gate *Gate, store *state.Store, enq Enqueuer, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Service{
		gate:   gate,
		store:  store,
		enq:    enq,
		logger: logger.WithComponent("approval"),
	}
}

// Decide records the decision and, when approved, re-enqueues the original
// task with a fresh id. The returned request is a copy.
func (s *Service) Decide(taskID string, decision state.ApprovalStatus, actor, note string) (state.ApprovalRequest, error) {
	var out state.ApprovalRequest
	err := s.store.Update(func(st *state.OrchestratorState) error {
		req, err := s.gate.Decide(st, taskID, decision, actor, note)
		if req != nil {
			out = *req
			out.Payload = maps.Clone(req.Payload)
		}
		return err
	})
	if err != nil {
		return out, err
	}

	s.logger.Info("approval decided", map[string]interface{}{
		"task_id":  taskID,
		"decision": string(decision),
		"actor":    actor,
	})

	if decision == state.ApprovalApproved && s.enq != nil {
		replay, err := s.enq.EnqueueApproved(out.Type, maps.Clone(out.Payload), out.TaskID)
		if err != nil {
			return out, err
		}
		s.logger.Info("approved task replayed", map[string]interface{}{
			"task_id":   replay.ID,
			"approved":  out.TaskID,
			"task_type": out.Type,
		})
	}
	return out, nil
}

// List returns copies of requests with the given status, or all when
// status is empty.
func (s *Service) List(status state.ApprovalStatus) []state.ApprovalRequest {
	var out []state.ApprovalRequest
	s.store.View(func(st *state.OrchestratorState) {
		for _, a := range st.Approvals {
			if status == "" || a.Status == status {
				cp := *a
				cp.Payload = maps.Clone(a.Payload)
				out = append(out, cp)
			}
		}
	})
	return out
}

// Get returns a copy of the request for taskID.
func (s *Service) Get(taskID string) (state.ApprovalRequest, bool) {
	var (
		out   state.ApprovalRequest
		found bool
	)
	s.store.View(func(st *state.OrchestratorState) {
		if a := st.Approval(taskID); a != nil {
			out = *a
			out.Payload = maps.Clone(a.Payload)
			found = true
		}
	})
	return out, found
}
