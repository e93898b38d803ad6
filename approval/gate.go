package approval

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/vinayprograms/orchestrator/state"
)

// Common errors.
var (
	ErrNotFound        = errors.New("approval request not found")
	ErrAlreadyDecided  = errors.New("approval request already decided")
	ErrInvalidDecision = errors.New("decision must be approved or rejected")
)

// Decision is the gate's verdict for one task.
type Decision struct {
	Allowed bool
	Reason  string

	// Rejected is set when the referenced approval was rejected; the
	// task must fail without retry.
	Rejected bool
}

// Gate evaluates the policy against the approvals held in state.
// Its methods run inside a state.Store update and never block.
type Gate struct {
	policy *Policy
	nowFn  func() time.Time
}

// NewGate creates a gate. A nil policy uses DefaultPolicy.
func NewGate(p *Policy) *Gate {
	if p == nil {
		p = DefaultPolicy()
	}
	return &Gate{policy: p, nowFn: time.Now}
}

// AssertApprovalIfRequired decides whether task may run now. Replays carry
// ApprovedFromTaskID and are checked against that request; other tasks
// are checked against their own. When the policy requires approval and no
// request exists, a pending one is created.
func (g *Gate) AssertApprovalIfRequired(task state.Task, st *state.OrchestratorState) Decision {
	ref := task.ApprovedFromTaskID
	if ref == "" {
		ref = task.ID
	}

	if req := st.Approval(ref); req != nil {
		return g.checkExisting(req, task)
	}

	if task.ApprovedFromTaskID != "" {
		return Decision{Reason: fmt.Sprintf("referenced approval %s does not exist", ref), Rejected: true}
	}

	required, reason := g.policy.Evaluate(task.Type, task.Payload)
	if !required {
		return Decision{Allowed: true}
	}

	st.Approvals = append(st.Approvals, &state.ApprovalRequest{
		TaskID:    task.ID,
		Type:      task.Type,
		Payload:   maps.Clone(task.Payload),
		Status:    state.ApprovalPending,
		Reason:    reason,
		CreatedAt: g.nowFn().UTC(),
	})
	return Decision{Reason: reason}
}

func (g *Gate) checkExisting(req *state.ApprovalRequest, task state.Task) Decision {
	switch req.Status {
	case state.ApprovalPending:
		return Decision{Reason: "awaiting approval: " + req.Reason}
	case state.ApprovalRejected:
		return Decision{Reason: "approval rejected", Rejected: true}
	case state.ApprovalApproved:
		if req.ConsumedBy != "" && req.ConsumedBy != task.IdempotencyKey {
			return Decision{Reason: "approval already used by " + req.ConsumedBy}
		}
		req.ConsumedBy = task.IdempotencyKey
		return Decision{Allowed: true}
	default:
		return Decision{Reason: fmt.Sprintf("approval in unknown status %q", req.Status)}
	}
}

// Decide moves a pending request to approved or rejected. A rejection
// also fails the parked execution record.
func (g *Gate) Decide(st *state.OrchestratorState, taskID string, decision state.ApprovalStatus, actor, note string) (*state.ApprovalRequest, error) {
	if decision != state.ApprovalApproved && decision != state.ApprovalRejected {
		return nil, ErrInvalidDecision
	}
	req := st.Approval(taskID)
	if req == nil {
		return nil, ErrNotFound
	}
	if req.Status.IsTerminal() {
		return req, ErrAlreadyDecided
	}

	now := g.nowFn().UTC()
	req.Status = decision
	req.DecidedAt = &now
	req.DecidedBy = actor
	req.Note = note

	if decision == state.ApprovalRejected {
		for _, rec := range st.TaskExecutions {
			if rec.TaskID == taskID && rec.Status == state.TaskPending {
				rec.Status = state.TaskFailed
				rec.LastError = "approval rejected"
				rec.LastHandledAt = now
			}
		}
		st.AppendHistory(state.TaskHistoryEntry{
			ID:        taskID,
			Type:      req.Type,
			HandledAt: now,
			Result:    state.ResultError,
			Message:   "approval rejected by " + actor,
		})
	}
	return req, nil
}
