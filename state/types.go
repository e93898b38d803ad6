package state

import (
	"time"
)

// TaskStatus is the status of a TaskExecutionRecord.
type TaskStatus string

const (
	TaskPending  TaskStatus = "pending"
	TaskRunning  TaskStatus = "running"
	TaskSuccess  TaskStatus = "success"
	TaskFailed   TaskStatus = "failed"
	TaskRetrying TaskStatus = "retrying"
)

// HistoryResult is the outcome recorded in a TaskHistoryEntry.
type HistoryResult string

const (
	ResultOK    HistoryResult = "ok"
	ResultError HistoryResult = "error"
)

// ApprovalStatus is the status of an ApprovalRequest.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// IsTerminal reports whether the approval has been decided.
func (s ApprovalStatus) IsTerminal() bool {
	return s == ApprovalApproved || s == ApprovalRejected
}

// DeliveryStatus is the status of a MilestoneDeliveryRecord.
type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliveryRetrying   DeliveryStatus = "retrying"
	DeliveryDelivered  DeliveryStatus = "delivered"
	DeliveryDuplicate  DeliveryStatus = "duplicate"
	DeliveryRejected   DeliveryStatus = "rejected"
	DeliveryDeadLetter DeliveryStatus = "dead-letter"
)

// IsTerminal reports whether no further delivery attempt will be made.
func (s DeliveryStatus) IsTerminal() bool {
	switch s {
	case DeliveryDelivered, DeliveryDuplicate, DeliveryRejected, DeliveryDeadLetter:
		return true
	}
	return false
}

// Task is a unit of work accepted by the engine.
type Task struct {
	ID                 string         `json:"id"`
	Type               string         `json:"type"`
	Payload            map[string]any `json:"payload,omitempty"`
	CreatedAt          time.Time      `json:"createdAt"`
	Attempt            int            `json:"attempt"`
	MaxRetries         int            `json:"maxRetries"`
	IdempotencyKey     string         `json:"idempotencyKey"`
	ApprovedFromTaskID string         `json:"approvedFromTaskId,omitempty"`
}

// TaskExecutionRecord tracks one idempotency key across attempts.
type TaskExecutionRecord struct {
	TaskID         string     `json:"taskId"`
	IdempotencyKey string     `json:"idempotencyKey"`
	Type           string     `json:"type"`
	Status         TaskStatus `json:"status"`
	Attempt        int        `json:"attempt"`
	MaxRetries     int        `json:"maxRetries"`
	LastHandledAt  time.Time  `json:"lastHandledAt"`
	LastError      string     `json:"lastError,omitempty"`
}

// TaskHistoryEntry is one handling-attempt outcome.
type TaskHistoryEntry struct {
	ID        string        `json:"id"`
	Type      string        `json:"type"`
	HandledAt time.Time     `json:"handledAt"`
	Result    HistoryResult `json:"result"`
	Message   string        `json:"message,omitempty"`
}

// ApprovalRequest is a pending or decided human sign-off.
type ApprovalRequest struct {
	TaskID     string         `json:"taskId"`
	Type       string         `json:"type"`
	Payload    map[string]any `json:"payload,omitempty"`
	Status     ApprovalStatus `json:"status"`
	Reason     string         `json:"reason,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	DecidedAt  *time.Time     `json:"decidedAt,omitempty"`
	DecidedBy  string         `json:"decidedBy,omitempty"`
	Note       string         `json:"note,omitempty"`
	ConsumedBy string         `json:"consumedBy,omitempty"`
}

// MilestoneEvent is an immutable progress claim sent to the subscriber.
type MilestoneEvent struct {
	MilestoneID  string   `json:"milestoneId"`
	TimestampUTC string   `json:"timestampUtc"`
	Scope        string   `json:"scope"`
	Claim        string   `json:"claim"`
	Evidence     []string `json:"evidence"`
	RiskStatus   string   `json:"riskStatus"`
	NextAction   string   `json:"nextAction"`
	Source       string   `json:"source,omitempty"`
}

// MilestoneDeliveryRecord tracks one emitted envelope.
type MilestoneDeliveryRecord struct {
	IdempotencyKey string         `json:"idempotencyKey"`
	MilestoneID    string         `json:"milestoneId"`
	SentAtUTC      string         `json:"sentAtUtc"`
	Event          MilestoneEvent `json:"event"`
	Status         DeliveryStatus `json:"status"`
	Attempts       int            `json:"attempts"`
	LastError      string         `json:"lastError,omitempty"`
	LastAttemptAt  *time.Time     `json:"lastAttemptAt,omitempty"`
}

// RetryDescriptor is a scheduled re-run of a failed task. It is stored in
// the snapshot so retries survive a restart.
type RetryDescriptor struct {
	Task      Task      `json:"task"`
	NotBefore time.Time `json:"notBefore"`
}

// RedditQueueItem is a candidate post waiting for a drafted reply.
type RedditQueueItem struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Link     string    `json:"link,omitempty"`
	Source   string    `json:"source,omitempty"`
	QueuedAt time.Time `json:"queuedAt"`
}

// RedditDraft is a reply produced by the reddit-helper agent.
type RedditDraft struct {
	ItemID    string    `json:"itemId"`
	TaskID    string    `json:"taskId"`
	Draft     string    `json:"draft"`
	CreatedAt time.Time `json:"createdAt"`
}

// AgentMemoryEntry is one line of a spawned agent's timeline.
type AgentMemoryEntry struct {
	TaskID  string    `json:"taskId"`
	At      time.Time `json:"at"`
	Summary string    `json:"summary"`
}

// Counters are monotonic process-lifetime totals.
type Counters struct {
	TasksProcessed         int `json:"tasksProcessed"`
	TasksFailed            int `json:"tasksFailed"`
	MilestonesDelivered    int `json:"milestonesDelivered"`
	MilestonesDeadLettered int `json:"milestonesDeadLettered"`
}

// OrchestratorState is the aggregate root persisted to the snapshot file.
type OrchestratorState struct {
	LastStartedAt   *time.Time           `json:"lastStartedAt,omitempty"`
	LastHeartbeatAt *time.Time           `json:"lastHeartbeatAt,omitempty"`
	LastRuns        map[string]time.Time `json:"lastRuns"`
	Counters        Counters             `json:"counters"`
	FailureCounts   map[string]int       `json:"failureCounts"`

	TaskExecutions map[string]*TaskExecutionRecord `json:"taskExecutions"`
	TaskHistory    []TaskHistoryEntry              `json:"taskHistory"`
	PendingRetries []RetryDescriptor               `json:"pendingRetries"`
	Approvals      []*ApprovalRequest              `json:"approvals"`
	Milestones     []*MilestoneDeliveryRecord      `json:"milestones"`

	RedditQueue  []RedditQueueItem             `json:"redditQueue"`
	RedditDrafts []RedditDraft                 `json:"redditDrafts"`
	RSSSeenIDs   []string                      `json:"rssSeenIds"`
	AgentMemory  map[string][]AgentMemoryEntry `json:"agentMemory"`

	SavedAt time.Time `json:"savedAt"`
}

// NewState returns a default-initialized aggregate.
func NewState() *OrchestratorState {
	st := &OrchestratorState{}
	st.ensure()
	return st
}

// ensure fills nil maps and slices, so a snapshot written by an older
// build (or a hand-edited one) never causes nil map writes.
func (st *OrchestratorState) ensure() {
	if st.LastRuns == nil {
		st.LastRuns = make(map[string]time.Time)
	}
	if st.FailureCounts == nil {
		st.FailureCounts = make(map[string]int)
	}
	if st.TaskExecutions == nil {
		st.TaskExecutions = make(map[string]*TaskExecutionRecord)
	}
	if st.AgentMemory == nil {
		st.AgentMemory = make(map[string][]AgentMemoryEntry)
	}
	if st.TaskHistory == nil {
		st.TaskHistory = []TaskHistoryEntry{}
	}
	if st.PendingRetries == nil {
		st.PendingRetries = []RetryDescriptor{}
	}
	if st.Approvals == nil {
		st.Approvals = []*ApprovalRequest{}
	}
	if st.Milestones == nil {
		st.Milestones = []*MilestoneDeliveryRecord{}
	}
	if st.RedditQueue == nil {
		st.RedditQueue = []RedditQueueItem{}
	}
	if st.RedditDrafts == nil {
		st.RedditDrafts = []RedditDraft{}
	}
	if st.RSSSeenIDs == nil {
		st.RSSSeenIDs = []string{}
	}
}

// AppendHistory records one handling outcome.
func (st *OrchestratorState) AppendHistory(e TaskHistoryEntry) {
	st.TaskHistory = append(st.TaskHistory, e)
}

// Approval returns the request for taskID, or nil.
func (st *OrchestratorState) Approval(taskID string) *ApprovalRequest {
	for _, a := range st.Approvals {
		if a.TaskID == taskID {
			return a
		}
	}
	return nil
}

// Milestone returns the delivery record for an idempotency key, or nil.
func (st *OrchestratorState) Milestone(key string) *MilestoneDeliveryRecord {
	for _, m := range st.Milestones {
		if m.IdempotencyKey == key {
			return m
		}
	}
	return nil
}

// RemoveRetry drops the scheduled retry for an idempotency key and attempt.
func (st *OrchestratorState) RemoveRetry(key string, attempt int) {
	kept := st.PendingRetries[:0]
	for _, r := range st.PendingRetries {
		if r.Task.IdempotencyKey == key && r.Task.Attempt == attempt {
			continue
		}
		kept = append(kept, r)
	}
	st.PendingRetries = kept
}

// SeenRSS reports whether an RSS item id has been ingested before.
func (st *OrchestratorState) SeenRSS(id string) bool {
	for _, seen := range st.RSSSeenIDs {
		if seen == id {
			return true
		}
	}
	return false
}

// Remember appends to an agent's memory timeline.
func (st *OrchestratorState) Remember(agentID string, e AgentMemoryEntry) {
	st.AgentMemory[agentID] = append(st.AgentMemory[agentID], e)
}
