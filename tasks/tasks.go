package tasks

import (
	"context"
	"errors"
	"fmt"

	orcherr "github.com/vinayprograms/orchestrator/errors"
	"github.com/vinayprograms/orchestrator/state"
)

// Common errors.
var (
	// ErrEngineClosed indicates the engine no longer accepts tasks.
	ErrEngineClosed = errors.New("engine closed")

	// ErrAlreadyRunning indicates Run was called twice.
	ErrAlreadyRunning = errors.New("engine already running")
)

// Kind is a task type on the fixed allowlist.
type Kind string

const (
	KindStartup        Kind = "startup"
	KindHeartbeat      Kind = "heartbeat"
	KindDocSync        Kind = "doc-sync"
	KindRSSSweep       Kind = "rss-sweep"
	KindRedditResponse Kind = "reddit-response"
	KindSummarize      Kind = "summarize"
	KindMilestone      Kind = "milestone"
)

// Kinds returns every allowed kind.
func Kinds() []Kind {
	return []Kind{
		KindStartup,
		KindHeartbeat,
		KindDocSync,
		KindRSSSweep,
		KindRedditResponse,
		KindSummarize,
		KindMilestone,
	}
}

// String returns the string representation of the kind.
func (k Kind) String() string {
	return string(k)
}

// ParseKind maps a task type string onto the allowlist.
func ParseKind(s string) (Kind, bool) {
	switch k := Kind(s); k {
	case KindStartup, KindHeartbeat, KindDocSync, KindRSSSweep,
		KindRedditResponse, KindSummarize, KindMilestone:
		return k, true
	}
	return "", false
}

// Permission is the agent and skill a kind needs from the ToolGate.
type Permission struct {
	AgentID string
	SkillID string
}

// Permission returns the spawned-agent permission the kind requires.
func (k Kind) Permission() (Permission, bool) {
	switch k {
	case KindDocSync:
		return Permission{AgentID: "doc-specialist", SkillID: "documentParser"}, true
	case KindRedditResponse:
		return Permission{AgentID: "reddit-helper", SkillID: "draftReply"}, true
	case KindSummarize:
		return Permission{AgentID: "summarizer", SkillID: "summarize"}, true
	}
	return Permission{}, false
}

// Handler does the work for one task. It must honour ctx.
type Handler func(ctx context.Context, task state.Task) error

// HandlerTable holds one handler per kind. Nil entries fail closed.
type HandlerTable struct {
	Startup        Handler
	Heartbeat      Handler
	DocSync        Handler
	RSSSweep       Handler
	RedditResponse Handler
	Summarize      Handler
	Milestone      Handler
}

// Resolve returns the handler for a task type.
func (t HandlerTable) Resolve(taskType string) (Handler, error) {
	kind, ok := ParseKind(taskType)
	if !ok {
		return nil, orcherr.InvalidTaskType(taskType)
	}

	var h Handler
	switch kind {
	case KindStartup:
		h = t.Startup
	case KindHeartbeat:
		h = t.Heartbeat
	case KindDocSync:
		h = t.DocSync
	case KindRSSSweep:
		h = t.RSSSweep
	case KindRedditResponse:
		h = t.RedditResponse
	case KindSummarize:
		h = t.Summarize
	case KindMilestone:
		h = t.Milestone
	}
	if h == nil {
		return nil, orcherr.New(orcherr.ErrCodeInvalidTaskType, fmt.Sprintf("no handler registered for %q", taskType))
	}
	return h, nil
}
