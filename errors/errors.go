package errors

import (
	"fmt"
	"maps"
)

// Error is the orchestrator's failure value. The engine records Error()
// as a task's lastError and uses Retryable to pick between a retry and a
// terminal failure.
type Error struct {
	code     ErrorCode
	message  string
	cause    error
	metadata map[string]string
	retry    *bool
	taskID   string
	taskType string
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.message
	}
	return e.message + ": " + e.cause.Error()
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Code() ErrorCode { return e.code }

func (e *Error) Category() ErrorCategory { return e.code.Category() }

// Retryable honours an explicit WithRetryable before falling back to the
// code's category.
func (e *Error) Retryable() bool {
	if e.retry != nil {
		return *e.retry
	}
	return e.Category().Retryable()
}

// Metadata returns a copy of the attached key/value pairs.
func (e *Error) Metadata() map[string]string {
	return maps.Clone(e.metadata)
}

func (e *Error) TaskID() string   { return e.taskID }
func (e *Error) TaskType() string { return e.taskType }

// Option decorates an Error at construction time.
type Option func(*Error)

func WithRetryable(retry bool) Option {
	return func(e *Error) { e.retry = &retry }
}

func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = map[string]string{}
		}
		e.metadata[key] = value
	}
}

// WithTask tags the error with the task it was raised for.
func WithTask(id, taskType string) Option {
	return func(e *Error) {
		e.taskID, e.taskType = id, taskType
	}
}

func WithCause(cause error) Option {
	return func(e *Error) { e.cause = cause }
}

// New builds an Error for code.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// InvalidTaskType is the fail-closed rejection for a type outside the
// allowlist.
func InvalidTaskType(taskType string, opts ...Option) *Error {
	return New(ErrCodeInvalidTaskType, fmt.Sprintf("invalid task type: %q", taskType), opts...)
}

// PermissionDenied is a ToolGate refusal for agentID.
func PermissionDenied(agentID, reason string, opts ...Option) *Error {
	opts = append([]Option{WithMetadata("agent", agentID)}, opts...)
	return New(ErrCodePermissionDenied, "permission denied for "+agentID+": "+reason, opts...)
}

func HandlerFailed(cause error, opts ...Option) *Error {
	return New(ErrCodeHandlerFailed, "handler failed", append(opts, WithCause(cause))...)
}

func InvalidInput(message string, opts ...Option) *Error {
	return New(ErrCodeInvalidInput, message, opts...)
}

func NotFound(message string, opts ...Option) *Error {
	return New(ErrCodeNotFound, message, opts...)
}

func Conflict(message string, opts ...Option) *Error {
	return New(ErrCodeConflict, message, opts...)
}

func Internal(message string, opts ...Option) *Error {
	return New(ErrCodeInternal, message, opts...)
}
