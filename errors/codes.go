package errors

// ErrorCategory groups codes by how the engine reacts to them.
type ErrorCategory string

const (
	CategoryTransient ErrorCategory = "transient"
	CategoryPermanent ErrorCategory = "permanent"
	CategoryResource  ErrorCategory = "resource"
	CategoryInternal  ErrorCategory = "internal"
)

// Retryable reports whether a failure of this category is worth another
// attempt. Internal failures (recovered panics included) are retried
// within the task's budget.
func (c ErrorCategory) Retryable() bool {
	return c != CategoryPermanent
}

// ErrorCode names a specific failure.
type ErrorCode string

const (
	ErrCodeTimeout       ErrorCode = "TIMEOUT"
	ErrCodeUnavailable   ErrorCode = "UNAVAILABLE"
	ErrCodeNetworkErr    ErrorCode = "NETWORK_ERR"
	ErrCodeHandlerFailed ErrorCode = "HANDLER_FAILED"
	ErrCodeAgentFailed   ErrorCode = "AGENT_FAILED"

	ErrCodeInvalidTaskType  ErrorCode = "INVALID_TASK_TYPE"
	ErrCodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	ErrCodeApprovalRejected ErrorCode = "APPROVAL_REJECTED"
	ErrCodeRejected         ErrorCode = "REJECTED" // remote answered 4xx
	ErrCodeInvalidInput     ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrCodeConflict         ErrorCode = "CONFLICT"
	ErrCodeCanceled         ErrorCode = "CANCELED"

	ErrCodeQuotaExceeded ErrorCode = "QUOTA_EXCEEDED"

	ErrCodeInternal ErrorCode = "INTERNAL"
	ErrCodePanic    ErrorCode = "PANIC"
)

var codeCategories = map[ErrorCode]ErrorCategory{
	ErrCodeTimeout:          CategoryTransient,
	ErrCodeUnavailable:      CategoryTransient,
	ErrCodeNetworkErr:       CategoryTransient,
	ErrCodeHandlerFailed:    CategoryTransient,
	ErrCodeAgentFailed:      CategoryTransient,
	ErrCodeInvalidTaskType:  CategoryPermanent,
	ErrCodePermissionDenied: CategoryPermanent,
	ErrCodeApprovalRejected: CategoryPermanent,
	ErrCodeRejected:         CategoryPermanent,
	ErrCodeInvalidInput:     CategoryPermanent,
	ErrCodeNotFound:         CategoryPermanent,
	ErrCodeConflict:         CategoryPermanent,
	ErrCodeCanceled:         CategoryPermanent,
	ErrCodeQuotaExceeded:    CategoryResource,
}

// Category returns the category a code belongs to. Unknown codes are
// internal.
func (c ErrorCode) Category() ErrorCategory {
	if cat, ok := codeCategories[c]; ok {
		return cat
	}
	return CategoryInternal
}
