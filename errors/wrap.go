package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap adds message to err. A wrapped *Error keeps its code, task and
// metadata; context deadlines become TIMEOUT, cancellations CANCELED, and
// any other error HANDLER_FAILED. Wrap(nil) is nil.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	if inner := As(err); inner != nil {
		e := &Error{
			code:     inner.code,
			message:  message,
			cause:    err,
			metadata: inner.Metadata(),
			retry:    inner.retry,
			taskID:   inner.taskID,
			taskType: inner.taskType,
		}
		for _, opt := range opts {
			opt(e)
		}
		return e
	}

	code := ErrCodeHandlerFailed
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = ErrCodeTimeout
	case errors.Is(err, context.Canceled):
		code = ErrCodeCanceled
	}
	return New(code, message, append(opts, WithCause(err))...)
}

// WrapWithCode wraps err under an explicit code.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	return New(code, message, append(opts, WithCause(err))...)
}

// As returns the outermost *Error in err's chain, or nil.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// Is reports whether any *Error in the chain carries code.
func Is(err error, code ErrorCode) bool {
	for e := As(err); e != nil; e = As(e.cause) {
		if e.code == code {
			return true
		}
	}
	return false
}

// IsRetryable treats unstructured errors as retryable handler failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if e := As(err); e != nil {
		return e.Retryable()
	}
	return true
}

// IsFatal reports whether a task failure skips the retry budget. Only an
// unknown task type, a permission denial, a rejected approval, or an error
// built WithRetryable(false) qualify. Every other handler failure is
// retried, whatever its category.
func IsFatal(err error) bool {
	e := As(err)
	if e == nil {
		return false
	}
	if e.retry != nil {
		return !*e.retry
	}
	return Is(err, ErrCodeInvalidTaskType) || Is(err, ErrCodePermissionDenied) || Is(err, ErrCodeApprovalRejected)
}

func IsPermanent(err error) bool {
	e := As(err)
	return e != nil && e.Category() == CategoryPermanent
}

// Code returns the outermost code in the chain, or "".
func Code(err error) ErrorCode {
	if e := As(err); e != nil {
		return e.code
	}
	return ""
}

// Cause unwraps err down to its innermost error.
func Cause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

// RecoverPanic turns a value from recover() into a PANIC error.
func RecoverPanic(recovered any) *Error {
	if recovered == nil {
		return nil
	}
	msg, ok := recovered.(string)
	if !ok {
		if err, isErr := recovered.(error); isErr {
			msg = err.Error()
		} else {
			msg = fmt.Sprint(recovered)
		}
	}
	return New(ErrCodePanic, msg, WithMetadata("panic_value", fmt.Sprintf("%T", recovered)))
}
