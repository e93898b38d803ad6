// Package errors is the orchestrator's failure taxonomy. Every error is
// classified by code into transient, permanent, resource or internal, and
// the category drives HTTP status mapping. The task engine asks a narrower
// question through IsFatal: only an unknown type, a permission denial, a
// rejected approval or an error built WithRetryable(false) end a task on
// the first attempt. Everything else is retried until the budget runs out.
//
//	err := errors.InvalidTaskType("foo")
//	if errors.IsFatal(err) {
//	    // fail without retrying
//	}
package errors
