// Package tasks runs orchestrator tasks one at a time with idempotent
// execution records, bounded retries and an approval checkpoint.
//
// # Basic Usage
//
// Build an engine over a state store and a handler table:
//
//	store := state.Open("state.json", state.DefaultLimits(), logger)
//	eng := tasks.NewEngine(store, tasks.HandlerTable{
//	    Heartbeat: func(ctx context.Context, t state.Task) error { ... },
//	}, tasks.WithApprovalGate(gate), tasks.WithToolGate(tg))
//
//	go eng.Run(ctx)
//	task, err := eng.Enqueue("heartbeat", nil)
//
// # Idempotency
//
// Every task carries an idempotency key (its id unless set with
// WithIdempotencyKey). The execution record for a key is consulted before
// any work: once it reaches success the key is never handled again, so
// enqueueing the same key twice runs the handler once.
//
// # Retries
//
// A retryable failure with attempt <= maxRetries schedules attempt+1 after
// the retry backoff. Scheduled retries are written to the snapshot and
// restored when a new engine opens the same store. Fatal errors (an
// unknown task type, a permission denial, a rejected approval, or an error
// built WithRetryable(false)) fail the task immediately; every other
// handler error is retried.
//
// # Task Lifecycle
//
//	pending → running → success
//	             ↓
//	          retrying → running ...
//	             ↓
//	           failed
//
// A task parked for approval stays pending until an operator decides.
//
// # Thread Safety
//
// Enqueue is safe for concurrent use. Handling happens on the single
// goroutine that calls Run (or Drain).
//
// Handlers must return promptly once their ctx is done. The engine does
// not wait past HandlerTimeout: a handler that ignores ctx is abandoned,
// keeps running beside the next task, and is reported through
// Stats().Abandoned and a warning log until it returns.
package tasks
