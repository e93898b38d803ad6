package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/orchestrator/alerts"
	"github.com/vinayprograms/orchestrator/approval"
	orcherr "github.com/vinayprograms/orchestrator/errors"
	"github.com/vinayprograms/orchestrator/logging"
	"github.com/vinayprograms/orchestrator/state"
	"github.com/vinayprograms/orchestrator/telemetry"
	"github.com/vinayprograms/orchestrator/toolgate"
)

// Config holds engine tuning.
type Config struct {
	// MaxRetries is the retry budget for tasks enqueued without one.
	MaxRetries int `toml:"max_retries"`

	// RetryBackoff is the delay before a retried attempt becomes ready.
	RetryBackoff time.Duration `toml:"retry_backoff"`

	// HandlerTimeout is the hard wall-clock limit per attempt.
	HandlerTimeout time.Duration `toml:"handler_timeout"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     2,
		RetryBackoff:   500 * time.Millisecond,
		HandlerTimeout: 5 * time.Minute,
	}
}

// ApprovalGate decides whether a task may run. It is called inside a
// store update and must not block.
type ApprovalGate interface {
	AssertApprovalIfRequired(task state.Task, st *state.OrchestratorState) approval.Decision
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Queued  int  `json:"queued"`
	Delayed int  `json:"delayed"`
	Running bool `json:"running"`

	// Abandoned counts handlers that overran their timeout without
	// returning and are still running in the background.
	Abandoned int64 `json:"abandoned"`
}

// Engine is the task execution core.
type Engine struct {
	cfg      Config
	store    *state.Store
	queue    *Queue
	handlers HandlerTable
	gate     ApprovalGate
	tools    toolgate.Gate
	alerter  alerts.Notifier
	logger   *logging.Logger
	tracer   *telemetry.Tracer
	idGen    func() string
	nowFn    func() time.Time

	running   atomic.Bool
	closed    atomic.Bool
	abandoned atomic.Int64
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig sets retry and timeout tuning. Zero fields keep defaults.
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		if cfg.MaxRetries > 0 {
			e.cfg.MaxRetries = cfg.MaxRetries
		}
		if cfg.RetryBackoff > 0 {
			e.cfg.RetryBackoff = cfg.RetryBackoff
		}
		if cfg.HandlerTimeout > 0 {
			e.cfg.HandlerTimeout = cfg.HandlerTimeout
		}
	}
}

// WithApprovalGate sets the approval checkpoint. Without one every task
// is allowed.
func WithApprovalGate(g ApprovalGate) Option {
	return func(e *Engine) {
		e.gate = g
	}
}

// WithToolGate sets the permission collaborator. Without one, kinds that
// need a spawned-agent permission are denied.
func WithToolGate(g toolgate.Gate) Option {
	return func(e *Engine) {
		e.tools = g
	}
}

// WithAlerter sets where failure alerts go.
func WithAlerter(n alerts.Notifier) Option {
	return func(e *Engine) {
		e.alerter = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithTracer sets the tracer used for task spans.
func WithTracer(t *telemetry.Tracer) Option {
	return func(e *Engine) {
		e.tracer = t
	}
}

// WithIDGenerator sets a custom ID generator function.
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) {
		e.idGen = gen
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.nowFn = now
	}
}

// NewEngine creates an engine and restores any retries persisted in the
// store.
func NewEngine(store *state.Store, handlers HandlerTable, opts ...Option) *Engine {
	e := &Engine{
		cfg:      DefaultConfig(),
		store:    store,
		queue:    NewQueue(),
		handlers: handlers,
		logger:   logging.Nop(),
		tracer:   telemetry.GetTracer(),
		idGen:    uuid.NewString,
		nowFn:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.WithComponent("tasks")
	e.queue.nowFn = e.nowFn
	e.restoreRetries()
	return e
}

// EnqueueOption adjusts a task before it is queued.
type EnqueueOption func(*state.Task)

// WithIdempotencyKey sets the deduplication key. Defaults to the task id.
func WithIdempotencyKey(key string) EnqueueOption {
	return func(t *state.Task) {
		t.IdempotencyKey = key
	}
}

// WithMaxRetries overrides the retry budget for one task.
func WithMaxRetries(n int) EnqueueOption {
	return func(t *state.Task) {
		t.MaxRetries = n
	}
}

// WithApprovedFrom marks the task as the replay of an approved request.
func WithApprovedFrom(taskID string) EnqueueOption {
	return func(t *state.Task) {
		t.ApprovedFromTaskID = taskID
	}
}

// Enqueue appends a task and returns immediately. The type is not
// validated here; an unknown type fails when the task is handled.
func (e *Engine) Enqueue(taskType string, payload map[string]any, opts ...EnqueueOption) (state.Task, error) {
	if e.closed.Load() {
		return state.Task{}, ErrEngineClosed
	}

	t := state.Task{
		ID:         e.idGen(),
		Type:       taskType,
		Payload:    payload,
		CreatedAt:  e.nowFn().UTC(),
		Attempt:    1,
		MaxRetries: e.cfg.MaxRetries,
	}
	for _, opt := range opts {
		opt(&t)
	}
	if t.IdempotencyKey == "" {
		t.IdempotencyKey = t.ID
	}
	if t.MaxRetries < 0 {
		t.MaxRetries = 0
	}

	e.queue.Push(t)
	e.logger.Debug("task enqueued", map[string]interface{}{
		"task_id":   t.ID,
		"task_type": t.Type,
		"key":       t.IdempotencyKey,
	})
	return t, nil
}

// EnqueueApproved replays an approved task with a fresh id and key.
func (e *Engine) EnqueueApproved(taskType string, payload map[string]any, approvedFromTaskID string) (state.Task, error) {
	return e.Enqueue(taskType, payload, WithApprovedFrom(approvedFromTaskID))
}

// Run handles tasks until ctx is cancelled. The task in flight when ctx
// is cancelled runs to completion (bounded by the handler timeout).
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer e.running.Store(false)

	e.logger.Info("task engine started")
	base := context.WithoutCancel(ctx)
	for {
		task, ok := e.queue.Next(ctx)
		if !ok {
			e.logger.Info("task engine stopped")
			return nil
		}
		e.process(base, task)
	}
}

// Drain handles tasks until both the FIFO and the delayed retries are
// empty, or ctx is done.
func (e *Engine) Drain(ctx context.Context) error {
	base := context.WithoutCancel(ctx)
	for {
		if e.queue.Len() == 0 && e.queue.Delayed() == 0 {
			return nil
		}
		task, ok := e.queue.Next(ctx)
		if !ok {
			return ctx.Err()
		}
		e.process(base, task)
	}
}

// Close stops accepting new tasks.
func (e *Engine) Close() {
	e.closed.Store(true)
}

// Stats reports queue depth.
func (e *Engine) Stats() Stats {
	return Stats{
		Queued:  e.queue.Len(),
		Delayed: e.queue.Delayed(),
		Running:   e.running.Load(),
		Abandoned: e.abandoned.Load(),
	}
}

// Execution returns a copy of the execution record for a key.
func (e *Engine) Execution(key string) (state.TaskExecutionRecord, bool) {
	var (
		rec   state.TaskExecutionRecord
		found bool
	)
	e.store.View(func(st *state.OrchestratorState) {
		if r, ok := st.TaskExecutions[key]; ok {
			rec, found = *r, true
		}
	})
	return rec, found
}

// History returns the retained history, oldest first.
func (e *Engine) History() []state.TaskHistoryEntry {
	var out []state.TaskHistoryEntry
	e.store.View(func(st *state.OrchestratorState) {
		out = append(out, st.TaskHistory...)
	})
	return out
}

func (e *Engine) restoreRetries() {
	var pending []state.RetryDescriptor
	e.store.View(func(st *state.OrchestratorState) {
		pending = append(pending, st.PendingRetries...)
	})
	for _, d := range pending {
		e.queue.Schedule(d)
	}
	if len(pending) > 0 {
		e.logger.Info("restored scheduled retries", map[string]interface{}{"count": len(pending)})
	}
}

// admission is the outcome of the pre-handler checks.
type admission int

const (
	admitRun admission = iota
	admitSkip
	admitPark
	admitReject
)

func (e *Engine) process(ctx context.Context, task state.Task) {
	ctx, span := e.tracer.StartTaskSpan(ctx, task.ID, task.Type, task.Attempt)
	spanOpts := telemetry.TaskSpanOptions{}
	var spanErr error
	defer func() { e.tracer.EndTaskSpan(span, spanOpts, spanErr) }()
	log := e.logger
	if sc := span.SpanContext(); sc.IsValid() {
		log = log.WithTraceID(sc.TraceID().String())
	}
	if e.tracer.Debug() {
		if b, err := json.Marshal(task.Payload); err == nil {
			spanOpts.Payload = string(b)
		}
	}

	adm, reason := e.admit(task)
	switch adm {
	case admitSkip:
		spanOpts.Outcome = "skipped"
		log.Info("task already succeeded, skipping", map[string]interface{}{
			"task_id": task.ID,
			"key":     task.IdempotencyKey,
		})
		return
	case admitPark:
		spanOpts.Outcome = "parked"
		log.TaskParked(task.ID, task.Type, reason)
		return
	case admitReject:
		spanErr = orcherr.New(orcherr.ErrCodeApprovalRejected, reason, orcherr.WithTask(task.ID, task.Type))
		spanOpts.Outcome = e.fail(ctx, log, task, spanErr)
		spanOpts.ErrorCode = string(orcherr.ErrCodeApprovalRejected)
		return
	}

	log.TaskStart(task.ID, task.Type, task.Attempt)
	start := e.nowFn()

	h, err := e.handlers.Resolve(task.Type)
	if err == nil {
		err = e.authorize(ctx, task)
	}
	if err == nil {
		err = e.invoke(ctx, h, task)
	}
	if err != nil {
		spanErr = err
		spanOpts.ErrorCode = string(orcherr.Code(err))
		spanOpts.Outcome = e.fail(ctx, log, task, err)
		return
	}

	e.succeed(task)
	spanOpts.Outcome = "success"
	log.TaskComplete(task.ID, task.Type, e.nowFn().Sub(start))
}

// admit runs the idempotency check, marks the record running and asks
// the approval gate, all in one store update.
func (e *Engine) admit(task state.Task) (admission, string) {
	adm := admitRun
	var reason string
	now := e.nowFn().UTC()

	e.store.Update(func(st *state.OrchestratorState) error {
		st.RemoveRetry(task.IdempotencyKey, task.Attempt)

		rec := st.TaskExecutions[task.IdempotencyKey]
		if rec != nil && rec.Status == state.TaskSuccess {
			adm = admitSkip
			return nil
		}
		if rec == nil {
			rec = &state.TaskExecutionRecord{
				TaskID:         task.ID,
				IdempotencyKey: task.IdempotencyKey,
				Type:           task.Type,
			}
			st.TaskExecutions[task.IdempotencyKey] = rec
		}
		rec.Status = state.TaskRunning
		rec.Attempt = task.Attempt
		rec.MaxRetries = task.MaxRetries
		rec.LastHandledAt = now

		if e.gate == nil {
			return nil
		}
		// One key, one approval request: duplicates are checked under the
		// id of the first task seen for the key.
		gated := task
		gated.ID = rec.TaskID
		d := e.gate.AssertApprovalIfRequired(gated, st)
		switch {
		case d.Rejected:
			adm, reason = admitReject, d.Reason
		case !d.Allowed:
			adm, reason = admitPark, d.Reason
			rec.Status = state.TaskPending
			st.AppendHistory(state.TaskHistoryEntry{
				ID:        task.ID,
				Type:      task.Type,
				HandledAt: now,
				Result:    state.ResultOK,
				Message:   reason,
			})
		}
		return nil
	})
	return adm, reason
}

// authorize asks the ToolGate for the kind's spawned-agent permission.
func (e *Engine) authorize(ctx context.Context, task state.Task) error {
	kind, ok := ParseKind(task.Type)
	if !ok {
		return nil
	}
	perm, needed := kind.Permission()
	if !needed {
		return nil
	}
	opts := orcherr.WithTask(task.ID, task.Type)
	if e.tools == nil {
		return orcherr.PermissionDenied(perm.AgentID, "no tool gate configured", opts)
	}
	if d := e.tools.CanExecuteTask(perm.AgentID, task.Type); !d.Allowed {
		return orcherr.PermissionDenied(perm.AgentID, d.Reason, opts)
	}
	res := e.tools.ExecuteSkill(ctx, perm.AgentID, perm.SkillID, toolgate.SkillRequest{
		Mode:     toolgate.ModePreflight,
		TaskType: task.Type,
	})
	if !res.Success {
		return orcherr.PermissionDenied(perm.AgentID, fmt.Sprintf("skill %s preflight failed: %s", perm.SkillID, res.Error), opts)
	}
	return nil
}

// invoke runs the handler under the hard timeout and converts panics into
// PANIC errors. Handlers must return once ctx is done. One that does not
// is abandoned at the deadline: it is counted in Stats.Abandoned and
// logged until it finally returns, and its late result is discarded.
func (e *Engine) invoke(ctx context.Context, h Handler, task state.Task) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.HandlerTimeout)
	defer cancel()

	const (
		phaseRunning int32 = iota
		phaseReturned
		phaseAbandoned
	)
	var phase atomic.Int32
	done := make(chan error, 1)
	go func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = orcherr.RecoverPanic(r)
			}
			if !phase.CompareAndSwap(phaseRunning, phaseReturned) {
				e.abandoned.Add(-1)
				e.logger.Warn("abandoned handler returned", map[string]interface{}{
					"task_id":   task.ID,
					"task_type": task.Type,
				})
			}
			done <- err
		}()
		err = h(ctx, task)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		if phase.CompareAndSwap(phaseRunning, phaseAbandoned) {
			n := e.abandoned.Add(1)
			e.logger.Warn("handler ignored its deadline, abandoning it", map[string]interface{}{
				"task_id":   task.ID,
				"task_type": task.Type,
				"abandoned": n,
			})
			return orcherr.New(orcherr.ErrCodeTimeout,
				fmt.Sprintf("handler %s exceeded %s", task.Type, e.cfg.HandlerTimeout),
				orcherr.WithCause(ctx.Err()), orcherr.WithTask(task.ID, task.Type))
		}
		err = <-done
	}

	if err == nil {
		return nil
	}
	if orcherr.As(err) == nil && ctx.Err() != nil {
		return orcherr.Wrap(ctx.Err(), fmt.Sprintf("handler %s: %v", task.Type, err), orcherr.WithTask(task.ID, task.Type))
	}
	return orcherr.Wrap(err, fmt.Sprintf("handler %s failed", task.Type), orcherr.WithTask(task.ID, task.Type))
}

func (e *Engine) succeed(task state.Task) {
	now := e.nowFn().UTC()
	e.store.Update(func(st *state.OrchestratorState) error {
		if rec := st.TaskExecutions[task.IdempotencyKey]; rec != nil {
			rec.Status = state.TaskSuccess
			rec.LastError = ""
			rec.LastHandledAt = now
		}
		st.AppendHistory(state.TaskHistoryEntry{
			ID:        task.ID,
			Type:      task.Type,
			HandledAt: now,
			Result:    state.ResultOK,
		})
		delete(st.FailureCounts, task.Type)
		st.LastRuns[task.Type] = now
		st.Counters.TasksProcessed++
		return nil
	})
}

// fail records a failed attempt, schedules a retry when the error and the
// budget allow it, and notifies the alerter. It returns the outcome name.
func (e *Engine) fail(ctx context.Context, log *logging.Logger, task state.Task, cause error) string {
	now := e.nowFn().UTC()
	retry := !orcherr.IsFatal(cause) && task.Attempt <= task.MaxRetries

	var (
		desc  state.RetryDescriptor
		count int
	)
	e.store.Update(func(st *state.OrchestratorState) error {
		rec := st.TaskExecutions[task.IdempotencyKey]
		if rec == nil {
			rec = &state.TaskExecutionRecord{TaskID: task.ID, IdempotencyKey: task.IdempotencyKey, Type: task.Type}
			st.TaskExecutions[task.IdempotencyKey] = rec
		}
		rec.LastError = cause.Error()
		rec.LastHandledAt = now
		rec.Attempt = task.Attempt
		rec.MaxRetries = task.MaxRetries

		if retry {
			rec.Status = state.TaskRetrying
			next := task
			next.Payload = maps.Clone(task.Payload)
			next.Attempt = task.Attempt + 1
			desc = state.RetryDescriptor{Task: next, NotBefore: now.Add(e.cfg.RetryBackoff)}
			st.PendingRetries = append(st.PendingRetries, desc)
		} else {
			rec.Status = state.TaskFailed
			st.Counters.TasksFailed++
		}

		st.AppendHistory(state.TaskHistoryEntry{
			ID:        task.ID,
			Type:      task.Type,
			HandledAt: now,
			Result:    state.ResultError,
			Message:   cause.Error(),
		})
		st.FailureCounts[task.Type]++
		count = st.FailureCounts[task.Type]
		return nil
	})

	if retry {
		e.queue.Schedule(desc)
	}
	log.TaskFailed(task.ID, task.Type, task.Attempt, cause, retry)

	if e.alerter != nil {
		e.alerter.Notify(ctx, alerts.Alert{
			Kind:    alerts.KindTaskFailed,
			Subject: task.Type,
			ID:      task.ID,
			Count:   count,
			Error:   cause.Error(),
			At:      now,
		})
	}

	if retry {
		return string(state.TaskRetrying)
	}
	return string(state.TaskFailed)
}

var _ approval.Enqueuer = (*Engine)(nil)
