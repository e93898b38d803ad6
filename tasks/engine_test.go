package tasks

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vinayprograms/orchestrator/alerts"
	"github.com/vinayprograms/orchestrator/approval"
	orcherr "github.com/vinayprograms/orchestrator/errors"
	"github.com/vinayprograms/orchestrator/state"
	"github.com/vinayprograms/orchestrator/toolgate"
)

var fastConfig = Config{
	MaxRetries:     2,
	RetryBackoff:   5 * time.Millisecond,
	HandlerTimeout: time.Second,
}

func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("task-%d", n.Add(1))
	}
}

func drain(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
}

func counting(calls *atomic.Int32, err error) Handler {
	return func(ctx context.Context, task state.Task) error {
		calls.Add(1)
		return err
	}
}

type denyGate struct{}

func (denyGate) CanExecuteTask(agentID, taskType string) toolgate.Decision {
	return toolgate.Decision{Reason: "not on the list"}
}

func (denyGate) ExecuteSkill(ctx context.Context, agentID, skillID string, req toolgate.SkillRequest) toolgate.SkillResult {
	return toolgate.SkillResult{Error: "denied"}
}

func TestEngineEnqueueDefaults(t *testing.T) {
	e := NewEngine(state.NewMemoryStore(), HandlerTable{}, WithIDGenerator(sequentialIDs()))

	task, err := e.Enqueue("heartbeat", nil)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if task.ID != "task-1" || task.IdempotencyKey != "task-1" {
		t.Errorf("unexpected identity: %+v", task)
	}
	if task.Attempt != 1 || task.MaxRetries != 2 {
		t.Errorf("attempt=%d maxRetries=%d", task.Attempt, task.MaxRetries)
	}
	if e.Stats().Queued != 1 {
		t.Errorf("queued = %d", e.Stats().Queued)
	}
}

func TestEngineIdempotentExecution(t *testing.T) {
	var calls atomic.Int32
	e := NewEngine(state.NewMemoryStore(), HandlerTable{Heartbeat: counting(&calls, nil)}, WithConfig(fastConfig))

	e.Enqueue("heartbeat", nil, WithIdempotencyKey("beat-1"))
	e.Enqueue("heartbeat", nil, WithIdempotencyKey("beat-1"))
	drain(t, e)

	if calls.Load() != 1 {
		t.Errorf("handler ran %d times, want 1", calls.Load())
	}
	rec, ok := e.Execution("beat-1")
	if !ok || rec.Status != state.TaskSuccess {
		t.Errorf("record = %+v, %v", rec, ok)
	}

	// A later enqueue of the same key is still a no-op.
	e.Enqueue("heartbeat", nil, WithIdempotencyKey("beat-1"))
	drain(t, e)
	if calls.Load() != 1 {
		t.Errorf("handler re-ran after success")
	}
}

func TestEngineRetryBudget(t *testing.T) {
	store := state.NewMemoryStore()
	sink := alerts.NewMemorySink()
	var calls atomic.Int32
	e := NewEngine(store, HandlerTable{Summarize: counting(&calls, errors.New("flaky"))},
		WithConfig(fastConfig),
		WithToolGate(toolgate.NewLocalGate(mustManifest(t))),
		WithAlerter(alerts.NewEscalator(1, nil, sink)),
	)

	task, _ := e.Enqueue("summarize", map[string]any{"url": "https://example.com"})
	drain(t, e)

	if calls.Load() != 3 {
		t.Fatalf("handler ran %d times, want 1 + maxRetries = 3", calls.Load())
	}
	rec, _ := e.Execution(task.IdempotencyKey)
	if rec.Status != state.TaskFailed || rec.Attempt != 3 || !strings.Contains(rec.LastError, "flaky") {
		t.Errorf("unexpected record: %+v", rec)
	}

	errorsSeen := 0
	for _, h := range e.History() {
		if h.Result == state.ResultError {
			errorsSeen++
		}
	}
	if errorsSeen != 3 {
		t.Errorf("history errors = %d, want 3", errorsSeen)
	}

	store.View(func(st *state.OrchestratorState) {
		if len(st.PendingRetries) != 0 {
			t.Errorf("pending retries left: %d", len(st.PendingRetries))
		}
		if st.FailureCounts["summarize"] != 3 || st.Counters.TasksFailed != 1 {
			t.Errorf("failureCounts=%v tasksFailed=%d", st.FailureCounts, st.Counters.TasksFailed)
		}
	})

	got := sink.Alerts()
	if len(got) != 3 || got[2].Count != 3 {
		t.Errorf("alerts = %+v", got)
	}
}

func TestEngineRetryThenSuccess(t *testing.T) {
	store := state.NewMemoryStore()
	var calls atomic.Int32
	h := func(ctx context.Context, task state.Task) error {
		if calls.Add(1) == 1 {
			return errors.New("first try fails")
		}
		return nil
	}
	e := NewEngine(store, HandlerTable{Heartbeat: h}, WithConfig(fastConfig))

	task, _ := e.Enqueue("heartbeat", nil)
	drain(t, e)

	rec, _ := e.Execution(task.IdempotencyKey)
	if rec.Status != state.TaskSuccess || rec.LastError != "" || rec.Attempt != 2 {
		t.Errorf("unexpected record: %+v", rec)
	}
	store.View(func(st *state.OrchestratorState) {
		if st.FailureCounts["heartbeat"] != 0 {
			t.Errorf("failure count should reset on success, got %d", st.FailureCounts["heartbeat"])
		}
		if st.Counters.TasksProcessed != 1 {
			t.Errorf("tasksProcessed = %d", st.Counters.TasksProcessed)
		}
	})
}

func TestEngineHandlerInputErrorRetried(t *testing.T) {
	var calls atomic.Int32
	e := NewEngine(state.NewMemoryStore(),
		HandlerTable{Heartbeat: counting(&calls, orcherr.InvalidInput("bad payload"))},
		WithConfig(fastConfig))

	task, _ := e.Enqueue("heartbeat", nil)
	drain(t, e)

	if got := calls.Load(); got != int32(fastConfig.MaxRetries+1) {
		t.Errorf("handler called %d times, want %d", got, fastConfig.MaxRetries+1)
	}
	if rec, _ := e.Execution(task.IdempotencyKey); rec.Status != state.TaskFailed {
		t.Errorf("status = %q", rec.Status)
	}
}

func TestEngineNonRetryableErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	e := NewEngine(state.NewMemoryStore(),
		HandlerTable{Heartbeat: counting(&calls, orcherr.InvalidInput("bad event", orcherr.WithRetryable(false)))},
		WithConfig(fastConfig))

	task, _ := e.Enqueue("heartbeat", nil)
	drain(t, e)

	if calls.Load() != 1 {
		t.Errorf("non-retryable error retried: %d calls", calls.Load())
	}
	if rec, _ := e.Execution(task.IdempotencyKey); rec.Status != state.TaskFailed {
		t.Errorf("status = %q", rec.Status)
	}
}

func TestEngineInvalidTaskType(t *testing.T) {
	e := NewEngine(state.NewMemoryStore(), HandlerTable{}, WithConfig(fastConfig))

	task, err := e.Enqueue("format-disk", nil)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	drain(t, e)

	rec, _ := e.Execution(task.IdempotencyKey)
	if rec.Status != state.TaskFailed || !strings.Contains(rec.LastError, "invalid task type") {
		t.Errorf("unexpected record: %+v", rec)
	}
	if rec.Attempt != 1 {
		t.Errorf("invalid type must not retry, attempt=%d", rec.Attempt)
	}
}

func TestEngineMissingHandlerFailsClosed(t *testing.T) {
	e := NewEngine(state.NewMemoryStore(), HandlerTable{}, WithConfig(fastConfig))

	task, _ := e.Enqueue("heartbeat", nil)
	drain(t, e)

	if rec, _ := e.Execution(task.IdempotencyKey); rec.Status != state.TaskFailed {
		t.Errorf("status = %q", rec.Status)
	}
}

func TestEnginePermissionDenied(t *testing.T) {
	var calls atomic.Int32
	e := NewEngine(state.NewMemoryStore(), HandlerTable{DocSync: counting(&calls, nil)},
		WithConfig(fastConfig), WithToolGate(denyGate{}))

	task, _ := e.Enqueue("doc-sync", nil)
	drain(t, e)

	if calls.Load() != 0 {
		t.Error("handler must not run when permission is denied")
	}
	rec, _ := e.Execution(task.IdempotencyKey)
	if rec.Status != state.TaskFailed || !strings.Contains(rec.LastError, "permission denied") || rec.Attempt != 1 {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func TestEnginePermissionWithoutToolGate(t *testing.T) {
	var calls atomic.Int32
	e := NewEngine(state.NewMemoryStore(), HandlerTable{DocSync: counting(&calls, nil)}, WithConfig(fastConfig))

	e.Enqueue("doc-sync", nil)
	drain(t, e)

	if calls.Load() != 0 {
		t.Error("permissioned kinds need a tool gate")
	}
}

func TestEnginePermissionGranted(t *testing.T) {
	var calls atomic.Int32
	e := NewEngine(state.NewMemoryStore(), HandlerTable{DocSync: counting(&calls, nil)},
		WithConfig(fastConfig), WithToolGate(toolgate.NewLocalGate(mustManifest(t))))

	task, _ := e.Enqueue("doc-sync", nil)
	drain(t, e)

	if calls.Load() != 1 {
		t.Errorf("handler calls = %d", calls.Load())
	}
	if rec, _ := e.Execution(task.IdempotencyKey); rec.Status != state.TaskSuccess {
		t.Errorf("status = %q", rec.Status)
	}
}

func mustManifest(t *testing.T) *toolgate.Manifest {
	t.Helper()
	m, err := toolgate.ParseManifest(`
[agents.doc-specialist]
allowed_tasks = ["doc-sync"]
skills = ["documentParser"]

[agents.reddit-helper]
allowed_tasks = ["reddit-response"]
skills = ["draftReply"]

[agents.summarizer]
allowed_tasks = ["summarize"]
skills = ["summarize"]
`)
	if err != nil {
		t.Fatalf("ParseManifest failed: %v", err)
	}
	return m
}

func TestEngineApprovalSuspensionAndReplay(t *testing.T) {
	store := state.NewMemoryStore()
	gate := approval.NewGate(nil)

	var (
		mu   sync.Mutex
		seen []state.Task
	)
	h := func(ctx context.Context, task state.Task) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, task)
		return nil
	}
	e := NewEngine(store, HandlerTable{RedditResponse: h},
		WithConfig(fastConfig),
		WithApprovalGate(gate),
		WithToolGate(toolgate.NewLocalGate(mustManifest(t))),
	)

	orig, _ := e.Enqueue("reddit-response", map[string]any{"itemId": "p1"})
	drain(t, e)

	if len(seen) != 0 {
		t.Fatal("handler must not run before approval")
	}
	rec, _ := e.Execution(orig.IdempotencyKey)
	if rec.Status != state.TaskPending {
		t.Errorf("parked status = %q, want pending", rec.Status)
	}
	hist := e.History()
	if len(hist) != 1 || hist[0].Result != state.ResultOK || hist[0].Message == "" {
		t.Errorf("parked history = %+v", hist)
	}

	// Re-handling the parked task does not create a second request.
	e.Enqueue("reddit-response", map[string]any{"itemId": "p1"}, WithIdempotencyKey(orig.IdempotencyKey))
	drain(t, e)

	svc := approval.NewService(gate, store, e, nil)
	if got := svc.List(state.ApprovalPending); len(got) != 1 {
		t.Fatalf("pending approvals = %d, want 1", len(got))
	}

	if _, err := svc.Decide(orig.ID, state.ApprovalApproved, "ops", ""); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	drain(t, e)

	if len(seen) != 1 {
		t.Fatalf("handler ran %d times after approval, want 1", len(seen))
	}
	replay := seen[0]
	if replay.ApprovedFromTaskID != orig.ID || replay.IdempotencyKey == orig.IdempotencyKey {
		t.Errorf("replay identity wrong: %+v", replay)
	}
	if replay.Payload["itemId"] != "p1" {
		t.Errorf("replay payload = %v", replay.Payload)
	}
	if rec, _ := e.Execution(replay.IdempotencyKey); rec.Status != state.TaskSuccess {
		t.Errorf("replay status = %q", rec.Status)
	}

	// A second replay of the same approval is parked, not run.
	e.EnqueueApproved("reddit-response", nil, orig.ID)
	drain(t, e)
	if len(seen) != 1 {
		t.Error("an approval must authorize one execution")
	}
}

func TestEngineApprovalRejected(t *testing.T) {
	store := state.NewMemoryStore()
	gate := approval.NewGate(nil)
	var calls atomic.Int32
	e := NewEngine(store, HandlerTable{RedditResponse: counting(&calls, nil)},
		WithConfig(fastConfig),
		WithApprovalGate(gate),
		WithToolGate(toolgate.NewLocalGate(mustManifest(t))),
	)

	orig, _ := e.Enqueue("reddit-response", nil)
	drain(t, e)

	svc := approval.NewService(gate, store, e, nil)
	if _, err := svc.Decide(orig.ID, state.ApprovalRejected, "ops", "no"); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if rec, _ := e.Execution(orig.IdempotencyKey); rec.Status != state.TaskFailed {
		t.Errorf("rejected task status = %q", rec.Status)
	}

	replay, _ := e.EnqueueApproved("reddit-response", nil, orig.ID)
	drain(t, e)

	if calls.Load() != 0 {
		t.Error("handler must not run for a rejected approval")
	}
	rec, _ := e.Execution(replay.IdempotencyKey)
	if rec.Status != state.TaskFailed || rec.Attempt != 1 {
		t.Errorf("replay of rejected approval: %+v", rec)
	}
}

func TestEnginePanicRecovered(t *testing.T) {
	var calls atomic.Int32
	h := func(ctx context.Context, task state.Task) error {
		if calls.Add(1) == 1 {
			panic("nil map")
		}
		return nil
	}
	e := NewEngine(state.NewMemoryStore(), HandlerTable{Heartbeat: h}, WithConfig(fastConfig))

	task, _ := e.Enqueue("heartbeat", nil)
	drain(t, e)

	if calls.Load() != 2 {
		t.Errorf("panic should be retried, calls = %d", calls.Load())
	}
	if rec, _ := e.Execution(task.IdempotencyKey); rec.Status != state.TaskSuccess {
		t.Errorf("status = %q", rec.Status)
	}
}

func TestEngineHandlerTimeout(t *testing.T) {
	h := func(ctx context.Context, task state.Task) error {
		<-ctx.Done()
		return ctx.Err()
	}
	cfg := fastConfig
	cfg.HandlerTimeout = 20 * time.Millisecond
	e := NewEngine(state.NewMemoryStore(), HandlerTable{Heartbeat: h}, WithConfig(cfg))

	task, _ := e.Enqueue("heartbeat", nil, WithMaxRetries(0))
	drain(t, e)

	rec, _ := e.Execution(task.IdempotencyKey)
	if rec.Status != state.TaskFailed {
		t.Errorf("status = %q", rec.Status)
	}
}

func TestEngineHandlerIgnoringContextIsAbandoned(t *testing.T) {
	release := make(chan struct{})
	h := func(ctx context.Context, task state.Task) error {
		<-release
		return nil
	}
	cfg := fastConfig
	cfg.HandlerTimeout = 20 * time.Millisecond
	e := NewEngine(state.NewMemoryStore(), HandlerTable{Heartbeat: h}, WithConfig(cfg))

	task, _ := e.Enqueue("heartbeat", nil, WithMaxRetries(0))
	drain(t, e)

	rec, _ := e.Execution(task.IdempotencyKey)
	if rec.Status != state.TaskFailed || !strings.Contains(rec.LastError, "exceeded") {
		t.Errorf("unexpected record: %+v", rec)
	}
	if got := e.Stats().Abandoned; got != 1 {
		t.Errorf("Abandoned = %d, want 1", got)
	}

	release <- struct{}{}
	deadline := time.Now().Add(time.Second)
	for e.Stats().Abandoned != 0 {
		if time.Now().After(deadline) {
			t.Fatal("abandoned handler never accounted as returned")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEngineRetryPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store := state.Open(path, state.DefaultLimits(), nil)

	cfg := fastConfig
	cfg.RetryBackoff = time.Hour
	e := NewEngine(store, HandlerTable{Heartbeat: counting(new(atomic.Int32), errors.New("down"))}, WithConfig(cfg))
	task, _ := e.Enqueue("heartbeat", nil)

	ctx := context.Background()
	next, ok := e.queue.Next(ctx)
	if !ok {
		t.Fatal("expected a task")
	}
	e.process(ctx, next)

	if e.Stats().Delayed != 1 {
		t.Fatalf("delayed = %d, want 1", e.Stats().Delayed)
	}

	reopened := state.Open(path, state.DefaultLimits(), nil)
	e2 := NewEngine(reopened, HandlerTable{}, WithConfig(cfg))
	if e2.Stats().Delayed != 1 {
		t.Fatalf("restored delayed = %d, want 1", e2.Stats().Delayed)
	}
	reopened.View(func(st *state.OrchestratorState) {
		r := st.PendingRetries[0]
		if r.Task.IdempotencyKey != task.IdempotencyKey || r.Task.Attempt != 2 {
			t.Errorf("persisted retry = %+v", r.Task)
		}
		if st.TaskExecutions[task.IdempotencyKey].Status != state.TaskRetrying {
			t.Errorf("status = %q", st.TaskExecutions[task.IdempotencyKey].Status)
		}
	})
}

func TestEngineRunStopsOnCancel(t *testing.T) {
	var calls atomic.Int32
	e := NewEngine(state.NewMemoryStore(), HandlerTable{Heartbeat: counting(&calls, nil)}, WithConfig(fastConfig))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	e.Enqueue("heartbeat", nil)
	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if calls.Load() != 1 {
		t.Fatal("task was not handled")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestEngineClosed(t *testing.T) {
	e := NewEngine(state.NewMemoryStore(), HandlerTable{})
	e.Close()
	if _, err := e.Enqueue("heartbeat", nil); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("expected ErrEngineClosed, got %v", err)
	}
}

func TestHandlerTableResolve(t *testing.T) {
	noop := func(ctx context.Context, task state.Task) error { return nil }
	table := HandlerTable{Startup: noop}

	if _, err := table.Resolve("startup"); err != nil {
		t.Errorf("startup should resolve: %v", err)
	}
	if _, err := table.Resolve("heartbeat"); !orcherr.Is(err, orcherr.ErrCodeInvalidTaskType) {
		t.Errorf("nil handler should fail closed, got %v", err)
	}
	if _, err := table.Resolve("rm -rf"); !orcherr.Is(err, orcherr.ErrCodeInvalidTaskType) {
		t.Errorf("unknown type should fail closed, got %v", err)
	}
}

func TestKindPermissions(t *testing.T) {
	for _, k := range Kinds() {
		if _, ok := ParseKind(k.String()); !ok {
			t.Errorf("ParseKind(%q) failed", k)
		}
	}
	if p, ok := KindDocSync.Permission(); !ok || p.AgentID != "doc-specialist" || p.SkillID != "documentParser" {
		t.Errorf("doc-sync permission = %+v", p)
	}
	if _, ok := KindHeartbeat.Permission(); ok {
		t.Error("heartbeat needs no permission")
	}
}
