package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vinayprograms/orchestrator/approval"
	"github.com/vinayprograms/orchestrator/milestone"
	"github.com/vinayprograms/orchestrator/state"
	"github.com/vinayprograms/orchestrator/tasks"
)

type stack struct {
	store  *state.Store
	engine *tasks.Engine
	mp     *milestone.Pipeline
	srv    *Server
}

func newStack(t *testing.T, ingestURL, token string) *stack {
	t.Helper()
	store := state.NewMemoryStore()
	gate := approval.NewGate(nil)
	noop := func(ctx context.Context, task state.Task) error { return nil }
	eng := tasks.NewEngine(store, tasks.HandlerTable{Heartbeat: noop, RedditResponse: noop},
		tasks.WithApprovalGate(gate),
		tasks.WithConfig(tasks.Config{RetryBackoff: time.Millisecond}),
	)
	mp := milestone.New(store, milestone.Config{
		IngestURL:      ingestURL,
		Secret:         "s3cret",
		RequestTimeout: time.Second,
		MaxAttempts:    3,
	})
	srv := NewServer(Deps{
		Tasks:      eng,
		Approvals:  approval.NewService(gate, store, eng, nil),
		Milestones: mp,
		Token:      token,
	})
	return &stack{store: store, engine: eng, mp: mp, srv: srv}
}

func (s *stack) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.srv.ServeHTTP(rec, req)
	return rec
}

func (s *stack) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.engine.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealthz(t *testing.T) {
	s := newStack(t, "", "")
	rec := s.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode[map[string]any](t, rec)
	if body["status"] != "ok" || body["milestoneDelivery"] != false {
		t.Errorf("body = %v", body)
	}
}

func TestEnqueueTask(t *testing.T) {
	s := newStack(t, "", "")

	rec := s.do(t, http.MethodPost, "/v1/tasks", map[string]any{"type": "heartbeat", "idempotencyKey": "beat-1"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[enqueueResponse](t, rec)
	if resp.ID == "" || resp.Type != "heartbeat" || resp.CreatedAt.IsZero() || resp.IdempotencyKey != "beat-1" {
		t.Errorf("response = %+v", resp)
	}

	s.drain(t)
	rec = s.do(t, http.MethodGet, "/v1/tasks/executions/beat-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("execution status = %d", rec.Code)
	}
	if got := decode[state.TaskExecutionRecord](t, rec); got.Status != state.TaskSuccess {
		t.Errorf("execution = %+v", got)
	}

	rec = s.do(t, http.MethodGet, "/v1/tasks/history", nil)
	if hist := decode[[]state.TaskHistoryEntry](t, rec); len(hist) != 1 || hist[0].Result != state.ResultOK {
		t.Errorf("history = %+v", hist)
	}
}

func TestEnqueueRejectsBadInput(t *testing.T) {
	s := newStack(t, "", "")

	if rec := s.do(t, http.MethodPost, "/v1/tasks", map[string]any{"type": "deploy"}); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown type status = %d", rec.Code)
	}
	if rec := s.do(t, http.MethodPost, "/v1/tasks", map[string]any{"type": "heartbeat", "maxRetries": -1}); rec.Code != http.StatusBadRequest {
		t.Errorf("negative retries status = %d", rec.Code)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	s.srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d", rec.Code)
	}
	if s.engine.Stats().Queued != 0 {
		t.Error("rejected requests must not enqueue")
	}
	if rec := s.do(t, http.MethodGet, "/v1/tasks/executions/nope", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown execution status = %d", rec.Code)
	}
}

func TestEnqueueAfterClose(t *testing.T) {
	s := newStack(t, "", "")
	s.engine.Close()
	if rec := s.do(t, http.MethodPost, "/v1/tasks", map[string]any{"type": "heartbeat"}); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestApprovalDecisionFlow(t *testing.T) {
	s := newStack(t, "", "")

	rec := s.do(t, http.MethodPost, "/v1/tasks", map[string]any{"type": "reddit-response", "payload": map[string]any{"itemId": "p1"}})
	task := decode[enqueueResponse](t, rec)
	s.drain(t)

	rec = s.do(t, http.MethodGet, "/v1/approvals?status=pending", nil)
	pending := decode[[]state.ApprovalRequest](t, rec)
	if len(pending) != 1 || pending[0].TaskID != task.ID {
		t.Fatalf("pending = %+v", pending)
	}

	if rec := s.do(t, http.MethodGet, "/v1/approvals/"+task.ID, nil); rec.Code != http.StatusOK {
		t.Errorf("get approval status = %d", rec.Code)
	}

	path := "/v1/approvals/" + task.ID + "/decision"
	if rec := s.do(t, http.MethodPost, path, map[string]any{"decision": "maybe", "actor": "ops"}); rec.Code != http.StatusBadRequest {
		t.Errorf("bad decision status = %d", rec.Code)
	}
	if rec := s.do(t, http.MethodPost, path, map[string]any{"decision": "approved"}); rec.Code != http.StatusBadRequest {
		t.Errorf("missing actor status = %d", rec.Code)
	}

	rec = s.do(t, http.MethodPost, path, map[string]any{"decision": "approved", "actor": "ops", "note": "lgtm"})
	if rec.Code != http.StatusOK {
		t.Fatalf("decision status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode[state.ApprovalRequest](t, rec); got.Status != state.ApprovalApproved || got.DecidedBy != "ops" {
		t.Errorf("decided = %+v", got)
	}
	if s.engine.Stats().Queued != 1 {
		t.Error("approval should enqueue the replay")
	}

	if rec := s.do(t, http.MethodPost, path, map[string]any{"decision": "rejected", "actor": "ops"}); rec.Code != http.StatusConflict {
		t.Errorf("second decision status = %d, want 409", rec.Code)
	}
	if rec := s.do(t, http.MethodPost, "/v1/approvals/ghost/decision", map[string]any{"decision": "approved", "actor": "ops"}); rec.Code != http.StatusNotFound {
		t.Errorf("unknown approval status = %d, want 404", rec.Code)
	}
	if rec := s.do(t, http.MethodGet, "/v1/approvals?status=bogus", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad status filter = %d", rec.Code)
	}
}

func TestMilestoneDeadLetterAndRequeue(t *testing.T) {
	ingest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ingest.Close()
	s := newStack(t, ingest.URL, "")

	key, ok := s.mp.Emit(context.Background(), state.MilestoneEvent{MilestoneID: "m1", Scope: "runtime", Claim: "up"})
	if !ok {
		t.Fatal("emit dropped event")
	}
	for i := 0; i < 3; i++ {
		s.mp.DeliverPending(context.Background())
	}

	rec := s.do(t, http.MethodGet, "/v1/milestones/dead-letter", nil)
	dead := decode[[]state.MilestoneDeliveryRecord](t, rec)
	if len(dead) != 1 || dead[0].IdempotencyKey != key || dead[0].Attempts != 3 {
		t.Fatalf("dead letters = %+v", dead)
	}

	rec = s.do(t, http.MethodGet, "/v1/milestones?status=dead-letter", nil)
	if got := decode[[]state.MilestoneDeliveryRecord](t, rec); len(got) != 1 {
		t.Errorf("filtered list = %+v", got)
	}
	if rec := s.do(t, http.MethodGet, "/v1/milestones/"+key, nil); rec.Code != http.StatusOK {
		t.Errorf("get milestone status = %d", rec.Code)
	}

	rec = s.do(t, http.MethodPost, "/v1/milestones/"+key+"/requeue", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("requeue status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode[state.MilestoneDeliveryRecord](t, rec); got.Status != state.DeliveryRetrying || got.Attempts != 0 {
		t.Errorf("requeued = %+v", got)
	}
	if rec := s.do(t, http.MethodPost, "/v1/milestones/"+key+"/requeue", nil); rec.Code != http.StatusConflict {
		t.Errorf("requeue of live record = %d, want 409", rec.Code)
	}
	if rec := s.do(t, http.MethodPost, "/v1/milestones/ghost/requeue", nil); rec.Code != http.StatusNotFound {
		t.Errorf("requeue of unknown = %d, want 404", rec.Code)
	}
	if rec := s.do(t, http.MethodPost, "/v1/milestones/deliver", nil); rec.Code != http.StatusAccepted {
		t.Errorf("deliver trigger = %d, want 202", rec.Code)
	}
}

func TestDeliverWithoutConfig(t *testing.T) {
	s := newStack(t, "", "")
	if rec := s.do(t, http.MethodPost, "/v1/milestones/deliver", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	rec := s.do(t, http.MethodGet, "/v1/milestones", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "[]\n" {
		t.Errorf("empty list = %d %q", rec.Code, rec.Body.String())
	}
}

func TestBearerAuth(t *testing.T) {
	s := newStack(t, "", "tok")

	if rec := s.do(t, http.MethodGet, "/v1/tasks/history", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/tasks/history", nil)
	req.Header.Set("Authorization", "Bearer tok")
	rec := httptest.NewRecorder()
	s.srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("valid token status = %d", rec.Code)
	}

	if rec := s.do(t, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Errorf("healthz must stay open, got %d", rec.Code)
	}
}
