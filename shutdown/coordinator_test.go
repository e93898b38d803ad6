package shutdown

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

func TestPhasesRunInOrder(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	var mu sync.Mutex
	var order []string
	record := func(name string) Func {
		return func(ctx context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	coord.Register("state", PhaseFlush, record("state"))
	coord.Register("http", PhaseIntake, record("http"))
	coord.Register("engine", PhaseWorkers, record("engine"))

	if err := coord.Shutdown(context.Background()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	want := []string{"http", "engine", "state"}
	for i, name := range want {
		if order[i] != name {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestSamePhaseRunsConcurrently(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	var running, peak atomic.Int32
	slow := func(ctx context.Context) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		running.Add(-1)
		return nil
	}
	coord.Register("a", PhaseWorkers, slow)
	coord.Register("b", PhaseWorkers, slow)

	start := time.Now()
	coord.Shutdown(context.Background())
	if peak.Load() != 2 {
		t.Errorf("expected both handlers to overlap, peak = %d", peak.Load())
	}
	if time.Since(start) > 90*time.Millisecond {
		t.Errorf("same-phase handlers ran sequentially")
	}
}

func TestHandlerErrors(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())
	boom := errors.New("boom")

	ran := false
	coord.Register("engine", PhaseWorkers, func(ctx context.Context) error { return boom })
	coord.Register("state", PhaseFlush, func(ctx context.Context) error { ran = true; return nil })

	err := coord.Shutdown(context.Background())
	if !errors.Is(err, ErrHandlerFailed) {
		t.Fatalf("expected ErrHandlerFailed, got %v", err)
	}
	if !ran {
		t.Error("later phases should still run with ContinueOnError")
	}
	failed := coord.Result().FailedHandlers()
	if len(failed) != 1 || failed[0] != "engine" {
		t.Errorf("failed handlers = %v", failed)
	}
}

func TestStopOnError(t *testing.T) {
	coord := NewCoordinator(Config{ContinueOnError: false})

	ran := false
	coord.Register("engine", PhaseWorkers, func(ctx context.Context) error { return errors.New("boom") })
	coord.Register("state", PhaseFlush, func(ctx context.Context) error { ran = true; return nil })

	coord.Shutdown(context.Background())
	if ran {
		t.Error("flush phase must not run after a failure when ContinueOnError is false")
	}
}

func TestExpiredContext(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())
	coord.Register("http", PhaseIntake, func(ctx context.Context) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := coord.Shutdown(ctx); !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestShutdownOnce(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	var calls atomic.Int32
	coord.Register("http", PhaseIntake, func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})

	coord.Shutdown(context.Background())
	coord.Shutdown(context.Background())
	if calls.Load() != 1 {
		t.Errorf("handler ran %d times", calls.Load())
	}
	if coord.Result() == nil {
		t.Error("result should be available after shutdown")
	}
}

func TestResultBeforeDone(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())
	if coord.Result() != nil {
		t.Error("expected nil result before shutdown")
	}
}

func TestHandleSignals(t *testing.T) {
	coord := NewCoordinator(Config{Timeout: time.Second, ContinueOnError: true})

	var called atomic.Bool
	coord.Register("http", PhaseIntake, func(ctx context.Context) error {
		called.Store(true)
		return nil
	})

	ctx := coord.HandleSignals(context.Background())
	syscall.Kill(syscall.Getpid(), syscall.SIGTERM)

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("signal did not cancel the context")
	}
	select {
	case <-coord.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not complete")
	}
	if !called.Load() {
		t.Error("handler was not called")
	}
}

func TestParentCancelTriggersShutdown(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())
	parent, cancel := context.WithCancel(context.Background())
	coord.HandleSignals(parent)
	cancel()

	select {
	case <-coord.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("cancelling the parent should run shutdown")
	}
}

func TestGroupByPhase(t *testing.T) {
	if groupByPhase(nil) != nil {
		t.Error("expected nil for no handlers")
	}
	groups := groupByPhase([]registration{{phase: 1}, {phase: 1}, {phase: 2}})
	if len(groups) != 2 || len(groups[0]) != 2 || len(groups[1]) != 1 {
		t.Errorf("groups = %v", groups)
	}
}
