package spawner

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"

	orcherr "github.com/vinayprograms/orchestrator/errors"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func shellAgent(script string) AgentCommand {
	return AgentCommand{Command: "sh", Args: []string{"-c", script}}
}

func TestRunReadsResult(t *testing.T) {
	requireShell(t)
	s := New(map[string]AgentCommand{
		// Echo the task id from the payload file back as the summary.
		"echo": shellAgent(`id=$(sed 's/.*"taskId":"\([^"]*\)".*/\1/' "$AGENT_PAYLOAD_FILE"); printf '{"summary":"saw %s"}' "$id" > "$AGENT_RESULT_FILE"`),
	}, WithTempDir(t.TempDir()))

	res, err := s.Run(context.Background(), Request{AgentID: "echo", TaskID: "t-42", TaskType: "summarize"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Summary != "saw t-42" {
		t.Errorf("summary = %q", res.Summary)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	requireShell(t)
	s := New(map[string]AgentCommand{
		"bad": shellAgent(`echo boom >&2; exit 3`),
	}, WithTempDir(t.TempDir()))

	_, err := s.Run(context.Background(), Request{AgentID: "bad", TaskID: "t1"})
	if !orcherr.Is(err, orcherr.ErrCodeAgentFailed) {
		t.Fatalf("expected AGENT_FAILED, got %v", err)
	}
	if !orcherr.IsRetryable(err) {
		t.Error("agent failure should be retryable")
	}
	if !strings.Contains(err.Error(), "boom") || !strings.Contains(err.Error(), "code 3") {
		t.Errorf("error should carry stderr and exit code: %v", err)
	}
}

func TestRunMissingResult(t *testing.T) {
	requireShell(t)
	s := New(map[string]AgentCommand{"quiet": shellAgent(`exit 0`)}, WithTempDir(t.TempDir()))

	_, err := s.Run(context.Background(), Request{AgentID: "quiet", TaskID: "t1"})
	if !orcherr.Is(err, orcherr.ErrCodeAgentFailed) {
		t.Fatalf("expected AGENT_FAILED, got %v", err)
	}
}

func TestRunTimeout(t *testing.T) {
	requireShell(t)
	s := New(map[string]AgentCommand{"slow": shellAgent(`exec sleep 5`)}, WithTempDir(t.TempDir()))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := s.Run(ctx, Request{AgentID: "slow", TaskID: "t1"})
	if !orcherr.Is(err, orcherr.ErrCodeTimeout) {
		t.Fatalf("expected TIMEOUT, got %v", err)
	}
}

func TestRunUnknownAgent(t *testing.T) {
	s := New(nil)
	_, err := s.Run(context.Background(), Request{AgentID: "ghost"})
	if !orcherr.Is(err, orcherr.ErrCodeAgentFailed) || orcherr.IsFatal(err) {
		t.Errorf("unknown agent should be a retryable AGENT_FAILED, got %v", err)
	}
}
