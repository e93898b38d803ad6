// Package spawner runs external agent processes for task handlers.
//
// The orchestrator writes the task payload to a temp file, starts the
// configured command with AGENT_PAYLOAD_FILE and AGENT_RESULT_FILE set,
// waits for exit 0 and reads the result JSON the agent wrote back.
package spawner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	orcherr "github.com/vinayprograms/orchestrator/errors"
	"github.com/vinayprograms/orchestrator/logging"
	"github.com/vinayprograms/orchestrator/telemetry"
)

// Environment variables handed to every agent process.
const (
	EnvPayloadFile = "AGENT_PAYLOAD_FILE"
	EnvResultFile  = "AGENT_RESULT_FILE"
	EnvAgentID     = "AGENT_ID"
	EnvTaskID      = "AGENT_TASK_ID"
)

// DefaultTimeout bounds a run when the context carries no deadline.
const DefaultTimeout = 5 * time.Minute

const (
	maxStderr = 2000

	// waitDelay bounds how long Wait blocks on grandchildren holding
	// stderr open after the agent is killed.
	waitDelay = 2 * time.Second
)

// AgentCommand is how to start one agent.
type AgentCommand struct {
	Command string            `toml:"command"`
	Args    []string          `toml:"args"`
	Dir     string            `toml:"dir"`
	Env     map[string]string `toml:"env"`
}

// Request is one agent invocation.
type Request struct {
	AgentID  string         `json:"agentId"`
	TaskID   string         `json:"taskId"`
	TaskType string         `json:"taskType"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// Result is what the agent writes to AGENT_RESULT_FILE.
type Result struct {
	Summary string         `json:"summary"`
	Output  map[string]any `json:"output,omitempty"`
}

// Runner runs an agent to completion.
type Runner interface {
	Run(ctx context.Context, req Request) (Result, error)
}

// Spawner is the os/exec Runner.
type Spawner struct {
	agents  map[string]AgentCommand
	tempDir string
	logger  *logging.Logger
	tracer  *telemetry.Tracer
}

// Option configures a Spawner.
type Option func(*Spawner)

// WithTempDir sets where payload and result files are created.
func WithTempDir(dir string) Option {
	return func(s *Spawner) {
		s.tempDir = dir
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Spawner) {
		s.logger = l
	}
}

// WithTracer sets the tracer used for agent spans.
func WithTracer(t *telemetry.Tracer) Option {
	return func(s *Spawner) {
		s.tracer = t
	}
}

// New creates a Spawner for the given agent commands.
func New(agents map[string]AgentCommand, opts ...Option) *Spawner {
	s := &Spawner{
		agents: agents,
		logger: logging.Nop(),
		tracer: telemetry.GetTracer(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithComponent("spawner")
	return s
}

// Run starts the agent and waits for its result. An agent with no command,
// a non-zero exit, a missing result or a timeout are all AGENT_FAILED and
// retryable.
func (s *Spawner) Run(ctx context.Context, req Request) (res Result, err error) {
	ac, ok := s.agents[req.AgentID]
	if !ok || ac.Command == "" {
		return Result{}, orcherr.New(orcherr.ErrCodeAgentFailed, fmt.Sprintf("agent %q has no command configured", req.AgentID),
			orcherr.WithTask(req.TaskID, req.TaskType))
	}

	// Add timeout to context if not already set
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	exitCode := 0
	ctx, span := s.tracer.StartAgentSpan(ctx, req.AgentID)
	defer func() { s.tracer.EndAgentSpan(span, exitCode, err) }()

	dir, err := os.MkdirTemp(s.tempDir, "agent-"+req.AgentID+"-")
	if err != nil {
		return Result{}, orcherr.Wrap(err, "create agent work dir")
	}
	defer os.RemoveAll(dir)

	payloadPath := filepath.Join(dir, "payload.json")
	resultPath := filepath.Join(dir, "result.json")

	data, err := json.Marshal(req)
	if err != nil {
		return Result{}, orcherr.InvalidInput("payload is not JSON-encodable: " + err.Error())
	}
	if err := os.WriteFile(payloadPath, data, 0600); err != nil {
		return Result{}, orcherr.Wrap(err, "write agent payload")
	}

	cmd := exec.CommandContext(ctx, ac.Command, ac.Args...)
	cmd.Dir = ac.Dir
	cmd.Env = append(os.Environ(),
		EnvPayloadFile+"="+payloadPath,
		EnvResultFile+"="+resultPath,
		EnvAgentID+"="+req.AgentID,
		EnvTaskID+"="+req.TaskID,
	)
	for k, v := range ac.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stderr strings.Builder
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	start := time.Now()
	runErr := cmd.Run()
	if runErr != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Result{}, orcherr.New(orcherr.ErrCodeTimeout, fmt.Sprintf("agent %s timed out", req.AgentID),
				orcherr.WithCause(ctx.Err()), orcherr.WithTask(req.TaskID, req.TaskType))
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
			return Result{}, orcherr.New(orcherr.ErrCodeAgentFailed,
				fmt.Sprintf("agent %s exited with code %d: %s", req.AgentID, exitCode, tail(stderr.String())),
				orcherr.WithTask(req.TaskID, req.TaskType),
				orcherr.WithMetadata("exit_code", fmt.Sprint(exitCode)))
		}
		return Result{}, orcherr.WrapWithCode(runErr, orcherr.ErrCodeAgentFailed,
			fmt.Sprintf("failed to start agent %s", req.AgentID), orcherr.WithTask(req.TaskID, req.TaskType))
	}

	raw, err := os.ReadFile(resultPath)
	if err != nil {
		return Result{}, orcherr.WrapWithCode(err, orcherr.ErrCodeAgentFailed,
			fmt.Sprintf("agent %s wrote no result", req.AgentID), orcherr.WithTask(req.TaskID, req.TaskType))
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return Result{}, orcherr.WrapWithCode(err, orcherr.ErrCodeAgentFailed,
			fmt.Sprintf("agent %s wrote an unreadable result", req.AgentID), orcherr.WithTask(req.TaskID, req.TaskType))
	}

	s.logger.Debug("agent finished", map[string]interface{}{
		"agent":       req.AgentID,
		"task_id":     req.TaskID,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return res, nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxStderr {
		return s
	}
	return "..." + s[len(s)-maxStderr:]
}

var _ Runner = (*Spawner)(nil)
