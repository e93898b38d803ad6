// Package logging provides leveled, component-scoped logging for the
// orchestrator. The snapshot file is the durable record of what happened;
// these logs are the real-time view of the same events.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Format selects the output encoding.
type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

var zerologLevels = map[Level]zerolog.Level{
	LevelDebug: zerolog.DebugLevel,
	LevelInfo:  zerolog.InfoLevel,
	LevelWarn:  zerolog.WarnLevel,
	LevelError: zerolog.ErrorLevel,
}

// ParseLevel maps a config string onto a Level, defaulting to INFO.
func ParseLevel(s string) Level {
	l := Level(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := zerologLevels[l]; ok {
		return l
	}
	return LevelInfo
}

// Logger writes structured log lines through zerolog.
type Logger struct {
	mu        sync.Mutex
	zl        zerolog.Logger
	output    io.Writer
	minLevel  Level
	format    Format
	component string
	traceID   string
}

// New creates a Logger writing console lines to stdout at INFO.
func New() *Logger {
	l := &Logger{
		output:   os.Stdout,
		minLevel: LevelInfo,
		format:   FormatConsole,
	}
	l.rebuild()
	return l
}

// Nop returns a logger that discards everything. Handy in tests.
func Nop() *Logger {
	l := New()
	l.SetOutput(io.Discard)
	return l
}

func (l *Logger) clone() *Logger {
	return &Logger{
		output:    l.output,
		minLevel:  l.minLevel,
		format:    l.format,
		component: l.component,
		traceID:   l.traceID,
	}
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	c := l.clone()
	c.component = component
	c.rebuild()
	return c
}

// WithTraceID returns a new logger with the given trace ID.
func (l *Logger) WithTraceID(traceID string) *Logger {
	c := l.clone()
	c.traceID = traceID
	c.rebuild()
	return c
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minLevel = level
	l.rebuild()
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
	l.rebuild()
}

// SetFormat switches between console and JSON output.
func (l *Logger) SetFormat(f Format) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.format = f
	l.rebuild()
}

func (l *Logger) rebuild() {
	var w io.Writer = l.output
	if l.format != FormatJSON {
		w = zerolog.ConsoleWriter{
			Out:        l.output,
			NoColor:    true,
			TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		}
	}
	ctx := zerolog.New(w).Level(zerologLevels[l.minLevel]).With().Timestamp()
	if l.component != "" {
		ctx = ctx.Str("component", l.component)
	}
	if l.traceID != "" {
		ctx = ctx.Str("trace_id", l.traceID)
	}
	l.zl = ctx.Logger()
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	l.mu.Lock()
	zl := l.zl
	l.mu.Unlock()

	ev := zl.WithLevel(zerologLevels[level])
	if ev == nil {
		return
	}
	for _, f := range fields {
		if f != nil {
			ev = ev.Fields(f)
		}
	}
	ev.Msg(msg)
}

// --- Event helpers ---
// The task engine and the delivery pipeline call these after the matching
// state mutation so the console mirrors the snapshot.

// TaskStart logs the start of a handling attempt.
func (l *Logger) TaskStart(id, taskType string, attempt int) {
	l.Debug("task_start", map[string]interface{}{
		"task_id": id,
		"type":    taskType,
		"attempt": attempt,
	})
}

// TaskComplete logs a successful handling attempt.
func (l *Logger) TaskComplete(id, taskType string, duration time.Duration) {
	l.Info("task_complete", map[string]interface{}{
		"task_id":  id,
		"type":     taskType,
		"duration": duration.String(),
	})
}

// TaskFailed logs a failed attempt and whether it will be retried.
func (l *Logger) TaskFailed(id, taskType string, attempt int, err error, willRetry bool) {
	fields := map[string]interface{}{
		"task_id": id,
		"type":    taskType,
		"attempt": attempt,
		"retry":   willRetry,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	if willRetry {
		l.Warn("task_failed", fields)
		return
	}
	l.Error("task_failed", fields)
}

// TaskParked logs a task suspended behind the approval gate.
func (l *Logger) TaskParked(id, taskType, reason string) {
	l.Info("task_parked", map[string]interface{}{
		"task_id": id,
		"type":    taskType,
		"reason":  reason,
	})
}

// DeliveryOutcome logs the result of one milestone POST.
func (l *Logger) DeliveryOutcome(key, milestoneID, status string, attempts int, err error) {
	fields := map[string]interface{}{
		"idempotency_key": key,
		"milestone_id":    milestoneID,
		"status":          status,
		"attempts":        attempts,
	}
	if err != nil {
		fields["error"] = err.Error()
		l.Warn("milestone_delivery", fields)
		return
	}
	l.Info("milestone_delivery", fields)
}
