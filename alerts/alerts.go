// Package alerts fans out operator alerts for repeated task failures and
// dead-lettered milestones.
//
// The Escalator is the Notifier handed to the task engine and the
// milestone pipeline. It applies the consecutive-failure threshold and
// publishes to every configured Sink (NATS, log, memory).
package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vinayprograms/orchestrator/logging"
)

// Common errors.
var (
	ErrClosed         = errors.New("alert sink closed")
	ErrInvalidSubject = errors.New("invalid subject")
)

// Kind classifies an alert.
type Kind string

const (
	KindTaskFailed          Kind = "task-failed"
	KindMilestoneDeadLetter Kind = "milestone-dead-letter"
)

// Alert is one operator notification.
type Alert struct {
	Kind Kind `json:"kind"`

	// Subject is the task type or milestone id the alert is about.
	Subject string `json:"subject"`

	// ID is the task id or milestone idempotency key.
	ID string `json:"id"`

	// Count is the consecutive failure count for task alerts, or the
	// delivery attempts for dead letters.
	Count int `json:"count"`

	Error string    `json:"error,omitempty"`
	At    time.Time `json:"at"`
}

// Notifier receives alerts from the engine and the delivery pipeline.
type Notifier interface {
	Notify(ctx context.Context, a Alert)
}

// Sink publishes an alert somewhere an operator will see it.
type Sink interface {
	Publish(ctx context.Context, a Alert) error
	Close() error
}

// Escalator filters task-failure alerts by a consecutive-failure
// threshold and publishes to its sinks. Dead-letter alerts always pass.
type Escalator struct {
	threshold int
	sinks     []Sink
	logger    *logging.Logger
}

// NewEscalator creates an escalator. A threshold below 1 is treated as 1.
func NewEscalator(threshold int, logger *logging.Logger, sinks ...Sink) *Escalator {
	if threshold < 1 {
		threshold = 1
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Escalator{
		threshold: threshold,
		sinks:     sinks,
		logger:    logger.WithComponent("alerts"),
	}
}

// Notify publishes a to every sink when it crosses the threshold.
// Sink failures are logged and never returned to the caller.
func (e *Escalator) Notify(ctx context.Context, a Alert) {
	if a.Kind == KindTaskFailed && a.Count < e.threshold {
		return
	}
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	for _, s := range e.sinks {
		if err := s.Publish(ctx, a); err != nil {
			e.logger.Warn("alert publish failed", map[string]interface{}{
				"kind":    string(a.Kind),
				"subject": a.Subject,
				"error":   err.Error(),
			})
		}
	}
}

// Close closes all sinks.
func (e *Escalator) Close() error {
	var errs []error
	for _, s := range e.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes alerts to the structured log at error level.
type LogSink struct {
	logger *logging.Logger
}

// NewLogSink creates a log sink.
func NewLogSink(logger *logging.Logger) *LogSink {
	if logger == nil {
		logger = logging.New()
	}
	return &LogSink{logger: logger.WithComponent("alerts")}
}

func (s *LogSink) Publish(_ context.Context, a Alert) error {
	s.logger.Error("alert", map[string]interface{}{
		"kind":    string(a.Kind),
		"subject": a.Subject,
		"id":      a.ID,
		"count":   a.Count,
		"error":   a.Error,
	})
	return nil
}

func (s *LogSink) Close() error { return nil }

// subjectFor builds the publish subject for an alert kind.
func subjectFor(prefix string, k Kind) (string, error) {
	if prefix == "" {
		return "", ErrInvalidSubject
	}
	return fmt.Sprintf("%s.%s", prefix, k), nil
}

func encode(a Alert) ([]byte, error) {
	return json.Marshal(a)
}

var (
	_ Notifier = (*Escalator)(nil)
	_ Sink     = (*LogSink)(nil)
)
