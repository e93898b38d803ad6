// Package scheduler enqueues tasks on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/robfig/cron/v3"

	orcherr "github.com/vinayprograms/orchestrator/errors"
	"github.com/vinayprograms/orchestrator/logging"
	"github.com/vinayprograms/orchestrator/state"
	"github.com/vinayprograms/orchestrator/tasks"
)

// Entry is one [[schedule]] block.
type Entry struct {
	// Name identifies the entry in logs and idempotency keys. Defaults to
	// the task type.
	Name string `toml:"name"`

	// Cron is a standard five-field expression or a descriptor such as
	// "@every 15m" or "@hourly".
	Cron string `toml:"cron"`

	Task    string         `toml:"task"`
	Payload map[string]any `toml:"payload"`

	// RunOnStart also enqueues the task once when the scheduler starts.
	RunOnStart bool `toml:"run_on_start"`
}

// Enqueuer accepts scheduled tasks.
type Enqueuer interface {
	Enqueue(taskType string, payload map[string]any, opts ...tasks.EnqueueOption) (state.Task, error)
}

// Status describes a registered entry.
type Status struct {
	Name string    `json:"name"`
	Task string    `json:"task"`
	Cron string    `json:"cron"`
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev,omitempty"`
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks every entry's schedule and task type.
func Validate(entries []Entry) error {
	seen := make(map[string]bool)
	for i, e := range entries {
		if _, ok := tasks.ParseKind(e.Task); !ok {
			return orcherr.InvalidTaskType(e.Task)
		}
		if _, err := parser.Parse(e.Cron); err != nil {
			return orcherr.InvalidInput(fmt.Sprintf("schedule %d (%s): bad cron %q: %v", i, e.Task, e.Cron, err))
		}
		name := entryName(e)
		if seen[name] {
			return orcherr.Conflict(fmt.Sprintf("schedule name %q used twice", name))
		}
		seen[name] = true
	}
	return nil
}

func entryName(e Entry) string {
	if e.Name != "" {
		return e.Name
	}
	return e.Task
}

// Scheduler owns the cron runner.
type Scheduler struct {
	cron    *cron.Cron
	enq     Enqueuer
	logger  *logging.Logger
	entries []Entry
	nowFn   func() time.Time

	ids map[string]cron.EntryID
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the clock used for idempotency keys.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// New validates entries and registers them. Nothing fires until Start.
func New(enq Enqueuer, entries []Entry, opts ...Option) (*Scheduler, error) {
	if err := Validate(entries); err != nil {
		return nil, err
	}
	s := &Scheduler{
		enq:     enq,
		logger:  logging.Nop(),
		entries: entries,
		nowFn:   time.Now,
		ids:     make(map[string]cron.EntryID),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithComponent("scheduler")

	cl := cronLogger{s.logger}
	s.cron = cron.New(
		cron.WithParser(parser),
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)
	for _, e := range entries {
		j := &job{s: s, entry: e, name: entryName(e)}
		id, err := s.cron.AddJob(e.Cron, j)
		if err != nil {
			return nil, orcherr.InvalidInput(fmt.Sprintf("schedule %s: %v", j.name, err))
		}
		j.id = id
		s.ids[j.name] = id
	}
	return s, nil
}

// Start enqueues the run-on-start entries and begins firing.
func (s *Scheduler) Start() {
	for _, e := range s.entries {
		if e.RunOnStart {
			s.enqueue(e, entryName(e), "start:"+s.nowFn().UTC().Format(time.RFC3339))
		}
	}
	s.cron.Start()
	s.logger.Info("scheduler started", map[string]interface{}{"entries": len(s.entries)})
}

// Stop halts firing and waits for enqueues in flight, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Entries reports the registered entries with their next fire time.
func (s *Scheduler) Entries() []Status {
	out := make([]Status, 0, len(s.entries))
	for _, e := range s.entries {
		name := entryName(e)
		ce := s.cron.Entry(s.ids[name])
		out = append(out, Status{Name: name, Task: e.Task, Cron: e.Cron, Next: ce.Next, Prev: ce.Prev})
	}
	return out
}

// enqueue submits one firing. slot makes the idempotency key, so a slot
// that is enqueued twice runs once.
func (s *Scheduler) enqueue(e Entry, name, slot string) {
	key := "schedule:" + name + ":" + slot
	task, err := s.enq.Enqueue(e.Task, maps.Clone(e.Payload), tasks.WithIdempotencyKey(key))
	if err != nil {
		s.logger.Error("scheduled enqueue failed", map[string]interface{}{
			"schedule": name,
			"task":     e.Task,
			"error":    err.Error(),
		})
		return
	}
	s.logger.Debug("scheduled task enqueued", map[string]interface{}{
		"schedule": name,
		"task_id":  task.ID,
		"key":      key,
	})
}

type job struct {
	s     *Scheduler
	entry Entry
	name  string
	id    cron.EntryID
}

// Run is called by cron. Prev holds the activation time being run.
func (j *job) Run() {
	at := j.s.cron.Entry(j.id).Prev
	if at.IsZero() {
		at = j.s.nowFn()
	}
	j.s.enqueue(j.entry, j.name, at.UTC().Format(time.RFC3339))
}

// cronLogger adapts logging.Logger to cron.Logger.
type cronLogger struct {
	l *logging.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, kvFields(keysAndValues))
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	f := kvFields(keysAndValues)
	f["error"] = err.Error()
	c.l.Error("cron: "+msg, f)
}

func kvFields(kv []interface{}) map[string]interface{} {
	f := make(map[string]interface{}, len(kv)/2+1)
	for i := 0; i+1 < len(kv); i += 2 {
		f[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return f
}
