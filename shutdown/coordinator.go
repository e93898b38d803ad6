package shutdown

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/vinayprograms/orchestrator/logging"
)

// Common errors.
var (
	// ErrTimeout indicates shutdown did not complete within the timeout.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrHandlerFailed indicates one or more handlers failed during shutdown.
	ErrHandlerFailed = errors.New("one or more handlers failed")
)

// Standard phases. Lower phases stop first.
const (
	PhaseIntake  = 10 // HTTP server, cron scheduler
	PhaseWorkers = 20 // task engine, milestone delivery
	PhaseFlush   = 30 // state snapshot, alert sinks, tracer provider
)

// Func stops one component. ctx carries the overall deadline.
type Func func(ctx context.Context) error

// HandlerResult contains the result of a single handler's shutdown.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result contains the complete shutdown result.
type Result struct {
	TotalDuration time.Duration
	Results       []HandlerResult
	Err           error
}

// FailedHandlers returns the names of handlers that failed.
func (r *Result) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures the shutdown coordinator.
type Config struct {
	// Timeout bounds a signal-triggered shutdown. Default: 30 seconds
	Timeout time.Duration `toml:"timeout"`

	// ContinueOnError runs later phases even after a handler failed.
	ContinueOnError bool `toml:"continue_on_error"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:         30 * time.Second,
		ContinueOnError: true,
	}
}

type registration struct {
	name  string
	fn    Func
	phase int
}

// Coordinator runs registered stop functions phase by phase.
type Coordinator struct {
	config Config
	logger *logging.Logger

	mu       sync.Mutex
	handlers []registration
	once     sync.Once
	done     chan struct{}
	result   *Result
}

// NewCoordinator creates a new shutdown coordinator.
func NewCoordinator(config Config) *Coordinator {
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	return &Coordinator{
		config: config,
		logger: logging.Nop(),
		done:   make(chan struct{}),
	}
}

// SetLogger reports per-handler progress to l.
func (c *Coordinator) SetLogger(l *logging.Logger) {
	if l != nil {
		c.logger = l.WithComponent("shutdown")
	}
}

// Register adds a stop function under phase.
func (c *Coordinator) Register(name string, phase int, fn Func) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, registration{name: name, fn: fn, phase: phase})
}

// Shutdown runs every phase once. Later calls wait for the first one and
// return its error.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() {
		c.result = c.run(ctx)
		close(c.done)
	})
	<-c.done
	return c.result.Err
}

// HandleSignals returns a context that is cancelled on SIGTERM or SIGINT.
// The signal also starts Shutdown with the configured timeout.
func (c *Coordinator) HandleSignals(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		defer signal.Stop(sigs)
		select {
		case sig := <-sigs:
			c.logger.Info("signal received", map[string]interface{}{"signal": sig.String()})
		case <-ctx.Done():
		}
		cancel()
		sctx, scancel := context.WithTimeout(context.Background(), c.config.Timeout)
		defer scancel()
		_ = c.Shutdown(sctx)
	}()
	return ctx
}

// Done is closed once shutdown has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Result returns the detailed shutdown result, or nil before Done.
func (c *Coordinator) Result() *Result {
	select {
	case <-c.done:
		return c.result
	default:
		return nil
	}
}

func (c *Coordinator) run(ctx context.Context) *Result {
	start := time.Now()
	c.mu.Lock()
	handlers := make([]registration, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	sort.SliceStable(handlers, func(i, j int) bool {
		return handlers[i].phase < handlers[j].phase
	})

	result := &Result{Results: make([]HandlerResult, 0, len(handlers))}
	finish := func(err error) *Result {
		result.Err = err
		result.TotalDuration = time.Since(start)
		return result
	}

	var overallErr error
	for _, group := range groupByPhase(handlers) {
		if ctx.Err() != nil {
			return finish(ErrTimeout)
		}
		phaseResults := c.executePhase(ctx, group)
		result.Results = append(result.Results, phaseResults...)

		for _, hr := range phaseResults {
			if hr.Err == nil {
				continue
			}
			overallErr = ErrHandlerFailed
			if !c.config.ContinueOnError {
				return finish(overallErr)
			}
		}
	}
	return finish(overallErr)
}

// executePhase runs all handlers in a phase concurrently.
func (c *Coordinator) executePhase(ctx context.Context, handlers []registration) []HandlerResult {
	results := make([]HandlerResult, len(handlers))
	var wg sync.WaitGroup

	for i, reg := range handlers {
		wg.Add(1)
		go func(idx int, r registration) {
			defer wg.Done()
			began := time.Now()
			err := r.fn(ctx)
			results[idx] = HandlerResult{Name: r.name, Phase: r.phase, Duration: time.Since(began), Err: err}

			fields := map[string]interface{}{
				"handler":     r.name,
				"phase":       r.phase,
				"duration_ms": time.Since(began).Milliseconds(),
			}
			if err != nil {
				fields["error"] = err.Error()
				c.logger.Error("shutdown handler failed", fields)
				return
			}
			c.logger.Debug("shutdown handler done", fields)
		}(i, reg)
	}

	wg.Wait()
	return results
}

// groupByPhase splits phase-sorted handlers into one slice per phase.
func groupByPhase(handlers []registration) [][]registration {
	var groups [][]registration
	for i, h := range handlers {
		if i == 0 || h.phase != handlers[i-1].phase {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], h)
	}
	return groups
}
