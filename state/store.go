package state

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/vinayprograms/orchestrator/logging"
)

// Store owns the process's OrchestratorState. All reads and writes go
// through View and Update, which serialize on one mutex.
type Store struct {
	mu     sync.Mutex
	path   string
	limits Limits
	st     *OrchestratorState
	logger *logging.Logger
	nowFn  func() time.Time
}

// Open loads the snapshot at path and returns a Store that flushes back to
// it. A corrupt snapshot is logged and replaced with defaults.
func Open(path string, limits Limits, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.WithComponent("state")

	st, err := Load(path)
	if err != nil {
		logger.Warn("snapshot unreadable, starting from defaults", map[string]interface{}{
			"path":  path,
			"error": err.Error(),
		})
	}
	return &Store{
		path:   path,
		limits: limits.withDefaults(),
		st:     st,
		logger: logger,
		nowFn:  time.Now,
	}
}

// NewMemoryStore returns a Store that never touches disk.
func NewMemoryStore() *Store {
	return &Store{
		limits: DefaultLimits(),
		st:     NewState(),
		logger: logging.Nop(),
		nowFn:  time.Now,
	}
}

// Path returns the snapshot path, empty for memory stores.
func (s *Store) Path() string {
	return s.path
}

// Update runs fn against the aggregate and flushes the result, even when
// fn returns an error: a half-applied mutation is still the truth. fn's
// error wins over a flush error.
func (s *Store) Update(fn func(st *OrchestratorState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fnErr := fn(s.st)
	flushErr := s.flushLocked()
	if fnErr != nil {
		return fnErr
	}
	return flushErr
}

// View runs fn with read access to the aggregate. fn must not retain
// pointers into the state after it returns.
func (s *Store) View(fn func(st *OrchestratorState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.st)
}

// Flush writes the current aggregate to disk.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

// Snapshot returns a deep copy of the aggregate.
func (s *Store) Snapshot() (*OrchestratorState, error) {
	s.mu.Lock()
	data, err := json.Marshal(s.st)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	cp := &OrchestratorState{}
	if err := json.Unmarshal(data, cp); err != nil {
		return nil, err
	}
	cp.ensure()
	return cp, nil
}

func (s *Store) flushLocked() error {
	if s.path == "" {
		s.st.Trim(s.limits)
		return nil
	}
	s.st.SavedAt = s.nowFn().UTC()
	if err := Save(s.path, s.st, s.limits); err != nil {
		s.logger.Error("snapshot flush failed", map[string]interface{}{
			"path":  s.path,
			"error": err.Error(),
		})
		return err
	}
	return nil
}
