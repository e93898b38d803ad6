package alerts

import (
	"context"
	"sync"
	"sync/atomic"
)

// MemorySink records alerts in memory.
// Useful for testing and single-process scenarios.
type MemorySink struct {
	mu     sync.Mutex
	alerts []Alert
	closed atomic.Bool
}

// NewMemorySink creates an empty memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Publish(_ context.Context, a Alert) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return nil
}

// Alerts returns a copy of everything published so far.
func (s *MemorySink) Alerts() []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Alert, len(s.alerts))
	copy(out, s.alerts)
	return out
}

func (s *MemorySink) Close() error {
	s.closed.Store(true)
	return nil
}

var _ Sink = (*MemorySink)(nil)
