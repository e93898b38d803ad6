package toolgate

import (
	"sync"
	"time"
)

// bucket is a token bucket refilled continuously over its window.
type bucket struct {
	capacity   int
	available  int
	window     time.Duration
	lastRefill time.Time
}

// refill adds tokens based on elapsed time since last refill.
func (b *bucket) refill(now time.Time) {
	if b.window == 0 || b.capacity == 0 {
		return
	}
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	// rate = capacity / window
	tokens := int(float64(b.capacity) * float64(elapsed) / float64(b.window))
	if tokens > 0 {
		b.available += tokens
		if b.available > b.capacity {
			b.available = b.capacity
		}
		b.lastRefill = now
	}
}

// Quotas tracks per-skill call budgets. It is safe for concurrent use.
type Quotas struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	nowFunc func() time.Time
}

// NewQuotas creates an empty quota table.
func NewQuotas() *Quotas {
	return &Quotas{
		buckets: make(map[string]*bucket),
		nowFunc: time.Now,
	}
}

// SetCapacity configures calls per window for a skill. A non-positive
// capacity or window removes the limit.
func (q *Quotas) SetCapacity(skill string, calls int, window time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if calls <= 0 || window <= 0 {
		delete(q.buckets, skill)
		return
	}
	if b, ok := q.buckets[skill]; ok {
		b.capacity = calls
		b.window = window
		if b.available > calls {
			b.available = calls
		}
		return
	}
	q.buckets[skill] = &bucket{
		capacity:   calls,
		available:  calls,
		window:     window,
		lastRefill: q.nowFunc(),
	}
}

// TryAcquire takes one call from the skill's budget. Skills without a
// bucket are unlimited.
func (q *Quotas) TryAcquire(skill string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	b, ok := q.buckets[skill]
	if !ok {
		return true
	}
	b.refill(q.nowFunc())
	if b.available > 0 {
		b.available--
		return true
	}
	return false
}

// Remaining returns the calls left for a skill, or -1 when unlimited.
func (q *Quotas) Remaining(skill string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	b, ok := q.buckets[skill]
	if !ok {
		return -1
	}
	b.refill(q.nowFunc())
	return b.available
}
