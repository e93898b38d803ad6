package tasks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vinayprograms/orchestrator/state"
)

// Queue is the engine's FIFO plus a set of delayed retries. A retry whose
// NotBefore has passed is appended to the back of the FIFO.
type Queue struct {
	mu      sync.Mutex
	items   []state.Task
	delayed []state.RetryDescriptor // sorted by NotBefore
	signal  chan struct{}
	nowFn   func() time.Time
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{
		signal: make(chan struct{}, 1),
		nowFn:  time.Now,
	}
}

// Push appends a task to the FIFO.
func (q *Queue) Push(t state.Task) {
	q.mu.Lock()
	q.items = append(q.items, t)
	q.mu.Unlock()
	q.wake()
}

// Schedule holds a retry until its NotBefore.
func (q *Queue) Schedule(d state.RetryDescriptor) {
	q.mu.Lock()
	i := sort.Search(len(q.delayed), func(i int) bool {
		return q.delayed[i].NotBefore.After(d.NotBefore)
	})
	q.delayed = append(q.delayed, state.RetryDescriptor{})
	copy(q.delayed[i+1:], q.delayed[i:])
	q.delayed[i] = d
	q.mu.Unlock()
	q.wake()
}

// Next blocks until a task is ready or ctx is done.
func (q *Queue) Next(ctx context.Context) (state.Task, bool) {
	for {
		q.mu.Lock()
		now := q.nowFn()
		q.promoteLocked(now)
		if t, ok := q.popLocked(); ok {
			q.mu.Unlock()
			return t, true
		}
		wait := time.Duration(-1)
		if len(q.delayed) > 0 {
			wait = q.delayed[0].NotBefore.Sub(now)
		}
		q.mu.Unlock()

		var (
			timer  *time.Timer
			timerC <-chan time.Time
		)
		if wait >= 0 {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return state.Task{}, false
		case <-q.signal:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Len returns the number of ready tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Delayed returns the number of retries waiting for their NotBefore.
func (q *Queue) Delayed() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.delayed)
}

func (q *Queue) promoteLocked(now time.Time) {
	n := 0
	for n < len(q.delayed) && !q.delayed[n].NotBefore.After(now) {
		q.items = append(q.items, q.delayed[n].Task)
		n++
	}
	if n > 0 {
		q.delayed = append(q.delayed[:0], q.delayed[n:]...)
	}
}

func (q *Queue) popLocked() (state.Task, bool) {
	if len(q.items) == 0 {
		return state.Task{}, false
	}
	t := q.items[0]
	q.items[0] = state.Task{}
	q.items = q.items[1:]
	return t, true
}

func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
