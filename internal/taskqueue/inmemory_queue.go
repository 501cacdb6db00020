package taskqueue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryQueue is a Queue held in process memory, ordered by due time.
// It is safe for concurrent use.
type InMemoryQueue struct {
	mu       sync.Mutex
	tasks    []Task
	capacity int
	changed  chan struct{}
}

// NewInMemoryQueue creates a new queue with the given capacity.
// For tests and small deployments, a modest capacity (e.g. 1024) is fine.
func NewInMemoryQueue(capacity int) *InMemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &InMemoryQueue{
		capacity: capacity,
		changed:  make(chan struct{}),
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	for {
		q.mu.Lock()
		if len(q.tasks) < q.capacity {
			if t.EnqueuedAt.IsZero() {
				t.EnqueuedAt = time.Now()
			}
			q.tasks = append(q.tasks, t)
			sort.SliceStable(q.tasks, func(i, j int) bool {
				return dueAt(q.tasks[i]).Before(dueAt(q.tasks[j]))
			})
			q.broadcastLocked()
			q.mu.Unlock()
			return nil
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	tmr := pollTimer()
	defer tmr.Stop()

	for {
		q.mu.Lock()
		now := time.Now()
		var wait time.Duration
		if len(q.tasks) > 0 {
			head := q.tasks[0]
			if head.Due(now) {
				q.tasks = q.tasks[1:]
				q.broadcastLocked()
				q.mu.Unlock()
				return &head, nil
			}
			wait = head.NotBefore.Sub(now)
		}
		changed := q.changed
		q.mu.Unlock()

		var timeout <-chan time.Time
		if wait > 0 {
			tmr.Reset(wait)
			timeout = tmr.C
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
			tmr.Stop()
		case <-timeout:
		}
	}
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *InMemoryQueue) Close() error { return nil }

// broadcastLocked wakes every goroutine waiting on a queue change.
func (q *InMemoryQueue) broadcastLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}
