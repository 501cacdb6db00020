package taskqueue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TaskType identifies what the worker should do.
type TaskType string

const (
	TaskStartDelayCheck     TaskType = "start-delay-check"
	TaskStartRecurringCheck TaskType = "start-recurring-check"
	TaskSignal              TaskType = "signal"
)

// Task represents a unit of work for the worker.
type Task struct {
	ID   string
	Type TaskType

	// WorkflowID is the target of a signal task and informational for starts.
	WorkflowID string

	// Payload is task-type specific:
	//   - start-delay-check: api.StartDelayCheckPayload
	//   - start-recurring-check: api.StartRecurringPayload
	//   - signal: api.SignalPayload
	Payload any

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task should be eligible
	// for processing. Zero value means "immediately".
	NotBefore time.Time

	// Attempts counts previous failed attempts at processing this task.
	Attempts int
}

// NewTask returns a task with a fresh id, enqueued now.
func NewTask(typ TaskType, workflowID string, payload any) Task {
	return Task{
		ID:         uuid.NewString(),
		Type:       typ,
		WorkflowID: workflowID,
		Payload:    payload,
		EnqueuedAt: time.Now(),
	}
}

// Due reports whether the task may be processed at now.
func (t Task) Due(now time.Time) bool {
	return t.NotBefore.IsZero() || !t.NotBefore.After(now)
}

// Queue is a simple async task queue interface.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next due task, blocking until one is
	// available or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued.
	Len() int

	Close() error
}
