package api

import "context"

// AsyncStarter is implemented by front-ends that hand starts and signals to
// a task queue so that a worker process executes them.
type AsyncStarter interface {
	EnqueueDelayCheck(ctx context.Context, in MonitorInput) error
	EnqueueRecurringCheck(ctx context.Context, in RecurringInput) error
	EnqueueSignal(ctx context.Context, workflowID string, sig Signal) error
}

// HistoryReader allows reading a run's event history.
type HistoryReader interface {
	// History returns the events of the most recent run of a workflow id
	// in chronological order.
	History(ctx context.Context, workflowID string) ([]WorkflowEvent, error)
}
