package api

import (
	"context"
)

// Engine is the control surface of the monitoring engine.
type Engine interface {
	// StartDelayCheck creates a single-shot run and executes it in the
	// background. It returns the run's initial status.
	StartDelayCheck(ctx context.Context, in MonitorInput) (StatusSnapshot, error)

	// StartRecurringCheck creates a recurring run for the delivery.
	// At most one recurring run per delivery may be active.
	StartRecurringCheck(ctx context.Context, in RecurringInput) (StatusSnapshot, error)

	// RunDelayCheck starts a single-shot run and waits for its result.
	RunDelayCheck(ctx context.Context, in MonitorInput) (*WorkflowResult, error)

	// Signal delivers a signal to the active run of a workflow id.
	// It returns ErrRunNotFound or ErrRunNotActive when there is nothing
	// to deliver to.
	Signal(ctx context.Context, workflowID string, sig Signal) error

	// Query returns the status of the most recent run of a workflow id
	// without blocking it.
	Query(ctx context.Context, workflowID string) (StatusSnapshot, error)

	// Await blocks until the most recent run of a workflow id ends. Failed
	// runs return their result together with an error wrapping ErrRunFailed.
	Await(ctx context.Context, workflowID string) (*WorkflowResult, error)

	// Recover resumes every run still marked StatusRunning from its last
	// checkpoint, for example after a process restart. It returns the
	// number of runs resumed.
	Recover(ctx context.Context) (int, error)
}
