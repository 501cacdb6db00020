package delaywatch

import (
	"context"

	"github.com/petrijr/delaywatch/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	AsyncStarter         = api.AsyncStarter
	MonitorInput         = api.MonitorInput
	RecurringInput       = api.RecurringInput
	Location             = api.Location
	Signal               = api.Signal
	StatusSnapshot       = api.StatusSnapshot
	WorkflowResult       = api.WorkflowResult
	WorkflowEvent        = api.WorkflowEvent
	Delivery             = api.Delivery
	Status               = api.Status
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

// Re-export status values and signal names for convenience.

const (
	StatusRunning   = api.StatusRunning
	StatusCompleted = api.StatusCompleted
	StatusCancelled = api.StatusCancelled
	StatusFailed    = api.StatusFailed

	SignalCancel          = api.SignalCancel
	SignalUpdateThreshold = api.SignalUpdateThreshold

	UnlimitedChecks = api.UnlimitedChecks
)

// Convenience helpers that just forward to the underlying Engine.

// CheckDelay runs a single-shot delay check synchronously.
func CheckDelay(ctx context.Context, eng Engine, in MonitorInput) (*WorkflowResult, error) {
	return eng.RunDelayCheck(ctx, in)
}

// Monitor starts a recurring check for a delivery.
func Monitor(ctx context.Context, eng Engine, in RecurringInput) (StatusSnapshot, error) {
	return eng.StartRecurringCheck(ctx, in)
}

// Cancel asks the active run of workflowID to stop.
func Cancel(ctx context.Context, eng Engine, workflowID, reason, actor string) error {
	return eng.Signal(ctx, workflowID, Signal{Name: SignalCancel, Reason: reason, Actor: actor})
}

// UpdateThreshold changes the delay threshold of the active run of workflowID.
func UpdateThreshold(ctx context.Context, eng Engine, workflowID string, minutes int) error {
	return eng.Signal(ctx, workflowID, Signal{Name: SignalUpdateThreshold, ThresholdMinutes: minutes})
}

// Recover delegates to eng.Recover.
//
// It is typically called on process startup before starting any workers:
//
//	count, err := delaywatch.Recover(ctx, engine)
func Recover(ctx context.Context, eng Engine) (int, error) {
	return eng.Recover(ctx)
}
