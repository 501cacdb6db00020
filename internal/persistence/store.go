package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/delaywatch/pkg/api"
)

var (
	// ErrNotFound is returned when a record does not exist in a backend.
	ErrNotFound = errors.New("not found")

	// ErrCounterConflict is returned by IncrementChecks when the stored
	// counter does not match the expected value.
	ErrCounterConflict = errors.New("checks counter does not match expected value")

	// ErrNotificationFinal is returned when updating a notification whose
	// status already left pending.
	ErrNotificationFinal = errors.New("notification is no longer pending")

	// ErrRunAlreadyActive is returned by CreateRun when a running run with
	// the same workflow id exists.
	ErrRunAlreadyActive = api.ErrRunAlreadyActive
)

// DeliveryFilter selects deliveries. Zero values mean "no filter".
type DeliveryFilter struct {
	Status api.DeliveryStatus
}

// ExecutionFilter selects execution records. Zero values mean "no filter".
type ExecutionFilter struct {
	DeliveryID string
	WorkflowID string
	Status     api.Status
}

// Backend is one storage system holding the delivery data model.
//
// Writes keyed by natural keys are upserts so that retried operations do
// not duplicate records. SaveDelivery never touches the checks counter;
// only IncrementChecks does.
type Backend interface {
	Name() string

	SaveDelivery(ctx context.Context, d *api.Delivery) error
	GetDelivery(ctx context.Context, id string) (*api.Delivery, error)
	ListDeliveries(ctx context.Context, filter DeliveryFilter) ([]*api.Delivery, error)
	UpdateDeliveryStatus(ctx context.Context, id string, status api.DeliveryStatus, at time.Time) error
	DeleteDelivery(ctx context.Context, id string) error
	// IncrementChecks sets the counter to expected+1 if it currently equals
	// expected. Otherwise it returns the current value and ErrCounterConflict.
	IncrementChecks(ctx context.Context, id string, expected int, at time.Time) (int, error)

	// SaveNotification inserts n unless a record with the same id exists.
	SaveNotification(ctx context.Context, n *api.Notification) error
	// UpdateNotification replaces n only while the stored status is pending.
	UpdateNotification(ctx context.Context, n *api.Notification) error
	GetNotification(ctx context.Context, id string) (*api.Notification, error)
	ListNotifications(ctx context.Context, deliveryID string) ([]*api.Notification, error)
	// LastSentNotification returns the most recently sent notification or ErrNotFound.
	LastSentNotification(ctx context.Context, deliveryID string) (*api.Notification, error)

	AppendSnapshot(ctx context.Context, s *api.TrafficSnapshot) error
	ListSnapshots(ctx context.Context, deliveryID string) ([]*api.TrafficSnapshot, error)

	SaveExecution(ctx context.Context, e *api.WorkflowExecution) error
	GetExecution(ctx context.Context, workflowID, runID string) (*api.WorkflowExecution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*api.WorkflowExecution, error)

	SaveThreshold(ctx context.Context, t *api.Threshold) error
	GetThreshold(ctx context.Context, id string) (*api.Threshold, error)
	ListThresholds(ctx context.Context) ([]*api.Threshold, error)
	DeleteThreshold(ctx context.Context, id string) error

	Close() error
}

// RunFilter selects runs. Zero values mean "no filter".
type RunFilter struct {
	Kind       api.WorkflowKind
	Status     api.Status
	DeliveryID string
}

// RunStore holds run checkpoints, the per-run signal inbox and run history.
type RunStore interface {
	// CreateRun stores a new run, or returns ErrRunAlreadyActive.
	CreateRun(ctx context.Context, run *api.Run) error
	SaveRun(ctx context.Context, run *api.Run) error
	// GetRun returns the most recent run for a workflow id.
	GetRun(ctx context.Context, workflowID string) (*api.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*api.Run, error)

	// AppendSignal adds sig to the run's inbox and assigns its sequence number.
	AppendSignal(ctx context.Context, runID string, sig api.Signal) (int64, error)
	// SignalsAfter returns inbox entries with Seq > after, in order.
	SignalsAfter(ctx context.Context, runID string, after int64) ([]api.Signal, error)

	AppendEvent(ctx context.Context, ev api.WorkflowEvent) error
	ListEvents(ctx context.Context, runID string) ([]api.WorkflowEvent, error)

	Close() error
}
