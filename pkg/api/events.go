package api

import "time"

// EventType identifies a run history event.
type EventType string

const (
	EventRunStarted   EventType = "run.started"
	EventRunResumed   EventType = "run.resumed"
	EventRunCompleted EventType = "run.completed"
	EventRunCancelled EventType = "run.cancelled"
	EventRunFailed    EventType = "run.failed"

	EventSignalReceived EventType = "signal.received"

	EventStepStarted   EventType = "step.started"
	EventStepCompleted EventType = "step.completed"
	EventStepFailed    EventType = "step.failed"
)

// WorkflowEvent is a small append-only history record for audit/debugging.
type WorkflowEvent struct {
	RunID      string
	WorkflowID string
	At         time.Time
	Type       EventType
	Step       Step
	Iteration  int

	// Small, human-oriented details (e.g. signal name, error string).
	Detail string
}
