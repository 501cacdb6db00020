package api

// Task payloads placed on a task queue. They are public so both the queue
// producers and the worker can depend on a common type without creating an
// import cycle.

// StartDelayCheckPayload is the payload of a "start-delay-check" task.
type StartDelayCheckPayload struct {
	Input MonitorInput
}

// StartRecurringPayload is the payload of a "start-recurring-check" task.
type StartRecurringPayload struct {
	Input RecurringInput
}

// SignalPayload is the payload of a "signal" task.
type SignalPayload struct {
	WorkflowID string
	Signal     Signal
}
