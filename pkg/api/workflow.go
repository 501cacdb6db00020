package api

import (
	"time"
)

// Status is the lifecycle status of a run or execution record.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Done reports whether the status is final.
func (s Status) Done() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// WorkflowKind distinguishes the two supported workflow shapes.
type WorkflowKind string

const (
	KindDelayNotification WorkflowKind = "delay-notification"
	KindRecurringCheck    WorkflowKind = "recurring-check"
)

// WorkflowID derives the logical workflow id for a delivery.
func WorkflowID(kind WorkflowKind, deliveryID string) string {
	return string(kind) + "-" + deliveryID
}

// Step is a position of the run cursor.
type Step string

const (
	StepFetchDelivery        Step = "fetch_delivery"
	StepStopConditions       Step = "stop_conditions"
	StepTrafficCheck         Step = "traffic_check"
	StepDelayEvaluation      Step = "delay_evaluation"
	StepDeduplication        Step = "deduplication"
	StepMessageGeneration    Step = "message_generation"
	StepNotificationDelivery Step = "notification_delivery"
	StepCounterIncrement     Step = "counter_increment"
	StepIterationRecord      Step = "iteration_record"
	StepSleeping             Step = "sleeping"
	StepFinalize             Step = "finalize"
	StepCompleted            Step = "completed"
	StepCancelled            Step = "cancelled"
	StepFailed               Step = "failed"
)

// Severity grades how late a delivery is.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityMinor    Severity = "minor"
	SeverityModerate Severity = "moderate"
	SeverityMajor    Severity = "major"
	SeveritySevere   Severity = "severe"
)

// MonitorInput starts a single-shot delay check.
type MonitorInput struct {
	DeliveryID    string
	RouteID       string
	CustomerID    string
	CustomerEmail string
	CustomerPhone string
	Origin        Location
	Destination   Location
	ScheduledTime time.Time
	// ThresholdMinutes defaults to DefaultThresholdMinutes when zero.
	ThresholdMinutes int
}

// Channels returns the channels that have a recipient.
func (in MonitorInput) Channels() []Channel {
	var out []Channel
	if in.CustomerEmail != "" {
		out = append(out, ChannelEmail)
	}
	if in.CustomerPhone != "" {
		out = append(out, ChannelSMS)
	}
	return out
}

// Recipient returns the address used for ch.
func (in MonitorInput) Recipient(ch Channel) string {
	switch ch {
	case ChannelEmail:
		return in.CustomerEmail
	case ChannelSMS:
		return in.CustomerPhone
	}
	return ""
}

// RecurringInput starts a recurring check loop.
type RecurringInput struct {
	MonitorInput
	CheckIntervalMinutes int
	// MaxChecks is the iteration limit, or UnlimitedChecks.
	MaxChecks int
	// CutoffHours overrides the default cutoff window when > 0.
	CutoffHours float64
}

// Cutoff returns the grace window after the scheduled time.
func (in RecurringInput) Cutoff(unlimitedDefault time.Duration) time.Duration {
	if in.CutoffHours > 0 {
		return time.Duration(in.CutoffHours * float64(time.Hour))
	}
	if in.MaxChecks == UnlimitedChecks {
		if unlimitedDefault <= 0 {
			return DefaultUnlimitedCutoff
		}
		return unlimitedDefault
	}
	return DefaultBoundedCutoff
}

// TrafficResult is the output of the traffic_check step.
type TrafficResult struct {
	Provider              string
	DelayMinutes          int
	Condition             TrafficCondition
	DurationSeconds       int
	NormalDurationSeconds int
	CapturedAt            time.Time
}

// EvaluationResult is the output of the delay_evaluation step.
type EvaluationResult struct {
	ExceedsThreshold bool
	Severity         Severity
	DelayMinutes     int
	ThresholdMinutes int
}

// ChannelMessage is the composed message for one channel.
type ChannelMessage struct {
	Channel Channel
	Subject string
	Body    string
}

// MessageResult is the output of the message_generation step.
type MessageResult struct {
	Messages    []ChannelMessage
	AIGenerated bool
	Model       string
	Tokens      int
}

// ChannelDispatch is the delivery outcome on one channel.
type ChannelDispatch struct {
	Channel        Channel
	NotificationID string
	Sent           bool
	Provider       string
	MessageID      string
	Error          string
}

// DispatchResult is the output of the notification_delivery step.
type DispatchResult struct {
	Channels []ChannelDispatch
}

// AnySent reports whether at least one channel was sent.
func (d *DispatchResult) AnySent() bool {
	if d == nil {
		return false
	}
	for _, c := range d.Channels {
		if c.Sent {
			return true
		}
	}
	return false
}

// WorkflowResult is the output of a run. For recurring runs the step
// results are those of the last completed iteration.
type WorkflowResult struct {
	Success    bool
	Cancelled  bool
	Error      string
	Traffic    *TrafficResult
	Evaluation *EvaluationResult
	Message    *MessageResult
	Dispatch   *DispatchResult

	ChecksPerformed   int
	NotificationsSent int
	StopReason        StopReason
}

// StopReason names why a recurring loop ended.
type StopReason string

const (
	StopMaxChecks StopReason = "max_checks"
	StopCancelled StopReason = "cancelled"
	StopTerminal  StopReason = "terminal_status"
	StopCutoff    StopReason = "cutoff"
)

// SignalName identifies a signal.
type SignalName string

const (
	SignalCancel          SignalName = "cancel"
	SignalUpdateThreshold SignalName = "updateThreshold"
)

// Signal is a control message delivered to a running workflow.
type Signal struct {
	// Seq is assigned by the run store when the signal is appended.
	Seq              int64
	Name             SignalName
	Reason           string
	Actor            string
	ThresholdMinutes int
	SentAt           time.Time
}

// StatusSnapshot answers a status query.
type StatusSnapshot struct {
	WorkflowID       string
	RunID            string
	Kind             WorkflowKind
	Status           Status
	CurrentStep      Step
	Iteration        int
	ThresholdMinutes int
	StartedAt        time.Time
	LastUpdateAt     time.Time
	NextCheckAt      time.Time
	DelayDetected    bool
	NotificationSent bool
	Error            string
}

// Run is the durable checkpoint of one workflow run.
type Run struct {
	WorkflowID string
	RunID      string
	Kind       WorkflowKind
	DeliveryID string
	Status     Status
	Step       Step
	BuildID    string

	Input            RecurringInput
	ThresholdMinutes int

	// Iteration counts completed iterations of a recurring run.
	Iteration int
	// ExpectedChecks is the delivery counter value observed when the
	// current iteration started.
	ExpectedChecks int
	// ConfirmedChecks is the counter value returned by this run's last
	// successful increment.
	ConfirmedChecks int
	// Notify is the dedup decision of the current iteration.
	Notify bool

	// LastSignalSeq is the inbox position already applied to this run.
	LastSignalSeq int64

	Cancelled    bool
	CancelReason string
	CancelledBy  string

	Delivery *Delivery
	Result   WorkflowResult

	DelayDetected     bool
	NotificationSent  bool
	NotificationsSent int

	NextCheckAt time.Time
	IterationAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt time.Time
	Error       string
}

// Snapshot builds a StatusSnapshot of the run.
func (r *Run) Snapshot() StatusSnapshot {
	return StatusSnapshot{
		WorkflowID:       r.WorkflowID,
		RunID:            r.RunID,
		Kind:             r.Kind,
		Status:           r.Status,
		CurrentStep:      r.Step,
		Iteration:        r.Iteration,
		ThresholdMinutes: r.ThresholdMinutes,
		StartedAt:        r.CreatedAt,
		LastUpdateAt:     r.UpdatedAt,
		NextCheckAt:      r.NextCheckAt,
		DelayDetected:    r.DelayDetected,
		NotificationSent: r.NotificationSent,
		Error:            r.Error,
	}
}

// RetryPolicy controls how failed activity attempts are retried.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int
	// InitialBackoff is the delay before the second attempt.
	InitialBackoff time.Duration
	// BackoffMultiplier grows the delay after each retry. Values <= 1 default to 2.0.
	BackoffMultiplier float64
	// MaxBackoff caps the delay. Zero means no cap.
	MaxBackoff time.Duration
}
