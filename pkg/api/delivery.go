package api

import (
	"time"
)

// DeliveryStatus is the lifecycle status of a Delivery.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryInTransit DeliveryStatus = "in_transit"
	DeliveryDelayed   DeliveryStatus = "delayed"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryCancelled DeliveryStatus = "cancelled"
	DeliveryFailed    DeliveryStatus = "failed"
)

// Terminal reports whether no further checks may run for a delivery in this status.
func (s DeliveryStatus) Terminal() bool {
	switch s {
	case DeliveryDelivered, DeliveryCancelled, DeliveryFailed:
		return true
	default:
		return false
	}
}

// UnlimitedChecks is the MaxChecks sentinel for recurring runs without a check limit.
const UnlimitedChecks = -1

// Defaults applied when a delivery or workflow input leaves a value unset.
const (
	DefaultThresholdMinutes             = 30
	DefaultCheckIntervalMinutes         = 15
	DefaultMinDelayChangeMinutes        = 15
	DefaultMinHoursBetweenNotifications = 1.0
	DefaultBoundedCutoff                = 2 * time.Hour
	DefaultUnlimitedCutoff              = 72 * time.Hour
)

// Location is an address with optional coordinates.
type Location struct {
	Address string
	Lat     *float64
	Lng     *float64
}

// HasCoordinates reports whether both Lat and Lng are set.
func (l Location) HasCoordinates() bool {
	return l.Lat != nil && l.Lng != nil
}

// RecurringConfig controls the recurring check loop of a delivery.
type RecurringConfig struct {
	Enabled         bool
	IntervalMinutes int
	// MaxChecks is the number of iterations to run, or UnlimitedChecks.
	MaxChecks int
	// CutoffHours overrides the grace window after ScheduledTime. Zero means default.
	CutoffHours float64
}

// Delivery is a monitored shipment.
type Delivery struct {
	ID             string
	TrackingNumber string
	RouteID        string
	CustomerID     string
	CustomerEmail  string
	CustomerPhone  string

	Origin      Location
	Destination Location

	ScheduledTime         time.Time
	DelayThresholdMinutes int
	Recurring             RecurringConfig

	// Deduplication tuning; zero values fall back to the package defaults.
	MinDelayChangeMinutes        int
	MinHoursBetweenNotifications float64

	ChecksPerformed int
	LastCheckAt     time.Time
	Status          DeliveryStatus

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TrafficCondition is the coarse traffic classification of a route sample.
type TrafficCondition string

const (
	TrafficLight    TrafficCondition = "light"
	TrafficModerate TrafficCondition = "moderate"
	TrafficHeavy    TrafficCondition = "heavy"
	TrafficSevere   TrafficCondition = "severe"
)

// TrafficSnapshot is one append-only traffic sample for a route.
type TrafficSnapshot struct {
	ID                    string
	DeliveryID            string
	RouteID               string
	Condition             TrafficCondition
	DelayMinutes          int
	DurationSeconds       int
	NormalDurationSeconds int
	Provider              string
	CapturedAt            time.Time
}

// Channel is a notification channel.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// NotificationStatus is the dispatch status of a Notification.
type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationSent    NotificationStatus = "sent"
	NotificationFailed  NotificationStatus = "failed"
)

// Notification is one dispatch attempt on one channel. Once Status leaves
// NotificationPending the record is immutable.
type Notification struct {
	// ID is the natural key <workflowID>:<runID>:<iteration>:<channel>.
	ID                string
	DeliveryID        string
	CustomerID        string
	Channel           Channel
	Recipient         string
	Subject           string
	Message           string
	DelayMinutes      int
	Status            NotificationStatus
	Provider          string
	ProviderMessageID string
	ErrorMessage      string
	SentAt            time.Time
	CreatedAt         time.Time
}

// WorkflowExecution is the observability record of a run or of one
// iteration of a recurring run.
type WorkflowExecution struct {
	WorkflowID  string
	RunID       string
	Kind        WorkflowKind
	DeliveryID  string
	Iteration   int
	Status      Status
	StartedAt   time.Time
	CompletedAt time.Time
	Result      *WorkflowResult
	Error       string
	BuildID     string
}

// Threshold is a named delay preset.
type Threshold struct {
	ID           string
	Name         string
	DelayMinutes int
	Channels     []Channel
	IsDefault    bool
	CreatedAt    time.Time
}
