package api

import (
	"errors"
	"fmt"
)

var (
	// ErrDeliveryNotFound is returned when a run's delivery does not exist in any backend.
	ErrDeliveryNotFound = errors.New("delivery not found")

	// ErrNoCachedDelivery is returned when a delivery refresh fails and no cached copy exists.
	ErrNoCachedDelivery = errors.New("no cached delivery details")

	// ErrRunNotFound is returned when no run exists for a workflow id.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunNotActive is returned when signalling a run that already finished.
	ErrRunNotActive = errors.New("run is not active")

	// ErrRunAlreadyActive is returned when starting a workflow id that has a running run.
	ErrRunAlreadyActive = errors.New("a run with this workflow id is already active")

	// ErrRunFailed is returned by synchronous and awaiting calls when the run ended as failed.
	ErrRunFailed = errors.New("run failed")

	// ErrInvalidInput is returned for malformed workflow inputs and signals.
	ErrInvalidInput = errors.New("invalid input")
)

// ApplicationError is a domain error raised by an activity. NonRetryable
// errors fail the run without further attempts.
type ApplicationError struct {
	Op           string
	Err          error
	NonRetryable bool
}

func (e *ApplicationError) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ApplicationError) Unwrap() error { return e.Err }

// NonRetryable marks err so that activity retries stop immediately.
func NonRetryable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &ApplicationError{Op: op, Err: err, NonRetryable: true}
}

// IsNonRetryable reports whether err (or anything it wraps) is a non-retryable ApplicationError.
func IsNonRetryable(err error) bool {
	var ae *ApplicationError
	return errors.As(err, &ae) && ae.NonRetryable
}
