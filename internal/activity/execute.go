// Package activity wraps every side effect of a monitoring run (traffic
// lookups, message generation, sends and storage calls) with a per-attempt
// timeout and exponential-backoff retries.
package activity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/delaywatch/pkg/api"
)

// Options configures one activity class.
type Options struct {
	// StartToCloseTimeout bounds a single attempt. Zero means no timeout.
	StartToCloseTimeout time.Duration
	Retry               api.RetryPolicy

	// Clock drives backoff waits. Defaults to api.SystemClock.
	Clock  api.Clock
	Logger *slog.Logger
}

var (
	// ExternalOptions is used for calls to outside services.
	ExternalOptions = Options{
		StartToCloseTimeout: 2 * time.Minute,
		Retry: api.RetryPolicy{
			MaxAttempts:       3,
			InitialBackoff:    5 * time.Second,
			BackoffMultiplier: 2.0,
		},
	}

	// PersistenceOptions is used for storage calls.
	PersistenceOptions = Options{
		StartToCloseTimeout: 5 * time.Minute,
		Retry: api.RetryPolicy{
			MaxAttempts:       5,
			InitialBackoff:    10 * time.Second,
			BackoffMultiplier: 2.0,
		},
	}
)

// Execute runs fn until it succeeds, returns a non-retryable error, the
// context ends, or the attempts are used up. The last error is returned
// wrapped with the activity name.
func Execute[T any](ctx context.Context, name string, opts Options, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	clock := opts.Clock
	if clock == nil {
		clock = api.SystemClock{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	maxAttempts := opts.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	backoff := opts.Retry.InitialBackoff
	multiplier := opts.Retry.BackoffMultiplier
	if multiplier <= 1 {
		multiplier = 2.0
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := runAttempt(ctx, opts.StartToCloseTimeout, fn)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if api.IsNonRetryable(err) || ctx.Err() != nil {
			break
		}
		if attempt == maxAttempts {
			break
		}

		delay := backoff
		if opts.Retry.MaxBackoff > 0 && delay > opts.Retry.MaxBackoff {
			delay = opts.Retry.MaxBackoff
		}
		logger.WarnContext(ctx, "activity_retry",
			slog.String("activity", name),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", delay),
			slog.Any("error", err),
		)
		if delay > 0 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-clock.After(delay):
			}
		}
		backoff = time.Duration(float64(backoff) * multiplier)
	}

	return zero, fmt.Errorf("activity %s: %w", name, lastErr)
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx)
}
