package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/petrijr/delaywatch/pkg/api"
)

// Gateway fans writes out to a primary backend and any number of mirrors,
// and serves reads from the first backend that answers.
type Gateway struct {
	backends []Backend
	logger   *slog.Logger
}

// NewGateway builds a gateway. primary is required; mirrors are optional and
// read in the order given.
func NewGateway(primary Backend, mirrors []Backend, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	backends := make([]Backend, 0, 1+len(mirrors))
	backends = append(backends, primary)
	backends = append(backends, mirrors...)
	return &Gateway{backends: backends, logger: logger}
}

func (g *Gateway) Primary() Backend { return g.backends[0] }

func (g *Gateway) Backends() []Backend { return g.backends }

// WriteToAll runs fn against every backend concurrently and waits for all of
// them. The primary's result is returned; mirror failures are only logged.
func WriteToAll[T any](ctx context.Context, g *Gateway, op string, fn func(context.Context, Backend) (T, error)) (T, error) {
	type outcome struct {
		val T
		err error
	}
	results := make([]outcome, len(g.backends))

	var wg sync.WaitGroup
	for i, b := range g.backends {
		wg.Add(1)
		go func(i int, b Backend) {
			defer wg.Done()
			v, err := fn(ctx, b)
			results[i] = outcome{val: v, err: err}
		}(i, b)
	}
	wg.Wait()

	for i, r := range results[1:] {
		if r.err != nil {
			g.logger.Warn("mirror_write_failed",
				slog.String("op", op),
				slog.String("backend", g.backends[i+1].Name()),
				slog.Any("error", r.err),
			)
		}
	}
	primary := results[0]
	if primary.err != nil {
		return primary.val, fmt.Errorf("%s: primary %s: %w", op, g.backends[0].Name(), primary.err)
	}
	return primary.val, nil
}

// ReadWithFallback tries each backend in order and returns the first
// success. When every backend fails the errors are joined, so
// errors.Is(err, ErrNotFound) holds if all of them reported not-found.
func ReadWithFallback[T any](ctx context.Context, g *Gateway, op string, fn func(context.Context, Backend) (T, error)) (T, error) {
	var (
		zero T
		errs []error
	)
	for i, b := range g.backends {
		v, err := fn(ctx, b)
		if err == nil {
			if i > 0 {
				g.logger.Info("read_fallback_served",
					slog.String("op", op),
					slog.String("backend", b.Name()),
				)
			}
			return v, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if !errors.Is(err, ErrNotFound) {
			g.logger.Warn("backend_read_failed",
				slog.String("op", op),
				slog.String("backend", b.Name()),
				slog.Any("error", err),
			)
		}
		errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
	}
	if allNotFound(errs) {
		return zero, fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return zero, fmt.Errorf("%s: all backends failed: %w", op, errors.Join(errs...))
}

func allNotFound(errs []error) bool {
	for _, err := range errs {
		if !errors.Is(err, ErrNotFound) {
			return false
		}
	}
	return len(errs) > 0
}

func writeOnly(ctx context.Context, g *Gateway, op string, fn func(context.Context, Backend) error) error {
	_, err := WriteToAll(ctx, g, op, func(ctx context.Context, b Backend) (struct{}, error) {
		return struct{}{}, fn(ctx, b)
	})
	return err
}

func (g *Gateway) SaveDelivery(ctx context.Context, d *api.Delivery) error {
	return writeOnly(ctx, g, "save_delivery", func(ctx context.Context, b Backend) error {
		return b.SaveDelivery(ctx, d)
	})
}

func (g *Gateway) GetDelivery(ctx context.Context, id string) (*api.Delivery, error) {
	return ReadWithFallback(ctx, g, "get_delivery", func(ctx context.Context, b Backend) (*api.Delivery, error) {
		return b.GetDelivery(ctx, id)
	})
}

func (g *Gateway) ListDeliveries(ctx context.Context, filter DeliveryFilter) ([]*api.Delivery, error) {
	return ReadWithFallback(ctx, g, "list_deliveries", func(ctx context.Context, b Backend) ([]*api.Delivery, error) {
		return b.ListDeliveries(ctx, filter)
	})
}

func (g *Gateway) UpdateDeliveryStatus(ctx context.Context, id string, status api.DeliveryStatus, at time.Time) error {
	return writeOnly(ctx, g, "update_delivery_status", func(ctx context.Context, b Backend) error {
		return b.UpdateDeliveryStatus(ctx, id, status, at)
	})
}

func (g *Gateway) DeleteDelivery(ctx context.Context, id string) error {
	return writeOnly(ctx, g, "delete_delivery", func(ctx context.Context, b Backend) error {
		return b.DeleteDelivery(ctx, id)
	})
}

// IncrementChecks applies the compare-and-increment everywhere. The primary's
// answer (new value, or current value with ErrCounterConflict) decides.
func (g *Gateway) IncrementChecks(ctx context.Context, id string, expected int, at time.Time) (int, error) {
	n, err := WriteToAll(ctx, g, "increment_checks", func(ctx context.Context, b Backend) (int, error) {
		return b.IncrementChecks(ctx, id, expected, at)
	})
	if errors.Is(err, ErrCounterConflict) {
		return n, ErrCounterConflict
	}
	return n, err
}

func (g *Gateway) SaveNotification(ctx context.Context, n *api.Notification) error {
	return writeOnly(ctx, g, "save_notification", func(ctx context.Context, b Backend) error {
		return b.SaveNotification(ctx, n)
	})
}

func (g *Gateway) UpdateNotification(ctx context.Context, n *api.Notification) error {
	return writeOnly(ctx, g, "update_notification", func(ctx context.Context, b Backend) error {
		return b.UpdateNotification(ctx, n)
	})
}

func (g *Gateway) GetNotification(ctx context.Context, id string) (*api.Notification, error) {
	return ReadWithFallback(ctx, g, "get_notification", func(ctx context.Context, b Backend) (*api.Notification, error) {
		return b.GetNotification(ctx, id)
	})
}

func (g *Gateway) ListNotifications(ctx context.Context, deliveryID string) ([]*api.Notification, error) {
	return ReadWithFallback(ctx, g, "list_notifications", func(ctx context.Context, b Backend) ([]*api.Notification, error) {
		return b.ListNotifications(ctx, deliveryID)
	})
}

func (g *Gateway) LastSentNotification(ctx context.Context, deliveryID string) (*api.Notification, error) {
	return ReadWithFallback(ctx, g, "last_sent_notification", func(ctx context.Context, b Backend) (*api.Notification, error) {
		return b.LastSentNotification(ctx, deliveryID)
	})
}

func (g *Gateway) AppendSnapshot(ctx context.Context, s *api.TrafficSnapshot) error {
	return writeOnly(ctx, g, "append_snapshot", func(ctx context.Context, b Backend) error {
		return b.AppendSnapshot(ctx, s)
	})
}

func (g *Gateway) ListSnapshots(ctx context.Context, deliveryID string) ([]*api.TrafficSnapshot, error) {
	return ReadWithFallback(ctx, g, "list_snapshots", func(ctx context.Context, b Backend) ([]*api.TrafficSnapshot, error) {
		return b.ListSnapshots(ctx, deliveryID)
	})
}

func (g *Gateway) SaveExecution(ctx context.Context, e *api.WorkflowExecution) error {
	return writeOnly(ctx, g, "save_execution", func(ctx context.Context, b Backend) error {
		return b.SaveExecution(ctx, e)
	})
}

func (g *Gateway) GetExecution(ctx context.Context, workflowID, runID string) (*api.WorkflowExecution, error) {
	return ReadWithFallback(ctx, g, "get_execution", func(ctx context.Context, b Backend) (*api.WorkflowExecution, error) {
		return b.GetExecution(ctx, workflowID, runID)
	})
}

func (g *Gateway) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*api.WorkflowExecution, error) {
	return ReadWithFallback(ctx, g, "list_executions", func(ctx context.Context, b Backend) ([]*api.WorkflowExecution, error) {
		return b.ListExecutions(ctx, filter)
	})
}

func (g *Gateway) SaveThreshold(ctx context.Context, t *api.Threshold) error {
	return writeOnly(ctx, g, "save_threshold", func(ctx context.Context, b Backend) error {
		return b.SaveThreshold(ctx, t)
	})
}

func (g *Gateway) GetThreshold(ctx context.Context, id string) (*api.Threshold, error) {
	return ReadWithFallback(ctx, g, "get_threshold", func(ctx context.Context, b Backend) (*api.Threshold, error) {
		return b.GetThreshold(ctx, id)
	})
}

func (g *Gateway) ListThresholds(ctx context.Context) ([]*api.Threshold, error) {
	return ReadWithFallback(ctx, g, "list_thresholds", func(ctx context.Context, b Backend) ([]*api.Threshold, error) {
		return b.ListThresholds(ctx)
	})
}

func (g *Gateway) DeleteThreshold(ctx context.Context, id string) error {
	return writeOnly(ctx, g, "delete_threshold", func(ctx context.Context, b Backend) error {
		return b.DeleteThreshold(ctx, id)
	})
}

// DefaultThreshold returns the preset flagged IsDefault, or ErrNotFound.
func (g *Gateway) DefaultThreshold(ctx context.Context) (*api.Threshold, error) {
	all, err := g.ListThresholds(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range all {
		if t.IsDefault {
			return t, nil
		}
	}
	return nil, ErrNotFound
}

// Close closes every backend and joins the errors.
func (g *Gateway) Close() error {
	var errs []error
	for _, b := range g.backends {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
		}
	}
	return errors.Join(errs...)
}
