package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/delaywatch/internal/dedup"
	"github.com/petrijr/delaywatch/pkg/api"
)

// recurringStep is the recurring loop. After the initial delivery fetch each
// iteration runs
//
//	stop_conditions -> traffic_check -> delay_evaluation -> [deduplication ->
//	[message_generation -> notification_delivery]] -> counter_increment ->
//	iteration_record -> sleeping
//
// until a stop condition holds, then finalize reconciles the delivery status.
func (r *runner) recurringStep(ctx context.Context, step api.Step) (api.Step, error) {
	switch step {
	case api.StepFetchDelivery:
		d, err := r.e.acts.GetDelivery(ctx, r.run.DeliveryID)
		if err != nil {
			return "", err
		}
		r.run.Delivery = d
		r.fresh = true
		return api.StepStopConditions, nil

	case api.StepStopConditions:
		if reason, ok := r.stopBeforeRefresh(); ok {
			return r.stop(reason), nil
		}
		if err := r.refreshDelivery(ctx); err != nil {
			return "", err
		}
		if reason, ok := r.stopAfterRefresh(); ok {
			return r.stop(reason), nil
		}
		r.beginIteration()
		return api.StepTrafficCheck, nil

	case api.StepTrafficCheck:
		if r.run.Cancelled {
			return r.stop(api.StopCancelled), nil
		}
		if err := r.checkTraffic(ctx); err != nil {
			return "", err
		}
		return api.StepDelayEvaluation, nil

	case api.StepDelayEvaluation:
		if r.run.Cancelled {
			return r.stop(api.StopCancelled), nil
		}
		if r.evaluate() {
			return api.StepDeduplication, nil
		}
		return api.StepCounterIncrement, nil

	case api.StepDeduplication:
		if r.run.Cancelled {
			return r.stop(api.StopCancelled), nil
		}
		notify, err := r.shouldNotify(ctx)
		if err != nil {
			return "", err
		}
		r.run.Notify = notify
		if !notify {
			return api.StepCounterIncrement, nil
		}
		if err := r.markDelayed(ctx); err != nil {
			return "", err
		}
		return api.StepMessageGeneration, nil

	case api.StepMessageGeneration:
		if r.run.Cancelled {
			return r.stop(api.StopCancelled), nil
		}
		if err := r.generate(ctx); err != nil {
			return "", err
		}
		return api.StepNotificationDelivery, nil

	case api.StepNotificationDelivery:
		if r.run.Cancelled && r.run.Result.Dispatch == nil {
			return r.stop(api.StopCancelled), nil
		}
		if err := r.dispatch(ctx); err != nil {
			return "", err
		}
		return api.StepCounterIncrement, nil

	case api.StepCounterIncrement:
		n, err := r.e.acts.IncrementChecks(ctx, r.run.DeliveryID, r.run.ExpectedChecks)
		if err != nil {
			return "", err
		}
		r.run.Delivery.ChecksPerformed = n
		r.run.ConfirmedChecks = n
		r.run.Iteration++
		r.run.Result.ChecksPerformed = r.run.Iteration
		return api.StepIterationRecord, nil

	case api.StepIterationRecord:
		if Patched(r.run, PatchIterationRecords) {
			r.saveIteration(ctx)
		}
		if r.maxChecksReached() {
			return api.StepStopConditions, nil
		}
		interval := time.Duration(r.run.Input.CheckIntervalMinutes) * time.Minute
		r.run.NextCheckAt = r.e.clock.Now().Add(interval)
		return api.StepSleeping, nil

	case api.StepSleeping:
		if err := r.sleep(ctx); err != nil {
			return "", err
		}
		return api.StepStopConditions, nil

	case api.StepFinalize:
		r.reconcileStatus(ctx)
		if r.run.Result.StopReason == api.StopCancelled {
			return r.end(ctx, api.StatusCancelled), nil
		}
		return r.end(ctx, api.StatusCompleted), nil
	}
	return "", api.NonRetryable("recurring", fmt.Errorf("unexpected step %q", step))
}

func (r *runner) maxChecksReached() bool {
	limit := r.run.Input.MaxChecks
	return limit != api.UnlimitedChecks && r.run.Iteration >= limit
}

// stopBeforeRefresh checks the conditions that need no delivery read:
// max checks, then cancellation.
func (r *runner) stopBeforeRefresh() (api.StopReason, bool) {
	if r.maxChecksReached() {
		return api.StopMaxChecks, true
	}
	if r.run.Cancelled {
		return api.StopCancelled, true
	}
	return "", false
}

// stopAfterRefresh checks terminal delivery status, then the cutoff.
func (r *runner) stopAfterRefresh() (api.StopReason, bool) {
	if r.run.Delivery != nil && r.run.Delivery.Status.Terminal() {
		return api.StopTerminal, true
	}
	scheduled := r.input().ScheduledTime
	if scheduled.IsZero() {
		return "", false
	}
	cutoff := scheduled.Add(r.run.Input.Cutoff(r.e.unlimitedCutoff))
	if r.e.clock.Now().After(cutoff) {
		return api.StopCutoff, true
	}
	return "", false
}

// refreshDelivery reloads the delivery unless it was fetched by the step
// just before. Failed refreshes fall back to the cached copy.
func (r *runner) refreshDelivery(ctx context.Context) error {
	if r.fresh {
		r.fresh = false
		return nil
	}
	d, err := r.e.acts.GetDelivery(ctx, r.run.DeliveryID)
	if err == nil {
		r.run.Delivery = d
		return nil
	}
	if ctx.Err() != nil || !Patched(r.run, PatchDeliveryCacheFallback) {
		return err
	}
	if r.run.Delivery == nil {
		return api.NonRetryable("refresh_delivery", fmt.Errorf("%w: %v", api.ErrNoCachedDelivery, err))
	}
	r.e.logger.WarnContext(ctx, "delivery_refresh_failed",
		slog.String("workflow_id", r.run.WorkflowID),
		slog.String("delivery_id", r.run.DeliveryID),
		slog.Bool("using_cache", true),
		slog.Any("error", err),
	)
	return nil
}

func (r *runner) beginIteration() {
	expected := r.run.Delivery.ChecksPerformed
	if r.run.Iteration > 0 && r.run.ConfirmedChecks > expected {
		// A mirror read can lag behind the counter this run already moved.
		expected = r.run.ConfirmedChecks
	}
	r.run.ExpectedChecks = expected
	r.run.IterationAt = r.e.clock.Now()
	r.run.NextCheckAt = time.Time{}
	r.run.Notify = false
	r.run.Result.Traffic = nil
	r.run.Result.Evaluation = nil
	r.run.Result.Message = nil
	r.run.Result.Dispatch = nil
}

func (r *runner) shouldNotify(ctx context.Context) (bool, error) {
	if !Patched(r.run, PatchNotificationDedup) {
		return true, nil
	}
	last, err := r.e.acts.LastNotification(ctx, r.run.DeliveryID)
	if err != nil {
		return false, err
	}
	decision := dedup.ShouldNotify(r.run.Result.Evaluation.DelayMinutes, last, dedup.SettingsFor(r.run.Delivery), r.e.clock.Now())
	r.e.logger.InfoContext(ctx, "dedup_decision",
		slog.String("workflow_id", r.run.WorkflowID),
		slog.Int("iteration", r.attempt()),
		slog.Bool("notify", decision.Notify),
		slog.String("rule", string(decision.Rule)),
	)
	return decision.Notify, nil
}

func (r *runner) markDelayed(ctx context.Context) error {
	if r.run.Delivery.Status == api.DeliveryDelayed {
		return nil
	}
	if err := r.e.acts.UpdateDeliveryStatus(ctx, r.run.DeliveryID, api.DeliveryDelayed); err != nil {
		return err
	}
	r.run.Delivery.Status = api.DeliveryDelayed
	return nil
}

// saveIteration writes the per-iteration execution record. Failures are logged.
func (r *runner) saveIteration(ctx context.Context) {
	res := r.run.Result
	exec := &api.WorkflowExecution{
		WorkflowID:  fmt.Sprintf("%s-check-%d", r.run.WorkflowID, r.run.Iteration),
		RunID:       r.run.RunID,
		Kind:        r.run.Kind,
		DeliveryID:  r.run.DeliveryID,
		Iteration:   r.run.Iteration,
		Status:      api.StatusCompleted,
		StartedAt:   r.run.IterationAt,
		CompletedAt: r.e.clock.Now(),
		Result:      &res,
		BuildID:     r.run.BuildID,
	}
	if err := r.e.acts.SaveExecution(ctx, exec); err != nil {
		r.e.logger.WarnContext(ctx, "iteration_record_failed",
			slog.String("workflow_id", r.run.WorkflowID),
			slog.Int("iteration", r.run.Iteration),
			slog.Any("error", err),
		)
	}
}

// sleep waits until NextCheckAt. Signals wake it early; a cancel ends the
// wait.
func (r *runner) sleep(ctx context.Context) error {
	for {
		if r.run.Cancelled {
			return nil
		}
		remaining := r.run.NextCheckAt.Sub(r.e.clock.Now())
		if remaining <= 0 {
			return nil
		}
		wait := remaining
		if p := r.e.signalPoll; p > 0 && p < wait {
			wait = p
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.h.wake:
		case <-r.e.clock.After(wait):
		}
		r.applySignals(ctx)
	}
}

// reconcileStatus moves a delivery that is neither terminal nor delayed to
// in_transit. Failures are logged.
func (r *runner) reconcileStatus(ctx context.Context) {
	d := r.run.Delivery
	if d == nil || d.Status.Terminal() || d.Status == api.DeliveryDelayed || d.Status == api.DeliveryInTransit {
		return
	}
	if err := r.e.acts.UpdateDeliveryStatus(ctx, r.run.DeliveryID, api.DeliveryInTransit); err != nil {
		r.e.logger.WarnContext(ctx, "status_reconcile_failed",
			slog.String("delivery_id", r.run.DeliveryID),
			slog.Any("error", err),
		)
		return
	}
	d.Status = api.DeliveryInTransit
}
