package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/delaywatch/internal/activity"
	"github.com/petrijr/delaywatch/internal/delay"
	"github.com/petrijr/delaywatch/internal/message"
	"github.com/petrijr/delaywatch/pkg/api"
)

// stepFunc executes one step of a run and returns the next step.
type stepFunc func(ctx context.Context, step api.Step) (api.Step, error)

// runner executes one run. Only its goroutine touches run.
type runner struct {
	e   *Engine
	h   *runHandle
	run *api.Run

	// fresh is set when the delivery was loaded by the previous step.
	fresh bool
}

func (r *runner) drive(ctx context.Context) {
	e := r.e
	e.observer.OnRunStart(ctx, r.run)

	var next stepFunc
	switch r.run.Kind {
	case api.KindDelayNotification:
		next = r.singleStep
	case api.KindRecurringCheck:
		next = r.recurringStep
	default:
		next = func(context.Context, api.Step) (api.Step, error) {
			return "", api.NonRetryable("dispatch", fmt.Errorf("unknown workflow kind %q", r.run.Kind))
		}
	}

	err := r.loop(ctx, next)
	switch {
	case err != nil && ctx.Err() != nil:
		// Shutdown: the last checkpoint stays RUNNING for Recover.
		e.logger.InfoContext(context.WithoutCancel(ctx), "run_suspended",
			slog.String("workflow_id", r.run.WorkflowID),
			slog.String("run_id", r.run.RunID),
			slog.String("step", string(r.run.Step)),
		)
	case err != nil:
		r.fail(context.WithoutCancel(ctx), err)
	default:
		r.complete(ctx)
	}
	r.h.finish(r.run)
}

// loop executes steps until the cursor reaches a final step. The run is
// checkpointed after every step.
func (r *runner) loop(ctx context.Context, next stepFunc) error {
	e := r.e
	for !finalStep(r.run.Step) {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.applySignals(ctx)

		step := r.run.Step
		r.h.publish(r.run.Snapshot())
		e.observer.OnStepStart(ctx, r.run, step)
		e.appendEvent(ctx, r.run, api.EventStepStarted, step, "")

		started := time.Now()
		nextStep, err := next(ctx, step)
		e.observer.OnStepCompleted(ctx, r.run, step, err, time.Since(started))
		if err != nil {
			e.appendEvent(ctx, r.run, api.EventStepFailed, step, err.Error())
			return err
		}
		e.appendEvent(ctx, r.run, api.EventStepCompleted, step, "")

		r.run.Step = nextStep
		if err := r.checkpoint(ctx); err != nil {
			return err
		}
	}
	return nil
}

func finalStep(s api.Step) bool {
	return s == api.StepCompleted || s == api.StepCancelled || s == api.StepFailed
}

// checkpoint saves the run and publishes its status to queries.
func (r *runner) checkpoint(ctx context.Context) error {
	r.run.UpdatedAt = r.e.clock.Now()
	r.h.publish(r.run.Snapshot())
	_, err := activity.Execute(ctx, "save_run", r.e.store, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.e.runs.SaveRun(ctx, r.run)
	})
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	return nil
}

// applySignals drains the durable inbox past LastSignalSeq. Signals become
// part of the run's state with the next checkpoint.
func (r *runner) applySignals(ctx context.Context) {
	sigs, err := r.e.runs.SignalsAfter(ctx, r.run.RunID, r.run.LastSignalSeq)
	if err != nil {
		if ctx.Err() == nil {
			r.e.logger.WarnContext(ctx, "signal_drain_failed",
				slog.String("run_id", r.run.RunID),
				slog.Any("error", err),
			)
		}
		return
	}
	for _, sig := range sigs {
		switch sig.Name {
		case api.SignalCancel:
			if !r.run.Cancelled {
				r.run.Cancelled = true
				r.run.CancelReason = sig.Reason
				r.run.CancelledBy = sig.Actor
			}
		case api.SignalUpdateThreshold:
			if sig.ThresholdMinutes > 0 {
				r.run.ThresholdMinutes = sig.ThresholdMinutes
			}
		}
		r.run.LastSignalSeq = sig.Seq
		r.e.appendEvent(ctx, r.run, api.EventSignalReceived, r.run.Step, string(sig.Name))
	}
	if len(sigs) > 0 {
		r.h.publish(r.run.Snapshot())
	}
}

func (r *runner) complete(ctx context.Context) {
	e := r.e
	typ := api.EventRunCompleted
	if r.run.Status == api.StatusCancelled {
		typ = api.EventRunCancelled
	}
	e.appendEvent(ctx, r.run, typ, r.run.Step, string(r.run.Result.StopReason))
	e.observer.OnRunCompleted(ctx, r.run)
}

// fail marks the run failed. Persisting the failure is best-effort.
func (r *runner) fail(ctx context.Context, cause error) {
	e := r.e
	now := e.clock.Now()
	r.run.Status = api.StatusFailed
	r.run.Step = api.StepFailed
	r.run.Error = cause.Error()
	r.run.Result.Success = false
	r.run.Result.Error = cause.Error()
	r.run.CompletedAt = now
	r.run.UpdatedAt = now

	if err := e.runs.SaveRun(ctx, r.run); err != nil {
		e.logger.ErrorContext(ctx, "failure_checkpoint_failed",
			slog.String("workflow_id", r.run.WorkflowID),
			slog.String("run_id", r.run.RunID),
			slog.Any("error", err),
		)
	}
	r.saveExecution(ctx)
	e.appendEvent(ctx, r.run, api.EventRunFailed, r.run.Step, cause.Error())
	e.observer.OnRunFailed(ctx, r.run, cause)
}

// saveExecution writes the run-level execution record. Failures are logged.
func (r *runner) saveExecution(ctx context.Context) {
	res := r.run.Result
	exec := &api.WorkflowExecution{
		WorkflowID:  r.run.WorkflowID,
		RunID:       r.run.RunID,
		Kind:        r.run.Kind,
		DeliveryID:  r.run.DeliveryID,
		Iteration:   r.run.Iteration,
		Status:      r.run.Status,
		StartedAt:   r.run.CreatedAt,
		CompletedAt: r.run.CompletedAt,
		Result:      &res,
		Error:       r.run.Error,
		BuildID:     r.run.BuildID,
	}
	if err := r.e.acts.SaveExecution(ctx, exec); err != nil {
		r.e.logger.ErrorContext(ctx, "execution_record_failed",
			slog.String("workflow_id", r.run.WorkflowID),
			slog.String("run_id", r.run.RunID),
			slog.Any("error", err),
		)
	}
}

// end moves the run to its final status and returns the final step.
func (r *runner) end(ctx context.Context, status api.Status) api.Step {
	now := r.e.clock.Now()
	r.run.Status = status
	r.run.CompletedAt = now
	r.run.Result.Success = status == api.StatusCompleted
	r.run.Result.Cancelled = status == api.StatusCancelled
	r.saveExecution(ctx)
	if status == api.StatusCancelled {
		return api.StepCancelled
	}
	return api.StepCompleted
}

// input merges the workflow input with the cached delivery for fields the
// input leaves empty.
func (r *runner) input() api.MonitorInput {
	in := r.run.Input.MonitorInput
	d := r.run.Delivery
	if d == nil {
		return in
	}
	if in.RouteID == "" {
		in.RouteID = d.RouteID
	}
	if in.CustomerID == "" {
		in.CustomerID = d.CustomerID
	}
	if in.CustomerEmail == "" {
		in.CustomerEmail = d.CustomerEmail
	}
	if in.CustomerPhone == "" {
		in.CustomerPhone = d.CustomerPhone
	}
	if in.Origin.Address == "" && !in.Origin.HasCoordinates() {
		in.Origin = d.Origin
	}
	if in.Destination.Address == "" && !in.Destination.HasCoordinates() {
		in.Destination = d.Destination
	}
	if in.ScheduledTime.IsZero() {
		in.ScheduledTime = d.ScheduledTime
	}
	return in
}

// attempt is the 1-based number of the pass through the pipeline.
func (r *runner) attempt() int {
	return r.run.Iteration + 1
}

func (r *runner) checkTraffic(ctx context.Context) error {
	in := r.input()
	tr, err := r.e.acts.CheckTraffic(ctx, in)
	if err != nil {
		return err
	}
	r.run.Result.Traffic = tr

	snapshotID := fmt.Sprintf("%s:%d", r.run.RunID, r.attempt())
	if err := r.e.acts.RecordSnapshot(ctx, snapshotID, in, tr); err != nil {
		if ctx.Err() != nil {
			return err
		}
		r.e.logger.WarnContext(ctx, "snapshot_record_failed",
			slog.String("run_id", r.run.RunID),
			slog.Any("error", err),
		)
	}
	return nil
}

// evaluate grades the latest traffic result against the current threshold.
func (r *runner) evaluate() bool {
	tr := r.run.Result.Traffic
	if tr == nil {
		tr = &api.TrafficResult{}
	}
	eval := delay.Evaluate(tr.DelayMinutes, r.run.ThresholdMinutes)
	r.run.Result.Evaluation = &eval
	r.run.DelayDetected = eval.ExceedsThreshold
	return eval.ExceedsThreshold
}

func (r *runner) generate(ctx context.Context) error {
	in := r.input()
	channels := in.Channels()
	if len(channels) == 0 {
		r.e.logger.WarnContext(ctx, "no_notification_channels",
			slog.String("workflow_id", r.run.WorkflowID),
			slog.String("delivery_id", r.run.DeliveryID),
		)
		r.run.Result.Message = &api.MessageResult{}
		return nil
	}

	mi := message.Input{
		Destination:   in.Destination.Address,
		ScheduledTime: in.ScheduledTime,
		Channels:      channels,
	}
	if d := r.run.Delivery; d != nil {
		mi.TrackingNumber = d.TrackingNumber
	}
	if ev := r.run.Result.Evaluation; ev != nil {
		mi.DelayMinutes = ev.DelayMinutes
		mi.Severity = ev.Severity
	}
	if tr := r.run.Result.Traffic; tr != nil {
		mi.Condition = tr.Condition
	}

	msg, err := r.e.acts.GenerateMessages(ctx, mi)
	if err != nil {
		return err
	}
	r.run.Result.Message = msg
	return nil
}

// dispatch sends every generated message that has no dispatch result yet,
// checkpointing after each channel.
func (r *runner) dispatch(ctx context.Context) error {
	in := r.input()
	if r.run.Result.Dispatch == nil {
		r.run.Result.Dispatch = &api.DispatchResult{}
	}
	if r.run.Result.Message == nil {
		return nil
	}

	delayMinutes := 0
	if ev := r.run.Result.Evaluation; ev != nil {
		delayMinutes = ev.DelayMinutes
	}

	for _, m := range r.run.Result.Message.Messages {
		if dispatched(r.run.Result.Dispatch, m.Channel) {
			continue
		}
		d, err := r.e.acts.SendNotification(ctx, activity.SendRequest{
			NotificationID: notificationID(r.run, r.attempt(), m.Channel),
			DeliveryID:     r.run.DeliveryID,
			CustomerID:     in.CustomerID,
			Channel:        m.Channel,
			Recipient:      in.Recipient(m.Channel),
			Subject:        m.Subject,
			Body:           m.Body,
			DelayMinutes:   delayMinutes,
		})
		if err != nil {
			return err
		}
		r.run.Result.Dispatch.Channels = append(r.run.Result.Dispatch.Channels, *d)
		if d.Sent {
			r.run.NotificationSent = true
			r.run.NotificationsSent++
			r.run.Result.NotificationsSent = r.run.NotificationsSent
		}
		if err := r.checkpoint(ctx); err != nil {
			return err
		}
	}
	return nil
}

func dispatched(d *api.DispatchResult, ch api.Channel) bool {
	for _, c := range d.Channels {
		if c.Channel == ch {
			return true
		}
	}
	return false
}

// notificationID is the natural key of one channel send.
func notificationID(run *api.Run, attempt int, ch api.Channel) string {
	return fmt.Sprintf("%s:%s:%d:%s", run.WorkflowID, run.RunID, attempt, ch)
}
