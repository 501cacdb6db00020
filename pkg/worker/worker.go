package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/delaywatch/internal/taskqueue"
	"github.com/petrijr/delaywatch/pkg/api"
)

// Config controls task retries.
type Config struct {
	// MaxAttempts is the number of times a task is tried, including the
	// first. Values <= 0 mean a single attempt.
	MaxAttempts int
	// Backoff is the delay before the first retry; it doubles per attempt.
	Backoff time.Duration
	Logger  *slog.Logger
}

// Worker pulls tasks from a Queue and hands them to an Engine.
type Worker struct {
	engine api.Engine
	queue  taskqueue.Queue
	cfg    Config
	logger *slog.Logger
}

// Ensure Worker implements api.AsyncStarter.
var _ api.AsyncStarter = (*Worker)(nil)

// New creates a Worker that tries every task once.
func New(engine api.Engine, queue taskqueue.Queue) *Worker {
	return NewWithConfig(engine, queue, Config{})
}

// NewWithConfig creates a Worker with the given retry policy.
func NewWithConfig(engine api.Engine, queue taskqueue.Queue, cfg Config) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{engine: engine, queue: queue, cfg: cfg, logger: logger}
}

// EnqueueDelayCheck enqueues a task to start a single-shot delay check.
// It does NOT run the check itself; that is done by ProcessOne.
func (w *Worker) EnqueueDelayCheck(ctx context.Context, in api.MonitorInput) error {
	t := taskqueue.NewTask(taskqueue.TaskStartDelayCheck,
		api.WorkflowID(api.KindDelayNotification, in.DeliveryID),
		api.StartDelayCheckPayload{Input: in})
	return w.queue.Enqueue(ctx, t)
}

// EnqueueRecurringCheck enqueues a task to start a recurring check.
func (w *Worker) EnqueueRecurringCheck(ctx context.Context, in api.RecurringInput) error {
	t := taskqueue.NewTask(taskqueue.TaskStartRecurringCheck,
		api.WorkflowID(api.KindRecurringCheck, in.DeliveryID),
		api.StartRecurringPayload{Input: in})
	return w.queue.Enqueue(ctx, t)
}

// EnqueueSignal enqueues a signal for the active run of workflowID.
func (w *Worker) EnqueueSignal(ctx context.Context, workflowID string, sig api.Signal) error {
	t := taskqueue.NewTask(taskqueue.TaskSignal, workflowID,
		api.SignalPayload{WorkflowID: workflowID, Signal: sig})
	return w.queue.Enqueue(ctx, t)
}

// ProcessOne pulls a single task from the queue and processes it.
// Returns (processed, error):
//   - processed == false: no task was obtained; err is the dequeue error.
//   - processed == true: a task was handled. A failure that was scheduled
//     for retry returns a nil error; a dropped task returns its error.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	err = w.handle(ctx, task)
	if err == nil {
		return true, nil
	}
	if permanent(task.Type, err) || task.Attempts+1 >= w.cfg.MaxAttempts {
		w.logger.WarnContext(ctx, "task_dropped",
			slog.String("task_id", task.ID),
			slog.String("type", string(task.Type)),
			slog.String("workflow_id", task.WorkflowID),
			slog.Int("attempts", task.Attempts+1),
			slog.Any("error", err),
		)
		return true, err
	}

	retry := *task
	retry.Attempts++
	retry.NotBefore = time.Now().Add(w.backoff(retry.Attempts))
	if qerr := w.queue.Enqueue(ctx, retry); qerr != nil {
		return true, errors.Join(err, fmt.Errorf("requeue task %s: %w", task.ID, qerr))
	}
	w.logger.InfoContext(ctx, "task_retry_scheduled",
		slog.String("task_id", task.ID),
		slog.String("type", string(task.Type)),
		slog.Int("attempt", retry.Attempts+1),
		slog.Time("not_before", retry.NotBefore),
		slog.Any("error", err),
	)
	return true, nil
}

// Run processes tasks until ctx is cancelled. Task failures are logged and
// do not stop the loop.
func (w *Worker) Run(ctx context.Context) error {
	for {
		processed, err := w.ProcessOne(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil && !processed {
			w.logger.ErrorContext(ctx, "dequeue_failed", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}
	}
}

func (w *Worker) handle(ctx context.Context, task *taskqueue.Task) error {
	switch task.Type {
	case taskqueue.TaskStartDelayCheck:
		p, ok := task.Payload.(api.StartDelayCheckPayload)
		if !ok {
			return api.NonRetryable("worker", fmt.Errorf("invalid payload type %T for %s task", task.Payload, task.Type))
		}
		_, err := w.engine.StartDelayCheck(ctx, p.Input)
		return err

	case taskqueue.TaskStartRecurringCheck:
		p, ok := task.Payload.(api.StartRecurringPayload)
		if !ok {
			return api.NonRetryable("worker", fmt.Errorf("invalid payload type %T for %s task", task.Payload, task.Type))
		}
		_, err := w.engine.StartRecurringCheck(ctx, p.Input)
		return err

	case taskqueue.TaskSignal:
		p, ok := task.Payload.(api.SignalPayload)
		if !ok {
			return api.NonRetryable("worker", fmt.Errorf("invalid payload type %T for %s task", task.Payload, task.Type))
		}
		return w.engine.Signal(ctx, p.WorkflowID, p.Signal)

	default:
		return api.NonRetryable("worker", errors.New("unknown task type: "+string(task.Type)))
	}
}

func (w *Worker) backoff(attempt int) time.Duration {
	d := w.cfg.Backoff
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// permanent reports errors that retrying cannot fix. A signal may overtake
// the start task of its run, so for signals ErrRunNotFound and
// ErrRunNotActive (the previous run of the workflow id is still the latest)
// are retried until MaxAttempts.
func permanent(typ taskqueue.TaskType, err error) bool {
	if api.IsNonRetryable(err) || errors.Is(err, api.ErrInvalidInput) || errors.Is(err, api.ErrRunAlreadyActive) {
		return true
	}
	return typ != taskqueue.TaskSignal && errors.Is(err, api.ErrRunNotActive)
}
