// Package engine runs delivery monitoring workflows as checkpointed state
// machines. Each run executes on its own goroutine; after every step the run
// is saved to the run store so that Recover can resume it in another process.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/delaywatch/internal/activity"
	"github.com/petrijr/delaywatch/internal/persistence"
	"github.com/petrijr/delaywatch/pkg/api"
)

// Config describes how to construct an Engine.
type Config struct {
	Persistence *persistence.Persistence
	Activities  *activity.Activities
	Observer    api.Observer
	Clock       api.Clock
	Logger      *slog.Logger

	// BuildID is stamped on new runs and execution records.
	BuildID string

	// UnlimitedCutoff is the cutoff window of recurring runs without a
	// check limit or override. Defaults to api.DefaultUnlimitedCutoff.
	UnlimitedCutoff time.Duration

	// SignalPoll bounds how long a sleeping run goes without re-reading its
	// signal inbox, so that signals appended by other processes are seen.
	// Zero disables polling; in-process signals always wake the run.
	SignalPoll time.Duration

	// Store overrides the retry class used for run store calls.
	Store *activity.Options
}

// Engine starts, resumes, signals and queries monitoring runs.
type Engine struct {
	data     *persistence.Gateway
	runs     persistence.RunStore
	acts     *activity.Activities
	observer api.Observer
	clock    api.Clock
	logger   *slog.Logger
	store    activity.Options

	buildID         string
	unlimitedCutoff time.Duration
	signalPoll      time.Duration

	mu     sync.Mutex
	active map[string]*runHandle // by workflow id

	wg       sync.WaitGroup
	runCtx   context.Context
	stopRuns context.CancelFunc
}

var _ api.Engine = (*Engine)(nil)
var _ api.HistoryReader = (*Engine)(nil)

// New creates an Engine. Persistence and Activities are required.
func New(cfg Config) (*Engine, error) {
	if cfg.Persistence == nil || cfg.Persistence.Data == nil || cfg.Persistence.Runs == nil {
		return nil, errors.New("engine: persistence is required")
	}
	if cfg.Activities == nil {
		return nil, errors.New("engine: activities are required")
	}
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	if cfg.Clock == nil {
		cfg.Clock = api.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.UnlimitedCutoff <= 0 {
		cfg.UnlimitedCutoff = api.DefaultUnlimitedCutoff
	}
	store := activity.PersistenceOptions
	if cfg.Store != nil {
		store = *cfg.Store
	}
	store.Clock, store.Logger = cfg.Clock, cfg.Logger

	runCtx, stop := context.WithCancel(context.Background())
	return &Engine{
		data:            cfg.Persistence.Data,
		runs:            cfg.Persistence.Runs,
		acts:            cfg.Activities,
		observer:        obs,
		clock:           cfg.Clock,
		logger:          cfg.Logger,
		store:           store,
		buildID:         cfg.BuildID,
		unlimitedCutoff: cfg.UnlimitedCutoff,
		signalPoll:      cfg.SignalPoll,
		active:          make(map[string]*runHandle),
		runCtx:          runCtx,
		stopRuns:        stop,
	}, nil
}

// StartDelayCheck implements api.Engine.
func (e *Engine) StartDelayCheck(ctx context.Context, in api.MonitorInput) (api.StatusSnapshot, error) {
	if in.DeliveryID == "" {
		return api.StatusSnapshot{}, fmt.Errorf("%w: delivery id is required", api.ErrInvalidInput)
	}
	run := e.newRun(ctx, api.KindDelayNotification, e.deliveryDefaults(ctx, api.RecurringInput{MonitorInput: in}, false))
	run.Step = api.StepTrafficCheck
	return e.start(ctx, run)
}

// StartRecurringCheck implements api.Engine. Unset threshold, interval,
// MaxChecks and cutoff come from the delivery's own settings first. After
// that a zero interval defaults to api.DefaultCheckIntervalMinutes and zero
// MaxChecks means unlimited.
func (e *Engine) StartRecurringCheck(ctx context.Context, in api.RecurringInput) (api.StatusSnapshot, error) {
	if in.DeliveryID == "" {
		return api.StatusSnapshot{}, fmt.Errorf("%w: delivery id is required", api.ErrInvalidInput)
	}
	if in.MaxChecks < api.UnlimitedChecks {
		return api.StatusSnapshot{}, fmt.Errorf("%w: max checks must be positive or %d", api.ErrInvalidInput, api.UnlimitedChecks)
	}
	in = e.deliveryDefaults(ctx, in, true)
	if in.MaxChecks < api.UnlimitedChecks {
		in.MaxChecks = 0
	}
	if in.MaxChecks == 0 {
		in.MaxChecks = api.UnlimitedChecks
	}
	if in.CheckIntervalMinutes <= 0 {
		in.CheckIntervalMinutes = api.DefaultCheckIntervalMinutes
	}
	if in.CutoffHours < 0 {
		return api.StatusSnapshot{}, fmt.Errorf("%w: cutoff hours must not be negative", api.ErrInvalidInput)
	}
	run := e.newRun(ctx, api.KindRecurringCheck, in)
	run.Step = api.StepFetchDelivery
	return e.start(ctx, run)
}

// RunDelayCheck implements api.Engine.
func (e *Engine) RunDelayCheck(ctx context.Context, in api.MonitorInput) (*api.WorkflowResult, error) {
	snap, err := e.StartDelayCheck(ctx, in)
	if err != nil {
		return nil, err
	}
	return e.Await(ctx, snap.WorkflowID)
}

// deliveryDefaults fills what the caller left unset from the stored
// delivery: its delay threshold and, for recurring runs, its recurring
// settings. A failed lookup leaves in unchanged.
func (e *Engine) deliveryDefaults(ctx context.Context, in api.RecurringInput, recurring bool) api.RecurringInput {
	needed := in.ThresholdMinutes <= 0
	if recurring {
		needed = needed || in.CheckIntervalMinutes <= 0 || in.MaxChecks == 0
	}
	if !needed {
		return in
	}
	d, err := e.data.GetDelivery(ctx, in.DeliveryID)
	if err != nil {
		if !errors.Is(err, persistence.ErrNotFound) {
			e.logger.WarnContext(ctx, "delivery_defaults_unavailable",
				slog.String("delivery_id", in.DeliveryID),
				slog.Any("error", err),
			)
		}
		return in
	}
	if in.ThresholdMinutes <= 0 && d.DelayThresholdMinutes > 0 {
		in.ThresholdMinutes = d.DelayThresholdMinutes
	}
	if !recurring {
		return in
	}
	rc := d.Recurring
	if in.CheckIntervalMinutes <= 0 && rc.IntervalMinutes > 0 {
		in.CheckIntervalMinutes = rc.IntervalMinutes
	}
	if in.MaxChecks == 0 && rc.MaxChecks != 0 {
		in.MaxChecks = rc.MaxChecks
	}
	if in.CutoffHours == 0 && rc.CutoffHours > 0 {
		in.CutoffHours = rc.CutoffHours
	}
	return in
}

func (e *Engine) newRun(ctx context.Context, kind api.WorkflowKind, in api.RecurringInput) *api.Run {
	now := e.clock.Now()
	return &api.Run{
		WorkflowID:       api.WorkflowID(kind, in.DeliveryID),
		RunID:            uuid.NewString(),
		Kind:             kind,
		DeliveryID:       in.DeliveryID,
		Status:           api.StatusRunning,
		BuildID:          e.buildID,
		Input:            in,
		ThresholdMinutes: e.acts.ResolveThreshold(ctx, in.ThresholdMinutes),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func (e *Engine) start(ctx context.Context, run *api.Run) (api.StatusSnapshot, error) {
	e.mu.Lock()
	_, busy := e.active[run.WorkflowID]
	e.mu.Unlock()
	if busy {
		return api.StatusSnapshot{}, fmt.Errorf("start %s: %w", run.WorkflowID, api.ErrRunAlreadyActive)
	}

	_, err := activity.Execute(ctx, "create_run", e.store, func(ctx context.Context) (struct{}, error) {
		err := e.runs.CreateRun(ctx, run)
		if errors.Is(err, api.ErrRunAlreadyActive) {
			return struct{}{}, api.NonRetryable("create_run", err)
		}
		return struct{}{}, err
	})
	if err != nil {
		return api.StatusSnapshot{}, fmt.Errorf("start %s: %w", run.WorkflowID, err)
	}

	e.appendEvent(ctx, run, api.EventRunStarted, "", string(run.Kind))
	if !e.launch(run) {
		return api.StatusSnapshot{}, fmt.Errorf("start %s: %w", run.WorkflowID, api.ErrRunAlreadyActive)
	}
	return run.Snapshot(), nil
}

// launch registers a handle for run and executes it on its own goroutine.
// It reports false if the workflow id already has a local handle.
func (e *Engine) launch(run *api.Run) bool {
	h := newRunHandle(run)

	e.mu.Lock()
	if _, busy := e.active[run.WorkflowID]; busy {
		e.mu.Unlock()
		return false
	}
	e.active[run.WorkflowID] = h
	e.wg.Add(1)
	e.mu.Unlock()

	r := &runner{e: e, h: h, run: run}
	go func() {
		defer e.wg.Done()
		defer e.release(run.WorkflowID, h)
		r.drive(e.runCtx)
	}()
	return true
}

func (e *Engine) release(workflowID string, h *runHandle) {
	e.mu.Lock()
	if e.active[workflowID] == h {
		delete(e.active, workflowID)
	}
	e.mu.Unlock()
}

func (e *Engine) handle(workflowID string) *runHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active[workflowID]
}

// Signal implements api.Engine.
func (e *Engine) Signal(ctx context.Context, workflowID string, sig api.Signal) error {
	switch sig.Name {
	case api.SignalCancel:
	case api.SignalUpdateThreshold:
		if sig.ThresholdMinutes <= 0 {
			return fmt.Errorf("%w: threshold must be positive", api.ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unknown signal %q", api.ErrInvalidInput, sig.Name)
	}

	run, err := e.getRun(ctx, workflowID)
	if err != nil {
		return err
	}
	if run.Status.Done() {
		return fmt.Errorf("signal %s: %w", workflowID, api.ErrRunNotActive)
	}

	if sig.SentAt.IsZero() {
		sig.SentAt = e.clock.Now()
	}
	seq, err := activity.Execute(ctx, "append_signal", e.store, func(ctx context.Context) (int64, error) {
		return e.runs.AppendSignal(ctx, run.RunID, sig)
	})
	if err != nil {
		return fmt.Errorf("signal %s: %w", workflowID, err)
	}

	e.logger.InfoContext(ctx, "signal_received",
		slog.String("workflow_id", workflowID),
		slog.String("run_id", run.RunID),
		slog.String("signal", string(sig.Name)),
		slog.Int64("seq", seq),
	)
	if h := e.handle(workflowID); h != nil {
		h.notify()
	}
	return nil
}

// Query implements api.Engine.
func (e *Engine) Query(ctx context.Context, workflowID string) (api.StatusSnapshot, error) {
	if h := e.handle(workflowID); h != nil {
		return h.snapshot(), nil
	}
	run, err := e.getRun(ctx, workflowID)
	if err != nil {
		return api.StatusSnapshot{}, err
	}
	return run.Snapshot(), nil
}

// Await implements api.Engine. Runs owned by another process are polled in
// the run store.
func (e *Engine) Await(ctx context.Context, workflowID string) (*api.WorkflowResult, error) {
	if h := e.handle(workflowID); h != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-h.done:
		}
		if final := h.final(); final != nil {
			return outcome(final)
		}
	}

	poll := e.signalPoll
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	for {
		run, err := e.getRun(ctx, workflowID)
		if err != nil {
			return nil, err
		}
		if run.Status.Done() {
			return outcome(run)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(poll):
		}
	}
}

func outcome(run *api.Run) (*api.WorkflowResult, error) {
	res := run.Result
	res.Error = run.Error
	if run.Status == api.StatusFailed {
		return &res, fmt.Errorf("%s: %w: %s", run.WorkflowID, api.ErrRunFailed, run.Error)
	}
	return &res, nil
}

// Recover implements api.Engine.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	runs, err := e.runs.ListRuns(ctx, persistence.RunFilter{Status: api.StatusRunning})
	if err != nil {
		return 0, fmt.Errorf("recover: %w", err)
	}

	resumed := 0
	for _, run := range runs {
		if e.handle(run.WorkflowID) != nil {
			continue
		}
		if run.BuildID != e.buildID {
			e.logger.InfoContext(ctx, "run_resumed_on_new_build",
				slog.String("workflow_id", run.WorkflowID),
				slog.String("run_id", run.RunID),
				slog.String("from_build", run.BuildID),
				slog.String("to_build", e.buildID),
			)
		}
		e.appendEvent(ctx, run, api.EventRunResumed, run.Step, string(run.Step))
		if e.launch(run) {
			resumed++
		}
	}
	return resumed, nil
}

// History implements api.HistoryReader.
func (e *Engine) History(ctx context.Context, workflowID string) ([]api.WorkflowEvent, error) {
	run, err := e.getRun(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return e.runs.ListEvents(ctx, run.RunID)
}

// Executions lists the execution records of a delivery, including the
// per-iteration records of recurring runs.
func (e *Engine) Executions(ctx context.Context, deliveryID string) ([]*api.WorkflowExecution, error) {
	return e.data.ListExecutions(ctx, persistence.ExecutionFilter{DeliveryID: deliveryID})
}

// Shutdown stops all local runs at their next suspension point and waits
// for their goroutines to exit. Interrupted runs stay StatusRunning in the
// run store and are picked up by Recover.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stopRuns()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) getRun(ctx context.Context, workflowID string) (*api.Run, error) {
	run, err := e.runs.GetRun(ctx, workflowID)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", workflowID, api.ErrRunNotFound)
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// appendEvent records history on a best-effort basis.
func (e *Engine) appendEvent(ctx context.Context, run *api.Run, typ api.EventType, step api.Step, detail string) {
	ev := api.WorkflowEvent{
		RunID:      run.RunID,
		WorkflowID: run.WorkflowID,
		At:         e.clock.Now(),
		Type:       typ,
		Step:       step,
		Iteration:  run.Iteration,
		Detail:     detail,
	}
	if err := e.runs.AppendEvent(ctx, ev); err != nil && ctx.Err() == nil {
		e.logger.WarnContext(ctx, "event_append_failed",
			slog.String("run_id", run.RunID),
			slog.String("event", string(typ)),
			slog.Any("error", err),
		)
	}
}

// runHandle is the in-process side of an executing run.
type runHandle struct {
	mu   sync.RWMutex
	snap api.StatusSnapshot
	last *api.Run

	wake chan struct{}
	done chan struct{}
}

func newRunHandle(run *api.Run) *runHandle {
	return &runHandle{
		snap: run.Snapshot(),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (h *runHandle) snapshot() api.StatusSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.snap
}

func (h *runHandle) publish(s api.StatusSnapshot) {
	h.mu.Lock()
	h.snap = s
	h.mu.Unlock()
}

func (h *runHandle) finish(run *api.Run) {
	h.mu.Lock()
	h.snap = run.Snapshot()
	if run.Status.Done() {
		h.last = run
	}
	h.mu.Unlock()
	close(h.done)
}

// final returns the ended run, or nil when the run was suspended.
func (h *runHandle) final() *api.Run {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.last
}

func (h *runHandle) notify() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}
