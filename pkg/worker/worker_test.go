package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/delaywatch/internal/taskqueue"
	"github.com/petrijr/delaywatch/pkg/api"
)

// fakeEngine records calls and fails the first failN calls of each method
// with failErr.
type fakeEngine struct {
	mu      sync.Mutex
	failN   int
	failErr error

	starts    []api.MonitorInput
	recurring []api.RecurringInput
	signals   []api.Signal
	calls     int
}

func (f *fakeEngine) fail() error {
	f.calls++
	if f.calls <= f.failN {
		return f.failErr
	}
	return nil
}

func (f *fakeEngine) StartDelayCheck(_ context.Context, in api.MonitorInput) (api.StatusSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return api.StatusSnapshot{}, err
	}
	f.starts = append(f.starts, in)
	return api.StatusSnapshot{WorkflowID: api.WorkflowID(api.KindDelayNotification, in.DeliveryID), Status: api.StatusRunning}, nil
}

func (f *fakeEngine) StartRecurringCheck(_ context.Context, in api.RecurringInput) (api.StatusSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return api.StatusSnapshot{}, err
	}
	f.recurring = append(f.recurring, in)
	return api.StatusSnapshot{WorkflowID: api.WorkflowID(api.KindRecurringCheck, in.DeliveryID), Status: api.StatusRunning}, nil
}

func (f *fakeEngine) RunDelayCheck(context.Context, api.MonitorInput) (*api.WorkflowResult, error) {
	return nil, errors.New("not used")
}

func (f *fakeEngine) Signal(_ context.Context, _ string, sig api.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return err
	}
	f.signals = append(f.signals, sig)
	return nil
}

func (f *fakeEngine) Query(context.Context, string) (api.StatusSnapshot, error) {
	return api.StatusSnapshot{}, api.ErrRunNotFound
}

func (f *fakeEngine) Await(context.Context, string) (*api.WorkflowResult, error) {
	return nil, api.ErrRunNotFound
}

func (f *fakeEngine) Recover(context.Context) (int, error) { return 0, nil }

func processWithin(t *testing.T, w *Worker, d time.Duration) (bool, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return w.ProcessOne(ctx)
}

func TestWorker_DispatchesEveryTaskType(t *testing.T) {
	eng := &fakeEngine{}
	w := New(eng, taskqueue.NewInMemoryQueue(8))
	ctx := context.Background()

	require.NoError(t, w.EnqueueDelayCheck(ctx, api.MonitorInput{DeliveryID: "d-1"}))
	require.NoError(t, w.EnqueueRecurringCheck(ctx, api.RecurringInput{MonitorInput: api.MonitorInput{DeliveryID: "d-2"}, MaxChecks: 3}))
	require.NoError(t, w.EnqueueSignal(ctx, "recurring-check-d-2", api.Signal{Name: api.SignalCancel, Reason: "stop"}))

	for i := 0; i < 3; i++ {
		processed, err := processWithin(t, w, time.Second)
		require.NoError(t, err)
		require.True(t, processed)
	}

	require.Len(t, eng.starts, 1)
	require.Equal(t, "d-1", eng.starts[0].DeliveryID)
	require.Len(t, eng.recurring, 1)
	require.Equal(t, 3, eng.recurring[0].MaxChecks)
	require.Len(t, eng.signals, 1)
	require.Equal(t, "stop", eng.signals[0].Reason)
}

func TestWorker_RetriesWithBackoff(t *testing.T) {
	eng := &fakeEngine{failN: 1, failErr: errors.New("store unavailable")}
	q := taskqueue.NewInMemoryQueue(8)
	backoff := 30 * time.Millisecond
	w := NewWithConfig(eng, q, Config{MaxAttempts: 3, Backoff: backoff})
	ctx := context.Background()

	require.NoError(t, w.EnqueueDelayCheck(ctx, api.MonitorInput{DeliveryID: "d-3"}))

	start := time.Now()
	processed, err := processWithin(t, w, time.Second)
	require.NoError(t, err)
	require.True(t, processed)
	require.Empty(t, eng.starts)
	require.Equal(t, 1, q.Len())

	processed, err = processWithin(t, w, time.Second)
	require.NoError(t, err)
	require.True(t, processed)
	require.Len(t, eng.starts, 1)
	require.GreaterOrEqual(t, time.Since(start), backoff/2)
}

func TestWorker_DropsAfterMaxAttempts(t *testing.T) {
	boom := errors.New("store unavailable")
	eng := &fakeEngine{failN: 10, failErr: boom}
	q := taskqueue.NewInMemoryQueue(8)
	w := NewWithConfig(eng, q, Config{MaxAttempts: 2, Backoff: time.Millisecond})

	require.NoError(t, w.EnqueueSignal(context.Background(), "wf", api.Signal{Name: api.SignalCancel}))

	_, err := processWithin(t, w, time.Second)
	require.NoError(t, err)

	processed, err := processWithin(t, w, time.Second)
	require.True(t, processed)
	require.ErrorIs(t, err, boom)
	require.Zero(t, q.Len())
}

func TestWorker_PermanentErrorsAreNotRetried(t *testing.T) {
	for _, perm := range []error{api.ErrRunAlreadyActive, api.ErrInvalidInput, api.ErrRunNotActive, api.NonRetryable("x", errors.New("bad"))} {
		eng := &fakeEngine{failN: 1, failErr: perm}
		q := taskqueue.NewInMemoryQueue(8)
		w := NewWithConfig(eng, q, Config{MaxAttempts: 5, Backoff: time.Millisecond})

		require.NoError(t, w.EnqueueRecurringCheck(context.Background(), api.RecurringInput{MonitorInput: api.MonitorInput{DeliveryID: "d"}}))
		processed, err := processWithin(t, w, time.Second)
		require.True(t, processed)
		require.ErrorIs(t, err, perm)
		require.Zero(t, q.Len(), "error %v", perm)
	}
}

func TestWorker_SignalBeforeStartIsRetried(t *testing.T) {
	eng := &fakeEngine{failN: 1, failErr: api.ErrRunNotFound}
	q := taskqueue.NewInMemoryQueue(8)
	w := NewWithConfig(eng, q, Config{MaxAttempts: 3, Backoff: time.Millisecond})

	require.NoError(t, w.EnqueueSignal(context.Background(), "wf", api.Signal{Name: api.SignalCancel}))
	_, err := processWithin(t, w, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, q.Len())

	_, err = processWithin(t, w, time.Second)
	require.NoError(t, err)
	require.Len(t, eng.signals, 1)
}

func TestWorker_SignalToFinishedRunIsRetried(t *testing.T) {
	eng := &fakeEngine{failN: 1, failErr: api.ErrRunNotActive}
	q := taskqueue.NewInMemoryQueue(8)
	w := NewWithConfig(eng, q, Config{MaxAttempts: 3, Backoff: time.Millisecond})

	require.NoError(t, w.EnqueueSignal(context.Background(), "wf", api.Signal{Name: api.SignalUpdateThreshold, ThresholdMinutes: 40}))
	processed, err := processWithin(t, w, time.Second)
	require.True(t, processed)
	require.NoError(t, err)
	require.Equal(t, 1, q.Len())

	_, err = processWithin(t, w, time.Second)
	require.NoError(t, err)
	require.Len(t, eng.signals, 1)
	require.Equal(t, 40, eng.signals[0].ThresholdMinutes)
}

func TestWorker_SignalToFinishedRunDroppedAfterMaxAttempts(t *testing.T) {
	eng := &fakeEngine{failN: 10, failErr: api.ErrRunNotActive}
	q := taskqueue.NewInMemoryQueue(8)
	w := NewWithConfig(eng, q, Config{MaxAttempts: 2, Backoff: time.Millisecond})

	require.NoError(t, w.EnqueueSignal(context.Background(), "wf", api.Signal{Name: api.SignalCancel}))
	_, err := processWithin(t, w, time.Second)
	require.NoError(t, err)

	processed, err := processWithin(t, w, time.Second)
	require.True(t, processed)
	require.ErrorIs(t, err, api.ErrRunNotActive)
	require.Zero(t, q.Len())
}

func TestWorker_UnknownTaskTypeIsDropped(t *testing.T) {
	q := taskqueue.NewInMemoryQueue(8)
	w := NewWithConfig(&fakeEngine{}, q, Config{MaxAttempts: 3})
	require.NoError(t, q.Enqueue(context.Background(), taskqueue.NewTask("bogus", "wf", nil)))

	processed, err := processWithin(t, w, time.Second)
	require.True(t, processed)
	require.Error(t, err)
	require.Zero(t, q.Len())
}

func TestWorker_ProcessOneHonorsContext(t *testing.T) {
	w := New(&fakeEngine{}, taskqueue.NewInMemoryQueue(8))
	processed, err := processWithin(t, w, 20*time.Millisecond)
	require.False(t, processed)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	eng := &fakeEngine{}
	q := taskqueue.NewInMemoryQueue(8)
	w := New(eng, q)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.NoError(t, w.EnqueueDelayCheck(ctx, api.MonitorInput{DeliveryID: "d-9"}))
	require.Eventually(t, func() bool {
		eng.mu.Lock()
		defer eng.mu.Unlock()
		return len(eng.starts) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
