package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/delaywatch/internal/activity"
	"github.com/petrijr/delaywatch/internal/chain"
	"github.com/petrijr/delaywatch/internal/delay"
	"github.com/petrijr/delaywatch/internal/message"
	"github.com/petrijr/delaywatch/internal/notify"
	"github.com/petrijr/delaywatch/internal/persistence"
	"github.com/petrijr/delaywatch/internal/testutil"
	"github.com/petrijr/delaywatch/internal/textgen"
	"github.com/petrijr/delaywatch/internal/traffic"
	"github.com/petrijr/delaywatch/pkg/api"
)

var testStart = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	eng   *Engine
	p     *persistence.Persistence
	clock *testutil.FakeClock
	obs   *recordingObserver

	delay atomic.Int32
	sends atomic.Int32

	gateOnce sync.Once
	gate     chan struct{}
}

type harnessOption func(*harness)

// withGate makes traffic lookups block until release is called.
func withGate() harnessOption {
	return func(h *harness) { h.gate = make(chan struct{}) }
}

func withPersistence(p *persistence.Persistence) harnessOption {
	return func(h *harness) { h.p = p }
}

func newHarness(t *testing.T, delayMinutes int, opts ...harnessOption) *harness {
	t.Helper()

	h := &harness{clock: testutil.NewFakeClock(testStart), obs: &recordingObserver{}}
	h.delay.Store(int32(delayMinutes))
	for _, o := range opts {
		o(h)
	}
	if h.p == nil {
		h.p = persistence.NewInMemory(nil)
	}
	h.eng = h.newEngine(t)
	t.Cleanup(func() {
		h.release()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.eng.Shutdown(ctx)
	})
	return h
}

// newEngine builds another engine over the same persistence and clock, as a
// restarted process would.
func (h *harness) newEngine(t *testing.T) *Engine {
	t.Helper()

	trafficChain := traffic.NewChain([]traffic.Provider{
		chain.Func[traffic.Request, traffic.Result]{
			ID: "fixed",
			Fn: func(ctx context.Context, _ traffic.Request) (traffic.Result, error) {
				if h.gate != nil {
					select {
					case <-h.gate:
					case <-ctx.Done():
						return traffic.Result{}, ctx.Err()
					}
				}
				d := int(h.delay.Load())
				return traffic.Result{
					DelayMinutes:      d,
					Condition:         delay.ConditionOf(d),
					NormalDuration:    time.Hour,
					EstimatedDuration: time.Hour + time.Duration(d)*time.Minute,
				}, nil
			},
		},
	})

	sender := chain.Func[notify.Message, notify.Receipt]{
		ID: "counting",
		Fn: func(_ context.Context, m notify.Message) (notify.Receipt, error) {
			h.sends.Add(1)
			return notify.Receipt{MessageID: "msg-" + m.ID}, nil
		},
	}

	noRetry := activity.Options{Retry: api.RetryPolicy{MaxAttempts: 1}}
	acts := activity.New(activity.Config{
		Data:        h.p.Data,
		Traffic:     trafficChain,
		Composer:    message.NewComposer(textgen.NewChain(nil)),
		Notify:      chain.New[notify.Message, notify.Receipt]("notify", []notify.Provider{sender}),
		Clock:       h.clock,
		External:    &noRetry,
		Persistence: &noRetry,
	})

	eng, err := New(Config{
		Persistence: h.p,
		Activities:  acts,
		Observer:    h.obs,
		Clock:       h.clock,
		BuildID:     "test",
		Store:       &noRetry,
	})
	require.NoError(t, err)
	return eng
}

func (h *harness) release() {
	if h.gate != nil {
		h.gateOnce.Do(func() { close(h.gate) })
	}
}

func (h *harness) seedDelivery(t *testing.T, d api.Delivery) *api.Delivery {
	t.Helper()
	if d.ID == "" {
		d.ID = "d-1"
	}
	if d.Status == "" {
		d.Status = api.DeliveryPending
	}
	if d.ScheduledTime.IsZero() {
		d.ScheduledTime = testStart.Add(time.Hour)
	}
	if d.CustomerEmail == "" {
		d.CustomerEmail = "customer@example.com"
	}
	require.NoError(t, h.p.Data.SaveDelivery(context.Background(), &d))
	return &d
}

func (h *harness) await(t *testing.T, workflowID string) (*api.WorkflowResult, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return h.eng.Await(ctx, workflowID)
}

func monitorInput(deliveryID string) api.MonitorInput {
	return api.MonitorInput{
		DeliveryID:    deliveryID,
		RouteID:       "r-" + deliveryID,
		CustomerID:    "c-1",
		CustomerEmail: "customer@example.com",
		CustomerPhone: "+15550100",
		Origin:        api.Location{Address: "1 Depot Rd"},
		Destination:   api.Location{Address: "9 Main St"},
		ScheduledTime: testStart.Add(time.Hour),
	}
}

// recordingObserver counts engine callbacks.
type recordingObserver struct {
	mu         sync.Mutex
	starts     int
	completes  int
	fails      int
	stepStarts int
	stepEnds   int
	steps      []api.Step
}

func (o *recordingObserver) OnRunStart(context.Context, *api.Run) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.starts++
}

func (o *recordingObserver) OnRunCompleted(context.Context, *api.Run) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completes++
}

func (o *recordingObserver) OnRunFailed(context.Context, *api.Run, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fails++
}

func (o *recordingObserver) OnStepStart(_ context.Context, _ *api.Run, step api.Step) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stepStarts++
	o.steps = append(o.steps, step)
}

func (o *recordingObserver) OnStepCompleted(context.Context, *api.Run, api.Step, error, time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stepEnds++
}

func (o *recordingObserver) counts() (starts, completes, fails, stepStarts, stepEnds int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.starts, o.completes, o.fails, o.stepStarts, o.stepEnds
}

func (o *recordingObserver) sawStep(step api.Step) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, s := range o.steps {
		if s == step {
			return true
		}
	}
	return false
}
