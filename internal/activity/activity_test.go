package activity

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/delaywatch/internal/chain"
	"github.com/petrijr/delaywatch/internal/message"
	"github.com/petrijr/delaywatch/internal/notify"
	"github.com/petrijr/delaywatch/internal/persistence"
	"github.com/petrijr/delaywatch/internal/testutil"
	"github.com/petrijr/delaywatch/internal/textgen"
	"github.com/petrijr/delaywatch/internal/traffic"
	"github.com/petrijr/delaywatch/pkg/api"
)

var fastRetry = Options{
	StartToCloseTimeout: time.Second,
	Retry:               api.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, BackoffMultiplier: 2},
}

func TestExecute_RetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	v, err := Execute(context.Background(), "flaky", fastRetry, func(context.Context) (int, error) {
		if calls.Add(1) < 3 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, v)
	require.Equal(t, int32(3), calls.Load())
}

func TestExecute_StopsOnNonRetryable(t *testing.T) {
	var calls atomic.Int32
	_, err := Execute(context.Background(), "lookup", fastRetry, func(context.Context) (int, error) {
		calls.Add(1)
		return 0, api.NonRetryable("lookup", api.ErrDeliveryNotFound)
	})
	require.ErrorIs(t, err, api.ErrDeliveryNotFound)
	require.True(t, api.IsNonRetryable(err))
	require.Equal(t, int32(1), calls.Load())
}

func TestExecute_ExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32
	boom := errors.New("boom")
	_, err := Execute(context.Background(), "always_fails", fastRetry, func(context.Context) (int, error) {
		calls.Add(1)
		return 0, boom
	})
	require.ErrorIs(t, err, boom)
	require.Contains(t, err.Error(), "activity always_fails")
	require.Equal(t, int32(3), calls.Load())
}

func TestExecute_AttemptTimeout(t *testing.T) {
	opts := Options{StartToCloseTimeout: 10 * time.Millisecond, Retry: api.RetryPolicy{MaxAttempts: 1}}
	_, err := Execute(context.Background(), "slow", opts, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExecute_BackoffUsesClock(t *testing.T) {
	clock := testutil.NewFakeClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	opts := ExternalOptions
	opts.Clock = clock

	var calls atomic.Int32
	_, err := Execute(context.Background(), "external", opts, func(context.Context) (int, error) {
		calls.Add(1)
		return 0, errors.New("down")
	})
	require.Error(t, err)
	require.Equal(t, int32(3), calls.Load())
	// 5s + 10s of backoff between three attempts.
	require.Equal(t, 15*time.Second, clock.Now().Sub(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)))
}

type fixture struct {
	acts  *Activities
	data  *persistence.Gateway
	clock *testutil.FakeClock
	sends *atomic.Int32
}

func newFixture(t *testing.T, sendErr error) *fixture {
	t.Helper()
	clock := testutil.NewFakeClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	data := persistence.NewGateway(persistence.NewMemoryBackend("memory"), nil, nil)

	var sends atomic.Int32
	sender := chain.Func[notify.Message, notify.Receipt]{
		ID: "test_sender",
		Fn: func(_ context.Context, m notify.Message) (notify.Receipt, error) {
			sends.Add(1)
			if sendErr != nil {
				return notify.Receipt{}, sendErr
			}
			return notify.Receipt{MessageID: "msg-" + m.ID}, nil
		},
	}
	notifyChain := chain.New[notify.Message, notify.Receipt]("notify", []notify.Provider{sender})

	trafficChain := traffic.NewChain([]traffic.Provider{
		chain.Func[traffic.Request, traffic.Result]{
			ID: "fixed",
			Fn: func(context.Context, traffic.Request) (traffic.Result, error) {
				return traffic.Result{DelayMinutes: 45, Condition: api.TrafficSevere, NormalDuration: 30 * time.Minute, EstimatedDuration: 75 * time.Minute}, nil
			},
		},
	})

	noRetry := Options{Retry: api.RetryPolicy{MaxAttempts: 1}}
	acts := New(Config{
		Data:        data,
		Traffic:     trafficChain,
		Composer:    message.NewComposer(textgen.NewChain(nil)),
		Notify:      notifyChain,
		Clock:       clock,
		External:    &noRetry,
		Persistence: &noRetry,
	})
	return &fixture{acts: acts, data: data, clock: clock, sends: &sends}
}

func TestCheckTraffic(t *testing.T) {
	f := newFixture(t, nil)
	tr, err := f.acts.CheckTraffic(context.Background(), api.MonitorInput{DeliveryID: "d-1"})
	require.NoError(t, err)
	require.Equal(t, "fixed", tr.Provider)
	require.Equal(t, 45, tr.DelayMinutes)
	require.Equal(t, 1800, tr.NormalDurationSeconds)
	require.Equal(t, 4500, tr.DurationSeconds)

	require.NoError(t, f.acts.RecordSnapshot(context.Background(), "snap-1", api.MonitorInput{DeliveryID: "d-1", RouteID: "r-1"}, tr))
	snaps, err := f.data.ListSnapshots(context.Background(), "d-1")
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	require.Equal(t, "r-1", snaps[0].RouteID)
}

func TestCheckTraffic_HungProviderFallsBackToSynthetic(t *testing.T) {
	var hungCalls atomic.Int32
	trafficChain := traffic.NewChain([]traffic.Provider{
		chain.Func[traffic.Request, traffic.Result]{
			ID:   "hung_maps",
			Rank: 1,
			Fn: func(ctx context.Context, _ traffic.Request) (traffic.Result, error) {
				hungCalls.Add(1)
				<-ctx.Done()
				return traffic.Result{}, ctx.Err()
			},
		},
	})
	external := Options{
		StartToCloseTimeout: 50 * time.Millisecond,
		Retry:               api.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, BackoffMultiplier: 2},
	}
	acts := New(Config{
		Data:     persistence.NewGateway(persistence.NewMemoryBackend("memory"), nil, nil),
		Traffic:  trafficChain,
		Composer: message.NewComposer(textgen.NewChain(nil)),
		Notify:   notify.NewChain(nil),
		External: &external,
	})

	start := time.Now()
	tr, err := acts.CheckTraffic(context.Background(), api.MonitorInput{
		DeliveryID:  "d-hung",
		Origin:      api.Location{Address: "1 Depot Rd"},
		Destination: api.Location{Address: "9 Main St"},
	})
	require.NoError(t, err)
	require.Equal(t, "synthetic", tr.Provider)
	require.Equal(t, int32(1), hungCalls.Load())
	require.Less(t, time.Since(start), time.Second)
}

func TestSendNotification_SentOnceAcrossReplays(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	req := SendRequest{
		NotificationID: "wf:run:1:email",
		DeliveryID:     "d-1",
		Channel:        api.ChannelEmail,
		Recipient:      "c@example.com",
		Subject:        "late",
		Body:           "running late",
		DelayMinutes:   45,
	}

	d, err := f.acts.SendNotification(ctx, req)
	require.NoError(t, err)
	require.True(t, d.Sent)
	require.Equal(t, "test_sender", d.Provider)
	require.Equal(t, "msg-wf:run:1:email", d.MessageID)

	again, err := f.acts.SendNotification(ctx, req)
	require.NoError(t, err)
	require.True(t, again.Sent)
	require.Equal(t, int32(1), f.sends.Load())

	last, err := f.acts.LastNotification(ctx, "d-1")
	require.NoError(t, err)
	require.NotNil(t, last)
	require.Equal(t, api.NotificationSent, last.Status)
	require.True(t, f.clock.Now().Equal(last.SentAt))
}

func TestSendNotification_FailureIsRecorded(t *testing.T) {
	f := newFixture(t, chain.Permanent(errors.New("bad credentials")))
	ctx := context.Background()

	d, err := f.acts.SendNotification(ctx, SendRequest{NotificationID: "wf:run:1:sms", DeliveryID: "d-1", Channel: api.ChannelSMS, Recipient: "+100"})
	require.NoError(t, err)
	require.False(t, d.Sent)
	require.Contains(t, d.Error, "bad credentials")

	n, err := f.data.GetNotification(ctx, "wf:run:1:sms")
	require.NoError(t, err)
	require.Equal(t, api.NotificationFailed, n.Status)

	last, err := f.acts.LastNotification(ctx, "d-1")
	require.NoError(t, err)
	require.Nil(t, last)
}

func TestGetDelivery_NotFoundIsNonRetryable(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.acts.GetDelivery(context.Background(), "missing")
	require.ErrorIs(t, err, api.ErrDeliveryNotFound)
	require.True(t, api.IsNonRetryable(err))
}

func TestIncrementChecks_ReplayIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.data.SaveDelivery(ctx, &api.Delivery{ID: "d-1"}))

	n, err := f.acts.IncrementChecks(ctx, "d-1", 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = f.acts.IncrementChecks(ctx, "d-1", 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	d, err := f.data.GetDelivery(ctx, "d-1")
	require.NoError(t, err)
	require.Equal(t, 1, d.ChecksPerformed)
}

func TestIncrementChecks_StaleExpectedStillMovesPrimary(t *testing.T) {
	ctx := context.Background()
	primary := persistence.NewMemoryBackend("primary")
	mirror := persistence.NewMemoryBackend("mirror")
	require.NoError(t, primary.SaveDelivery(ctx, &api.Delivery{ID: "d-1", ChecksPerformed: 3}))
	require.NoError(t, mirror.SaveDelivery(ctx, &api.Delivery{ID: "d-1"}))

	acts := New(Config{
		Data:        persistence.NewGateway(primary, []persistence.Backend{mirror}, nil),
		Persistence: &Options{Retry: api.RetryPolicy{MaxAttempts: 1}},
	})

	// 0 is what the lagging mirror reported.
	n, err := acts.IncrementChecks(ctx, "d-1", 0)
	require.NoError(t, err)
	require.Equal(t, 4, n)

	d, err := primary.GetDelivery(ctx, "d-1")
	require.NoError(t, err)
	require.Equal(t, 4, d.ChecksPerformed)
}

func TestResolveThreshold(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.Equal(t, 12, f.acts.ResolveThreshold(ctx, 12))
	require.Equal(t, api.DefaultThresholdMinutes, f.acts.ResolveThreshold(ctx, 0))

	require.NoError(t, f.data.SaveThreshold(ctx, &api.Threshold{ID: "std", DelayMinutes: 20, IsDefault: true}))
	require.Equal(t, 20, f.acts.ResolveThreshold(ctx, 0))
}
