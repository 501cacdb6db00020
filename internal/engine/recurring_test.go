package engine

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/delaywatch/internal/persistence"
	"github.com/petrijr/delaywatch/pkg/api"
)

func recurringInput(deliveryID string, maxChecks int) api.RecurringInput {
	return api.RecurringInput{
		MonitorInput:         api.MonitorInput{DeliveryID: deliveryID, ThresholdMinutes: 30},
		CheckIntervalMinutes: 15,
		MaxChecks:            maxChecks,
	}
}

func TestRecurring_StopsAfterMaxChecks(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()
	h.seedDelivery(t, api.Delivery{ID: "r-1"})

	snap, err := h.eng.StartRecurringCheck(ctx, recurringInput("r-1", 5))
	require.NoError(t, err)
	require.Equal(t, "recurring-check-r-1", snap.WorkflowID)

	res, err := h.await(t, snap.WorkflowID)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, api.StopMaxChecks, res.StopReason)
	require.Equal(t, 5, res.ChecksPerformed)

	d, err := h.p.Data.GetDelivery(ctx, "r-1")
	require.NoError(t, err)
	require.Equal(t, 5, d.ChecksPerformed)
	require.Equal(t, api.DeliveryInTransit, d.Status)

	execs, err := h.p.Data.ListExecutions(ctx, persistence.ExecutionFilter{DeliveryID: "r-1"})
	require.NoError(t, err)
	iterations := 0
	for _, e := range execs {
		if strings.HasPrefix(e.WorkflowID, snap.WorkflowID+"-check-") {
			iterations++
		}
	}
	require.Equal(t, 5, iterations)
	require.Len(t, execs, 6)

	// Four sleeps of 15 minutes between five checks.
	require.Equal(t, time.Hour, h.clock.Now().Sub(testStart))
}

func TestRecurring_CutoffStopsUnlimitedRun(t *testing.T) {
	h := newHarness(t, 45)
	ctx := context.Background()
	h.seedDelivery(t, api.Delivery{ID: "r-2", ScheduledTime: testStart.Add(-73 * time.Hour)})

	snap, err := h.eng.StartRecurringCheck(ctx, recurringInput("r-2", api.UnlimitedChecks))
	require.NoError(t, err)

	res, err := h.await(t, snap.WorkflowID)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, api.StopCutoff, res.StopReason)
	require.Zero(t, res.ChecksPerformed)
	require.Nil(t, res.Traffic)
	require.Zero(t, h.sends.Load())

	d, err := h.p.Data.GetDelivery(ctx, "r-2")
	require.NoError(t, err)
	require.Zero(t, d.ChecksPerformed)
}

func TestRecurring_BoundedCutoffEndsLoop(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()
	// Bounded runs stop two hours after the scheduled time, here one hour from now.
	h.seedDelivery(t, api.Delivery{ID: "r-3", ScheduledTime: testStart.Add(-time.Hour)})

	snap, err := h.eng.StartRecurringCheck(ctx, recurringInput("r-3", 10))
	require.NoError(t, err)

	res, err := h.await(t, snap.WorkflowID)
	require.NoError(t, err)
	require.Equal(t, api.StopCutoff, res.StopReason)
	// Checks at +0, +15, +30, +45 and +60 minutes.
	require.Equal(t, 5, res.ChecksPerformed)
}

func TestRecurring_CutoffOverride(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()
	h.seedDelivery(t, api.Delivery{ID: "r-4", ScheduledTime: testStart.Add(-time.Hour)})

	in := recurringInput("r-4", 10)
	in.CutoffHours = 0.5
	snap, err := h.eng.StartRecurringCheck(ctx, in)
	require.NoError(t, err)

	res, err := h.await(t, snap.WorkflowID)
	require.NoError(t, err)
	require.Equal(t, api.StopCutoff, res.StopReason)
	require.Zero(t, res.ChecksPerformed)
}

func TestRecurring_TerminalDeliveryIsNotChecked(t *testing.T) {
	h := newHarness(t, 45)
	ctx := context.Background()
	h.seedDelivery(t, api.Delivery{ID: "r-5", Status: api.DeliveryDelivered})

	snap, err := h.eng.StartRecurringCheck(ctx, recurringInput("r-5", 5))
	require.NoError(t, err)

	res, err := h.await(t, snap.WorkflowID)
	require.NoError(t, err)
	require.Equal(t, api.StopTerminal, res.StopReason)
	require.Zero(t, res.ChecksPerformed)

	d, err := h.p.Data.GetDelivery(ctx, "r-5")
	require.NoError(t, err)
	require.Equal(t, api.DeliveryDelivered, d.Status)
	require.Zero(t, d.ChecksPerformed)
}

func TestRecurring_DeduplicatesRepeatNotifications(t *testing.T) {
	h := newHarness(t, 45)
	ctx := context.Background()
	h.seedDelivery(t, api.Delivery{ID: "r-7"})

	snap, err := h.eng.StartRecurringCheck(ctx, recurringInput("r-7", 5))
	require.NoError(t, err)

	res, err := h.await(t, snap.WorkflowID)
	require.NoError(t, err)
	require.Equal(t, 5, res.ChecksPerformed)
	// First alert at +0; +15..+45 are suppressed; +60 re-alerts after an hour.
	require.Equal(t, int32(2), h.sends.Load())
	require.Equal(t, 2, res.NotificationsSent)

	notifications, err := h.p.Data.ListNotifications(ctx, "r-7")
	require.NoError(t, err)
	require.Len(t, notifications, 2)
	require.True(t, strings.HasSuffix(notifications[0].ID, ":1:email") || strings.HasSuffix(notifications[1].ID, ":1:email"))

	d, err := h.p.Data.GetDelivery(ctx, "r-7")
	require.NoError(t, err)
	require.Equal(t, api.DeliveryDelayed, d.Status)
	require.Equal(t, 5, d.ChecksPerformed)
}

func TestRecurring_DelayChangeReAlerts(t *testing.T) {
	h := newHarness(t, 45)
	ctx := context.Background()
	h.seedDelivery(t, api.Delivery{ID: "r-8"})

	// Seed a previous notification at a much lower delay.
	require.NoError(t, h.p.Data.SaveNotification(ctx, &api.Notification{
		ID:           "earlier",
		DeliveryID:   "r-8",
		Channel:      api.ChannelEmail,
		DelayMinutes: 20,
		Status:       api.NotificationSent,
		SentAt:       testStart.Add(-10 * time.Minute),
		CreatedAt:    testStart.Add(-10 * time.Minute),
	}))

	snap, err := h.eng.StartRecurringCheck(ctx, recurringInput("r-8", 1))
	require.NoError(t, err)

	_, err = h.await(t, snap.WorkflowID)
	require.NoError(t, err)
	require.Equal(t, int32(1), h.sends.Load())
}

func TestRecurring_SuppressedAfterRecentSimilarAlert(t *testing.T) {
	h := newHarness(t, 25)
	ctx := context.Background()
	h.seedDelivery(t, api.Delivery{ID: "r-9", DelayThresholdMinutes: 15})

	require.NoError(t, h.p.Data.SaveNotification(ctx, &api.Notification{
		ID:           "earlier",
		DeliveryID:   "r-9",
		Channel:      api.ChannelEmail,
		DelayMinutes: 20,
		Status:       api.NotificationSent,
		SentAt:       testStart.Add(-10 * time.Minute),
		CreatedAt:    testStart.Add(-10 * time.Minute),
	}))

	in := recurringInput("r-9", 1)
	in.ThresholdMinutes = 15
	snap, err := h.eng.StartRecurringCheck(ctx, in)
	require.NoError(t, err)

	res, err := h.await(t, snap.WorkflowID)
	require.NoError(t, err)
	require.True(t, res.Evaluation.ExceedsThreshold)
	require.Zero(t, h.sends.Load())
	require.Equal(t, 1, res.ChecksPerformed)

	// Suppressed iterations do not mark the delivery delayed.
	d, err := h.p.Data.GetDelivery(ctx, "r-9")
	require.NoError(t, err)
	require.Equal(t, api.DeliveryInTransit, d.Status)
}

func TestRecurring_CancelSignalStopsLoop(t *testing.T) {
	h := newHarness(t, 45, withGate())
	ctx := context.Background()
	h.seedDelivery(t, api.Delivery{ID: "r-10"})

	snap, err := h.eng.StartRecurringCheck(ctx, recurringInput("r-10", api.UnlimitedChecks))
	require.NoError(t, err)

	require.NoError(t, h.eng.Signal(ctx, snap.WorkflowID, api.Signal{Name: api.SignalCancel, Reason: "delivered early"}))
	h.release()

	res, err := h.await(t, snap.WorkflowID)
	require.NoError(t, err)
	require.True(t, res.Cancelled)
	require.Equal(t, api.StopCancelled, res.StopReason)
	require.Zero(t, h.sends.Load())

	q, err := h.eng.Query(ctx, snap.WorkflowID)
	require.NoError(t, err)
	require.Equal(t, api.StatusCancelled, q.Status)

	d, err := h.p.Data.GetDelivery(ctx, "r-10")
	require.NoError(t, err)
	require.Equal(t, api.DeliveryInTransit, d.Status)
}

func TestRecurring_MissingDeliveryFailsRun(t *testing.T) {
	h := newHarness(t, 45)
	ctx := context.Background()

	snap, err := h.eng.StartRecurringCheck(ctx, recurringInput("ghost", 3))
	require.NoError(t, err)

	res, err := h.await(t, snap.WorkflowID)
	require.ErrorIs(t, err, api.ErrRunFailed)
	require.NotNil(t, res)
	require.False(t, res.Success)
	require.Contains(t, res.Error, api.ErrDeliveryNotFound.Error())

	exec, err := h.p.Data.GetExecution(ctx, snap.WorkflowID, snap.RunID)
	require.NoError(t, err)
	require.Equal(t, api.StatusFailed, exec.Status)

	_, _, fails, _, _ := h.obs.counts()
	require.Equal(t, 1, fails)
}

func TestRecurring_OnlyOneActiveRunPerDelivery(t *testing.T) {
	h := newHarness(t, 10, withGate())
	ctx := context.Background()
	h.seedDelivery(t, api.Delivery{ID: "r-11"})

	snap, err := h.eng.StartRecurringCheck(ctx, recurringInput("r-11", 1))
	require.NoError(t, err)

	_, err = h.eng.StartRecurringCheck(ctx, recurringInput("r-11", 1))
	require.ErrorIs(t, err, api.ErrRunAlreadyActive)

	h.release()
	_, err = h.await(t, snap.WorkflowID)
	require.NoError(t, err)
}

// flakyReads fails the first delivery reads of the wrapped backend.
type flakyReads struct {
	persistence.Backend
	failures atomic.Int32
}

func (f *flakyReads) GetDelivery(ctx context.Context, id string) (*api.Delivery, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, errors.New("primary unavailable")
	}
	return f.Backend.GetDelivery(ctx, id)
}

func TestRecurring_StaleMirrorReadStillCountsOnPrimary(t *testing.T) {
	ctx := context.Background()
	primary := persistence.NewMemoryBackend("primary")
	mirror := persistence.NewMemoryBackend("mirror")

	d := api.Delivery{
		ID:              "r-12",
		Status:          api.DeliveryPending,
		CustomerEmail:   "customer@example.com",
		ScheduledTime:   testStart.Add(time.Hour),
		ChecksPerformed: 3,
	}
	require.NoError(t, primary.SaveDelivery(ctx, &d))
	stale := d
	stale.ChecksPerformed = 0
	require.NoError(t, mirror.SaveDelivery(ctx, &stale))

	// The first read misses the primary and is served by the lagging mirror.
	flaky := &flakyReads{Backend: primary}
	flaky.failures.Store(1)
	p := &persistence.Persistence{
		Data: persistence.NewGateway(flaky, []persistence.Backend{mirror}, nil),
		Runs: persistence.NewMemoryRunStore(),
	}
	h := newHarness(t, 10, withPersistence(p))

	snap, err := h.eng.StartRecurringCheck(ctx, recurringInput("r-12", 2))
	require.NoError(t, err)

	res, err := h.await(t, snap.WorkflowID)
	require.NoError(t, err)
	require.Equal(t, api.StopMaxChecks, res.StopReason)
	require.Equal(t, 2, res.ChecksPerformed)

	got, err := primary.GetDelivery(ctx, "r-12")
	require.NoError(t, err)
	require.Equal(t, 5, got.ChecksPerformed)

	run, err := h.p.Runs.GetRun(ctx, snap.WorkflowID)
	require.NoError(t, err)
	require.Equal(t, 5, run.ConfirmedChecks)
}

func TestRecurring_UsesDeliveryThresholdWhenInputUnset(t *testing.T) {
	h := newHarness(t, 45)
	ctx := context.Background()
	h.seedDelivery(t, api.Delivery{ID: "r-13", DelayThresholdMinutes: 60})

	snap, err := h.eng.StartRecurringCheck(ctx, api.RecurringInput{
		MonitorInput:         api.MonitorInput{DeliveryID: "r-13"},
		CheckIntervalMinutes: 15,
		MaxChecks:            1,
	})
	require.NoError(t, err)
	require.Equal(t, 60, snap.ThresholdMinutes)

	res, err := h.await(t, snap.WorkflowID)
	require.NoError(t, err)
	require.Equal(t, 60, res.Evaluation.ThresholdMinutes)
	require.False(t, res.Evaluation.ExceedsThreshold)
	require.Zero(t, h.sends.Load())
}

func TestRecurring_UsesDeliveryRecurringSettingsWhenInputUnset(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()
	h.seedDelivery(t, api.Delivery{
		ID:        "r-14",
		Recurring: api.RecurringConfig{Enabled: true, IntervalMinutes: 5, MaxChecks: 2},
	})

	snap, err := h.eng.StartRecurringCheck(ctx, api.RecurringInput{
		MonitorInput: api.MonitorInput{DeliveryID: "r-14", ThresholdMinutes: 30},
	})
	require.NoError(t, err)

	res, err := h.await(t, snap.WorkflowID)
	require.NoError(t, err)
	require.Equal(t, api.StopMaxChecks, res.StopReason)
	require.Equal(t, 2, res.ChecksPerformed)

	run, err := h.p.Runs.GetRun(ctx, snap.WorkflowID)
	require.NoError(t, err)
	require.Equal(t, 5, run.Input.CheckIntervalMinutes)
	require.Equal(t, 2, run.Input.MaxChecks)
}

func TestRecurring_InputOverridesDeliverySettings(t *testing.T) {
	h := newHarness(t, 45)
	ctx := context.Background()
	h.seedDelivery(t, api.Delivery{
		ID:                    "r-15",
		DelayThresholdMinutes: 60,
		Recurring:             api.RecurringConfig{IntervalMinutes: 5, MaxChecks: 4},
	})

	snap, err := h.eng.StartRecurringCheck(ctx, recurringInput("r-15", 1))
	require.NoError(t, err)

	res, err := h.await(t, snap.WorkflowID)
	require.NoError(t, err)
	require.Equal(t, 1, res.ChecksPerformed)
	require.True(t, res.Evaluation.ExceedsThreshold)
	require.Equal(t, 30, res.Evaluation.ThresholdMinutes)
}
