package activity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/petrijr/delaywatch/internal/message"
	"github.com/petrijr/delaywatch/internal/notify"
	"github.com/petrijr/delaywatch/internal/persistence"
	"github.com/petrijr/delaywatch/internal/traffic"
	"github.com/petrijr/delaywatch/pkg/api"
)

// Config holds the collaborators activities call.
type Config struct {
	Data     *persistence.Gateway
	Traffic  *traffic.Chain
	Composer *message.Composer
	Notify   *notify.Chain
	Clock    api.Clock
	Logger   *slog.Logger

	// Optional overrides of the two retry classes.
	External    *Options
	Persistence *Options
}

// Activities is the set of side effects a run performs.
type Activities struct {
	data     *persistence.Gateway
	traffic  *traffic.Chain
	composer *message.Composer
	notify   *notify.Chain
	clock    api.Clock
	logger   *slog.Logger
	external Options
	storage  Options
}

func New(cfg Config) *Activities {
	if cfg.Clock == nil {
		cfg.Clock = api.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	external, storage := ExternalOptions, PersistenceOptions
	if cfg.External != nil {
		external = *cfg.External
	}
	if cfg.Persistence != nil {
		storage = *cfg.Persistence
	}
	external.Clock, external.Logger = cfg.Clock, cfg.Logger
	storage.Clock, storage.Logger = cfg.Clock, cfg.Logger

	return &Activities{
		data:     cfg.Data,
		traffic:  cfg.Traffic,
		composer: cfg.Composer,
		notify:   cfg.Notify,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		external: external,
		storage:  storage,
	}
}

// CheckTraffic looks up current traffic for the route.
func (a *Activities) CheckTraffic(ctx context.Context, in api.MonitorInput) (*api.TrafficResult, error) {
	return Execute(ctx, "check_traffic", a.external, func(ctx context.Context) (*api.TrafficResult, error) {
		served, err := a.traffic.Invoke(ctx, traffic.Request{
			Origin:        in.Origin,
			Destination:   in.Destination,
			DepartureTime: a.clock.Now(),
		})
		if err != nil {
			return nil, err
		}
		r := served.Value
		return &api.TrafficResult{
			Provider:              served.Provider,
			DelayMinutes:          r.DelayMinutes,
			Condition:             r.Condition,
			DurationSeconds:       int(r.EstimatedDuration.Seconds()),
			NormalDurationSeconds: int(r.NormalDuration.Seconds()),
			CapturedAt:            a.clock.Now(),
		}, nil
	})
}

// RecordSnapshot stores a traffic observation. snapshotID makes the write
// idempotent across replays.
func (a *Activities) RecordSnapshot(ctx context.Context, snapshotID string, in api.MonitorInput, tr *api.TrafficResult) error {
	_, err := Execute(ctx, "record_snapshot", a.storage, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.data.AppendSnapshot(ctx, &api.TrafficSnapshot{
			ID:                    snapshotID,
			DeliveryID:            in.DeliveryID,
			RouteID:               in.RouteID,
			Condition:             tr.Condition,
			DelayMinutes:          tr.DelayMinutes,
			DurationSeconds:       tr.DurationSeconds,
			NormalDurationSeconds: tr.NormalDurationSeconds,
			Provider:              tr.Provider,
			CapturedAt:            tr.CapturedAt,
		})
	})
	return err
}

// GenerateMessages composes one message per channel.
func (a *Activities) GenerateMessages(ctx context.Context, in message.Input) (*api.MessageResult, error) {
	return Execute(ctx, "generate_messages", a.external, func(ctx context.Context) (*api.MessageResult, error) {
		return a.composer.Compose(ctx, in)
	})
}

// SendRequest is one channel send. NotificationID is the natural key
// "<workflowID>:<runID>:<iteration>:<channel>".
type SendRequest struct {
	NotificationID string
	DeliveryID     string
	CustomerID     string
	Channel        api.Channel
	Recipient      string
	Subject        string
	Body           string
	DelayMinutes   int
}

// SendNotification records a pending notification, sends it through the
// notify chain and records the outcome. A record that already reached a
// final status is reported as-is without sending again.
func (a *Activities) SendNotification(ctx context.Context, req SendRequest) (*api.ChannelDispatch, error) {
	existing, err := Execute(ctx, "get_notification", a.storage, func(ctx context.Context) (*api.Notification, error) {
		n, err := a.data.GetNotification(ctx, req.NotificationID)
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, nil
		}
		return n, err
	})
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Status != api.NotificationPending {
		return dispatchFrom(existing), nil
	}

	record := existing
	if record == nil {
		record = &api.Notification{
			ID:           req.NotificationID,
			DeliveryID:   req.DeliveryID,
			CustomerID:   req.CustomerID,
			Channel:      req.Channel,
			Recipient:    req.Recipient,
			Subject:      req.Subject,
			Message:      req.Body,
			DelayMinutes: req.DelayMinutes,
			Status:       api.NotificationPending,
			CreatedAt:    a.clock.Now(),
		}
		if _, err := Execute(ctx, "save_notification", a.storage, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, a.data.SaveNotification(ctx, record)
		}); err != nil {
			return nil, err
		}
	}

	served, sendErr := Execute(ctx, "send_notification", a.external, func(ctx context.Context) (notifyServed, error) {
		s, err := a.notify.Invoke(ctx, notify.Message{
			ID:        req.NotificationID,
			Channel:   req.Channel,
			Recipient: req.Recipient,
			Subject:   req.Subject,
			Body:      req.Body,
		})
		return notifyServed{provider: s.Provider, messageID: s.Value.MessageID}, err
	})
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	final := *record
	if sendErr != nil {
		final.Status = api.NotificationFailed
		final.ErrorMessage = sendErr.Error()
		a.logger.WarnContext(ctx, "notification_failed",
			slog.String("notification_id", req.NotificationID),
			slog.String("channel", string(req.Channel)),
			slog.Any("error", sendErr),
		)
	} else {
		final.Status = api.NotificationSent
		final.Provider = served.provider
		final.ProviderMessageID = served.messageID
		final.SentAt = a.clock.Now()
	}

	_, err = Execute(ctx, "update_notification", a.storage, func(ctx context.Context) (struct{}, error) {
		err := a.data.UpdateNotification(ctx, &final)
		if errors.Is(err, persistence.ErrNotificationFinal) {
			return struct{}{}, nil
		}
		return struct{}{}, err
	})
	if err != nil {
		return nil, err
	}
	return dispatchFrom(&final), nil
}

type notifyServed struct {
	provider  string
	messageID string
}

func dispatchFrom(n *api.Notification) *api.ChannelDispatch {
	return &api.ChannelDispatch{
		Channel:        n.Channel,
		NotificationID: n.ID,
		Sent:           n.Status == api.NotificationSent,
		Provider:       n.Provider,
		MessageID:      n.ProviderMessageID,
		Error:          n.ErrorMessage,
	}
}

// GetDelivery loads a delivery. A delivery missing from every backend is a
// non-retryable api.ErrDeliveryNotFound.
func (a *Activities) GetDelivery(ctx context.Context, id string) (*api.Delivery, error) {
	return Execute(ctx, "get_delivery", a.storage, func(ctx context.Context) (*api.Delivery, error) {
		d, err := a.data.GetDelivery(ctx, id)
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, api.NonRetryable("get_delivery", api.ErrDeliveryNotFound)
		}
		return d, err
	})
}

func (a *Activities) UpdateDeliveryStatus(ctx context.Context, id string, status api.DeliveryStatus) error {
	_, err := Execute(ctx, "update_delivery_status", a.storage, func(ctx context.Context) (struct{}, error) {
		err := a.data.UpdateDeliveryStatus(ctx, id, status, a.clock.Now())
		if errors.Is(err, persistence.ErrNotFound) {
			return struct{}{}, api.NonRetryable("update_delivery_status", api.ErrDeliveryNotFound)
		}
		return struct{}{}, err
	})
	return err
}

// counterAttempts bounds compare-and-increment retries within one attempt.
const counterAttempts = 3

// IncrementChecks bumps the delivery's counter from expected to expected+1.
// A replayed increment (counter already at expected+1) is treated as done.
// Any other mismatch re-reads the primary's counter and retries the
// compare-and-increment from there, so a stale expected value still moves
// the primary forward.
func (a *Activities) IncrementChecks(ctx context.Context, id string, expected int) (int, error) {
	return Execute(ctx, "increment_checks", a.storage, func(ctx context.Context) (int, error) {
		for range counterAttempts {
			n, err := a.data.IncrementChecks(ctx, id, expected, a.clock.Now())
			switch {
			case err == nil:
				return n, nil
			case errors.Is(err, persistence.ErrNotFound):
				return 0, api.NonRetryable("increment_checks", api.ErrDeliveryNotFound)
			case !errors.Is(err, persistence.ErrCounterConflict):
				return 0, err
			case n == expected+1:
				// An earlier attempt already applied this increment.
				return n, nil
			}

			current := n
			if d, rerr := a.data.Primary().GetDelivery(ctx, id); rerr == nil {
				current = d.ChecksPerformed
			}
			a.logger.WarnContext(ctx, "checks_counter_conflict",
				slog.String("delivery_id", id),
				slog.Int("expected", expected),
				slog.Int("current", current),
			)
			expected = current
		}
		return 0, fmt.Errorf("increment checks %s: %w", id, persistence.ErrCounterConflict)
	})
}

// LastNotification returns the most recent sent notification, or nil.
func (a *Activities) LastNotification(ctx context.Context, deliveryID string) (*api.Notification, error) {
	return Execute(ctx, "last_notification", a.storage, func(ctx context.Context) (*api.Notification, error) {
		n, err := a.data.LastSentNotification(ctx, deliveryID)
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, nil
		}
		return n, err
	})
}

func (a *Activities) SaveExecution(ctx context.Context, e *api.WorkflowExecution) error {
	_, err := Execute(ctx, "save_execution", a.storage, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.data.SaveExecution(ctx, e)
	})
	return err
}

// ResolveThreshold returns requested when positive, otherwise the default
// preset's minutes, otherwise api.DefaultThresholdMinutes. Preset lookup
// failures fall back silently.
func (a *Activities) ResolveThreshold(ctx context.Context, requested int) int {
	if requested > 0 {
		return requested
	}
	t, err := a.data.DefaultThreshold(ctx)
	if err != nil || t.DelayMinutes <= 0 {
		return api.DefaultThresholdMinutes
	}
	return t.DelayMinutes
}
