package persistence

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/delaywatch/pkg/api"
)

// failingBackend wraps a backend and fails selected operations.
type failingBackend struct {
	Backend
	err       error
	failRead  bool
	failWrite bool
}

func (f *failingBackend) SaveDelivery(ctx context.Context, d *api.Delivery) error {
	if f.failWrite {
		return f.err
	}
	return f.Backend.SaveDelivery(ctx, d)
}

func (f *failingBackend) GetDelivery(ctx context.Context, id string) (*api.Delivery, error) {
	if f.failRead {
		return nil, f.err
	}
	return f.Backend.GetDelivery(ctx, id)
}

func newTestLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func TestGateway_WriteSucceedsWhenMirrorFails(t *testing.T) {
	ctx := context.Background()
	primary := NewMemoryBackend("primary")
	mirror := &failingBackend{Backend: NewMemoryBackend("mirror"), err: errors.New("mirror down"), failWrite: true}
	logger, buf := newTestLogger()
	g := NewGateway(primary, []Backend{mirror}, logger)

	require.NoError(t, g.SaveDelivery(ctx, &api.Delivery{ID: "d-1", Status: api.DeliveryPending}))

	got, err := primary.GetDelivery(ctx, "d-1")
	require.NoError(t, err)
	require.Equal(t, "d-1", got.ID)
	require.Contains(t, buf.String(), "mirror_write_failed")
	require.Contains(t, buf.String(), "mirror down")
}

func TestGateway_WriteFailsWhenPrimaryFails(t *testing.T) {
	ctx := context.Background()
	primary := &failingBackend{Backend: NewMemoryBackend("primary"), err: errors.New("primary down"), failWrite: true}
	mirror := NewMemoryBackend("mirror")
	g := NewGateway(primary, []Backend{mirror}, nil)

	err := g.SaveDelivery(ctx, &api.Delivery{ID: "d-1"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "primary down")

	// The mirror still received the write.
	_, err = mirror.GetDelivery(ctx, "d-1")
	require.NoError(t, err)
}

func TestGateway_ReadFallsBackToMirror(t *testing.T) {
	ctx := context.Background()
	primary := &failingBackend{Backend: NewMemoryBackend("primary"), err: errors.New("timeout"), failRead: true}
	mirror := NewMemoryBackend("mirror")
	require.NoError(t, mirror.SaveDelivery(ctx, &api.Delivery{ID: "d-1", TrackingNumber: "TRK-1"}))
	logger, buf := newTestLogger()
	g := NewGateway(primary, []Backend{mirror}, logger)

	got, err := g.GetDelivery(ctx, "d-1")
	require.NoError(t, err)
	require.Equal(t, "TRK-1", got.TrackingNumber)
	require.Contains(t, buf.String(), "read_fallback_served")
}

func TestGateway_ReadNotFoundOnPrimaryTriesMirror(t *testing.T) {
	ctx := context.Background()
	primary := NewMemoryBackend("primary")
	mirror := NewMemoryBackend("mirror")
	require.NoError(t, mirror.SaveDelivery(ctx, &api.Delivery{ID: "d-1"}))
	g := NewGateway(primary, []Backend{mirror}, nil)

	_, err := g.GetDelivery(ctx, "d-1")
	require.NoError(t, err)
}

func TestGateway_ReadAllNotFound(t *testing.T) {
	g := NewGateway(NewMemoryBackend("a"), []Backend{NewMemoryBackend("b")}, nil)

	_, err := g.GetDelivery(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGateway_ReadAllFailedAggregates(t *testing.T) {
	errA, errB := errors.New("a broke"), errors.New("b broke")
	g := NewGateway(
		&failingBackend{Backend: NewMemoryBackend("a"), err: errA, failRead: true},
		[]Backend{&failingBackend{Backend: NewMemoryBackend("b"), err: errB, failRead: true}},
		nil,
	)

	_, err := g.GetDelivery(context.Background(), "d-1")
	require.ErrorIs(t, err, errA)
	require.ErrorIs(t, err, errB)
	require.NotErrorIs(t, err, ErrNotFound)
	require.Contains(t, err.Error(), "all backends failed")
}

func TestGateway_IncrementChecksConflictFromPrimary(t *testing.T) {
	ctx := context.Background()
	primary, mirror := NewMemoryBackend("primary"), NewMemoryBackend("mirror")
	g := NewGateway(primary, []Backend{mirror}, nil)
	require.NoError(t, g.SaveDelivery(ctx, &api.Delivery{ID: "d-1"}))

	n, err := g.IncrementChecks(ctx, "d-1", 0, time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = g.IncrementChecks(ctx, "d-1", 0, time.Now())
	require.ErrorIs(t, err, ErrCounterConflict)
	require.Equal(t, 1, n)

	got, err := mirror.GetDelivery(ctx, "d-1")
	require.NoError(t, err)
	require.Equal(t, 1, got.ChecksPerformed)
}

func TestGateway_DefaultThreshold(t *testing.T) {
	ctx := context.Background()
	g := NewGateway(NewMemoryBackend("primary"), nil, nil)

	_, err := g.DefaultThreshold(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, g.SaveThreshold(ctx, &api.Threshold{ID: "strict", DelayMinutes: 10}))
	require.NoError(t, g.SaveThreshold(ctx, &api.Threshold{ID: "std", DelayMinutes: 25, IsDefault: true}))

	def, err := g.DefaultThreshold(ctx)
	require.NoError(t, err)
	require.Equal(t, 25, def.DelayMinutes)
}

func TestOpenBackend_Schemes(t *testing.T) {
	ctx := context.Background()

	b, err := OpenBackend(ctx, "memory://primary")
	require.NoError(t, err)
	require.Equal(t, "primary", b.Name())

	b, err = OpenBackend(ctx, "sqlite://:memory:")
	require.NoError(t, err)
	require.Equal(t, "sqlite", b.Name())
	require.NoError(t, b.Close())

	_, err = OpenBackend(ctx, "ftp://nowhere")
	require.Error(t, err)

	_, err = OpenBackend(ctx, "no-scheme")
	require.Error(t, err)

	rs, err := OpenRunStore(ctx, "memory://")
	require.NoError(t, err)
	require.NoError(t, rs.Close())
}
