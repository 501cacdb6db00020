package chain

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type levelRecorder struct {
	mu      sync.Mutex
	entries []slog.Record
}

func (h *levelRecorder) Enabled(context.Context, slog.Level) bool { return true }
func (h *levelRecorder) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, r.Clone())
	return nil
}
func (h *levelRecorder) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *levelRecorder) WithGroup(string) slog.Handler      { return h }

func (h *levelRecorder) levelOf(msg string) []slog.Level {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []slog.Level
	for _, r := range h.entries {
		if r.Message == msg {
			out = append(out, r.Level)
		}
	}
	return out
}

func ok(id string, rank int, value string) Func[string, string] {
	return Func[string, string]{ID: id, Rank: rank, Fn: func(context.Context, string) (string, error) {
		return value, nil
	}}
}

func failing(id string, rank int, err error) Func[string, string] {
	return Func[string, string]{ID: id, Rank: rank, Fn: func(context.Context, string) (string, error) {
		return "", err
	}}
}

func TestInvoke_FallsBackToLowerPriority(t *testing.T) {
	var calls []string
	record := func(p Func[string, string]) Provider[string, string] {
		inner := p.Fn
		p.Fn = func(ctx context.Context, req string) (string, error) {
			calls = append(calls, p.ID)
			return inner(ctx, req)
		}
		return p
	}

	c := New("test", []Provider[string, string]{
		record(ok("fallback", 10, "from-fallback")),
		record(failing("primary", 1, errors.New("503"))),
	})

	served, err := c.Invoke(context.Background(), "req")
	require.NoError(t, err)
	require.Equal(t, "from-fallback", served.Value)
	require.Equal(t, "fallback", served.Provider)
	require.Equal(t, []string{"primary", "fallback"}, calls)
}

func TestInvoke_SkipsUnavailableProviders(t *testing.T) {
	disabled := ok("disabled", 0, "nope")
	disabled.Disabled = true

	c := New("test", []Provider[string, string]{disabled, ok("live", 5, "yes")})
	served, err := c.Invoke(context.Background(), "req")
	require.NoError(t, err)
	require.Equal(t, "live", served.Provider)
}

func TestInvoke_AllFailReturnsAggregate(t *testing.T) {
	errA := errors.New("timeout")
	errB := Permanent(errors.New("bad credentials"))

	c := New("test", []Provider[string, string]{failing("a", 1, errA), failing("b", 2, errB)})
	_, err := c.Invoke(context.Background(), "req")
	require.Error(t, err)

	var chainErr *Error
	require.ErrorAs(t, err, &chainErr)
	require.Len(t, chainErr.Failures, 2)
	require.Equal(t, "a", chainErr.Failures[0].Provider)
	require.False(t, chainErr.Failures[0].Terminal)
	require.True(t, chainErr.Failures[1].Terminal)
	require.ErrorIs(t, err, errA)
	require.Contains(t, err.Error(), "bad credentials")
}

func TestInvoke_NoProviders(t *testing.T) {
	c := New[string, string]("empty", nil)
	_, err := c.Invoke(context.Background(), "req")
	var chainErr *Error
	require.ErrorAs(t, err, &chainErr)
	require.Empty(t, chainErr.Failures)
}

func TestInvoke_LogsTerminalAndTransientDistinctly(t *testing.T) {
	h := &levelRecorder{}
	c := New("test", []Provider[string, string]{
		failing("transient", 1, errors.New("rate limited")),
		failing("terminal", 2, Permanent(errors.New("invalid key"))),
		ok("last", 3, "ok"),
	}, WithLogger(slog.New(h)))

	_, err := c.Invoke(context.Background(), "req")
	require.NoError(t, err)
	require.Equal(t, []slog.Level{slog.LevelWarn, slog.LevelError}, h.levelOf("chain_provider_failed"))
	require.Equal(t, []slog.Level{slog.LevelInfo}, h.levelOf("chain_served"))
}

func TestInvoke_NotApplicableIsSkippedSilently(t *testing.T) {
	var attempts []Attempt
	c := New("test", []Provider[string, string]{
		failing("email-only", 1, ErrNotApplicable),
		ok("any", 2, "ok"),
	}, WithAttemptHook(func(a Attempt) { attempts = append(attempts, a) }))

	served, err := c.Invoke(context.Background(), "sms")
	require.NoError(t, err)
	require.Equal(t, "any", served.Provider)
	require.Len(t, attempts, 1)
	require.Equal(t, "any", attempts[0].Provider)
}

func TestInvoke_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := New("test", []Provider[string, string]{ok("a", 1, "x")})
	_, err := c.Invoke(ctx, "req")
	require.ErrorIs(t, err, context.Canceled)
}

// hung blocks until its attempt context ends and records how much time it
// was given.
func hung(id string, rank int, budgets *[]time.Duration, mu *sync.Mutex) Func[string, string] {
	return Func[string, string]{ID: id, Rank: rank, Fn: func(ctx context.Context, _ string) (string, error) {
		if dl, ok := ctx.Deadline(); ok && budgets != nil {
			mu.Lock()
			*budgets = append(*budgets, time.Until(dl))
			mu.Unlock()
		}
		<-ctx.Done()
		return "", ctx.Err()
	}}
}

func TestInvoke_HungProviderStillReachesFallback(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var offline atomic.Int32
	c := New("test", []Provider[string, string]{
		hung("primary", 1, nil, nil),
		Func[string, string]{ID: "offline", Rank: FallbackPriority, Fn: func(ctx context.Context, _ string) (string, error) {
			offline.Add(1)
			if err := ctx.Err(); err != nil {
				return "", err
			}
			return "estimate", nil
		}},
	})

	start := time.Now()
	served, err := c.Invoke(ctx, "req")
	require.NoError(t, err)
	require.Equal(t, "offline", served.Provider)
	require.Equal(t, "estimate", served.Value)
	require.Equal(t, int32(1), offline.Load())
	require.Less(t, time.Since(start), time.Second)
}

func TestInvoke_RegularProvidersSplitTheDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	var (
		mu      sync.Mutex
		budgets []time.Duration
	)
	c := New("test", []Provider[string, string]{
		hung("first", 1, &budgets, &mu),
		hung("second", 2, &budgets, &mu),
		ok("offline", FallbackPriority, "estimate"),
	})

	served, err := c.Invoke(ctx, "req")
	require.NoError(t, err)
	require.Equal(t, "offline", served.Provider)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, budgets, 2)
	// Three shares: two regular providers plus one kept for the fallback.
	require.LessOrEqual(t, budgets[0], 40*time.Millisecond)
	require.Greater(t, budgets[1], time.Duration(0))
}

func TestInvoke_FallbackRunsAfterDeadlineExpired(t *testing.T) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	var regular atomic.Int32
	primary := ok("primary", 1, "live")
	primary.Fn = func(context.Context, string) (string, error) {
		regular.Add(1)
		return "live", nil
	}
	c := New("test", []Provider[string, string]{
		primary,
		Func[string, string]{ID: "offline", Rank: FallbackPriority, Fn: func(ctx context.Context, _ string) (string, error) {
			return "estimate", ctx.Err()
		}},
	}, WithFallbackTimeout(time.Second))

	served, err := c.Invoke(ctx, "req")
	require.NoError(t, err)
	require.Equal(t, "offline", served.Provider)
	require.Zero(t, regular.Load())
}

func TestInvoke_CancelledContextSkipsFallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var offline atomic.Int32
	c := New("test", []Provider[string, string]{
		ok("primary", 1, "live"),
		Func[string, string]{ID: "offline", Rank: FallbackPriority, Fn: func(context.Context, string) (string, error) {
			offline.Add(1)
			return "estimate", nil
		}},
	})

	_, err := c.Invoke(ctx, "req")
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, offline.Load())
}

func TestInvoke_ProviderTimeoutWithoutDeadline(t *testing.T) {
	c := New("test", []Provider[string, string]{
		hung("slow", 1, nil, nil),
		ok("backup", 2, "from-backup"),
	}, WithProviderTimeout(20*time.Millisecond))

	served, err := c.Invoke(context.Background(), "req")
	require.NoError(t, err)
	require.Equal(t, "backup", served.Provider)
}

func TestProviders_SortedByPriority(t *testing.T) {
	c := New("test", []Provider[string, string]{ok("c", 3, ""), ok("a", 1, ""), ok("b", 1, "")})
	require.Equal(t, []string{"a", "b", "c"}, c.Providers())
}
