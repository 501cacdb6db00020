// Package chain implements an ordered provider fallback chain. A Chain tries
// its available providers by ascending priority until one succeeds.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"
)

// ErrNotApplicable is returned by a provider that cannot serve a request by
// construction (for example an email-only sender asked to send SMS). The
// chain skips to the next provider without logging a failure.
var ErrNotApplicable = errors.New("provider not applicable to request")

// FallbackPriority marks an offline provider that always answers. It runs
// last and gets its own deadline once the caller's budget is spent.
const FallbackPriority = math.MaxInt

const defaultFallbackTimeout = 5 * time.Second

// Provider is one interchangeable implementation of a capability.
type Provider[Req, Resp any] interface {
	Name() string
	// Priority orders providers; lower runs first.
	Priority() int
	Available() bool
	Attempt(ctx context.Context, req Req) (Resp, error)
}

// Served is a successful chain result and the provider that produced it.
type Served[Resp any] struct {
	Value    Resp
	Provider string
}

// Attempt describes one provider call, reported to an AttemptHook.
type Attempt struct {
	Chain    string
	Provider string
	Err      error
	Terminal bool
	Duration time.Duration
}

// AttemptHook observes every provider call.
type AttemptHook func(Attempt)

type settings struct {
	logger          *slog.Logger
	hook            AttemptHook
	providerTimeout time.Duration
	fallbackTimeout time.Duration
}

// Option configures a Chain.
type Option func(*settings)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithAttemptHook registers a callback invoked after each provider attempt.
func WithAttemptHook(h AttemptHook) Option {
	return func(s *settings) { s.hook = h }
}

// WithProviderTimeout caps each non-fallback provider call. Without it a
// provider gets an even share of the caller's remaining deadline.
func WithProviderTimeout(d time.Duration) Option {
	return func(s *settings) { s.providerTimeout = d }
}

// WithFallbackTimeout sets the deadline of the fallback provider when the
// caller's deadline has passed or is shorter. Defaults to 5s.
func WithFallbackTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.fallbackTimeout = d
		}
	}
}

// Chain is a fallback chain over providers of one capability.
type Chain[Req, Resp any] struct {
	name            string
	providers       []Provider[Req, Resp]
	logger          *slog.Logger
	hook            AttemptHook
	providerTimeout time.Duration
	fallbackTimeout time.Duration
}

// New builds a chain. Providers are kept in ascending priority order; ties
// keep their construction order.
func New[Req, Resp any](name string, providers []Provider[Req, Resp], opts ...Option) *Chain[Req, Resp] {
	s := settings{logger: slog.Default(), fallbackTimeout: defaultFallbackTimeout}
	for _, o := range opts {
		o(&s)
	}
	sorted := make([]Provider[Req, Resp], 0, len(providers))
	for _, p := range providers {
		if p != nil {
			sorted = append(sorted, p)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() < sorted[j].Priority()
	})
	return &Chain[Req, Resp]{
		name:            name,
		providers:       sorted,
		logger:          s.logger.With(slog.String("chain", name)),
		hook:            s.hook,
		providerTimeout: s.providerTimeout,
		fallbackTimeout: s.fallbackTimeout,
	}
}

// Name returns the chain name.
func (c *Chain[Req, Resp]) Name() string { return c.name }

// Providers returns the provider names in attempt order, including unavailable ones.
func (c *Chain[Req, Resp]) Providers() []string {
	out := make([]string, len(c.providers))
	for i, p := range c.providers {
		out[i] = p.Name()
	}
	return out
}

// Invoke tries each available provider in priority order and returns the
// first success. If all fail it returns an *Error listing each failure.
//
// Each regular provider gets a share of ctx's remaining deadline, so a hung
// provider cannot starve the ones after it. A FallbackPriority provider still
// runs after ctx's deadline has expired, under its own timeout. Cancellation
// of ctx stops the chain immediately.
func (c *Chain[Req, Resp]) Invoke(ctx context.Context, req Req) (Served[Resp], error) {
	var zero Served[Resp]
	chainErr := &Error{Chain: c.name}

	available := make([]Provider[Req, Resp], 0, len(c.providers))
	for _, p := range c.providers {
		if !p.Available() {
			c.logger.DebugContext(ctx, "chain_provider_unavailable", slog.String("provider", p.Name()))
			continue
		}
		available = append(available, p)
	}

	for i, p := range available {
		fallback := p.Priority() == FallbackPriority
		if err := ctx.Err(); err != nil && (!fallback || errors.Is(err, context.Canceled)) {
			if errors.Is(err, context.Canceled) || !c.hasFallback(available[i:]) {
				return zero, err
			}
			chainErr.Failures = append(chainErr.Failures, Failure{Provider: p.Name(), Err: err})
			continue
		}

		attemptCtx, cancel := c.attemptContext(ctx, fallback, available[i:])
		start := time.Now()
		resp, err := p.Attempt(attemptCtx, req)
		d := time.Since(start)
		cancel()

		if err == nil {
			c.report(Attempt{Chain: c.name, Provider: p.Name(), Duration: d})
			c.logger.InfoContext(ctx, "chain_served",
				slog.String("provider", p.Name()),
				slog.Int("failed_before", len(chainErr.Failures)),
				slog.Duration("duration", d),
			)
			return Served[Resp]{Value: resp, Provider: p.Name()}, nil
		}

		if errors.Is(err, ErrNotApplicable) {
			c.logger.DebugContext(ctx, "chain_provider_skipped",
				slog.String("provider", p.Name()),
				slog.Any("error", err),
			)
			continue
		}

		terminal := IsPermanent(err)
		c.report(Attempt{Chain: c.name, Provider: p.Name(), Err: err, Terminal: terminal, Duration: d})
		chainErr.Failures = append(chainErr.Failures, Failure{Provider: p.Name(), Err: err, Terminal: terminal})

		if terminal {
			c.logger.ErrorContext(ctx, "chain_provider_failed",
				slog.String("provider", p.Name()),
				slog.Bool("terminal", true),
				slog.Any("error", err),
			)
		} else {
			c.logger.WarnContext(ctx, "chain_provider_failed",
				slog.String("provider", p.Name()),
				slog.Bool("terminal", false),
				slog.Any("error", err),
			)
		}
	}

	if err := ctx.Err(); err != nil && len(chainErr.Failures) == 0 {
		return zero, err
	}
	c.logger.ErrorContext(ctx, "chain_exhausted", slog.Int("failures", len(chainErr.Failures)))
	return zero, chainErr
}

func (c *Chain[Req, Resp]) hasFallback(rest []Provider[Req, Resp]) bool {
	for _, p := range rest {
		if p.Priority() == FallbackPriority {
			return true
		}
	}
	return false
}

// attemptContext derives the context for one provider call. rest starts
// with that provider.
func (c *Chain[Req, Resp]) attemptContext(ctx context.Context, fallback bool, rest []Provider[Req, Resp]) (context.Context, context.CancelFunc) {
	deadline, hasDeadline := ctx.Deadline()
	if fallback {
		if !hasDeadline || time.Until(deadline) >= c.fallbackTimeout {
			return context.WithCancel(ctx)
		}
		return context.WithTimeout(context.WithoutCancel(ctx), c.fallbackTimeout)
	}

	timeout := c.providerTimeout
	if hasDeadline {
		// Regular providers split what is left with one share kept for the fallback.
		regular := 0
		for _, p := range rest {
			if p.Priority() != FallbackPriority {
				regular++
			}
		}
		if c.hasFallback(rest) {
			regular++
		}
		share := time.Until(deadline) / time.Duration(regular)
		if timeout <= 0 || share < timeout {
			timeout = share
		}
	}
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func (c *Chain[Req, Resp]) report(a Attempt) {
	if c.hook != nil {
		c.hook(a)
	}
}

// Failure is one provider's failure within an exhausted chain.
type Failure struct {
	Provider string
	Err      error
	Terminal bool
}

// Error is returned when every available provider failed.
type Error struct {
	Chain    string
	Failures []Failure
}

func (e *Error) Error() string {
	if len(e.Failures) == 0 {
		return fmt.Sprintf("chain %s: no available provider", e.Chain)
	}
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("%s: %v", f.Provider, f.Err)
	}
	return fmt.Sprintf("chain %s: all providers failed: %s", e.Chain, strings.Join(parts, "; "))
}

func (e *Error) Unwrap() []error {
	out := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		out[i] = f.Err
	}
	return out
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as a terminal provider error (bad credentials,
// malformed request). The chain still falls through but logs it at error level.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Func adapts a function into a Provider.
type Func[Req, Resp any] struct {
	ID       string
	Rank     int
	Disabled bool
	Fn       func(ctx context.Context, req Req) (Resp, error)
}

func (f Func[Req, Resp]) Name() string    { return f.ID }
func (f Func[Req, Resp]) Priority() int   { return f.Rank }
func (f Func[Req, Resp]) Available() bool { return !f.Disabled && f.Fn != nil }
func (f Func[Req, Resp]) Attempt(ctx context.Context, req Req) (Resp, error) {
	return f.Fn(ctx, req)
}
