// Package metrics exports engine and provider activity to Prometheus.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petrijr/delaywatch/internal/chain"
	"github.com/petrijr/delaywatch/pkg/api"
)

// Metrics holds the Prometheus collectors for runs, steps, provider calls
// and sent notifications. It implements api.Observer.
type Metrics struct {
	registry *prometheus.Registry

	runsStarted   *prometheus.CounterVec
	runsFinished  *prometheus.CounterVec
	runsActive    prometheus.Gauge
	stepDuration  *prometheus.HistogramVec
	stepFailures  *prometheus.CounterVec
	providerCalls *prometheus.CounterVec
	providerTime  *prometheus.HistogramVec
	notifications prometheus.Counter
	checks        prometheus.Counter
}

var _ api.Observer = (*Metrics)(nil)

// New registers all collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "delaywatch_runs_started_total",
			Help: "Runs started or resumed, by workflow kind",
		}, []string{"kind"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "delaywatch_runs_finished_total",
			Help: "Runs that reached a final status",
		}, []string{"kind", "status"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "delaywatch_runs_active",
			Help: "Runs currently executing in this process",
		}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "delaywatch_step_duration_seconds",
			Help:    "Duration of workflow steps",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind", "step"}),
		stepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "delaywatch_step_failures_total",
			Help: "Workflow steps that returned an error",
		}, []string{"kind", "step"}),
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "delaywatch_provider_calls_total",
			Help: "Provider attempts made by fallback chains",
		}, []string{"chain", "provider", "outcome"}),
		providerTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "delaywatch_provider_call_duration_seconds",
			Help:    "Duration of provider attempts",
			Buckets: prometheus.DefBuckets,
		}, []string{"chain", "provider"}),
		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "delaywatch_notifications_sent_total",
			Help: "Customer notifications dispatched",
		}),
		checks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "delaywatch_recurring_checks_total",
			Help: "Recurring check iterations completed",
		}),
	}
	m.registry.MustRegister(
		m.runsStarted, m.runsFinished, m.runsActive,
		m.stepDuration, m.stepFailures,
		m.providerCalls, m.providerTime,
		m.notifications, m.checks,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// AttemptHook returns a chain hook that counts provider attempts.
func (m *Metrics) AttemptHook() chain.AttemptHook {
	return func(a chain.Attempt) {
		outcome := "success"
		switch {
		case a.Err != nil && a.Terminal:
			outcome = "terminal"
		case a.Err != nil:
			outcome = "error"
		}
		m.providerCalls.WithLabelValues(a.Chain, a.Provider, outcome).Inc()
		m.providerTime.WithLabelValues(a.Chain, a.Provider).Observe(a.Duration.Seconds())
	}
}

func (m *Metrics) OnRunStart(_ context.Context, run *api.Run) {
	m.runsStarted.WithLabelValues(string(run.Kind)).Inc()
	m.runsActive.Inc()
}

func (m *Metrics) OnRunCompleted(_ context.Context, run *api.Run) {
	m.runsFinished.WithLabelValues(string(run.Kind), string(run.Status)).Inc()
	m.runsActive.Dec()
}

func (m *Metrics) OnRunFailed(_ context.Context, run *api.Run, _ error) {
	m.runsFinished.WithLabelValues(string(run.Kind), string(api.StatusFailed)).Inc()
	m.runsActive.Dec()
}

func (m *Metrics) OnStepStart(context.Context, *api.Run, api.Step) {}

func (m *Metrics) OnStepCompleted(_ context.Context, run *api.Run, step api.Step, err error, d time.Duration) {
	kind := string(run.Kind)
	m.stepDuration.WithLabelValues(kind, string(step)).Observe(d.Seconds())
	if err != nil {
		m.stepFailures.WithLabelValues(kind, string(step)).Inc()
		return
	}
	switch step {
	case api.StepNotificationDelivery:
		if run.Result.Dispatch != nil {
			for _, c := range run.Result.Dispatch.Channels {
				if c.Sent {
					m.notifications.Inc()
				}
			}
		}
	case api.StepCounterIncrement:
		m.checks.Inc()
	}
}
