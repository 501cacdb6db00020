// Package api contains the public types shared by the delaywatch monitor:
// the delivery data model, workflow inputs and outputs, signals, the status
// query snapshot, and the Observer hooks used for logging and metrics.
//
// Most users interact with the higher-level delaywatch package, which
// re-exports selected types and constructors from this package. The api
// package is intended for custom integrations (alternative storage backends,
// observers, providers) that need the raw types.
//
// # Data model
//
// A Delivery is the unit being monitored. Its checks counter only grows and
// its status becomes terminal once delivered, cancelled or failed. Every
// traffic sample is kept as a TrafficSnapshot, every dispatch attempt per
// channel as a Notification, and every run (plus every iteration of a
// recurring run) as a WorkflowExecution.
//
// # Runs
//
// A Run is the durable checkpoint of one monitoring workflow. The engine
// writes it after every step so that a restarted process resumes from the
// step cursor rather than starting over. Signals are delivered through a
// durable inbox and a StatusSnapshot answers status queries without blocking
// the run.
//
// # Observability
//
// The Observer interface reports run and step lifecycle events. NoopObserver,
// LoggingObserver, BasicMetrics and CompositeObserver are provided here; a
// Prometheus implementation lives in internal/metrics.
package api
