// Package delaywatch monitors scheduled deliveries for traffic delays and
// notifies customers when a delivery is expected to run late.
//
// A check is a checkpointed workflow run. The single-shot variant samples
// traffic once, evaluates the delay against a threshold and, when it is
// exceeded, composes and sends a notification. The recurring variant repeats
// the check on an interval until a check limit, a cutoff after the scheduled
// time, a terminal delivery status or a cancel signal stops it, and
// deduplicates notifications between iterations.
//
// # Runs
//
// Every step boundary is saved to the run store, so a process that stops
// mid-run can call Recover on startup and continue from the last step.
// Running workflows accept two signals (SignalCancel and
// SignalUpdateThreshold) and answer status queries without being blocked.
//
// # Providers
//
// Traffic data, message text and notification delivery each go through a
// priority-ordered fallback chain. Google Maps and Mapbox supply traffic,
// OpenAI writes messages, and SES, SNS and a Kafka relay deliver them. Each
// chain ends in an offline provider, so a System without credentials still
// completes every run.
//
// # Storage and queues
//
// Deliveries, notifications, traffic snapshots and execution records live
// behind a gateway with a primary backend and optional mirrors. Backends and
// task queues are chosen by DSN:
//
//   - memory://
//   - sqlite://<path>
//   - postgres://...
//   - redis://...
//   - mongodb://...
//   - dynamodb://<table> (data backend only)
//
// # Usage
//
// Services call Open with Options (usually loaded by internal/config) and run
// System.Worker in one or more goroutines. Tests and local tools use
// LocalRunner, which keeps everything in memory:
//
//	runner, err := delaywatch.NewLocalRunner(delaywatch.Options{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer runner.Close(ctx)
//
//	res, err := delaywatch.CheckDelay(ctx, runner.Engine, input)
package delaywatch
