// Package worker drives the monitoring engine from a task queue.
//
// Front-ends that should not host runs themselves enqueue start and signal
// tasks through a Worker (it implements api.AsyncStarter). A worker process
// dequeues them with ProcessOne or Run and calls the matching Engine
// method. Starts return as soon as the run is checkpointed; the engine
// executes the run in the background of the worker process.
//
// # Retries
//
// A task whose handling fails is re-enqueued with an exponential NotBefore
// until Config.MaxAttempts is reached. Errors that retrying cannot fix,
// such as invalid input or a run already active for the delivery, drop the
// task at once. Signals aimed at a workflow id with no run yet are retried,
// since the start task may still be queued.
//
// Any taskqueue.Queue works: in-memory for tests and single-process
// deployments, SQLite, Postgres, Redis or MongoDB when API and worker
// processes are separate.
package worker
