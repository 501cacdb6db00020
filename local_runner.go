package delaywatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// LocalRunner bundles an in-memory System and runs its worker loop in
// goroutines, for development and tests. Traffic, text and notification
// providers are the offline fallbacks unless credentials are configured.
//
// Typical usage:
//
//	runner, _ := delaywatch.NewLocalRunner(delaywatch.Options{})
//
//	// Synchronous check (no queue/worker involved):
//	res, err := delaywatch.CheckDelay(ctx, runner.Engine, input)
//
//	// Asynchronous start:
//	_ = runner.StartWorkers(ctx, 2)
//	_ = runner.Worker.EnqueueRecurringCheck(ctx, recurring)
//	...
//	runner.Stop()
type LocalRunner struct {
	*System

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewLocalRunner constructs a LocalRunner. Every DSN in opts is replaced by
// memory:// so nothing outlives the process.
func NewLocalRunner(opts Options) (*LocalRunner, error) {
	opts.PrimaryDSN, opts.MirrorDSNs, opts.RunStoreDSN, opts.QueueDSN = "memory://", nil, "memory://", "memory://"
	sys, err := Open(context.Background(), opts)
	if err != nil {
		return nil, err
	}
	return &LocalRunner{System: sys}, nil
}

// StartWorkers starts 'concurrency' worker goroutines that continuously call
// Worker.ProcessOne(ctx) until the context is cancelled via Stop.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("delaywatch: LocalRunner already started")
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer r.wg.Done()

			for {
				processed, err := r.Worker.ProcessOne(ctx)
				if err == nil {
					continue
				}
				if !processed && ctx.Err() != nil {
					return
				}
				// A single bad task must not kill the worker loop.
				r.logger.WarnContext(ctx, "local_runner_task_failed", slog.Any("error", err))
			}
		}()
	}
	return nil
}

// Stop cancels all worker goroutines started by StartWorkers and waits
// for them to exit. Runs already started keep going until Close.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// Close stops the workers and then the System.
func (r *LocalRunner) Close(ctx context.Context) error {
	r.Stop()
	return r.System.Close(ctx)
}
