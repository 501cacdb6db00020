// Command delaywatch-worker consumes the task queue and executes delay
// checks. On startup it resumes runs left RUNNING by a previous process.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"

	"github.com/petrijr/delaywatch"
	"github.com/petrijr/delaywatch/internal/config"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := cfg.Logger(os.Stdout)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("worker_exit", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sys, err := delaywatch.Open(ctx, cfg.Options(logger))
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := sys.Close(closeCtx); err != nil {
			logger.Warn("close_failed", slog.Any("error", err))
		}
	}()

	if cfg.RecoverOnStart {
		n, err := delaywatch.Recover(ctx, sys.Engine)
		if err != nil {
			return err
		}
		logger.Info("runs_recovered", slog.Int("count", n))
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		r := chi.NewRouter()
		r.Method(http.MethodGet, "/metrics", sys.Metrics.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics_server_failed", slog.Any("error", err))
			}
		}()
	}

	concurrency := cfg.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	logger.Info("worker_started",
		slog.Int("concurrency", concurrency),
		slog.String("build_id", cfg.BuildID),
	)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sys.Worker.Run(ctx)
		}()
	}
	wg.Wait()
	logger.Info("worker_stopping")

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return nil
}
