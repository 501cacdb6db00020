// Command delaywatch-api serves the HTTP control surface. Checks started
// directly run in this process; requests made with ?async=true are queued
// for delaywatch-worker.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/petrijr/delaywatch"
	"github.com/petrijr/delaywatch/internal/config"
	"github.com/petrijr/delaywatch/internal/httpapi"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := cfg.Logger(os.Stdout)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("api_exit", slog.Any("error", err))
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

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpapi.NewServer(httpapi.Config{
			Engine:  sys.Engine,
			Async:   sys.Worker,
			Records: sys.Engine,
			Metrics: sys.Metrics.Handler(),
			Logger:  logger,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api_listening", slog.String("addr", cfg.HTTPAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
