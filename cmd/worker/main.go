package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"asistoya/internal/app"
	"asistoya/internal/config"
)

// Worker drains the sync queue on its own, for deployments where the API
// process runs with embedded_reconciler=false. Nudges arrive over Redis.
func main() {
	cfg, err := config.Load()
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("load config")
	}
	logger := app.NewLogger(cfg).With().Str("process", "worker").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn().Err(err).Msg("close failed")
		}
	}()

	if cfg.NotifyBackend != "redis" {
		logger.Warn().Msg("notify_backend is not redis; worker will only sync on its interval")
	}
	if err := a.Reconciler.Watch(ctx, a.Notifier); err != nil {
		logger.Fatal().Err(err).Msg("notifier consume failed")
	}
	a.Reconciler.Start(ctx)

	logger.Info().Dur("interval", cfg.SyncInterval).Msg("worker started")
	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")
}
