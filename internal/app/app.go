// Package app assembles the sync layer from configuration. Both binaries use it.
package app

import (
	"context"
	"errors"
	"os"

	"github.com/rs/zerolog"

	"asistoya/internal/attendance"
	"asistoya/internal/cloud"
	"asistoya/internal/config"
	"asistoya/internal/metrics"
	"asistoya/internal/queue"
	"asistoya/internal/reconciler"
	"asistoya/internal/store"
)

// App owns every long-lived component. Create it once at startup and Close
// it at shutdown.
type App struct {
	Config     config.App
	Logger     zerolog.Logger
	Local      *store.Local
	Queue      *queue.Queue
	Selection  cloud.Selection
	Adapter    *cloud.Switch
	Reconciler *reconciler.Reconciler
	Notifier   queue.Notifier
	Service    *attendance.Service

	redis *store.Redis
}

// NewLogger builds the process logger: JSON on stdout, console output in dev.
func NewLogger(cfg config.App) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.Env == "dev" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	return logger.Level(level)
}

// New opens the local store, selects the cloud backend and wires the
// reconciler and the attendance service. Backend problems never fail startup;
// the service runs in local mode instead.
func New(ctx context.Context, cfg config.App, logger zerolog.Logger) (*App, error) {
	metrics.Register()

	local, err := store.NewLocal(cfg.DataDir, logger)
	if err != nil {
		return nil, err
	}
	q := queue.New(local, logger)

	sel := cloud.Bootstrap(ctx, cloud.BootstrapOptions{
		Backend:        cfg.Backend,
		ProjectID:      cfg.ProjectID,
		StorageBucket:  cfg.StorageBucket,
		CredentialsDir: cfg.CredentialsDir,
		EmulatorHost:   cfg.EmulatorHost,
		DatabaseURL:    cfg.DatabaseURL,
		RequestTimeout: cfg.RequestTimeout,
	}, logger)
	sw := cloud.NewSwitch(sel.Adapter)

	a := &App{
		Config:    cfg,
		Logger:    logger,
		Local:     local,
		Queue:     q,
		Selection: sel,
		Adapter:   sw,
	}

	switch cfg.NotifyBackend {
	case "redis":
		a.redis = store.NewRedis(cfg.RedisAddr, cfg.RequestTimeout)
		a.Notifier = queue.NewRedisNotifier(a.redis.Client, "")
	default:
		a.Notifier = queue.NewInMemory(64)
	}

	a.Reconciler = reconciler.New(q, sw, reconciler.Options{
		Interval:       cfg.SyncInterval,
		Retention:      cfg.SyncRetention,
		RequestTimeout: cfg.RequestTimeout,
	}, logger)

	a.Service = attendance.NewService(local, q, sw, a.Reconciler, a.Notifier, attendance.Options{
		ProjectID:      cfg.ProjectID,
		HasStorage:     sel.HasStorage,
		DeveloperMode:  sel.DeveloperMode,
		RequestTimeout: cfg.RequestTimeout,
	}, logger)

	logger.Info().Str("data_dir", local.Root()).Str("backend", sw.Name()).
		Str("notify_backend", cfg.NotifyBackend).Msg("sync layer ready")
	return a, nil
}

// Ready reports optional dependencies for health checks.
func (a *App) Ready(ctx context.Context) map[string]bool {
	out := map[string]bool{}
	if a.redis != nil {
		out["redis"] = a.redis.Healthy(ctx)
	}
	return out
}

// Close stops the reconciler and releases backend connections.
func (a *App) Close() error {
	a.Reconciler.Stop()
	return errors.Join(a.Selection.Close(), a.redis.Close())
}
