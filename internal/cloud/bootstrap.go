package cloud

import (
	"context"
	"io"
	"time"

	"github.com/rs/zerolog"

	"asistoya/internal/credentials"
	"asistoya/internal/store"
)

// Backend kinds accepted by Bootstrap.
const (
	BackendFirestore = "firestore"
	BackendPostgres  = "postgres"
)

// BootstrapOptions carries the configuration needed to pick an adapter.
type BootstrapOptions struct {
	Backend        string
	ProjectID      string
	StorageBucket  string
	CredentialsDir string
	EmulatorHost   string
	DatabaseURL    string
	RequestTimeout time.Duration
}

// Selection is the outcome of startup backend selection.
type Selection struct {
	Adapter       Adapter
	Remote        bool
	HasStorage    bool
	DeveloperMode bool
	// Reason explains why the Null adapter was chosen.
	Reason string
	closer io.Closer
}

// Close releases whatever the remote adapter holds open.
func (s Selection) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// Bootstrap resolves credentials, connects, and probes the backend once. Any
// failure falls through to the Null adapter; it never returns an error.
func Bootstrap(ctx context.Context, opts BootstrapOptions, logger zerolog.Logger) Selection {
	logger = logger.With().Str("component", "cloud_bootstrap").Logger()
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}

	var sel Selection
	switch opts.Backend {
	case BackendPostgres:
		sel = bootstrapPostgres(ctx, opts)
	case "", BackendFirestore:
		sel = bootstrapFirestore(ctx, opts, logger)
	default:
		sel = Selection{Reason: "unknown backend " + opts.Backend}
	}

	if sel.Adapter == nil {
		logger.Warn().Str("reason", sel.Reason).Msg("running in local mode")
		return Selection{Adapter: Null{}, Reason: sel.Reason}
	}
	logger.Info().Str("backend", sel.Adapter.Name()).Bool("has_storage", sel.HasStorage).
		Bool("developer_mode", sel.DeveloperMode).Msg("remote backend connected")
	return sel
}

func bootstrapFirestore(ctx context.Context, opts BootstrapOptions, logger zerolog.Logger) Selection {
	cred, err := credentials.NewResolver(opts.CredentialsDir, opts.ProjectID, logger).Resolve()
	if err != nil {
		return Selection{Reason: err.Error()}
	}
	cfg := FirestoreConfig{
		ProjectID:       opts.ProjectID,
		CredentialsFile: cred.Path,
		StorageBucket:   opts.StorageBucket,
		Timeout:         opts.RequestTimeout,
	}
	if cred.DeveloperMode {
		if opts.EmulatorHost == "" {
			return Selection{Reason: "developer credential without emulator host"}
		}
		cfg.EmulatorHost = opts.EmulatorHost
	}
	remote, err := NewFirestore(ctx, cfg, logger)
	if err != nil {
		return Selection{Reason: err.Error()}
	}
	if err := remote.Health(ctx); err != nil {
		remote.Close()
		return Selection{Reason: "health probe failed: " + err.Error()}
	}
	return Selection{
		Adapter:       remote,
		Remote:        true,
		HasStorage:    remote.HasStorage(),
		DeveloperMode: cred.DeveloperMode,
		closer:        remote,
	}
}

func bootstrapPostgres(ctx context.Context, opts BootstrapOptions) Selection {
	if opts.DatabaseURL == "" {
		return Selection{Reason: "database url not configured"}
	}
	db, err := store.NewDB(ctx, opts.DatabaseURL, opts.RequestTimeout)
	if err != nil {
		return Selection{Reason: err.Error()}
	}
	pg, err := NewPostgres(ctx, db, opts.RequestTimeout)
	if err != nil {
		db.Close()
		return Selection{Reason: err.Error()}
	}
	return Selection{Adapter: pg, Remote: true, closer: db}
}
