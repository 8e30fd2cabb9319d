package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// App holds the runtime configuration for both binaries.
type App struct {
	Env      string
	HTTPPort string
	LogLevel string

	ProjectID      string
	StorageBucket  string
	CredentialsDir string
	EmulatorHost   string
	Backend        string
	DatabaseURL    string

	DataDir        string
	SyncInterval   time.Duration
	SyncRetention  time.Duration
	RequestTimeout time.Duration

	NotifyBackend      string
	RedisAddr          string
	EmbeddedReconciler bool
	RateLimitPerMin    int
}

// HTTPAddress returns the address the HTTP server listens on.
func (a App) HTTPAddress() string {
	if strings.HasPrefix(a.HTTPPort, ":") {
		return a.HTTPPort
	}
	return ":" + a.HTTPPort
}

// Load reads an optional .env file, an optional config document and
// ASISTOYA_* environment variables, in increasing order of precedence.
// The config document is the file named by ASISTOYA_CONFIG, or config.yaml /
// config.json in the working directory.
func Load() (App, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("ASISTOYA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("env", "dev")
	v.SetDefault("http_port", "8081")
	v.SetDefault("log_level", "info")
	v.SetDefault("project_id", "")
	v.SetDefault("storage_bucket", "")
	v.SetDefault("credentials_dir", "firebase")
	v.SetDefault("emulator_host", "")
	v.SetDefault("backend", "firestore")
	v.SetDefault("database_url", "")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("sync_interval_seconds", 30)
	v.SetDefault("sync_retention_days", 7)
	v.SetDefault("request_timeout_seconds", 15)
	v.SetDefault("notify_backend", "memory")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("embedded_reconciler", true)
	v.SetDefault("rate_limit_per_min", 120)

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return App{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return App{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := App{
		Env:                v.GetString("env"),
		HTTPPort:           v.GetString("http_port"),
		LogLevel:           strings.ToLower(v.GetString("log_level")),
		ProjectID:          v.GetString("project_id"),
		StorageBucket:      v.GetString("storage_bucket"),
		CredentialsDir:     v.GetString("credentials_dir"),
		EmulatorHost:       v.GetString("emulator_host"),
		Backend:            strings.ToLower(v.GetString("backend")),
		DatabaseURL:        v.GetString("database_url"),
		DataDir:            v.GetString("data_dir"),
		SyncInterval:       time.Duration(v.GetInt("sync_interval_seconds")) * time.Second,
		SyncRetention:      time.Duration(v.GetInt("sync_retention_days")) * 24 * time.Hour,
		RequestTimeout:     time.Duration(v.GetInt("request_timeout_seconds")) * time.Second,
		NotifyBackend:      strings.ToLower(v.GetString("notify_backend")),
		RedisAddr:          v.GetString("redis_addr"),
		EmbeddedReconciler: v.GetBool("embedded_reconciler"),
		RateLimitPerMin:    v.GetInt("rate_limit_per_min"),
	}

	switch {
	case cfg.Backend != "firestore" && cfg.Backend != "postgres":
		return App{}, fmt.Errorf("unknown backend %q", cfg.Backend)
	case cfg.NotifyBackend != "memory" && cfg.NotifyBackend != "redis":
		return App{}, fmt.Errorf("unknown notify_backend %q", cfg.NotifyBackend)
	case cfg.SyncInterval <= 0:
		return App{}, fmt.Errorf("sync_interval_seconds must be positive")
	case cfg.SyncRetention <= 0:
		return App{}, fmt.Errorf("sync_retention_days must be positive")
	case cfg.RequestTimeout <= 0:
		return App{}, fmt.Errorf("request_timeout_seconds must be positive")
	case cfg.DataDir == "":
		return App{}, fmt.Errorf("data_dir must be set")
	}
	if cfg.RateLimitPerMin <= 0 {
		cfg.RateLimitPerMin = 120
	}
	return cfg, nil
}
