// Package config loads treesync configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full daemon configuration.
type Config struct {
	DataDir  string
	Dynamics DynamicsConfig
	Blob     BlobConfig
	Sync     SyncConfig
	Notify   NotifyConfig
	Logging  LoggingConfig
}

// DynamicsConfig holds CRM endpoint and client-credentials settings.
type DynamicsConfig struct {
	APIURL       string
	EntityName   string
	TenantID     string
	ClientID     string
	ClientSecret string
	Scope        string
	// TokenMargin is how long before actual expiry a cached token is
	// considered stale.
	TokenMargin time.Duration
}

// BlobConfig holds blob storage endpoint settings.
type BlobConfig struct {
	BaseURL   string
	Container string
	AccessKey string
}

// SyncConfig is the retry/backoff/timeout policy consumed by the queue
// and orchestrator.
type SyncConfig struct {
	MaxRetries    int
	BackoffBase   time.Duration // doubled per retry
	BackoffCap    time.Duration
	HTTPTimeout   time.Duration
	DrainInterval time.Duration
	ProbeURL      string
	ProbeInterval time.Duration
}

// NotifyConfig holds notification hub settings.
type NotifyConfig struct {
	ListenAddr string
	Enabled    bool
}

// LoggingConfig holds log settings.
type LoggingConfig struct {
	Level string
}

// Load reads configuration from the environment, with .env support.
func Load() (*Config, error) {
	godotenv.Load()

	tokenMargin, err := time.ParseDuration(getEnv("DYNAMICS_TOKEN_MARGIN", "5m"))
	if err != nil {
		return nil, fmt.Errorf("invalid DYNAMICS_TOKEN_MARGIN: %w", err)
	}

	return &Config{
		DataDir: getEnv("TREESYNC_DATA_DIR", "./data"),
		Dynamics: DynamicsConfig{
			APIURL:       getEnv("DYNAMICS_API_URL", ""),
			EntityName:   getEnv("DYNAMICS_ENTITY_NAME", "new_treeinspections"),
			TenantID:     getEnv("DYNAMICS_TENANT_ID", ""),
			ClientID:     getEnv("DYNAMICS_CLIENT_ID", ""),
			ClientSecret: getEnv("DYNAMICS_CLIENT_SECRET", ""),
			Scope:        getEnv("DYNAMICS_SCOPE", "https://graph.microsoft.com/.default"),
			TokenMargin:  tokenMargin,
		},
		Blob: BlobConfig{
			BaseURL:   getEnv("BLOB_BASE_URL", ""),
			Container: getEnv("BLOB_CONTAINER", "inspection-images"),
			AccessKey: getEnv("BLOB_ACCESS_KEY", ""),
		},
		Sync: SyncConfig{
			MaxRetries:    getEnvAsInt("SYNC_MAX_RETRIES", 5),
			BackoffBase:   getEnvAsDuration("SYNC_BACKOFF_BASE", time.Second),
			BackoffCap:    getEnvAsDuration("SYNC_BACKOFF_CAP", time.Hour),
			HTTPTimeout:   getEnvAsDuration("SYNC_HTTP_TIMEOUT", 10*time.Second),
			DrainInterval: getEnvAsDuration("SYNC_DRAIN_INTERVAL", 5*time.Minute),
			ProbeURL:      getEnv("SYNC_PROBE_URL", "https://www.google.com/favicon.ico"),
			ProbeInterval: getEnvAsDuration("SYNC_PROBE_INTERVAL", 30*time.Second),
		},
		Notify: NotifyConfig{
			ListenAddr: getEnv("NOTIFY_LISTEN_ADDR", "localhost:8090"),
			Enabled:    getEnvAsBool("NOTIFY_ENABLED", true),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}
