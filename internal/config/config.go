package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
// Values are loaded from environment variables with sensible defaults.
type Config struct {
	// Server
	Port     int
	LogLevel string

	// Provider catalog
	CatalogPath string // YAML file with providers + SLA thresholds

	// Shared store
	DataDir string // badger database directory

	// Health monitor
	SnapshotTTL   time.Duration // shared health snapshot visibility window
	AttemptWindow time.Duration // rolling attempt window age limit
	MaxWindowSize int           // rolling attempt window entry cap

	// Routing
	DecisionCacheTTL time.Duration

	// Chaos
	SweepInterval time.Duration // expired-injection sweeper cadence
	MonitorPoll   time.Duration // experiment metric polling interval
	HistoryTTL    time.Duration // experiment result retention
	MaxHistory    int           // results kept per experiment

	// Optimizer
	OptimizerEnabled bool

	// Auth (chaos admin endpoints)
	AdminJWTSecret string

	// Observability
	OTLPEndpoint string
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		CatalogPath: getEnv("PROVIDER_CATALOG", "providers.yaml"),

		DataDir: getEnv("DATA_DIR", "./data"),

		SnapshotTTL:   getEnvDuration("HEALTH_SNAPSHOT_TTL", 30*time.Second),
		AttemptWindow: getEnvDuration("ATTEMPT_WINDOW", time.Hour),
		MaxWindowSize: getEnvInt("ATTEMPT_WINDOW_SIZE", 1000),

		DecisionCacheTTL: getEnvDuration("DECISION_CACHE_TTL", 30*time.Second),

		SweepInterval: getEnvDuration("CHAOS_SWEEP_INTERVAL", 30*time.Second),
		MonitorPoll:   getEnvDuration("CHAOS_MONITOR_POLL", 5*time.Second),
		HistoryTTL:    getEnvDuration("CHAOS_HISTORY_TTL", 24*time.Hour),
		MaxHistory:    getEnvInt("CHAOS_MAX_HISTORY", 100),

		OptimizerEnabled: getEnv("OPTIMIZER_ENABLED", "true") == "true",

		AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", "delivery-core-dev-secret-change-me"),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
