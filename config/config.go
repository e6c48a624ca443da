// Package config loads the ledger service configuration from the process
// environment, following the fail-fast, explicit-validation style used
// throughout the reference services rather than a config file format.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment enumerates the deployment environments the service recognises.
type Environment string

const (
	EnvProduction Environment = "production"
	EnvStaging    Environment = "staging"
	EnvLocal      Environment = "local"
)

// Config holds every environment-derived setting the ledger service needs to boot.
type Config struct {
	ServiceEnv   Environment
	DatabaseURL  string
	PSPSecretKey string
	PSPBaseURL   string
	PSPWebhook   string
	AdminJWTSecret string

	KillSwitchOverride bool
	PayoutsEnabled     bool

	OTelEndpoint string
	OTelInsecure bool
	OTelHeaders  map[string]string

	ReconcilerInterval     time.Duration
	ReaperInterval         time.Duration
	LedgerSnapshotInterval time.Duration
	OutboxPollInterval     time.Duration
	OutboxBatchSize        int
	OutboxCleanupInterval  time.Duration

	ReconcilerOutputDir string

	PlatformFeeBPS int64
	FeeSchedulePath string

	HTTPAddr string
}

// FromEnv loads and validates configuration from the process environment.
// Required variables produce a descriptive error naming the missing key
// rather than a generic failure.
func FromEnv() (*Config, error) {
	cfg := &Config{}

	env, err := requireEnv("SERVICE_ENV")
	if err != nil {
		return nil, err
	}
	switch Environment(strings.ToLower(env)) {
	case EnvProduction, EnvStaging, EnvLocal:
		cfg.ServiceEnv = Environment(strings.ToLower(env))
	default:
		return nil, fmt.Errorf("config: SERVICE_ENV must be one of production|staging|local, got %q", env)
	}

	if cfg.DatabaseURL, err = requireEnv("DATABASE_URL"); err != nil {
		return nil, err
	}
	if cfg.PSPSecretKey, err = requireEnv("PSP_SECRET_KEY"); err != nil {
		return nil, err
	}
	cfg.PSPBaseURL = getEnvDefault("PSP_BASE_URL", "https://api.psp.example.com/v1")
	cfg.PSPWebhook = getEnvDefault("PSP_WEBHOOK_SECRET", "")

	if cfg.AdminJWTSecret, err = requireEnv("ADMIN_JWT_SECRET"); err != nil {
		return nil, err
	}

	killSwitch, err := parseBoolEnv("KILL_SWITCH_OVERRIDE", false)
	if err != nil {
		return nil, err
	}
	cfg.KillSwitchOverride = killSwitch

	payoutsEnabled, err := parseBoolEnv("PAYOUTS_ENABLED", false)
	if err != nil {
		return nil, err
	}
	// Local environments never move real money regardless of the flag.
	cfg.PayoutsEnabled = payoutsEnabled && cfg.ServiceEnv != EnvLocal

	cfg.OTelEndpoint = getEnvDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318")
	insecure, err := parseBoolEnv("OTEL_EXPORTER_OTLP_INSECURE", cfg.ServiceEnv == EnvLocal)
	if err != nil {
		return nil, err
	}
	cfg.OTelInsecure = insecure
	cfg.OTelHeaders = parseKeyValueMapEnv("OTEL_EXPORTER_OTLP_HEADERS")

	if cfg.ReconcilerInterval, err = parseDurationEnv("RECONCILER_INTERVAL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.ReaperInterval, err = parseDurationEnv("REAPER_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.LedgerSnapshotInterval, err = parseDurationEnv("LEDGER_SNAPSHOT_INTERVAL", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.OutboxPollInterval, err = parseDurationEnv("OUTBOX_POLL_INTERVAL", 5*time.Second); err != nil {
		return nil, err
	}
	batchSize, err := parseIntEnv("OUTBOX_BATCH_SIZE", 10)
	if err != nil {
		return nil, err
	}
	cfg.OutboxBatchSize = batchSize
	if cfg.OutboxCleanupInterval, err = parseDurationEnv("OUTBOX_CLEANUP_INTERVAL", time.Hour); err != nil {
		return nil, err
	}
	cfg.ReconcilerOutputDir = getEnvDefault("RECONCILER_OUTPUT_DIR", "/var/lib/hustlexp-ledger/recon")

	feeBPS, err := parseIntEnv("PLATFORM_FEE_BPS", 1200)
	if err != nil {
		return nil, err
	}
	cfg.PlatformFeeBPS = int64(feeBPS)
	cfg.FeeSchedulePath = getEnvDefault("FEE_SCHEDULE_PATH", "")

	cfg.HTTPAddr = getEnvDefault("HTTP_ADDR", ":8080")

	return cfg, nil
}

func requireEnv(key string) (string, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return "", fmt.Errorf("config: required environment variable %s is not set", key)
	}
	return value, nil
}

func getEnvDefault(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func parseBoolEnv(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("config: %s must be a boolean, got %q", key, raw)
	}
	return parsed, nil
}

func parseIntEnv(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer, got %q", key, raw)
	}
	return parsed, nil
}

func parseDurationEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be a duration, got %q", key, raw)
	}
	return parsed, nil
}

func parseKeyValueMapEnv(key string) map[string]string {
	raw := strings.TrimSpace(os.Getenv(key))
	out := map[string]string{}
	if raw == "" {
		return out
	}
	for _, pair := range strings.Split(raw, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(pair), "=")
		if !found || strings.TrimSpace(k) == "" {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}
