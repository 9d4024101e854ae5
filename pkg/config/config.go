// Package config loads the orchestrator's environment configuration and the
// optional per-tenant YAML profiles.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the process configuration. Every field has a development
// default; production deployments set the KEEL_* environment variables.
type Config struct {
	ListenAddr string
	LogLevel   string

	// DBDriver selects the relational driver: sqlite or postgres.
	DBDriver    string
	DatabaseURL string

	SigningKeyPath string

	// ConflictStrategy and DefaultAction apply when a tenant profile does
	// not override them.
	ConflictStrategy string
	DefaultAction    string

	ArchiveAfterDays int
	RetentionDays    int
	CleanupCron      string

	// Validator budgets. Pre/Post are per validator; the caps bound the
	// whole phase.
	PreValidatorBudget  time.Duration
	PreCheckCap         time.Duration
	PostValidatorBudget time.Duration
	PostCheckCap        time.Duration
	VerifyJobBudget     time.Duration
	VerifyJobCap        time.Duration

	BundleDir   string
	ProfilePath string

	RedisAddr string
	JWTSecret string

	OTelEnabled  bool
	OTelEndpoint string

	// ExportSink is fs, s3, or gcs.
	ExportSink   string
	ExportDir    string
	ExportBucket string
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr: getEnv("KEEL_LISTEN_ADDR", ":8080"),
		LogLevel:   getEnv("KEEL_LOG_LEVEL", "info"),

		DBDriver:    getEnv("KEEL_DB_DRIVER", "sqlite"),
		DatabaseURL: getEnv("KEEL_DATABASE_URL", "file:keel.db?_pragma=busy_timeout(5000)"),

		SigningKeyPath: getEnv("KEEL_SIGNING_KEY_PATH", ""),

		ConflictStrategy: getEnv("KEEL_CONFLICT_STRATEGY", "deny-overrides"),
		DefaultAction:    getEnv("KEEL_DEFAULT_ACTION", "allow"),

		ArchiveAfterDays: getEnvInt("KEEL_ARCHIVE_AFTER_DAYS", 90),
		RetentionDays:    getEnvInt("KEEL_RETENTION_DAYS", 365),
		CleanupCron:      getEnv("KEEL_CLEANUP_CRON", "0 3 * * *"),

		PreValidatorBudget:  getEnvMillis("KEEL_PRE_VALIDATOR_MS", 100*time.Millisecond),
		PreCheckCap:         getEnvMillis("KEEL_PRE_CAP_MS", 500*time.Millisecond),
		PostValidatorBudget: getEnvMillis("KEEL_POST_VALIDATOR_MS", 200*time.Millisecond),
		PostCheckCap:        getEnvMillis("KEEL_POST_CAP_MS", 2*time.Second),
		VerifyJobBudget:     getEnvSeconds("KEEL_VERIFY_JOB_S", 5*time.Second),
		VerifyJobCap:        getEnvSeconds("KEEL_VERIFY_JOB_CAP_S", 30*time.Second),

		BundleDir:   getEnv("KEEL_BUNDLE_DIR", "bundles"),
		ProfilePath: getEnv("KEEL_PROFILE_PATH", ""),

		RedisAddr: getEnv("KEEL_REDIS_ADDR", ""),
		JWTSecret: getEnv("KEEL_JWT_SECRET", ""),

		OTelEnabled:  getEnvBool("KEEL_OTEL_ENABLED", false),
		OTelEndpoint: getEnv("KEEL_OTEL_ENDPOINT", "localhost:4317"),

		ExportSink:   getEnv("KEEL_EXPORT_SINK", "fs"),
		ExportDir:    getEnv("KEEL_EXPORT_DIR", "exports"),
		ExportBucket: getEnv("KEEL_EXPORT_BUCKET", ""),
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown KEEL_DB_DRIVER %q", c.DBDriver)
	}
	switch c.ExportSink {
	case "fs", "s3", "gcs":
	default:
		return fmt.Errorf("config: unknown KEEL_EXPORT_SINK %q", c.ExportSink)
	}
	switch c.DefaultAction {
	case "allow", "deny":
	default:
		return fmt.Errorf("config: KEEL_DEFAULT_ACTION must be allow or deny, got %q", c.DefaultAction)
	}
	if c.RetentionDays < c.ArchiveAfterDays {
		return fmt.Errorf("config: retention window (%dd) shorter than archive window (%dd)",
			c.RetentionDays, c.ArchiveAfterDays)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvMillis(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Millisecond
}

func getEnvSeconds(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}
