// Package config loads service configuration: an optional YAML file, then
// environment variables on top. Unset values fall back to safe defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds everything the serve path needs.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`

	// BundlePath is the governance bundle loaded at start and on reload.
	BundlePath string `yaml:"bundle_path"`
	CorpusPath string `yaml:"corpus_path"`

	// KeySeedHex, when set, derives a deterministic signing key; empty
	// generates an ephemeral one.
	KeySeedHex string `yaml:"key_seed_hex"`

	ModuleTimeout time.Duration `yaml:"module_timeout"`
	Parallelism   int           `yaml:"parallelism"`

	Telemetry TelemetryConfig `yaml:"telemetry"`
	Archive   ArchiveConfig   `yaml:"archive"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	OTLP      OTLPConfig      `yaml:"otlp"`
}

// TelemetryConfig selects decision sinks. Empty values disable a sink.
type TelemetryConfig struct {
	QueueDepth int    `yaml:"queue_depth"`
	SQLDriver  string `yaml:"sql_driver"` // "sqlite" or "postgres"
	SQLDSN     string `yaml:"sql_dsn"`
	RedisAddr  string `yaml:"redis_addr"`
	RedisDB    int    `yaml:"redis_db"`
	FilePath   string `yaml:"file_path"`
}

// ArchiveConfig locates the tensor snapshot archive.
type ArchiveConfig struct {
	Location string `yaml:"location"` // file://, s3:// or gs://
}

// RateLimitConfig bounds per-client request rates on the API.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// OTLPConfig configures the observability exporters.
type OTLPConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		ListenAddr:    ":8080",
		LogLevel:      "INFO",
		BundlePath:    "bundle.yaml",
		ModuleTimeout: 250 * time.Millisecond,
		Telemetry: TelemetryConfig{
			QueueDepth: 4096,
			SQLDriver:  "sqlite",
			SQLDSN:     "file:arbiter.db",
		},
		Archive:   ArchiveConfig{Location: "file://tensors"},
		RateLimit: RateLimitConfig{RPS: 50, Burst: 100},
		OTLP:      OTLPConfig{Endpoint: "localhost:4317"},
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// ARBITER_CONFIG (if any), then individual environment variables.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("ARBITER_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.ListenAddr, "ARBITER_LISTEN_ADDR")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.BundlePath, "ARBITER_BUNDLE")
	setString(&cfg.CorpusPath, "ARBITER_CORPUS")
	setString(&cfg.KeySeedHex, "ARBITER_KEY_SEED")
	setDuration(&cfg.ModuleTimeout, "ARBITER_MODULE_TIMEOUT")
	setInt(&cfg.Parallelism, "ARBITER_PARALLELISM")

	setInt(&cfg.Telemetry.QueueDepth, "ARBITER_TELEMETRY_QUEUE")
	setString(&cfg.Telemetry.SQLDriver, "ARBITER_SQL_DRIVER")
	setString(&cfg.Telemetry.SQLDSN, "ARBITER_SQL_DSN")
	setString(&cfg.Telemetry.RedisAddr, "ARBITER_REDIS_ADDR")
	setInt(&cfg.Telemetry.RedisDB, "ARBITER_REDIS_DB")
	setString(&cfg.Telemetry.FilePath, "ARBITER_TELEMETRY_FILE")

	setString(&cfg.Archive.Location, "ARBITER_ARCHIVE")

	setFloat(&cfg.RateLimit.RPS, "ARBITER_RATE_RPS")
	setInt(&cfg.RateLimit.Burst, "ARBITER_RATE_BURST")

	setBool(&cfg.OTLP.Enabled, "ARBITER_OTLP_ENABLED")
	setString(&cfg.OTLP.Endpoint, "ARBITER_OTLP_ENDPOINT")
	setBool(&cfg.OTLP.Insecure, "ARBITER_OTLP_INSECURE")
}

func (c *Config) validate() error {
	switch c.Telemetry.SQLDriver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown sql driver %q", c.Telemetry.SQLDriver)
	}
	if c.ModuleTimeout <= 0 {
		return fmt.Errorf("config: module_timeout must be positive")
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("config: rate limit must not be negative")
	}
	return nil
}

// DriverName maps the configured driver to its database/sql name.
func (t TelemetryConfig) DriverName() string {
	if t.SQLDriver == "postgres" {
		return "postgres"
	}
	return "sqlite"
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
