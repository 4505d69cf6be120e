// Package config loads process configuration from an optional YAML file and
// the environment. Environment variables win over the file, and the file
// wins over built-in defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds server configuration.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // "json" | "text"

	DatabaseDriver string `yaml:"database_driver"` // "sqlite" | "postgres" | "memory"
	DatabaseURL    string `yaml:"database_url"`

	// MemoryBackend selects where controller memory lives: "sql" shares the
	// database (postgres only), "redis" uses RedisAddr, "memory" is in-process.
	MemoryBackend string `yaml:"memory_backend"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	NATSURL string `yaml:"nats_url"`

	TelemetryEnabled bool   `yaml:"telemetry_enabled"`
	OTLPEndpoint     string `yaml:"otlp_endpoint"`
	OTLPInsecure     bool   `yaml:"otlp_insecure"`

	KeyDir    string `yaml:"key_dir"`
	PolicyDir string `yaml:"policy_dir"`

	Archive ArchiveConfig `yaml:"archive"`
	Brain   BrainConfig   `yaml:"brain"`

	OverrideCapacity int `yaml:"override_capacity"`
}

// ArchiveConfig selects the receipt archive. An empty bucket disables it.
type ArchiveConfig struct {
	Provider string `yaml:"provider"` // "s3" | "gcs"
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	Prefix   string `yaml:"prefix"`
}

// BrainConfig configures the controller loop. Zero thresholds fall back to
// the controller's defaults.
type BrainConfig struct {
	Interval     time.Duration     `yaml:"interval"`
	InitialDelay time.Duration     `yaml:"initial_delay"`
	Concurrency  int               `yaml:"concurrency"`
	TenantModes  map[string]string `yaml:"tenant_modes"` // tenant -> "advisory" | "enforced"

	AlertsPerMinute float64 `yaml:"alerts_per_minute"`
	AlertBurst      int     `yaml:"alert_burst"`

	CriticalFloor        float64 `yaml:"critical_floor"`
	LowTrust             float64 `yaml:"low_trust"`
	ZScore               float64 `yaml:"z_score"`
	Emergence            float64 `yaml:"emergence"`
	DeclineSlope         float64 `yaml:"decline_slope"`
	Volatility           float64 `yaml:"volatility"`
	UnacknowledgedAlerts int     `yaml:"unacknowledged_alerts"`
	BanRatio             float64 `yaml:"ban_ratio"`
	Horizon              int     `yaml:"horizon"`

	ThresholdHold    time.Duration `yaml:"threshold_hold"`
	OutcomesRetained int           `yaml:"outcomes_retained"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel:         "INFO",
		LogFormat:        "json",
		DatabaseDriver:   "sqlite",
		DatabaseURL:      "file:sonate.db?_pragma=busy_timeout(5000)",
		MemoryBackend:    "memory",
		RedisAddr:        "localhost:6379",
		TelemetryEnabled: false,
		OTLPEndpoint:     "localhost:4317",
		KeyDir:           "keys",
		PolicyDir:        "policies",
		OverrideCapacity: 10000,
		Brain: BrainConfig{
			Interval:        5 * time.Minute,
			InitialDelay:    10 * time.Second,
			Concurrency:     4,
			TenantModes:     map[string]string{},
			AlertsPerMinute: 30,
			AlertBurst:      10,
			ThresholdHold:   time.Hour,
		},
	}
}

// Load reads the file named by SONATE_CONFIG, if set, over the defaults and
// then applies environment overrides.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("SONATE_CONFIG"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.overlayEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) overlayEnv() error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	var errs []string
	boolean := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = b
		}
	}
	integer := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = d
		}
	}

	str("LOG_LEVEL", &c.LogLevel)
	str("SONATE_LOG_FORMAT", &c.LogFormat)
	str("SONATE_DB_DRIVER", &c.DatabaseDriver)
	str("DATABASE_URL", &c.DatabaseURL)
	str("SONATE_MEMORY_BACKEND", &c.MemoryBackend)
	str("REDIS_ADDR", &c.RedisAddr)
	str("REDIS_PASSWORD", &c.RedisPassword)
	integer("REDIS_DB", &c.RedisDB)
	str("NATS_URL", &c.NATSURL)
	boolean("SONATE_TELEMETRY", &c.TelemetryEnabled)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.OTLPEndpoint)
	boolean("SONATE_OTLP_INSECURE", &c.OTLPInsecure)
	str("SONATE_KEY_DIR", &c.KeyDir)
	str("SONATE_POLICY_DIR", &c.PolicyDir)
	str("SONATE_ARCHIVE_PROVIDER", &c.Archive.Provider)
	str("SONATE_ARCHIVE_BUCKET", &c.Archive.Bucket)
	str("SONATE_ARCHIVE_REGION", &c.Archive.Region)
	str("SONATE_ARCHIVE_ENDPOINT", &c.Archive.Endpoint)
	str("SONATE_ARCHIVE_PREFIX", &c.Archive.Prefix)
	integer("SONATE_OVERRIDE_CAPACITY", &c.OverrideCapacity)
	duration("SONATE_CYCLE_INTERVAL", &c.Brain.Interval)
	duration("SONATE_INITIAL_DELAY", &c.Brain.InitialDelay)
	integer("SONATE_CYCLE_CONCURRENCY", &c.Brain.Concurrency)
	duration("SONATE_THRESHOLD_HOLD", &c.Brain.ThresholdHold)

	if v := os.Getenv("SONATE_TENANT_MODES"); v != "" {
		modes, err := ParseTenantModes(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("SONATE_TENANT_MODES: %v", err))
		} else {
			c.Brain.TenantModes = modes
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ParseTenantModes parses "tenant=mode,tenant=mode".
func ParseTenantModes(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		tenant, mode, ok := strings.Cut(pair, "=")
		tenant, mode = strings.TrimSpace(tenant), strings.TrimSpace(mode)
		if !ok || tenant == "" {
			return nil, fmt.Errorf("malformed entry %q", pair)
		}
		if mode != "advisory" && mode != "enforced" {
			return nil, fmt.Errorf("tenant %s: unknown mode %q", tenant, mode)
		}
		out[tenant] = mode
	}
	return out, nil
}
