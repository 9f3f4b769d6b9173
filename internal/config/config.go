// ABOUTME: Configuration loading and parsing for upkeep
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete upkeep configuration
type Config struct {
	Database    DatabaseConfig    `yaml:"database" toml:"database"`
	Migrations  MigrationsConfig  `yaml:"migrations" toml:"migrations"`
	Maintenance MaintenanceConfig `yaml:"maintenance" toml:"maintenance"`
	Auth        AuthConfig        `yaml:"auth" toml:"auth"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics" toml:"metrics"`
}

// DatabaseConfig holds data file configuration
type DatabaseConfig struct {
	Path               string        `yaml:"path" toml:"path"`
	BusyTimeout        time.Duration `yaml:"-" toml:"-"`
	StatementCacheSize int           `yaml:"statement_cache_size" toml:"statement_cache_size"`
	Driver             string        `yaml:"driver" toml:"driver"` // purego or cgo; the build tag decides

	// Raw string values for unmarshaling
	BusyTimeoutRaw string `yaml:"busy_timeout" toml:"busy_timeout"`
}

// MigrationsConfig holds schema migration toggles
type MigrationsConfig struct {
	AllowSchemaRollback bool `yaml:"allow_schema_rollback" toml:"allow_schema_rollback"`
}

// MaintenanceConfig holds scheduler configuration
type MaintenanceConfig struct {
	Period        time.Duration `yaml:"-" toml:"-"`
	CompactionDay string        `yaml:"compaction_day" toml:"compaction_day"`
	SweepSessions *bool         `yaml:"sweep_sessions" toml:"sweep_sessions"`

	PeriodRaw string `yaml:"period" toml:"period"`
}

// SweepEnabled reports whether the scheduler should expire stale sessions.
// Defaults to true when unset.
func (m MaintenanceConfig) SweepEnabled() bool {
	return m.SweepSessions == nil || *m.SweepSessions
}

// AuthConfig holds lockout and session policy
type AuthConfig struct {
	LockThreshold   int           `yaml:"lock_threshold" toml:"lock_threshold"`
	LockDuration    time.Duration `yaml:"-" toml:"-"`
	SessionLifetime time.Duration `yaml:"-" toml:"-"`
	BcryptCost      int           `yaml:"bcrypt_cost" toml:"bcrypt_cost"`

	LockDurationRaw    string `yaml:"lock_duration" toml:"lock_duration"`
	SessionLifetimeRaw string `yaml:"session_lifetime" toml:"session_lifetime"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	Format     string `yaml:"format" toml:"format"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Addr    string `yaml:"addr" toml:"addr"`
	Path    string `yaml:"path" toml:"path"`
}

// Defaults applied to unset fields.
const (
	DefaultBusyTimeout        = 5 * time.Second
	DefaultStatementCacheSize = 128
	DefaultMaintenancePeriod  = 7 * 24 * time.Hour
	DefaultCompactionDay      = "sunday"
	DefaultLockThreshold      = 5
	DefaultLockDuration       = 30 * time.Minute
	DefaultSessionLifetime    = 24 * time.Hour
	DefaultBcryptCost         = 10
	DefaultMetricsAddr        = "127.0.0.1:9464"
	DefaultMetricsPath        = "/metrics"
)

var weekdays = []string{"sunday", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday"}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	if c.Database.BusyTimeout == 0 {
		c.Database.BusyTimeout = DefaultBusyTimeout
	}
	if c.Database.StatementCacheSize == 0 {
		c.Database.StatementCacheSize = DefaultStatementCacheSize
	}
	if c.Maintenance.Period == 0 {
		c.Maintenance.Period = DefaultMaintenancePeriod
	}
	if c.Maintenance.CompactionDay == "" {
		c.Maintenance.CompactionDay = DefaultCompactionDay
	}
	if c.Auth.LockThreshold == 0 {
		c.Auth.LockThreshold = DefaultLockThreshold
	}
	if c.Auth.LockDuration == 0 {
		c.Auth.LockDuration = DefaultLockDuration
	}
	if c.Auth.SessionLifetime == 0 {
		c.Auth.SessionLifetime = DefaultSessionLifetime
	}
	if c.Auth.BcryptCost == 0 {
		c.Auth.BcryptCost = DefaultBcryptCost
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 10
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 3
	}
	if c.Logging.MaxAgeDays == 0 {
		c.Logging.MaxAgeDays = 28
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = DefaultMetricsAddr
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Database.StatementCacheSize < 0 {
		return fmt.Errorf("database.statement_cache_size must not be negative")
	}
	switch c.Database.Driver {
	case "", "purego", "cgo":
	default:
		return fmt.Errorf("database.driver must be \"purego\" or \"cgo\", got %q", c.Database.Driver)
	}
	if !isWeekday(c.Maintenance.CompactionDay) {
		return fmt.Errorf("maintenance.compaction_day %q is not a weekday", c.Maintenance.CompactionDay)
	}
	if c.Auth.LockThreshold < 1 {
		return fmt.Errorf("auth.lock_threshold must be at least 1")
	}
	if c.Auth.BcryptCost < 4 || c.Auth.BcryptCost > 31 {
		return fmt.Errorf("auth.bcrypt_cost must be between 4 and 31")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format)
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}
	return nil
}

func isWeekday(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, d := range weekdays {
		if s == d || s == d[:3] {
			return true
		}
	}
	return false
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"database.busy_timeout", cfg.Database.BusyTimeoutRaw, &cfg.Database.BusyTimeout},
		{"maintenance.period", cfg.Maintenance.PeriodRaw, &cfg.Maintenance.Period},
		{"auth.lock_duration", cfg.Auth.LockDurationRaw, &cfg.Auth.LockDuration},
		{"auth.session_lifetime", cfg.Auth.SessionLifetimeRaw, &cfg.Auth.SessionLifetime},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("parsing %s %q: must be positive", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}
