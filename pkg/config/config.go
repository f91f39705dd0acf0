// Package config defines the agent configuration, loaded from YAML with
// defaults, validation and QUOTAWATCH_* environment overrides.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config is the root agent configuration.
type Config struct {
	Agent     AgentConfig     `yaml:"agent"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Refresh   RefreshConfig   `yaml:"refresh"`
	Forecast  ForecastConfig  `yaml:"forecast"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Notify    NotifyConfig    `yaml:"notifications"`
}

// AgentConfig holds process-level settings.
type AgentConfig struct {
	// DataDir is where the agent keeps its credential file, database and
	// discovery metadata. Default: ~/.quotawatch
	DataDir string `yaml:"data_dir"`

	// CredentialsFile overrides the credential file path.
	// Default: <data_dir>/credentials.json
	CredentialsFile string `yaml:"credentials_file"`

	// Debug enables verbose logging and is surfaced in discovery
	// metadata.
	Debug bool `yaml:"debug"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	// Host is the bind address. The API is local-only by default.
	Host string `yaml:"host"`

	// Port is the preferred listen port.
	Port int `yaml:"port"`

	// PortScanRange is how many consecutive ports to try when the
	// preferred port is taken.
	PortScanRange int `yaml:"port_scan_range"`

	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`

	// RefreshRatePerMinute caps manual refresh triggers through the API.
	RefreshRatePerMinute int `yaml:"refresh_rate_per_minute"`

	// RefreshBurst is the burst allowance on top of the rate.
	RefreshBurst int `yaml:"refresh_burst"`
}

// StorageConfig holds usage-history persistence settings.
type StorageConfig struct {
	// Backend selects the store implementation: "sqlite" or "memory".
	Backend string `yaml:"backend"`

	// Path is the SQLite database file. Default: <data_dir>/usage.db
	Path string `yaml:"path"`

	// RetentionDays is how many days of history to keep.
	RetentionDays int `yaml:"retention_days"`

	// PruneSchedule is a cron expression for scheduled pruning.
	PruneSchedule string `yaml:"prune_schedule"`

	// CheckpointInterval is how often the WAL is checkpointed.
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
}

// RefreshConfig tunes the refresh orchestrator.
type RefreshConfig struct {
	// Interval is the scheduled refresh period.
	Interval time.Duration `yaml:"interval"`

	// FetchTimeout bounds one provider fetch.
	FetchTimeout time.Duration `yaml:"fetch_timeout"`

	// Concurrency is the number of provider fetches in flight at once.
	Concurrency int `yaml:"concurrency"`

	// CredentialTTL bounds the orchestrator's credential cache.
	CredentialTTL time.Duration `yaml:"credential_ttl"`
}

// ForecastConfig tunes burn-rate analytics.
type ForecastConfig struct {
	// ResetDropRatio is the minimum usage drop, as a fraction of the
	// previous allotment, treated as a quota reset.
	ResetDropRatio float64 `yaml:"reset_drop_ratio"`

	// MinCycleWindow is the minimum history span required for a
	// forecast.
	MinCycleWindow time.Duration `yaml:"min_cycle_window"`
}

// TelemetryConfig holds logging and metrics settings.
type TelemetryConfig struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LoggingConfig configures the structured logger. Secret redaction is
// always on; there is deliberately no switch for it.
type LoggingConfig struct {
	// Level is the minimum log level ("debug", "info", "warn", "error").
	Level string `yaml:"level"`

	// Format is the output format ("json", "text").
	Format string `yaml:"format"`

	// AddSource includes file:line in log records.
	AddSource bool `yaml:"add_source"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Disabled turns the /metrics endpoint off.
	Disabled bool `yaml:"disabled"`

	// Path is the metrics endpoint path.
	Path string `yaml:"path"`
}

// NotifyConfig configures usage-threshold notifications.
type NotifyConfig struct {
	// Enabled turns notifications on.
	Enabled bool `yaml:"enabled"`

	// ThresholdPercent is the effective-used percentage that triggers a
	// notification.
	ThresholdPercent float64 `yaml:"threshold_percent"`

	// Cooldown suppresses repeat notifications per provider.
	Cooldown time.Duration `yaml:"cooldown"`
}

// DefaultDataDir returns ~/.quotawatch, falling back to the working
// directory when the home directory cannot be resolved.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".quotawatch"
	}
	return filepath.Join(home, ".quotawatch")
}

// CredentialsPath returns the effective credential file path.
func (c *Config) CredentialsPath() string {
	if c.Agent.CredentialsFile != "" {
		return c.Agent.CredentialsFile
	}
	return filepath.Join(c.Agent.DataDir, "credentials.json")
}

// DatabasePath returns the effective SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage.Path != "" {
		return c.Storage.Path
	}
	return filepath.Join(c.Agent.DataDir, "usage.db")
}

// DiscoveryPath returns the discovery metadata file path.
func (c *Config) DiscoveryPath() string {
	return filepath.Join(c.Agent.DataDir, "agent.json")
}
