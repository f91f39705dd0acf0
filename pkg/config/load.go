package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads configuration from a YAML file, applies defaults and
// validates the result. Environment variables are not consulted; use
// LoadConfigWithEnvOverrides for that.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadConfigWithEnvOverrides loads configuration from a YAML file and
// applies QUOTAWATCH_SECTION_FIELD environment overrides on top. A missing
// file is not an error; defaults plus overrides apply.
//
// The loading sequence is:
// 1. Load YAML from file (when present)
// 2. Apply default values
// 3. Apply environment variable overrides
// 4. Validate final configuration
func LoadConfigWithEnvOverrides(path string) (*Config, error) {
	var cfg *Config

	if _, statErr := os.Stat(path); statErr == nil {
		loaded, err := LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = DefaultConfig()
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed after environment overrides: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies QUOTAWATCH_* environment variables. Variables
// always take precedence over file values.
func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("QUOTAWATCH_AGENT_DATA_DIR"); val != "" {
		cfg.Agent.DataDir = val
	}
	if val := os.Getenv("QUOTAWATCH_AGENT_CREDENTIALS_FILE"); val != "" {
		cfg.Agent.CredentialsFile = val
	}
	if val := os.Getenv("QUOTAWATCH_AGENT_DEBUG"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Agent.Debug = b
		}
	}

	if val := os.Getenv("QUOTAWATCH_SERVER_HOST"); val != "" {
		cfg.Server.Host = val
	}
	if val := os.Getenv("QUOTAWATCH_SERVER_PORT"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.Server.Port = i
		}
	}
	if val := os.Getenv("QUOTAWATCH_SERVER_PORT_SCAN_RANGE"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.Server.PortScanRange = i
		}
	}

	if val := os.Getenv("QUOTAWATCH_STORAGE_BACKEND"); val != "" {
		cfg.Storage.Backend = val
	}
	if val := os.Getenv("QUOTAWATCH_STORAGE_PATH"); val != "" {
		cfg.Storage.Path = val
	}
	if val := os.Getenv("QUOTAWATCH_STORAGE_RETENTION_DAYS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.Storage.RetentionDays = i
		}
	}
	if val := os.Getenv("QUOTAWATCH_STORAGE_PRUNE_SCHEDULE"); val != "" {
		cfg.Storage.PruneSchedule = val
	}

	if val := os.Getenv("QUOTAWATCH_REFRESH_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Refresh.Interval = d
		}
	}
	if val := os.Getenv("QUOTAWATCH_REFRESH_FETCH_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Refresh.FetchTimeout = d
		}
	}
	if val := os.Getenv("QUOTAWATCH_REFRESH_CONCURRENCY"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.Refresh.Concurrency = i
		}
	}

	if val := os.Getenv("QUOTAWATCH_FORECAST_RESET_DROP_RATIO"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			cfg.Forecast.ResetDropRatio = f
		}
	}
	if val := os.Getenv("QUOTAWATCH_FORECAST_MIN_CYCLE_WINDOW"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Forecast.MinCycleWindow = d
		}
	}

	if val := os.Getenv("QUOTAWATCH_TELEMETRY_LOGGING_LEVEL"); val != "" {
		cfg.Telemetry.Logging.Level = val
	}
	if val := os.Getenv("QUOTAWATCH_TELEMETRY_LOGGING_FORMAT"); val != "" {
		cfg.Telemetry.Logging.Format = val
	}
	if val := os.Getenv("QUOTAWATCH_TELEMETRY_METRICS_DISABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Telemetry.Metrics.Disabled = b
		}
	}

	if val := os.Getenv("QUOTAWATCH_NOTIFICATIONS_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Notify.Enabled = b
		}
	}
	if val := os.Getenv("QUOTAWATCH_NOTIFICATIONS_THRESHOLD_PERCENT"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			cfg.Notify.ThresholdPercent = f
		}
	}
}
