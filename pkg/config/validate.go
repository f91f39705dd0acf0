package config

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Validate checks the configuration for contradictions and out-of-range
// values. It expects defaults to be applied first.
func Validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range [1, 65535]", cfg.Server.Port)
	}
	if cfg.Server.PortScanRange < 1 {
		return fmt.Errorf("server.port_scan_range must be at least 1, got %d", cfg.Server.PortScanRange)
	}
	if cfg.Server.Port+cfg.Server.PortScanRange-1 > 65535 {
		return fmt.Errorf("server.port %d + port_scan_range %d exceeds the port space",
			cfg.Server.Port, cfg.Server.PortScanRange)
	}
	if cfg.Server.RefreshRatePerMinute < 1 {
		return fmt.Errorf("server.refresh_rate_per_minute must be at least 1, got %d",
			cfg.Server.RefreshRatePerMinute)
	}

	switch cfg.Storage.Backend {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("storage.backend must be %q or %q, got %q", "sqlite", "memory", cfg.Storage.Backend)
	}
	if cfg.Storage.RetentionDays < 0 {
		return fmt.Errorf("storage.retention_days cannot be negative, got %d", cfg.Storage.RetentionDays)
	}
	if cfg.Storage.PruneSchedule != "" {
		if _, err := cron.ParseStandard(cfg.Storage.PruneSchedule); err != nil {
			return fmt.Errorf("storage.prune_schedule %q is not a valid cron expression: %w",
				cfg.Storage.PruneSchedule, err)
		}
	}

	if cfg.Refresh.Interval < 10*time.Second {
		return fmt.Errorf("refresh.interval must be at least 10s, got %s", cfg.Refresh.Interval)
	}
	if cfg.Refresh.FetchTimeout < time.Second {
		return fmt.Errorf("refresh.fetch_timeout must be at least 1s, got %s", cfg.Refresh.FetchTimeout)
	}
	if cfg.Refresh.FetchTimeout >= cfg.Refresh.Interval {
		return fmt.Errorf("refresh.fetch_timeout %s must be shorter than refresh.interval %s",
			cfg.Refresh.FetchTimeout, cfg.Refresh.Interval)
	}
	if cfg.Refresh.Concurrency < 1 {
		return fmt.Errorf("refresh.concurrency must be at least 1, got %d", cfg.Refresh.Concurrency)
	}

	if cfg.Forecast.ResetDropRatio <= 0 || cfg.Forecast.ResetDropRatio >= 1 {
		return fmt.Errorf("forecast.reset_drop_ratio must be in (0, 1), got %g", cfg.Forecast.ResetDropRatio)
	}
	if cfg.Forecast.MinCycleWindow < time.Minute {
		return fmt.Errorf("forecast.min_cycle_window must be at least 1m, got %s", cfg.Forecast.MinCycleWindow)
	}

	switch cfg.Telemetry.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("telemetry.logging.level %q is not one of debug, info, warn, error",
			cfg.Telemetry.Logging.Level)
	}
	switch cfg.Telemetry.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("telemetry.logging.format %q is not one of json, text", cfg.Telemetry.Logging.Format)
	}

	if cfg.Notify.Enabled {
		if cfg.Notify.ThresholdPercent <= 0 || cfg.Notify.ThresholdPercent > 100 {
			return fmt.Errorf("notifications.threshold_percent must be in (0, 100], got %g",
				cfg.Notify.ThresholdPercent)
		}
	}

	return nil
}
