package config

import "time"

// Default values applied to unset fields.
const (
	DefaultHost                 = "127.0.0.1"
	DefaultPort                 = 48620
	DefaultPortScanRange        = 10
	DefaultRefreshInterval      = 5 * time.Minute
	DefaultFetchTimeout         = 25 * time.Second
	DefaultConcurrency          = 6
	DefaultCredentialTTL        = 5 * time.Second
	DefaultRetentionDays        = 90
	DefaultPruneSchedule        = "0 3 * * *"
	DefaultCheckpointInterval   = 5 * time.Minute
	DefaultResetDropRatio       = 0.20
	DefaultMinCycleWindow       = time.Hour
	DefaultRefreshRatePerMinute = 6
	DefaultRefreshBurst         = 2
	DefaultNotifyThreshold      = 90.0
	DefaultNotifyCooldown       = time.Hour
)

// DefaultConfig returns a fully-defaulted configuration.
func DefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills every unset field with its default value.
func ApplyDefaults(cfg *Config) {
	if cfg.Agent.DataDir == "" {
		cfg.Agent.DataDir = DefaultDataDir()
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = DefaultHost
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Server.PortScanRange == 0 {
		cfg.Server.PortScanRange = DefaultPortScanRange
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 120 * time.Second
	}
	if cfg.Server.RefreshRatePerMinute == 0 {
		cfg.Server.RefreshRatePerMinute = DefaultRefreshRatePerMinute
	}
	if cfg.Server.RefreshBurst == 0 {
		cfg.Server.RefreshBurst = DefaultRefreshBurst
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "sqlite"
	}
	if cfg.Storage.RetentionDays == 0 {
		cfg.Storage.RetentionDays = DefaultRetentionDays
	}
	if cfg.Storage.PruneSchedule == "" {
		cfg.Storage.PruneSchedule = DefaultPruneSchedule
	}
	if cfg.Storage.CheckpointInterval == 0 {
		cfg.Storage.CheckpointInterval = DefaultCheckpointInterval
	}

	if cfg.Refresh.Interval == 0 {
		cfg.Refresh.Interval = DefaultRefreshInterval
	}
	if cfg.Refresh.FetchTimeout == 0 {
		cfg.Refresh.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.Refresh.Concurrency == 0 {
		cfg.Refresh.Concurrency = DefaultConcurrency
	}
	if cfg.Refresh.CredentialTTL == 0 {
		cfg.Refresh.CredentialTTL = DefaultCredentialTTL
	}

	if cfg.Forecast.ResetDropRatio == 0 {
		cfg.Forecast.ResetDropRatio = DefaultResetDropRatio
	}
	if cfg.Forecast.MinCycleWindow == 0 {
		cfg.Forecast.MinCycleWindow = DefaultMinCycleWindow
	}

	if cfg.Telemetry.Logging.Level == "" {
		cfg.Telemetry.Logging.Level = "info"
	}
	if cfg.Telemetry.Logging.Format == "" {
		cfg.Telemetry.Logging.Format = "json"
	}
	if cfg.Telemetry.Metrics.Path == "" {
		cfg.Telemetry.Metrics.Path = "/metrics"
	}

	if cfg.Notify.ThresholdPercent == 0 {
		cfg.Notify.ThresholdPercent = DefaultNotifyThreshold
	}
	if cfg.Notify.Cooldown == 0 {
		cfg.Notify.Cooldown = DefaultNotifyCooldown
	}

	if cfg.Agent.Debug && cfg.Telemetry.Logging.Level == "info" {
		cfg.Telemetry.Logging.Level = "debug"
	}
}
