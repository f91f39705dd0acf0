package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// ============================================================================
// Defaults Tests
// ============================================================================

func TestDefaultConfig_Validates(t *testing.T) {
	cfg := DefaultConfig()
	if err := Validate(cfg); err != nil {
		t.Fatalf("default config does not validate: %v", err)
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Host = %q", cfg.Server.Host)
	}
	if cfg.Refresh.FetchTimeout != 25*time.Second {
		t.Errorf("FetchTimeout = %s", cfg.Refresh.FetchTimeout)
	}
	if cfg.Refresh.Concurrency != 6 {
		t.Errorf("Concurrency = %d", cfg.Refresh.Concurrency)
	}
	if cfg.Forecast.ResetDropRatio != 0.20 {
		t.Errorf("ResetDropRatio = %g", cfg.Forecast.ResetDropRatio)
	}
	if cfg.Storage.Backend != "sqlite" {
		t.Errorf("Backend = %q", cfg.Storage.Backend)
	}
}

func TestApplyDefaults_PreservesSetValues(t *testing.T) {
	cfg := &Config{}
	cfg.Server.Port = 9000
	cfg.Refresh.Concurrency = 3
	ApplyDefaults(cfg)

	if cfg.Server.Port != 9000 {
		t.Errorf("Port = %d, want preserved 9000", cfg.Server.Port)
	}
	if cfg.Refresh.Concurrency != 3 {
		t.Errorf("Concurrency = %d, want preserved 3", cfg.Refresh.Concurrency)
	}
}

func TestApplyDefaults_DebugRaisesLogLevel(t *testing.T) {
	cfg := &Config{}
	cfg.Agent.Debug = true
	ApplyDefaults(cfg)

	if cfg.Telemetry.Logging.Level != "debug" {
		t.Errorf("Level = %q, want debug", cfg.Telemetry.Logging.Level)
	}
}

// ============================================================================
// Path Helper Tests
// ============================================================================

func TestPathHelpers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Agent.DataDir = "/tmp/qw"

	if got := cfg.CredentialsPath(); got != filepath.Join("/tmp/qw", "credentials.json") {
		t.Errorf("CredentialsPath = %q", got)
	}
	if got := cfg.DatabasePath(); got != filepath.Join("/tmp/qw", "usage.db") {
		t.Errorf("DatabasePath = %q", got)
	}

	cfg.Agent.CredentialsFile = "/etc/creds.json"
	cfg.Storage.Path = "/var/usage.db"
	if got := cfg.CredentialsPath(); got != "/etc/creds.json" {
		t.Errorf("explicit CredentialsPath = %q", got)
	}
	if got := cfg.DatabasePath(); got != "/var/usage.db" {
		t.Errorf("explicit DatabasePath = %q", got)
	}
}

// ============================================================================
// Validation Tests
// ============================================================================

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "server.port",
		},
		{
			name:    "bad backend",
			mutate:  func(c *Config) { c.Storage.Backend = "postgres" },
			wantErr: "storage.backend",
		},
		{
			name:    "bad cron",
			mutate:  func(c *Config) { c.Storage.PruneSchedule = "whenever" },
			wantErr: "prune_schedule",
		},
		{
			name:    "interval too short",
			mutate:  func(c *Config) { c.Refresh.Interval = time.Second },
			wantErr: "refresh.interval",
		},
		{
			name: "timeout exceeds interval",
			mutate: func(c *Config) {
				c.Refresh.Interval = 30 * time.Second
				c.Refresh.FetchTimeout = 30 * time.Second
			},
			wantErr: "fetch_timeout",
		},
		{
			name:    "ratio out of range",
			mutate:  func(c *Config) { c.Forecast.ResetDropRatio = 1.5 },
			wantErr: "reset_drop_ratio",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Telemetry.Logging.Level = "loud" },
			wantErr: "logging.level",
		},
		{
			name: "bad notify threshold",
			mutate: func(c *Config) {
				c.Notify.Enabled = true
				c.Notify.ThresholdPercent = 150
			},
			wantErr: "threshold_percent",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

// ============================================================================
// Loading Tests
// ============================================================================

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
agent:
  data_dir: /tmp/qw-test
server:
  port: 9100
refresh:
  interval: 2m
  concurrency: 4
storage:
  backend: memory
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("Port = %d", cfg.Server.Port)
	}
	if cfg.Refresh.Interval != 2*time.Minute {
		t.Errorf("Interval = %s", cfg.Refresh.Interval)
	}
	if cfg.Refresh.Concurrency != 4 {
		t.Errorf("Concurrency = %d", cfg.Refresh.Concurrency)
	}
	if cfg.Storage.Backend != "memory" {
		t.Errorf("Backend = %q", cfg.Storage.Backend)
	}
	// Unset fields pick up defaults.
	if cfg.Refresh.FetchTimeout != 25*time.Second {
		t.Errorf("FetchTimeout = %s", cfg.Refresh.FetchTimeout)
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("{{not yaml"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadConfigWithEnvOverrides_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfigWithEnvOverrides(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadConfigWithEnvOverrides failed: %v", err)
	}
	if cfg.Server.Port != DefaultPort {
		t.Errorf("Port = %d, want default", cfg.Server.Port)
	}
}

func TestLoadConfigWithEnvOverrides(t *testing.T) {
	t.Setenv("QUOTAWATCH_SERVER_PORT", "9200")
	t.Setenv("QUOTAWATCH_REFRESH_FETCH_TIMEOUT", "10s")
	t.Setenv("QUOTAWATCH_STORAGE_BACKEND", "memory")

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9100\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfigWithEnvOverrides(path)
	if err != nil {
		t.Fatalf("LoadConfigWithEnvOverrides failed: %v", err)
	}
	if cfg.Server.Port != 9200 {
		t.Errorf("Port = %d, want env override 9200", cfg.Server.Port)
	}
	if cfg.Refresh.FetchTimeout != 10*time.Second {
		t.Errorf("FetchTimeout = %s, want env override 10s", cfg.Refresh.FetchTimeout)
	}
	if cfg.Storage.Backend != "memory" {
		t.Errorf("Backend = %q, want env override memory", cfg.Storage.Backend)
	}
}

func TestLoadConfigWithEnvOverrides_InvalidOverride(t *testing.T) {
	t.Setenv("QUOTAWATCH_SERVER_PORT", "70000")

	_, err := LoadConfigWithEnvOverrides(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected validation error after override")
	}
}
