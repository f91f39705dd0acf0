package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

// writeTestConfig writes a minimal config file pointing the agent at a
// temp data dir and wires it up through the --config flag.
func writeTestConfig(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := fmt.Sprintf("agent:\n  data_dir: %s\n", dir)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	origCfgFile := cfgFile
	cfgFile = path
	t.Cleanup(func() { cfgFile = origCfgFile })
	return dir
}

func testCommand(t *testing.T) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	return cmd
}

func TestCommandsRegistered(t *testing.T) {
	want := []string{"run", "status", "refresh", "scan", "config", "service", "version"}
	for _, name := range want {
		found := false
		for _, sub := range rootCmd.Commands() {
			if sub.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("command %q not registered on root", name)
		}
	}
}

func TestLoadConfig_ExplicitFileMissing(t *testing.T) {
	origCfgFile := cfgFile
	cfgFile = filepath.Join(t.TempDir(), "nope.yaml")
	defer func() { cfgFile = origCfgFile }()

	if _, err := loadConfig(); err == nil {
		t.Fatal("loadConfig() should fail for a missing explicit config file")
	}
}

func TestLoadConfig_DebugFlagPromotesLevel(t *testing.T) {
	writeTestConfig(t)

	origDebug := debug
	debug = true
	defer func() { debug = origDebug }()

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if !cfg.Agent.Debug {
		t.Error("Agent.Debug should be true when --debug is set")
	}
	if cfg.Telemetry.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Telemetry.Logging.Level)
	}
}

func TestConfigSetListRemove(t *testing.T) {
	dataDir := writeTestConfig(t)
	cmd := testCommand(t)

	configSetOpts = configSetFlags{
		apiKey:     "sk-test-key-123456",
		configType: "api-key",
		notify:     true,
	}
	if err := runConfigSet(cmd, []string{"DeepSeek"}); err != nil {
		t.Fatalf("runConfigSet() error = %v", err)
	}

	// Provider ids are normalized to lower case on save.
	data, err := os.ReadFile(filepath.Join(dataDir, "credentials.json"))
	if err != nil {
		t.Fatalf("credentials file not written: %v", err)
	}
	if !strings.Contains(string(data), `"deepseek"`) {
		t.Errorf("credentials file missing normalized provider id: %s", data)
	}
	if !strings.Contains(string(data), "sk-test-key-123456") {
		t.Error("credentials file missing saved key")
	}

	if err := runConfigList(cmd, nil); err != nil {
		t.Fatalf("runConfigList() error = %v", err)
	}

	if err := runConfigRemove(cmd, []string{"deepseek"}); err != nil {
		t.Fatalf("runConfigRemove() error = %v", err)
	}
	data, err = os.ReadFile(filepath.Join(dataDir, "credentials.json"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "deepseek") {
		t.Error("credential should be gone after remove")
	}
}

func TestVersionCommand(t *testing.T) {
	if versionCmd == nil {
		t.Fatal("versionCmd is nil")
	}
	if versionCmd.Use != "version" {
		t.Errorf("versionCmd.Use = %q, want version", versionCmd.Use)
	}
	if Version == "" {
		t.Error("Version should have a default")
	}
}
