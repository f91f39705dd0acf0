package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"quotawatch/pkg/config"
)

var (
	// Global flags
	cfgFile string
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:   "quotawatch",
	Short: "Quotawatch - AI provider usage monitoring agent",
	Long: `Quotawatch is a local agent that keeps track of how much of each AI
provider's quota you have burned through.

It polls the providers you configure, stores the usage time series
locally, and serves it over a loopback HTTP API:
  - Latest usage snapshot and per-provider history
  - Burn-rate forecasts and estimated exhaustion dates
  - Detected quota resets and fetch reliability
  - Threshold notifications when usage runs hot`,
	Version: Version,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}

// loadConfig resolves the effective configuration for any subcommand. An
// explicit --config that does not exist is an error; the default location
// is allowed to be absent.
func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = filepath.Join(config.DefaultDataDir(), "config.yaml")
	} else if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	cfg, err := config.LoadConfigWithEnvOverrides(path)
	if err != nil {
		return nil, err
	}
	if debug {
		cfg.Agent.Debug = true
		cfg.Telemetry.Logging.Level = "debug"
	}
	return cfg, nil
}
