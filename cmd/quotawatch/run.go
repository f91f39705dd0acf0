package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"quotawatch/pkg/agent"
	"quotawatch/pkg/cli"
)

var runFlags struct {
	port     int
	logLevel string
	dryRun   bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the monitoring agent",
	Long: `Start the monitoring agent in the foreground.

The agent polls every configured provider on a schedule, persists the
usage time series, and serves the local HTTP API until interrupted.

Examples:
  # Start with default config
  quotawatch run

  # Start with custom config
  quotawatch run --config ~/.quotawatch/config.yaml

  # Override the API port
  quotawatch run --port 9000

  # Validate config without starting
  quotawatch run --dry-run`,
	RunE: runAgent,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().IntVarP(&runFlags.port, "port", "p", 0, "override API port")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "validate config without starting the agent")
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if runFlags.port != 0 {
		cfg.Server.Port = runFlags.port
	}
	if runFlags.logLevel != "" {
		cfg.Telemetry.Logging.Level = runFlags.logLevel
	}

	if runFlags.dryRun {
		fmt.Printf("Configuration OK\n")
		fmt.Printf("  data dir:  %s\n", cfg.Agent.DataDir)
		fmt.Printf("  api:       %s:%d\n", cfg.Server.Host, cfg.Server.Port)
		fmt.Printf("  storage:   %s (%s)\n", cfg.Storage.Backend, cfg.DatabasePath())
		fmt.Printf("  refresh:   every %s\n", cfg.Refresh.Interval)
		return nil
	}

	a, err := agent.New(cfg, Version)
	if err != nil {
		return err
	}

	ctx, stop := cli.SignalContext()
	defer stop()
	return a.Run(ctx)
}
