package main

import (
	"context"
	"fmt"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"

	"quotawatch/pkg/agent"
)

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Run the agent as a system service",
	Long: `Install and control the agent as a background service managed by the
operating system (systemd, launchd, or the Windows service manager).
The installed service runs 'quotawatch run' with the current config.`,
}

var serviceInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install and start the background service",
	RunE:  func(cmd *cobra.Command, args []string) error { return serviceControl("install") },
}

var serviceUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Stop and remove the background service",
	RunE:  func(cmd *cobra.Command, args []string) error { return serviceControl("uninstall") },
}

var serviceStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the background service",
	RunE:  func(cmd *cobra.Command, args []string) error { return serviceControl("start") },
}

var serviceStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background service",
	RunE:  func(cmd *cobra.Command, args []string) error { return serviceControl("stop") },
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show background service status",
	RunE:  func(cmd *cobra.Command, args []string) error { return serviceControl("status") },
}

func init() {
	serviceCmd.AddCommand(serviceInstallCmd)
	serviceCmd.AddCommand(serviceUninstallCmd)
	serviceCmd.AddCommand(serviceStartCmd)
	serviceCmd.AddCommand(serviceStopCmd)
	serviceCmd.AddCommand(serviceStatusCmd)
	rootCmd.AddCommand(serviceCmd)
}

// agentService adapts the agent lifecycle to service.Interface. The
// installed service invokes 'quotawatch run' directly, so this only
// executes when the service manager runs the wrapper itself.
type agentService struct {
	cancel context.CancelFunc
	done   chan error
}

func (s *agentService) Start(svc service.Service) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := agent.New(cfg, Version)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan error, 1)
	go func() { s.done <- a.Run(ctx) }()
	return nil
}

func (s *agentService) Stop(svc service.Service) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	return <-s.done
}

func newService() (service.Service, error) {
	svcConfig := &service.Config{
		Name:        "quotawatch",
		DisplayName: "QuotaWatch Agent",
		Description: "Monitors AI provider usage and quota consumption",
		Arguments:   []string{"run"},
	}
	if cfgFile != "" {
		svcConfig.Arguments = append(svcConfig.Arguments, "--config", cfgFile)
	}
	return service.New(&agentService{}, svcConfig)
}

func serviceControl(action string) error {
	svc, err := newService()
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	switch action {
	case "install":
		if err := svc.Install(); err != nil {
			return fmt.Errorf("failed to install service: %w", err)
		}
		if err := svc.Start(); err != nil {
			return fmt.Errorf("service installed but failed to start: %w", err)
		}
		fmt.Println("Service installed and started.")

	case "uninstall":
		// Best effort stop before removal.
		_ = svc.Stop()
		if err := svc.Uninstall(); err != nil {
			return fmt.Errorf("failed to uninstall service: %w", err)
		}
		fmt.Println("Service uninstalled.")

	case "start":
		if err := svc.Start(); err != nil {
			return fmt.Errorf("failed to start service: %w", err)
		}
		fmt.Println("Service started.")

	case "stop":
		if err := svc.Stop(); err != nil {
			return fmt.Errorf("failed to stop service: %w", err)
		}
		fmt.Println("Service stopped.")

	case "status":
		status, err := svc.Status()
		if err != nil {
			fmt.Printf("Service status: not installed (%v)\n", err)
			return nil
		}
		switch status {
		case service.StatusRunning:
			fmt.Println("Service status: running")
		case service.StatusStopped:
			fmt.Println("Service status: stopped")
		default:
			fmt.Println("Service status: unknown")
		}
	}
	return nil
}
