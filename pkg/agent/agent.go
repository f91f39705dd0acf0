// Package agent assembles and runs the background monitoring process.
//
// The agent wires the credential store, provider registry, refresh
// orchestrator, usage store, retention scheduler, HTTP API server,
// discovery metadata and notifications into one long-running process.
// Run blocks until the context is cancelled, then shuts everything down
// in dependency order. Callers own signal handling; the run command
// passes a signal-cancelled context from cli.SignalContext.
package agent

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"quotawatch/pkg/config"
	"quotawatch/pkg/credstore"
	"quotawatch/pkg/discovery"
	"quotawatch/pkg/keyscan"
	"quotawatch/pkg/notify"
	"quotawatch/pkg/orchestrator"
	"quotawatch/pkg/providers"
	"quotawatch/pkg/providers/cloudcode"
	"quotawatch/pkg/providers/codex"
	"quotawatch/pkg/providers/deepseek"
	"quotawatch/pkg/providers/payg"
	"quotawatch/pkg/providers/simulated"
	"quotawatch/pkg/providers/synthetic"
	"quotawatch/pkg/server"
	"quotawatch/pkg/store"
	"quotawatch/pkg/telemetry/health"
	"quotawatch/pkg/telemetry/logging"
	"quotawatch/pkg/telemetry/metrics"
)

// shutdownTimeout bounds the HTTP drain on exit.
const shutdownTimeout = 10 * time.Second

// Agent is the assembled background process. Create with New, run with
// Run.
type Agent struct {
	cfg     *config.Config
	version string

	logger     *logging.Logger
	metrics    *metrics.Metrics
	registry   *providers.Registry
	credStore  *credstore.FileStore
	watcher    *credstore.Watcher
	usageStore store.Store
	retention  *store.Scheduler
	orch       *orchestrator.Orchestrator
	server     *server.Server
	disc       *discovery.Manager
}

// New builds the agent from configuration. Nothing is started yet; the
// usage store is opened so schema errors surface before Run.
func New(cfg *config.Config, version string) (*Agent, error) {
	logger, err := logging.New(logging.Config{
		Level:         cfg.Telemetry.Logging.Level,
		Format:        cfg.Telemetry.Logging.Format,
		AddSource:     cfg.Telemetry.Logging.AddSource,
		RedactSecrets: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	if err := os.MkdirAll(cfg.Agent.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	met := metrics.New(prometheus.NewRegistry())

	registry, err := buildRegistry(cfg)
	if err != nil {
		return nil, err
	}

	credStore, err := credstore.NewFileStore(cfg.CredentialsPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}
	watcher, err := credstore.NewWatcher(credStore.Path(), 0, logger.Slog())
	if err != nil {
		return nil, fmt.Errorf("failed to create credential watcher: %w", err)
	}

	usageStore, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	orch := orchestrator.New(registry, credStore, usageStore, logger, met,
		orchestrator.Config{
			FetchTimeout:  cfg.Refresh.FetchTimeout,
			CredentialTTL: cfg.Refresh.CredentialTTL,
			Concurrency:   cfg.Refresh.Concurrency,
		})

	if cfg.Notify.Enabled {
		manager := notify.NewManager(notify.Slog{Logger: logger},
			cfg.Notify.ThresholdPercent, cfg.Notify.Cooldown)
		orch.SetNotifier(manager.HandleBatch)
	}

	checker := health.NewChecker(0)
	checker.Register("store", health.StoreCheck(usageStore))
	checker.Register("credentials", health.FileCheck(credStore.Path()))

	srv := server.New(server.Options{
		Config:       cfg,
		Orchestrator: orch,
		UsageStore:   usageStore,
		Credentials:  credStore,
		Scanner:      keyscan.New(logger),
		Logger:       logger,
		Metrics:      met,
		Health:       checker,
		Version:      version,
	})

	retention := store.NewScheduler(usageStore, store.RetentionConfig{
		Schedule:      cfg.Storage.PruneSchedule,
		RetentionDays: cfg.Storage.RetentionDays,
	}, logger.Slog())

	return &Agent{
		cfg:        cfg,
		version:    version,
		logger:     logger,
		metrics:    met,
		registry:   registry,
		credStore:  credStore,
		watcher:    watcher,
		usageStore: usageStore,
		retention:  retention,
		orch:       orch,
		server:     srv,
		disc:       discovery.NewManager(cfg.Agent.DataDir, logger),
	}, nil
}

// Logger exposes the agent's logger for the hosting command.
func (a *Agent) Logger() *logging.Logger { return a.logger }

// Port returns the bound API port once Run has started the server.
func (a *Agent) Port() int { return a.server.Port() }

// buildRegistry registers every shipped adapter. The simulated provider
// is only useful for demos and local development, so it rides behind the
// debug flag.
func buildRegistry(cfg *config.Config) (*providers.Registry, error) {
	client := &http.Client{}

	registry := providers.NewRegistry()
	adapters := []providers.Provider{
		codex.New(client),
		cloudcode.New(),
		deepseek.New(client),
		payg.New(client),
		synthetic.New(client),
	}
	if cfg.Agent.Debug {
		adapters = append(adapters, simulated.New())
	}

	for _, adapter := range adapters {
		if err := registry.Register(adapter); err != nil {
			return nil, fmt.Errorf("failed to register provider %q: %w",
				adapter.ProviderID(), err)
		}
	}
	return registry, nil
}

// openStore picks the storage backend. Validation upstream guarantees the
// backend name is one of the known values.
func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return store.NewMemoryStoreWithRatio(cfg.Forecast.ResetDropRatio), nil
	default:
		s, err := store.NewSQLiteStoreWithConfig(store.SQLiteConfig{
			DBPath:             cfg.DatabasePath(),
			ResetDropRatio:     cfg.Forecast.ResetDropRatio,
			CheckpointInterval: cfg.Storage.CheckpointInterval,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open usage store: %w", err)
		}
		return s, nil
	}
}

// Run starts every component and blocks until shutdown. The launch lock
// is held for the whole lifetime so a second agent exits early instead of
// fighting over the port.
func (a *Agent) Run(ctx context.Context) error {
	lock, err := a.disc.AcquireLock()
	if err != nil {
		return err
	}
	defer lock.Release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.server.Start(ctx); err != nil {
		return err
	}

	// Metadata goes out only after the bind succeeded.
	if err := a.disc.Write(discovery.Metadata{
		Port:      a.server.Port(),
		PID:       os.Getpid(),
		StartedAt: time.Now().UTC(),
		Version:   a.version,
		Debug:     a.cfg.Agent.Debug,
	}); err != nil {
		a.logger.Error("failed to write discovery metadata", "error", err)
	}

	if err := a.retention.Start(ctx); err != nil {
		a.logger.Error("failed to start retention scheduler", "error", err)
	}

	go func() {
		if err := a.watcher.Watch(ctx, func() {
			a.logger.Info("credential file changed, invalidating cache")
			a.orch.InvalidateCredentials()
		}); err != nil {
			a.logger.Error("credential watcher stopped", "error", err)
		}
	}()

	a.logger.Info("agent started",
		"version", a.version,
		"port", a.server.Port(),
		"refresh_interval", a.cfg.Refresh.Interval.String(),
	)

	a.triggerRefresh(ctx, "startup")

	ticker := time.NewTicker(a.cfg.Refresh.Interval)
	defer ticker.Stop()

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("context cancelled, shutting down")
			break loop
		case err := <-a.server.Done():
			a.logger.Error("server failed", "error", err)
			runErr = err
			break loop
		case <-ticker.C:
			// A tick while a refresh is still running joins it via
			// coalescing instead of stacking cycles.
			a.triggerRefresh(ctx, "scheduled")
		}
	}

	a.shutdown()
	return runErr
}

// triggerRefresh runs one forced refresh without blocking the main loop.
func (a *Agent) triggerRefresh(ctx context.Context, trigger string) {
	go func() {
		if _, err := a.orch.RefreshAll(ctx, orchestrator.RefreshOptions{
			Force:   true,
			Trigger: trigger,
		}); err != nil && ctx.Err() == nil {
			a.logger.Error("refresh cycle failed", "trigger", trigger, "error", err)
		}
	}()
}

// shutdown stops components in reverse dependency order.
func (a *Agent) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown failed", "error", err)
	}
	if err := a.watcher.Stop(); err != nil {
		a.logger.Error("watcher stop failed", "error", err)
	}
	a.retention.Stop()
	if err := a.usageStore.Close(); err != nil {
		a.logger.Error("store close failed", "error", err)
	}
	if err := a.disc.Remove(); err != nil {
		a.logger.Error("discovery cleanup failed", "error", err)
	}

	a.logger.Info("agent stopped")
}
