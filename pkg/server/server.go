package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"quotawatch/pkg/config"
	"quotawatch/pkg/credstore"
	"quotawatch/pkg/orchestrator"
	"quotawatch/pkg/providers"
	"quotawatch/pkg/store"
	"quotawatch/pkg/telemetry/health"
	"quotawatch/pkg/telemetry/logging"
	"quotawatch/pkg/telemetry/metrics"
	"quotawatch/pkg/usage"
)

// KeyScanner discovers provider credentials from the local environment.
// Implemented by keyscan.Scanner.
type KeyScanner interface {
	Scan(ctx context.Context) ([]providers.Credential, error)
}

// Options collects the server's collaborators.
type Options struct {
	Config       *config.Config
	Orchestrator *orchestrator.Orchestrator
	UsageStore   store.Store
	Credentials  credstore.Store
	Scanner      KeyScanner
	Logger       *logging.Logger
	Metrics      *metrics.Metrics
	Health       *health.Checker
	Version      string
}

// Server is the agent's local HTTP API server.
type Server struct {
	cfg        *config.Config
	orch       *orchestrator.Orchestrator
	usageStore store.Store
	creds      credstore.Store
	scanner    KeyScanner
	logger     *logging.Logger
	metrics    *metrics.Metrics
	health     *health.Checker
	version    string

	refreshLimiter *rate.Limiter
	forecastOpts   usage.ForecastOptions

	httpServer   *http.Server
	listener     net.Listener
	boundPort    int
	startedAt    time.Time
	serveErr     chan error
	shutdownOnce sync.Once
	mu           sync.RWMutex
	isRunning    bool
}

// New creates a server. Call Start to bind and serve.
func New(opts Options) *Server {
	perSecond := rate.Limit(float64(opts.Config.Server.RefreshRatePerMinute) / 60.0)

	return &Server{
		cfg:        opts.Config,
		orch:       opts.Orchestrator,
		usageStore: opts.UsageStore,
		creds:      opts.Credentials,
		scanner:    opts.Scanner,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		health:     opts.Health,
		version:    opts.Version,
		refreshLimiter: rate.NewLimiter(
			perSecond, opts.Config.Server.RefreshBurst),
		forecastOpts: usage.ForecastOptions{
			ResetDropRatio: opts.Config.Forecast.ResetDropRatio,
			MinCycleWindow: opts.Config.Forecast.MinCycleWindow,
		},
		serveErr: make(chan error, 1),
	}
}

// Start binds a listener and begins serving in the background. It returns
// once the listener is bound, so callers can publish the port immediately
// afterwards. Serve failures after that are delivered on Done.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}

	listener, port, err := s.bindListener()
	if err != nil {
		s.mu.Unlock()
		return err
	}

	s.listener = listener
	s.boundPort = port
	s.startedAt = time.Now().UTC()
	s.httpServer = &http.Server{
		Handler:      s.setupRoutes(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	s.isRunning = true
	s.mu.Unlock()

	go func() {
		s.logger.Info("api server listening",
			"host", s.cfg.Server.Host,
			"port", port,
		)
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.serveErr <- fmt.Errorf("server error: %w", err)
		}
	}()

	return nil
}

// bindListener tries the configured port first, then scans the range above
// it. Collisions at startup are expected when an agent is already running
// or the port is held by another process.
func (s *Server) bindListener() (net.Listener, int, error) {
	var lastErr error
	for i := 0; i < s.cfg.Server.PortScanRange; i++ {
		port := s.cfg.Server.Port + i
		addr := net.JoinHostPort(s.cfg.Server.Host, fmt.Sprintf("%d", port))

		listener, err := net.Listen("tcp", addr)
		if err == nil {
			// Port 0 asks the kernel for an ephemeral port; report the
			// port actually bound either way.
			if tcp, ok := listener.Addr().(*net.TCPAddr); ok {
				port = tcp.Port
			}
			if i > 0 {
				s.logger.Warn("configured port taken, using fallback",
					"configured", s.cfg.Server.Port,
					"bound", port,
				)
			}
			return listener, port, nil
		}
		lastErr = err
	}
	return nil, 0, fmt.Errorf("failed to bind any port in [%d, %d]: %w",
		s.cfg.Server.Port, s.cfg.Server.Port+s.cfg.Server.PortScanRange-1, lastErr)
}

// Done delivers a serve failure that happened after Start returned.
func (s *Server) Done() <-chan error {
	return s.serveErr
}

// Port returns the bound port, or 0 before Start succeeds.
func (s *Server) Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.boundPort
}

// IsRunning reports whether the server is accepting connections.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Handler returns the configured HTTP handler for in-process testing.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Shutdown gracefully drains in-flight requests. Idempotent.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		running := s.isRunning
		s.isRunning = false
		s.mu.Unlock()
		if !running {
			return
		}

		s.logger.Info("shutting down api server", "port", s.boundPort)

		if s.httpServer != nil {
			if err := s.httpServer.Shutdown(ctx); err != nil {
				s.logger.Error("error during server shutdown", "error", err)
				shutdownErr = fmt.Errorf("server shutdown error: %w", err)
			}
		}
	})

	return shutdownErr
}
