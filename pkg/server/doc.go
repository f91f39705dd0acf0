// Package server exposes the agent's local HTTP API.
//
// The API is loopback-only by default and serves JSON with snake_case
// field naming. Read endpoints mirror the usage store (latest snapshot,
// history, reset events) plus the derived analytics (burn-rate forecast,
// reliability). Control endpoints trigger refresh cycles, key scans and
// credential edits. A Prometheus endpoint is mounted unless disabled.
//
// # Basic Usage
//
// Creating and starting a server:
//
//	srv := server.New(server.Options{
//	    Config:       cfg,
//	    Orchestrator: orch,
//	    UsageStore:   usageStore,
//	    Credentials:  creds,
//	    Logger:       logger,
//	    Metrics:      met,
//	    Version:      version,
//	})
//	if err := srv.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	port := srv.Port() // the bound port, for discovery metadata
//
// # Routes
//
//   - GET /api/usage - latest sample per provider
//   - GET /api/usage/{id} - latest sample for one provider; ?refresh=true fetches on demand
//   - GET /api/history - recent samples across all providers
//   - GET /api/history/{id} - recent samples for one provider
//   - GET /api/resets/{id} - detected quota resets for one provider
//   - GET /api/forecast/{id} - burn-rate forecast over stored history
//   - GET /api/reliability/{id} - fetch reliability summary
//   - GET /api/health - liveness, bound port, pid, version
//   - GET /api/diagnostics - registered routes plus refresh telemetry
//   - POST /api/refresh - trigger a forced refresh (rate limited)
//   - POST /api/scan-keys - run credential discovery, then refresh
//   - GET /api/config - stored credentials, key material redacted
//   - POST /api/config - add or replace one credential
//   - DELETE /api/config/{id} - remove one credential
//   - GET /metrics - Prometheus exposition (configurable path)
//
// # Middleware Chain
//
// Requests pass through recovery, request-ID and logging middleware, in
// that order from the outside in.
//
// # Port Binding
//
// Start binds Host:Port; when the port is taken it scans up to
// PortScanRange consecutive ports above it before giving up. Discovery
// metadata must only be written after Start returns the listener bound.
package server
