// Package telemetry provides observability for the quotawatch agent.
//
// # Components
//
//   - logging: Structured logging with secret redaction
//   - metrics: Prometheus metrics collection
//   - health: Component health checks behind /api/health
//
// # Usage
//
//	logger, _ := logging.New(logging.Config{Level: "info", Format: "json"})
//	logger.Info("Refresh completed", "providers", 4, "duration_ms", 812)
//
//	metrics := metrics.New(prometheus.NewRegistry())
//	metrics.RecordFetch("deepseek", "success", 240*time.Millisecond)
//
// # Secret Protection
//
// Provider API keys pass through every layer of the agent, so the logger
// redacts them by default:
//
//   - API keys: sk-abc123 → sk-***
//   - Bearer tokens: Bearer eyJ... → Bearer ***
//   - Key-named fields (api_key, token, secret) are masked by key name
package telemetry
