// Package health aggregates component health checks for the agent.
//
// The agent registers one check per long-lived dependency (the usage
// store, the credential file) and the API server folds the aggregated
// report into its /api/health response. Checks run concurrently with a
// per-check timeout so one stuck component cannot block the endpoint.
//
// # Usage
//
//	checker := health.NewChecker(0)
//	checker.Register("store", health.StoreCheck(usageStore))
//	checker.Register("credentials", health.FileCheck(credPath))
//
//	report := checker.Run(ctx)
//	// report.Status is "ok" or "degraded"
package health
