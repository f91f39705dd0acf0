// Quotawatch is a local agent that monitors AI provider usage quotas.
//
// It polls each configured provider on a schedule, normalizes the
// responses into one usage model, stores the time series locally and
// serves it over a loopback HTTP API together with burn-rate forecasts
// and reliability summaries.
//
// Usage:
//
//	# Start the agent in the foreground
//	quotawatch run
//
//	# Start with a custom configuration file
//	quotawatch run --config /path/to/config.yaml
//
//	# Show the latest usage snapshot from a running agent
//	quotawatch status
//
//	# Trigger an immediate refresh
//	quotawatch refresh
//
//	# Discover local API keys and CLI logins
//	quotawatch scan
//
//	# Manage stored credentials
//	quotawatch config list
//	quotawatch config set deepseek --api-key sk-...
//	quotawatch config remove deepseek
//
//	# Install as a system service
//	quotawatch service install
package main

func main() {
	Execute()
}
