package server

import "net/http"

// route describes one registered endpoint for the diagnostics listing.
type route struct {
	Method string `json:"method"`
	Path   string `json:"path"`
}

// apiRoutes is the fixed route table. The metrics endpoint is appended at
// setup time because its path is configurable.
var apiRoutes = []route{
	{Method: http.MethodGet, Path: "/api/usage"},
	{Method: http.MethodGet, Path: "/api/usage/{id}"},
	{Method: http.MethodGet, Path: "/api/history"},
	{Method: http.MethodGet, Path: "/api/history/{id}"},
	{Method: http.MethodGet, Path: "/api/resets/{id}"},
	{Method: http.MethodGet, Path: "/api/forecast/{id}"},
	{Method: http.MethodGet, Path: "/api/reliability/{id}"},
	{Method: http.MethodGet, Path: "/api/health"},
	{Method: http.MethodGet, Path: "/api/diagnostics"},
	{Method: http.MethodPost, Path: "/api/refresh"},
	{Method: http.MethodPost, Path: "/api/scan-keys"},
	{Method: http.MethodGet, Path: "/api/config"},
	{Method: http.MethodPost, Path: "/api/config"},
	{Method: http.MethodDelete, Path: "/api/config/{id}"},
}

// setupRoutes builds the mux and wraps it in the middleware chain.
func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/usage", s.handleUsage)
	mux.HandleFunc("GET /api/usage/{id}", s.handleUsageByID)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("GET /api/history/{id}", s.handleHistoryByID)
	mux.HandleFunc("GET /api/resets/{id}", s.handleResets)
	mux.HandleFunc("GET /api/forecast/{id}", s.handleForecast)
	mux.HandleFunc("GET /api/reliability/{id}", s.handleReliability)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/diagnostics", s.handleDiagnostics)
	mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	mux.HandleFunc("POST /api/scan-keys", s.handleScanKeys)
	mux.HandleFunc("GET /api/config", s.handleConfigList)
	mux.HandleFunc("POST /api/config", s.handleConfigSave)
	mux.HandleFunc("DELETE /api/config/{id}", s.handleConfigDelete)

	if s.metrics != nil && !s.cfg.Telemetry.Metrics.Disabled {
		mux.Handle("GET "+s.cfg.Telemetry.Metrics.Path, s.metrics.Handler())
	}

	var handler http.Handler = mux
	handler = loggingMiddleware(s.logger)(handler)
	handler = requestIDMiddleware(handler)
	handler = recoveryMiddleware(s.logger)(handler)

	return handler
}

// routes returns the route table served by the diagnostics endpoint.
func (s *Server) routes() []route {
	out := make([]route, len(apiRoutes), len(apiRoutes)+1)
	copy(out, apiRoutes)
	if s.metrics != nil && !s.cfg.Telemetry.Metrics.Disabled {
		out = append(out, route{Method: http.MethodGet, Path: s.cfg.Telemetry.Metrics.Path})
	}
	return out
}
