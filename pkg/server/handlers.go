package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"quotawatch/pkg/orchestrator"
	"quotawatch/pkg/providers"
	"quotawatch/pkg/store"
	"quotawatch/pkg/telemetry/health"
	"quotawatch/pkg/telemetry/logging"
	"quotawatch/pkg/usage"
)

// defaultHistoryLimit bounds history responses when the client does not
// pass an explicit limit.
const defaultHistoryLimit = 100

// handleUsage serves the latest sample per provider. The in-memory
// snapshot from the last refresh is preferred; before the first refresh
// the store's latest rows are served instead.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	records := s.orch.LastUsages()
	if len(records) == 0 {
		var err error
		records, err = s.usageStore.Latest(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to read usage snapshot")
			return
		}
	}
	if records == nil {
		records = []usage.ProviderUsage{}
	}
	writeJSON(w, http.StatusOK, records)
}

// handleUsageByID serves the stored snapshot for one provider. With
// ?refresh=true it performs an immediate on-demand fetch instead,
// bypassing the coalesced bulk path, and responds with the fetched
// records (an adapter may emit parent plus child entries).
func (s *Server) handleUsageByID(w http.ResponseWriter, r *http.Request) {
	id := strings.ToLower(r.PathValue("id"))

	if r.URL.Query().Get("refresh") == "true" {
		records, err := s.orch.SingleProviderUsage(r.Context(), id)
		switch {
		case errors.Is(err, orchestrator.ErrProviderNotFound):
			writeError(w, http.StatusNotFound,
				fmt.Sprintf("no provider configured for %q", id))
			return
		case err != nil:
			// The on-demand path propagates fetch failures instead of
			// folding them into the record.
			s.logger.Error("on-demand fetch failed", "provider", id, "error", err)
			writeError(w, http.StatusBadGateway,
				fmt.Sprintf("fetch failed for provider %q", id))
			return
		}
		writeJSON(w, http.StatusOK, records)
		return
	}

	rec, err := s.usageStore.LatestFor(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read usage snapshot")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound,
			fmt.Sprintf("no usage recorded for provider %q", id))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	records, err := s.usageStore.AllHistory(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	if records == nil {
		records = []usage.ProviderUsage{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleHistoryByID(w http.ResponseWriter, r *http.Request) {
	id := strings.ToLower(r.PathValue("id"))
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	records, err := s.usageStore.History(r.Context(), id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	if records == nil {
		records = []usage.ProviderUsage{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleResets(w http.ResponseWriter, r *http.Request) {
	id := strings.ToLower(r.PathValue("id"))
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	events, err := s.usageStore.ResetEvents(r.Context(), id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read reset events")
		return
	}
	if events == nil {
		events = []store.ResetEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// forecastResponse wraps the computed forecast with its provider id.
type forecastResponse struct {
	ProviderID string                 `json:"provider_id"`
	Forecast   usage.BurnRateForecast `json:"forecast"`
}

// reliabilityResponse wraps the reliability summary with its provider id.
type reliabilityResponse struct {
	ProviderID  string                    `json:"provider_id"`
	Reliability usage.ReliabilitySnapshot `json:"reliability"`
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	id := strings.ToLower(r.PathValue("id"))

	history, err := s.usageStore.History(r.Context(), id, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}

	writeJSON(w, http.StatusOK, forecastResponse{
		ProviderID: id,
		Forecast:   usage.BurnRate(history, s.forecastOpts),
	})
}

func (s *Server) handleReliability(w http.ResponseWriter, r *http.Request) {
	id := strings.ToLower(r.PathValue("id"))

	history, err := s.usageStore.History(r.Context(), id, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}

	writeJSON(w, http.StatusOK, reliabilityResponse{
		ProviderID:  id,
		Reliability: usage.Reliability(history),
	})
}

// healthResponse is the liveness payload. Discovery readers probe it to
// decide whether a metadata file points at a live agent; the endpoint
// answers 200 even when a component is degraded, since a degraded agent
// is still the one holding the port.
type healthResponse struct {
	Status     string                   `json:"status"`
	Port       int                      `json:"port"`
	PID        int                      `json:"pid"`
	Version    string                   `json:"version"`
	StartedAt  time.Time                `json:"started_at"`
	Components map[string]health.Result `json:"components,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Port:      s.Port(),
		PID:       os.Getpid(),
		Version:   s.version,
		StartedAt: s.startedAt,
	}
	if s.health != nil {
		report := s.health.Run(r.Context())
		resp.Status = report.Status
		resp.Components = report.Components
	}
	writeJSON(w, http.StatusOK, resp)
}

type diagnosticsResponse struct {
	Version   string             `json:"version"`
	StartedAt time.Time          `json:"started_at"`
	Routes    []route            `json:"routes"`
	Refresh   orchestrator.Stats `json:"refresh"`
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, diagnosticsResponse{
		Version:   s.version,
		StartedAt: s.startedAt,
		Routes:    s.routes(),
		Refresh:   s.orch.Stats(),
	})
}

// handleRefresh triggers a forced refresh. The limiter only throttles this
// endpoint; concurrent allowed calls still coalesce inside the
// orchestrator.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if !s.refreshLimiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "refresh rate limit exceeded")
		return
	}

	records, err := s.orch.RefreshAll(r.Context(), orchestrator.RefreshOptions{
		Force:   true,
		Trigger: "manual",
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError,
			fmt.Sprintf("refresh failed: %v", err))
		return
	}
	if records == nil {
		records = []usage.ProviderUsage{}
	}
	writeJSON(w, http.StatusOK, records)
}

type scanKeysResponse struct {
	Found int `json:"found"`
	Saved int `json:"saved"`
}

// handleScanKeys runs credential discovery, persists discoveries that do
// not collide with stored credentials, then kicks a refresh in the
// background so the response returns promptly.
func (s *Server) handleScanKeys(w http.ResponseWriter, r *http.Request) {
	if s.scanner == nil {
		writeError(w, http.StatusServiceUnavailable, "key scanning is not available")
		return
	}

	found, err := s.scanner.Scan(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError,
			fmt.Sprintf("key scan failed: %v", err))
		return
	}

	existing, err := s.creds.Load(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load stored credentials")
		return
	}
	have := make(map[string]bool, len(existing))
	for _, cred := range existing {
		have[strings.ToLower(cred.ProviderID)] = true
	}

	saved := 0
	for _, cred := range found {
		if have[strings.ToLower(cred.ProviderID)] {
			continue
		}
		if err := s.creds.Save(r.Context(), cred); err != nil {
			s.logger.Error("failed to save discovered credential",
				"provider", cred.ProviderID, "error", err)
			continue
		}
		saved++
	}

	if saved > 0 {
		s.orch.InvalidateCredentials()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if _, err := s.orch.RefreshAll(ctx, orchestrator.RefreshOptions{
				Force:   true,
				Trigger: "manual",
			}); err != nil {
				s.logger.Error("post-scan refresh failed", "error", err)
			}
		}()
	}

	writeJSON(w, http.StatusOK, scanKeysResponse{Found: len(found), Saved: saved})
}

func (s *Server) handleConfigList(w http.ResponseWriter, r *http.Request) {
	creds, err := s.creds.Load(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load credentials")
		return
	}

	// Key material never leaves the process unredacted.
	out := make([]providers.Credential, len(creds))
	for i, cred := range creds {
		cred.APIKey = logging.RedactAPIKey(cred.APIKey)
		out[i] = cred
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleConfigSave(w http.ResponseWriter, r *http.Request) {
	var cred providers.Credential
	if err := json.NewDecoder(r.Body).Decode(&cred); err != nil {
		writeError(w, http.StatusBadRequest, "invalid credential body")
		return
	}
	if strings.TrimSpace(cred.ProviderID) == "" {
		writeError(w, http.StatusBadRequest, "provider_id is required")
		return
	}

	if err := s.creds.Save(r.Context(), cred); err != nil {
		writeError(w, http.StatusInternalServerError,
			fmt.Sprintf("failed to save credential: %v", err))
		return
	}
	s.orch.InvalidateCredentials()

	cred.APIKey = logging.RedactAPIKey(cred.APIKey)
	writeJSON(w, http.StatusCreated, cred)
}

func (s *Server) handleConfigDelete(w http.ResponseWriter, r *http.Request) {
	id := strings.ToLower(r.PathValue("id"))

	if err := s.creds.Remove(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError,
			fmt.Sprintf("failed to remove credential: %v", err))
		return
	}
	s.orch.InvalidateCredentials()

	w.WriteHeader(http.StatusNoContent)
}

// parseLimit reads the optional ?limit= query parameter. On a malformed
// value it writes a 400 and returns ok=false.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultHistoryLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("invalid limit %q", raw))
		return 0, false
	}
	return limit, true
}
