package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"quotawatch/pkg/config"
	"quotawatch/pkg/orchestrator"
	"quotawatch/pkg/providers"
	"quotawatch/pkg/store"
	"quotawatch/pkg/telemetry/health"
	"quotawatch/pkg/telemetry/logging"
	"quotawatch/pkg/telemetry/metrics"
	"quotawatch/pkg/usage"
)

// ============================================================================
// Test Fixtures
// ============================================================================

type stubProvider struct {
	def   providers.Definition
	fetch func(ctx context.Context, cred providers.Credential) ([]usage.ProviderUsage, error)
}

func (p *stubProvider) ProviderID() string               { return p.def.ID }
func (p *stubProvider) Definition() providers.Definition { return p.def }
func (p *stubProvider) CanHandle(id string) bool         { return p.def.HandlesProviderID(id) }

func (p *stubProvider) FetchUsage(ctx context.Context, cred providers.Credential) ([]usage.ProviderUsage, error) {
	return p.fetch(ctx, cred)
}

type memCredStore struct {
	mu    sync.Mutex
	creds []providers.Credential
}

func (m *memCredStore) Load(ctx context.Context) ([]providers.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return providers.CloneAll(m.creds), nil
}

func (m *memCredStore) Save(ctx context.Context, cred providers.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := strings.ToLower(cred.ProviderID)
	for i := range m.creds {
		if strings.ToLower(m.creds[i].ProviderID) == id {
			m.creds[i] = cred
			return nil
		}
	}
	m.creds = append(m.creds, cred)
	return nil
}

func (m *memCredStore) Remove(ctx context.Context, providerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := strings.ToLower(providerID)
	for i := range m.creds {
		if strings.ToLower(m.creds[i].ProviderID) == id {
			m.creds = append(m.creds[:i], m.creds[i+1:]...)
			return nil
		}
	}
	return nil
}

type stubScanner struct {
	creds []providers.Credential
	err   error
}

func (s *stubScanner) Scan(ctx context.Context) ([]providers.Credential, error) {
	return s.creds, s.err
}

type serverFixture struct {
	srv     *Server
	usage   *store.MemoryStore
	creds   *memCredStore
	handler http.Handler
}

func newTestServer(t *testing.T, mutate func(*Options)) *serverFixture {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Agent.DataDir = t.TempDir()

	logger, err := logging.New(logging.Config{Level: "error", Writer: io.Discard})
	if err != nil {
		t.Fatalf("logging.New failed: %v", err)
	}

	registry := providers.NewRegistry()
	adapter := &stubProvider{
		def: providers.MustDefinition("alpha", "Alpha"),
		fetch: func(ctx context.Context, cred providers.Credential) ([]usage.ProviderUsage, error) {
			return []usage.ProviderUsage{{
				ProviderID:         "alpha",
				ProviderName:       "Alpha",
				RequestsPercentage: 42,
				IsAvailable:        true,
			}}, nil
		},
	}
	if err := registry.Register(adapter); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	usageStore := store.NewMemoryStore()
	creds := &memCredStore{creds: []providers.Credential{
		{ProviderID: "alpha", APIKey: "sk-alpha-key-1234"},
	}}
	met := metrics.New(prometheus.NewRegistry())
	orch := orchestrator.New(registry, creds, usageStore, logger, met, orchestrator.Config{})

	opts := Options{
		Config:       cfg,
		Orchestrator: orch,
		UsageStore:   usageStore,
		Credentials:  creds,
		Logger:       logger,
		Metrics:      met,
		Version:      "test",
	}
	if mutate != nil {
		mutate(&opts)
	}

	srv := New(opts)
	return &serverFixture{
		srv:     srv,
		usage:   usageStore,
		creds:   creds,
		handler: srv.Handler(),
	}
}

func (f *serverFixture) do(t *testing.T, method, target string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func appendSample(t *testing.T, s *store.MemoryStore, id string, fetchedAt time.Time, used float64) {
	t.Helper()
	err := s.Append(context.Background(), usage.ProviderUsage{
		ProviderID:         id,
		RequestsPercentage: used,
		Used:               used,
		Available:          100,
		IsAvailable:        true,
		FetchedAt:          fetchedAt,
	})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
}

// ============================================================================
// Read Endpoint Tests
// ============================================================================

func TestUsageEndpoint_ServesStoreBeforeFirstRefresh(t *testing.T) {
	f := newTestServer(t, nil)
	appendSample(t, f.usage, "alpha", time.Now().Add(-time.Minute), 30)

	rec := f.do(t, http.MethodGet, "/api/usage", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	records := decode[[]usage.ProviderUsage](t, rec)
	if len(records) != 1 || records[0].ProviderID != "alpha" {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestUsageEndpoint_EmptyStoreReturnsEmptyList(t *testing.T) {
	f := newTestServer(t, nil)

	rec := f.do(t, http.MethodGet, "/api/usage", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Errorf("body = %q, want empty JSON list", body)
	}
}

func TestUsageByID_NotFound(t *testing.T) {
	f := newTestServer(t, nil)

	rec := f.do(t, http.MethodGet, "/api/usage/ghost", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestUsageByID_OnDemandFetch(t *testing.T) {
	f := newTestServer(t, nil)

	// The store is empty; ?refresh=true must fetch live instead of 404ing.
	rec := f.do(t, http.MethodGet, "/api/usage/alpha?refresh=true", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	records := decode[[]usage.ProviderUsage](t, rec)
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	if records[0].ProviderID != "alpha" || records[0].RequestsPercentage != 42 {
		t.Errorf("unexpected record: %+v", records[0])
	}
}

func TestUsageByID_OnDemandFetch_UnknownProvider(t *testing.T) {
	f := newTestServer(t, nil)

	rec := f.do(t, http.MethodGet, "/api/usage/ghost?refresh=true", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHistoryEndpoint_Limit(t *testing.T) {
	f := newTestServer(t, nil)
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		appendSample(t, f.usage, "alpha", base.Add(time.Duration(i)*time.Minute), float64(10*i))
	}

	rec := f.do(t, http.MethodGet, "/api/history/alpha?limit=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	records := decode[[]usage.ProviderUsage](t, rec)
	if len(records) != 2 {
		t.Fatalf("len = %d, want 2", len(records))
	}
	// Newest two, ascending.
	if records[0].Used != 30 || records[1].Used != 40 {
		t.Errorf("unexpected window: %+v", records)
	}
}

func TestHistoryEndpoint_InvalidLimit(t *testing.T) {
	f := newTestServer(t, nil)

	rec := f.do(t, http.MethodGet, "/api/history?limit=banana", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestForecastEndpoint_NoHistory(t *testing.T) {
	f := newTestServer(t, nil)

	rec := f.do(t, http.MethodGet, "/api/forecast/alpha", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	resp := decode[forecastResponse](t, rec)
	if resp.ProviderID != "alpha" {
		t.Errorf("ProviderID = %q", resp.ProviderID)
	}
	if resp.Forecast.IsAvailable {
		t.Error("forecast should be unavailable with no history")
	}
	// Empty history is the <2-samples case for the burn-rate math.
	if resp.Forecast.UnavailableReason != usage.ReasonInsufficientHistory {
		t.Errorf("reason = %q, want %q",
			resp.Forecast.UnavailableReason, usage.ReasonInsufficientHistory)
	}
}

func TestReliabilityEndpoint(t *testing.T) {
	f := newTestServer(t, nil)
	base := time.Now().Add(-time.Hour)
	appendSample(t, f.usage, "alpha", base, 10)
	appendSample(t, f.usage, "alpha", base.Add(10*time.Minute), 20)

	rec := f.do(t, http.MethodGet, "/api/reliability/alpha", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	resp := decode[reliabilityResponse](t, rec)
	if resp.Reliability.SampleCount != 2 || resp.Reliability.SuccessCount != 2 {
		t.Errorf("unexpected reliability: %+v", resp.Reliability)
	}
}

// ============================================================================
// Control Endpoint Tests
// ============================================================================

func TestHealthEndpoint(t *testing.T) {
	f := newTestServer(t, nil)

	rec := f.do(t, http.MethodGet, "/api/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	resp := decode[healthResponse](t, rec)
	if resp.Status != "ok" {
		t.Errorf("Status = %q", resp.Status)
	}
	if resp.PID <= 0 {
		t.Errorf("PID = %d", resp.PID)
	}
	if resp.Version != "test" {
		t.Errorf("Version = %q", resp.Version)
	}
}

func TestHealthEndpoint_ComponentChecks(t *testing.T) {
	checker := health.NewChecker(0)
	checker.Register("store", func(ctx context.Context) error { return nil })
	checker.Register("credentials", func(ctx context.Context) error {
		return errors.New("file unreadable")
	})
	f := newTestServer(t, func(o *Options) { o.Health = checker })

	rec := f.do(t, http.MethodGet, "/api/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, degraded health must still answer 200", rec.Code)
	}

	resp := decode[healthResponse](t, rec)
	if resp.Status != "degraded" {
		t.Errorf("Status = %q, want degraded", resp.Status)
	}
	if resp.Components["store"].Status != "ok" {
		t.Errorf("store component = %+v", resp.Components["store"])
	}
	if resp.Components["credentials"].Message != "file unreadable" {
		t.Errorf("credentials component = %+v", resp.Components["credentials"])
	}
}

func TestDiagnosticsEndpoint_ListsRoutes(t *testing.T) {
	f := newTestServer(t, nil)

	rec := f.do(t, http.MethodGet, "/api/diagnostics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	resp := decode[diagnosticsResponse](t, rec)
	paths := make(map[string]bool, len(resp.Routes))
	for _, rt := range resp.Routes {
		paths[rt.Path] = true
	}
	for _, want := range []string{"/api/usage", "/api/refresh", "/api/forecast/{id}", "/metrics"} {
		if !paths[want] {
			t.Errorf("route %q missing from diagnostics", want)
		}
	}
}

func TestRefreshEndpoint(t *testing.T) {
	f := newTestServer(t, nil)

	rec := f.do(t, http.MethodPost, "/api/refresh", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	records := decode[[]usage.ProviderUsage](t, rec)
	if len(records) != 1 || records[0].ProviderID != "alpha" {
		t.Fatalf("unexpected records: %+v", records)
	}

	// The refresh persisted a sample.
	latest, err := f.usage.LatestFor(context.Background(), "alpha")
	if err != nil || latest == nil {
		t.Fatalf("LatestFor after refresh: %v, %v", latest, err)
	}
}

func TestRefreshEndpoint_RateLimited(t *testing.T) {
	f := newTestServer(t, func(opts *Options) {
		opts.Config.Server.RefreshRatePerMinute = 1
		opts.Config.Server.RefreshBurst = 1
	})

	if rec := f.do(t, http.MethodPost, "/api/refresh", nil); rec.Code != http.StatusOK {
		t.Fatalf("first refresh status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/refresh", nil); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second refresh status = %d, want 429", rec.Code)
	}
}

func TestScanKeysEndpoint(t *testing.T) {
	f := newTestServer(t, func(opts *Options) {
		opts.Scanner = &stubScanner{creds: []providers.Credential{
			{ProviderID: "alpha", APIKey: "sk-already-stored", AuthSource: "env"},
			{ProviderID: "beta", APIKey: "sk-new-discovery", AuthSource: "env"},
		}}
	})

	rec := f.do(t, http.MethodPost, "/api/scan-keys", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	resp := decode[scanKeysResponse](t, rec)
	if resp.Found != 2 {
		t.Errorf("Found = %d, want 2", resp.Found)
	}
	if resp.Saved != 1 {
		t.Errorf("Saved = %d, want 1 (alpha already stored)", resp.Saved)
	}

	stored, _ := f.creds.Load(context.Background())
	if len(stored) != 2 {
		t.Fatalf("stored = %+v", stored)
	}
	// The pre-existing alpha key must not be clobbered by the scan.
	for _, cred := range stored {
		if cred.ProviderID == "alpha" && cred.APIKey != "sk-alpha-key-1234" {
			t.Errorf("alpha key overwritten: %q", cred.APIKey)
		}
	}
}

func TestScanKeysEndpoint_NoScanner(t *testing.T) {
	f := newTestServer(t, nil)

	rec := f.do(t, http.MethodPost, "/api/scan-keys", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestConfigEndpoints(t *testing.T) {
	f := newTestServer(t, nil)

	// List redacts key material.
	rec := f.do(t, http.MethodGet, "/api/config", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	listed := decode[[]providers.Credential](t, rec)
	if len(listed) != 1 || listed[0].APIKey != "sk-a***" {
		t.Fatalf("unexpected listing: %+v", listed)
	}

	// Save a new credential.
	body := strings.NewReader(`{"provider_id": "beta", "api_key": "sk-beta-key"}`)
	rec = f.do(t, http.MethodPost, "/api/config", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("save status = %d: %s", rec.Code, rec.Body.String())
	}
	saved := decode[providers.Credential](t, rec)
	if saved.APIKey == "sk-beta-key" {
		t.Error("response echoed the raw key")
	}

	// Delete it again.
	rec = f.do(t, http.MethodDelete, "/api/config/beta", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	stored, _ := f.creds.Load(context.Background())
	if len(stored) != 1 {
		t.Fatalf("stored after delete = %+v", stored)
	}
}

func TestConfigSave_MissingProviderID(t *testing.T) {
	f := newTestServer(t, nil)

	rec := f.do(t, http.MethodPost, "/api/config", strings.NewReader(`{"api_key": "sk-x"}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

// ============================================================================
// Middleware and Metrics Tests
// ============================================================================

func TestRequestIDHeader(t *testing.T) {
	f := newTestServer(t, nil)

	rec := f.do(t, http.MethodGet, "/api/health", nil)
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("response missing X-Request-ID")
	}

	// A client-supplied ID is echoed back.
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set(RequestIDHeader, "caller-chosen")
	out := httptest.NewRecorder()
	f.handler.ServeHTTP(out, req)
	if got := out.Header().Get(RequestIDHeader); got != "caller-chosen" {
		t.Errorf("request id = %q, want caller-chosen", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newTestServer(t, nil)

	rec := f.do(t, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestMetricsEndpoint_Disabled(t *testing.T) {
	f := newTestServer(t, func(opts *Options) {
		opts.Config.Telemetry.Metrics.Disabled = true
	})

	rec := f.do(t, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

// ============================================================================
// Lifecycle Tests
// ============================================================================

func TestStartBindsAndShutsDown(t *testing.T) {
	f := newTestServer(t, func(opts *Options) {
		opts.Config.Server.Port = 0 // any free port
		opts.Config.Server.PortScanRange = 1
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := f.srv.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if f.srv.Port() <= 0 {
		t.Errorf("Port = %d after bind", f.srv.Port())
	}
	if !f.srv.IsRunning() {
		t.Error("IsRunning = false after Start")
	}

	if err := f.srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if f.srv.IsRunning() {
		t.Error("IsRunning = true after Shutdown")
	}
}
