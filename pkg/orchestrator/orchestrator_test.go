package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"quotawatch/pkg/credstore"
	"quotawatch/pkg/providers"
	"quotawatch/pkg/store"
	"quotawatch/pkg/usage"
)

// ============================================================================
// Test Doubles
// ============================================================================

type fakeAdapter struct {
	def   providers.Definition
	fetch func(ctx context.Context, cred providers.Credential) ([]usage.ProviderUsage, error)

	calls atomic.Int32
}

func newFakeAdapter(id string, opts ...providers.DefinitionOption) *fakeAdapter {
	return &fakeAdapter{def: providers.MustDefinition(id, strings.ToUpper(id[:1])+id[1:], opts...)}
}

func (f *fakeAdapter) ProviderID() string               { return f.def.ID }
func (f *fakeAdapter) Definition() providers.Definition { return f.def }
func (f *fakeAdapter) CanHandle(id string) bool         { return f.def.HandlesProviderID(id) }

func (f *fakeAdapter) FetchUsage(ctx context.Context, cred providers.Credential) ([]usage.ProviderUsage, error) {
	f.calls.Add(1)
	if f.fetch != nil {
		return f.fetch(ctx, cred)
	}
	return []usage.ProviderUsage{{
		ProviderID:  f.def.ID,
		Used:        10,
		Available:   100,
		IsAvailable: true,
		FetchedAt:   time.Now().UTC(),
	}}, nil
}

type fakeCredStore struct {
	mu    sync.Mutex
	creds []providers.Credential
	loads int
}

func (f *fakeCredStore) Load(ctx context.Context) ([]providers.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	return providers.CloneAll(f.creds), nil
}

func (f *fakeCredStore) Save(ctx context.Context, cred providers.Credential) error { return nil }
func (f *fakeCredStore) Remove(ctx context.Context, id string) error               { return nil }

func (f *fakeCredStore) loadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads
}

var _ credstore.Store = (*fakeCredStore)(nil)

func newTestOrchestrator(t *testing.T, adapters []providers.Provider, creds []providers.Credential, cfg Config) (*Orchestrator, *fakeCredStore) {
	t.Helper()

	registry := providers.NewRegistry()
	for _, a := range adapters {
		if err := registry.Register(a); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}
	cs := &fakeCredStore{creds: creds}
	return New(registry, cs, nil, nil, nil, cfg), cs
}

// ============================================================================
// Refresh Coalescing Tests
// ============================================================================

func TestRefreshAll_ConcurrentCallersCoalesce(t *testing.T) {
	release := make(chan struct{})
	adapter := newFakeAdapter("slow")
	adapter.fetch = func(ctx context.Context, cred providers.Credential) ([]usage.ProviderUsage, error) {
		<-release
		return []usage.ProviderUsage{{ProviderID: "slow", IsAvailable: true, FetchedAt: time.Now()}}, nil
	}

	o, _ := newTestOrchestrator(t,
		[]providers.Provider{adapter},
		[]providers.Credential{{ProviderID: "slow", APIKey: "k"}},
		Config{},
	)

	const callers = 5
	var wg sync.WaitGroup
	results := make([][]usage.ProviderUsage, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = o.RefreshAll(context.Background(), RefreshOptions{Force: true})
		}(i)
	}

	// Let every caller reach the coalescing point before the fetch
	// completes.
	time.Sleep(200 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Errorf("caller %d got error: %v", i, errs[i])
		}
		if len(results[i]) != 1 {
			t.Errorf("caller %d got %d records, want 1", i, len(results[i]))
		}
	}
	if n := adapter.calls.Load(); n != 1 {
		t.Errorf("adapter was fetched %d times for %d concurrent callers, want 1", n, callers)
	}
}

func TestRefreshAll_NonForceServesSnapshot(t *testing.T) {
	adapter := newFakeAdapter("p")
	o, _ := newTestOrchestrator(t,
		[]providers.Provider{adapter},
		[]providers.Credential{{ProviderID: "p", APIKey: "k"}},
		Config{},
	)

	if _, err := o.RefreshAll(context.Background(), RefreshOptions{Force: true}); err != nil {
		t.Fatalf("first refresh failed: %v", err)
	}
	if _, err := o.RefreshAll(context.Background(), RefreshOptions{Force: false}); err != nil {
		t.Fatalf("second refresh failed: %v", err)
	}

	if n := adapter.calls.Load(); n != 1 {
		t.Errorf("non-forced refresh hit the adapter (calls = %d)", n)
	}
}

func TestRefreshAll_SnapshotIsACopy(t *testing.T) {
	adapter := newFakeAdapter("p")
	o, _ := newTestOrchestrator(t,
		[]providers.Provider{adapter},
		[]providers.Credential{{ProviderID: "p", APIKey: "k"}},
		Config{},
	)

	res, err := o.RefreshAll(context.Background(), RefreshOptions{Force: true})
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	res[0].Description = "mutated by caller"

	snap := o.LastUsages()
	if snap[0].Description == "mutated by caller" {
		t.Error("caller mutation leaked into the snapshot")
	}
}

// ============================================================================
// Error Taxonomy Tests
// ============================================================================

func TestFetch_TimeoutProducesGatewayTimeoutRecord(t *testing.T) {
	adapter := newFakeAdapter("stuck")
	adapter.fetch = func(ctx context.Context, cred providers.Credential) ([]usage.ProviderUsage, error) {
		time.Sleep(2 * time.Second)
		return nil, nil
	}

	o, _ := newTestOrchestrator(t,
		[]providers.Provider{adapter},
		[]providers.Credential{{ProviderID: "stuck", APIKey: "k"}},
		Config{FetchTimeout: 50 * time.Millisecond},
	)

	res, err := o.RefreshAll(context.Background(), RefreshOptions{Force: true})
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if len(res) != 1 {
		t.Fatalf("got %d records, want 1", len(res))
	}
	rec := res[0]
	if rec.IsAvailable {
		t.Error("timed-out record flagged available")
	}
	if rec.HTTPStatus != http.StatusGatewayTimeout {
		t.Errorf("HTTPStatus = %d, want 504", rec.HTTPStatus)
	}
	if !strings.Contains(rec.Description, "Timed out") {
		t.Errorf("Description = %q", rec.Description)
	}
}

func TestFetch_ConfigErrorProducesUnavailableRecord(t *testing.T) {
	adapter := newFakeAdapter("misconfigured")
	adapter.fetch = func(ctx context.Context, cred providers.Credential) ([]usage.ProviderUsage, error) {
		return nil, providers.NewConfigError("misconfigured", "api_key", "API key is required")
	}

	o, _ := newTestOrchestrator(t,
		[]providers.Provider{adapter},
		[]providers.Credential{{ProviderID: "misconfigured"}},
		Config{},
	)

	res, err := o.RefreshAll(context.Background(), RefreshOptions{Force: true})
	if err != nil {
		t.Fatalf("config error should not fail the batch: %v", err)
	}
	rec := res[0]
	if rec.IsAvailable {
		t.Error("misconfigured record flagged available")
	}
	if !strings.Contains(rec.Description, "API key is required") {
		t.Errorf("Description = %q", rec.Description)
	}
}

func TestFetch_UnexpectedErrorRecord(t *testing.T) {
	boom := errors.New("connection reset")
	adapter := newFakeAdapter("flaky")
	adapter.fetch = func(ctx context.Context, cred providers.Credential) ([]usage.ProviderUsage, error) {
		return nil, boom
	}

	o, _ := newTestOrchestrator(t,
		[]providers.Provider{adapter},
		[]providers.Credential{{ProviderID: "flaky", APIKey: "k"}},
		Config{},
	)

	// With a callback, the error stays embodied in the record.
	var seen []usage.ProviderUsage
	var mu sync.Mutex
	res, err := o.RefreshAll(context.Background(), RefreshOptions{
		Force: true,
		OnResult: func(u usage.ProviderUsage) {
			mu.Lock()
			seen = append(seen, u)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("batch failed despite callback: %v", err)
	}
	rec := res[0]
	if !rec.IsAvailable {
		t.Error("unexpected-error record should stay flagged available")
	}
	if rec.HTTPStatus != http.StatusInternalServerError {
		t.Errorf("HTTPStatus = %d, want 500", rec.HTTPStatus)
	}
	if !strings.HasPrefix(rec.Description, "[Error]") {
		t.Errorf("Description = %q, want [Error] prefix", rec.Description)
	}
	mu.Lock()
	if len(seen) != 1 {
		t.Errorf("callback saw %d records, want 1", len(seen))
	}
	mu.Unlock()
}

func TestSingleProviderUsage_ErrorPropagatesWithoutCallback(t *testing.T) {
	boom := errors.New("connection reset")
	adapter := newFakeAdapter("flaky")
	adapter.fetch = func(ctx context.Context, cred providers.Credential) ([]usage.ProviderUsage, error) {
		return nil, boom
	}

	o, _ := newTestOrchestrator(t,
		[]providers.Provider{adapter},
		[]providers.Credential{{ProviderID: "flaky", APIKey: "k"}},
		Config{},
	)

	res, err := o.SingleProviderUsage(context.Background(), "flaky")
	if !errors.Is(err, boom) {
		t.Errorf("error = %v, want propagated %v", err, boom)
	}
	if len(res) != 1 || !strings.HasPrefix(res[0].Description, "[Error]") {
		t.Errorf("records = %+v", res)
	}
}

func TestFetch_PanicIsRecovered(t *testing.T) {
	adapter := newFakeAdapter("crasher")
	adapter.fetch = func(ctx context.Context, cred providers.Credential) ([]usage.ProviderUsage, error) {
		panic("nil map write")
	}

	o, _ := newTestOrchestrator(t,
		[]providers.Provider{adapter},
		[]providers.Credential{{ProviderID: "crasher", APIKey: "k"}},
		Config{},
	)

	res, err := o.RefreshAll(context.Background(), RefreshOptions{Force: true})
	if err != nil {
		t.Fatalf("panic should not fail the batch: %v", err)
	}
	if !strings.Contains(res[0].Description, "panicked") {
		t.Errorf("Description = %q", res[0].Description)
	}
}

func TestFetch_MissingAdapterRecord(t *testing.T) {
	o, _ := newTestOrchestrator(t,
		nil,
		[]providers.Credential{{ProviderID: "ghost", APIKey: "k"}},
		Config{},
	)

	res, err := o.RefreshAll(context.Background(), RefreshOptions{Force: true})
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if len(res) != 1 || res[0].IsAvailable {
		t.Fatalf("records = %+v", res)
	}
	if !strings.Contains(res[0].Description, "No integration") {
		t.Errorf("Description = %q", res[0].Description)
	}
}

func TestFetch_CredentialPlanStampsRecord(t *testing.T) {
	o, _ := newTestOrchestrator(t,
		nil,
		[]providers.Credential{{ProviderID: "ghost", APIKey: "k", Plan: usage.PlanCoding}},
		Config{},
	)

	res, err := o.RefreshAll(context.Background(), RefreshOptions{Force: true})
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if len(res) != 1 {
		t.Fatalf("records = %d, want 1", len(res))
	}
	if res[0].Plan != usage.PlanCoding {
		t.Errorf("Plan = %q, want %q", res[0].Plan, usage.PlanCoding)
	}
}

func TestFetch_InvalidDetailRowFlagsRecord(t *testing.T) {
	adapter := newFakeAdapter("sloppy")
	adapter.fetch = func(ctx context.Context, cred providers.Credential) ([]usage.ProviderUsage, error) {
		return []usage.ProviderUsage{{
			ProviderID:  "sloppy",
			IsAvailable: true,
			Description: "session quota",
			FetchedAt:   time.Now().UTC(),
			Details: []usage.ProviderUsageDetail{
				{Name: "5h window", UsedValue: "40%", Type: usage.DetailQuotaWindow, Window: usage.WindowPrimary},
				{Name: "mystery", UsedValue: "?"},
			},
		}}, nil
	}

	o, _ := newTestOrchestrator(t,
		[]providers.Provider{adapter},
		[]providers.Credential{{ProviderID: "sloppy", APIKey: "k"}},
		Config{},
	)

	res, err := o.RefreshAll(context.Background(), RefreshOptions{Force: true})
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if len(res) != 1 {
		t.Fatalf("records = %d, want 1", len(res))
	}
	if !strings.HasPrefix(res[0].Description, "[Invalid details: 1]") {
		t.Errorf("Description = %q, want invalid-details annotation", res[0].Description)
	}
	if !strings.Contains(res[0].Description, "session quota") {
		t.Errorf("Description = %q, original text should survive", res[0].Description)
	}
}

// ============================================================================
// Credential Assembly Tests
// ============================================================================

func TestRefreshAll_AutoIncludeSynthesis(t *testing.T) {
	adapter := newFakeAdapter("status", providers.WithAutoInclude())

	o, _ := newTestOrchestrator(t, []providers.Provider{adapter}, nil, Config{})

	res, err := o.RefreshAll(context.Background(), RefreshOptions{Force: true})
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if len(res) != 1 || res[0].ProviderID != "status" {
		t.Fatalf("auto-include did not synthesize a credential: %+v", res)
	}
	if res[0].AuthSource != "auto" {
		t.Errorf("AuthSource = %q, want auto", res[0].AuthSource)
	}
}

func TestRefreshAll_AutoIncludeDoesNotShadowStoredCredential(t *testing.T) {
	var gotKey atomic.Value
	adapter := newFakeAdapter("status", providers.WithAutoInclude())
	adapter.fetch = func(ctx context.Context, cred providers.Credential) ([]usage.ProviderUsage, error) {
		gotKey.Store(cred.APIKey)
		return []usage.ProviderUsage{{ProviderID: "status", IsAvailable: true, FetchedAt: time.Now()}}, nil
	}

	o, _ := newTestOrchestrator(t,
		[]providers.Provider{adapter},
		[]providers.Credential{{ProviderID: "status", APIKey: "stored-key"}},
		Config{},
	)

	if _, err := o.RefreshAll(context.Background(), RefreshOptions{Force: true}); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if adapter.calls.Load() != 1 {
		t.Fatalf("adapter fetched %d times, want 1", adapter.calls.Load())
	}
	if gotKey.Load() != "stored-key" {
		t.Errorf("fetch used key %q, want the stored credential", gotKey.Load())
	}
}

func TestRefreshAll_IncludeIDsFilter(t *testing.T) {
	a := newFakeAdapter("alpha")
	b := newFakeAdapter("beta")

	o, _ := newTestOrchestrator(t,
		[]providers.Provider{a, b},
		[]providers.Credential{
			{ProviderID: "alpha", APIKey: "k"},
			{ProviderID: "beta", APIKey: "k"},
		},
		Config{},
	)

	res, err := o.RefreshAll(context.Background(), RefreshOptions{
		Force:      true,
		IncludeIDs: []string{"BETA"},
	})
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if len(res) != 1 || res[0].ProviderID != "beta" {
		t.Fatalf("filtered records = %+v", res)
	}
	if a.calls.Load() != 0 {
		t.Error("filtered-out adapter was fetched")
	}
}

func TestRefreshAll_OverridesReplaceStored(t *testing.T) {
	adapter := newFakeAdapter("p")
	var gotKey atomic.Value
	adapter.fetch = func(ctx context.Context, cred providers.Credential) ([]usage.ProviderUsage, error) {
		gotKey.Store(cred.APIKey)
		return []usage.ProviderUsage{{ProviderID: "p", IsAvailable: true, FetchedAt: time.Now()}}, nil
	}

	o, cs := newTestOrchestrator(t,
		[]providers.Provider{adapter},
		[]providers.Credential{{ProviderID: "p", APIKey: "stored"}},
		Config{},
	)

	_, err := o.RefreshAll(context.Background(), RefreshOptions{
		Force:     true,
		Overrides: []providers.Credential{{ProviderID: "p", APIKey: "override"}},
	})
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if gotKey.Load() != "override" {
		t.Errorf("fetch used key %q, want the override", gotKey.Load())
	}
	if cs.loadCount() != 0 {
		t.Errorf("overrides should not touch the credential store (loads = %d)", cs.loadCount())
	}
}

// ============================================================================
// Credential Cache Tests
// ============================================================================

func TestCredentials_CacheWithinTTL(t *testing.T) {
	o, cs := newTestOrchestrator(t, nil,
		[]providers.Credential{{ProviderID: "p", APIKey: "k"}},
		Config{CredentialTTL: time.Minute},
	)
	ctx := context.Background()

	if _, err := o.Credentials(ctx, false); err != nil {
		t.Fatalf("Credentials failed: %v", err)
	}
	if _, err := o.Credentials(ctx, false); err != nil {
		t.Fatalf("Credentials failed: %v", err)
	}

	if cs.loadCount() != 1 {
		t.Errorf("store loaded %d times within TTL, want 1", cs.loadCount())
	}
}

func TestCredentials_ForceReloads(t *testing.T) {
	o, cs := newTestOrchestrator(t, nil, nil, Config{CredentialTTL: time.Minute})
	ctx := context.Background()

	if _, err := o.Credentials(ctx, false); err != nil {
		t.Fatal(err)
	}
	if _, err := o.Credentials(ctx, true); err != nil {
		t.Fatal(err)
	}

	if cs.loadCount() != 2 {
		t.Errorf("store loaded %d times, want 2 with force", cs.loadCount())
	}
}

func TestInvalidateCredentials(t *testing.T) {
	o, cs := newTestOrchestrator(t, nil, nil, Config{CredentialTTL: time.Minute})
	ctx := context.Background()

	if _, err := o.Credentials(ctx, false); err != nil {
		t.Fatal(err)
	}
	o.InvalidateCredentials()
	if _, err := o.Credentials(ctx, false); err != nil {
		t.Fatal(err)
	}

	if cs.loadCount() != 2 {
		t.Errorf("store loaded %d times after invalidation, want 2", cs.loadCount())
	}
}

// ============================================================================
// SingleProviderUsage Tests
// ============================================================================

func TestSingleProviderUsage_UnknownProvider(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil, nil, Config{})

	_, err := o.SingleProviderUsage(context.Background(), "nonexistent")
	if !errors.Is(err, ErrProviderNotFound) {
		t.Errorf("error = %v, want ErrProviderNotFound", err)
	}
}

func TestSingleProviderUsage_ChildIDResolvesParentCredential(t *testing.T) {
	adapter := newFakeAdapter("codex", providers.WithChildIDs())
	var gotKey atomic.Value
	adapter.fetch = func(ctx context.Context, cred providers.Credential) ([]usage.ProviderUsage, error) {
		gotKey.Store(cred.APIKey)
		return []usage.ProviderUsage{{ProviderID: "codex", IsAvailable: true, FetchedAt: time.Now()}}, nil
	}

	o, _ := newTestOrchestrator(t,
		[]providers.Provider{adapter},
		[]providers.Credential{{ProviderID: "codex", APIKey: "parent-key"}},
		Config{},
	)

	if _, err := o.SingleProviderUsage(context.Background(), "codex.spark"); err != nil {
		t.Fatalf("SingleProviderUsage failed: %v", err)
	}
	if gotKey.Load() != "parent-key" {
		t.Errorf("child id fetch used key %q, want the parent's", gotKey.Load())
	}
}

// ============================================================================
// Concurrency Gate Tests
// ============================================================================

func TestRefreshAll_ConcurrencyGateBoundsFetches(t *testing.T) {
	const permits = 2
	var inflight, peak atomic.Int32

	var adapters []providers.Provider
	var creds []providers.Credential
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("provider%d", i)
		a := newFakeAdapter(id)
		a.fetch = func(ctx context.Context, cred providers.Credential) ([]usage.ProviderUsage, error) {
			n := inflight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(50 * time.Millisecond)
			inflight.Add(-1)
			return []usage.ProviderUsage{{ProviderID: cred.ProviderID, IsAvailable: true, FetchedAt: time.Now()}}, nil
		}
		adapters = append(adapters, a)
		creds = append(creds, providers.Credential{ProviderID: id, APIKey: "k"})
	}

	o, _ := newTestOrchestrator(t, adapters, creds, Config{Concurrency: permits})

	res, err := o.RefreshAll(context.Background(), RefreshOptions{Force: true})
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if len(res) != 6 {
		t.Errorf("got %d records, want 6", len(res))
	}
	if p := peak.Load(); p > permits {
		t.Errorf("peak concurrent fetches = %d, want <= %d", p, permits)
	}
}

// ============================================================================
// Persistence and Normalization Tests
// ============================================================================

func TestRefreshAll_PersistsToStore(t *testing.T) {
	registry := providers.NewRegistry()
	adapter := newFakeAdapter("p")
	if err := registry.Register(adapter); err != nil {
		t.Fatal(err)
	}
	mem := store.NewMemoryStore()
	cs := &fakeCredStore{creds: []providers.Credential{{ProviderID: "p", APIKey: "k"}}}

	o := New(registry, cs, mem, nil, nil, Config{})

	if _, err := o.RefreshAll(context.Background(), RefreshOptions{Force: true}); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	got, err := mem.LatestFor(context.Background(), "p")
	if err != nil {
		t.Fatalf("LatestFor failed: %v", err)
	}
	if got == nil || got.Used != 10 {
		t.Errorf("persisted sample = %+v", got)
	}
}

func TestNormalize_FillsEnvelopeFields(t *testing.T) {
	adapter := newFakeAdapter("bare")
	adapter.fetch = func(ctx context.Context, cred providers.Credential) ([]usage.ProviderUsage, error) {
		// Adapter leaves the envelope blank and over-reports the
		// percentage.
		return []usage.ProviderUsage{{RequestsPercentage: 140, IsAvailable: true}}, nil
	}

	o, _ := newTestOrchestrator(t,
		[]providers.Provider{adapter},
		[]providers.Credential{{ProviderID: "bare", APIKey: "k", AuthSource: "config"}},
		Config{},
	)

	res, err := o.RefreshAll(context.Background(), RefreshOptions{Force: true})
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	rec := res[0]
	if rec.ProviderID != "bare" {
		t.Errorf("ProviderID = %q", rec.ProviderID)
	}
	if rec.ProviderName == "" {
		t.Error("ProviderName not filled")
	}
	if rec.AuthSource != "config" {
		t.Errorf("AuthSource = %q, want credential's", rec.AuthSource)
	}
	if rec.FetchedAt.IsZero() {
		t.Error("FetchedAt not stamped")
	}
	if rec.RequestsPercentage != 100 {
		t.Errorf("RequestsPercentage = %v, want clamped 100", rec.RequestsPercentage)
	}
}
