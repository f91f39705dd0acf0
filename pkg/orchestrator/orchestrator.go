// Package orchestrator drives refresh cycles: it fans provider fetches out
// under bounded concurrency, normalizes and collects the results, keeps the
// latest snapshot for readers, and appends every record to the usage store.
//
// Concurrent refresh requests coalesce onto a single in-flight cycle, so a
// UI poll, the scheduler tick and a manual trigger arriving together cost
// one round of provider calls, not three.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"quotawatch/pkg/credstore"
	"quotawatch/pkg/providers"
	"quotawatch/pkg/store"
	"quotawatch/pkg/telemetry/logging"
	"quotawatch/pkg/telemetry/metrics"
	"quotawatch/pkg/usage"
)

const (
	defaultFetchTimeout  = 25 * time.Second
	defaultCredentialTTL = 5 * time.Second
	defaultConcurrency   = 6
)

// ErrProviderNotFound is returned by SingleProviderUsage when neither a
// stored credential nor an auto-included definition matches the id.
var ErrProviderNotFound = errors.New("provider not found")

// Config tunes the orchestrator.
type Config struct {
	// FetchTimeout bounds one provider fetch. Default 25s.
	FetchTimeout time.Duration

	// CredentialTTL bounds how long loaded credentials are served from
	// cache. Default 5s.
	CredentialTTL time.Duration

	// Concurrency is the number of provider fetches allowed in flight at
	// once. Default 6.
	Concurrency int
}

// RefreshOptions controls one RefreshAll invocation.
type RefreshOptions struct {
	// Force skips the cached-snapshot shortcut. An in-flight refresh is
	// still joined, never duplicated.
	Force bool

	// OnResult receives each record as soon as its provider answers.
	// When set, per-provider errors are delivered as records only and
	// RefreshAll does not fail the batch for them.
	OnResult providers.ResultCallback

	// IncludeIDs restricts the cycle to the listed provider ids
	// (case-insensitive). Empty means all configured providers.
	IncludeIDs []string

	// Overrides replaces the stored credentials for this cycle.
	Overrides []providers.Credential

	// Trigger labels the cycle for telemetry ("scheduled", "manual",
	// "startup"). Defaults to "manual".
	Trigger string
}

// Stats is a point-in-time view of refresh telemetry, served by the
// diagnostics endpoint.
type Stats struct {
	RefreshCount        int64         `json:"refresh_count"`
	CoalescedCount      int64         `json:"coalesced_count"`
	LastRefreshAt       time.Time     `json:"last_refresh_at"`
	LastRefreshDuration time.Duration `json:"last_refresh_duration_ns"`
	LastProviderCount   int           `json:"last_provider_count"`
}

// refreshCall is the single-slot in-flight cell. Joiners block on done and
// read the shared outcome afterwards.
type refreshCall struct {
	done    chan struct{}
	results []usage.ProviderUsage
	err     error
}

// Orchestrator coordinates provider fetches. Create with New.
type Orchestrator struct {
	registry   *providers.Registry
	creds      credstore.Store
	usageStore store.Store
	logger     *logging.Logger
	metrics    *metrics.Metrics

	fetchTimeout  time.Duration
	credentialTTL time.Duration

	// gate bounds concurrent provider fetches. A permit is held for the
	// full fetch, including calls abandoned on timeout.
	gate chan struct{}

	// credMu guards only the credential cache. Never nested with
	// refreshMu or snapMu.
	credMu      sync.Mutex
	cachedCreds []providers.Credential
	credsLoaded time.Time

	// refreshMu guards only the in-flight cell. Held for pointer swaps,
	// never across fetches.
	refreshMu sync.Mutex
	inflight  *refreshCall

	// snapMu guards the latest result snapshot.
	snapMu     sync.RWMutex
	lastUsages []usage.ProviderUsage

	statsMu sync.Mutex
	stats   Stats

	// notifier receives each completed batch, if set.
	notifier func([]usage.ProviderUsage)

	now func() time.Time
}

// New creates an orchestrator. usageStore and m may be nil (nothing is
// persisted or measured); registry and creds must not be.
func New(registry *providers.Registry, creds credstore.Store, usageStore store.Store,
	logger *logging.Logger, m *metrics.Metrics, cfg Config) *Orchestrator {

	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if cfg.CredentialTTL <= 0 {
		cfg.CredentialTTL = defaultCredentialTTL
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if logger == nil {
		logger, _ = logging.New(logging.Config{Writer: io.Discard})
	}

	return &Orchestrator{
		registry:      registry,
		creds:         creds,
		usageStore:    usageStore,
		logger:        logger,
		metrics:       m,
		fetchTimeout:  cfg.FetchTimeout,
		credentialTTL: cfg.CredentialTTL,
		gate:          make(chan struct{}, cfg.Concurrency),
		now:           time.Now,
	}
}

// SetNotifier installs a hook that receives each completed batch.
// Must be called before the first refresh.
func (o *Orchestrator) SetNotifier(fn func([]usage.ProviderUsage)) {
	o.notifier = fn
}

// Credentials returns the configured credentials, served from a short-TTL
// cache so bursts of refresh traffic do not hammer the store.
func (o *Orchestrator) Credentials(ctx context.Context, force bool) ([]providers.Credential, error) {
	if !force {
		if cached := o.cachedCredentials(); cached != nil {
			return cached, nil
		}
	}

	o.credMu.Lock()
	defer o.credMu.Unlock()

	// Re-check: another caller may have reloaded while we waited.
	if !force && o.cachedCreds != nil && o.now().Sub(o.credsLoaded) < o.credentialTTL {
		return providers.CloneAll(o.cachedCreds), nil
	}

	creds, err := o.creds.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}
	o.cachedCreds = creds
	o.credsLoaded = o.now()
	return providers.CloneAll(creds), nil
}

func (o *Orchestrator) cachedCredentials() []providers.Credential {
	o.credMu.Lock()
	defer o.credMu.Unlock()
	if o.cachedCreds == nil || o.now().Sub(o.credsLoaded) >= o.credentialTTL {
		return nil
	}
	return providers.CloneAll(o.cachedCreds)
}

// InvalidateCredentials drops the credential cache. The file watcher calls
// this when the credential file changes externally.
func (o *Orchestrator) InvalidateCredentials() {
	o.credMu.Lock()
	defer o.credMu.Unlock()
	o.cachedCreds = nil
	o.credsLoaded = time.Time{}
}

// LastUsages returns a copy of the most recent refresh snapshot, or nil
// before the first refresh completes.
func (o *Orchestrator) LastUsages() []usage.ProviderUsage {
	o.snapMu.RLock()
	defer o.snapMu.RUnlock()
	return usage.CloneAll(o.lastUsages)
}

// Stats returns refresh telemetry.
func (o *Orchestrator) Stats() Stats {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	return o.stats
}

// RefreshAll runs (or joins) one refresh cycle.
//
// If a cycle is already in flight the caller blocks until it finishes and
// shares its outcome. Without Force, an existing snapshot short-circuits
// the call. Otherwise a new cycle starts and every concurrent caller
// coalesces onto it.
func (o *Orchestrator) RefreshAll(ctx context.Context, opts RefreshOptions) ([]usage.ProviderUsage, error) {
	o.refreshMu.Lock()
	if call := o.inflight; call != nil {
		o.refreshMu.Unlock()

		o.statsMu.Lock()
		o.stats.CoalescedCount++
		o.statsMu.Unlock()
		if o.metrics != nil {
			o.metrics.RecordCoalesced()
		}

		select {
		case <-call.done:
			return usage.CloneAll(call.results), call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if !opts.Force {
		if snap := o.LastUsages(); snap != nil {
			o.refreshMu.Unlock()
			return snap, nil
		}
	}

	call := &refreshCall{done: make(chan struct{})}
	o.inflight = call
	o.refreshMu.Unlock()

	results, err := o.executeRefresh(ctx, opts)

	call.results = results
	call.err = err

	o.refreshMu.Lock()
	o.inflight = nil
	o.refreshMu.Unlock()
	close(call.done)

	return usage.CloneAll(results), err
}

// executeRefresh runs the actual cycle: credential assembly, bounded
// fan-out, collection, snapshot, persistence, notification.
func (o *Orchestrator) executeRefresh(ctx context.Context, opts RefreshOptions) ([]usage.ProviderUsage, error) {
	start := o.now()
	trigger := opts.Trigger
	if trigger == "" {
		trigger = "manual"
	}

	var creds []providers.Credential
	if opts.Overrides != nil {
		creds = providers.CloneAll(opts.Overrides)
	} else {
		var err error
		creds, err = o.Credentials(ctx, opts.Force)
		if err != nil {
			return nil, err
		}
	}

	creds = o.withAutoIncluded(creds)
	creds = filterByIDs(creds, opts.IncludeIDs)

	o.logger.Debug("Refresh cycle starting",
		"trigger", trigger,
		"providers", len(creds),
	)

	// Fan out one goroutine per credential; the gate inside fetchProvider
	// bounds actual concurrency.
	var wg sync.WaitGroup
	resultCh := make(chan []usage.ProviderUsage, len(creds))
	for _, cred := range creds {
		wg.Add(1)
		go func(cred providers.Credential) {
			defer wg.Done()
			recs, err := o.fetchProvider(ctx, cred, opts.OnResult)
			if err != nil {
				// fetchProvider only propagates when no callback is
				// set; in the bulk path the error is already embodied
				// in the returned records.
				o.logger.Error("Provider fetch failed",
					"provider", cred.ProviderID,
					"error", err,
				)
			}
			resultCh <- recs
		}(cred)
	}
	wg.Wait()
	close(resultCh)

	var all []usage.ProviderUsage
	for recs := range resultCh {
		all = append(all, recs...)
	}

	o.snapMu.Lock()
	o.lastUsages = usage.CloneAll(all)
	o.snapMu.Unlock()

	o.persist(ctx, all)

	if o.notifier != nil {
		o.notifier(usage.CloneAll(all))
	}

	elapsed := o.now().Sub(start)
	o.statsMu.Lock()
	o.stats.RefreshCount++
	o.stats.LastRefreshAt = start
	o.stats.LastRefreshDuration = elapsed
	o.stats.LastProviderCount = len(creds)
	o.statsMu.Unlock()
	if o.metrics != nil {
		o.metrics.RecordRefresh(trigger, elapsed)
	}

	o.logger.Info("Refresh cycle completed",
		"trigger", trigger,
		"providers", len(creds),
		"records", len(all),
		"duration_ms", elapsed.Milliseconds(),
	)

	return all, nil
}

// persist appends every record to the usage store and refreshes the
// per-provider gauges. Store failures are logged, never fatal to the cycle.
func (o *Orchestrator) persist(ctx context.Context, records []usage.ProviderUsage) {
	for i := range records {
		rec := &records[i]
		if o.metrics != nil {
			o.metrics.UpdateProvider(rec.ProviderID, rec.IsAvailable, usage.EffectiveUsedPercent(rec))
		}
		if o.usageStore == nil {
			continue
		}
		if err := o.usageStore.Append(ctx, *rec); err != nil {
			o.logger.Error("Failed to persist usage sample",
				"provider", rec.ProviderID,
				"error", err,
			)
		}
	}
}

// withAutoIncluded appends synthetic zero-key credentials for auto-include
// definitions that have no stored entry.
func (o *Orchestrator) withAutoIncluded(creds []providers.Credential) []providers.Credential {
	have := make(map[string]bool, len(creds))
	for _, c := range creds {
		have[strings.ToLower(c.ProviderID)] = true
	}
	for _, def := range o.registry.AutoInclude() {
		if have[def.ID] {
			continue
		}
		creds = append(creds, providers.Credential{
			ProviderID: def.ID,
			ConfigType: def.DefaultConfigType,
			Plan:       def.Plan,
			AuthSource: "auto",
		})
	}
	return creds
}

func filterByIDs(creds []providers.Credential, ids []string) []providers.Credential {
	if len(ids) == 0 {
		return creds
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[strings.ToLower(strings.TrimSpace(id))] = true
	}
	out := creds[:0]
	for _, c := range creds {
		if want[strings.ToLower(c.ProviderID)] {
			out = append(out, c)
		}
	}
	return out
}

// SingleProviderUsage fetches one provider immediately, bypassing
// coalescing. It resolves a stored credential for the id, or synthesizes
// one for an auto-include definition; without either it returns
// ErrProviderNotFound. Errors propagate to the caller.
func (o *Orchestrator) SingleProviderUsage(ctx context.Context, providerID string) ([]usage.ProviderUsage, error) {
	cred, ok, err := o.resolveCredential(ctx, providerID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, providerID)
	}
	return o.fetchProvider(ctx, cred, nil)
}

func (o *Orchestrator) resolveCredential(ctx context.Context, providerID string) (providers.Credential, bool, error) {
	creds, err := o.Credentials(ctx, false)
	if err != nil {
		return providers.Credential{}, false, err
	}

	for _, c := range creds {
		if strings.EqualFold(c.ProviderID, providerID) {
			return c, true, nil
		}
	}

	// Child ids ("codex.spark") resolve to their parent's credential.
	if def, found := o.registry.Definition(providerID); found {
		for _, c := range creds {
			if strings.EqualFold(c.ProviderID, def.ID) {
				return c, true, nil
			}
		}
		if def.AutoInclude {
			return providers.Credential{
				ProviderID: def.ID,
				ConfigType: def.DefaultConfigType,
				Plan:       def.Plan,
				AuthSource: "auto",
			}, true, nil
		}
	}

	return providers.Credential{}, false, nil
}
