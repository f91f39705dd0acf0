package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"quotawatch/pkg/usage"
)

// MemoryStore implements Store with in-memory slices. It mirrors the
// SQLite store's semantics, including reset-event detection, and backs
// tests and ephemeral runs where persistence is not wanted.
type MemoryStore struct {
	mu             sync.RWMutex
	samples        map[string][]usage.ProviderUsage
	resets         map[string][]ResetEvent
	resetDropRatio float64
	closed         bool
}

// NewMemoryStore creates an empty in-memory store with the default reset
// drop ratio.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithRatio(0.20)
}

// NewMemoryStoreWithRatio creates an in-memory store with a custom reset
// drop ratio.
func NewMemoryStoreWithRatio(resetDropRatio float64) *MemoryStore {
	if resetDropRatio <= 0 {
		resetDropRatio = 0.20
	}
	return &MemoryStore{
		samples:        make(map[string][]usage.ProviderUsage),
		resets:         make(map[string][]ResetEvent),
		resetDropRatio: resetDropRatio,
	}
}

// Append persists one sample, detecting reset events the same way the
// SQLite store does.
func (m *MemoryStore) Append(ctx context.Context, rec usage.ProviderUsage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.ProviderID == "" {
		return fmt.Errorf("provider id cannot be empty")
	}
	if rec.FetchedAt.IsZero() {
		rec.FetchedAt = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("store is closed")
	}

	if rec.IsAvailable {
		if prev := lastAvailable(m.samples[rec.ProviderID]); prev != nil {
			drop := prev.Used - rec.Used
			base := math.Max(prev.Used, prev.Available)
			if drop > 0 && base > 0 && drop >= m.resetDropRatio*base {
				m.resets[rec.ProviderID] = append(m.resets[rec.ProviderID], ResetEvent{
					ProviderID:   rec.ProviderID,
					OccurredAt:   rec.FetchedAt,
					PreviousUsed: prev.Used,
					NewUsed:      rec.Used,
					DropAmount:   drop,
				})
			}
		}
	}

	m.samples[rec.ProviderID] = append(m.samples[rec.ProviderID], rec.Clone())
	return nil
}

// Latest returns the newest sample per provider id, sorted by id.
func (m *MemoryStore) Latest(ctx context.Context) ([]usage.ProviderUsage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.samples))
	for id, recs := range m.samples {
		if len(recs) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	out := make([]usage.ProviderUsage, 0, len(ids))
	for _, id := range ids {
		recs := m.samples[id]
		out = append(out, recs[len(recs)-1].Clone())
	}
	return out, nil
}

// LatestFor returns the newest sample for one provider id, or nil.
func (m *MemoryStore) LatestFor(ctx context.Context, providerID string) (*usage.ProviderUsage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	recs := m.samples[providerID]
	if len(recs) == 0 {
		return nil, nil
	}
	rec := recs[len(recs)-1].Clone()
	return &rec, nil
}

// History returns up to limit newest samples for a provider, ascending.
func (m *MemoryStore) History(ctx context.Context, providerID string, limit int) ([]usage.ProviderUsage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	recs := m.samples[providerID]
	if limit > 0 && len(recs) > limit {
		recs = recs[len(recs)-limit:]
	}
	return usage.CloneAll(recs), nil
}

// AllHistory returns up to limit newest samples across providers,
// ascending by FetchedAt.
func (m *MemoryStore) AllHistory(ctx context.Context, limit int) ([]usage.ProviderUsage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []usage.ProviderUsage
	for _, recs := range m.samples {
		all = append(all, recs...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].FetchedAt.Before(all[j].FetchedAt)
	})
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return usage.CloneAll(all), nil
}

// ResetEvents returns up to limit newest reset events, newest first.
func (m *MemoryStore) ResetEvents(ctx context.Context, providerID string, limit int) ([]ResetEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	events := m.resets[providerID]
	out := make([]ResetEvent, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		out = append(out, events[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// Prune deletes samples and reset events older than the cutoff.
func (m *MemoryStore) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for id, recs := range m.samples {
		kept := recs[:0]
		for _, r := range recs {
			if r.FetchedAt.Before(olderThan) {
				deleted++
			} else {
				kept = append(kept, r)
			}
		}
		m.samples[id] = kept
	}
	for id, events := range m.resets {
		kept := events[:0]
		for _, ev := range events {
			if !ev.OccurredAt.Before(olderThan) {
				kept = append(kept, ev)
			}
		}
		m.resets[id] = kept
	}
	return deleted, nil
}

// Close marks the store closed. Idempotent.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func lastAvailable(recs []usage.ProviderUsage) *usage.ProviderUsage {
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].IsAvailable {
			return &recs[i]
		}
	}
	return nil
}
