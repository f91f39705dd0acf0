// Package store persists the usage time series.
//
// Each successful or failed fetch appends one sample per provider id.
// Samples are immutable once written; analytics (forecasts, reliability)
// read them back in FetchedAt order. The SQLite backend is the durable
// implementation, MemoryStore backs tests and ephemeral runs.
package store

import (
	"context"
	"time"

	"quotawatch/pkg/usage"
)

// ResetEvent records a detected quota replenishment: the Used value
// dropped between consecutive samples by at least the configured ratio of
// the previous allotment.
type ResetEvent struct {
	// ProviderID is the provider the reset belongs to.
	ProviderID string `json:"provider_id"`

	// OccurredAt is the FetchedAt of the sample that revealed the drop.
	OccurredAt time.Time `json:"occurred_at"`

	// PreviousUsed is the Used value before the drop.
	PreviousUsed float64 `json:"previous_used"`

	// NewUsed is the Used value after the drop.
	NewUsed float64 `json:"new_used"`

	// DropAmount is PreviousUsed minus NewUsed.
	DropAmount float64 `json:"drop_amount"`
}

// Store is the usage time-series persistence interface.
type Store interface {
	// Append persists one sample and records a ResetEvent when the sample
	// reveals a reset-sized drop versus the previous available sample for
	// the same provider id.
	Append(ctx context.Context, rec usage.ProviderUsage) error

	// Latest returns the newest sample per provider id, sorted by id.
	Latest(ctx context.Context) ([]usage.ProviderUsage, error)

	// LatestFor returns the newest sample for one provider id, or nil
	// when the provider has no history.
	LatestFor(ctx context.Context, providerID string) (*usage.ProviderUsage, error)

	// History returns up to limit newest samples for a provider id,
	// ordered by FetchedAt ascending. limit <= 0 means no limit.
	History(ctx context.Context, providerID string, limit int) ([]usage.ProviderUsage, error)

	// AllHistory returns up to limit newest samples across all providers,
	// ordered by FetchedAt ascending. limit <= 0 means no limit.
	AllHistory(ctx context.Context, limit int) ([]usage.ProviderUsage, error)

	// ResetEvents returns up to limit newest reset events for a provider
	// id, newest first. limit <= 0 means no limit.
	ResetEvents(ctx context.Context, providerID string, limit int) ([]ResetEvent, error)

	// Prune deletes samples and reset events older than the cutoff and
	// returns the number of samples removed.
	Prune(ctx context.Context, olderThan time.Time) (int, error)

	// Close releases backend resources. Idempotent.
	Close() error
}
