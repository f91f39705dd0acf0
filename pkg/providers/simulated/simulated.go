// Package simulated implements a deterministic fake provider used for
// demos and end-to-end smoke tests. It performs no I/O beyond a short
// sleep that mimics network latency.
package simulated

import (
	"context"
	"time"

	"quotawatch/pkg/providers"
	"quotawatch/pkg/usage"
)

// Adapter emits a fixed usage record.
type Adapter struct {
	def providers.Definition

	// Latency is the simulated round-trip delay.
	Latency time.Duration
}

// New creates the simulated adapter.
func New() *Adapter {
	return &Adapter{
		def: providers.MustDefinition("simulated", "Simulated Provider",
			providers.WithQuotaBased(),
			providers.WithConfigType("simulated"),
		),
		Latency: 500 * time.Millisecond,
	}
}

// ProviderID returns the canonical id.
func (a *Adapter) ProviderID() string { return a.def.ID }

// Definition returns the capability descriptor.
func (a *Adapter) Definition() providers.Definition { return a.def }

// CanHandle delegates to the definition's matching rules.
func (a *Adapter) CanHandle(id string) bool { return a.def.HandlesProviderID(id) }

// FetchUsage sleeps for the configured latency (respecting cancellation)
// and returns the fixed record.
func (a *Adapter) FetchUsage(ctx context.Context, cred providers.Credential) ([]usage.ProviderUsage, error) {
	if a.Latency > 0 {
		select {
		case <-time.After(a.Latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return []usage.ProviderUsage{{
		ProviderID:         a.def.ID,
		ProviderName:       a.def.DisplayName,
		Used:               12.50,
		Available:          100,
		RequestsPercentage: 54.5,
		Plan:               a.def.Plan,
		UsageUnit:          "Credits",
		IsQuotaBased:       true,
		IsAvailable:        true,
		Description:        "45% used",
		FetchedAt:          time.Now().UTC(),
		Details: []usage.ProviderUsageDetail{
			{
				Name:      "Simulated window",
				UsedValue: "45.5%",
				Type:      usage.DetailQuotaWindow,
				Window:    usage.WindowPrimary,
			},
		},
	}}, nil
}
