// Package synthetic implements the Synthetic subscription adapter.
//
// Synthetic meters a request quota per billing cycle: the API reports the
// cycle limit, requests consumed so far and the renewal instant. The
// adapter emits one quota-based record whose stored percentage expresses
// the remaining share of the cycle.
package synthetic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"quotawatch/pkg/providers"
	"quotawatch/pkg/usage"
)

const defaultUsageURL = "https://api.synthetic.new/v1/usage"

// Adapter fetches Synthetic subscription usage.
type Adapter struct {
	providers.HTTPBase
	def providers.Definition
}

// New creates the Synthetic adapter sharing the given HTTP client.
func New(client *http.Client) *Adapter {
	return &Adapter{
		HTTPBase: providers.HTTPBase{Client: client},
		def: providers.MustDefinition("synthetic", "Synthetic",
			providers.WithQuotaBased(),
			providers.WithPlan(usage.PlanCoding),
			providers.WithConfigType("api-key"),
		),
	}
}

// ProviderID returns the canonical id.
func (a *Adapter) ProviderID() string { return a.def.ID }

// Definition returns the capability descriptor.
func (a *Adapter) Definition() providers.Definition { return a.def }

// CanHandle delegates to the definition's matching rules.
func (a *Adapter) CanHandle(id string) bool { return a.def.HandlesProviderID(id) }

type usageResponse struct {
	Subscription *subscription `json:"subscription"`
}

type subscription struct {
	Limit    float64 `json:"limit"`
	Requests float64 `json:"requests"`
	RenewsAt string  `json:"renewsAt"`
}

// FetchUsage queries the usage endpoint and normalizes the subscription
// window into a quota record.
func (a *Adapter) FetchUsage(ctx context.Context, cred providers.Credential) ([]usage.ProviderUsage, error) {
	if cred.APIKey == "" {
		return nil, providers.NewConfigError(a.def.ID, "api_key", "API key not found")
	}

	url := cred.BaseURL
	if url == "" {
		url = defaultUsageURL
	}

	body, status, err := a.GetJSON(ctx, a.def.ID, url, map[string]string{
		"Authorization": cred.APIKey,
	})
	if err != nil {
		return []usage.ProviderUsage{a.record(status, false, "Connection failed")}, nil
	}
	if status < 200 || status >= 300 {
		return []usage.ProviderUsage{a.record(status, false, fmt.Sprintf("API Error (%d)", status))}, nil
	}

	var parsed usageResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return []usage.ProviderUsage{a.record(status, false, "Failed to parse response")}, nil
	}
	if parsed.Subscription == nil {
		return []usage.ProviderUsage{a.record(status, false, "No subscription data found")}, nil
	}

	sub := parsed.Subscription
	utilization := usage.UsedPercent(sub.Requests, sub.Limit)
	remaining := usage.RemainingPercent(sub.Requests, sub.Limit)

	rec := a.record(status, true, fmt.Sprintf("%.1f%% used", utilization))
	rec.Used = sub.Requests
	rec.Available = sub.Limit
	rec.RequestsPercentage = remaining
	rec.UsageUnit = "Requests"
	rec.RawResponse = string(body)

	var resetTime *time.Time
	if sub.RenewsAt != "" {
		if t, err := time.Parse(time.RFC3339, sub.RenewsAt); err == nil {
			utc := t.UTC()
			resetTime = &utc
			rec.NextResetTime = resetTime
		}
	}

	rec.Details = []usage.ProviderUsageDetail{
		{
			Name:      "Billing cycle",
			UsedValue: fmt.Sprintf("%.0f / %.0f requests", sub.Requests, sub.Limit),
			ResetTime: resetTime,
			Type:      usage.DetailQuotaWindow,
			Window:    usage.WindowPrimary,
		},
	}
	return []usage.ProviderUsage{rec}, nil
}

func (a *Adapter) record(status int, available bool, description string) usage.ProviderUsage {
	return usage.ProviderUsage{
		ProviderID:   a.def.ID,
		ProviderName: a.def.DisplayName,
		Plan:         a.def.Plan,
		IsQuotaBased: a.def.QuotaBased,
		IsAvailable:  available,
		Description:  description,
		HTTPStatus:   status,
		FetchedAt:    time.Now().UTC(),
	}
}
