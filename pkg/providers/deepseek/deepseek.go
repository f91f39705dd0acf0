// Package deepseek implements the DeepSeek balance adapter.
//
// DeepSeek exposes a prepaid balance rather than a quota: the adapter
// reports a credit record with the raw balance in the description and a
// typed Credit detail row.
package deepseek

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"quotawatch/pkg/providers"
	"quotawatch/pkg/usage"
)

const defaultBaseURL = "https://api.deepseek.com"

// Adapter fetches DeepSeek account balances.
type Adapter struct {
	providers.HTTPBase
	def providers.Definition
}

// New creates the DeepSeek adapter sharing the given HTTP client.
func New(client *http.Client) *Adapter {
	return &Adapter{
		HTTPBase: providers.HTTPBase{Client: client},
		def: providers.MustDefinition("deepseek", "DeepSeek",
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

type balanceResponse struct {
	IsAvailable  bool          `json:"is_available"`
	BalanceInfos []balanceInfo `json:"balance_infos"`
}

type balanceInfo struct {
	Currency        string  `json:"currency"`
	TotalBalance    float64 `json:"total_balance"`
	GrantedBalance  float64 `json:"granted_balance"`
	ToppedUpBalance float64 `json:"topped_up_balance"`
}

// FetchUsage queries the user balance endpoint and normalizes it into one
// credit record.
func (a *Adapter) FetchUsage(ctx context.Context, cred providers.Credential) ([]usage.ProviderUsage, error) {
	if cred.APIKey == "" {
		return nil, providers.NewConfigError(a.def.ID, "api_key", "API key missing")
	}

	base := cred.BaseURL
	if base == "" {
		base = defaultBaseURL
	}

	body, status, err := a.GetJSON(ctx, a.def.ID, base+"/user/balance", map[string]string{
		"Authorization": "Bearer " + cred.APIKey,
	})
	if err != nil {
		return []usage.ProviderUsage{a.record(status, false, "Connection failed")}, nil
	}
	if status < 200 || status >= 300 {
		// The account may still exist; surface the status without failing
		// the whole record like a transport error would.
		return []usage.ProviderUsage{a.record(status, true, fmt.Sprintf("API Error (%d)", status))}, nil
	}

	var parsed balanceResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return []usage.ProviderUsage{a.record(status, false, "Parsing failed")}, nil
	}
	if !parsed.IsAvailable {
		return []usage.ProviderUsage{a.record(status, false, "Account unavailable")}, nil
	}
	if len(parsed.BalanceInfos) == 0 {
		return []usage.ProviderUsage{a.record(status, true, "No balance info found")}, nil
	}

	main := parsed.BalanceInfos[0]
	symbol := "$"
	if main.Currency == "CNY" {
		symbol = "¥"
	}

	rec := a.record(status, true, fmt.Sprintf("Balance: %s%.2f", symbol, main.TotalBalance))
	rec.UsageUnit = "Currency"
	rec.RawResponse = string(body)
	rec.Details = []usage.ProviderUsageDetail{
		{
			Name:      "Balance",
			UsedValue: fmt.Sprintf("%s%.2f", symbol, main.TotalBalance),
			Type:      usage.DetailCredit,
			Window:    usage.WindowNone,
		},
	}
	if main.GrantedBalance > 0 {
		rec.Details = append(rec.Details, usage.ProviderUsageDetail{
			Name:      "Granted",
			UsedValue: fmt.Sprintf("%s%.2f", symbol, main.GrantedBalance),
			Type:      usage.DetailCredit,
			Window:    usage.WindowNone,
		})
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
