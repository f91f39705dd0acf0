// Package payg implements the generic pay-as-you-go adapter.
//
// It serves any credit-metered provider that exposes an OpenAI-style
// credits endpoint. The account's id picks a known base URL, or the stored
// base URL is used as-is; the response is probed against the handful of
// shapes seen in the wild (credits object, subscription object, bare
// balance) and normalized into a credit record.
package payg

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"quotawatch/pkg/providers"
	"quotawatch/pkg/usage"
)

// Adapter fetches usage for generic credit-based providers.
type Adapter struct {
	providers.HTTPBase
	def providers.Definition
}

// New creates the generic pay-as-you-go adapter sharing the given HTTP
// client.
func New(client *http.Client) *Adapter {
	return &Adapter{
		HTTPBase: providers.HTTPBase{Client: client},
		def: providers.MustDefinition("pay-as-you-go", "Pay As You Go",
			providers.WithAliases("opencode", "minimax", "kilo", "kilocode", "xiaomi"),
			providers.WithConfigType("pay-as-you-go"),
		),
	}
}

// ProviderID returns the canonical id.
func (a *Adapter) ProviderID() string { return a.def.ID }

// Definition returns the capability descriptor.
func (a *Adapter) Definition() providers.Definition { return a.def }

// CanHandle delegates to the definition's matching rules.
func (a *Adapter) CanHandle(id string) bool { return a.def.HandlesProviderID(id) }

type creditsResponse struct {
	Data *creditsData `json:"data"`
}

// Pointer fields distinguish "absent" from zero so shape probing does not
// misclassify a balance payload as an empty credits payload.
type creditsData struct {
	TotalCredits *float64 `json:"total_credits"`
	UsedCredits  *float64 `json:"used_credits"`
}

type subscriptionResponse struct {
	Subscription *subscriptionData `json:"subscription"`
}

type subscriptionData struct {
	Limit    float64 `json:"limit"`
	Requests float64 `json:"requests"`
	RenewsAt string  `json:"renewsAt"`
}

type balanceResponse struct {
	Data *balanceData `json:"data"`
}

type balanceData struct {
	AvailableBalance *float64 `json:"available_balance"`
}

// FetchUsage resolves the endpoint for the credential's id, fetches it and
// probes the response shapes.
func (a *Adapter) FetchUsage(ctx context.Context, cred providers.Credential) ([]usage.ProviderUsage, error) {
	if cred.APIKey == "" {
		return nil, providers.NewConfigError(cred.ProviderID, "api_key", "API key not found")
	}

	url, err := a.resolveURL(cred)
	if err != nil {
		return nil, err
	}

	body, status, err := a.GetJSON(ctx, cred.ProviderID, url, map[string]string{
		"Authorization": "Bearer " + cred.APIKey,
	})
	if err != nil {
		return []usage.ProviderUsage{a.record(cred, status, false, "Connection failed")}, nil
	}
	if status < 200 || status >= 300 {
		return []usage.ProviderUsage{a.record(cred, status, false, fmt.Sprintf("API Error (%d)", status))}, nil
	}
	if strings.EqualFold(strings.TrimSpace(string(body)), "not found") {
		return []usage.ProviderUsage{a.record(cred, status, true, "Not Found (Invalid Key/URL)")}, nil
	}

	total, used, resetTime, ok := probeShapes(body)
	if !ok {
		return []usage.ProviderUsage{a.record(cred, status, false, "Unknown response format")}, nil
	}

	resetNote := ""
	if resetTime != nil {
		resetNote = fmt.Sprintf(" (Resets: %s)", resetTime.Format("Jan 02 15:04"))
	}

	rec := a.record(cred, status, true,
		fmt.Sprintf("%.2f / %.2f credits%s", used, total, resetNote))
	rec.ProviderName = displayNameFor(cred, url)
	rec.Used = used
	rec.Available = total
	rec.RequestsPercentage = usage.UsedPercent(used, total)
	rec.UsageUnit = "Credits"
	rec.NextResetTime = resetTime
	rec.RawResponse = string(body)
	rec.Details = []usage.ProviderUsageDetail{
		{
			Name:      "Credits",
			UsedValue: fmt.Sprintf("%.2f / %.2f", used, total),
			ResetTime: resetTime,
			Type:      usage.DetailCredit,
			Window:    usage.WindowNone,
		},
	}
	return []usage.ProviderUsage{rec}, nil
}

// resolveURL picks the endpoint: stored base URL first, then a well-known
// URL by id, then an error telling the user to configure one. URLs without
// a recognizable usage path get the /v1/credits suffix.
func (a *Adapter) resolveURL(cred providers.Credential) (string, error) {
	url := cred.BaseURL
	if url == "" {
		id := strings.ToLower(cred.ProviderID)
		switch {
		case strings.Contains(id, "opencode"):
			url = "https://api.opencode.ai/v1/credits"
		case id == "minimax":
			url = "https://api.minimax.chat/v1/user/usage"
		case id == "xiaomi":
			url = "https://api.xiaomimimo.com/v1/user/balance"
		case strings.Contains(id, "kilocode") || id == "kilo":
			url = "https://api.kilocode.ai/v1/credits"
		default:
			return "", providers.NewConfigError(cred.ProviderID, "base_url",
				"configuration required (set a base URL for this provider)")
		}
	}

	if !strings.HasPrefix(url, "http") {
		url = "https://" + url
	}
	if !strings.HasSuffix(url, "/credits") &&
		!strings.Contains(url, "/quota") &&
		!strings.Contains(url, "billing") &&
		!strings.Contains(url, "usage") &&
		!strings.Contains(url, "balance") {
		if strings.HasSuffix(url, "/v1") {
			url += "/credits"
		} else {
			url = strings.TrimRight(url, "/") + "/v1/credits"
		}
	}
	return url, nil
}

// probeShapes tries the known response formats in order.
func probeShapes(body []byte) (total, used float64, reset *time.Time, ok bool) {
	var credits creditsResponse
	if err := json.Unmarshal(body, &credits); err == nil && credits.Data != nil &&
		credits.Data.TotalCredits != nil && credits.Data.UsedCredits != nil {
		return *credits.Data.TotalCredits, *credits.Data.UsedCredits, nil, true
	}

	var sub subscriptionResponse
	if err := json.Unmarshal(body, &sub); err == nil && sub.Subscription != nil {
		var renews *time.Time
		if sub.Subscription.RenewsAt != "" {
			if t, err := time.Parse(time.RFC3339, sub.Subscription.RenewsAt); err == nil {
				utc := t.UTC()
				renews = &utc
			}
		}
		return sub.Subscription.Limit, sub.Subscription.Requests, renews, true
	}

	var balance balanceResponse
	if err := json.Unmarshal(body, &balance); err == nil && balance.Data != nil &&
		balance.Data.AvailableBalance != nil {
		return *balance.Data.AvailableBalance, 0, nil, true
	}

	return 0, 0, nil, false
}

// displayNameFor derives a readable name: specific ids keep their id,
// the generic id falls back to a title-cased endpoint host.
func displayNameFor(cred providers.Credential, url string) string {
	name := cred.ProviderID
	if name == "pay-as-you-go" {
		name = strings.TrimPrefix(url, "https://")
		name = strings.TrimSuffix(name, "/v1/credits")
		name = strings.TrimSuffix(name, "/credits")
	}
	return titleCase(name)
}

func titleCase(s string) string {
	words := strings.FieldsFunc(s, func(r rune) bool {
		return r == '-' || r == '.' || r == ' '
	})
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ")
}

func (a *Adapter) record(cred providers.Credential, status int, available bool, description string) usage.ProviderUsage {
	name := cred.ProviderID
	if name == "" {
		name = a.def.ID
	}
	return usage.ProviderUsage{
		ProviderID:   strings.ToLower(cred.ProviderID),
		ProviderName: name,
		Plan:         a.def.Plan,
		IsQuotaBased: a.def.QuotaBased,
		IsAvailable:  available,
		Description:  description,
		HTTPStatus:   status,
		FetchedAt:    time.Now().UTC(),
	}
}
