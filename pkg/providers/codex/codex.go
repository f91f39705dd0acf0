// Package codex implements the Codex coding-subscription adapter.
//
// Codex meters two rolling quota windows (5-hourly and weekly) plus a
// separately-metered fast-model allotment ("spark"). The adapter reads the
// local CLI session state for auth, queries the rate-limit snapshot and
// emits a parent record carrying the window details plus a flattened
// "codex.spark" child record, so consumers can track the spark allotment
// as its own time series.
package codex

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"quotawatch/pkg/providers"
	"quotawatch/pkg/usage"
)

const (
	defaultBaseURL = "https://chatgpt.com/backend-api"
	childSparkID   = "codex.spark"
)

// Adapter fetches Codex quota windows.
type Adapter struct {
	providers.HTTPBase
	def providers.Definition

	// authDir overrides the CLI state directory in tests.
	authDir string
}

// New creates the Codex adapter sharing the given HTTP client.
func New(client *http.Client) *Adapter {
	return &Adapter{
		HTTPBase: providers.HTTPBase{Client: client},
		def: providers.MustDefinition("codex", "Codex",
			providers.WithPlan(usage.PlanCoding),
			providers.WithQuotaBased(),
			providers.WithChildIDs(),
			providers.WithConfigType("cli-state"),
			providers.WithDisplayNameOverride(childSparkID, "Codex Spark"),
		),
	}
}

// ProviderID returns the canonical id.
func (a *Adapter) ProviderID() string { return a.def.ID }

// Definition returns the capability descriptor.
func (a *Adapter) Definition() providers.Definition { return a.def }

// CanHandle delegates to the definition's matching rules, covering child
// ids like "codex.spark".
func (a *Adapter) CanHandle(id string) bool { return a.def.HandlesProviderID(id) }

// authState is the subset of the CLI's auth file the adapter needs.
type authState struct {
	Tokens struct {
		AccessToken string `json:"access_token"`
		AccountID   string `json:"account_id"`
	} `json:"tokens"`
}

type rateLimitResponse struct {
	RateLimits struct {
		Primary   *rateWindow `json:"primary"`
		Secondary *rateWindow `json:"secondary"`
	} `json:"rate_limits"`
	Spark *rateWindow `json:"spark"`
	Plan  string      `json:"plan_type"`
}

type rateWindow struct {
	UsedPercent   float64 `json:"used_percent"`
	WindowMinutes int     `json:"window_minutes"`
	ResetsAt      *int64  `json:"resets_at"`
}

// FetchUsage loads auth from the credential or the local CLI state, then
// fetches the rate-limit snapshot. It returns the parent record and, when
// the response carries a spark window, a flattened child record.
func (a *Adapter) FetchUsage(ctx context.Context, cred providers.Credential) ([]usage.ProviderUsage, error) {
	token := cred.APIKey
	account := ""
	if token == "" {
		state, err := a.loadAuthState()
		if err != nil {
			return nil, providers.NewConfigError(a.def.ID, "api_key",
				"no API key configured and no Codex CLI session found")
		}
		token = state.Tokens.AccessToken
		account = state.Tokens.AccountID
	}
	if token == "" {
		return nil, providers.NewConfigError(a.def.ID, "api_key", "Codex session has no access token")
	}

	base := cred.BaseURL
	if base == "" {
		base = defaultBaseURL
	}

	headers := map[string]string{"Authorization": "Bearer " + token}
	if account != "" {
		headers["ChatGPT-Account-Id"] = account
	}

	body, status, err := a.GetJSON(ctx, a.def.ID, base+"/wham/rate_limits", headers)
	if err != nil {
		return []usage.ProviderUsage{a.parentRecord(status, false, "Connection failed")}, nil
	}
	if status < 200 || status >= 300 {
		return []usage.ProviderUsage{a.parentRecord(status, false, fmt.Sprintf("API Error (%d)", status))}, nil
	}

	var parsed rateLimitResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return []usage.ProviderUsage{a.parentRecord(status, false, "Failed to parse rate limits")}, nil
	}

	parent := a.parentRecord(status, true, "")
	parent.AccountName = account
	parent.RawResponse = string(body)
	parent.UsageUnit = "Quota %"

	var details []usage.ProviderUsageDetail
	if w := parsed.RateLimits.Primary; w != nil {
		details = append(details, windowDetail("5h window", w, usage.WindowPrimary))
		// The primary window is the headline number; stored as remaining.
		parent.RequestsPercentage = usage.ClampPercent(100 - w.UsedPercent)
		parent.Used = usage.ClampPercent(w.UsedPercent)
		parent.Available = 100
		parent.NextResetTime = windowReset(w)
		parent.Description = fmt.Sprintf("%.0f%% of 5h window used", w.UsedPercent)
	}
	if w := parsed.RateLimits.Secondary; w != nil {
		details = append(details, windowDetail("Weekly window", w, usage.WindowSecondary))
		if parent.Description == "" {
			parent.RequestsPercentage = usage.ClampPercent(100 - w.UsedPercent)
			parent.Used = usage.ClampPercent(w.UsedPercent)
			parent.Available = 100
			parent.Description = fmt.Sprintf("%.0f%% of weekly window used", w.UsedPercent)
		}
	}
	if parent.Description == "" {
		parent.Description = "No rate limit windows reported"
	}
	parent.Details = details

	records := []usage.ProviderUsage{parent}

	// Flattening contract: the spark allotment becomes its own top-level
	// record under a child id, not only a detail row.
	if w := parsed.Spark; w != nil {
		child := usage.ProviderUsage{
			ProviderID:         childSparkID,
			ProviderName:       a.def.ResolveDisplayName(childSparkID),
			AccountName:        account,
			Used:               usage.ClampPercent(w.UsedPercent),
			Available:          100,
			RequestsPercentage: usage.ClampPercent(100 - w.UsedPercent),
			Plan:               a.def.Plan,
			UsageUnit:          "Quota %",
			IsQuotaBased:       true,
			IsAvailable:        true,
			Description:        fmt.Sprintf("%.0f%% of spark allotment used", w.UsedPercent),
			HTTPStatus:         status,
			FetchedAt:          time.Now().UTC(),
			NextResetTime:      windowReset(w),
			Details: []usage.ProviderUsageDetail{
				windowDetail("Spark allotment", w, usage.WindowSpark),
			},
		}
		records = append(records, child)
	}

	return records, nil
}

func windowDetail(name string, w *rateWindow, kind usage.WindowKind) usage.ProviderUsageDetail {
	return usage.ProviderUsageDetail{
		Name:      name,
		UsedValue: fmt.Sprintf("%.0f%%", usage.ClampPercent(w.UsedPercent)),
		ResetTime: windowReset(w),
		Type:      usage.DetailQuotaWindow,
		Window:    kind,
	}
}

func windowReset(w *rateWindow) *time.Time {
	if w.ResetsAt == nil {
		return nil
	}
	t := time.Unix(*w.ResetsAt, 0).UTC()
	return &t
}

func (a *Adapter) loadAuthState() (*authState, error) {
	dir := a.authDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(home, ".codex")
	}

	data, err := os.ReadFile(filepath.Join(dir, "auth.json"))
	if err != nil {
		return nil, err
	}
	var state authState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("malformed codex auth state: %w", err)
	}
	return &state, nil
}

func (a *Adapter) parentRecord(status int, available bool, description string) usage.ProviderUsage {
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
