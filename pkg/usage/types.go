package usage

import "time"

// PlanType classifies how a provider account is billed.
type PlanType string

const (
	// PlanUsage is a pay-as-you-go or metered account. The stored
	// RequestsPercentage expresses how much has been consumed.
	PlanUsage PlanType = "usage"

	// PlanCoding is a coding-assistant subscription. These providers report
	// the share of the allotment that is still remaining, so the stored
	// percentage is inverted before display.
	PlanCoding PlanType = "coding"
)

// DetailType tags a ProviderUsageDetail row with its meaning.
// Consumers must branch on this tag, never on display strings.
type DetailType string

const (
	// DetailUnknown is the zero value. Adapters must never emit it;
	// ValidateDetails flags it as a contract violation.
	DetailUnknown DetailType = ""

	// DetailQuotaWindow is a rolling or fixed quota window (5-hourly,
	// weekly, ...). Rows of this type must carry a non-WindowNone kind.
	DetailQuotaWindow DetailType = "quota_window"

	// DetailCredit is a monetary or credit balance row.
	DetailCredit DetailType = "credit"

	// DetailModel is a per-model usage breakdown row.
	DetailModel DetailType = "model"

	// DetailOther covers informational rows that fit no other type.
	DetailOther DetailType = "other"
)

// WindowKind distinguishes the quota windows a provider exposes.
type WindowKind string

const (
	// WindowNone means the detail row is not window-scoped.
	// Valid for every DetailType except DetailQuotaWindow.
	WindowNone WindowKind = ""

	// WindowPrimary is the provider's main (usually short) quota window.
	WindowPrimary WindowKind = "primary"

	// WindowSecondary is the longer secondary window (weekly, monthly).
	WindowSecondary WindowKind = "secondary"

	// WindowSpark is the auxiliary fast-model allotment some coding
	// providers meter separately.
	WindowSpark WindowKind = "spark"
)

// ProviderUsage is the normalized output record for one provider account
// (or one child id of it). It is produced once per fetch and owned by the
// store after append; FetchedAt is the time-series key.
type ProviderUsage struct {
	// ProviderID identifies the provider account, possibly a child id of
	// the form "parent.child".
	ProviderID string `json:"provider_id"`

	// ProviderName is the human display name. Adapter-supplied names take
	// precedence over registry-derived ones.
	ProviderName string `json:"provider_name"`

	// AccountName is the account label when the provider reports one.
	AccountName string `json:"account_name,omitempty"`

	// Used is the consumed amount in UsageUnit units.
	Used float64 `json:"used"`

	// Available is the total allotment in UsageUnit units (0 if unknown).
	Available float64 `json:"available"`

	// RequestsPercentage is the provider-reported percentage, clamped to
	// [0,100]. For quota-based and coding-plan providers it expresses
	// "remaining"; use EffectiveUsedPercent to read it uniformly as "used".
	RequestsPercentage float64 `json:"requests_percentage"`

	// Plan classifies the account billing model.
	Plan PlanType `json:"plan_type"`

	// UsageUnit labels the Used/Available numbers ("Credits", "Requests",
	// "Quota %", ...).
	UsageUnit string `json:"usage_unit,omitempty"`

	// IsQuotaBased is true when usage is measured as remaining-of-allotment
	// rather than a running total.
	IsQuotaBased bool `json:"is_quota_based"`

	// IsAvailable is false when the fetch failed or the account is not
	// usable; Description then explains why.
	IsAvailable bool `json:"is_available"`

	// Description is a human-readable summary or error message.
	Description string `json:"description,omitempty"`

	// AuthSource labels where the credential came from ("config", "env",
	// "keychain", ...).
	AuthSource string `json:"auth_source,omitempty"`

	// FetchedAt is the UTC instant the sample was taken. Always set.
	FetchedAt time.Time `json:"fetched_at"`

	// ResponseLatencyMs is the provider round-trip time in milliseconds.
	ResponseLatencyMs int64 `json:"response_latency_ms,omitempty"`

	// HTTPStatus is the upstream HTTP status, 0 when not applicable.
	HTTPStatus int `json:"http_status,omitempty"`

	// Details holds ordered sub-records (windows, balances, models).
	Details []ProviderUsageDetail `json:"details,omitempty"`

	// NextResetTime is the next quota replenishment instant, if known.
	NextResetTime *time.Time `json:"next_reset_time,omitempty"`

	// RawResponse preserves the provider payload for diagnostics.
	RawResponse string `json:"raw_response,omitempty"`
}

// ProviderUsageDetail is one sub-record of a ProviderUsage.
type ProviderUsageDetail struct {
	// Name is the row label ("5h window", "Balance", ...).
	Name string `json:"name"`

	// Model is the model name for DetailModel rows.
	Model string `json:"model,omitempty"`

	// Group clusters related rows together in consumers.
	Group string `json:"group,omitempty"`

	// UsedValue is the formatted value string ("42%", "$1.20", ...).
	UsedValue string `json:"used_value"`

	// Description is optional row context.
	Description string `json:"description,omitempty"`

	// ResetTime is when this row's window replenishes, if known.
	ResetTime *time.Time `json:"reset_time,omitempty"`

	// Type is the closed row classification. Never DetailUnknown in
	// adapter output.
	Type DetailType `json:"detail_type"`

	// Window is the quota window kind. Non-WindowNone iff Type is
	// DetailQuotaWindow; other types may leave it WindowNone.
	Window WindowKind `json:"window_kind"`
}

// BurnRateForecast projects when the current allotment runs out, derived
// from a ProviderUsage history slice. It is computed fresh per request and
// never persisted.
type BurnRateForecast struct {
	// IsAvailable is false when the history cannot support a forecast;
	// UnavailableReason then names the degenerate case.
	IsAvailable bool `json:"is_available"`

	// UnavailableReason is one of the fixed reason strings (see BurnRate).
	UnavailableReason string `json:"unavailable_reason,omitempty"`

	// BurnRatePerDay is consumed units per day within the active cycle.
	BurnRatePerDay float64 `json:"burn_rate_per_day"`

	// RemainingUnits is available minus used at the newest sample,
	// floored at zero.
	RemainingUnits float64 `json:"remaining_units"`

	// DaysUntilExhausted is RemainingUnits divided by BurnRatePerDay.
	DaysUntilExhausted float64 `json:"days_until_exhausted"`

	// EstimatedExhaustion is the projected exhaustion instant.
	EstimatedExhaustion *time.Time `json:"estimated_exhaustion,omitempty"`

	// SampleCount is the number of samples in the trimmed cycle.
	SampleCount int `json:"sample_count"`
}

// ReliabilitySnapshot summarizes how dependably a provider has been
// answering, derived from a ProviderUsage history slice.
type ReliabilitySnapshot struct {
	// IsAvailable is false when there is no history to summarize.
	IsAvailable bool `json:"is_available"`

	// UnavailableReason is set when IsAvailable is false.
	UnavailableReason string `json:"unavailable_reason,omitempty"`

	// SampleCount is the total number of samples inspected.
	SampleCount int `json:"sample_count"`

	// SuccessCount counts samples with IsAvailable true.
	SuccessCount int `json:"success_count"`

	// FailureCount counts samples with IsAvailable false.
	FailureCount int `json:"failure_count"`

	// FailureRatePercent is FailureCount over SampleCount, in percent.
	FailureRatePercent float64 `json:"failure_rate_percent"`

	// AvgSampleInterval averages the positive gaps between consecutive
	// samples; duplicate timestamps are ignored.
	AvgSampleInterval time.Duration `json:"avg_sample_interval_ns"`

	// LastSuccessAt is the newest successful sample instant.
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`

	// LastSeenAt is the newest sample instant of any outcome.
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
}

// DetailContractError describes one detail row that violates the typed
// detail contract.
type DetailContractError struct {
	// Index is the offending row's position in Details.
	Index int

	// Name is the row's display name, for log context.
	Name string

	// Reason describes the violation.
	Reason string
}

// ValidateDetails checks the typed detail contract on a usage record:
// no row may carry DetailUnknown, and DetailQuotaWindow rows must carry a
// non-WindowNone kind. An adapter producing violations is a provider bug;
// the orchestrator flags the record rather than rendering it silently.
func ValidateDetails(u *ProviderUsage) []DetailContractError {
	var violations []DetailContractError
	for i, d := range u.Details {
		switch {
		case d.Type == DetailUnknown:
			violations = append(violations, DetailContractError{
				Index:  i,
				Name:   d.Name,
				Reason: "detail type is unknown",
			})
		case d.Type == DetailQuotaWindow && d.Window == WindowNone:
			violations = append(violations, DetailContractError{
				Index:  i,
				Name:   d.Name,
				Reason: "quota window detail has no window kind",
			})
		}
	}
	return violations
}

// Clone returns a deep copy of the usage record. Readers outside the
// orchestrator always receive copies, never the cached originals.
func (u *ProviderUsage) Clone() ProviderUsage {
	out := *u
	if u.Details != nil {
		out.Details = make([]ProviderUsageDetail, len(u.Details))
		copy(out.Details, u.Details)
		for i := range out.Details {
			if u.Details[i].ResetTime != nil {
				t := *u.Details[i].ResetTime
				out.Details[i].ResetTime = &t
			}
		}
	}
	if u.NextResetTime != nil {
		t := *u.NextResetTime
		out.NextResetTime = &t
	}
	return out
}

// CloneAll deep-copies a result set.
func CloneAll(in []ProviderUsage) []ProviderUsage {
	if in == nil {
		return nil
	}
	out := make([]ProviderUsage, len(in))
	for i := range in {
		out[i] = in[i].Clone()
	}
	return out
}
