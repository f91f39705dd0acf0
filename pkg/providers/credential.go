package providers

import "quotawatch/pkg/usage"

// Credential is one persisted provider account configuration. It is
// created by the config API or the key-discovery scan, read by the
// orchestrator each refresh cycle, and cloned defensively before any
// override path mutates it.
type Credential struct {
	// ProviderID names the provider this credential belongs to.
	ProviderID string `json:"provider_id"`

	// APIKey is the credential material. Empty for providers that derive
	// auth from local CLI state or need none at all.
	APIKey string `json:"api_key"`

	// ConfigType tags how the credential authenticates ("api-key",
	// "oauth", "cli-state", "pay-as-you-go").
	ConfigType string `json:"config_type,omitempty"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `json:"base_url,omitempty"`

	// ShowInTray controls tray visibility in desktop consumers.
	ShowInTray bool `json:"show_in_tray"`

	// Notify enables threshold alerts for this account.
	Notify bool `json:"notify"`

	// Plan overrides the definition's plan classification when set.
	Plan usage.PlanType `json:"plan_type,omitempty"`

	// AuthSource labels where the credential came from ("config", "env",
	// "scan:codex", ...). Free-form, stamped onto every usage record.
	AuthSource string `json:"auth_source,omitempty"`
}

// Clone returns an independent copy.
func (c Credential) Clone() Credential {
	return c
}

// CloneAll copies a credential list so callers can mutate overrides
// without touching the cached originals.
func CloneAll(creds []Credential) []Credential {
	if creds == nil {
		return nil
	}
	out := make([]Credential, len(creds))
	copy(out, creds)
	return out
}
