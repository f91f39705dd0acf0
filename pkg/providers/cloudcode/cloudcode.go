// Package cloudcode implements the Cloud Code (Google) status adapter.
//
// Cloud Code exposes no usage API; the adapter reports connectivity only:
// a stored key counts as configured, otherwise it asks the local gcloud
// CLI for an access token. The definition is auto-included so the provider
// shows up in every refresh even without a stored credential.
package cloudcode

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"quotawatch/pkg/providers"
	"quotawatch/pkg/usage"
)

// Adapter reports Cloud Code connectivity.
type Adapter struct {
	def providers.Definition

	// runGcloud is swapped in tests.
	runGcloud func(ctx context.Context) (string, error)
}

// New creates the Cloud Code adapter.
func New() *Adapter {
	return &Adapter{
		def: providers.MustDefinition("cloud-code", "Cloud Code (Google)",
			providers.WithAutoInclude(),
			providers.WithConfigType("cli-state"),
		),
		runGcloud: func(ctx context.Context) (string, error) {
			out, err := exec.CommandContext(ctx, "gcloud", "auth", "print-access-token").CombinedOutput()
			return string(out), err
		},
	}
}

// ProviderID returns the canonical id.
func (a *Adapter) ProviderID() string { return a.def.ID }

// Definition returns the capability descriptor.
func (a *Adapter) Definition() providers.Definition { return a.def }

// CanHandle delegates to the definition's matching rules.
func (a *Adapter) CanHandle(id string) bool { return a.def.HandlesProviderID(id) }

// FetchUsage reports a status-only record: connected when a key is stored
// or gcloud yields a token, not connected otherwise.
func (a *Adapter) FetchUsage(ctx context.Context, cred providers.Credential) ([]usage.ProviderUsage, error) {
	connected := false
	message := "Not connected"

	if cred.APIKey != "" {
		connected = true
		message = "Configured (key present)"
	} else {
		out, err := a.runGcloud(ctx)
		switch {
		case err == nil && strings.TrimSpace(out) != "":
			connected = true
			message = "Connected (gcloud)"
		case err != nil && strings.TrimSpace(out) != "":
			message = "gcloud error: " + strings.TrimSpace(out)
		default:
			message = "gcloud not found"
		}
	}

	return []usage.ProviderUsage{{
		ProviderID:   a.def.ID,
		ProviderName: a.def.DisplayName,
		Plan:         a.def.Plan,
		UsageUnit:    "Status",
		IsAvailable:  connected,
		Description:  message,
		FetchedAt:    time.Now().UTC(),
		Details: []usage.ProviderUsageDetail{
			{
				Name:      "Connection",
				UsedValue: message,
				Type:      usage.DetailOther,
				Window:    usage.WindowNone,
			},
		},
	}}, nil
}
