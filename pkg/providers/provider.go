// Package providers defines the capability contract every provider adapter
// implements, the declarative Definition used for routing and defaulting,
// and the Registry that resolves provider ids to definitions and live
// adapters.
package providers

import (
	"context"

	"quotawatch/pkg/usage"
)

// Provider is the polymorphic unit the refresh orchestrator fans out to.
// One adapter instance serves one provider family; given a stored
// credential it fetches and normalizes one account's usage into one or
// more typed records.
//
// Adapters own all network I/O, token refresh and response parsing. They
// must respect context cancellation and must not let unexpected failures
// escape as panics: return an error (the orchestrator isolates it) or a
// record with IsAvailable=false and a descriptive message. The one error
// the orchestrator treats specially is *ConfigError, the expected
// "misconfigured account" case logged at warning severity.
//
// An adapter may return more than one record per call: any child id
// discovered while parsing (for example a per-model quota under
// "codex.spark") is surfaced as its own top-level record, not only nested
// in Details. Every detail row must carry a concrete DetailType, and
// quota-window rows a concrete WindowKind.
type Provider interface {
	// ProviderID returns the canonical provider id.
	ProviderID() string

	// Definition returns the capability descriptor for this adapter.
	Definition() Definition

	// CanHandle reports whether this adapter serves the given id,
	// including child ids when the definition supports them.
	CanHandle(id string) bool

	// FetchUsage fetches and normalizes usage for one account.
	FetchUsage(ctx context.Context, cred Credential) ([]usage.ProviderUsage, error)
}

// ResultCallback receives each normalized record as soon as it is ready,
// before the full refresh batch completes. May be nil.
type ResultCallback func(usage.ProviderUsage)
