package providers

import "fmt"

// ConfigError reports a misconfigured account: missing or malformed
// credentials, an unusable base URL, a config type the adapter cannot
// serve. The orchestrator expects this class, logs it at warning severity
// and folds it into an unavailable usage record instead of an error
// response.
type ConfigError struct {
	// Provider is the provider id the credential was addressed to.
	Provider string

	// Field is the offending credential field, when one can be named.
	Field string

	// Message describes what is wrong, in user-facing language.
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("provider %q config error (%s): %s", e.Provider, e.Field, e.Message)
	}
	return fmt.Sprintf("provider %q config error: %s", e.Provider, e.Message)
}

// NewConfigError builds a ConfigError for a provider field.
func NewConfigError(provider, field, message string) *ConfigError {
	return &ConfigError{Provider: provider, Field: field, Message: message}
}

// FetchError reports an upstream failure with its HTTP status, letting the
// orchestrator tag the synthesized record.
type FetchError struct {
	// Provider is the provider id the fetch was addressed to.
	Provider string

	// StatusCode is the upstream HTTP status (0 when not applicable).
	StatusCode int

	// Message is the failure description.
	Message string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %q fetch failed (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider %q fetch failed: %s", e.Provider, e.Message)
}

// Unwrap returns the underlying error for error chain support.
func (e *FetchError) Unwrap() error {
	return e.Cause
}
