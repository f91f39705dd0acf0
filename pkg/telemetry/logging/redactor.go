package logging

import (
	"fmt"
	"regexp"
	"strings"
)

// Redactor masks credentials in log fields. Every provider adapter logs
// through this path, so a key leaking into a log line is caught here even
// when a call site forgets to mask it.
type Redactor struct {
	patterns []*redactPattern
}

// redactPattern contains a compiled regex and replacement string.
type redactPattern struct {
	name        string
	regex       *regexp.Regexp
	replacement string
}

// Pattern names.
const (
	PatternAPIKey      = "api_key"
	PatternBearerToken = "bearer_token"
	PatternAuthHeader  = "auth_header"
)

// NewRedactor creates a Redactor with the built-in credential patterns.
func NewRedactor() *Redactor {
	r := &Redactor{}
	r.add(PatternAPIKey, `sk-[a-zA-Z0-9_\-]+`, "sk-***")
	r.add(PatternBearerToken, `Bearer\s+[a-zA-Z0-9\-._~+/]+=*`, "Bearer ***")
	r.add(PatternAuthHeader, `(?i)(authorization|x-api-key)[:=]\s*\S+`, "$1: ***")
	return r
}

func (r *Redactor) add(name, regex, replacement string) {
	r.patterns = append(r.patterns, &redactPattern{
		name:        name,
		regex:       regexp.MustCompile(regex),
		replacement: replacement,
	})
}

// RedactString masks credentials embedded in a string value.
func (r *Redactor) RedactString(value string) string {
	if value == "" {
		return value
	}

	redacted := value
	for _, pattern := range r.patterns {
		redacted = pattern.regex.ReplaceAllString(redacted, pattern.replacement)
	}
	return redacted
}

// RedactArgs masks credentials in variadic log arguments.
// Args are in the form: key1, value1, key2, value2, ...
func (r *Redactor) RedactArgs(args ...any) []any {
	if len(args) == 0 {
		return args
	}

	redacted := make([]any, len(args))
	copy(redacted, args)

	for i := 1; i < len(redacted); i += 2 {
		if key, ok := redacted[i-1].(string); ok && isSensitiveKey(key) {
			redacted[i] = redactValue(redacted[i])
			continue
		}
		if str, ok := redacted[i].(string); ok {
			redacted[i] = r.RedactString(str)
		}
	}

	return redacted
}

// isSensitiveKey checks if a key name indicates credential material.
func isSensitiveKey(key string) bool {
	lowerKey := strings.ToLower(key)

	sensitiveKeys := []string{
		"api_key", "apikey",
		"token", "secret",
		"auth", "authorization",
		"password", "passwd",
	}

	for _, sensitive := range sensitiveKeys {
		if strings.Contains(lowerKey, sensitive) {
			return true
		}
	}
	return false
}

// redactValue masks a sensitive value, keeping a short prefix so log
// readers can tell which key was in play.
func redactValue(value any) any {
	switch v := value.(type) {
	case string:
		if v == "" {
			return ""
		}
		if len(v) <= 4 {
			return "***"
		}
		return v[:4] + "***"
	case fmt.Stringer:
		return "***"
	default:
		return "***"
	}
}

// RedactAPIKey masks an API key, keeping only a prefix.
func RedactAPIKey(apiKey string) string {
	if len(apiKey) <= 4 {
		return "***"
	}
	return apiKey[:4] + "***"
}
