// Package keyscan discovers provider credentials already present on the
// machine: API keys exported as environment variables and CLI login state
// left behind by provider tooling.
//
// Discovery is read-only. The scanner reports candidate credentials with
// an AuthSource label naming where each one came from; persisting them is
// the caller's decision.
package keyscan

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"quotawatch/pkg/providers"
	"quotawatch/pkg/telemetry/logging"
)

// envSource maps one environment variable to the provider it configures.
type envSource struct {
	Variable   string
	ProviderID string
	ConfigType string
}

// envSources are the variables checked on every scan. Providers served by
// the pay-as-you-go adapter need no base URL here, the adapter derives the
// endpoint from the id.
var envSources = []envSource{
	{Variable: "DEEPSEEK_API_KEY", ProviderID: "deepseek", ConfigType: "api-key"},
	{Variable: "SYNTHETIC_API_KEY", ProviderID: "synthetic", ConfigType: "api-key"},
	{Variable: "MINIMAX_API_KEY", ProviderID: "minimax", ConfigType: "pay-as-you-go"},
	{Variable: "OPENCODE_API_KEY", ProviderID: "opencode", ConfigType: "pay-as-you-go"},
}

// Scanner finds local provider credentials. Create with New.
type Scanner struct {
	logger *logging.Logger

	// Overridable for tests.
	getenv  func(string) string
	homeDir func() (string, error)
}

// New creates a scanner reading the real environment and home directory.
func New(logger *logging.Logger) *Scanner {
	return &Scanner{
		logger:  logger,
		getenv:  os.Getenv,
		homeDir: os.UserHomeDir,
	}
}

// Scan inspects environment variables and well-known CLI state files and
// returns one candidate credential per provider found. Unreadable state
// files are skipped, not fatal.
func (s *Scanner) Scan(ctx context.Context) ([]providers.Credential, error) {
	var found []providers.Credential

	for _, src := range envSources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key := strings.TrimSpace(s.getenv(src.Variable))
		if key == "" {
			continue
		}
		found = append(found, providers.Credential{
			ProviderID: src.ProviderID,
			APIKey:     key,
			ConfigType: src.ConfigType,
			AuthSource: "env:" + src.Variable,
		})
		s.logger.Debug("discovered credential in environment",
			"provider", src.ProviderID, "variable", src.Variable)
	}

	if cred, ok := s.scanCodexState(); ok {
		found = append(found, cred)
	}
	if cred, ok := s.scanGcloudState(); ok {
		found = append(found, cred)
	}

	return found, nil
}

// codexAuthFile mirrors the fields of ~/.codex/auth.json the codex adapter
// reads. Only presence matters here, the adapter re-reads the file on each
// fetch.
type codexAuthFile struct {
	Tokens struct {
		AccessToken string `json:"access_token"`
	} `json:"tokens"`
}

func (s *Scanner) scanCodexState() (providers.Credential, bool) {
	home, err := s.homeDir()
	if err != nil {
		return providers.Credential{}, false
	}

	path := filepath.Join(home, ".codex", "auth.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return providers.Credential{}, false
	}

	var auth codexAuthFile
	if err := json.Unmarshal(data, &auth); err != nil || auth.Tokens.AccessToken == "" {
		if err != nil {
			s.logger.Debug("skipping unreadable codex auth state", "path", path, "error", err)
		}
		return providers.Credential{}, false
	}

	s.logger.Debug("discovered codex CLI login state", "path", path)
	return providers.Credential{
		ProviderID: "codex",
		ConfigType: "cli-state",
		AuthSource: "scan:codex-cli",
	}, true
}

func (s *Scanner) scanGcloudState() (providers.Credential, bool) {
	home, err := s.homeDir()
	if err != nil {
		return providers.Credential{}, false
	}

	path := filepath.Join(home, ".config", "gcloud",
		"application_default_credentials.json")
	if _, err := os.Stat(path); err != nil {
		return providers.Credential{}, false
	}

	s.logger.Debug("discovered gcloud application default credentials", "path", path)
	return providers.Credential{
		ProviderID: "cloud-code",
		ConfigType: "cli-state",
		AuthSource: "scan:gcloud-adc",
	}, true
}
