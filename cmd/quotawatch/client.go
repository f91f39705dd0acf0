package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"quotawatch/pkg/discovery"
	"quotawatch/pkg/telemetry/logging"
)

// clientTimeout bounds CLI calls against the agent. Refresh can take a
// full fetch timeout per slow provider, so it is generous.
const clientTimeout = 60 * time.Second

var apiClient = &http.Client{Timeout: clientTimeout}

// locateAgent finds a running agent through its discovery metadata and
// returns the API base URL.
func locateAgent(ctx context.Context) (string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}

	logger, err := logging.New(logging.Config{Level: "error", Writer: io.Discard})
	if err != nil {
		return "", err
	}

	meta, err := discovery.NewManager(cfg.Agent.DataDir, logger).Read(ctx)
	if err != nil {
		return "", err
	}
	if meta == nil {
		return "", fmt.Errorf("no running agent found (start one with 'quotawatch run')")
	}
	return fmt.Sprintf("http://127.0.0.1:%d", meta.Port), nil
}

// callAgent performs one JSON request against the agent and decodes the
// response into out when out is non-nil.
func callAgent(ctx context.Context, method, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return err
	}

	resp, err := apiClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach agent: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("agent returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("agent returned %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode agent response: %w", err)
	}
	return nil
}
