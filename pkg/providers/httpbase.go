package providers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxResponseBytes caps provider response bodies. Usage payloads are tiny;
// anything larger is a misbehaving endpoint.
const maxResponseBytes = 1 << 20

// NewHTTPClient builds the pooled HTTP client shared by the HTTP-backed
// adapters. Per-call deadlines come from the orchestrator's context, so the
// client itself carries only a generous safety timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        32,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}

// HTTPBase is the embeddable helper for HTTP-backed adapters. It holds the
// shared client and the one request shape every usage endpoint needs: an
// authenticated GET returning a small JSON body.
type HTTPBase struct {
	Client *http.Client
}

// GetJSON performs an authenticated GET and returns the body and status
// code. Non-2xx statuses are returned alongside the body (not as an error)
// so adapters can fold them into availability records; transport failures
// come back as a *FetchError.
func (b *HTTPBase) GetJSON(ctx context.Context, providerID, url string, headers map[string]string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, &FetchError{
			Provider: providerID,
			Message:  fmt.Sprintf("invalid request: %v", err),
			Cause:    err,
		}
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := b.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, &FetchError{
			Provider: providerID,
			Message:  "connection failed",
			Cause:    err,
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, &FetchError{
			Provider:   providerID,
			StatusCode: resp.StatusCode,
			Message:    "failed to read response",
			Cause:      err,
		}
	}
	return body, resp.StatusCode, nil
}
