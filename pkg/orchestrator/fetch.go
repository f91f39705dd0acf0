package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"quotawatch/pkg/providers"
	"quotawatch/pkg/usage"
)

// fetchOutcome carries a finished adapter call across the timeout race.
type fetchOutcome struct {
	records []usage.ProviderUsage
	err     error
}

// fetchProvider runs one provider fetch under the concurrency gate with a
// hard timeout, and normalizes whatever comes back into records.
//
// Error taxonomy:
//   - no adapter: neutral unavailable record, no error
//   - timeout: HTTP 504 unavailable record, no error
//   - *ConfigError: warning log, unavailable record, no error
//   - panic or other error: error log, HTTP 500 record flagged available
//     with an "[Error]" description; the error propagates only when the
//     caller supplied no callback
func (o *Orchestrator) fetchProvider(ctx context.Context, cred providers.Credential, cb providers.ResultCallback) ([]usage.ProviderUsage, error) {
	adapter := o.registry.Resolve(cred.ProviderID)
	if adapter == nil {
		rec := o.unavailableRecord(cred, 0, "No integration for this provider")
		o.logger.Warn("No adapter registered for provider", "provider", cred.ProviderID)
		deliver(cb, &rec)
		return []usage.ProviderUsage{rec}, nil
	}

	select {
	case o.gate <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	start := o.now()

	// The outcome channel is buffered so an abandoned call can deliver
	// its late result and exit; nobody reads it after the timeout fires.
	outcomeCh := make(chan fetchOutcome, 1)
	go func() {
		defer func() { <-o.gate }()
		defer func() {
			if r := recover(); r != nil {
				outcomeCh <- fetchOutcome{err: fmt.Errorf("provider panicked: %v", r)}
			}
		}()
		records, err := adapter.FetchUsage(ctx, cred)
		outcomeCh <- fetchOutcome{records: records, err: err}
	}()

	timer := time.NewTimer(o.fetchTimeout)
	defer timer.Stop()

	var outcome fetchOutcome
	select {
	case outcome = <-outcomeCh:
	case <-timer.C:
		o.logger.Warn("Provider fetch timed out",
			"provider", cred.ProviderID,
			"timeout", o.fetchTimeout.String(),
		)
		if o.metrics != nil {
			o.metrics.RecordFetch(cred.ProviderID, "timeout", o.now().Sub(start))
		}
		rec := o.unavailableRecord(cred, http.StatusGatewayTimeout,
			fmt.Sprintf("Timed out after %s", o.fetchTimeout))
		deliver(cb, &rec)
		return []usage.ProviderUsage{rec}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	latency := o.now().Sub(start)

	if outcome.err != nil {
		var cfgErr *providers.ConfigError
		if errors.As(outcome.err, &cfgErr) {
			o.logger.Warn("Provider is misconfigured",
				"provider", cred.ProviderID,
				"field", cfgErr.Field,
				"error", cfgErr.Message,
			)
			if o.metrics != nil {
				o.metrics.RecordFetch(cred.ProviderID, "config_error", latency)
			}
			rec := o.unavailableRecord(cred, 0, cfgErr.Message)
			deliver(cb, &rec)
			return []usage.ProviderUsage{rec}, nil
		}

		o.logger.Error("Provider fetch errored",
			"provider", cred.ProviderID,
			"error", outcome.err,
		)
		if o.metrics != nil {
			o.metrics.RecordFetch(cred.ProviderID, "error", latency)
		}
		rec := o.errorRecord(cred, outcome.err)
		deliver(cb, &rec)
		if cb == nil {
			return []usage.ProviderUsage{rec}, outcome.err
		}
		return []usage.ProviderUsage{rec}, nil
	}

	records := outcome.records
	for i := range records {
		o.normalize(&records[i], cred, latency)
		deliver(cb, &records[i])
	}

	if o.metrics != nil {
		outcomeLabel := "success"
		for i := range records {
			if !records[i].IsAvailable {
				outcomeLabel = "unavailable"
				break
			}
		}
		o.metrics.RecordFetch(cred.ProviderID, outcomeLabel, latency)
	}

	return records, nil
}

// normalize stamps the envelope fields the adapter may leave blank and
// enforces the typed detail contract.
func (o *Orchestrator) normalize(rec *usage.ProviderUsage, cred providers.Credential, latency time.Duration) {
	if rec.ProviderID == "" {
		rec.ProviderID = cred.ProviderID
	}

	// Display name precedence: adapter-supplied, then definition
	// override, then the raw id.
	if rec.ProviderName == "" {
		if def, ok := o.registry.Definition(rec.ProviderID); ok {
			rec.ProviderName = def.ResolveDisplayName(rec.ProviderID)
		}
	}
	if rec.ProviderName == "" {
		rec.ProviderName = rec.ProviderID
	}

	if rec.AuthSource == "" {
		rec.AuthSource = cred.AuthSource
	}
	if rec.FetchedAt.IsZero() {
		rec.FetchedAt = o.now().UTC()
	}
	if rec.ResponseLatencyMs == 0 {
		rec.ResponseLatencyMs = latency.Milliseconds()
	}
	rec.RequestsPercentage = usage.ClampPercent(rec.RequestsPercentage)

	violations := usage.ValidateDetails(rec)
	for _, v := range violations {
		o.logger.Error("Provider emitted an invalid detail row",
			"provider", rec.ProviderID,
			"detail", v.Name,
			"reason", v.Reason,
		)
		o.metrics.RecordContractViolation(rec.ProviderID)
	}
	if len(violations) > 0 {
		note := fmt.Sprintf("[Invalid details: %d]", len(violations))
		if rec.Description == "" {
			rec.Description = note
		} else {
			rec.Description = note + " " + rec.Description
		}
	}
}

// errorRecord represents an unexpected adapter failure. The record stays
// flagged available so the provider keeps its place in consumers; the
// description carries the error.
func (o *Orchestrator) errorRecord(cred providers.Credential, err error) usage.ProviderUsage {
	return usage.ProviderUsage{
		ProviderID:   cred.ProviderID,
		ProviderName: o.displayName(cred.ProviderID),
		Plan:         cred.Plan,
		IsAvailable:  true,
		Description:  "[Error] " + err.Error(),
		HTTPStatus:   http.StatusInternalServerError,
		AuthSource:   cred.AuthSource,
		FetchedAt:    o.now().UTC(),
	}
}

func (o *Orchestrator) unavailableRecord(cred providers.Credential, status int, description string) usage.ProviderUsage {
	return usage.ProviderUsage{
		ProviderID:   cred.ProviderID,
		ProviderName: o.displayName(cred.ProviderID),
		Plan:         cred.Plan,
		IsAvailable:  false,
		Description:  description,
		HTTPStatus:   status,
		AuthSource:   cred.AuthSource,
		FetchedAt:    o.now().UTC(),
	}
}

func (o *Orchestrator) displayName(providerID string) string {
	if def, ok := o.registry.Definition(providerID); ok {
		if name := def.ResolveDisplayName(providerID); name != "" {
			return name
		}
	}
	return providerID
}

func deliver(cb providers.ResultCallback, rec *usage.ProviderUsage) {
	if cb != nil {
		cb(rec.Clone())
	}
}
