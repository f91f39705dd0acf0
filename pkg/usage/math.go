// Package usage defines the normalized usage model shared by every provider
// adapter, plus the pure analytics computed from stored usage history
// (burn-rate forecasting and reliability snapshots).
//
// All functions in this file are deterministic and perform no I/O. History
// slices are expected ordered by FetchedAt ascending, the order the store
// returns them in; the forecast functions re-sort defensively because they
// are also reachable from external callers.
package usage

import (
	"math"
	"sort"
	"time"
)

// Forecast failure reasons. These are part of the API surface: clients
// branch on them, so they are fixed strings rather than free-form text.
const (
	ReasonInsufficientHistory      = "Insufficient history"
	ReasonInsufficientCycleHistory = "Insufficient cycle history"
	ReasonInsufficientTimeWindow   = "Insufficient time window"
	ReasonNoConsumptionTrend       = "No consumption trend"
	ReasonInvalidBurnRate          = "Invalid burn rate"
	ReasonInvalidForecast          = "Invalid forecast"
	ReasonNoHistory                = "No history"
)

// ForecastOptions tunes burn-rate computation. The defaults match the
// shipped behavior; both knobs are exposed through agent configuration
// rather than hardcoded.
type ForecastOptions struct {
	// ResetDropRatio is the minimum usage drop, as a fraction of
	// max(previous used, previous available), that counts as a quota
	// reset between consecutive samples. Default 0.20.
	ResetDropRatio float64

	// MinCycleWindow is the minimum elapsed time the trimmed cycle must
	// span before a forecast is attempted. Default 1 hour.
	MinCycleWindow time.Duration
}

// DefaultForecastOptions returns the standard tuning.
func DefaultForecastOptions() ForecastOptions {
	return ForecastOptions{
		ResetDropRatio: 0.20,
		MinCycleWindow: time.Hour,
	}
}

func (o *ForecastOptions) applyDefaults() {
	if o.ResetDropRatio <= 0 {
		o.ResetDropRatio = 0.20
	}
	if o.MinCycleWindow <= 0 {
		o.MinCycleWindow = time.Hour
	}
}

// ClampPercent maps NaN and infinities to 0 and clamps everything else
// to [0,100].
func ClampPercent(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0
	}
	if x < 0 {
		return 0
	}
	if x > 100 {
		return 100
	}
	return x
}

// UsedPercent returns used/total as a clamped percentage.
// A non-positive total yields 0.
func UsedPercent(used, total float64) float64 {
	if total <= 0 {
		return 0
	}
	return ClampPercent(used / total * 100)
}

// RemainingPercent returns (total-used)/total as a clamped percentage.
// A non-positive total yields 100.
func RemainingPercent(used, total float64) float64 {
	if total <= 0 {
		return 100
	}
	return ClampPercent((total - used) / total * 100)
}

// EffectiveUsedPercent reads RequestsPercentage uniformly as "used".
//
// Quota-based providers and coding-plan subscriptions report the share of
// the allotment that remains, so their stored percentage is inverted.
// Everything else already stores "used" and passes through unchanged.
func EffectiveUsedPercent(u *ProviderUsage) float64 {
	p := ClampPercent(u.RequestsPercentage)
	if u.IsQuotaBased || u.Plan == PlanCoding {
		return ClampPercent(100 - p)
	}
	return p
}

// BurnRate computes a consumption forecast from a usage history.
//
// The algorithm trims the history to the active reset cycle first: any
// consecutive drop in Used whose magnitude is at least
// opts.ResetDropRatio x max(previous used, previous available) is taken as
// a quota replenishment, and only samples from the last such drop onward
// participate. Within the cycle only positive deltas count as consumption;
// negative noise is ignored.
//
// BurnRate never panics; every degenerate input yields an unavailable
// forecast carrying one of the Reason* strings.
func BurnRate(history []ProviderUsage, opts ForecastOptions) BurnRateForecast {
	opts.applyDefaults()

	samples := make([]ProviderUsage, 0, len(history))
	for _, s := range history {
		if s.FetchedAt.IsZero() || s.Available <= 0 || math.IsNaN(s.Used) {
			continue
		}
		samples = append(samples, s)
	}
	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].FetchedAt.Before(samples[j].FetchedAt)
	})

	if len(samples) < 2 {
		return unavailableForecast(ReasonInsufficientHistory, len(samples))
	}

	// Find the start of the active cycle: the last reset-sized drop.
	cycleStart := 0
	for i := 1; i < len(samples); i++ {
		drop := samples[i-1].Used - samples[i].Used
		base := math.Max(samples[i-1].Used, samples[i-1].Available)
		if drop > 0 && base > 0 && drop >= opts.ResetDropRatio*base {
			cycleStart = i
		}
	}
	cycle := samples[cycleStart:]

	if len(cycle) < 2 {
		return unavailableForecast(ReasonInsufficientCycleHistory, len(cycle))
	}

	elapsed := cycle[len(cycle)-1].FetchedAt.Sub(cycle[0].FetchedAt)
	if elapsed < opts.MinCycleWindow {
		return unavailableForecast(ReasonInsufficientTimeWindow, len(cycle))
	}

	var consumed float64
	for i := 1; i < len(cycle); i++ {
		if delta := cycle[i].Used - cycle[i-1].Used; delta > 0 {
			consumed += delta
		}
	}
	if consumed <= 0 {
		return unavailableForecast(ReasonNoConsumptionTrend, len(cycle))
	}

	elapsedDays := elapsed.Hours() / 24
	burnRate := consumed / elapsedDays
	if burnRate <= 0 || math.IsNaN(burnRate) || math.IsInf(burnRate, 0) {
		return unavailableForecast(ReasonInvalidBurnRate, len(cycle))
	}

	newest := cycle[len(cycle)-1]
	remaining := newest.Available - newest.Used
	if remaining < 0 {
		remaining = 0
	}

	days := remaining / burnRate
	if math.IsNaN(days) || math.IsInf(days, 0) {
		return unavailableForecast(ReasonInvalidForecast, len(cycle))
	}

	exhaustion := newest.FetchedAt.Add(time.Duration(days * 24 * float64(time.Hour)))
	return BurnRateForecast{
		IsAvailable:         true,
		BurnRatePerDay:      burnRate,
		RemainingUnits:      remaining,
		DaysUntilExhausted:  days,
		EstimatedExhaustion: &exhaustion,
		SampleCount:         len(cycle),
	}
}

func unavailableForecast(reason string, samples int) BurnRateForecast {
	return BurnRateForecast{
		IsAvailable:       false,
		UnavailableReason: reason,
		SampleCount:       samples,
	}
}

// Reliability summarizes fetch dependability over a usage history.
// Average interval counts only positive gaps between consecutive samples,
// so duplicate timestamps do not dilute it.
func Reliability(history []ProviderUsage) ReliabilitySnapshot {
	if len(history) == 0 {
		return ReliabilitySnapshot{
			IsAvailable:       false,
			UnavailableReason: ReasonNoHistory,
		}
	}

	samples := make([]ProviderUsage, len(history))
	copy(samples, history)
	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].FetchedAt.Before(samples[j].FetchedAt)
	})

	snap := ReliabilitySnapshot{
		IsAvailable: true,
		SampleCount: len(samples),
	}

	var intervalSum time.Duration
	var intervalCount int
	for i, s := range samples {
		if s.IsAvailable {
			snap.SuccessCount++
			t := s.FetchedAt
			snap.LastSuccessAt = &t
		} else {
			snap.FailureCount++
		}
		if i > 0 {
			if gap := s.FetchedAt.Sub(samples[i-1].FetchedAt); gap > 0 {
				intervalSum += gap
				intervalCount++
			}
		}
	}

	snap.FailureRatePercent = float64(snap.FailureCount) / float64(snap.SampleCount) * 100
	if intervalCount > 0 {
		snap.AvgSampleInterval = intervalSum / time.Duration(intervalCount)
	}
	last := samples[len(samples)-1].FetchedAt
	snap.LastSeenAt = &last
	return snap
}
