package notify

import (
	"testing"
	"time"

	"quotawatch/pkg/usage"
)

type captureNotifier struct {
	events []Event
}

func (c *captureNotifier) Notify(event Event) {
	c.events = append(c.events, event)
}

func record(id string, usedPercent float64, available bool) usage.ProviderUsage {
	return usage.ProviderUsage{
		ProviderID:         id,
		ProviderName:       id,
		RequestsPercentage: usedPercent,
		IsAvailable:        available,
		FetchedAt:          time.Now(),
	}
}

func TestHandleBatch_ThresholdCrossing(t *testing.T) {
	capture := &captureNotifier{}
	m := NewManager(capture, 90, time.Hour)

	m.HandleBatch([]usage.ProviderUsage{
		record("low", 50, true),
		record("high", 95, true),
	})

	if len(capture.events) != 1 {
		t.Fatalf("events = %+v, want one", capture.events)
	}
	if capture.events[0].ProviderID != "high" {
		t.Errorf("ProviderID = %q", capture.events[0].ProviderID)
	}
	if capture.events[0].UsedPercent != 95 {
		t.Errorf("UsedPercent = %g", capture.events[0].UsedPercent)
	}
}

func TestHandleBatch_UnavailableRecordsIgnored(t *testing.T) {
	capture := &captureNotifier{}
	m := NewManager(capture, 90, time.Hour)

	m.HandleBatch([]usage.ProviderUsage{record("down", 99, false)})

	if len(capture.events) != 0 {
		t.Fatalf("events = %+v, want none", capture.events)
	}
}

func TestHandleBatch_QuotaBasedInversion(t *testing.T) {
	capture := &captureNotifier{}
	m := NewManager(capture, 90, time.Hour)

	// Quota-based providers store "remaining"; 5% remaining = 95% used.
	rec := record("quota", 5, true)
	rec.IsQuotaBased = true
	m.HandleBatch([]usage.ProviderUsage{rec})

	if len(capture.events) != 1 {
		t.Fatalf("events = %+v, want one", capture.events)
	}
	if capture.events[0].UsedPercent != 95 {
		t.Errorf("UsedPercent = %g, want inverted 95", capture.events[0].UsedPercent)
	}
}

func TestHandleBatch_CooldownSuppressesRepeats(t *testing.T) {
	capture := &captureNotifier{}
	m := NewManager(capture, 90, time.Hour)

	now := time.Now()
	m.now = func() time.Time { return now }

	m.HandleBatch([]usage.ProviderUsage{record("high", 95, true)})
	m.HandleBatch([]usage.ProviderUsage{record("high", 96, true)})
	if len(capture.events) != 1 {
		t.Fatalf("events after cooldown window = %d, want 1", len(capture.events))
	}

	now = now.Add(2 * time.Hour)
	m.HandleBatch([]usage.ProviderUsage{record("high", 97, true)})
	if len(capture.events) != 2 {
		t.Fatalf("events after cooldown elapsed = %d, want 2", len(capture.events))
	}
}

func TestHandleBatch_DroppingBelowThresholdRearms(t *testing.T) {
	capture := &captureNotifier{}
	m := NewManager(capture, 90, time.Hour)

	m.HandleBatch([]usage.ProviderUsage{record("p", 95, true)})
	m.HandleBatch([]usage.ProviderUsage{record("p", 10, true)})
	m.HandleBatch([]usage.ProviderUsage{record("p", 95, true)})

	if len(capture.events) != 2 {
		t.Fatalf("events = %d, want 2 (re-armed after recovery)", len(capture.events))
	}
}

func TestNewManager_NilNotifierIsNoop(t *testing.T) {
	m := NewManager(nil, 90, time.Hour)
	// Must not panic.
	m.HandleBatch([]usage.ProviderUsage{record("p", 95, true)})
}
