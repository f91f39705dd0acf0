// Package notify raises threshold alerts when a provider's effective
// usage crosses the configured percentage.
//
// Delivery is fire-and-forget: the manager inspects each completed
// refresh batch, applies the threshold and a per-provider cooldown, and
// hands qualifying records to a Notifier. Failures to deliver never
// affect the refresh path.
package notify

import (
	"sync"
	"time"

	"quotawatch/pkg/telemetry/logging"
	"quotawatch/pkg/usage"
)

// Event is one threshold crossing.
type Event struct {
	// ProviderID is the provider that crossed the threshold.
	ProviderID string

	// ProviderName is the display name for user-facing delivery.
	ProviderName string

	// UsedPercent is the effective used percentage at crossing time.
	UsedPercent float64

	// Threshold is the configured trigger percentage.
	Threshold float64

	// OccurredAt is when the triggering sample was fetched.
	OccurredAt time.Time
}

// Notifier delivers one event. Implementations must not block for long;
// the manager calls them synchronously from the refresh completion path.
type Notifier interface {
	Notify(event Event)
}

// Noop discards every event.
type Noop struct{}

// Notify implements Notifier.
func (Noop) Notify(Event) {}

// Slog logs each event at warning severity. It is the default delivery
// channel; desktop consumers replace it with an OS-toast implementation.
type Slog struct {
	Logger *logging.Logger
}

// Notify implements Notifier.
func (s Slog) Notify(event Event) {
	s.Logger.Warn("usage threshold crossed",
		"provider", event.ProviderID,
		"provider_name", event.ProviderName,
		"used_percent", event.UsedPercent,
		"threshold", event.Threshold,
	)
}

// Manager filters refresh batches down to deliverable events.
type Manager struct {
	notifier  Notifier
	threshold float64
	cooldown  time.Duration

	mu       sync.Mutex
	lastSent map[string]time.Time

	now func() time.Time
}

// NewManager creates a manager. A zero cooldown alerts on every batch the
// provider stays over the threshold.
func NewManager(notifier Notifier, threshold float64, cooldown time.Duration) *Manager {
	if notifier == nil {
		notifier = Noop{}
	}
	return &Manager{
		notifier:  notifier,
		threshold: threshold,
		cooldown:  cooldown,
		lastSent:  make(map[string]time.Time),
		now:       time.Now,
	}
}

// HandleBatch inspects one completed refresh batch. It has the signature
// the orchestrator's notifier hook expects.
func (m *Manager) HandleBatch(records []usage.ProviderUsage) {
	for i := range records {
		rec := &records[i]
		if !rec.IsAvailable {
			continue
		}
		used := usage.EffectiveUsedPercent(rec)
		if used < m.threshold {
			// Dropping back under the threshold re-arms the alert.
			m.mu.Lock()
			delete(m.lastSent, rec.ProviderID)
			m.mu.Unlock()
			continue
		}

		if !m.shouldSend(rec.ProviderID) {
			continue
		}

		m.notifier.Notify(Event{
			ProviderID:   rec.ProviderID,
			ProviderName: rec.ProviderName,
			UsedPercent:  used,
			Threshold:    m.threshold,
			OccurredAt:   rec.FetchedAt,
		})
	}
}

// shouldSend applies the per-provider cooldown and stamps the send time
// when it passes.
func (m *Manager) shouldSend(providerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if last, ok := m.lastSent[providerID]; ok && now.Sub(last) < m.cooldown {
		return false
	}
	m.lastSent[providerID] = now
	return true
}
