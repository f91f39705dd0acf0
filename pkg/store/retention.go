package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// RetentionConfig configures scheduled history pruning.
type RetentionConfig struct {
	// Schedule is a cron expression. Empty disables scheduled pruning.
	//
	// Common expressions:
	//   - "0 3 * * *"    - Daily at 3 AM
	//   - "0 */6 * * *"  - Every 6 hours
	Schedule string

	// RetentionDays is how many days of history to keep.
	RetentionDays int
}

// Scheduler prunes old usage history on a cron schedule.
type Scheduler struct {
	store  Store
	config RetentionConfig
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewScheduler creates a retention scheduler over the given store.
func NewScheduler(store Store, config RetentionConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:  store,
		config: config,
		cron:   cron.New(),
		logger: logger.With("component", "store.retention"),
	}
}

// Start begins scheduled pruning. If Schedule is empty or RetentionDays
// is non-positive, the scheduler does nothing.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.config.Schedule == "" || s.config.RetentionDays <= 0 {
		s.logger.Info("retention not configured, skipping scheduler")
		return nil
	}

	if _, err := cron.ParseStandard(s.config.Schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", s.config.Schedule, err)
	}

	_, err := s.cron.AddFunc(s.config.Schedule, func() {
		s.runPruning(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule pruning: %w", err)
	}

	s.cron.Start()
	s.running = true

	s.logger.Info("retention scheduler started",
		"schedule", s.config.Schedule,
		"retention_days", s.config.RetentionDays,
	)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// runPruning executes one pruning cycle.
func (s *Scheduler) runPruning(ctx context.Context) {
	cutoff := time.Now().AddDate(0, 0, -s.config.RetentionDays)

	deleted, err := s.store.Prune(ctx, cutoff)
	if err != nil {
		s.logger.Error("scheduled pruning failed", "error", err)
		return
	}

	if deleted > 0 {
		s.logger.Info("scheduled pruning completed", "deleted_count", deleted)
	} else {
		s.logger.Debug("scheduled pruning completed, no samples deleted")
	}
}

// Stop stops the scheduler and waits for any running job to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil && s.running {
		ctx := s.cron.Stop()
		<-ctx.Done()
		s.running = false
		s.logger.Info("retention scheduler stopped")
	}
}

// IsRunning reports whether the scheduler is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next scheduled pruning time, or nil.
func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
