package health

import (
	"context"
	"sync"
	"time"
)

// Check probes one component. It returns nil when the component is
// healthy, or an error describing what is wrong.
type Check func(ctx context.Context) error

// Result is the outcome of a single component check.
type Result struct {
	// Status is "ok" or "unhealthy".
	Status string `json:"status"`

	// Message carries the failure detail for unhealthy components.
	Message string `json:"message,omitempty"`

	// Duration is how long the check took.
	Duration time.Duration `json:"duration_ms"`
}

// Report aggregates the results of all registered checks.
type Report struct {
	// Status is "ok" when every component passed, "degraded" otherwise.
	Status string `json:"status"`

	// Components maps component name to its check result.
	Components map[string]Result `json:"components,omitempty"`

	// CheckedAt is when the report was produced.
	CheckedAt time.Time `json:"checked_at"`
}

// Healthy reports whether every component passed.
func (r Report) Healthy() bool { return r.Status == "ok" }

// Checker runs registered component checks with a per-check timeout.
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]Check
	timeout time.Duration
}

// NewChecker returns a checker. A zero timeout defaults to 3 seconds
// per check.
func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Checker{
		checks:  make(map[string]Check),
		timeout: timeout,
	}
}

// Register adds or replaces the check for a named component.
func (c *Checker) Register(name string, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// Unregister removes a component's check.
func (c *Checker) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.checks, name)
}

// Names returns the registered component names.
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	return names
}

// Run executes all registered checks concurrently and aggregates the
// results. With no checks registered the report is trivially "ok".
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.RLock()
	checks := make(map[string]Check, len(c.checks))
	for name, check := range c.checks {
		checks[name] = check
	}
	c.mu.RUnlock()

	report := Report{
		Status:     "ok",
		Components: make(map[string]Result, len(checks)),
		CheckedAt:  time.Now(),
	}
	if len(checks) == 0 {
		return report
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for name, check := range checks {
		wg.Add(1)
		go func(name string, check Check) {
			defer wg.Done()
			result := c.runOne(ctx, check)

			mu.Lock()
			report.Components[name] = result
			mu.Unlock()
		}(name, check)
	}
	wg.Wait()

	for _, result := range report.Components {
		if result.Status != "ok" {
			report.Status = "degraded"
			break
		}
	}
	return report
}

func (c *Checker) runOne(ctx context.Context, check Check) Result {
	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	errCh := make(chan error, 1)
	go func() { errCh <- check(checkCtx) }()

	select {
	case err := <-errCh:
		if err != nil {
			return Result{Status: "unhealthy", Message: err.Error(), Duration: time.Since(start)}
		}
		return Result{Status: "ok", Duration: time.Since(start)}
	case <-checkCtx.Done():
		return Result{Status: "unhealthy", Message: "check timed out", Duration: time.Since(start)}
	}
}
