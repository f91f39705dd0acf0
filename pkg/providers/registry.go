package providers

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry maps provider ids to definitions and live adapter instances.
// Registration happens once at startup; lookups run on every refresh
// cycle, so the read path takes only an RLock.
type Registry struct {
	mu       sync.RWMutex
	adapters []Provider
	byID     map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID: make(map[string]Provider),
	}
}

// Register adds an adapter. The adapter's definition must be valid and its
// canonical id must not already be registered.
func (r *Registry) Register(p Provider) error {
	if p == nil {
		return fmt.Errorf("registry: adapter cannot be nil")
	}
	def := p.Definition()
	if strings.TrimSpace(def.ID) == "" {
		return fmt.Errorf("registry: adapter has a blank definition id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := strings.ToLower(def.ID)
	if _, exists := r.byID[key]; exists {
		return fmt.Errorf("registry: provider %q already registered", def.ID)
	}
	r.byID[key] = p
	r.adapters = append(r.adapters, p)
	return nil
}

// Resolve returns the adapter that handles id, trying an exact canonical-id
// match first and falling back to each definition's matching rules (aliases
// and child ids). Returns nil when no adapter handles the id.
func (r *Registry) Resolve(id string) Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if p, ok := r.byID[strings.ToLower(strings.TrimSpace(id))]; ok {
		return p
	}
	for _, p := range r.adapters {
		if p.CanHandle(id) {
			return p
		}
	}
	return nil
}

// Definition returns the definition that handles id and whether one was
// found. This resolves routing decisions without touching the adapter.
func (r *Registry) Definition(id string) (Definition, bool) {
	p := r.Resolve(id)
	if p == nil {
		return Definition{}, false
	}
	return p.Definition(), true
}

// Definitions returns all registered definitions, ordered by id.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.adapters))
	for _, p := range r.adapters {
		defs = append(defs, p.Definition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs
}

// AutoInclude returns the definitions flagged for inclusion in every
// refresh cycle, ordered by id.
func (r *Registry) AutoInclude() []Definition {
	var defs []Definition
	for _, d := range r.Definitions() {
		if d.AutoInclude {
			defs = append(defs, d)
		}
	}
	return defs
}

// Len returns the number of registered adapters.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}
