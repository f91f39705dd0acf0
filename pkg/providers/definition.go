package providers

import (
	"fmt"
	"strings"

	"quotawatch/pkg/usage"
)

// Definition is the immutable, registry-owned capability descriptor for one
// provider family. It drives id routing, display-name resolution and the
// default values used for fallback/error records.
type Definition struct {
	// ID is the canonical provider id, matched case-insensitively.
	ID string

	// DisplayName is the human name shown when the adapter supplies none.
	DisplayName string

	// Plan classifies the provider's billing model.
	Plan usage.PlanType

	// QuotaBased marks providers that report remaining-of-allotment.
	QuotaBased bool

	// DefaultConfigType tags credentials created for this provider when
	// the user does not choose one ("api-key", "oauth", "cli-state").
	DefaultConfigType string

	// HandledIDs is the set of ids this definition answers for. It always
	// contains ID itself; aliases are additional.
	HandledIDs []string

	// SupportsChildIDs enables hierarchical matching of "<handled>.<child>"
	// ids (per-model or per-window sub-providers).
	SupportsChildIDs bool

	// DisplayNameOverrides maps specific ids (usually child ids) to
	// display names, taking precedence over DisplayName.
	DisplayNameOverrides map[string]string

	// AutoInclude lists the provider in every refresh even when no
	// credential is stored (providers that need no key).
	AutoInclude bool
}

// NewDefinition builds a validated Definition. The handled-id set is
// normalized to lower case and always contains the provider's own id.
func NewDefinition(id, displayName string, opts ...DefinitionOption) (Definition, error) {
	if strings.TrimSpace(id) == "" {
		return Definition{}, fmt.Errorf("provider definition: id cannot be blank")
	}
	if strings.TrimSpace(displayName) == "" {
		return Definition{}, fmt.Errorf("provider definition %q: display name cannot be blank", id)
	}

	def := Definition{
		ID:          strings.ToLower(strings.TrimSpace(id)),
		DisplayName: displayName,
		Plan:        usage.PlanUsage,
	}
	for _, opt := range opts {
		opt(&def)
	}

	if !containsFold(def.HandledIDs, def.ID) {
		def.HandledIDs = append([]string{def.ID}, def.HandledIDs...)
	}
	for i, h := range def.HandledIDs {
		def.HandledIDs[i] = strings.ToLower(strings.TrimSpace(h))
	}
	return def, nil
}

// MustDefinition is NewDefinition for statically-known inputs.
// It panics on validation failure and is intended for package-level
// adapter definitions.
func MustDefinition(id, displayName string, opts ...DefinitionOption) Definition {
	def, err := NewDefinition(id, displayName, opts...)
	if err != nil {
		panic(err)
	}
	return def
}

// DefinitionOption customizes a Definition at construction time.
type DefinitionOption func(*Definition)

// WithPlan sets the plan classification.
func WithPlan(plan usage.PlanType) DefinitionOption {
	return func(d *Definition) { d.Plan = plan }
}

// WithQuotaBased marks the provider quota-based.
func WithQuotaBased() DefinitionOption {
	return func(d *Definition) { d.QuotaBased = true }
}

// WithConfigType sets the default credential config type.
func WithConfigType(t string) DefinitionOption {
	return func(d *Definition) { d.DefaultConfigType = t }
}

// WithAliases adds extra handled ids.
func WithAliases(ids ...string) DefinitionOption {
	return func(d *Definition) { d.HandledIDs = append(d.HandledIDs, ids...) }
}

// WithChildIDs enables "<id>.<child>" matching.
func WithChildIDs() DefinitionOption {
	return func(d *Definition) { d.SupportsChildIDs = true }
}

// WithDisplayNameOverride maps one id to a specific display name.
func WithDisplayNameOverride(id, name string) DefinitionOption {
	return func(d *Definition) {
		if d.DisplayNameOverrides == nil {
			d.DisplayNameOverrides = make(map[string]string)
		}
		d.DisplayNameOverrides[strings.ToLower(id)] = name
	}
}

// WithAutoInclude lists the provider in every refresh cycle even without a
// stored credential.
func WithAutoInclude() DefinitionOption {
	return func(d *Definition) { d.AutoInclude = true }
}

// HandlesProviderID reports whether this definition answers for id: an
// exact case-insensitive match against any handled id, or (when child ids
// are supported) a "<handled>.<child>" prefix match.
func (d Definition) HandlesProviderID(id string) bool {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return false
	}
	for _, handled := range d.HandledIDs {
		if id == handled {
			return true
		}
		if d.SupportsChildIDs && strings.HasPrefix(id, handled+".") {
			return true
		}
	}
	return false
}

// ResolveDisplayName returns the display name for id: an explicit per-id
// override first, the definition's own name when the id is handled, and ""
// otherwise (callers fall back to the raw id).
func (d Definition) ResolveDisplayName(id string) string {
	key := strings.ToLower(strings.TrimSpace(id))
	if name, ok := d.DisplayNameOverrides[key]; ok {
		return name
	}
	if d.HandlesProviderID(id) {
		return d.DisplayName
	}
	return ""
}

func containsFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}
