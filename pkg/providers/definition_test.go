package providers

import (
	"testing"

	"quotawatch/pkg/usage"
)

func TestNewDefinition_Validation(t *testing.T) {
	tests := []struct {
		name        string
		id          string
		displayName string
		wantErr     bool
	}{
		{"valid", "codex", "Codex", false},
		{"blank id", "", "Codex", true},
		{"whitespace id", "   ", "Codex", true},
		{"blank display name", "codex", "", true},
		{"whitespace display name", "codex", "  ", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDefinition(tt.id, tt.displayName)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewDefinition(%q, %q) error = %v, wantErr %v",
					tt.id, tt.displayName, err, tt.wantErr)
			}
		})
	}
}

func TestNewDefinition_HandledIDsContainOwnID(t *testing.T) {
	def, err := NewDefinition("Codex", "Codex", WithAliases("openai-codex"))
	if err != nil {
		t.Fatalf("NewDefinition failed: %v", err)
	}
	if !def.HandlesProviderID("codex") {
		t.Error("definition does not handle its own id")
	}
	if !def.HandlesProviderID("openai-codex") {
		t.Error("definition does not handle its alias")
	}
}

func TestHandlesProviderID_ChildIDs(t *testing.T) {
	withChildren := MustDefinition("codex", "Codex", WithChildIDs())
	withoutChildren := MustDefinition("codex", "Codex")

	tests := []struct {
		name string
		def  Definition
		id   string
		want bool
	}{
		{"exact match", withChildren, "codex", true},
		{"exact match case insensitive", withChildren, "CODEX", true},
		{"child id with support", withChildren, "codex.spark", true},
		{"nested child id with support", withChildren, "codex.spark.extra", true},
		{"child id without support", withoutChildren, "codex.spark", false},
		{"unrelated id", withChildren, "deepseek", false},
		{"prefix without dot", withChildren, "codexspark", false},
		{"blank id", withChildren, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.def.HandlesProviderID(tt.id); got != tt.want {
				t.Errorf("HandlesProviderID(%q) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}
}

func TestResolveDisplayName(t *testing.T) {
	def := MustDefinition("codex", "Codex",
		WithChildIDs(),
		WithDisplayNameOverride("codex.spark", "Codex Spark"),
	)

	tests := []struct {
		name string
		id   string
		want string
	}{
		{"own id", "codex", "Codex"},
		{"override wins", "codex.spark", "Codex Spark"},
		{"override is case insensitive", "Codex.Spark", "Codex Spark"},
		{"handled child without override", "codex.other", "Codex"},
		{"unhandled id", "deepseek", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := def.ResolveDisplayName(tt.id); got != tt.want {
				t.Errorf("ResolveDisplayName(%q) = %q, want %q", tt.id, got, tt.want)
			}
		})
	}
}

func TestDefinitionOptions(t *testing.T) {
	def := MustDefinition("synthetic", "Synthetic",
		WithPlan(usage.PlanCoding),
		WithQuotaBased(),
		WithConfigType("api-key"),
		WithAutoInclude(),
	)

	if def.Plan != usage.PlanCoding {
		t.Errorf("Plan = %q, want %q", def.Plan, usage.PlanCoding)
	}
	if !def.QuotaBased {
		t.Error("QuotaBased = false, want true")
	}
	if def.DefaultConfigType != "api-key" {
		t.Errorf("DefaultConfigType = %q, want %q", def.DefaultConfigType, "api-key")
	}
	if !def.AutoInclude {
		t.Error("AutoInclude = false, want true")
	}
}
