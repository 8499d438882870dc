package inheritance

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func sampleParent() map[string]any {
	return map[string]any{
		"model":         "gpt-4o",
		"temperature":   0.7,
		"topics":        []any{"sales", "pricing"},
		"enabled_tools": []string{"memory_search"},
		"guardrails":    map[string]any{"content_filter": true, "max_message_length": 2000.0},
		"identity":      map[string]any{"name": "Main"},
	}
}

func sampleChild() map[string]any {
	return map[string]any{
		"model":         "gpt-4o-mini",
		"temperature":   0.2,
		"topics":        []any{"pricing", "billing"},
		"enabled_tools": []string{"record_lookup", "memory_search"},
		"guardrails":    map[string]any{"max_message_length": 500.0, "rate_limit": 10.0},
		"identity":      map[string]any{"name": "Billing"},
	}
}

func allPolicies(p Policy) Config {
	cfg := Config{}
	for k := range sampleParent() {
		cfg[k] = p
	}
	return cfg
}

func TestResolveAllInheritIsParent(t *testing.T) {
	got := Resolve(sampleParent(), sampleChild(), allPolicies(Inherit))
	if diff := cmp.Diff(sampleParent(), got); diff != "" {
		t.Errorf("inherit-all mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveAllOverrideIsChild(t *testing.T) {
	got := Resolve(sampleParent(), sampleChild(), allPolicies(Override))
	if diff := cmp.Diff(sampleChild(), got); diff != "" {
		t.Errorf("override-all mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveExtend(t *testing.T) {
	got := Resolve(sampleParent(), sampleChild(), Config{
		"topics":        Extend,
		"enabled_tools": Extend,
		"guardrails":    Extend,
		"model":         Inherit,
	})

	want := map[string]any{
		"model":         "gpt-4o",
		"temperature":   0.2,
		"topics":        []any{"sales", "pricing", "billing"},
		"enabled_tools": []string{"memory_search", "record_lookup"},
		"guardrails":    map[string]any{"content_filter": true, "max_message_length": 500.0, "rate_limit": 10.0},
		"identity":      map[string]any{"name": "Billing"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("extend mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveMissingChildFieldFallsBackToParent(t *testing.T) {
	child := map[string]any{"temperature": 0.1}
	got := Resolve(sampleParent(), child, Config{"temperature": "bogus"})
	if got["model"] != "gpt-4o" {
		t.Errorf("absent child field should take parent's value, got %v", got["model"])
	}
	if got["temperature"] != 0.1 {
		t.Errorf("unknown policy should behave as override, got %v", got["temperature"])
	}
}

func TestResolveExtendWithAbsentSide(t *testing.T) {
	parent := map[string]any{"triggers": []any{"a"}}
	child := map[string]any{"integrations": map[string]any{"crm": "x"}}
	got := Resolve(parent, child, Config{"triggers": Extend, "integrations": Extend})
	want := map[string]any{
		"triggers":     []any{"a"},
		"integrations": map[string]any{"crm": "x"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveExtendScalarFallsBackToOverride(t *testing.T) {
	got := Resolve(map[string]any{"model": "a"}, map[string]any{"model": "b"}, Config{"model": Extend})
	if got["model"] != "b" {
		t.Errorf("extend on scalars should override, got %v", got["model"])
	}
}

func TestResolveDoesNotMutateInputs(t *testing.T) {
	parent := sampleParent()
	child := sampleChild()
	_ = Resolve(parent, child, Config{"topics": Extend, "guardrails": Extend})
	if diff := cmp.Diff(sampleParent(), parent); diff != "" {
		t.Errorf("parent mutated:\n%s", diff)
	}
	if diff := cmp.Diff(sampleChild(), child); diff != "" {
		t.Errorf("child mutated:\n%s", diff)
	}
}
