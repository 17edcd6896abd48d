package tool

import (
	"context"
	"errors"
	"testing"
)

func TestSpecSchema(t *testing.T) {
	spec := &Spec{
		Name:        "get_weather",
		Description: "Look up the weather",
		Parameters: []Parameter{
			{Name: "city", Type: "string", Description: "City name", Required: true},
			{Name: "unit", Type: "string", Enum: []string{"c", "f"}},
			{Name: "days", Description: "Forecast length", Default: 1},
		},
	}

	schema := spec.ParamSchema()
	if schema["type"] != "object" {
		t.Errorf("Expected object schema, got %v", schema["type"])
	}

	required, ok := schema["required"].([]string)
	if !ok || len(required) != 1 || required[0] != "city" {
		t.Errorf("Expected required [city], got %v", schema["required"])
	}

	props := schema["properties"].(map[string]any)
	days := props["days"].(map[string]any)
	if days["type"] != "string" {
		t.Errorf("Expected missing type to default to string, got %v", days["type"])
	}
	unit := props["unit"].(map[string]any)
	if _, ok := unit["enum"]; !ok {
		t.Error("Expected enum to be carried")
	}
}

func TestSpecValidation(t *testing.T) {
	spec := &Spec{
		Name: "test_tool",
		Parameters: []Parameter{
			{Name: "required_param", Type: "string", Required: true},
		},
	}

	if err := spec.ValidateArgs(map[string]any{}); err == nil {
		t.Error("Expected error for missing required parameter, got nil")
	}
	if err := spec.ValidateArgs(map[string]any{"required_param": "value"}); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry()

	tool1 := &Spec{Name: "tool1", Description: "First tool"}
	tool2 := &Spec{Name: "tool2", Description: "Second tool"}

	if err := registry.Register(tool2); err != nil {
		t.Fatalf("Failed to register tool2: %v", err)
	}
	if err := registry.Register(tool1); err != nil {
		t.Fatalf("Failed to register tool1: %v", err)
	}

	// Test duplicate registration
	if err := registry.Register(tool1); err == nil {
		t.Error("Expected error for duplicate registration, got nil")
	}

	retrieved, err := registry.Get("tool1")
	if err != nil {
		t.Fatalf("Failed to get tool1: %v", err)
	}
	if retrieved.Name != "tool1" {
		t.Errorf("Expected tool name 'tool1', got '%s'", retrieved.Name)
	}

	specs := registry.List()
	if len(specs) != 2 || specs[0].Name != "tool1" {
		t.Errorf("Expected 2 specs sorted by name, got %v", specs)
	}
	if registry.Len() != 2 {
		t.Errorf("Expected Len 2, got %d", registry.Len())
	}
}

type staticProvider struct {
	specs []*Spec
	err   error
}

func (p staticProvider) Specs(context.Context) ([]*Spec, error) { return p.specs, p.err }
func (p staticProvider) Close() error                           { return nil }
func (p staticProvider) ToolsChanged() <-chan struct{}          { return nil }

func TestLoad(t *testing.T) {
	first := staticProvider{specs: []*Spec{{Name: "search", Description: "v1"}}}
	second := staticProvider{specs: []*Spec{{Name: "search", Description: "v2"}, {Name: "fetch"}}}

	reg, err := Load(context.Background(), first, second)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	got, _ := reg.Get("search")
	if got.Description != "v2" {
		t.Errorf("Expected later provider to win, got %q", got.Description)
	}

	boom := errors.New("boom")
	if _, err := Load(context.Background(), staticProvider{err: boom}); !errors.Is(err, boom) {
		t.Errorf("Expected provider error, got %v", err)
	}
}
