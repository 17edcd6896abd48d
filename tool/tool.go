package tool

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Parameter defines a tool parameter
type Parameter struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"` // string, number, integer, boolean, object, array
	Description string   `json:"description"`
	Required    bool     `json:"required"`
	Enum        []string `json:"enum,omitempty"`
	Default     any      `json:"default,omitempty"`
}

// Spec describes a tool the model may call. Execution happens outside the relay;
// only the declaration travels with a request.
type Spec struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters"`
}

// RequiredParams returns the names of the required parameters in declaration order.
func (s *Spec) RequiredParams() []string {
	required := make([]string, 0, len(s.Parameters))
	for _, param := range s.Parameters {
		if param.Required {
			required = append(required, param.Name)
		}
	}
	return required
}

// ParamSchema returns the JSON-schema object describing the tool's arguments.
func (s *Spec) ParamSchema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": s.Properties(),
		"required":   s.RequiredParams(),
	}
}

// Properties returns the JSON-schema "properties" member.
func (s *Spec) Properties() map[string]any {
	properties := make(map[string]any, len(s.Parameters))
	for _, param := range s.Parameters {
		typ := param.Type
		if typ == "" {
			typ = "string"
		}
		prop := map[string]any{
			"type":        typ,
			"description": param.Description,
		}
		if len(param.Enum) > 0 {
			prop["enum"] = param.Enum
		}
		if param.Default != nil {
			prop["default"] = param.Default
		}
		properties[param.Name] = prop
	}
	return properties
}

// ValidateArgs checks that every required parameter is present in args.
func (s *Spec) ValidateArgs(args map[string]any) error {
	for _, param := range s.Parameters {
		if !param.Required {
			continue
		}
		if _, ok := args[param.Name]; !ok {
			return fmt.Errorf("missing required parameter: %s", param.Name)
		}
	}
	return nil
}

// Registry manages a collection of tool specs
// All operations are thread-safe using RWMutex protection
type Registry struct {
	mu    sync.RWMutex // Protects specs map
	specs map[string]*Spec
}

// NewRegistry creates a new tool registry
func NewRegistry(specs ...*Spec) *Registry {
	r := &Registry{specs: make(map[string]*Spec)}
	for _, s := range specs {
		_ = r.Upsert(s)
	}
	return r
}

// Register adds a spec to the registry
func (r *Registry) Register(spec *Spec) error {
	if spec == nil || spec.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.specs[spec.Name]; exists {
		return fmt.Errorf("tool %s already registered", spec.Name)
	}
	r.specs[spec.Name] = spec
	return nil
}

// Upsert adds or replaces a spec in the registry.
func (r *Registry) Upsert(spec *Spec) error {
	if spec == nil || spec.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.specs == nil {
		r.specs = make(map[string]*Spec)
	}
	r.specs[spec.Name] = spec
	return nil
}

// Remove deletes the spec registered under name.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.specs, name)
}

// Get retrieves a spec by name
func (r *Registry) Get(name string) (*Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	spec, ok := r.specs[name]
	if !ok {
		return nil, fmt.Errorf("tool %s not found", name)
	}
	return spec, nil
}

// List returns all registered specs sorted by name
func (r *Registry) List() []*Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]*Spec, 0, len(r.specs))
	for _, spec := range r.specs {
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Len returns the number of registered specs.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.specs)
}

// MarshalJSON customizes JSON marshaling for Registry
func (r *Registry) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.List())
}
