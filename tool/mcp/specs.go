package mcp

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sweetpotato0/ai-relay/tool"
)

// Config selects an MCP server. Command wins over Endpoint.
type Config struct {
	Name     string   `yaml:"name"`
	Command  string   `yaml:"command"`
	Args     []string `yaml:"args"`
	Env      []string `yaml:"env"`
	Endpoint string   `yaml:"endpoint"`
}

// Provider publishes the tools of one MCP server as tool specs.
type Provider struct {
	client *Client
}

var _ tool.Provider = (*Provider)(nil)

// NewProvider connects to the server described by cfg and checks that its tools can be listed.
func NewProvider(ctx context.Context, cfg Config, opts ...Option) (*Provider, error) {
	opts = append([]Option{WithArgs(cfg.Args...), WithEnv(cfg.Env...)}, opts...)
	client, err := Dial(ctx, cfg.Command, cfg.Endpoint, opts...)
	if err != nil {
		return nil, err
	}
	p := &Provider{client: client}
	if _, err := p.Specs(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return p, nil
}

// Specs lists the server's tools.
func (p *Provider) Specs(ctx context.Context) ([]*tool.Spec, error) {
	defs, err := p.client.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	return SpecsFromTools(defs), nil
}

func (p *Provider) Close() error { return p.client.Close() }

func (p *Provider) ToolsChanged() <-chan struct{} { return p.client.ToolsChanged() }

// SpecsFromTools converts MCP tool definitions into specs.
func SpecsFromTools(defs []*sdkmcp.Tool) []*tool.Spec {
	specs := make([]*tool.Spec, 0, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		description := def.Description
		if description == "" && def.Annotations != nil {
			description = def.Annotations.Title
		}
		specs = append(specs, &tool.Spec{
			Name:        def.Name,
			Description: description,
			Parameters:  parametersFromSchema(def.InputSchema),
		})
	}
	return specs
}

// parametersFromSchema flattens the top-level properties of an object schema, sorted by name.
func parametersFromSchema(schema any) []tool.Parameter {
	obj := asObject(schema)
	if obj == nil || !strings.EqualFold(str(obj["type"]), "object") {
		return nil
	}
	props, _ := obj["properties"].(map[string]any)
	if len(props) == 0 {
		return nil
	}

	required := map[string]bool{}
	for _, name := range strs(obj["required"]) {
		required[name] = true
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	params := make([]tool.Parameter, 0, len(names))
	for _, name := range names {
		prop, ok := props[name].(map[string]any)
		if !ok {
			continue
		}
		typ := str(prop["type"])
		switch {
		case typ != "":
		case prop["items"] != nil:
			typ = "array"
		case prop["properties"] != nil:
			typ = "object"
		default:
			typ = "string"
		}
		params = append(params, tool.Parameter{
			Name:        name,
			Type:        typ,
			Description: str(prop["description"]),
			Required:    required[name],
			Enum:        strs(prop["enum"]),
			Default:     prop["default"],
		})
	}
	return params
}

func asObject(v any) map[string]any {
	switch value := v.(type) {
	case map[string]any:
		return value
	case nil:
		return nil
	default:
		// typed schemas (jsonschema.Schema, json.RawMessage) round-trip through JSON
		data, err := json.Marshal(value)
		if err != nil {
			return nil
		}
		var out map[string]any
		if json.Unmarshal(data, &out) != nil {
			return nil
		}
		return out
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func strs(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
