package tool

import "context"

// Provider supplies tool specs that can be attached to requests.
type Provider interface {
	// Specs returns the provider's current tool declarations.
	Specs(ctx context.Context) ([]*Spec, error)
	// Close releases resources owned by the provider.
	Close() error
	// ToolsChanged returns a channel that fires when the tool set is updated.
	// Providers that do not support live updates should return nil.
	ToolsChanged() <-chan struct{}
}

// Load fetches the specs of every provider into one registry. Later providers win on name clashes.
func Load(ctx context.Context, providers ...Provider) (*Registry, error) {
	reg := NewRegistry()
	for _, p := range providers {
		specs, err := p.Specs(ctx)
		if err != nil {
			return nil, err
		}
		for _, s := range specs {
			if err := reg.Upsert(s); err != nil {
				return nil, err
			}
		}
	}
	return reg, nil
}
