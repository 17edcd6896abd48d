package tool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Catalog keeps a live registry of the specs published by a set of providers. Specs a
// provider stops publishing are removed on its next reload.
type Catalog struct {
	registry *Registry
	logger   *slog.Logger

	mu       sync.Mutex
	sources  []Provider
	owned    map[Provider][]string
	watchers map[Provider]context.CancelFunc
}

// CatalogOption configures a Catalog.
type CatalogOption func(*Catalog)

// WithCatalogLogger sets the logger used for reload failures.
func WithCatalogLogger(l *slog.Logger) CatalogOption {
	return func(c *Catalog) { c.logger = l }
}

// NewCatalog creates an empty catalog.
func NewCatalog(opts ...CatalogOption) *Catalog {
	c := &Catalog{
		registry: NewRegistry(),
		logger:   slog.Default(),
		owned:    make(map[Provider][]string),
		watchers: make(map[Provider]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Add loads p's specs and, when p supports it, follows its change notifications.
func (c *Catalog) Add(ctx context.Context, p Provider) error {
	if p == nil {
		return nil
	}
	if err := c.reload(ctx, p); err != nil {
		return err
	}

	c.mu.Lock()
	c.sources = append(c.sources, p)
	ch := p.ToolsChanged()
	if ch != nil {
		wctx, cancel := context.WithCancel(context.Background())
		c.watchers[p] = cancel
		go c.watch(wctx, p, ch)
	}
	c.mu.Unlock()
	return nil
}

// Registry exposes the underlying spec registry.
func (c *Catalog) Registry() *Registry {
	return c.registry
}

// Select returns the named specs in order. Unknown names are an error.
func (c *Catalog) Select(names ...string) ([]*Spec, error) {
	specs := make([]*Spec, 0, len(names))
	for _, name := range names {
		spec, err := c.registry.Get(name)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// Close stops every watcher and closes every provider, returning the first error.
func (c *Catalog) Close() error {
	c.mu.Lock()
	sources := c.sources
	for _, cancel := range c.watchers {
		cancel()
	}
	c.sources = nil
	c.watchers = make(map[Provider]context.CancelFunc)
	c.mu.Unlock()

	var firstErr error
	for _, p := range sources {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Catalog) reload(ctx context.Context, p Provider) error {
	specs, err := p.Specs(ctx)
	if err != nil {
		return fmt.Errorf("load tool specs: %w", err)
	}

	names := make([]string, 0, len(specs))
	for _, s := range specs {
		if s == nil || s.Name == "" {
			continue
		}
		if err := c.registry.Upsert(s); err != nil {
			return err
		}
		names = append(names, s.Name)
	}

	c.mu.Lock()
	previous := c.owned[p]
	c.owned[p] = names
	c.mu.Unlock()

	kept := make(map[string]bool, len(names))
	for _, n := range names {
		kept[n] = true
	}
	for _, n := range previous {
		if !kept[n] {
			c.registry.Remove(n)
		}
	}
	return nil
}

func (c *Catalog) watch(ctx context.Context, p Provider, ch <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			if err := c.reload(ctx, p); err != nil {
				c.logger.Warn("tool reload failed", "error", err)
			}
		}
	}
}
