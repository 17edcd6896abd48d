package provider

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/sweetpotato0/ai-relay/errors"
	"github.com/sweetpotato0/ai-relay/llm"
)

// Models lists the models of one backend, falling back to the adapter's defaults when the
// backend cannot enumerate them.
func Models(ctx context.Context, a Adapter, settings Settings) ([]llm.Model, error) {
	if !a.Capabilities().Has(ListModels) {
		return defaultModels(a), nil
	}
	client, err := a.NewClient(settings)
	if err != nil {
		return nil, err
	}
	lister, ok := client.(ModelLister)
	if !ok {
		return nil, fmt.Errorf("%s: %w", a.Name(), errors.ErrUnsupportedOperation)
	}
	return lister.ListModels(ctx)
}

func defaultModels(a Adapter) []llm.Model {
	names := a.DefaultModels()
	models := make([]llm.Model, 0, len(names))
	for _, n := range names {
		models = append(models, llm.Model{ID: n, Provider: a.Name()})
	}
	return models
}

// ListAll lists models for every provider in settings concurrently. A failing provider does
// not hide the others; its error is reported in the returned map.
func ListAll(ctx context.Context, reg *Registry, settings map[string]Settings, limit int) (map[string][]llm.Model, map[string]error) {
	var (
		mu     sync.Mutex
		models = make(map[string][]llm.Model, len(settings))
		errs   = make(map[string]error)
	)

	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for name, s := range settings {
		g.Go(func() error {
			var (
				list []llm.Model
				err  error
			)
			a, rerr := reg.Resolve(name)
			if rerr != nil {
				err = rerr
			} else {
				list, err = Models(gctx, a, s)
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs[name] = err
				return nil
			}
			models[name] = list
			return nil
		})
	}
	_ = g.Wait()
	return models, errs
}
