package idp

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Registry owns the configured providers, indexed by alias and kept in
// configuration order.
type Registry struct {
	byAlias map[string]*Provider
	ordered []*Provider
}

// NewRegistry builds one Provider per config. Duplicate aliases are a
// configuration error.
func NewRegistry(configs []Config, opts Options) (*Registry, error) {
	r := &Registry{byAlias: make(map[string]*Provider, len(configs))}
	for _, cfg := range configs {
		if cfg.alias == "" {
			return nil, &ConfigValidationError{Field: "alias", Reason: "is required"}
		}
		if _, dup := r.byAlias[cfg.alias]; dup {
			return nil, &ConfigValidationError{Alias: cfg.alias, Field: "alias", Reason: "is not unique"}
		}
		p := NewProvider(cfg, opts)
		r.byAlias[cfg.alias] = p
		r.ordered = append(r.ordered, p)
	}
	return r, nil
}

// Lookup returns the provider for alias or a *NotFoundError
func (r *Registry) Lookup(alias string) (*Provider, error) {
	p, ok := r.byAlias[alias]
	if !ok {
		return nil, &NotFoundError{Kind: "identity provider", Name: alias}
	}
	return p, nil
}

// Providers returns every provider in configuration order
func (r *Registry) Providers() []*Provider {
	return append([]*Provider(nil), r.ordered...)
}

// Len returns the number of configured providers
func (r *Registry) Len() int {
	return len(r.ordered)
}

// Warm loads discovery metadata and signing keys for every provider
// concurrently and returns the first failure. Providers that loaded stay
// cached.
func (r *Registry) Warm(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range r.ordered {
		g.Go(func() error {
			if _, err := p.KeySet(ctx); err != nil {
				return fmt.Errorf("warm %s: %w", p.cfg.alias, err)
			}
			return nil
		})
	}
	return g.Wait()
}
