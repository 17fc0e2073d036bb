package noop

import (
	"context"

	"github.com/lovediary/agent-service/internal/model"
	"github.com/lovediary/agent-service/internal/registry/cache"
)

func init() {
	cache.Register(cache.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (cache.TraitCache, error) {
			return &noopTraitCache{}, nil
		},
	})
}

type noopTraitCache struct{}

func (n *noopTraitCache) Available() bool { return false }
func (n *noopTraitCache) Get(_ context.Context, _ int64) (*model.CharacterSheet, error) {
	return nil, nil
}
func (n *noopTraitCache) Set(_ context.Context, _ int64, _ *model.CharacterSheet) error {
	return nil
}

var _ cache.TraitCache = (*noopTraitCache)(nil)
