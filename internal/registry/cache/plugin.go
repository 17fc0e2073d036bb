package cache

import (
	"context"
	"fmt"

	"github.com/lovediary/agent-service/internal/model"
)

// TraitCache caches immutable character trait snapshots so repeated agent
// creations for the same character skip the ledger fetch. A miss is never an
// error; the trait source is the authority.
type TraitCache interface {
	Available() bool
	Get(ctx context.Context, characterID int64) (*model.CharacterSheet, error)
	Set(ctx context.Context, characterID int64, sheet *model.CharacterSheet) error
}

// Loader creates a cache from config.
type Loader func(ctx context.Context) (TraitCache, error)

// Plugin represents a cache plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a cache plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered cache plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named cache plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown cache %q; valid: %v", name, Names())
}
