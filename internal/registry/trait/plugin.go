package trait

import (
	"context"
	"fmt"

	"github.com/lovediary/agent-service/internal/model"
)

// Source fetches a character's immutable trait snapshot from the external
// ledger. Fetched once at agent creation; never refreshed.
type Source interface {
	GetCharacter(ctx context.Context, characterID int64) (*model.CharacterSheet, error)
}

// Loader creates a Source from config.
type Loader func(ctx context.Context) (Source, error)

// Plugin represents a trait source plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a trait source plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered trait source plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named trait source plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown trait source %q; valid: %v", name, Names())
}
