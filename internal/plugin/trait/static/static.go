// Package static serves character trait snapshots from a JSON fixture file,
// for development and tests where no chain endpoint is available.
package static

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/lovediary/agent-service/internal/config"
	"github.com/lovediary/agent-service/internal/model"
	registrytrait "github.com/lovediary/agent-service/internal/registry/trait"
)

func init() {
	registrytrait.Register(registrytrait.Plugin{
		Name:   "static",
		Loader: load,
	})
}

func load(ctx context.Context) (registrytrait.Source, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.TraitFixture == "" {
		return nil, fmt.Errorf("static trait source: AGENT_SERVICE_TRAIT_FIXTURE is required")
	}
	data, err := os.ReadFile(cfg.TraitFixture)
	if err != nil {
		return nil, fmt.Errorf("static trait source: read fixture: %w", err)
	}
	var characters map[string]model.CharacterSheet
	if err := json.Unmarshal(data, &characters); err != nil {
		return nil, fmt.Errorf("static trait source: parse fixture: %w", err)
	}
	return &Source{characters: characters}, nil
}

// Source looks up characters in a fixture keyed by decimal token ID.
type Source struct {
	characters map[string]model.CharacterSheet
}

func (s *Source) GetCharacter(ctx context.Context, characterID int64) (*model.CharacterSheet, error) {
	sheet, ok := s.characters[strconv.FormatInt(characterID, 10)]
	if !ok {
		return nil, fmt.Errorf("static trait source: no character %d in fixture", characterID)
	}
	return &sheet, nil
}
