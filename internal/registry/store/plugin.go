package store

import (
	"context"
	"fmt"

	"github.com/lovediary/agent-service/internal/model"
)

// AgentStore is the durable persistence layer: one agent_states row per
// (character, player) relationship plus the append-only diary_entries table.
type AgentStore interface {
	// AgentExists reports whether a durable row exists for the pair.
	AgentExists(ctx context.Context, characterID int64, playerAddress string) (bool, error)

	// LoadAgentState returns the durable row, or a NotFoundError.
	LoadAgentState(ctx context.Context, characterID int64, playerAddress string) (*model.AgentState, error)

	// SaveAgentState upserts the full row. Used at creation and for
	// synchronous flushes of a resident session.
	SaveAgentState(ctx context.Context, state *model.AgentState) error

	// SaveHibernation persists all mutable fields plus the hibernate
	// snapshot and stamps hibernated_at.
	SaveHibernation(ctx context.Context, state *model.AgentState) error

	// ClearHibernation nulls the hibernate snapshot after a session has been
	// restored, so the snapshot can never be applied twice.
	ClearHibernation(ctx context.Context, characterID int64, playerAddress string) error

	// HibernatedCount returns the number of rows currently holding a
	// hibernate snapshot.
	HibernatedCount(ctx context.Context) (int64, error)

	// AgentsForTimezone returns the (character, player) pairs in the given
	// UTC-offset timezone with activity in the last 24 hours. Used by the
	// diary cron.
	AgentsForTimezone(ctx context.Context, timezone int) ([]model.AgentState, error)

	// AppendDiaryEntry inserts one immutable diary entry with its embedding.
	// Returns ErrDuplicateDate if an entry already exists for the
	// (character, player, date) triple.
	AppendDiaryEntry(ctx context.Context, entry *model.DiaryEntry) error

	// SearchDiaryEntries returns up to limit entries for the pair ranked by
	// cosine similarity to the query embedding, most similar first, ties
	// broken by most recent date first.
	SearchDiaryEntries(ctx context.Context, characterID int64, playerAddress string, queryEmbedding []float32, limit int) ([]model.DiaryEntry, error)

	// ListDiaryEntries returns the pair's diary entries, most recent first.
	ListDiaryEntries(ctx context.Context, characterID int64, playerAddress string, limit int) ([]model.DiaryEntry, error)
}

// Loader creates an AgentStore from config.
type Loader func(ctx context.Context) (AgentStore, error)

// Plugin represents a store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}
