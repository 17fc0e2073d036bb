// Package recall wraps the durable diary table with similarity search over
// embeddings, giving the conversation pipeline long-horizon context
// retrieval scoped to one (character, player) pair.
package recall

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/lovediary/agent-service/internal/model"
	registryembed "github.com/lovediary/agent-service/internal/registry/embed"
	registrystore "github.com/lovediary/agent-service/internal/registry/store"
)

// Index provides top-K retrieval and append-only writes over diary entries.
type Index struct {
	store    registrystore.AgentStore
	embedder registryembed.Embedder
}

// New creates a recall index. The embedder may be a disabled implementation;
// retrieval then returns no results and entries are stored without vectors.
func New(store registrystore.AgentStore, embedder registryembed.Embedder) *Index {
	return &Index{store: store, embedder: embedder}
}

func (i *Index) embeddingEnabled() bool {
	return i.embedder != nil && i.embedder.Dimension() > 0
}

// TopK returns up to k diary entries for the pair ranked by cosine
// similarity to the query text, most similar first, ties broken by most
// recent date first.
func (i *Index) TopK(ctx context.Context, characterID int64, playerAddress, query string, k int) ([]model.DiaryEntry, error) {
	if k <= 0 || !i.embeddingEnabled() {
		return nil, nil
	}
	embeddings, err := i.embedder.EmbedTexts(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed recall query: %w", err)
	}
	return i.store.SearchDiaryEntries(ctx, characterID, model.NormalizeAddress(playerAddress), embeddings[0], k)
}

// Append writes one immutable diary entry, embedding its text first. A second
// write for the same (character, player, date) fails with ErrDuplicateDate.
// Overwriting is not defined for diary entries; overwrite=true fails with
// ErrUnsupported.
func (i *Index) Append(ctx context.Context, entry *model.DiaryEntry, overwrite bool) error {
	if overwrite {
		return registrystore.ErrUnsupported
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.PlayerAddress = model.NormalizeAddress(entry.PlayerAddress)
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if i.embeddingEnabled() && len(entry.Embedding) == 0 {
		embeddings, err := i.embedder.EmbedTexts(ctx, []string{entry.EntryText})
		if err != nil {
			return fmt.Errorf("embed diary entry: %w", err)
		}
		entry.Embedding = embeddings[0]
	} else if !i.embeddingEnabled() {
		log.Debug("Recall: embedding disabled, storing diary entry without vector",
			"characterId", entry.CharacterID, "date", entry.Date)
	}
	return i.store.AppendDiaryEntry(ctx, entry)
}

// List returns the pair's diary entries, most recent first.
func (i *Index) List(ctx context.Context, characterID int64, playerAddress string, limit int) ([]model.DiaryEntry, error) {
	return i.store.ListDiaryEntries(ctx, characterID, model.NormalizeAddress(playerAddress), limit)
}
