package metrics

import (
	"context"
	"time"

	"github.com/lovediary/agent-service/internal/model"
	"github.com/lovediary/agent-service/internal/registry/store"
	"github.com/lovediary/agent-service/internal/security"
)

// Wrap returns an AgentStore that records StoreLatency for every operation.
func Wrap(inner store.AgentStore) store.AgentStore {
	return &metricsStore{inner: inner}
}

type metricsStore struct {
	inner store.AgentStore
}

func observe(op string, start time.Time) {
	security.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *metricsStore) AgentExists(ctx context.Context, characterID int64, playerAddress string) (bool, error) {
	defer observe("agent_exists", time.Now())
	return m.inner.AgentExists(ctx, characterID, playerAddress)
}

func (m *metricsStore) LoadAgentState(ctx context.Context, characterID int64, playerAddress string) (*model.AgentState, error) {
	defer observe("load_agent_state", time.Now())
	return m.inner.LoadAgentState(ctx, characterID, playerAddress)
}

func (m *metricsStore) SaveAgentState(ctx context.Context, state *model.AgentState) error {
	defer observe("save_agent_state", time.Now())
	return m.inner.SaveAgentState(ctx, state)
}

func (m *metricsStore) SaveHibernation(ctx context.Context, state *model.AgentState) error {
	defer observe("save_hibernation", time.Now())
	return m.inner.SaveHibernation(ctx, state)
}

func (m *metricsStore) ClearHibernation(ctx context.Context, characterID int64, playerAddress string) error {
	defer observe("clear_hibernation", time.Now())
	return m.inner.ClearHibernation(ctx, characterID, playerAddress)
}

func (m *metricsStore) HibernatedCount(ctx context.Context) (int64, error) {
	defer observe("hibernated_count", time.Now())
	return m.inner.HibernatedCount(ctx)
}

func (m *metricsStore) AgentsForTimezone(ctx context.Context, timezone int) ([]model.AgentState, error) {
	defer observe("agents_for_timezone", time.Now())
	return m.inner.AgentsForTimezone(ctx, timezone)
}

func (m *metricsStore) AppendDiaryEntry(ctx context.Context, entry *model.DiaryEntry) error {
	defer observe("append_diary_entry", time.Now())
	return m.inner.AppendDiaryEntry(ctx, entry)
}

func (m *metricsStore) SearchDiaryEntries(ctx context.Context, characterID int64, playerAddress string, queryEmbedding []float32, limit int) ([]model.DiaryEntry, error) {
	defer observe("search_diary_entries", time.Now())
	return m.inner.SearchDiaryEntries(ctx, characterID, playerAddress, queryEmbedding, limit)
}

func (m *metricsStore) ListDiaryEntries(ctx context.Context, characterID int64, playerAddress string, limit int) ([]model.DiaryEntry, error) {
	defer observe("list_diary_entries", time.Now())
	return m.inner.ListDiaryEntries(ctx, characterID, playerAddress, limit)
}
