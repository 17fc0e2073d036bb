package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lovediary/agent-service/internal/model"
	registryllm "github.com/lovediary/agent-service/internal/registry/llm"
	registrystore "github.com/lovediary/agent-service/internal/registry/store"
)

// memStore is an in-memory AgentStore with error injection for exercising
// flush-failure paths.
type memStore struct {
	mu      sync.Mutex
	states  map[string]*model.AgentState
	diaries map[string]*model.DiaryEntry

	loads          int
	saves          int
	failSave       error
	failHibernate  error
	failLoad       error
	diaryAppendErr error
}

func newMemStore() *memStore {
	return &memStore{
		states:  make(map[string]*model.AgentState),
		diaries: make(map[string]*model.DiaryEntry),
	}
}

func stateKey(characterID int64, playerAddress string) string {
	return fmt.Sprintf("%d/%s", characterID, model.NormalizeAddress(playerAddress))
}

func copyState(s *model.AgentState) *model.AgentState {
	out := *s
	if s.Hibernation != nil {
		snap := *s.Hibernation
		snap.TodayBuffer = append([]model.Message(nil), s.Hibernation.TodayBuffer...)
		out.Hibernation = &snap
	}
	return &out
}

func (m *memStore) AgentExists(ctx context.Context, characterID int64, playerAddress string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.states[stateKey(characterID, playerAddress)]
	return ok, nil
}

func (m *memStore) LoadAgentState(ctx context.Context, characterID int64, playerAddress string) (*model.AgentState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	if m.failLoad != nil {
		return nil, m.failLoad
	}
	s, ok := m.states[stateKey(characterID, playerAddress)]
	if !ok {
		return nil, &registrystore.NotFoundError{CharacterID: characterID, PlayerAddress: playerAddress}
	}
	return copyState(s), nil
}

func (m *memStore) SaveAgentState(ctx context.Context, state *model.AgentState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.failSave != nil {
		return m.failSave
	}
	m.states[stateKey(state.CharacterID, state.PlayerAddress)] = copyState(state)
	return nil
}

func (m *memStore) SaveHibernation(ctx context.Context, state *model.AgentState) error {
	m.mu.Lock()
	if m.failHibernate != nil {
		defer m.mu.Unlock()
		return m.failHibernate
	}
	m.mu.Unlock()
	if state.HibernatedAt == nil {
		now := time.Now()
		state.HibernatedAt = &now
	}
	return m.SaveAgentState(ctx, state)
}

func (m *memStore) ClearHibernation(ctx context.Context, characterID int64, playerAddress string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[stateKey(characterID, playerAddress)]; ok {
		s.Hibernation = nil
		s.HibernatedAt = nil
	}
	return nil
}

func (m *memStore) HibernatedCount(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.states {
		if s.Hibernation != nil {
			n++
		}
	}
	return n, nil
}

func (m *memStore) AgentsForTimezone(ctx context.Context, timezone int) ([]model.AgentState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.AgentState
	for _, s := range m.states {
		if s.PlayerTimezone == timezone {
			out = append(out, *copyState(s))
		}
	}
	return out, nil
}

func (m *memStore) AppendDiaryEntry(ctx context.Context, entry *model.DiaryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.diaryAppendErr != nil {
		return m.diaryAppendErr
	}
	k := fmt.Sprintf("%d/%s/%s", entry.CharacterID, entry.PlayerAddress, entry.Date)
	if _, ok := m.diaries[k]; ok {
		return registrystore.ErrDuplicateDate
	}
	copied := *entry
	m.diaries[k] = &copied
	return nil
}

func (m *memStore) SearchDiaryEntries(ctx context.Context, characterID int64, playerAddress string, queryEmbedding []float32, limit int) ([]model.DiaryEntry, error) {
	return m.ListDiaryEntries(ctx, characterID, playerAddress, limit)
}

func (m *memStore) ListDiaryEntries(ctx context.Context, characterID int64, playerAddress string, limit int) ([]model.DiaryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.DiaryEntry
	for _, e := range m.diaries {
		if e.CharacterID == characterID && e.PlayerAddress == model.NormalizeAddress(playerAddress) {
			out = append(out, *e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) hibernatedState(characterID int64, playerAddress string) *model.AgentState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[stateKey(characterID, playerAddress)]
	if !ok {
		return nil
	}
	return copyState(s)
}

// fakeTraits serves a fixed character sheet.
type fakeTraits struct {
	sheet model.CharacterSheet
	err   error
	calls int
}

func (f *fakeTraits) GetCharacter(ctx context.Context, characterID int64) (*model.CharacterSheet, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	sheet := f.sheet
	if sheet.Name == "" {
		sheet.Name = "Luna"
		sheet.BirthYear = 2000
		sheet.Gender = 1
	}
	return &sheet, nil
}

// fakeProvider returns canned generation results.
type fakeProvider struct {
	mu sync.Mutex

	chatText  string
	chatDelta int
	hasDelta  bool
	chatErr   error

	completeText string
	completeErr  error
	// completeErrFor fails Complete calls only while > 0, decrementing each
	// call. Used to fail a single summarization pass.
	completeErrFor int

	chatCalls     int
	completeCalls int
}

func (f *fakeProvider) Chat(ctx context.Context, system string, messages []registryllm.ChatMessage, maxTokens int) (*registryllm.ChatResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatCalls++
	if f.chatErr != nil {
		return nil, f.chatErr
	}
	text := f.chatText
	if text == "" {
		text = "hello there"
	}
	return &registryllm.ChatResult{Text: text, AffectionDelta: f.chatDelta, HasDelta: f.hasDelta}, nil
}

func (f *fakeProvider) Complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completeCalls++
	if f.completeErr != nil {
		return "", f.completeErr
	}
	if f.completeErrFor > 0 {
		f.completeErrFor--
		return "", errors.New("injected completion failure")
	}
	if f.completeText == "" {
		return "generated text", nil
	}
	return f.completeText, nil
}

func (f *fakeProvider) ModelName() string { return "fake" }
