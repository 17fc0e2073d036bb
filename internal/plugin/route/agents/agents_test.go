package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/lovediary/agent-service/internal/agent"
	"github.com/lovediary/agent-service/internal/model"
	"github.com/lovediary/agent-service/internal/plugin/store/sqlite"
	"github.com/lovediary/agent-service/internal/recall"
	registryllm "github.com/lovediary/agent-service/internal/registry/llm"
	"github.com/lovediary/agent-service/internal/security"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

type stubProvider struct{}

func (stubProvider) Chat(ctx context.Context, system string, messages []registryllm.ChatMessage, maxTokens int) (*registryllm.ChatResult, error) {
	return &registryllm.ChatResult{Text: "lovely to hear from you", AffectionDelta: 2, HasDelta: true}, nil
}

func (stubProvider) Complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	return "a quiet childhood by the sea", nil
}

func (stubProvider) ModelName() string { return "stub" }

type stubTraits struct{}

func (stubTraits) GetCharacter(ctx context.Context, characterID int64) (*model.CharacterSheet, error) {
	return &model.CharacterSheet{Name: "Luna", BirthYear: 2000, Gender: 1}, nil
}

func testRouter(t *testing.T) (*gin.Engine, *sqlite.SqliteStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "agents.db"))
	require.NoError(t, err)

	mgr := agent.NewManager(store, stubTraits{}, nil, agent.ManagerOptions{MaxActive: 10, FlushSync: true})
	index := recall.New(store, nil)
	pipe := agent.NewPipeline(stubProvider{}, index, agent.PipelineOptions{})

	r := gin.New()
	MountRoutes(r, mgr, pipe, index, store, security.ServiceTokenMiddleware(testSecret))
	return r, store
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testSecret)
	req.Header.Set("X-Player-Address", "0xAbCd")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func createBody() map[string]interface{} {
	return map[string]interface{}{
		"playerName":     "Alice",
		"playerGender":   "Female",
		"playerTimezone": 9,
	}
}

func TestCreateAgent(t *testing.T) {
	r, _ := testRouter(t)

	rec := doJSON(t, r, http.MethodPost, "/agent/7/create", createBody())
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	require.Equal(t, "created", body["status"])
	require.Equal(t, "agent://character_7", body["agentAddress"])
	require.Contains(t, body["firstMessage"], "Alice")
	require.Contains(t, body["firstMessage"], "Luna")
	require.Equal(t, "a quiet childhood by the sea", body["backstorySummary"])
}

func TestCreateAgentAlreadyExists(t *testing.T) {
	r, _ := testRouter(t)

	rec := doJSON(t, r, http.MethodPost, "/agent/7/create", createBody())
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, r, http.MethodPost, "/agent/7/create", createBody())
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Equal(t, "already_exists", body["status"])
	require.Equal(t, "a quiet childhood by the sea", body["backstorySummary"])
}

func TestCreateAgentValidation(t *testing.T) {
	r, _ := testRouter(t)

	rec := doJSON(t, r, http.MethodPost, "/agent/7/create", map[string]interface{}{
		"playerName":   "Alice",
		"playerGender": "Other",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendMessage(t *testing.T) {
	r, _ := testRouter(t)

	rec := doJSON(t, r, http.MethodPost, "/agent/7/create", createBody())
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, r, http.MethodPost, "/agent/7/message", map[string]interface{}{
		"message": "hello Luna",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Equal(t, "lovely to hear from you", body["response"])
	require.Equal(t, float64(2), body["affectionChange"])
	require.Equal(t, "active", body["agentStatus"])
	require.NotZero(t, body["timestamp"])
}

func TestSendMessageBeforeCreate(t *testing.T) {
	r, _ := testRouter(t)

	rec := doJSON(t, r, http.MethodPost, "/agent/9/message", map[string]interface{}{
		"message": "hello",
	})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestSendMessageValidation(t *testing.T) {
	r, _ := testRouter(t)

	rec := doJSON(t, r, http.MethodPost, "/agent/7/message", map[string]interface{}{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMissingPlayerAddress(t *testing.T) {
	r, _ := testRouter(t)

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(createBody()))
	req := httptest.NewRequest(http.MethodPost, "/agent/7/create", &buf)
	req.Header.Set("Authorization", "Bearer "+testSecret)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInvalidCharacterID(t *testing.T) {
	r, _ := testRouter(t)
	rec := doJSON(t, r, http.MethodPost, "/agent/notanumber/create", createBody())
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthRequired(t *testing.T) {
	r, _ := testRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/agent/7/diary", nil)
	req.Header.Set("X-Player-Address", "0xabcd")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListDiary(t *testing.T) {
	r, store := testRouter(t)
	ctx := context.Background()

	for _, date := range []string{"2026-08-24", "2026-08-25"} {
		require.NoError(t, store.AppendDiaryEntry(ctx, &model.DiaryEntry{
			CharacterID:   7,
			PlayerAddress: "0xabcd",
			Date:          date,
			EntryText:     "entry for " + date,
		}))
	}

	rec := doJSON(t, r, http.MethodGet, "/agent/7/diary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	entries := body["entries"].([]interface{})
	require.Len(t, entries, 2)

	rec = doJSON(t, r, http.MethodGet, fmt.Sprintf("/agent/7/diary?limit=%d", 1), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	require.Len(t, body["entries"].([]interface{}), 1)

	rec = doJSON(t, r, http.MethodGet, "/agent/7/diary?limit=0", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
