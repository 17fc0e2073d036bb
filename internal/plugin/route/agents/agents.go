// Package agents mounts the agent lifecycle routes: create, message, and
// diary listing. All three operate on the (characterId, X-Player-Address)
// pair and are authenticated with the shared service token.
package agents

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/lovediary/agent-service/internal/agent"
	"github.com/lovediary/agent-service/internal/model"
	"github.com/lovediary/agent-service/internal/plugin/route/system"
	"github.com/lovediary/agent-service/internal/recall"
	registryroute "github.com/lovediary/agent-service/internal/registry/route"
	registrystore "github.com/lovediary/agent-service/internal/registry/store"
	"github.com/lovediary/agent-service/internal/security"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 100,
		Loader: func(r *gin.Engine) error {
			return nil // routes are mounted by the serve command after manager init
		},
	})
}

// MountRoutes mounts agent routes on the engine. Called after the store and
// manager are initialized so they can be captured by the handlers.
func MountRoutes(r *gin.Engine, mgr *agent.Manager, pipe *agent.Pipeline, index *recall.Index, store registrystore.AgentStore, auth gin.HandlerFunc) {
	g := r.Group("/agent", auth)

	g.POST("/:characterId/create", func(c *gin.Context) {
		createAgent(c, mgr, pipe, store)
	})
	g.POST("/:characterId/message", func(c *gin.Context) {
		sendMessage(c, mgr, pipe)
	})
	g.GET("/:characterId/diary", func(c *gin.Context) {
		listDiary(c, index)
	})
}

type createAgentRequest struct {
	PlayerName     string `json:"playerName" binding:"required,min=1,max=50"`
	PlayerGender   string `json:"playerGender" binding:"required,oneof=Male Female NonBinary"`
	PlayerTimezone int    `json:"playerTimezone" binding:"min=-12,max=14"`
}

type sendMessageRequest struct {
	Message   string `json:"message" binding:"required,min=1,max=1000"`
	Timestamp int64  `json:"timestamp"`
}

func requestKey(c *gin.Context) (agent.Key, bool) {
	characterID, err := strconv.ParseInt(c.Param("characterId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid characterId"})
		return agent.Key{}, false
	}
	address := security.PlayerAddress(c)
	if address == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing X-Player-Address header"})
		return agent.Key{}, false
	}
	return agent.NewKey(characterID, address), true
}

func createAgent(c *gin.Context, mgr *agent.Manager, pipe *agent.Pipeline, store registrystore.AgentStore) {
	key, ok := requestKey(c)
	if !ok {
		return
	}
	var req createAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	sess, err := mgr.Create(ctx, key, model.PlayerInfo{
		Name:     req.PlayerName,
		Gender:   req.PlayerGender,
		Timezone: req.PlayerTimezone,
	})
	if errors.Is(err, agent.ErrAlreadyExists) {
		state, loadErr := store.LoadAgentState(ctx, key.CharacterID, key.PlayerAddress)
		if loadErr != nil {
			writeError(c, loadErr)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":           "already_exists",
			"backstorySummary": state.Backstory,
			"agentAddress":     agentAddress(key.CharacterID),
		})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	defer mgr.Release(ctx, sess)

	now := time.Now()
	if _, err := pipe.EnsureBackstory(ctx, sess, now); err != nil {
		writeError(c, err)
		return
	}
	first := pipe.Greet(sess, now)

	log.Info("Agent created",
		"characterId", key.CharacterID,
		"playerAddress", key.PlayerAddress,
		"backstoryLength", len(sess.Backstory))

	c.JSON(http.StatusOK, gin.H{
		"status":           "created",
		"firstMessage":     first,
		"backstorySummary": sess.Backstory,
		"agentAddress":     agentAddress(key.CharacterID),
	})
}

func sendMessage(c *gin.Context, mgr *agent.Manager, pipe *agent.Pipeline) {
	key, ok := requestKey(c)
	if !ok {
		return
	}
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	sess, err := mgr.Acquire(ctx, key)
	if err != nil {
		writeError(c, err)
		return
	}
	defer mgr.Release(ctx, sess)

	status := "active"
	if sess.WokeFromHibernation {
		status = "woke_from_hibernation"
	}

	now := time.Now()
	reply, err := pipe.Process(ctx, sess, req.Message, now)
	if err != nil {
		writeError(c, err)
		return
	}

	system.CountMessage()
	c.JSON(http.StatusOK, gin.H{
		"response":        reply.Text,
		"timestamp":       now.Unix(),
		"affectionChange": reply.AffectionChange,
		"agentStatus":     status,
	})
}

func listDiary(c *gin.Context, index *recall.Index) {
	key, ok := requestKey(c)
	if !ok {
		return
	}
	limit := 30
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 365 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}

	entries, err := index.List(c.Request.Context(), key.CharacterID, key.PlayerAddress, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func agentAddress(characterID int64) string {
	return fmt.Sprintf("agent://character_%d", characterID)
}

// writeError maps domain errors to HTTP status codes.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, agent.ErrNotInitialized):
		c.JSON(http.StatusConflict, gin.H{"error": "agent not created yet; call create first"})
	case errors.Is(err, agent.ErrCapacityExhausted):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "working set at capacity, retry later"})
	case agent.IsGenerationFailed(err):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	case registrystore.IsUnavailable(err):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
	case registrystore.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		log.Error("Request failed", "path", c.Request.URL.Path, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
