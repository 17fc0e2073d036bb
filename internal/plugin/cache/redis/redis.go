package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lovediary/agent-service/internal/config"
	"github.com/lovediary/agent-service/internal/model"
	registrycache "github.com/lovediary/agent-service/internal/registry/cache"
	goredis "github.com/redis/go-redis/v9"
)

// Character traits never change after mint, so the TTL only bounds memory in
// the cache, not staleness.
const defaultTTL = 24 * time.Hour

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (registrycache.TraitCache, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis cache: AGENT_SERVICE_REDIS_URL is required")
	}
	return LoadFromURL(ctx, cfg.RedisURL)
}

// LoadFromURL creates a TraitCache from a Redis-compatible URL.
func LoadFromURL(ctx context.Context, redisURL string) (registrycache.TraitCache, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis cache: invalid URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis cache: ping failed: %w", err)
	}
	return &redisTraitCache{client: client, ttl: defaultTTL}, nil
}

type redisTraitCache struct {
	client *goredis.Client
	ttl    time.Duration
}

func traitKey(characterID int64) string {
	return fmt.Sprintf("character-traits:%d", characterID)
}

func (c *redisTraitCache) Available() bool {
	return true
}

func (c *redisTraitCache) Get(ctx context.Context, characterID int64) (*model.CharacterSheet, error) {
	data, err := c.client.Get(ctx, traitKey(characterID)).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sheet model.CharacterSheet
	if err := json.Unmarshal(data, &sheet); err != nil {
		return nil, err
	}
	return &sheet, nil
}

func (c *redisTraitCache) Set(ctx context.Context, characterID int64, sheet *model.CharacterSheet) error {
	data, err := json.Marshal(sheet)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, traitKey(characterID), data, c.ttl).Err()
}

var _ registrycache.TraitCache = (*redisTraitCache)(nil)
