package config

import (
	"context"
	"time"
)

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

// Config holds all configuration for the agent service.
type Config struct {
	// Server
	Port              int
	ReadHeaderTimeout time.Duration
	CORSEnabled       bool
	CORSOrigins       string

	// ServiceSecret authenticates the trusted backend; requests must carry it
	// as a bearer token.
	ServiceSecret string

	// Database
	DatastoreType           string // "postgres" or "sqlite"
	DBURL                   string
	DBMaxOpenConns          int
	DBMaxIdleConns          int
	DatastoreMigrateAtStart bool

	// Cache backend for immutable character trait snapshots.
	CacheType string // "redis" or "none"
	RedisURL  string

	// Embeddings
	EmbedType        string // "openai" or "disabled"
	OpenAIAPIKey     string
	OpenAIEmbedModel string
	OpenAIBaseURL    string
	OpenAIDimensions int

	// Generation (LLM)
	LLMType      string // "openai" or "asi"
	LLMAPIKey    string
	LLMBaseURL   string
	LLMModelName string
	LLMTimeout   time.Duration

	// Character trait source
	TraitType       string // "chain" or "static"
	ChainRPCURL     string
	ChainNFTAddress string
	TraitFixture    string // path to a JSON fixture (static trait source)

	// Working set
	MaxActiveAgents int
	IdleTimeout     time.Duration
	SweepInterval   time.Duration
	// AcquireTimeout bounds how long an acquire waits for an evictable
	// session when the working set is full before failing with
	// ErrCapacityExhausted.
	AcquireTimeout time.Duration

	// Persistence policy. FlushSync flushes dirty sessions synchronously on
	// release; when false, the background flusher bounds staleness to
	// FlushInterval.
	FlushSync     bool
	FlushInterval time.Duration

	// Conversation pipeline
	SummaryThreshold int // messages between relationship context regenerations
	RecentWindow     int // today-buffer messages included in each generation call
	RecallTopK       int // diary entries retrieved per message

	// Diary
	DiaryCronEnabled bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Port:                    8000,
		ReadHeaderTimeout:       5 * time.Second,
		DatastoreType:           "postgres",
		DBMaxOpenConns:          10,
		DBMaxIdleConns:          2,
		DatastoreMigrateAtStart: true,
		CacheType:               "none",
		EmbedType:               "openai",
		OpenAIEmbedModel:        "text-embedding-3-small",
		OpenAIBaseURL:           "https://api.openai.com/v1",
		LLMType:                 "openai",
		LLMModelName:            "gpt-4o-mini",
		LLMTimeout:              18 * time.Second,
		TraitType:               "chain",
		ChainRPCURL:             "https://sepolia.base.org",
		MaxActiveAgents:         50,
		IdleTimeout:             time.Hour,
		SweepInterval:           5 * time.Minute,
		AcquireTimeout:          30 * time.Second,
		FlushSync:               true,
		FlushInterval:           15 * time.Second,
		SummaryThreshold:        50,
		RecentWindow:            10,
		RecallTopK:              3,
		DiaryCronEnabled:        true,
	}
}
