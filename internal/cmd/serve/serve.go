package serve

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lovediary/agent-service/internal/config"
	registrycache "github.com/lovediary/agent-service/internal/registry/cache"
	registryembed "github.com/lovediary/agent-service/internal/registry/embed"
	registryllm "github.com/lovediary/agent-service/internal/registry/llm"
	registrystore "github.com/lovediary/agent-service/internal/registry/store"
	registrytrait "github.com/lovediary/agent-service/internal/registry/trait"
	"github.com/urfave/cli/v3"

	// Import all plugins to trigger init() registration
	_ "github.com/lovediary/agent-service/internal/plugin/cache/noop"
	_ "github.com/lovediary/agent-service/internal/plugin/cache/redis"
	_ "github.com/lovediary/agent-service/internal/plugin/embed/disabled"
	_ "github.com/lovediary/agent-service/internal/plugin/embed/openai"
	_ "github.com/lovediary/agent-service/internal/plugin/llm/asi"
	_ "github.com/lovediary/agent-service/internal/plugin/llm/openai"
	_ "github.com/lovediary/agent-service/internal/plugin/route/agents"
	_ "github.com/lovediary/agent-service/internal/plugin/route/system"
	_ "github.com/lovediary/agent-service/internal/plugin/store/postgres"
	_ "github.com/lovediary/agent-service/internal/plugin/store/sqlite"
	_ "github.com/lovediary/agent-service/internal/plugin/trait/chain"
	_ "github.com/lovediary/agent-service/internal/plugin/trait/static"
)

// Command returns the serve sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	var timeouts timeoutFlags
	timeouts.fromConfig(&cfg)
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the agent service HTTP server",
		Flags: flags(&cfg, &timeouts),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			timeouts.applyTo(&cfg)
			return run(config.WithContext(ctx, &cfg), cfg)
		},
	}
}

// timeoutFlags holds duration settings exposed to the CLI as integer
// seconds/minutes, the way the deployment manifests express them.
type timeoutFlags struct {
	ReadHeaderTimeoutSecs int
	IdleTimeoutMins       int
	SweepIntervalSecs     int
	AcquireTimeoutSecs    int
	FlushIntervalSecs     int
	LLMTimeoutSecs        int
}

func (t *timeoutFlags) fromConfig(cfg *config.Config) {
	t.ReadHeaderTimeoutSecs = int(cfg.ReadHeaderTimeout / time.Second)
	t.IdleTimeoutMins = int(cfg.IdleTimeout / time.Minute)
	t.SweepIntervalSecs = int(cfg.SweepInterval / time.Second)
	t.AcquireTimeoutSecs = int(cfg.AcquireTimeout / time.Second)
	t.FlushIntervalSecs = int(cfg.FlushInterval / time.Second)
	t.LLMTimeoutSecs = int(cfg.LLMTimeout / time.Second)
}

func (t *timeoutFlags) applyTo(cfg *config.Config) {
	cfg.ReadHeaderTimeout = time.Duration(t.ReadHeaderTimeoutSecs) * time.Second
	cfg.IdleTimeout = time.Duration(t.IdleTimeoutMins) * time.Minute
	cfg.SweepInterval = time.Duration(t.SweepIntervalSecs) * time.Second
	cfg.AcquireTimeout = time.Duration(t.AcquireTimeoutSecs) * time.Second
	cfg.FlushInterval = time.Duration(t.FlushIntervalSecs) * time.Second
	cfg.LLMTimeout = time.Duration(t.LLMTimeoutSecs) * time.Second
}

func flags(cfg *config.Config, timeouts *timeoutFlags) []cli.Flag {
	return []cli.Flag{

		// ── Server ────────────────────────────────────────────────
		&cli.IntFlag{
			Name:        "port",
			Category:    "Server:",
			Sources:     cli.EnvVars("AGENT_SERVICE_PORT"),
			Destination: &cfg.Port,
			Value:       cfg.Port,
			Usage:       "HTTP server port (0 = OS-assigned random port)",
		},
		&cli.IntFlag{
			Name:        "read-header-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("AGENT_SERVICE_READ_HEADER_TIMEOUT_SECONDS"),
			Destination: &timeouts.ReadHeaderTimeoutSecs,
			Value:       timeouts.ReadHeaderTimeoutSecs,
			Usage:       "HTTP read header timeout in seconds",
		},
		&cli.StringFlag{
			Name:        "service-secret",
			Category:    "Server:",
			Sources:     cli.EnvVars("AGENT_SERVICE_SECRET"),
			Destination: &cfg.ServiceSecret,
			Usage:       "Shared bearer token the trusted backend authenticates with",
			Required:    true,
		},
		&cli.BoolFlag{
			Name:        "cors",
			Category:    "Server:",
			Sources:     cli.EnvVars("AGENT_SERVICE_CORS"),
			Destination: &cfg.CORSEnabled,
			Usage:       "Enable CORS headers",
		},
		&cli.StringFlag{
			Name:        "cors-origins",
			Category:    "Server:",
			Sources:     cli.EnvVars("AGENT_SERVICE_CORS_ORIGINS"),
			Destination: &cfg.CORSOrigins,
			Usage:       "Comma-separated allowed CORS origins (empty = any)",
		},

		// ── Database ──────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "db-kind",
			Category:    "Database:",
			Sources:     cli.EnvVars("AGENT_SERVICE_DB_KIND"),
			Destination: &cfg.DatastoreType,
			Value:       cfg.DatastoreType,
			Usage:       "Backend store (" + strings.Join(registrystore.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "db-url",
			Category:    "Database:",
			Sources:     cli.EnvVars("AGENT_SERVICE_DB_URL"),
			Destination: &cfg.DBURL,
			Usage:       "Database connection URL (sqlite: file path, empty = in-memory)",
		},
		&cli.IntFlag{
			Name:        "db-max-open-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("AGENT_SERVICE_DB_MAX_OPEN_CONNS"),
			Destination: &cfg.DBMaxOpenConns,
			Value:       cfg.DBMaxOpenConns,
			Usage:       "Maximum number of open database connections",
		},
		&cli.IntFlag{
			Name:        "db-max-idle-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("AGENT_SERVICE_DB_MAX_IDLE_CONNS"),
			Destination: &cfg.DBMaxIdleConns,
			Value:       cfg.DBMaxIdleConns,
			Usage:       "Maximum number of idle database connections",
		},
		&cli.BoolFlag{
			Name:        "db-migrate-at-start",
			Category:    "Database:",
			Sources:     cli.EnvVars("AGENT_SERVICE_DB_MIGRATE_AT_START"),
			Destination: &cfg.DatastoreMigrateAtStart,
			Value:       cfg.DatastoreMigrateAtStart,
			Usage:       "Apply schema migrations at startup",
		},

		// ── Cache ─────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "cache-kind",
			Category:    "Cache:",
			Sources:     cli.EnvVars("AGENT_SERVICE_CACHE_KIND"),
			Destination: &cfg.CacheType,
			Value:       cfg.CacheType,
			Usage:       "Character trait cache backend (" + strings.Join(registrycache.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "redis-url",
			Category:    "Cache:",
			Sources:     cli.EnvVars("AGENT_SERVICE_REDIS_URL"),
			Destination: &cfg.RedisURL,
			Usage:       "Redis connection URL",
		},

		// ── Character Traits ──────────────────────────────────────
		&cli.StringFlag{
			Name:        "trait-kind",
			Category:    "Character Traits:",
			Sources:     cli.EnvVars("AGENT_SERVICE_TRAIT_KIND"),
			Destination: &cfg.TraitType,
			Value:       cfg.TraitType,
			Usage:       "Character trait source (" + strings.Join(registrytrait.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "chain-rpc-url",
			Category:    "Character Traits:",
			Sources:     cli.EnvVars("AGENT_SERVICE_CHAIN_RPC_URL"),
			Destination: &cfg.ChainRPCURL,
			Value:       cfg.ChainRPCURL,
			Usage:       "JSON-RPC endpoint of the chain holding character NFTs",
		},
		&cli.StringFlag{
			Name:        "chain-nft-address",
			Category:    "Character Traits:",
			Sources:     cli.EnvVars("AGENT_SERVICE_CHAIN_NFT_ADDRESS"),
			Destination: &cfg.ChainNFTAddress,
			Usage:       "Character NFT contract address",
		},
		&cli.StringFlag{
			Name:        "trait-fixture",
			Category:    "Character Traits:",
			Sources:     cli.EnvVars("AGENT_SERVICE_TRAIT_FIXTURE"),
			Destination: &cfg.TraitFixture,
			Usage:       "JSON fixture file for the static trait source",
		},

		// ── Generation ────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "llm-kind",
			Category:    "Generation:",
			Sources:     cli.EnvVars("AGENT_SERVICE_LLM_KIND"),
			Destination: &cfg.LLMType,
			Value:       cfg.LLMType,
			Usage:       "Generation provider (" + strings.Join(registryllm.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "llm-api-key",
			Category:    "Generation:",
			Sources:     cli.EnvVars("AGENT_SERVICE_LLM_API_KEY"),
			Destination: &cfg.LLMAPIKey,
			Usage:       "API key for the generation provider",
		},
		&cli.StringFlag{
			Name:        "llm-base-url",
			Category:    "Generation:",
			Sources:     cli.EnvVars("AGENT_SERVICE_LLM_BASE_URL"),
			Destination: &cfg.LLMBaseURL,
			Usage:       "Base URL for the generation provider API",
		},
		&cli.StringFlag{
			Name:        "llm-model",
			Category:    "Generation:",
			Sources:     cli.EnvVars("AGENT_SERVICE_LLM_MODEL"),
			Destination: &cfg.LLMModelName,
			Value:       cfg.LLMModelName,
			Usage:       "Model name for generation calls",
		},
		&cli.IntFlag{
			Name:        "llm-timeout-seconds",
			Category:    "Generation:",
			Sources:     cli.EnvVars("AGENT_SERVICE_LLM_TIMEOUT_SECONDS"),
			Destination: &timeouts.LLMTimeoutSecs,
			Value:       timeouts.LLMTimeoutSecs,
			Usage:       "Per-call generation timeout in seconds",
		},

		// ── Embedding ─────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "embedding-kind",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("AGENT_SERVICE_EMBEDDING_KIND"),
			Destination: &cfg.EmbedType,
			Value:       cfg.EmbedType,
			Usage:       "Embedding provider (" + strings.Join(registryembed.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "embedding-openai-api-key",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("AGENT_SERVICE_OPENAI_API_KEY", "OPENAI_API_KEY"),
			Destination: &cfg.OpenAIAPIKey,
			Usage:       "OpenAI API key for embeddings",
		},
		&cli.StringFlag{
			Name:        "embedding-openai-model",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("AGENT_SERVICE_EMBEDDING_OPENAI_MODEL"),
			Destination: &cfg.OpenAIEmbedModel,
			Value:       cfg.OpenAIEmbedModel,
			Usage:       "OpenAI embedding model",
		},
		&cli.StringFlag{
			Name:        "embedding-openai-base-url",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("AGENT_SERVICE_EMBEDDING_OPENAI_BASE_URL"),
			Destination: &cfg.OpenAIBaseURL,
			Value:       cfg.OpenAIBaseURL,
			Usage:       "OpenAI API base URL for embeddings",
		},

		// ── Working Set ───────────────────────────────────────────
		&cli.IntFlag{
			Name:        "max-active-agents",
			Category:    "Working Set:",
			Sources:     cli.EnvVars("AGENT_SERVICE_MAX_ACTIVE_AGENTS"),
			Destination: &cfg.MaxActiveAgents,
			Value:       cfg.MaxActiveAgents,
			Usage:       "Maximum number of resident agent sessions",
		},
		&cli.IntFlag{
			Name:        "idle-timeout-minutes",
			Category:    "Working Set:",
			Sources:     cli.EnvVars("AGENT_SERVICE_IDLE_TIMEOUT_MINUTES"),
			Destination: &timeouts.IdleTimeoutMins,
			Value:       timeouts.IdleTimeoutMins,
			Usage:       "Minutes of inactivity before a session is hibernated",
		},
		&cli.IntFlag{
			Name:        "sweep-interval-seconds",
			Category:    "Working Set:",
			Sources:     cli.EnvVars("AGENT_SERVICE_SWEEP_INTERVAL_SECONDS"),
			Destination: &timeouts.SweepIntervalSecs,
			Value:       timeouts.SweepIntervalSecs,
			Usage:       "How often the idle sweep runs, in seconds",
		},
		&cli.IntFlag{
			Name:        "acquire-timeout-seconds",
			Category:    "Working Set:",
			Sources:     cli.EnvVars("AGENT_SERVICE_ACQUIRE_TIMEOUT_SECONDS"),
			Destination: &timeouts.AcquireTimeoutSecs,
			Value:       timeouts.AcquireTimeoutSecs,
			Usage:       "How long an acquire waits for a free slot before failing",
		},
		&cli.BoolFlag{
			Name:        "flush-sync",
			Category:    "Working Set:",
			Sources:     cli.EnvVars("AGENT_SERVICE_FLUSH_SYNC"),
			Destination: &cfg.FlushSync,
			Value:       cfg.FlushSync,
			Usage:       "Persist dirty sessions synchronously on release",
		},
		&cli.IntFlag{
			Name:        "flush-interval-seconds",
			Category:    "Working Set:",
			Sources:     cli.EnvVars("AGENT_SERVICE_FLUSH_INTERVAL_SECONDS"),
			Destination: &timeouts.FlushIntervalSecs,
			Value:       timeouts.FlushIntervalSecs,
			Usage:       "Write-behind flush interval in seconds (when flush-sync is disabled)",
		},

		// ── Conversation ──────────────────────────────────────────
		&cli.IntFlag{
			Name:        "summary-threshold",
			Category:    "Conversation:",
			Sources:     cli.EnvVars("AGENT_SERVICE_SUMMARY_THRESHOLD"),
			Destination: &cfg.SummaryThreshold,
			Value:       cfg.SummaryThreshold,
			Usage:       "Messages between relationship context regenerations",
		},
		&cli.IntFlag{
			Name:        "recent-window",
			Category:    "Conversation:",
			Sources:     cli.EnvVars("AGENT_SERVICE_RECENT_WINDOW"),
			Destination: &cfg.RecentWindow,
			Value:       cfg.RecentWindow,
			Usage:       "Recent messages included in each generation call",
		},
		&cli.IntFlag{
			Name:        "recall-top-k",
			Category:    "Conversation:",
			Sources:     cli.EnvVars("AGENT_SERVICE_RECALL_TOP_K"),
			Destination: &cfg.RecallTopK,
			Value:       cfg.RecallTopK,
			Usage:       "Diary entries retrieved per message",
		},
		&cli.BoolFlag{
			Name:        "diary-cron",
			Category:    "Conversation:",
			Sources:     cli.EnvVars("AGENT_SERVICE_DIARY_CRON"),
			Destination: &cfg.DiaryCronEnabled,
			Value:       cfg.DiaryCronEnabled,
			Usage:       "Run the hourly midnight diary scheduler",
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	srv, err := StartServer(ctx, &cfg)
	if err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("Shutting down...")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer drainCancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Error("Shutdown error", "err", err)
	}
	log.Info("Server stopped")
	return nil
}
