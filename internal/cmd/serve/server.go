package serve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/lovediary/agent-service/internal/agent"
	"github.com/lovediary/agent-service/internal/config"
	"github.com/lovediary/agent-service/internal/plugin/route/agents"
	routesystem "github.com/lovediary/agent-service/internal/plugin/route/system"
	storemetrics "github.com/lovediary/agent-service/internal/plugin/store/metrics"
	"github.com/lovediary/agent-service/internal/recall"
	registrycache "github.com/lovediary/agent-service/internal/registry/cache"
	registryembed "github.com/lovediary/agent-service/internal/registry/embed"
	registryllm "github.com/lovediary/agent-service/internal/registry/llm"
	registrymigrate "github.com/lovediary/agent-service/internal/registry/migrate"
	registryroute "github.com/lovediary/agent-service/internal/registry/route"
	registrystore "github.com/lovediary/agent-service/internal/registry/store"
	registrytrait "github.com/lovediary/agent-service/internal/registry/trait"
	"github.com/lovediary/agent-service/internal/security"
	"github.com/lovediary/agent-service/internal/service"
)

// Server holds the running server and its subsystems.
type Server struct {
	Config  *config.Config
	Store   registrystore.AgentStore
	Manager *agent.Manager
	Router  *gin.Engine
	// Port is the actual listen port; differs from Config.Port when 0 was
	// requested.
	Port int

	httpServer   *http.Server
	diaryCron    *service.DiaryCron
	cancelBgLoop context.CancelFunc
}

// Shutdown drains in-flight requests, stops the background services, and
// hibernates every resident session so no conversation state is lost.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if s.diaryCron != nil {
		s.diaryCron.Stop()
	}
	s.cancelBgLoop()
	s.Manager.HibernateAll(ctx)
	return err
}

// StartServer initializes all subsystems and starts the HTTP server.
// Use cfg.Port=0 for a random port; the actual port is Server.Port.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting agent service",
		"port", cfg.Port,
		"db", cfg.DatastoreType,
		"cache", cfg.CacheType,
		"traits", cfg.TraitType,
		"llm", cfg.LLMType,
		"embedding", cfg.EmbedType,
	)

	// Run migrations
	if err := registrymigrate.RunAll(ctx); err != nil {
		return nil, fmt.Errorf("migrations failed: %w", err)
	}

	// Initialize store
	storeLoader, err := registrystore.Select(cfg.DatastoreType)
	if err != nil {
		return nil, err
	}
	store, err := storeLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	store = storemetrics.Wrap(store)

	// Initialize the trait cache. A missing cache degrades to direct ledger
	// fetches, so failures only warn.
	var traitCache registrycache.TraitCache
	if cacheLoader, err := registrycache.Select(cfg.CacheType); err != nil {
		log.Warn("Trait cache not available", "cache", cfg.CacheType, "err", err)
	} else if traitCache, err = cacheLoader(ctx); err != nil {
		log.Warn("Failed to initialize trait cache", "cache", cfg.CacheType, "err", err)
		traitCache = nil
	}

	// Initialize the character trait source.
	traitLoader, err := registrytrait.Select(cfg.TraitType)
	if err != nil {
		return nil, err
	}
	traits, err := traitLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize trait source: %w", err)
	}

	// Initialize embedder and generation provider.
	embedLoader, err := registryembed.Select(cfg.EmbedType)
	if err != nil {
		return nil, err
	}
	embedder, err := embedLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}
	llmLoader, err := registryllm.Select(cfg.LLMType)
	if err != nil {
		return nil, err
	}
	provider, err := llmLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize llm provider: %w", err)
	}

	index := recall.New(store, embedder)
	mgr := agent.NewManager(store, traits, traitCache, agent.ManagerOptions{
		MaxActive:      cfg.MaxActiveAgents,
		IdleTimeout:    cfg.IdleTimeout,
		AcquireTimeout: cfg.AcquireTimeout,
		FlushSync:      cfg.FlushSync,
	})
	pipe := agent.NewPipeline(provider, index, agent.PipelineOptions{
		SummaryThreshold: cfg.SummaryThreshold,
		RecentWindow:     cfg.RecentWindow,
		RecallTopK:       cfg.RecallTopK,
	})

	// Set up gin
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(security.AccessLogMiddleware("/health", "/ready", "/metrics"))
	router.Use(security.MetricsMiddleware())
	if cfg.CORSEnabled {
		router.Use(corsMiddleware(cfg.CORSOrigins))
	}

	for _, loader := range registryroute.MainRouteLoaders() {
		if err := loader(router); err != nil {
			return nil, fmt.Errorf("failed to load routes: %w", err)
		}
	}
	for _, loader := range registryroute.ManagementRouteLoaders() {
		if err := loader(router); err != nil {
			return nil, fmt.Errorf("failed to load management routes: %w", err)
		}
	}

	auth := security.ServiceTokenMiddleware(cfg.ServiceSecret)
	agents.MountRoutes(router, mgr, pipe, index, store, auth)
	routesystem.MountHealth(router, mgr, store)

	// Start background services. Their context outlives the startup context
	// so shutdown ordering stays explicit.
	bgCtx, cancelBg := context.WithCancel(config.WithContext(context.Background(), cfg))

	sweeper := service.NewSweeper(mgr, cfg.SweepInterval)
	go sweeper.Start(bgCtx)

	if !cfg.FlushSync {
		flusher := service.NewFlusher(mgr, cfg.FlushInterval)
		go flusher.Start(bgCtx)
	}

	var diaryCron *service.DiaryCron
	if cfg.DiaryCronEnabled {
		diaryCron = service.NewDiaryCron(mgr, pipe, store)
		if err := diaryCron.Start(bgCtx); err != nil {
			cancelBg()
			return nil, fmt.Errorf("failed to start diary cron: %w", err)
		}
	}

	listener, err := net.Listen("tcp", ":"+strconv.Itoa(cfg.Port))
	if err != nil {
		cancelBg()
		if diaryCron != nil {
			diaryCron.Stop()
		}
		return nil, err
	}
	port := listener.Addr().(*net.TCPAddr).Port

	httpServer := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed", "err", err)
		}
	}()

	log.Info("Server listening", "port", port)
	routesystem.MarkReady()

	return &Server{
		Config:       cfg,
		Store:        store,
		Manager:      mgr,
		Router:       router,
		Port:         port,
		httpServer:   httpServer,
		diaryCron:    diaryCron,
		cancelBgLoop: cancelBg,
	}, nil
}
