//go:build !wireinject
// +build !wireinject

// Package di assembles the service graph. The manual container below is
// the shipping path; wire.go declares the same graph for generation.
package di

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"ragserve/internal/cache"
	"ragserve/internal/concurrency"
	"ragserve/internal/config"
	"ragserve/internal/identity"
	"ragserve/internal/intent"
	"ragserve/internal/kb"
	"ragserve/internal/llm"
	"ragserve/internal/observability"
	"ragserve/internal/qa"
	"ragserve/internal/query"
	"ragserve/internal/retrieval"
	"ragserve/internal/server"

	"go.uber.org/zap"
)

// lockTimeout bounds every keyed-lock acquisition.
const lockTimeout = 30 * time.Second

// gateSweepInterval controls how often idle rate buckets are evicted.
const gateSweepInterval = time.Minute

// cacheSweepInterval controls how often expired cache items are collected.
const cacheSweepInterval = 5 * time.Minute

// Container holds every constructed service. Fields are exported so the
// entrypoint and tests can reach individual pieces.
type Container struct {
	Config    *config.Config
	Logger    *zap.Logger
	Ring      *observability.LogRing
	Collector *observability.Collector
	Stats     *observability.ServiceStats

	Locks       *concurrency.KeyedLocks
	Coordinator *cache.Coordinator
	Extractor   *identity.Extractor
	Gate        *identity.Gate

	Chat     llm.ChatClient
	Embedder llm.Embedder
	Reranker llm.Reranker

	Manager  *kb.Manager
	Ingestor *kb.Ingestor
	QAStore  *qa.Store

	Rules     *intent.Manager
	Watcher   *config.FileWatcher
	Processor *intent.Processor

	Engine       *retrieval.Engine
	Orchestrator *query.Orchestrator

	Handler http.Handler

	shutdownFns []func() error
}

// NewContainer builds the graph in dependency order. A failure tears down
// whatever was already started.
func NewContainer(cfg *config.Config) (*Container, error) {
	c := &Container{Config: cfg}
	if err := c.initialize(); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Shutdown(shutdownCtx)
		return nil, err
	}
	return c, nil
}

func (c *Container) initialize() error {
	if err := c.initObservability(); err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	c.initInfrastructure()
	c.initAdapters()
	if err := c.initDomain(); err != nil {
		return err
	}
	c.initPipeline()
	c.initRouter()
	c.Logger.Info("container initialized",
		zap.String("environment", string(c.Config.Environment)),
		zap.String("addr", c.Config.Addr()))
	return nil
}

func (c *Container) initObservability() error {
	logger, ring, err := observability.NewLogger(c.Config)
	if err != nil {
		return err
	}
	c.Logger = logger
	c.Ring = ring
	c.addShutdown(func() error {
		_ = logger.Sync()
		return nil
	})

	c.Collector = observability.NewCollector("ragserve")
	c.Stats = observability.NewServiceStats()

	if c.Config.Tracing.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		stop, err := observability.InitTracing(ctx, c.Config.Tracing, logger)
		if err != nil {
			// Tracing is optional: log and continue without it.
			logger.Warn("tracing disabled, exporter unreachable", zap.Error(err))
			return nil
		}
		c.addShutdown(func() error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return stop(shutdownCtx)
		})
	}
	return nil
}

func (c *Container) initInfrastructure() {
	c.Locks = concurrency.NewKeyedLocks(lockTimeout, c.Logger)

	c.Coordinator = cache.NewCoordinator(c.Config.Cache, c.Logger)
	c.Coordinator.StartCleanup(cacheSweepInterval)
	c.addShutdown(func() error {
		c.Coordinator.Shutdown()
		return nil
	})

	c.Extractor = identity.NewExtractor(c.Config, c.Logger)
	c.Gate = identity.NewGate(c.Config.RateLimit, c.Logger)
	c.Gate.StartCleanup(gateSweepInterval)
	c.addShutdown(func() error {
		c.Gate.Stop()
		return nil
	})
}

func (c *Container) initAdapters() {
	c.Chat = llm.NewOpenAIChat(c.Config.LLM, c.Logger)
	c.Embedder = llm.NewOpenAIEmbedder(c.Config.Embedding, c.Logger)
	if c.Config.Rerank.Enabled {
		c.Reranker = llm.NewHTTPReranker(c.Config.Rerank, c.Config.Embedding, c.Logger)
	}
}

func (c *Container) initDomain() error {
	manager, err := kb.NewManager(c.Config, c.Locks, c.Logger)
	if err != nil {
		return fmt.Errorf("kb manager: %w", err)
	}
	c.Manager = manager

	builder := kb.NewLLMGraphBuilder(c.Chat, c.Logger)
	c.Ingestor = kb.NewIngestor(manager, c.Embedder, builder, c.Locks, c.Config.Upload, c.Logger)
	c.addShutdown(func() error {
		c.Ingestor.Wait()
		return nil
	})

	store, err := qa.NewStore(c.Config, c.Embedder, c.Locks, c.Coordinator, c.Logger)
	if err != nil {
		return fmt.Errorf("qa store: %w", err)
	}
	c.QAStore = store
	return nil
}

func (c *Container) initPipeline() {
	c.Rules = intent.NewManager(c.Config.Intent, c.Logger)

	watcher, err := config.NewFileWatcher(c.Logger)
	if err != nil {
		// Hot reload is a convenience; the manual reload route still works.
		c.Logger.Warn("config file watcher unavailable", zap.Error(err))
	} else {
		c.Watcher = watcher
		c.addShutdown(func() error {
			watcher.Stop()
			return nil
		})
		if err := c.Rules.Watch(watcher); err != nil {
			c.Logger.Warn("intent config watch failed", zap.Error(err))
		}
	}

	c.Processor = intent.NewProcessor(c.Config.Intent, c.Rules, c.Chat, c.Logger)
	c.Engine = retrieval.NewEngine(c.Config, c.Embedder, c.Chat, c.Reranker, c.Coordinator, c.Logger)
	c.Orchestrator = query.NewOrchestrator(
		c.Manager, c.Engine, c.Processor, c.Coordinator, c.Stats, c.Collector, c.Logger)
}

func (c *Container) initRouter() {
	router := server.NewRouter(server.Deps{
		Config:       c.Config,
		Logger:       c.Logger,
		Ring:         c.Ring,
		Collector:    c.Collector,
		Stats:        c.Stats,
		Extractor:    c.Extractor,
		Gate:         c.Gate,
		Locks:        c.Locks,
		Coordinator:  c.Coordinator,
		Manager:      c.Manager,
		Ingestor:     c.Ingestor,
		QAStore:      c.QAStore,
		Rules:        c.Rules,
		Processor:    c.Processor,
		Orchestrator: c.Orchestrator,
	})
	c.Handler = router.Setup()
}

func (c *Container) addShutdown(fn func() error) {
	c.shutdownFns = append(c.shutdownFns, fn)
}

// Shutdown releases resources in reverse construction order. The context
// bounds the whole pass; remaining functions still run after expiry so
// nothing leaks, they just stop waiting politely.
func (c *Container) Shutdown(ctx context.Context) error {
	var firstErr error
	for i := len(c.shutdownFns) - 1; i >= 0; i-- {
		if err := c.shutdownFns[i](); err != nil && firstErr == nil {
			firstErr = err
		}
		if ctx.Err() != nil && firstErr == nil {
			firstErr = ctx.Err()
		}
	}
	return firstErr
}
