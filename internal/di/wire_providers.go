//go:build wireinject
// +build wireinject

// Provider declarations for Wire generation. The bodies live in the
// manual container; these signatures describe the graph to the generator.
package di

import (
	"net/http"

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

// Observability providers.
func provideLogger(cfg *config.Config) (*zap.Logger, *observability.LogRing, error) { panic("wire") }
func provideCollector() *observability.Collector                                    { panic("wire") }
func provideServiceStats() *observability.ServiceStats                              { panic("wire") }

// Infrastructure providers.
func provideKeyedLocks(logger *zap.Logger) *concurrency.KeyedLocks { panic("wire") }
func provideCoordinator(cfg *config.Config, logger *zap.Logger) *cache.Coordinator {
	panic("wire")
}
func provideExtractor(cfg *config.Config, logger *zap.Logger) *identity.Extractor { panic("wire") }
func provideGate(cfg *config.Config, logger *zap.Logger) *identity.Gate           { panic("wire") }

// Upstream adapter providers.
func provideChat(cfg *config.Config, logger *zap.Logger) llm.ChatClient   { panic("wire") }
func provideEmbedder(cfg *config.Config, logger *zap.Logger) llm.Embedder { panic("wire") }
func provideReranker(cfg *config.Config, logger *zap.Logger) llm.Reranker { panic("wire") }

// Domain providers.
func provideKBManager(cfg *config.Config, locks *concurrency.KeyedLocks, logger *zap.Logger) (*kb.Manager, error) {
	panic("wire")
}
func provideIngestor(
	manager *kb.Manager,
	embedder llm.Embedder,
	chat llm.ChatClient,
	locks *concurrency.KeyedLocks,
	cfg *config.Config,
	logger *zap.Logger,
) *kb.Ingestor {
	panic("wire")
}
func provideQAStore(
	cfg *config.Config,
	embedder llm.Embedder,
	locks *concurrency.KeyedLocks,
	coord *cache.Coordinator,
	logger *zap.Logger,
) (*qa.Store, error) {
	panic("wire")
}

// Pipeline providers.
func provideIntentRules(cfg *config.Config, logger *zap.Logger) *intent.Manager { panic("wire") }
func provideIntentProcessor(
	cfg *config.Config,
	rules *intent.Manager,
	chat llm.ChatClient,
	logger *zap.Logger,
) *intent.Processor {
	panic("wire")
}
func provideEngine(
	cfg *config.Config,
	embedder llm.Embedder,
	chat llm.ChatClient,
	reranker llm.Reranker,
	coord *cache.Coordinator,
	logger *zap.Logger,
) *retrieval.Engine {
	panic("wire")
}
func provideOrchestrator(
	manager *kb.Manager,
	engine *retrieval.Engine,
	processor *intent.Processor,
	coord *cache.Coordinator,
	stats *observability.ServiceStats,
	collector *observability.Collector,
	logger *zap.Logger,
) *query.Orchestrator {
	panic("wire")
}

// HTTP providers.
func provideRouter(deps server.Deps) *server.Router  { panic("wire") }
func provideHandler(router *server.Router) http.Handler { panic("wire") }
