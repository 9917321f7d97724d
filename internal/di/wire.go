//go:build wireinject
// +build wireinject

package di

import (
	"ragserve/internal/config"

	"github.com/google/wire"
)

// serviceSet groups the full graph for generation.
var serviceSet = wire.NewSet(
	provideLogger,
	provideCollector,
	provideServiceStats,
	provideKeyedLocks,
	provideCoordinator,
	provideExtractor,
	provideGate,
	provideChat,
	provideEmbedder,
	provideReranker,
	provideKBManager,
	provideIngestor,
	provideQAStore,
	provideIntentRules,
	provideIntentProcessor,
	provideEngine,
	provideOrchestrator,
	provideRouter,
	provideHandler,
)

// InitializeContainer is the Wire injector. The generated output mirrors
// the manual container in container.go.
func InitializeContainer(cfg *config.Config) (*Container, error) {
	wire.Build(
		serviceSet,
		wire.Struct(new(Container), "*"),
	)
	return nil, nil
}
