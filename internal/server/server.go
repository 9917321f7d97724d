// Package server assembles the HTTP surface: the chi router, the
// middleware stack and the route handlers. The stack order is fixed:
// CORS, identity extraction, rate gate, request logging, metrics,
// recovery, then routing.
package server

import (
	"net/http"

	"ragserve/internal/cache"
	"ragserve/internal/concurrency"
	"ragserve/internal/config"
	"ragserve/internal/identity"
	"ragserve/internal/intent"
	"ragserve/internal/kb"
	"ragserve/internal/observability"
	"ragserve/internal/qa"
	"ragserve/internal/query"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// Router builds the HTTP handler from the assembled services.
type Router struct {
	cfg       *config.Config
	logger    *zap.Logger
	extractor *identity.Extractor
	gate      *identity.Gate
	collector *observability.Collector
	endpoints *EndpointStats

	system *SystemHandler
	query  *QueryHandler
	insert *InsertHandler
	kb     *KBHandler
	intent *IntentHandler
	qa     *QAHandler
	cache  *CacheHandler
}

// Deps carries everything the router needs. The DI container fills it.
type Deps struct {
	Config       *config.Config
	Logger       *zap.Logger
	Ring         *observability.LogRing
	Collector    *observability.Collector
	Stats        *observability.ServiceStats
	Extractor    *identity.Extractor
	Gate         *identity.Gate
	Locks        *concurrency.KeyedLocks
	Coordinator  *cache.Coordinator
	Manager      *kb.Manager
	Ingestor     *kb.Ingestor
	QAStore      *qa.Store
	Rules        *intent.Manager
	Processor    *intent.Processor
	Orchestrator *query.Orchestrator
}

// NewRouter wires the handlers. The endpoint aggregation window backs the
// envelope metrics route.
func NewRouter(d Deps) *Router {
	endpoints := NewEndpointStats(d.Config.Logging.RingSize)
	httpLogger := d.Logger.Named("http")
	return &Router{
		cfg:       d.Config,
		logger:    httpLogger,
		extractor: d.Extractor,
		gate:      d.Gate,
		collector: d.Collector,
		endpoints: endpoints,
		system: NewSystemHandler(d.Config, d.Manager, d.Coordinator, d.Locks, d.Gate,
			d.Stats, d.Ring, endpoints, httpLogger),
		query:  NewQueryHandler(d.Orchestrator, d.Collector, httpLogger),
		insert: NewInsertHandler(d.Ingestor, d.Config.Upload, d.Config.Paths.UploadDir, d.Collector, httpLogger),
		kb:     NewKBHandler(d.Manager, httpLogger),
		intent: NewIntentHandler(d.Processor, d.Rules, httpLogger),
		qa:     NewQAHandler(d.QAStore, d.Collector, httpLogger),
		cache:  NewCacheHandler(d.Coordinator, httpLogger),
	}
}

// Setup configures middleware and mounts every route.
func (rt *Router) Setup() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: rt.cfg.CORS.AllowedOrigins,
		AllowedMethods: rt.cfg.CORS.AllowedMethods,
		AllowedHeaders: rt.cfg.CORS.AllowedHeaders,
		ExposedHeaders: []string{"X-Request-ID", "X-Process-Time"},
		MaxAge:         rt.cfg.CORS.MaxAge,
	}))
	r.Use(Identity(rt.extractor))
	r.Use(RateGate(rt.gate, rt.collector, rt.logger))
	r.Use(RequestLogger(rt.logger))
	r.Use(Metrics(rt.collector, rt.endpoints))
	r.Use(Recovery(rt.logger))

	// Prometheus exposition outside the API prefix; the envelope variant
	// lives at /api/v1/metrics.
	r.Method(http.MethodGet, "/metrics", rt.collector.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", rt.system.Health)
		r.Get("/system/status", rt.system.Status)
		r.Get("/metrics", rt.system.Metrics)
		r.Get("/logs", rt.system.Logs)

		r.Route("/query", func(r chi.Router) {
			r.Post("/", rt.query.Query)
			r.Post("/analyze", rt.query.Analyze)
			r.Post("/safe", rt.query.Safe)
			r.Post("/batch", rt.query.Batch)
			r.Get("/modes", rt.query.Modes)
		})

		r.Route("/insert", func(r chi.Router) {
			r.Post("/text", rt.insert.Text)
			r.Post("/texts", rt.insert.Texts)
			r.Post("/file", rt.insert.File)
			r.Post("/files", rt.insert.Files)
			r.Post("/directory", rt.insert.Directory)
		})

		r.Route("/knowledge-bases", func(r chi.Router) {
			r.Get("/", rt.kb.List)
			r.Post("/", rt.kb.Create)
			r.Post("/switch", rt.kb.Switch)
			r.Get("/current", rt.kb.Current)
			r.Delete("/{name}", rt.kb.Delete)
			r.Put("/{name}/config", rt.kb.UpdateConfig)
			r.Post("/{name}/backup", rt.kb.Backup)
			r.Post("/{name}/restore", rt.kb.Restore)
		})

		r.Route("/knowledge-graph", func(r chi.Router) {
			r.Post("/", rt.kb.Subgraph)
			r.Get("/stats", rt.kb.GraphStats)
			r.Delete("/clear", rt.kb.ClearGraph)
		})

		r.Route("/intent", func(r chi.Router) {
			r.Post("/analyze", rt.intent.Analyze)
			r.Post("/safety-check", rt.intent.SafetyCheck)
			r.Get("/status", rt.intent.Status)
			r.Post("/status", rt.intent.Status)
		})

		r.Route("/intent-config", func(r chi.Router) {
			r.Get("/status", rt.intent.ConfigStatus)
			r.Post("/reload", rt.intent.Reload)
			r.Get("/intent-types", rt.intent.IntentTypes)
			r.Post("/intent-types", rt.intent.RegisterIntentType)
			r.Get("/prompts", rt.intent.Prompts)
			r.Post("/prompts", rt.intent.SetPrompt)
			r.Post("/templates", rt.intent.SetTemplate)
			r.Post("/safety-rules", rt.intent.SetSafetyRules)
		})

		r.Route("/qa", func(r chi.Router) {
			r.Route("/pairs", func(r chi.Router) {
				r.Post("/", rt.qa.AddPair)
				r.Get("/", rt.qa.ListPairs)
				r.Post("/batch", rt.qa.AddBatch)
				r.Get("/{id}", rt.qa.GetPair)
				r.Put("/{id}", rt.qa.UpdatePair)
				r.Delete("/{id}", rt.qa.DeletePair)
			})
			r.Post("/query", rt.qa.Query)
			r.Post("/query/batch", rt.qa.QueryBatch)
			r.Post("/import", rt.qa.Import)
			r.Get("/export", rt.qa.Export)
			r.Get("/statistics", rt.qa.Statistics)
			r.Get("/categories", rt.qa.Categories)
			r.Delete("/categories/{category}", rt.qa.DeleteCategory)
		})

		r.Route("/cache", func(r chi.Router) {
			r.Get("/stats", rt.cache.Stats)
			r.Delete("/clear", rt.cache.ClearAll)
			r.Delete("/clear/{type}", rt.cache.ClearType)
		})
	})

	return r
}
