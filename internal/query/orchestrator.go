// Package query composes the question-answering pipeline: request
// validation, knowledge-base resolution, the intent analysis and safety
// gate, answer caching, and the retrieval engine call. Handlers stay thin;
// the orchestrator owns the order of operations.
package query

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"ragserve/internal/cache"
	apperrors "ragserve/internal/errors"
	"ragserve/internal/intent"
	"ragserve/internal/kb"
	"ragserve/internal/llm"
	"ragserve/internal/observability"
	"ragserve/internal/retrieval"
)

// HistoryTurn is one prior exchange replayed into the chat context.
type HistoryTurn struct {
	Role    string `json:"role" validate:"required,oneof=user assistant"`
	Content string `json:"content" validate:"required"`
}

// Request is the body of the plain query route. Zero values defer to the
// per-mode tuning table.
type Request struct {
	Query             string        `json:"query" validate:"required,min=1,max=10000"`
	Mode              string        `json:"mode" validate:"omitempty,oneof=naive local global hybrid mix bypass"`
	TopK              int           `json:"top_k" validate:"omitempty,min=1,max=100"`
	Stream            bool          `json:"stream"`
	OnlyNeedContext   bool          `json:"only_need_context"`
	OnlyNeedPrompt    bool          `json:"only_need_prompt"`
	ResponseType      string        `json:"response_type"`
	MaxEntityTokens   int           `json:"max_entity_tokens" validate:"omitempty,min=100,max=10000"`
	MaxRelationTokens int           `json:"max_relation_tokens" validate:"omitempty,min=100,max=10000"`
	MaxTotalTokens    int           `json:"max_total_tokens" validate:"omitempty,min=500,max=20000"`
	HLKeywords        []string      `json:"hl_keywords"`
	LLKeywords        []string      `json:"ll_keywords"`
	History           []HistoryTurn `json:"conversation_history" validate:"omitempty,dive"`
	UserPrompt        string        `json:"user_prompt" validate:"omitempty,max=2000"`
	EnableRerank      *bool         `json:"enable_rerank"`
	KnowledgeBase     string        `json:"knowledge_base"`
	Language          string        `json:"language"`
	PerformanceMode   string        `json:"performance_mode" validate:"omitempty,oneof=fast balanced quality"`
}

// SafeRequest is the body of the guarded query route. The stage flags
// default to on; callers turn stages off explicitly.
type SafeRequest struct {
	Query                  string `json:"query" validate:"required,min=1,max=10000"`
	Mode                   string `json:"mode" validate:"omitempty,oneof=naive local global hybrid mix bypass"`
	KnowledgeBase          string `json:"knowledge_base"`
	Language               string `json:"language"`
	EnableIntentAnalysis   *bool  `json:"enable_intent_analysis"`
	EnableQueryEnhancement *bool  `json:"enable_query_enhancement"`
	SafetyCheck            *bool  `json:"safety_check"`
}

// AnalyzeRequest is the body of the analysis-only route.
type AnalyzeRequest struct {
	Query string `json:"query" validate:"required,min=1,max=10000"`
}

// RetrievalSummary reports what the engine pulled for the answer.
type RetrievalSummary struct {
	ChunkCount    int  `json:"chunk_count"`
	EntityCount   int  `json:"entity_count"`
	RelationCount int  `json:"relation_count"`
	ContextTokens int  `json:"context_tokens"`
	Reranked      bool `json:"reranked"`
}

// Result is the non-streaming answer payload.
type Result struct {
	Answer        string                      `json:"result"`
	Query         string                      `json:"query"`
	Mode          string                      `json:"mode"`
	KnowledgeBase string                      `json:"knowledge_base"`
	Language      string                      `json:"language,omitempty"`
	Cached        bool                        `json:"cached"`
	ResponseTime  float64                     `json:"response_time"`
	Retrieval     *RetrievalSummary           `json:"retrieval,omitempty"`
	Context       *retrieval.RetrievedContext `json:"context,omitempty"`
}

// SafeResult is the guarded-route payload. The analysis fields sit at the
// top level of the object so clients read should_reject, safety_level and
// safe_alternatives directly.
type SafeResult struct {
	intent.AnalysisResult

	SafetyPassed  bool    `json:"safety_passed"`
	Answer        string  `json:"result,omitempty"`
	Mode          string  `json:"mode,omitempty"`
	KnowledgeBase string  `json:"knowledge_base,omitempty"`
	Language      string  `json:"language,omitempty"`
	Cached        bool    `json:"cached,omitempty"`
	ResponseTime  float64 `json:"response_time"`
}

// StreamHandle carries a live token stream plus the metadata the transport
// layer announces before the first fragment. The caller drains the stream,
// closes it, and reports the outcome through RecordStreamEnd.
type StreamHandle struct {
	Stream        llm.TokenStream
	Retrieval     *RetrievalSummary
	Query         string
	Mode          string
	KnowledgeBase string
	Language      string
	Started       time.Time
}

// Orchestrator runs queries end to end. The intent processor, cache
// coordinator, stats and metrics sinks may each be nil; the corresponding
// stage is skipped.
type Orchestrator struct {
	manager  *kb.Manager
	engine   *retrieval.Engine
	intent   *intent.Processor
	cache    *cache.Coordinator
	stats    *observability.ServiceStats
	metrics  *observability.Collector
	validate *validator.Validate
	logger   *zap.Logger
}

// NewOrchestrator wires the pipeline.
func NewOrchestrator(
	manager *kb.Manager,
	engine *retrieval.Engine,
	processor *intent.Processor,
	coord *cache.Coordinator,
	stats *observability.ServiceStats,
	metrics *observability.Collector,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		manager:  manager,
		engine:   engine,
		intent:   processor,
		cache:    coord,
		stats:    stats,
		metrics:  metrics,
		validate: validator.New(),
		logger:   logger.Named("query"),
	}
}

// Validate checks a request body against its struct tags.
func (o *Orchestrator) Validate(req interface{}) error {
	err := o.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		f := verrs[0]
		return apperrors.Unprocessable("field %q failed the %q constraint", f.Field(), f.Tag())
	}
	return apperrors.Unprocessable("request failed validation")
}

// Execute answers one non-streaming query. Plain queries skip the intent
// pipeline entirely; the guarded route is ExecuteSafe.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	if err := o.Validate(&req); err != nil {
		return nil, err
	}
	mode, err := retrieval.ParseMode(req.Mode)
	if err != nil {
		return nil, err
	}

	kbName := o.manager.Resolve(req.KnowledgeBase)
	ws, err := o.manager.Open(ctx, kbName)
	if err != nil {
		return nil, err
	}
	language := resolveLanguage(req.Language, ws)
	engReq, err := o.engineRequest(req, mode, language)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Query:         req.Query,
		Mode:          string(mode),
		KnowledgeBase: kbName,
		Language:      language,
	}

	if req.OnlyNeedContext || req.OnlyNeedPrompt {
		rc, err := o.engine.Retrieve(ctx, ws, engReq)
		if err != nil {
			o.record(mode, "error", start)
			return nil, err
		}
		if req.OnlyNeedPrompt {
			res.Answer = retrieval.BuildPrompt(rc, engReq.ResponseType, language)
		} else {
			res.Context = rc
		}
		res.Retrieval = summarize(rc)
		res.ResponseTime = elapsedSeconds(start)
		o.record(mode, "ok", start)
		return res, nil
	}

	answer, rc, cached, err := o.answer(ctx, ws, kbName, engReq)
	if err != nil {
		o.record(mode, "error", start)
		return nil, err
	}
	res.Answer = answer
	res.Cached = cached
	res.Retrieval = summarize(rc)
	res.ResponseTime = elapsedSeconds(start)
	if cached {
		o.record(mode, "cached", start)
	} else {
		o.record(mode, "ok", start)
	}
	return res, nil
}

// ExecuteSafe runs intent analysis and the safety gate before retrieval.
// A rejected query returns a SafeResult with ShouldReject set and never
// reaches the engine; that outcome is a normal response, not an error.
func (o *Orchestrator) ExecuteSafe(ctx context.Context, req SafeRequest) (*SafeResult, error) {
	start := time.Now()
	if err := o.Validate(&req); err != nil {
		return nil, err
	}
	mode, err := retrieval.ParseMode(req.Mode)
	if err != nil {
		return nil, err
	}

	analyze := boolOr(req.EnableIntentAnalysis, true)
	enhance := boolOr(req.EnableQueryEnhancement, true)
	safety := boolOr(req.SafetyCheck, true)

	out := &SafeResult{SafetyPassed: true}
	queryText := req.Query

	if o.intent != nil && (analyze || safety) {
		analysis, err := o.intent.Analyze(ctx, req.Query)
		if err != nil {
			return nil, err
		}
		out.AnalysisResult = analysis
		if safety && analysis.ShouldReject {
			out.SafetyPassed = false
			out.ResponseTime = elapsedSeconds(start)
			if o.metrics != nil {
				o.metrics.SafetyRejections.Inc()
			}
			o.logger.Warn("query rejected by safety gate",
				zap.String("safety_level", string(analysis.SafetyLevel)),
				zap.String("intent_type", string(analysis.IntentType)),
				zap.String("reason", analysis.RejectionReason))
			o.record(mode, "rejected", start)
			return out, nil
		}
		if enhance && analysis.EnhancedQuery != "" {
			queryText = analysis.EnhancedQuery
		}
	} else {
		out.AnalysisResult = intent.AnalysisResult{
			OriginalQuery:  req.Query,
			ProcessedQuery: req.Query,
			SafetyLevel:    intent.Safe,
		}
	}

	kbName := o.manager.Resolve(req.KnowledgeBase)
	ws, err := o.manager.Open(ctx, kbName)
	if err != nil {
		return nil, err
	}
	language := resolveLanguage(req.Language, ws)

	engReq := retrieval.Request{
		Query:        queryText,
		Mode:         mode,
		ResponseType: retrieval.DefaultResponseType,
		Language:     language,
	}
	answer, _, cached, err := o.answer(ctx, ws, kbName, engReq)
	if err != nil {
		o.record(mode, "error", start)
		return nil, err
	}
	out.Answer = answer
	out.Mode = string(mode)
	out.KnowledgeBase = kbName
	out.Language = language
	out.Cached = cached
	out.ResponseTime = elapsedSeconds(start)
	if cached {
		o.record(mode, "cached", start)
	} else {
		o.record(mode, "ok", start)
	}
	return out, nil
}

// Analyze runs the intent pipeline alone. It never touches the retrieval
// engine or the knowledge base.
func (o *Orchestrator) Analyze(ctx context.Context, req AnalyzeRequest) (*intent.AnalysisResult, error) {
	if err := o.Validate(&req); err != nil {
		return nil, err
	}
	if o.intent == nil {
		return nil, apperrors.Internal("intent analysis is not configured")
	}
	analysis, err := o.intent.Analyze(ctx, req.Query)
	if err != nil {
		return nil, err
	}
	return &analysis, nil
}

// ExecuteStream opens a token stream for one query. The transport layer
// drains it, emits its framing, closes the stream, and finally calls
// RecordStreamEnd with the outcome.
func (o *Orchestrator) ExecuteStream(ctx context.Context, req Request) (*StreamHandle, error) {
	start := time.Now()
	if err := o.Validate(&req); err != nil {
		return nil, err
	}
	mode, err := retrieval.ParseMode(req.Mode)
	if err != nil {
		return nil, err
	}
	kbName := o.manager.Resolve(req.KnowledgeBase)
	ws, err := o.manager.Open(ctx, kbName)
	if err != nil {
		return nil, err
	}
	language := resolveLanguage(req.Language, ws)
	engReq, err := o.engineRequest(req, mode, language)
	if err != nil {
		return nil, err
	}

	stream, rc, err := o.engine.Stream(ctx, ws, engReq)
	if err != nil {
		o.record(mode, "error", start)
		return nil, err
	}
	return &StreamHandle{
		Stream:        stream,
		Retrieval:     summarize(rc),
		Query:         req.Query,
		Mode:          string(mode),
		KnowledgeBase: kbName,
		Language:      language,
		Started:       start,
	}, nil
}

// RecordStreamEnd feeds the query counters once a stream finished or broke.
func (o *Orchestrator) RecordStreamEnd(h *StreamHandle, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	o.record(retrieval.Mode(h.Mode), outcome, h.Started)
}

// answer serves from the response cache when possible, otherwise runs the
// engine and stores the result. Conversational requests bypass the cache:
// history and custom prompts make answers non-reusable.
func (o *Orchestrator) answer(ctx context.Context, ws *kb.Workspace, kbName string, engReq retrieval.Request) (string, *retrieval.RetrievedContext, bool, error) {
	cacheable := o.cache != nil &&
		engReq.Mode != retrieval.ModeBypass &&
		len(engReq.History) == 0 &&
		engReq.UserPrompt == ""

	key := cache.Fingerprint(cache.PrefixLLM,
		kbName, string(engReq.Mode), engReq.Language, engReq.ResponseType, engReq.Query)
	if cacheable {
		if raw, ok := o.cache.Get(ctx, cache.LLMResponse, key); ok {
			return string(raw), nil, true, nil
		}
	}

	res, err := o.engine.Answer(ctx, ws, engReq)
	if err != nil {
		return "", nil, false, err
	}
	if cacheable && res.Answer != "" {
		o.cache.Set(ctx, cache.LLMResponse, key, []byte(res.Answer))
	}
	return res.Answer, res.Context, false, nil
}

// engineRequest maps an API request onto the engine's request type.
func (o *Orchestrator) engineRequest(req Request, mode retrieval.Mode, language string) (retrieval.Request, error) {
	perf, err := retrieval.ParsePerformanceMode(req.PerformanceMode)
	if err != nil {
		return retrieval.Request{}, err
	}
	var history []llm.Message
	for _, turn := range req.History {
		history = append(history, llm.Message{Role: turn.Role, Content: turn.Content})
	}
	return retrieval.Request{
		Query:             req.Query,
		Mode:              mode,
		TopK:              req.TopK,
		PerformanceMode:   perf,
		ResponseType:      responseType(req.ResponseType),
		Language:          language,
		UserPrompt:        req.UserPrompt,
		History:           history,
		MaxEntityTokens:   req.MaxEntityTokens,
		MaxRelationTokens: req.MaxRelationTokens,
		MaxTotalTokens:    req.MaxTotalTokens,
		EnableRerank:      req.EnableRerank,
		HLKeywords:        req.HLKeywords,
		LLKeywords:        req.LLKeywords,
	}, nil
}

// record feeds the query counters. All sinks are optional.
func (o *Orchestrator) record(mode retrieval.Mode, outcome string, start time.Time) {
	d := time.Since(start)
	if o.stats != nil {
		o.stats.RecordQuery(d)
	}
	if o.metrics != nil {
		o.metrics.QueriesTotal.WithLabelValues(string(mode), outcome).Inc()
		o.metrics.QueryDuration.WithLabelValues(string(mode)).Observe(d.Seconds())
	}
}

// summarize compresses the retrieved context for the response body.
func summarize(rc *retrieval.RetrievedContext) *RetrievalSummary {
	if rc == nil {
		return nil
	}
	return &RetrievalSummary{
		ChunkCount:    len(rc.Chunks),
		EntityCount:   len(rc.Entities),
		RelationCount: len(rc.Relations),
		ContextTokens: rc.Tokens,
		Reranked:      rc.Reranked,
	}
}

// resolveLanguage prefers the request language, then the KB setting.
func resolveLanguage(override string, ws *kb.Workspace) string {
	if s := strings.TrimSpace(override); s != "" {
		return s
	}
	return ws.Meta().Language
}

func responseType(s string) string {
	if strings.TrimSpace(s) == "" {
		return retrieval.DefaultResponseType
	}
	return s
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

func elapsedSeconds(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Second)
}
