package retrieval

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"ragserve/internal/cache"
	"ragserve/internal/config"
	apperrors "ragserve/internal/errors"
	"ragserve/internal/kb"
	"ragserve/internal/llm"
)

// ============================================================================
// REQUEST AND RESULT TYPES
// ============================================================================

// Request describes one retrieval-augmented query. Zero values defer to
// the tuning profile of the resolved mode.
type Request struct {
	Query           string
	Mode            Mode
	TopK            int
	PerformanceMode PerformanceMode

	// Generation controls.
	ResponseType string
	Language     string
	UserPrompt   string
	History      []llm.Message

	// Budget overrides. Zero means "use the tuned value".
	MaxEntityTokens   int
	MaxRelationTokens int
	MaxTotalTokens    int

	// EnableRerank overrides the tuned rerank switch when non-nil.
	EnableRerank *bool

	// Caller-supplied keyword hints, used as graph seeds alongside the
	// terms split from the query itself.
	HLKeywords []string
	LLKeywords []string
}

// ScoredChunk is one retrieved passage with its ranking score.
type ScoredChunk struct {
	ID      string  `json:"id"`
	DocID   string  `json:"doc_id"`
	Order   int     `json:"order"`
	Content string  `json:"content"`
	Tokens  int     `json:"tokens"`
	Score   float64 `json:"score"`
}

// ScoredEntity is a graph node together with its connectivity, which is
// what the entity sections rank by.
type ScoredEntity struct {
	kb.GraphNode
	Degree int `json:"degree"`
}

// RetrievedContext is the evidence assembled for one query after budget
// trimming.
type RetrievedContext struct {
	Mode      Mode           `json:"mode"`
	Chunks    []ScoredChunk  `json:"chunks"`
	Entities  []ScoredEntity `json:"entities"`
	Relations []kb.GraphEdge `json:"relations"`
	Tokens    int            `json:"tokens"`
	Reranked  bool           `json:"reranked"`
}

// Result is one complete non-streaming answer.
type Result struct {
	Answer   string            `json:"answer"`
	Mode     Mode              `json:"mode"`
	Context  *RetrievedContext `json:"-"`
	Duration float64           `json:"duration"`
}

// ============================================================================
// ENGINE
// ============================================================================

// Engine runs the six query modes against a workspace. The chat client and
// reranker may be nil; retrieval still works, generation and reranking
// degrade accordingly.
type Engine struct {
	cfg      *config.Config
	embedder llm.Embedder
	chat     llm.ChatClient
	reranker llm.Reranker
	cache    *cache.Coordinator
	logger   *zap.Logger
}

// NewEngine wires the engine. cfg.Rerank.Enabled gates the reranker
// globally; per-request and per-mode switches only apply when it is on.
func NewEngine(cfg *config.Config, embedder llm.Embedder, chat llm.ChatClient, reranker llm.Reranker, coord *cache.Coordinator, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:      cfg,
		embedder: embedder,
		chat:     chat,
		reranker: reranker,
		cache:    coord,
		logger:   logger.Named("retrieval"),
	}
}

// Retrieve assembles the evidence for a query without generating an
// answer. The chat model is only consulted for the mix-mode keyword
// planning step; bypass returns an empty context.
func (e *Engine) Retrieve(ctx context.Context, ws *kb.Workspace, req Request) (*RetrievedContext, error) {
	mode, err := ParseMode(string(req.Mode))
	if err != nil {
		return nil, err
	}
	tuning, err := TuningFor(mode, req.PerformanceMode)
	if err != nil {
		return nil, err
	}

	rc := &RetrievedContext{Mode: mode}
	if mode == ModeBypass {
		return rc, nil
	}

	ctx, cancel := context.WithTimeout(ctx, tuning.Timeout)
	defer cancel()

	topK := resolveTopK(req.TopK, tuning.TopK)
	start := time.Now()

	switch mode {
	case ModeNaive:
		rc.Chunks, err = e.vectorChunks(ctx, ws, req.Query, topK)
	case ModeLocal:
		err = e.localRetrieve(ctx, ws, req.Query, topK, rc)
	case ModeGlobal:
		e.globalRetrieve(ws, seedTerms(req.Query, req.HLKeywords, req.LLKeywords), topK, rc)
	case ModeHybrid:
		err = e.hybridRetrieve(ctx, ws, req.Query, seedTerms(req.Query, req.HLKeywords, req.LLKeywords), topK, rc)
	case ModeMix:
		hl, ll := e.planKeywords(ctx, req.Query)
		err = e.hybridRetrieve(ctx, ws, req.Query, seedTerms(req.Query, req.HLKeywords, req.LLKeywords, hl, ll), topK, rc)
	}
	if err != nil {
		return nil, err
	}

	sortChunks(rc.Chunks)
	if e.shouldRerank(tuning, req) && len(rc.Chunks) > 1 {
		rc.Chunks, rc.Reranked = e.rerank(ctx, req.Query, rc.Chunks, topK)
	}
	if len(rc.Chunks) > topK {
		rc.Chunks = rc.Chunks[:topK]
	}

	applyBudgets(rc, budgetsFor(tuning, req))

	e.logger.Debug("retrieval complete",
		zap.String("kb", ws.Name()),
		zap.String("mode", string(mode)),
		zap.Int("chunks", len(rc.Chunks)),
		zap.Int("entities", len(rc.Entities)),
		zap.Int("relations", len(rc.Relations)),
		zap.Int("tokens", rc.Tokens),
		zap.Bool("reranked", rc.Reranked),
		zap.Duration("elapsed", time.Since(start)))
	return rc, nil
}

// Answer retrieves and generates a complete reply. Bypass echoes the query
// without touching the model.
func (e *Engine) Answer(ctx context.Context, ws *kb.Workspace, req Request) (Result, error) {
	start := time.Now()
	rc, err := e.Retrieve(ctx, ws, req)
	if err != nil {
		return Result{}, err
	}
	if rc.Mode == ModeBypass {
		return Result{Answer: req.Query, Mode: ModeBypass, Context: rc, Duration: time.Since(start).Seconds()}, nil
	}
	if e.chat == nil || !e.chat.Available() {
		return Result{}, apperrors.UpstreamFailure("chat model is not available")
	}

	tuning, err := TuningFor(rc.Mode, req.PerformanceMode)
	if err != nil {
		return Result{}, err
	}
	genCtx, cancel := context.WithTimeout(ctx, tuning.Timeout)
	defer cancel()

	answer, err := e.chat.Complete(genCtx, buildChatRequest(rc, req))
	if err != nil {
		return Result{}, apperrors.From(err)
	}
	return Result{Answer: answer, Mode: rc.Mode, Context: rc, Duration: time.Since(start).Seconds()}, nil
}

// Stream retrieves and starts streaming generation. The returned context
// carries what the answer is grounded on; the caller owns closing the
// stream. Bypass streams the query text itself.
func (e *Engine) Stream(ctx context.Context, ws *kb.Workspace, req Request) (llm.TokenStream, *RetrievedContext, error) {
	rc, err := e.Retrieve(ctx, ws, req)
	if err != nil {
		return nil, nil, err
	}
	if rc.Mode == ModeBypass {
		return NewTextStream(req.Query), rc, nil
	}
	if e.chat == nil || !e.chat.Available() {
		return nil, nil, apperrors.UpstreamFailure("chat model is not available")
	}
	stream, err := e.chat.Stream(ctx, buildChatRequest(rc, req))
	if err != nil {
		return nil, nil, apperrors.From(err)
	}
	return stream, rc, nil
}

// ============================================================================
// MODE PIPELINES
// ============================================================================

// vectorChunks embeds the query and reads the chunk records behind the
// top-k vector hits. Vectors whose chunk record is gone (an interrupted
// insert) are skipped.
func (e *Engine) vectorChunks(ctx context.Context, ws *kb.Workspace, query string, topK int) ([]ScoredChunk, error) {
	vec, err := e.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	hits := ws.Vectors().Search(vec, topK)
	chunks := make([]ScoredChunk, 0, len(hits))
	for _, hit := range hits {
		record, ok := ws.Chunks().Get(hit.ID)
		if !ok {
			e.logger.Warn("vector hit without chunk record", zap.String("chunk_id", hit.ID))
			continue
		}
		chunks = append(chunks, ScoredChunk{
			ID:      hit.ID,
			DocID:   record.DocID,
			Order:   record.Order,
			Content: record.Content,
			Tokens:  record.Tokens,
			Score:   hit.Score,
		})
	}
	return chunks, nil
}

// localRetrieve is vector search expanded one hop into the graph: the
// entities extracted from the matched chunks, their neighbors, and the
// relations among them.
func (e *Engine) localRetrieve(ctx context.Context, ws *kb.Workspace, query string, topK int, rc *RetrievedContext) error {
	chunks, err := e.vectorChunks(ctx, ws, query, topK)
	if err != nil {
		return err
	}
	rc.Chunks = chunks
	rc.Entities, rc.Relations = expandChunks(ws.Graph(), chunks, maxEntities(topK))
	return nil
}

// globalRetrieve walks the graph from seed terms, falling back to the
// best-connected entities when nothing matches. Supporting chunks come
// from the entities' source references, scored by normalized degree so
// they interleave sensibly with cosine scores in hybrid mode.
func (e *Engine) globalRetrieve(ws *kb.Workspace, terms []string, topK int, rc *RetrievedContext) {
	graph := ws.Graph()
	seeds := graph.FindEntities(terms, topK)
	if len(seeds) == 0 {
		seeds = graph.TopEntities(topK)
	}
	if len(seeds) == 0 {
		return
	}

	seen := make(map[string]struct{}, len(seeds)*3)
	var ids []string
	add := func(id string) {
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for _, node := range seeds {
		add(node.ID)
	}
	for _, node := range seeds {
		for _, neighbor := range graph.Neighbors(node.ID) {
			add(neighbor)
		}
	}

	entities := collectEntities(graph, ids, maxEntities(topK))
	rc.Entities = mergeEntities(rc.Entities, entities)
	rc.Relations = mergeRelations(rc.Relations, relationsAmong(graph, rc.Entities))
	rc.Chunks = mergeChunks(rc.Chunks, supportChunks(ws, entities, topK))
}

// hybridRetrieve layers the graph walk on top of vector search.
func (e *Engine) hybridRetrieve(ctx context.Context, ws *kb.Workspace, query string, terms []string, topK int, rc *RetrievedContext) error {
	if err := e.localRetrieve(ctx, ws, query, topK, rc); err != nil {
		return err
	}
	e.globalRetrieve(ws, terms, topK, rc)
	return nil
}

// supportChunks resolves the source references of the given entities into
// chunk records, best-connected entities first. Scores are the entity
// degree normalized into [0,1].
func supportChunks(ws *kb.Workspace, entities []ScoredEntity, limit int) []ScoredChunk {
	if len(entities) == 0 {
		return nil
	}
	maxDegree := entities[0].Degree
	if maxDegree < 1 {
		maxDegree = 1
	}
	seen := make(map[string]struct{}, limit)
	var chunks []ScoredChunk
	for _, ent := range entities {
		for _, src := range strings.Split(ent.SourceID, "\n") {
			if src == "" {
				continue
			}
			if _, dup := seen[src]; dup {
				continue
			}
			record, ok := ws.Chunks().Get(src)
			if !ok {
				continue
			}
			seen[src] = struct{}{}
			chunks = append(chunks, ScoredChunk{
				ID:      src,
				DocID:   record.DocID,
				Order:   record.Order,
				Content: record.Content,
				Tokens:  record.Tokens,
				Score:   float64(ent.Degree) / float64(maxDegree),
			})
			if len(chunks) >= limit {
				return chunks
			}
		}
	}
	return chunks
}

// expandChunks pulls the entities extracted from the retrieved chunks plus
// their immediate neighborhood, and the relations among them.
func expandChunks(graph *kb.Graph, chunks []ScoredChunk, limit int) ([]ScoredEntity, []kb.GraphEdge) {
	if len(chunks) == 0 {
		return nil, nil
	}
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
	}
	seeds := graph.NodesForSources(ids)
	if len(seeds) == 0 {
		return nil, nil
	}

	seen := make(map[string]struct{}, len(seeds)*3)
	var entityIDs []string
	add := func(id string) {
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		entityIDs = append(entityIDs, id)
	}
	for _, node := range seeds {
		add(node.ID)
	}
	for _, node := range seeds {
		for _, neighbor := range graph.Neighbors(node.ID) {
			add(neighbor)
		}
	}

	entities := collectEntities(graph, entityIDs, limit)
	return entities, relationsAmong(graph, entities)
}

func collectEntities(graph *kb.Graph, ids []string, limit int) []ScoredEntity {
	entities := make([]ScoredEntity, 0, len(ids))
	for _, id := range ids {
		node, ok := graph.Node(id)
		if !ok {
			continue
		}
		entities = append(entities, ScoredEntity{GraphNode: node, Degree: graph.Degree(id)})
	}
	sort.Slice(entities, func(i, j int) bool {
		if entities[i].Degree != entities[j].Degree {
			return entities[i].Degree > entities[j].Degree
		}
		return entities[i].ID < entities[j].ID
	})
	if limit > 0 && len(entities) > limit {
		entities = entities[:limit]
	}
	return entities
}

func relationsAmong(graph *kb.Graph, entities []ScoredEntity) []kb.GraphEdge {
	if len(entities) == 0 {
		return nil
	}
	ids := make([]string, len(entities))
	for i, ent := range entities {
		ids[i] = ent.ID
	}
	return graph.EdgesAmong(ids)
}

// maxEntities bounds how many entities a pipeline collects before the
// token budget prunes further.
func maxEntities(topK int) int {
	return topK * 4
}

// ============================================================================
// KEYWORD PLANNING (MIX MODE)
// ============================================================================

const keywordPrompt = `You are a retrieval planner. Extract search keywords from the question below. High-level keywords name the broad topics involved; low-level keywords name the concrete entities, terms, or names.

Question: {query}

Reply with JSON only, no other text:
{"high_level": ["..."], "low_level": ["..."]}`

// planKeywords asks the chat model for graph seed keywords. Any failure
// degrades to plain query-term seeding rather than failing the request.
func (e *Engine) planKeywords(ctx context.Context, query string) (hl, ll []string) {
	if e.chat == nil || !e.chat.Available() {
		return nil, nil
	}
	reply, err := e.chat.Complete(ctx, llm.ChatRequest{
		Messages: []llm.Message{{
			Role:    "user",
			Content: strings.ReplaceAll(keywordPrompt, "{query}", query),
		}},
	})
	if err != nil {
		e.logger.Warn("keyword planning failed, seeding from raw terms", zap.Error(err))
		return nil, nil
	}
	var parsed struct {
		HighLevel []string `json:"high_level"`
		LowLevel  []string `json:"low_level"`
	}
	if err := json.Unmarshal([]byte(llm.ExtractJSON(reply)), &parsed); err != nil {
		e.logger.Warn("keyword planning reply was not JSON", zap.Error(err))
		return nil, nil
	}
	return parsed.HighLevel, parsed.LowLevel
}

// ============================================================================
// RERANKING
// ============================================================================

func (e *Engine) shouldRerank(tuning Tuning, req Request) bool {
	if !e.cfg.Rerank.Enabled || e.reranker == nil {
		return false
	}
	if req.EnableRerank != nil {
		return *req.EnableRerank
	}
	return tuning.EnableRerank
}

// rerank re-scores the chunks against the query. Rerank-score ties keep
// the vector order; a failed call keeps the original ranking.
func (e *Engine) rerank(ctx context.Context, query string, chunks []ScoredChunk, topK int) ([]ScoredChunk, bool) {
	docs := make([]string, len(chunks))
	for i, c := range chunks {
		docs[i] = c.Content
	}
	results, err := e.reranker.Rerank(ctx, query, docs, topK)
	if err != nil {
		e.logger.Warn("rerank failed, keeping vector order", zap.Error(err))
		return chunks, false
	}

	type rescored struct {
		chunk    ScoredChunk
		score    float64
		original float64
	}
	out := make([]rescored, 0, len(results))
	for _, r := range results {
		if r.Index < 0 || r.Index >= len(chunks) {
			continue
		}
		c := chunks[r.Index]
		out = append(out, rescored{chunk: c, score: r.Score, original: c.Score})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].original > out[j].original
	})
	ranked := make([]ScoredChunk, len(out))
	for i, r := range out {
		r.chunk.Score = r.score
		ranked[i] = r.chunk
	}
	return ranked, true
}

// ============================================================================
// EMBEDDING CACHE
// ============================================================================

// embedQuery embeds with the vector cache in front, so repeated queries
// skip the upstream call.
func (e *Engine) embedQuery(ctx context.Context, query string) ([]float32, error) {
	if e.embedder == nil {
		return nil, apperrors.UpstreamFailure("embedding model is not available")
	}
	key := cache.Fingerprint(cache.PrefixEmbedding, query)
	if e.cache != nil {
		if raw, ok := e.cache.Get(ctx, cache.Vector, key); ok {
			if vec := decodeVector(raw, e.embedder.Dim()); vec != nil {
				return vec, nil
			}
		}
	}
	vecs, err := e.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, apperrors.From(err)
	}
	if len(vecs) != 1 {
		return nil, apperrors.Internal("embedder returned %d vectors for one query", len(vecs))
	}
	if e.cache != nil {
		e.cache.Set(ctx, cache.Vector, key, encodeVector(vecs[0]))
	}
	return vecs[0], nil
}

func encodeVector(vec []float32) []byte {
	out := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

func decodeVector(raw []byte, dim int) []float32 {
	if len(raw) != 4*dim {
		return nil
	}
	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return vec
}

// ============================================================================
// MERGING AND SEEDING
// ============================================================================

func resolveTopK(user, tuned int) int {
	if user <= 0 {
		return tuned
	}
	if user > 100 {
		return 100
	}
	return user
}

func sortChunks(chunks []ScoredChunk) {
	sort.SliceStable(chunks, func(i, j int) bool {
		if chunks[i].Score != chunks[j].Score {
			return chunks[i].Score > chunks[j].Score
		}
		return chunks[i].ID < chunks[j].ID
	})
}

// mergeChunks dedupes by chunk id, keeping the higher score.
func mergeChunks(a, b []ScoredChunk) []ScoredChunk {
	if len(a) == 0 {
		return b
	}
	index := make(map[string]int, len(a))
	for i, c := range a {
		index[c.ID] = i
	}
	for _, c := range b {
		if i, dup := index[c.ID]; dup {
			if c.Score > a[i].Score {
				a[i].Score = c.Score
			}
			continue
		}
		index[c.ID] = len(a)
		a = append(a, c)
	}
	return a
}

func mergeEntities(a, b []ScoredEntity) []ScoredEntity {
	if len(a) == 0 {
		return b
	}
	seen := make(map[string]struct{}, len(a))
	for _, ent := range a {
		seen[ent.ID] = struct{}{}
	}
	for _, ent := range b {
		if _, dup := seen[ent.ID]; dup {
			continue
		}
		seen[ent.ID] = struct{}{}
		a = append(a, ent)
	}
	sort.Slice(a, func(i, j int) bool {
		if a[i].Degree != a[j].Degree {
			return a[i].Degree > a[j].Degree
		}
		return a[i].ID < a[j].ID
	})
	return a
}

func mergeRelations(a, b []kb.GraphEdge) []kb.GraphEdge {
	if len(a) == 0 {
		return b
	}
	key := func(e kb.GraphEdge) string { return e.Source + "\x00" + e.Target }
	seen := make(map[string]struct{}, len(a))
	for _, edge := range a {
		seen[key(edge)] = struct{}{}
	}
	for _, edge := range b {
		if _, dup := seen[key(edge)]; dup {
			continue
		}
		seen[key(edge)] = struct{}{}
		a = append(a, edge)
	}
	sort.Slice(a, func(i, j int) bool {
		if a[i].Weight != a[j].Weight {
			return a[i].Weight > a[j].Weight
		}
		if a[i].Source != a[j].Source {
			return a[i].Source < a[j].Source
		}
		return a[i].Target < a[j].Target
	})
	return a
}

var queryStopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "was": {}, "what": {},
	"how": {}, "why": {}, "who": {}, "where": {}, "when": {}, "which": {},
	"does": {}, "did": {}, "can": {}, "this": {}, "that": {}, "with": {},
	"about": {}, "into": {}, "from": {}, "have": {}, "has": {}, "not": {},
}

// seedTerms combines the terms split from the query with any caller or
// planner supplied keyword lists, deduplicated case-insensitively.
func seedTerms(query string, keywordLists ...[]string) []string {
	terms := queryTerms(query)
	seen := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		seen[t] = struct{}{}
	}
	for _, list := range keywordLists {
		for _, kw := range list {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw == "" {
				continue
			}
			if _, dup := seen[kw]; dup {
				continue
			}
			seen[kw] = struct{}{}
			terms = append(terms, kw)
		}
	}
	return terms
}

// queryTerms splits a question into graph seed terms. Latin words pass a
// short stopword list; CJK runs contribute the whole run plus its bigrams,
// since entity names are usually two to four characters.
func queryTerms(query string) []string {
	var terms []string
	seen := make(map[string]struct{})
	add := func(t string) {
		t = strings.ToLower(t)
		if _, dup := seen[t]; dup {
			return
		}
		seen[t] = struct{}{}
		terms = append(terms, t)
	}

	var latin, cjk []rune
	flushLatin := func() {
		if len(latin) >= 3 {
			word := strings.ToLower(string(latin))
			if _, stop := queryStopwords[word]; !stop {
				add(word)
			}
		}
		latin = latin[:0]
	}
	flushCJK := func() {
		if len(cjk) >= 2 {
			add(string(cjk))
			for i := 0; i+2 <= len(cjk); i++ {
				add(string(cjk[i : i+2]))
			}
		} else if len(cjk) == 1 {
			add(string(cjk))
		}
		cjk = cjk[:0]
	}
	for _, r := range query {
		switch {
		case unicode.Is(unicode.Han, r):
			flushLatin()
			cjk = append(cjk, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			flushCJK()
			latin = append(latin, r)
		default:
			flushLatin()
			flushCJK()
		}
	}
	flushLatin()
	flushCJK()
	return terms
}
