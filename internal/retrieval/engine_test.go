package retrieval

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ragserve/internal/cache"
	"ragserve/internal/concurrency"
	"ragserve/internal/config"
	apperrors "ragserve/internal/errors"
	"ragserve/internal/kb"
	"ragserve/internal/llm"
)

const (
	queryML = "tell me about deep learning"

	chunkA = "Deep learning trains layered neural networks on large datasets."
	chunkB = "Embeddings map text into numeric vector space."
	chunkC = "Reinforcement learning optimizes behavior through rewards."
)

type engineFixture struct {
	cfg      *config.Config
	ws       *kb.Workspace
	embedder *llm.MockEmbedder
}

func newFixture(t *testing.T) *engineFixture {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.WorkingDir = filepath.Join(t.TempDir(), "kb")
	cfg.Paths.BackupDir = filepath.Join(t.TempDir(), "backups")
	cfg.Embedding.Dim = 8

	locks := concurrency.NewKeyedLocks(5*time.Second, zap.NewNop())
	manager, err := kb.NewManager(cfg, locks, zap.NewNop())
	require.NoError(t, err)
	ws, err := manager.Open(context.Background(), kb.DefaultKBName)
	require.NoError(t, err)

	embedder := llm.NewMockEmbedder(8)
	seedWorkspace(t, ws, embedder)
	return &engineFixture{cfg: cfg, ws: ws, embedder: embedder}
}

// seedWorkspace loads three chunks with vectors and a small entity graph:
// chunk A carries "deep learning" and "neural networks", chunk C carries
// "reinforcement learning", and "deep learning" links to both others.
func seedWorkspace(t *testing.T, ws *kb.Workspace, embedder *llm.MockEmbedder) {
	t.Helper()
	records := map[string]kb.ChunkRecord{
		"chunk-a": {DocID: "doc-1", Content: chunkA, Tokens: utf8.RuneCountInString(chunkA), Order: 0},
		"chunk-b": {DocID: "doc-1", Content: chunkB, Tokens: utf8.RuneCountInString(chunkB), Order: 1},
		"chunk-c": {DocID: "doc-2", Content: chunkC, Tokens: utf8.RuneCountInString(chunkC), Order: 0},
	}
	require.NoError(t, ws.Chunks().SetMany(records))

	ids := []string{"chunk-a", "chunk-b", "chunk-c"}
	texts := []string{chunkA, chunkB, chunkC}
	vecs, err := embedder.Embed(context.Background(), texts)
	require.NoError(t, err)
	require.NoError(t, ws.Vectors().Upsert(ids, vecs))
	embedder.Calls = 0

	nodes := []kb.GraphNode{
		{ID: "deep learning", EntityType: "concept", Description: "layered model training", SourceID: "chunk-a"},
		{ID: "neural networks", EntityType: "concept", Description: "stacked computation layers", SourceID: "chunk-a"},
		{ID: "reinforcement learning", EntityType: "concept", Description: "reward driven control", SourceID: "chunk-c"},
	}
	edges := []kb.GraphEdge{
		{Source: "deep learning", Target: "neural networks", Weight: 2, Description: "built from", Keywords: "architecture"},
		{Source: "deep learning", Target: "reinforcement learning", Weight: 1, Description: "shares function approximators", Keywords: "policy"},
	}
	require.NoError(t, ws.Graph().UpsertBatch(nodes, edges))
}

func TestRetrieveNaiveRanksByCosine(t *testing.T) {
	fx := newFixture(t)
	fx.embedder.Alias(queryML, chunkA)
	eng := NewEngine(fx.cfg, fx.embedder, nil, nil, nil, zap.NewNop())

	rc, err := eng.Retrieve(context.Background(), fx.ws, Request{Query: queryML, Mode: ModeNaive})
	require.NoError(t, err)

	assert.Equal(t, ModeNaive, rc.Mode)
	require.Len(t, rc.Chunks, 3)
	assert.Equal(t, "chunk-a", rc.Chunks[0].ID)
	assert.Equal(t, "doc-1", rc.Chunks[0].DocID)
	assert.InDelta(t, 1.0, rc.Chunks[0].Score, 1e-3)
	assert.Greater(t, rc.Chunks[0].Score, rc.Chunks[1].Score)
	assert.Empty(t, rc.Entities, "naive never touches the graph")
	assert.Empty(t, rc.Relations)
	assert.False(t, rc.Reranked)
	assert.Equal(t, 1, fx.embedder.Calls)
	assert.Greater(t, rc.Tokens, 0)
}

func TestRetrieveLocalExpandsGraph(t *testing.T) {
	fx := newFixture(t)
	fx.embedder.Alias(queryML, chunkA)
	eng := NewEngine(fx.cfg, fx.embedder, nil, nil, nil, zap.NewNop())

	rc, err := eng.Retrieve(context.Background(), fx.ws, Request{Query: queryML, Mode: ModeLocal, TopK: 1})
	require.NoError(t, err)

	require.Len(t, rc.Chunks, 1)
	assert.Equal(t, "chunk-a", rc.Chunks[0].ID)

	require.Len(t, rc.Entities, 3, "chunk entities plus one-hop neighbors")
	assert.Equal(t, "deep learning", rc.Entities[0].ID, "highest degree first")
	assert.Equal(t, 2, rc.Entities[0].Degree)

	require.Len(t, rc.Relations, 2)
	assert.Equal(t, float64(2), rc.Relations[0].Weight, "heaviest edge first")
}

func TestRetrieveGlobalSkipsEmbedding(t *testing.T) {
	fx := newFixture(t)
	eng := NewEngine(fx.cfg, fx.embedder, nil, nil, nil, zap.NewNop())

	rc, err := eng.Retrieve(context.Background(), fx.ws, Request{
		Query: "explain reinforcement learning rewards",
		Mode:  ModeGlobal,
	})
	require.NoError(t, err)

	assert.Equal(t, 0, fx.embedder.Calls, "global is graph-only")
	require.Len(t, rc.Entities, 3)
	assert.Equal(t, "deep learning", rc.Entities[0].ID)

	require.Len(t, rc.Chunks, 2, "source references resolve to chunks")
	assert.Equal(t, "chunk-a", rc.Chunks[0].ID)
	assert.Equal(t, "chunk-c", rc.Chunks[1].ID)
	assert.Greater(t, rc.Chunks[0].Score, rc.Chunks[1].Score)
}

func TestRetrieveGlobalFallsBackToTopEntities(t *testing.T) {
	fx := newFixture(t)
	eng := NewEngine(fx.cfg, fx.embedder, nil, nil, nil, zap.NewNop())

	rc, err := eng.Retrieve(context.Background(), fx.ws, Request{Query: "zzz qqq", Mode: ModeGlobal})
	require.NoError(t, err)

	assert.NotEmpty(t, rc.Entities, "no term match falls back to best-connected entities")
	assert.Equal(t, 0, fx.embedder.Calls)
}

func TestRetrieveHybridReranks(t *testing.T) {
	fx := newFixture(t)
	fx.cfg.Rerank.Enabled = true
	reranker := &llm.MockReranker{}
	eng := NewEngine(fx.cfg, fx.embedder, nil, reranker, nil, zap.NewNop())

	query := "embeddings numeric vector space"
	fx.embedder.Alias(query, chunkA)

	rc, err := eng.Retrieve(context.Background(), fx.ws, Request{Query: query, Mode: ModeHybrid})
	require.NoError(t, err)

	assert.True(t, rc.Reranked)
	assert.Equal(t, 1, reranker.Calls)
	require.NotEmpty(t, rc.Chunks)
	assert.Equal(t, "chunk-b", rc.Chunks[0].ID, "reranker overrides the vector order")
	assert.Equal(t, "chunk-a", rc.Chunks[1].ID, "rerank ties keep the vector order")
	assert.NotEmpty(t, rc.Entities)
}

func TestRetrieveRerankOffWhenDisabled(t *testing.T) {
	fx := newFixture(t)
	fx.cfg.Rerank.Enabled = false
	reranker := &llm.MockReranker{}
	eng := NewEngine(fx.cfg, fx.embedder, nil, reranker, nil, zap.NewNop())

	rc, err := eng.Retrieve(context.Background(), fx.ws, Request{Query: queryML, Mode: ModeHybrid})
	require.NoError(t, err)

	assert.False(t, rc.Reranked)
	assert.Equal(t, 0, reranker.Calls)
}

func TestRetrieveMixUsesPlannedKeywords(t *testing.T) {
	fx := newFixture(t)
	chat := llm.NewMockChat("").
		On("retrieval planner", `{"high_level": ["machine learning"], "low_level": ["reinforcement learning"]}`)
	eng := NewEngine(fx.cfg, fx.embedder, chat, nil, nil, zap.NewNop())

	rc, err := eng.Retrieve(context.Background(), fx.ws, Request{
		Query: "what should I study next",
		Mode:  ModeMix,
	})
	require.NoError(t, err)

	require.Len(t, chat.Calls, 1, "only the planning step talks to the model")
	assert.Equal(t, 1, fx.embedder.Calls, "mix still runs vector search")

	found := false
	for _, ent := range rc.Entities {
		if ent.ID == "reinforcement learning" {
			found = true
		}
	}
	assert.True(t, found, "planned keyword seeds the graph walk")
}

func TestRetrieveMixDegradesWithoutPlanner(t *testing.T) {
	fx := newFixture(t)
	chat := llm.NewMockChat("")
	chat.Err = errors.New("model down")
	eng := NewEngine(fx.cfg, fx.embedder, chat, nil, nil, zap.NewNop())

	rc, err := eng.Retrieve(context.Background(), fx.ws, Request{Query: queryML, Mode: ModeMix})
	require.NoError(t, err, "planner loss degrades to raw-term seeding")

	assert.Empty(t, chat.Calls)
	assert.NotEmpty(t, rc.Chunks)
}

func TestRetrieveRejectsUnknownMode(t *testing.T) {
	fx := newFixture(t)
	eng := NewEngine(fx.cfg, fx.embedder, nil, nil, nil, zap.NewNop())

	_, err := eng.Retrieve(context.Background(), fx.ws, Request{Query: "q", Mode: Mode("warp")})
	require.Error(t, err)
	assert.True(t, apperrors.IsBadInput(err))
}

func TestRetrieveTopKOverride(t *testing.T) {
	fx := newFixture(t)
	eng := NewEngine(fx.cfg, fx.embedder, nil, nil, nil, zap.NewNop())

	rc, err := eng.Retrieve(context.Background(), fx.ws, Request{Query: queryML, Mode: ModeNaive, TopK: 1})
	require.NoError(t, err)
	assert.Len(t, rc.Chunks, 1)
}

func TestRetrieveEmbeddingCacheSkipsSecondCall(t *testing.T) {
	fx := newFixture(t)
	coord := cache.NewCoordinator(config.CacheConfig{
		Enabled:  true,
		Backend:  "memory",
		TTL:      60,
		MaxItems: 100,
		SizeMB:   4,
	}, nil)
	defer coord.Shutdown()
	eng := NewEngine(fx.cfg, fx.embedder, nil, nil, coord, zap.NewNop())

	_, err := eng.Retrieve(context.Background(), fx.ws, Request{Query: queryML, Mode: ModeNaive})
	require.NoError(t, err)
	_, err = eng.Retrieve(context.Background(), fx.ws, Request{Query: queryML, Mode: ModeNaive})
	require.NoError(t, err)

	assert.Equal(t, 1, fx.embedder.Calls, "second retrieval reads the cached embedding")
}

func TestAnswerBypassEchoesQuery(t *testing.T) {
	fx := newFixture(t)
	eng := NewEngine(fx.cfg, fx.embedder, nil, nil, nil, zap.NewNop())

	res, err := eng.Answer(context.Background(), fx.ws, Request{Query: "just echo me", Mode: ModeBypass})
	require.NoError(t, err)

	assert.Equal(t, "just echo me", res.Answer)
	assert.Equal(t, ModeBypass, res.Mode)
	assert.Equal(t, 0, fx.embedder.Calls)
	require.NotNil(t, res.Context)
	assert.Empty(t, res.Context.Chunks)
}

func TestAnswerGeneratesFromRetrievedContext(t *testing.T) {
	fx := newFixture(t)
	fx.embedder.Alias(queryML, chunkA)
	chat := llm.NewMockChat("Deep learning stacks neural network layers.")
	eng := NewEngine(fx.cfg, fx.embedder, chat, nil, nil, zap.NewNop())

	res, err := eng.Answer(context.Background(), fx.ws, Request{Query: queryML, Mode: ModeNaive, Language: "en"})
	require.NoError(t, err)

	assert.Equal(t, "Deep learning stacks neural network layers.", res.Answer)
	assert.Equal(t, ModeNaive, res.Mode)
	assert.GreaterOrEqual(t, res.Duration, 0.0)

	require.Len(t, chat.Calls, 1)
	sent := chat.Calls[0]
	assert.Contains(t, sent.System, "---Document Fragments---")
	assert.Contains(t, sent.System, chunkA)
	assert.Contains(t, sent.System, "Please answer in English.")
	require.Len(t, sent.Messages, 1)
	assert.Equal(t, queryML, sent.Messages[0].Content)
}

func TestAnswerFailsWithoutChat(t *testing.T) {
	fx := newFixture(t)
	eng := NewEngine(fx.cfg, fx.embedder, nil, nil, nil, zap.NewNop())

	_, err := eng.Answer(context.Background(), fx.ws, Request{Query: queryML, Mode: ModeNaive})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.CodeUpstreamFailure))
}

func TestStreamDeliversFragments(t *testing.T) {
	fx := newFixture(t)
	chat := llm.NewMockChat("streamed reply text")
	eng := NewEngine(fx.cfg, fx.embedder, chat, nil, nil, zap.NewNop())

	stream, rc, err := eng.Stream(context.Background(), fx.ws, Request{Query: queryML, Mode: ModeNaive})
	require.NoError(t, err)
	require.NotNil(t, rc)

	text, err := Collect(stream)
	require.NoError(t, err)
	assert.Equal(t, "streamed reply text", text)
}

func TestStreamBypassEchoes(t *testing.T) {
	fx := newFixture(t)
	eng := NewEngine(fx.cfg, fx.embedder, nil, nil, nil, zap.NewNop())

	stream, rc, err := eng.Stream(context.Background(), fx.ws, Request{Query: "名字是什么", Mode: ModeBypass})
	require.NoError(t, err)
	assert.Equal(t, ModeBypass, rc.Mode)

	text, err := Collect(stream)
	require.NoError(t, err)
	assert.Equal(t, "名字是什么", text)
}

func TestQueryTerms(t *testing.T) {
	terms := queryTerms("What is the Transformer architecture? 什么是注意力")

	assert.Contains(t, terms, "transformer")
	assert.Contains(t, terms, "architecture")
	assert.Contains(t, terms, "什么是注意力")
	assert.Contains(t, terms, "注意")
	assert.NotContains(t, terms, "what")
	assert.NotContains(t, terms, "is")
}

func TestSeedTermsMergesKeywordLists(t *testing.T) {
	terms := seedTerms("alpha beta", []string{"Beta", "gamma"}, []string{" gamma ", "delta"})
	assert.Equal(t, []string{"alpha", "beta", "gamma", "delta"}, terms)
}
