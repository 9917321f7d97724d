package retrieval

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragserve/internal/kb"
	"ragserve/internal/llm"
)

func TestEstimateTokensCountsRunes(t *testing.T) {
	assert.Equal(t, 0, estimateTokens(""))
	assert.Equal(t, 3, estimateTokens("abc"))
	assert.Equal(t, 4, estimateTokens("你好ab"))
}

func TestLanguageInstruction(t *testing.T) {
	for _, lang := range []string{"中文", "chinese", "ZH", "zh-CN", "", "klingon"} {
		assert.Equal(t, "请用中文回答。", languageInstruction(lang), lang)
	}
	for _, lang := range []string{"英文", "English", "EN", "en-US"} {
		assert.Equal(t, "Please answer in English.", languageInstruction(lang), lang)
	}
}

func TestBudgetsForPrefersRequestOverrides(t *testing.T) {
	tuning, err := TuningFor(ModeHybrid, PerfBalanced)
	require.NoError(t, err)

	b := budgetsFor(tuning, Request{})
	assert.Equal(t, 4000, b.entity)
	assert.Equal(t, 3000, b.relation)
	assert.Equal(t, 4000+3000+defaultChunkTokens, b.total)

	b = budgetsFor(tuning, Request{MaxEntityTokens: 100, MaxTotalTokens: 500})
	assert.Equal(t, 100, b.entity)
	assert.Equal(t, 3000, b.relation)
	assert.Equal(t, 500, b.total)
}

func TestApplyBudgetsDropsLowestRankedFirst(t *testing.T) {
	// Every entity weighs 10 tokens: 5 for the id, 2 for the type, 3 for
	// the description. The relation weighs 10, each chunk 7.
	rc := &RetrievedContext{
		Entities: []ScoredEntity{
			{GraphNode: kb.GraphNode{ID: "ent-1", EntityType: "co", Description: "abc"}, Degree: 3},
			{GraphNode: kb.GraphNode{ID: "ent-2", EntityType: "co", Description: "abc"}, Degree: 2},
			{GraphNode: kb.GraphNode{ID: "ent-3", EntityType: "co", Description: "abc"}, Degree: 1},
		},
		Relations: []kb.GraphEdge{
			{Source: "ent-1", Target: "ent-2", Weight: 2},
		},
		Chunks: []ScoredChunk{
			{ID: "c1", Content: "one", Tokens: 7, Score: 0.9},
			{ID: "c2", Content: "two", Tokens: 7, Score: 0.5},
		},
	}

	applyBudgets(rc, budgets{entity: 25, relation: 5, total: 40})

	require.Len(t, rc.Entities, 2, "third entity exceeds the entity budget")
	assert.Equal(t, "ent-1", rc.Entities[0].ID)
	require.Len(t, rc.Relations, 1, "an oversized first relation is still kept")
	require.Len(t, rc.Chunks, 1, "second chunk exceeds what the total budget leaves")
	assert.Equal(t, "c1", rc.Chunks[0].ID)
	assert.Equal(t, 37, rc.Tokens)
}

func TestApplyBudgetsKeepsOversizedFirstChunk(t *testing.T) {
	rc := &RetrievedContext{
		Chunks: []ScoredChunk{{ID: "big", Content: strings.Repeat("x", 900), Score: 1}},
	}
	applyBudgets(rc, budgets{entity: 10, relation: 10, total: 50})
	require.Len(t, rc.Chunks, 1)
	assert.Equal(t, 900, rc.Tokens)
}

func TestBuildPromptSections(t *testing.T) {
	rc := &RetrievedContext{
		Entities: []ScoredEntity{
			{GraphNode: kb.GraphNode{ID: "graph databases", EntityType: "concept", Description: "stores nodes and edges"}, Degree: 2},
		},
		Relations: []kb.GraphEdge{
			{Source: "graph databases", Target: "cypher", Weight: 2, Description: "queried with"},
		},
		Chunks: []ScoredChunk{
			{ID: "c1", Content: "Graph databases store nodes.", Score: 1},
		},
	}

	prompt := BuildPrompt(rc, "", "en")
	assert.Contains(t, prompt, "---Entities---")
	assert.Contains(t, prompt, "- graph databases (concept): stores nodes and edges")
	assert.Contains(t, prompt, "---Relationships---")
	assert.Contains(t, prompt, "- graph databases -> cypher (weight 2): queried with")
	assert.Contains(t, prompt, "---Document Fragments---")
	assert.Contains(t, prompt, "[1] Graph databases store nodes.")
	assert.Contains(t, prompt, "Format: Multiple Paragraphs")
	assert.Contains(t, prompt, "Please answer in English.")
}

func TestBuildPromptEmptyContext(t *testing.T) {
	prompt := BuildPrompt(&RetrievedContext{}, "Single Sentence", "")
	assert.NotContains(t, prompt, "---Entities---")
	assert.NotContains(t, prompt, "---Relationships---")
	assert.NotContains(t, prompt, "---Document Fragments---")
	assert.Contains(t, prompt, "Format: Single Sentence")
	assert.Contains(t, prompt, "请用中文回答。")
}

func TestBuildChatRequestLayersHistoryAndUserPrompt(t *testing.T) {
	req := Request{
		Query:      "what is cypher",
		UserPrompt: "Cite the fragment numbers you used.",
		History: []llm.Message{
			{Role: "user", Content: "earlier question"},
			{Role: "assistant", Content: "earlier answer"},
		},
	}
	chatReq := buildChatRequest(&RetrievedContext{}, req)

	require.Len(t, chatReq.Messages, 3)
	assert.Equal(t, "earlier question", chatReq.Messages[0].Content)
	assert.Equal(t, "assistant", chatReq.Messages[1].Role)
	assert.Equal(t, "user", chatReq.Messages[2].Role)
	assert.Equal(t, "Cite the fragment numbers you used.\n\nwhat is cypher", chatReq.Messages[2].Content)
	assert.NotEmpty(t, chatReq.System)
}
