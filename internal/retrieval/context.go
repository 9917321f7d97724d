package retrieval

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"ragserve/internal/kb"
	"ragserve/internal/llm"
)

// DefaultResponseType is used when a request does not ask for a specific
// answer shape.
const DefaultResponseType = "Multiple Paragraphs"

// defaultChunkTokens pads the total budget when the request does not set
// one: entity budget plus relation budget plus this many chunk tokens.
const defaultChunkTokens = 4000

// budgets is the resolved token limits for one request.
type budgets struct {
	entity   int
	relation int
	total    int
}

func budgetsFor(tuning Tuning, req Request) budgets {
	b := budgets{entity: tuning.MaxEntityTokens, relation: tuning.MaxRelationTokens}
	if req.MaxEntityTokens > 0 {
		b.entity = req.MaxEntityTokens
	}
	if req.MaxRelationTokens > 0 {
		b.relation = req.MaxRelationTokens
	}
	b.total = b.entity + b.relation + defaultChunkTokens
	if req.MaxTotalTokens > 0 {
		b.total = req.MaxTotalTokens
	}
	return b
}

// estimateTokens matches the ingest-side accounting: one token per rune.
func estimateTokens(s string) int {
	return utf8.RuneCountInString(s)
}

func entityTokens(ent ScoredEntity) int {
	return estimateTokens(ent.ID) + estimateTokens(ent.EntityType) + estimateTokens(ent.Description)
}

func relationTokens(rel kb.GraphEdge) int {
	return estimateTokens(rel.Source) + estimateTokens(rel.Target) +
		estimateTokens(rel.Description) + estimateTokens(rel.Keywords)
}

func chunkTokens(c ScoredChunk) int {
	if c.Tokens > 0 {
		return c.Tokens
	}
	return estimateTokens(c.Content)
}

// applyBudgets trims each section to its token budget, dropping the
// lowest-ranked items first. The slices arrive best-first, so trimming is
// a cut from the tail. A single oversized item is kept rather than leaving
// the section empty; the chunk section gets whatever the total budget has
// left after entities and relations.
func applyBudgets(rc *RetrievedContext, b budgets) {
	used := 0

	keep, spent := 0, 0
	for i, ent := range rc.Entities {
		t := entityTokens(ent)
		if i > 0 && spent+t > b.entity {
			break
		}
		spent += t
		keep = i + 1
	}
	rc.Entities = rc.Entities[:keep]
	used += spent

	keep, spent = 0, 0
	for i, rel := range rc.Relations {
		t := relationTokens(rel)
		if i > 0 && spent+t > b.relation {
			break
		}
		spent += t
		keep = i + 1
	}
	rc.Relations = rc.Relations[:keep]
	used += spent

	chunkBudget := b.total - used
	keep, spent = 0, 0
	for i, c := range rc.Chunks {
		t := chunkTokens(c)
		if i > 0 && spent+t > chunkBudget {
			break
		}
		spent += t
		keep = i + 1
	}
	rc.Chunks = rc.Chunks[:keep]
	rc.Tokens = used + spent
}

// BuildPrompt serializes the evidence into the system prompt for the
// answer model.
func BuildPrompt(rc *RetrievedContext, responseType, language string) string {
	if responseType == "" {
		responseType = DefaultResponseType
	}
	var b strings.Builder
	b.WriteString("You are a helpful assistant. Answer the user's question from the knowledge base material below.\n")
	b.WriteString("If the material does not contain the answer, say so instead of guessing.\n")

	if len(rc.Entities) > 0 {
		b.WriteString("\n---Entities---\n")
		for _, ent := range rc.Entities {
			fmt.Fprintf(&b, "- %s (%s): %s\n", ent.ID, ent.EntityType, ent.Description)
		}
	}
	if len(rc.Relations) > 0 {
		b.WriteString("\n---Relationships---\n")
		for _, rel := range rc.Relations {
			desc := rel.Description
			if desc == "" {
				desc = rel.Keywords
			}
			fmt.Fprintf(&b, "- %s -> %s (weight %.0f): %s\n", rel.Source, rel.Target, rel.Weight, desc)
		}
	}
	if len(rc.Chunks) > 0 {
		b.WriteString("\n---Document Fragments---\n")
		for i, c := range rc.Chunks {
			fmt.Fprintf(&b, "[%d] %s\n", i+1, c.Content)
		}
	}

	b.WriteString("\n---Response Rules---\n")
	fmt.Fprintf(&b, "Format: %s\n", responseType)
	b.WriteString(languageInstruction(language))
	b.WriteString("\n")
	return b.String()
}

// languageInstruction maps the requested answer language onto an explicit
// instruction. Unrecognized values fall back to Chinese, the service's
// primary audience.
func languageInstruction(language string) string {
	switch strings.ToLower(strings.TrimSpace(language)) {
	case "中文", "chinese", "zh", "zh-cn":
		return "请用中文回答。"
	case "英文", "english", "en", "en-us":
		return "Please answer in English."
	default:
		return "请用中文回答。"
	}
}

// buildChatRequest assembles the generation request: evidence in the
// system prompt, conversation history verbatim, then the question.
func buildChatRequest(rc *RetrievedContext, req Request) llm.ChatRequest {
	messages := make([]llm.Message, 0, len(req.History)+1)
	messages = append(messages, req.History...)
	user := req.Query
	if req.UserPrompt != "" {
		user = req.UserPrompt + "\n\n" + req.Query
	}
	messages = append(messages, llm.Message{Role: "user", Content: user})
	return llm.ChatRequest{
		System:   BuildPrompt(rc, req.ResponseType, req.Language),
		Messages: messages,
	}
}
