// Package llm provides the adapters for the three upstream AI services:
// chat completion, embedding, and reranking. All adapters speak the
// OpenAI-compatible HTTP dialect, wrap calls in circuit breakers, and map
// failures onto the upstream-timeout / upstream-failure taxonomy.
package llm

import (
	"context"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest describes one completion call. Temperature and MaxTokens
// override the client defaults when non-zero.
type ChatRequest struct {
	System      string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// ChatClient generates answers. Stream returns a pull-based token source;
// Complete collects the full reply.
type ChatClient interface {
	Complete(ctx context.Context, req ChatRequest) (string, error)
	Stream(ctx context.Context, req ChatRequest) (TokenStream, error)
	Available() bool
}

// TokenStream yields answer fragments. Next returns io.EOF after the last
// fragment. Close releases the underlying connection and is safe to call
// at any point, including mid-stream on client disconnect.
type TokenStream interface {
	Next() (string, error)
	Close() error
}

// Embedder turns texts into vectors of a fixed dimension.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dim() int
	Available(ctx context.Context) bool
}

// RerankResult scores one candidate document.
type RerankResult struct {
	Index int     `json:"index"`
	Score float64 `json:"relevance_score"`
}

// Reranker re-scores candidate documents against a query.
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []string, topN int) ([]RerankResult, error)
}
