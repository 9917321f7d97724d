package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"ragserve/internal/config"
	apperrors "ragserve/internal/errors"
)

// HTTPReranker talks to a /rerank endpoint hosted alongside the embedding
// service. The endpoint follows the common {query, documents, top_n} shape
// and answers {results: [{index, relevance_score}]}.
type HTTPReranker struct {
	cfg      config.RerankConfig
	upstream config.EmbeddingConfig
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker
	logger   *zap.Logger
}

// NewHTTPReranker builds the rerank adapter. The embedding section supplies
// the endpoint base and credentials.
func NewHTTPReranker(cfg config.RerankConfig, upstream config.EmbeddingConfig, logger *zap.Logger) *HTTPReranker {
	return &HTTPReranker{
		cfg:      cfg,
		upstream: upstream,
		http: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
		breaker: newUpstreamBreaker("rerank", logger.Named("rerank")),
		logger:  logger.Named("rerank"),
	}
}

type rerankPayload struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

type rerankReply struct {
	Results []RerankResult `json:"results"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Rerank re-scores documents against the query and returns at most topN
// results, best first.
func (r *HTTPReranker) Rerank(ctx context.Context, query string, documents []string, topN int) ([]RerankResult, error) {
	const op = "rerank.rerank"
	if len(documents) == 0 {
		return nil, nil
	}
	if r.upstream.APIBase == "" {
		return nil, apperrors.UpstreamFailure("rerank endpoint is not configured").WithOperation(op)
	}
	if topN <= 0 || topN > len(documents) {
		topN = len(documents)
	}

	start := time.Now()
	result, err := r.breaker.Execute(func() (interface{}, error) {
		return r.call(ctx, query, documents, topN)
	})
	if err != nil {
		r.logger.Warn("rerank call failed",
			zap.Int("documents", len(documents)),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return nil, classifyUpstream(op, err)
	}
	return result.([]RerankResult), nil
}

func (r *HTTPReranker) call(ctx context.Context, query string, documents []string, topN int) ([]RerankResult, error) {
	body, err := json.Marshal(rerankPayload{
		Model:     r.cfg.Model,
		Query:     query,
		Documents: documents,
		TopN:      topN,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint(r.upstream.APIBase, "/rerank"), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.upstream.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.upstream.APIKey)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apperrors.UpstreamFailure("rerank answered %d: %s", resp.StatusCode, readErrorBody(resp.Body))
	}

	var parsed rerankReply
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, apperrors.UpstreamFailure("rerank reply is not valid JSON").WithCause(err)
	}
	if parsed.Error != nil {
		return nil, apperrors.UpstreamFailure("rerank reported: %s", parsed.Error.Message)
	}

	results := parsed.Results
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > topN {
		results = results[:topN]
	}
	for _, res := range results {
		if res.Index < 0 || res.Index >= len(documents) {
			return nil, apperrors.UpstreamFailure("rerank result index %d out of range", res.Index)
		}
	}
	return results, nil
}
