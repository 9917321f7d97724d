package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"ragserve/internal/config"
	apperrors "ragserve/internal/errors"
)

// probeCacheTTL bounds how often Available hits the upstream.
const probeCacheTTL = 30 * time.Second

// OpenAIEmbedder talks to an OpenAI-compatible /embeddings endpoint.
// Vectors come back in request order and are verified against the
// configured dimension.
type OpenAIEmbedder struct {
	cfg     config.EmbeddingConfig
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger

	probeMu   sync.Mutex
	probedAt  time.Time
	probeLive bool
}

// NewOpenAIEmbedder builds the embedding adapter from its config section.
func NewOpenAIEmbedder(cfg config.EmbeddingConfig, logger *zap.Logger) *OpenAIEmbedder {
	return &OpenAIEmbedder{
		cfg: cfg,
		http: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
		breaker: newUpstreamBreaker("embedding", logger.Named("embedding")),
		logger:  logger.Named("embedding"),
	}
}

// Dim returns the configured vector dimension.
func (e *OpenAIEmbedder) Dim() int {
	return e.cfg.Dim
}

type embeddingPayload struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingReply struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Embed converts texts into vectors, preserving input order.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	const op = "embedding.embed"
	if len(texts) == 0 {
		return nil, nil
	}
	if e.cfg.APIBase == "" {
		return nil, apperrors.UpstreamFailure("embedding endpoint is not configured").WithOperation(op)
	}

	start := time.Now()
	result, err := e.breaker.Execute(func() (interface{}, error) {
		return e.call(ctx, texts)
	})
	if err != nil {
		e.logger.Warn("embedding call failed",
			zap.Int("texts", len(texts)),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return nil, classifyUpstream(op, err)
	}
	return result.([][]float32), nil
}

func (e *OpenAIEmbedder) call(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embeddingPayload{Model: e.cfg.Model, Input: texts})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint(e.cfg.APIBase, "/embeddings"), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apperrors.UpstreamFailure("embedding answered %d: %s", resp.StatusCode, readErrorBody(resp.Body))
	}

	var parsed embeddingReply
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, apperrors.UpstreamFailure("embedding reply is not valid JSON").WithCause(err)
	}
	if parsed.Error != nil {
		return nil, apperrors.UpstreamFailure("embedding reported: %s", parsed.Error.Message)
	}
	if len(parsed.Data) != len(texts) {
		return nil, apperrors.UpstreamFailure("embedding returned %d vectors for %d texts", len(parsed.Data), len(texts))
	}

	sort.Slice(parsed.Data, func(i, j int) bool { return parsed.Data[i].Index < parsed.Data[j].Index })
	out := make([][]float32, len(parsed.Data))
	for i, item := range parsed.Data {
		if e.cfg.Dim > 0 && len(item.Embedding) != e.cfg.Dim {
			return nil, apperrors.UpstreamFailure("embedding dimension %d does not match configured %d", len(item.Embedding), e.cfg.Dim)
		}
		out[i] = item.Embedding
	}
	return out, nil
}

// Available probes the upstream with a one-word embed, caching the verdict
// for a short window so health checks do not hammer the service.
func (e *OpenAIEmbedder) Available(ctx context.Context) bool {
	e.probeMu.Lock()
	defer e.probeMu.Unlock()
	if time.Since(e.probedAt) < probeCacheTTL {
		return e.probeLive
	}

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := e.Embed(probeCtx, []string{"ping"})

	e.probedAt = time.Now()
	e.probeLive = err == nil
	return e.probeLive
}
