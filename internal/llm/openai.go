package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"ragserve/internal/config"
	apperrors "ragserve/internal/errors"
)

// ============================================================================
// CIRCUIT BREAKER
// ============================================================================

// newUpstreamBreaker builds the breaker shared by all three adapters: trip
// after at least 5 calls with an 80% failure ratio, stay open for 60s, then
// let 5 probes through half-open.
func newUpstreamBreaker(name string, logger *zap.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= 0.8
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("upstream breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}

// classifyUpstream maps a transport or breaker failure onto the error
// taxonomy. Budget overruns become upstream-timeout, everything else
// upstream-failure.
func classifyUpstream(op string, err error) error {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return apperrors.UpstreamFailure("%s temporarily disabled after repeated failures", op).
			WithOperation(op).WithCause(err)
	}
	var urlErr *url.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &urlErr) && urlErr.Timeout()) {
		return apperrors.UpstreamTimeout("%s did not answer within its budget", op).
			WithOperation(op).WithCause(err)
	}
	return apperrors.UpstreamFailure("%s request failed", op).
		WithOperation(op).WithCause(err)
}

// ============================================================================
// CHAT CLIENT
// ============================================================================

// OpenAIChat talks to an OpenAI-compatible /chat/completions endpoint.
// Calls run through a circuit breaker and, when requests_per_second is
// configured, a client-side pacing limiter.
type OpenAIChat struct {
	cfg     config.LLMConfig
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewOpenAIChat builds the chat adapter from its config section.
func NewOpenAIChat(cfg config.LLMConfig, logger *zap.Logger) *OpenAIChat {
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return &OpenAIChat{
		cfg: cfg,
		http: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
		breaker: newUpstreamBreaker("llm", logger.Named("llm")),
		limiter: limiter,
		logger:  logger.Named("llm"),
	}
}

// Available reports whether the client is configured and the breaker is
// not open. It performs no network I/O.
func (c *OpenAIChat) Available() bool {
	return c.cfg.APIBase != "" && c.breaker.State() != gobreaker.StateOpen
}

type chatPayload struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream"`
}

type chatCompletion struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete runs one non-streaming completion and returns the full answer.
func (c *OpenAIChat) Complete(ctx context.Context, req ChatRequest) (string, error) {
	resp, err := c.send(ctx, req, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var parsed chatCompletion
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", apperrors.UpstreamFailure("llm reply is not valid JSON").
			WithOperation("llm.complete").WithCause(err)
	}
	if parsed.Error != nil {
		return "", apperrors.UpstreamFailure("llm reported: %s", parsed.Error.Message).
			WithOperation("llm.complete")
	}
	if len(parsed.Choices) == 0 {
		return "", apperrors.UpstreamFailure("llm reply carries no choices").
			WithOperation("llm.complete")
	}
	return parsed.Choices[0].Message.Content, nil
}

// Stream opens a streaming completion. The breaker covers the handshake;
// the returned stream then delivers tokens until [DONE] or ctx cancel.
func (c *OpenAIChat) Stream(ctx context.Context, req ChatRequest) (TokenStream, error) {
	resp, err := c.send(ctx, req, true)
	if err != nil {
		return nil, err
	}
	return &sseTokenStream{
		body:    resp.Body,
		scanner: bufio.NewScanner(resp.Body),
	}, nil
}

// send issues the HTTP call under pacing and the breaker, returning a
// response whose status is known to be 2xx.
func (c *OpenAIChat) send(ctx context.Context, req ChatRequest, stream bool) (*http.Response, error) {
	op := "llm.complete"
	if stream {
		op = "llm.stream"
	}
	if c.cfg.APIBase == "" {
		return nil, apperrors.UpstreamFailure("llm endpoint is not configured").WithOperation(op)
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, classifyUpstream(op, err)
		}
	}

	payload := chatPayload{
		Model:       c.cfg.Model,
		Messages:    buildMessages(req),
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
		Stream:      stream,
	}
	if req.Temperature > 0 {
		payload.Temperature = req.Temperature
	}
	if req.MaxTokens > 0 {
		payload.MaxTokens = req.MaxTokens
	}

	start := time.Now()
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.post(ctx, endpoint(c.cfg.APIBase, "/chat/completions"), c.cfg.APIKey, payload)
	})
	if err != nil {
		c.logger.Warn("chat call failed",
			zap.String("operation", op),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return nil, classifyUpstream(op, err)
	}
	return result.(*http.Response), nil
}

func (c *OpenAIChat) post(ctx context.Context, endpoint, key string, payload interface{}) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail := readErrorBody(resp.Body)
		resp.Body.Close()
		return nil, apperrors.UpstreamFailure("llm answered %d: %s", resp.StatusCode, detail)
	}
	return resp, nil
}

// buildMessages prepends the system prompt when present.
func buildMessages(req ChatRequest) []Message {
	msgs := make([]Message, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, Message{Role: "system", Content: req.System})
	}
	return append(msgs, req.Messages...)
}

// endpoint joins an API base with a path, tolerating trailing slashes.
func endpoint(base, path string) string {
	return strings.TrimSuffix(base, "/") + path
}

// readErrorBody extracts a short diagnostic from a non-2xx reply.
func readErrorBody(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 2048))
	if err != nil || len(raw) == 0 {
		return "no body"
	}
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &parsed) == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	return strings.TrimSpace(string(raw))
}

// ============================================================================
// TOKEN STREAM
// ============================================================================

// sseTokenStream reads OpenAI-style "data: {...}" lines off a streaming
// response body and yields the non-empty content deltas.
type sseTokenStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	closed  bool
}

// Next returns the next content fragment, or io.EOF after [DONE] or the
// end of the body.
func (s *sseTokenStream) Next() (string, error) {
	if s.closed {
		return "", io.EOF
	}
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			return "", io.EOF
		}
		var chunk chatCompletion
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			return delta, nil
		}
	}
	if err := s.scanner.Err(); err != nil {
		return "", fmt.Errorf("token stream interrupted: %w", err)
	}
	return "", io.EOF
}

// Close releases the connection. Safe to call more than once.
func (s *sseTokenStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}
