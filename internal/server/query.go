package server

import (
	"errors"
	"io"
	"net/http"
	"time"

	apperrors "ragserve/internal/errors"
	"ragserve/internal/observability"
	"ragserve/internal/query"
	"ragserve/internal/retrieval"
	"ragserve/pkg/api"

	"go.uber.org/zap"
)

// QueryHandler serves the retrieval routes, including the SSE stream.
type QueryHandler struct {
	orchestrator *query.Orchestrator
	metrics      *observability.Collector
	logger       *zap.Logger
}

// NewQueryHandler wires the query surface.
func NewQueryHandler(orchestrator *query.Orchestrator, metrics *observability.Collector, logger *zap.Logger) *QueryHandler {
	return &QueryHandler{orchestrator: orchestrator, metrics: metrics, logger: logger}
}

// Query answers POST /query. stream=true switches the response to SSE.
func (h *QueryHandler) Query(w http.ResponseWriter, r *http.Request) {
	var req query.Request
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	if req.Stream {
		h.stream(w, r, req)
		return
	}

	result, err := h.orchestrator.Execute(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	api.Success(w, "Query executed successfully", result)
}

// stream drains the token stream into SSE events: one metadata, zero or
// more content fragments, then done or error. Disconnects are checked
// between fragments; the engine call is cancelled through the request
// context.
func (h *QueryHandler) stream(w http.ResponseWriter, r *http.Request, req query.Request) {
	ctx := r.Context()
	handle, err := h.orchestrator.ExecuteStream(ctx, req)
	if err != nil {
		writeError(w, err)
		return
	}
	defer handle.Stream.Close()

	sse, err := api.NewSSEWriter(w)
	if err != nil {
		writeError(w, err)
		return
	}

	if h.metrics != nil {
		h.metrics.ActiveStreams.Inc()
		defer h.metrics.ActiveStreams.Dec()
	}

	_ = sse.Send("metadata", map[string]interface{}{
		"mode":           handle.Mode,
		"knowledge_base": handle.KnowledgeBase,
		"language":       handle.Language,
		"streaming":      true,
	})

	var streamErr error
	for {
		if ctx.Err() != nil {
			streamErr = ctx.Err()
			break
		}
		fragment, err := handle.Stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			streamErr = err
			break
		}
		if fragment == "" {
			continue
		}
		if err := sse.Send("content", fragment); err != nil {
			streamErr = err
			break
		}
	}

	if streamErr != nil {
		h.logger.Warn("stream terminated early",
			zap.String("kb", handle.KnowledgeBase),
			zap.String("mode", handle.Mode),
			zap.Error(streamErr))
		_ = sse.Send("error", map[string]interface{}{
			"message": apperrors.From(streamErr).Message,
		})
	} else {
		_ = sse.Send("done", map[string]interface{}{
			"response_time": time.Since(handle.Started).Seconds(),
		})
	}
	h.orchestrator.RecordStreamEnd(handle, streamErr)
}

// Analyze answers POST /query/analyze: intent and safety only, the
// retrieval engine is never touched.
func (h *QueryHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	var req query.AnalyzeRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := h.orchestrator.Analyze(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	api.Success(w, "Query analyzed", result)
}

// Safe answers POST /query/safe: the guarded pipeline. A safety rejection
// is a successful response with safety_passed=false, not an HTTP error.
func (h *QueryHandler) Safe(w http.ResponseWriter, r *http.Request) {
	var req query.SafeRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := h.orchestrator.ExecuteSafe(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	message := "Query executed successfully"
	if !result.SafetyPassed {
		message = "Query rejected by safety check"
	}
	api.Success(w, message, result)
}

// Batch answers POST /query/batch.
func (h *QueryHandler) Batch(w http.ResponseWriter, r *http.Request) {
	var req query.BatchRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := h.orchestrator.ExecuteBatch(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	api.Success(w, "Batch executed", result)
}

// Modes answers GET /query/modes with the static mode table.
func (h *QueryHandler) Modes(w http.ResponseWriter, r *http.Request) {
	api.Success(w, "Available query modes", map[string]interface{}{
		"modes":             retrieval.Modes(),
		"default":           string(retrieval.DefaultMode),
		"performance_modes": []string{"fast", "balanced", "quality"},
	})
}
