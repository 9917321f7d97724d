package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	apperrors "ragserve/internal/errors"
	"ragserve/internal/observability"
	"ragserve/internal/qa"
	"ragserve/pkg/api"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// qaBatchWorkers caps the fan-out of a parallel batch query.
const qaBatchWorkers = 8

// QAHandler serves the fixed question-answer store routes.
type QAHandler struct {
	store   *qa.Store
	metrics *observability.Collector
	logger  *zap.Logger
}

// NewQAHandler wires the QA surface.
func NewQAHandler(store *qa.Store, metrics *observability.Collector, logger *zap.Logger) *QAHandler {
	return &QAHandler{store: store, metrics: metrics, logger: logger}
}

type qaPairRequest struct {
	Question   string   `json:"question" validate:"required,min=1,max=2000"`
	Answer     string   `json:"answer" validate:"required,min=1,max=10000"`
	Category   string   `json:"category" validate:"omitempty,max=100"`
	Confidence *float64 `json:"confidence" validate:"omitempty,min=0,max=1"`
	Keywords   []string `json:"keywords" validate:"omitempty,max=20,dive,max=100"`
	Source     string   `json:"source" validate:"omitempty,max=200"`
}

type qaBatchAddRequest struct {
	Pairs []qaPairRequest `json:"pairs" validate:"required,min=1,max=100,dive"`
}

type qaUpdateRequest struct {
	Question   *string   `json:"question" validate:"omitempty,min=1,max=2000"`
	Answer     *string   `json:"answer" validate:"omitempty,min=1,max=10000"`
	Category   *string   `json:"category" validate:"omitempty,max=100"`
	Confidence *float64  `json:"confidence" validate:"omitempty,min=0,max=1"`
	Keywords   *[]string `json:"keywords" validate:"omitempty,max=20,dive,max=100"`
	Source     *string   `json:"source" validate:"omitempty,max=200"`
}

type qaQueryRequest struct {
	Question      string   `json:"question" validate:"required,min=1,max=10000"`
	TopK          int      `json:"top_k" validate:"omitempty,min=1,max=20"`
	MinSimilarity *float64 `json:"min_similarity" validate:"omitempty,min=0,max=1"`
	Category      string   `json:"category" validate:"omitempty,max=100"`
}

type qaBatchQueryRequest struct {
	Questions     []string `json:"questions" validate:"required,min=1,max=50,dive,required,max=10000"`
	TopK          int      `json:"top_k" validate:"omitempty,min=1,max=10"`
	MinSimilarity *float64 `json:"min_similarity" validate:"omitempty,min=0,max=1"`
	Category      string   `json:"category" validate:"omitempty,max=100"`
	Parallel      *bool    `json:"parallel"`
	Timeout       int      `json:"timeout" validate:"omitempty,min=10,max=600"`
}

type qaBatchQueryItem struct {
	Question string          `json:"question"`
	Result   *qa.QueryResult `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

func (q qaPairRequest) toPair() qa.Pair {
	confidence := 0.0
	if q.Confidence != nil {
		confidence = *q.Confidence
	}
	return qa.Pair{
		Question:   q.Question,
		Answer:     q.Answer,
		Category:   q.Category,
		Confidence: confidence,
		Keywords:   q.Keywords,
		Source:     q.Source,
	}
}

// AddPair answers POST /qa/pairs.
func (h *QAHandler) AddPair(w http.ResponseWriter, r *http.Request) {
	var req qaPairRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validateStruct(req); err != nil {
		writeError(w, err)
		return
	}
	pair, err := h.store.Add(r.Context(), req.toPair())
	if err != nil {
		writeError(w, err)
		return
	}
	api.Success(w, "QA pair added successfully", pair)
}

// AddBatch answers POST /qa/pairs/batch. Failures stay per-record.
func (h *QAHandler) AddBatch(w http.ResponseWriter, r *http.Request) {
	var req qaBatchAddRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validateStruct(req); err != nil {
		writeError(w, err)
		return
	}
	pairs := make([]qa.Pair, len(req.Pairs))
	for i, p := range req.Pairs {
		pairs[i] = p.toPair()
	}
	result, err := h.store.AddBatch(r.Context(), pairs)
	if err != nil {
		writeError(w, err)
		return
	}
	api.Success(w, "QA batch processed", result)
}

// ListPairs answers GET /qa/pairs with filter and pagination parameters.
func (h *QAHandler) ListPairs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := qa.ListRequest{
		Category: q.Get("category"),
		Keyword:  q.Get("keyword"),
	}
	if raw := q.Get("min_confidence"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 || v > 1 {
			writeError(w, apperrors.BadInput("min_confidence must be between 0 and 1, got %q", raw))
			return
		}
		req.MinConfidence = v
	}
	var err error
	if req.Page, err = queryInt(q.Get("page"), 1, "page"); err != nil {
		writeError(w, err)
		return
	}
	if req.PageSize, err = queryInt(q.Get("page_size"), 20, "page_size"); err != nil {
		writeError(w, err)
		return
	}
	if req.PageSize > 100 {
		writeError(w, apperrors.BadInput("page_size cannot exceed 100"))
		return
	}

	result, err := h.store.ListPairs(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	api.Success(w, "QA pairs listed", result)
}

func queryInt(raw string, def int, name string) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, apperrors.BadInput("%s must be a positive integer, got %q", name, raw)
	}
	return n, nil
}

// GetPair answers GET /qa/pairs/{id}.
func (h *QAHandler) GetPair(w http.ResponseWriter, r *http.Request) {
	pair, err := h.store.GetPair(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	api.Success(w, "QA pair", pair)
}

// UpdatePair answers PUT /qa/pairs/{id} with a partial update.
func (h *QAHandler) UpdatePair(w http.ResponseWriter, r *http.Request) {
	var req qaUpdateRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validateStruct(req); err != nil {
		writeError(w, err)
		return
	}
	pair, err := h.store.UpdatePair(r.Context(), chi.URLParam(r, "id"), qa.PairUpdate{
		Question:   req.Question,
		Answer:     req.Answer,
		Category:   req.Category,
		Confidence: req.Confidence,
		Keywords:   req.Keywords,
		Source:     req.Source,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	api.Success(w, "QA pair updated", pair)
}

// DeletePair answers DELETE /qa/pairs/{id}.
func (h *QAHandler) DeletePair(w http.ResponseWriter, r *http.Request) {
	pair, err := h.store.DeletePair(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	api.Success(w, "QA pair deleted", map[string]interface{}{
		"id":       pair.ID,
		"category": pair.Category,
	})
}

// Query answers POST /qa/query: similarity search over the fixed pairs.
func (h *QAHandler) Query(w http.ResponseWriter, r *http.Request) {
	var req qaQueryRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validateStruct(req); err != nil {
		writeError(w, err)
		return
	}
	result, err := h.store.Query(r.Context(), qa.QueryRequest{
		Question:      req.Question,
		TopK:          req.TopK,
		MinSimilarity: req.MinSimilarity,
		Category:      req.Category,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if h.metrics != nil {
		outcome := "miss"
		if result.Found {
			outcome = "hit"
		}
		h.metrics.QAMatches.WithLabelValues(outcome).Inc()
	}
	message := "No matching QA pair found"
	if result.Found {
		message = "QA pair matched"
	}
	api.Success(w, message, result)
}

// QueryBatch answers POST /qa/query/batch, fanning the questions out over
// an errgroup when parallel (the default).
func (h *QAHandler) QueryBatch(w http.ResponseWriter, r *http.Request) {
	var req qaBatchQueryRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validateStruct(req); err != nil {
		writeError(w, err)
		return
	}

	timeout := 300 * time.Second
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	started := time.Now()
	items := make([]qaBatchQueryItem, len(req.Questions))
	run := func(i int) {
		result, err := h.store.Query(ctx, qa.QueryRequest{
			Question:      req.Questions[i],
			TopK:          req.TopK,
			MinSimilarity: req.MinSimilarity,
			Category:      req.Category,
		})
		items[i] = qaBatchQueryItem{Question: req.Questions[i]}
		if err != nil {
			items[i].Error = apperrors.From(err).Message
			return
		}
		items[i].Result = &result
	}

	if req.Parallel == nil || *req.Parallel {
		g, _ := errgroup.WithContext(ctx)
		g.SetLimit(qaBatchWorkers)
		for i := range req.Questions {
			i := i
			g.Go(func() error {
				run(i)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i := range req.Questions {
			run(i)
		}
	}

	succeeded := 0
	for _, item := range items {
		if item.Error == "" {
			succeeded++
		}
	}
	elapsed := time.Since(started).Seconds()
	avg := 0.0
	if len(items) > 0 {
		avg = elapsed / float64(len(items))
	}
	api.Success(w, "QA batch query completed", map[string]interface{}{
		"results":      items,
		"total":        len(items),
		"succeeded":    succeeded,
		"failed":       len(items) - succeeded,
		"total_time":   elapsed,
		"average_time": avg,
	})
}

// Import answers POST /qa/import: multipart upload of a JSON or CSV dump.
func (h *QAHandler) Import(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxImportBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		writeError(w, apperrors.BadInput("request is not valid multipart form data").WithCause(err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, apperrors.BadInput("multipart field \"file\" is required"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, apperrors.Storage("read import upload").WithCause(err))
		return
	}
	opts := qa.ImportOptions{
		OverwriteExisting: r.FormValue("overwrite_existing") == "true",
	}
	result, err := h.store.Import(r.Context(), header.Filename, data, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	api.Success(w, "QA import completed", result)
}

// Export answers GET /qa/export as JSON (default) or CSV.
func (h *QAHandler) Export(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")
	payload, err := h.store.Export(r.Context(), category)
	if err != nil {
		writeError(w, err)
		return
	}

	switch format := r.URL.Query().Get("format"); format {
	case "", "json":
		api.Success(w, "QA export", payload)
	case "csv":
		name := fmt.Sprintf("qa_export_%s.csv", time.Now().UTC().Format("20060102_150405"))
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", "attachment; filename="+name)
		if err := qa.EncodeCSV(w, payload.QAPairs); err != nil {
			h.logger.Warn("csv export aborted mid-write", zap.Error(err))
		}
	default:
		writeError(w, apperrors.BadInput("unsupported export format %q", format).
			WithDetail("supported_formats", []string{"json", "csv"}))
	}
}

// Statistics answers GET /qa/statistics.
func (h *QAHandler) Statistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Statistics(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	api.Success(w, "QA statistics", stats)
}

// Categories answers GET /qa/categories.
func (h *QAHandler) Categories(w http.ResponseWriter, r *http.Request) {
	infos, err := h.store.Categories(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	api.Success(w, "QA categories listed", map[string]interface{}{
		"categories": infos,
		"total":      len(infos),
	})
}

// DeleteCategory answers DELETE /qa/categories/{category}, removing every
// pair and the on-disk folder.
func (h *QAHandler) DeleteCategory(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "category")
	result, err := h.store.DeleteCategory(r.Context(), name)
	if err != nil {
		audit(h.logger, r, "qa.delete-category", "denied", zap.String("category", name), zap.Error(err))
		writeError(w, err)
		return
	}
	audit(h.logger, r, "qa.delete-category", "allowed",
		zap.String("category", name), zap.Int("deleted", result.DeletedCount))
	api.Success(w, "QA category deleted", result)
}

// maxImportBytes caps QA import uploads.
const maxImportBytes = 50 << 20
