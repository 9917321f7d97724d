package query

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ragserve/internal/retrieval"
)

const (
	defaultBatchTimeout = 300 * time.Second
	batchConcurrency    = 8
)

// BatchRequest answers a list of query texts under shared options.
type BatchRequest struct {
	Queries       []string `json:"queries" validate:"required,min=1,max=50,dive,required"`
	Mode          string   `json:"mode" validate:"omitempty,oneof=naive local global hybrid mix bypass"`
	TopK          int      `json:"top_k" validate:"omitempty,min=1,max=100"`
	KnowledgeBase string   `json:"knowledge_base"`
	Language      string   `json:"language"`
	Parallel      *bool    `json:"parallel"`
	Timeout       int      `json:"timeout" validate:"omitempty,min=30,max=600"`
}

// BatchItem is one query's outcome inside a batch response.
type BatchItem struct {
	Index   int     `json:"index"`
	Success bool    `json:"success"`
	Result  *Result `json:"result,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// BatchResult aggregates a whole batch.
type BatchResult struct {
	Results      []BatchItem `json:"results"`
	TotalQueries int         `json:"total_queries"`
	Successful   int         `json:"successful_queries"`
	Failed       int         `json:"failed_queries"`
	Mode         string      `json:"mode"`
	TotalTime    float64     `json:"total_time"`
}

// ExecuteBatch answers every query in the list, in parallel by default.
// A failing query marks its own slot and never aborts the rest; there is
// nothing to roll back since queries do not mutate state.
func (o *Orchestrator) ExecuteBatch(ctx context.Context, req BatchRequest) (*BatchResult, error) {
	start := time.Now()
	if err := o.Validate(&req); err != nil {
		return nil, err
	}
	mode, err := retrieval.ParseMode(req.Mode)
	if err != nil {
		return nil, err
	}

	timeout := defaultBatchTimeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	items := make([]BatchItem, len(req.Queries))
	run := func(ctx context.Context, i int) {
		res, err := o.Execute(ctx, Request{
			Query:         req.Queries[i],
			Mode:          string(mode),
			TopK:          req.TopK,
			KnowledgeBase: req.KnowledgeBase,
			Language:      req.Language,
		})
		if err != nil {
			items[i] = BatchItem{Index: i, Error: err.Error()}
			return
		}
		items[i] = BatchItem{Index: i, Success: true, Result: res}
	}

	if boolOr(req.Parallel, true) {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(batchConcurrency)
		for i := range req.Queries {
			g.Go(func() error {
				run(gctx, i)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i := range req.Queries {
			run(ctx, i)
		}
	}

	out := &BatchResult{
		Results:      items,
		TotalQueries: len(items),
		Mode:         string(mode),
		TotalTime:    elapsedSeconds(start),
	}
	for i := range items {
		if items[i].Success {
			out.Successful++
		} else {
			out.Failed++
		}
	}
	o.logger.Info("batch query finished",
		zap.Int("total", out.TotalQueries),
		zap.Int("failed", out.Failed),
		zap.Float64("seconds", out.TotalTime))
	return out, nil
}
