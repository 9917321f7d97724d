package qa

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"ragserve/internal/cache"
	"ragserve/internal/concurrency"
	"ragserve/internal/config"
	apperrors "ragserve/internal/errors"
	"ragserve/internal/llm"
	"ragserve/internal/observability"
)

// ============================================================================
// STORE
// ============================================================================

// Store is the root of the fixed-QA pool. It owns the category map, the
// global pair-id cross-reference, and the root index file. All category
// mutations and queries are fenced by a purpose-agnostic keyed lock on
// "qa:<category>"; multi-category operations take the locks in
// lexicographic order through AcquireMany.
type Store struct {
	root       string
	dim        int
	threshold  float64
	maxResults int
	embedder   llm.Embedder
	locks      *concurrency.KeyedLocks
	cache      *cache.Coordinator
	logger     *zap.Logger

	mu   sync.Mutex
	cats map[string]*category // nil value: known on disk, not loaded yet
	byID map[string]string    // pair id -> category, loaded categories only

	queries   atomic.Int64
	cacheHits atomic.Int64
	latency   *observability.LatencyWindow
}

// NewStore opens the QA root directory, reconciling the index file with
// the category directories actually present.
func NewStore(cfg *config.Config, embedder llm.Embedder, locks *concurrency.KeyedLocks, coord *cache.Coordinator, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	root := cfg.Paths.QAStorageDir
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, apperrors.Storage("create qa storage root %s", root).WithCause(err)
	}
	s := &Store{
		root:       root,
		dim:        embedder.Dim(),
		threshold:  cfg.QA.SimilarityThreshold,
		maxResults: cfg.QA.MaxResults,
		embedder:   embedder,
		locks:      locks,
		cache:      coord,
		logger:     logger.Named("qa"),
		cats:       make(map[string]*category),
		byID:       make(map[string]string),
		latency:    observability.NewLatencyWindow(256),
	}
	if s.maxResults <= 0 {
		s.maxResults = 10
	}
	if s.threshold <= 0 || s.threshold > 1 {
		s.threshold = 0.98
	}
	if err := s.scanCategories(); err != nil {
		return nil, err
	}
	s.logger.Info("qa store opened",
		zap.String("root", root),
		zap.Int("categories", len(s.cats)),
		zap.Float64("similarity_threshold", s.threshold))
	return s, nil
}

// Threshold returns the similarity floor in effect for matching.
func (s *Store) Threshold() float64 { return s.threshold }

// scanCategories unions index.json with the directories on disk and
// rewrites the index when they disagree.
func (s *Store) scanCategories() error {
	known := make(map[string]bool)
	indexPath := filepath.Join(s.root, indexFileName)
	if raw, err := os.ReadFile(indexPath); err == nil {
		var names []string
		if err := json.Unmarshal(raw, &names); err != nil {
			return apperrors.Storage("qa index file is corrupted").WithCause(err)
		}
		for _, name := range names {
			known[name] = true
		}
	}

	onDisk := make(map[string]bool)
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return apperrors.Storage("scan qa storage root").WithCause(err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, e.Name(), pairsFileName)); err == nil {
			onDisk[e.Name()] = true
		}
	}

	changed := false
	for name := range onDisk {
		if !known[name] {
			changed = true
		}
		s.cats[name] = nil
	}
	for name := range known {
		if !onDisk[name] {
			changed = true
		}
	}
	if changed || len(known) == 0 {
		return s.writeIndexLocked()
	}
	return nil
}

// writeIndexLocked rewrites index.json from the category map. Callers hold
// s.mu, or run before the store is shared.
func (s *Store) writeIndexLocked() error {
	names := make([]string, 0, len(s.cats))
	for name := range s.cats {
		names = append(names, name)
	}
	sort.Strings(names)
	raw, err := json.MarshalIndent(names, "", "  ")
	if err != nil {
		return apperrors.Storage("encode qa index").WithCause(err)
	}
	return atomicWrite(filepath.Join(s.root, indexFileName), raw)
}

// knownCategories snapshots the category names in lexicographic order.
func (s *Store) knownCategories() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.cats))
	for name := range s.cats {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// loadLocked returns the open category, reading it from disk on first
// touch. The caller holds the "qa:<name>" keyed lock.
func (s *Store) loadLocked(name string) (*category, error) {
	s.mu.Lock()
	c, known := s.cats[name]
	s.mu.Unlock()
	if c != nil {
		return c, nil
	}
	dir := filepath.Join(s.root, name)
	if _, err := os.Stat(filepath.Join(dir, pairsFileName)); err != nil {
		if !known {
			return nil, apperrors.NotFound("category %q does not exist", name)
		}
		return nil, apperrors.NotFound("category %q has no storage on disk", name)
	}
	c, err := openCategory(name, dir, s.dim)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cats[name] = c
	for id := range c.pairs {
		s.byID[id] = name
	}
	s.mu.Unlock()
	s.logger.Debug("category loaded", zap.String("category", name), zap.Int("pairs", c.count()))
	return c, nil
}

// loadOrCreateLocked is loadLocked plus lazy creation of the category
// storage. The caller holds the "qa:<name>" keyed lock, which makes the
// check-then-create sequence safe.
func (s *Store) loadOrCreateLocked(name string) (*category, error) {
	c, err := s.loadLocked(name)
	if err == nil {
		return c, nil
	}
	if !apperrors.IsNotFound(err) {
		return nil, err
	}
	c, err = openCategory(name, filepath.Join(s.root, name), s.dim)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cats[name] = c
	indexErr := s.writeIndexLocked()
	s.mu.Unlock()
	if indexErr != nil {
		return nil, indexErr
	}
	s.logger.Info("category created", zap.String("category", name))
	return c, nil
}

// ============================================================================
// SINGLE-PAIR OPERATIONS
// ============================================================================

// Add validates, embeds, and persists one pair. A question whose embedding
// lands within the similarity threshold of an existing pair in the same
// category is rejected as a duplicate.
func (s *Store) Add(ctx context.Context, p Pair) (Pair, error) {
	if err := p.normalize(1.0, "manual"); err != nil {
		return Pair{}, err
	}
	handle, err := s.locks.Acquire(ctx, "qa:"+p.Category, "add-pair")
	if err != nil {
		return Pair{}, err
	}
	defer handle.Release()

	c, err := s.loadOrCreateLocked(p.Category)
	if err != nil {
		return Pair{}, err
	}
	vec, _, err := s.embedQuestion(ctx, p.Question)
	if err != nil {
		return Pair{}, err
	}
	if dup, sim := nearestPair(c, vec); dup != nil && sim >= s.threshold {
		return Pair{}, apperrors.AlreadyExists("question duplicates pair %s", dup.ID).
			WithDetail("existing_id", dup.ID).
			WithDetail("existing_question", dup.Question).
			WithDetail("similarity", sim)
	}
	if err := c.upsert(&p, vec); err != nil {
		return Pair{}, err
	}
	if err := c.persist(); err != nil {
		c.remove(p.ID)
		return Pair{}, err
	}
	s.mu.Lock()
	s.byID[p.ID] = p.Category
	s.mu.Unlock()
	s.logger.Info("qa pair added",
		zap.String("id", p.ID),
		zap.String("category", p.Category))
	return p, nil
}

// GetPair returns one pair by id, loading categories as needed.
func (s *Store) GetPair(ctx context.Context, id string) (Pair, error) {
	name, err := s.categoryOf(ctx, id)
	if err != nil {
		return Pair{}, err
	}
	handle, err := s.locks.Acquire(ctx, "qa:"+name, "get-pair")
	if err != nil {
		return Pair{}, err
	}
	defer handle.Release()
	c, err := s.loadLocked(name)
	if err != nil {
		return Pair{}, err
	}
	p, ok := c.get(id)
	if !ok {
		return Pair{}, apperrors.NotFound("qa pair %q does not exist", id)
	}
	return *p, nil
}

// PairUpdate carries the mutable fields of a pair; nil means unchanged.
type PairUpdate struct {
	Question   *string
	Answer     *string
	Category   *string
	Confidence *float64
	Keywords   *[]string
	Source     *string
}

// UpdatePair applies a partial update. A changed question is re-embedded;
// a changed category moves the pair, locking both categories.
func (s *Store) UpdatePair(ctx context.Context, id string, upd PairUpdate) (Pair, error) {
	oldCat, err := s.categoryOf(ctx, id)
	if err != nil {
		return Pair{}, err
	}
	newCat := oldCat
	if upd.Category != nil && strings.TrimSpace(*upd.Category) != "" {
		newCat = strings.TrimSpace(*upd.Category)
		if err := validateCategoryName(newCat); err != nil {
			return Pair{}, err
		}
	}

	handle, err := s.locks.AcquireMany(ctx, []string{"qa:" + oldCat, "qa:" + newCat}, "update-pair")
	if err != nil {
		return Pair{}, err
	}
	defer handle.Release()

	oldC, err := s.loadLocked(oldCat)
	if err != nil {
		return Pair{}, err
	}
	cur, ok := oldC.get(id)
	if !ok {
		return Pair{}, apperrors.NotFound("qa pair %q does not exist", id)
	}

	next := *cur
	next.Category = newCat
	if upd.Question != nil {
		next.Question = strings.TrimSpace(*upd.Question)
	}
	if upd.Answer != nil {
		next.Answer = strings.TrimSpace(*upd.Answer)
	}
	if upd.Confidence != nil {
		next.Confidence = *upd.Confidence
	}
	if upd.Keywords != nil {
		next.Keywords = *upd.Keywords
	}
	if upd.Source != nil {
		next.Source = strings.TrimSpace(*upd.Source)
	}
	if err := next.normalize(next.Confidence, next.Source); err != nil {
		return Pair{}, err
	}

	oldVec := oldC.rows[oldC.pos[id]]
	vec := oldVec
	if upd.Question != nil && next.Question != cur.Question {
		vec, _, err = s.embedQuestion(ctx, next.Question)
		if err != nil {
			return Pair{}, err
		}
	}

	if newCat == oldCat {
		if err := oldC.upsert(&next, vec); err != nil {
			return Pair{}, err
		}
		if err := oldC.persist(); err != nil {
			oldC.upsert(cur, oldVec)
			return Pair{}, err
		}
		return next, nil
	}

	newC, err := s.loadOrCreateLocked(newCat)
	if err != nil {
		return Pair{}, err
	}
	if dup, sim := nearestPair(newC, vec); dup != nil && sim >= s.threshold && dup.ID != id {
		return Pair{}, apperrors.AlreadyExists("question duplicates pair %s in category %s", dup.ID, newCat).
			WithDetail("existing_id", dup.ID).
			WithDetail("similarity", sim)
	}
	if err := newC.upsert(&next, vec); err != nil {
		return Pair{}, err
	}
	if err := newC.persist(); err != nil {
		newC.remove(id)
		return Pair{}, err
	}
	oldC.remove(id)
	if err := oldC.persist(); err != nil {
		s.logger.Error("pair landed in new category but old category failed to persist",
			zap.String("id", id), zap.String("old", oldCat), zap.Error(err))
		return Pair{}, err
	}
	s.mu.Lock()
	s.byID[id] = newCat
	s.mu.Unlock()
	s.logger.Info("qa pair moved",
		zap.String("id", id),
		zap.String("from", oldCat),
		zap.String("to", newCat))
	return next, nil
}

// DeletePair removes one pair. The vacated matrix row is filled by the
// swap-with-last rule inside the category.
func (s *Store) DeletePair(ctx context.Context, id string) (Pair, error) {
	name, err := s.categoryOf(ctx, id)
	if err != nil {
		return Pair{}, err
	}
	handle, err := s.locks.Acquire(ctx, "qa:"+name, "delete-pair")
	if err != nil {
		return Pair{}, err
	}
	defer handle.Release()
	c, err := s.loadLocked(name)
	if err != nil {
		return Pair{}, err
	}
	row, ok := c.pos[id]
	if !ok {
		return Pair{}, apperrors.NotFound("qa pair %q does not exist", id)
	}
	vec := c.rows[row]
	removed := c.remove(id)
	if err := c.persist(); err != nil {
		c.upsert(removed, vec)
		return Pair{}, err
	}
	s.mu.Lock()
	delete(s.byID, id)
	s.mu.Unlock()
	s.logger.Info("qa pair deleted", zap.String("id", id), zap.String("category", name))
	return *removed, nil
}

// categoryOf resolves the owning category of a pair id, loading categories
// lazily until the id is found.
func (s *Store) categoryOf(ctx context.Context, id string) (string, error) {
	s.mu.Lock()
	name, ok := s.byID[id]
	s.mu.Unlock()
	if ok {
		return name, nil
	}
	for _, cand := range s.knownCategories() {
		s.mu.Lock()
		loaded := s.cats[cand] != nil
		s.mu.Unlock()
		if loaded {
			continue
		}
		handle, err := s.locks.Acquire(ctx, "qa:"+cand, "lookup")
		if err != nil {
			return "", err
		}
		c, err := s.loadLocked(cand)
		found := false
		if err == nil {
			_, found = c.get(id)
		}
		handle.Release()
		if err != nil {
			if apperrors.IsNotFound(err) {
				continue
			}
			return "", err
		}
		if found {
			return cand, nil
		}
	}
	return "", apperrors.NotFound("qa pair %q does not exist", id)
}

// ============================================================================
// BATCH ADD
// ============================================================================

// BatchOutcome reports what happened to one pair of a batch.
type BatchOutcome struct {
	Index      int     `json:"index"`
	ID         string  `json:"id,omitempty"`
	Status     string  `json:"status"` // added, duplicate, failed
	Reason     string  `json:"reason,omitempty"`
	ExistingID string  `json:"existing_id,omitempty"`
	Similarity float64 `json:"similarity,omitempty"`
}

// BatchResult aggregates a batch add. Failures never roll back the pairs
// that already landed.
type BatchResult struct {
	AddedIDs []string       `json:"added_ids"`
	Added    int            `json:"added_count"`
	Skipped  int            `json:"skipped_count"`
	Failed   int            `json:"failed_count"`
	Outcomes []BatchOutcome `json:"outcomes"`
}

// AddBatch groups the pairs by category, locks all involved categories in
// lexicographic order, then appends per category. Each pair is tried on
// its own; the result reports per-pair success.
func (s *Store) AddBatch(ctx context.Context, pairs []Pair) (BatchResult, error) {
	if len(pairs) == 0 {
		return BatchResult{}, apperrors.BadInput("batch contains no pairs")
	}
	res := BatchResult{Outcomes: make([]BatchOutcome, len(pairs))}

	type item struct {
		idx  int
		pair Pair
	}
	groups := make(map[string][]item)
	for i := range pairs {
		p := pairs[i]
		if err := p.normalize(1.0, "manual"); err != nil {
			res.Outcomes[i] = BatchOutcome{Index: i, Status: "failed", Reason: err.Error()}
			res.Failed++
			continue
		}
		groups[p.Category] = append(groups[p.Category], item{idx: i, pair: p})
	}
	if len(groups) == 0 {
		return res, nil
	}

	lockNames := make([]string, 0, len(groups))
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
		lockNames = append(lockNames, "qa:"+name)
	}
	sort.Strings(names)
	handle, err := s.locks.AcquireMany(ctx, lockNames, "batch-add")
	if err != nil {
		return BatchResult{}, err
	}
	defer handle.Release()

	for _, name := range names {
		items := groups[name]
		c, err := s.loadOrCreateLocked(name)
		if err != nil {
			for _, it := range items {
				res.Outcomes[it.idx] = BatchOutcome{Index: it.idx, Status: "failed", Reason: err.Error()}
				res.Failed++
			}
			continue
		}
		questions := make([]string, len(items))
		for i, it := range items {
			questions[i] = it.pair.Question
		}
		vecs, err := s.embedder.Embed(ctx, questions)
		if err != nil || len(vecs) != len(items) {
			reason := "embedding count mismatch"
			if err != nil {
				reason = err.Error()
			}
			for _, it := range items {
				res.Outcomes[it.idx] = BatchOutcome{Index: it.idx, Status: "failed", Reason: reason}
				res.Failed++
			}
			continue
		}

		appended := make([]string, 0, len(items))
		for i, it := range items {
			p := it.pair
			if dup, sim := nearestPair(c, vecs[i]); dup != nil && sim >= s.threshold {
				res.Outcomes[it.idx] = BatchOutcome{
					Index:      it.idx,
					Status:     "duplicate",
					ExistingID: dup.ID,
					Similarity: sim,
				}
				res.Skipped++
				continue
			}
			if err := c.upsert(&p, vecs[i]); err != nil {
				res.Outcomes[it.idx] = BatchOutcome{Index: it.idx, Status: "failed", Reason: err.Error()}
				res.Failed++
				continue
			}
			appended = append(appended, p.ID)
			res.Outcomes[it.idx] = BatchOutcome{Index: it.idx, ID: p.ID, Status: "added"}
		}
		if len(appended) == 0 {
			continue
		}
		if err := c.persist(); err != nil {
			for _, id := range appended {
				c.remove(id)
			}
			for _, it := range items {
				if out := &res.Outcomes[it.idx]; out.Status == "added" {
					*out = BatchOutcome{Index: it.idx, Status: "failed", Reason: err.Error()}
					res.Failed++
				}
			}
			continue
		}
		s.mu.Lock()
		for _, id := range appended {
			s.byID[id] = name
		}
		s.mu.Unlock()
		res.Added += len(appended)
		res.AddedIDs = append(res.AddedIDs, appended...)
	}
	s.logger.Info("qa batch add finished",
		zap.Int("added", res.Added),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed))
	return res, nil
}

// ============================================================================
// QUERY
// ============================================================================

// QueryRequest asks for the closest pairs to a question. A nil
// MinSimilarity means the store threshold.
type QueryRequest struct {
	Question      string
	TopK          int
	MinSimilarity *float64
	Category      string
}

// QueryResult is the outcome of a similarity query. BestSimilarity is the
// closest raw similarity seen even when no match cleared the floor.
type QueryResult struct {
	Found          bool          `json:"found"`
	Best           *Match        `json:"best,omitempty"`
	Matches        []Match       `json:"all_results"`
	BestSimilarity float64       `json:"best_similarity"`
	Threshold      float64       `json:"threshold"`
	Elapsed        time.Duration `json:"-"`
	CacheHit       bool          `json:"-"`
}

// Query embeds the question, locks the in-scope categories in
// lexicographic order, scans their matrices, and merges the per-category
// top candidates into one ranked result.
func (s *Store) Query(ctx context.Context, req QueryRequest) (QueryResult, error) {
	start := time.Now()
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return QueryResult{}, apperrors.BadInput("question must not be empty")
	}
	topK := req.TopK
	if topK <= 0 {
		topK = 1
	}
	floor := s.threshold
	if req.MinSimilarity != nil {
		if *req.MinSimilarity < 0 || *req.MinSimilarity > 1 {
			return QueryResult{}, apperrors.BadInput("min_similarity %.3f out of range [0,1]", *req.MinSimilarity)
		}
		floor = *req.MinSimilarity
	}
	probe := topK
	if probe < s.maxResults {
		probe = s.maxResults
	}

	vec, cached, err := s.embedQuestion(ctx, question)
	if err != nil {
		return QueryResult{}, err
	}

	var names []string
	if req.Category != "" {
		if err := validateCategoryName(req.Category); err != nil {
			return QueryResult{}, err
		}
		s.mu.Lock()
		_, known := s.cats[req.Category]
		s.mu.Unlock()
		if !known {
			return QueryResult{Threshold: floor, Elapsed: time.Since(start)}, nil
		}
		names = []string{req.Category}
	} else {
		names = s.knownCategories()
	}
	if len(names) == 0 {
		return QueryResult{Threshold: floor, Elapsed: time.Since(start)}, nil
	}

	lockNames := make([]string, len(names))
	for i, name := range names {
		lockNames[i] = "qa:" + name
	}
	handle, err := s.locks.AcquireMany(ctx, lockNames, "query")
	if err != nil {
		return QueryResult{}, err
	}

	var all []Match
	best := 0.0
	for _, name := range names {
		c, err := s.loadLocked(name)
		if err != nil {
			if apperrors.IsNotFound(err) {
				continue
			}
			handle.Release()
			return QueryResult{}, err
		}
		ms, b := searchCategory(c, vec, probe, floor)
		all = append(all, ms...)
		if b > best {
			best = b
		}
	}
	handle.Release()

	rankMatches(all)
	if len(all) > topK {
		all = all[:topK]
	}

	res := QueryResult{
		Found:          len(all) > 0,
		Matches:        all,
		BestSimilarity: best,
		Threshold:      floor,
		Elapsed:        time.Since(start),
		CacheHit:       cached,
	}
	if res.Found {
		res.Best = &all[0]
	}

	s.queries.Add(1)
	if cached {
		s.cacheHits.Add(1)
	}
	s.latency.Observe(res.Elapsed)
	return res, nil
}

// ============================================================================
// LIST, CATEGORIES, DELETE CATEGORY
// ============================================================================

// ListRequest filters and paginates the pair listing.
type ListRequest struct {
	Category      string
	MinConfidence float64
	Keyword       string
	Page          int
	PageSize      int
}

// ListResult is one page of pairs.
type ListResult struct {
	Pairs      []Pair `json:"pairs"`
	Total      int    `json:"total"`
	Page       int    `json:"page"`
	PageSize   int    `json:"page_size"`
	TotalPages int    `json:"total_pages"`
}

// ListPairs returns pairs ordered by creation time, oldest first.
func (s *Store) ListPairs(ctx context.Context, req ListRequest) (ListResult, error) {
	page := req.Page
	if page < 1 {
		page = 1
	}
	size := req.PageSize
	if size < 1 {
		size = 20
	}
	if size > 100 {
		size = 100
	}

	var names []string
	if req.Category != "" {
		names = []string{req.Category}
	} else {
		names = s.knownCategories()
	}
	collected, err := s.collectPairs(ctx, names)
	if err != nil {
		return ListResult{}, err
	}

	keyword := strings.ToLower(strings.TrimSpace(req.Keyword))
	filtered := collected[:0]
	for _, p := range collected {
		if req.MinConfidence > 0 && p.Confidence < req.MinConfidence {
			continue
		}
		if keyword != "" && !pairMentions(p, keyword) {
			continue
		}
		filtered = append(filtered, p)
	}

	total := len(filtered)
	totalPages := (total + size - 1) / size
	startIdx := (page - 1) * size
	if startIdx > total {
		startIdx = total
	}
	endIdx := startIdx + size
	if endIdx > total {
		endIdx = total
	}
	return ListResult{
		Pairs:      filtered[startIdx:endIdx],
		Total:      total,
		Page:       page,
		PageSize:   size,
		TotalPages: totalPages,
	}, nil
}

// collectPairs loads the named categories under their locks and returns
// copies of every pair, ordered by creation time then id.
func (s *Store) collectPairs(ctx context.Context, names []string) ([]Pair, error) {
	if len(names) == 0 {
		return nil, nil
	}
	lockNames := make([]string, len(names))
	for i, name := range names {
		lockNames[i] = "qa:" + name
	}
	handle, err := s.locks.AcquireMany(ctx, lockNames, "list")
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	var out []Pair
	for _, name := range names {
		c, err := s.loadLocked(name)
		if err != nil {
			if apperrors.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		for _, p := range c.list() {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func pairMentions(p Pair, keyword string) bool {
	if strings.Contains(strings.ToLower(p.Question), keyword) ||
		strings.Contains(strings.ToLower(p.Answer), keyword) {
		return true
	}
	for _, kw := range p.Keywords {
		if strings.Contains(strings.ToLower(kw), keyword) {
			return true
		}
	}
	return false
}

// CategoryInfo summarizes one category for listings.
type CategoryInfo struct {
	Name  string `json:"name"`
	Pairs int    `json:"pair_count"`
}

// Categories lists the known categories with their pair counts.
func (s *Store) Categories(ctx context.Context) ([]CategoryInfo, error) {
	names := s.knownCategories()
	out := make([]CategoryInfo, 0, len(names))
	for _, name := range names {
		handle, err := s.locks.Acquire(ctx, "qa:"+name, "list-categories")
		if err != nil {
			return nil, err
		}
		c, err := s.loadLocked(name)
		pairs := 0
		if err == nil {
			pairs = c.count()
		}
		handle.Release()
		if err != nil {
			if apperrors.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		out = append(out, CategoryInfo{Name: name, Pairs: pairs})
	}
	return out, nil
}

// DeleteCategoryResult reports a category removal.
type DeleteCategoryResult struct {
	Category      string `json:"category"`
	DeletedCount  int    `json:"deleted_count"`
	FolderDeleted bool   `json:"folder_deleted"`
}

// DeleteCategory removes a category and every pair in it: the global
// cross-reference entries, the in-memory partition, and the directory. A
// category that was never loaded still has its directory removed.
func (s *Store) DeleteCategory(ctx context.Context, name string) (DeleteCategoryResult, error) {
	if err := validateCategoryName(name); err != nil {
		return DeleteCategoryResult{}, err
	}
	handle, err := s.locks.Acquire(ctx, "qa:"+name, "delete-category")
	if err != nil {
		return DeleteCategoryResult{}, err
	}
	defer handle.Release()

	s.mu.Lock()
	_, known := s.cats[name]
	s.mu.Unlock()
	dir := filepath.Join(s.root, name)
	_, statErr := os.Stat(dir)
	dirExists := statErr == nil
	if !known && !dirExists {
		return DeleteCategoryResult{}, apperrors.NotFound("category %q does not exist", name)
	}

	count := 0
	var ids []string
	if c, err := s.loadLocked(name); err == nil {
		count = c.count()
		ids = append(ids, c.ids...)
	} else if !apperrors.IsNotFound(err) {
		s.logger.Warn("category unreadable, removing anyway",
			zap.String("category", name), zap.Error(err))
	}

	folderDeleted := false
	if dirExists {
		if err := os.RemoveAll(dir); err != nil {
			return DeleteCategoryResult{}, apperrors.Storage("remove category directory %s", dir).WithCause(err)
		}
		folderDeleted = true
	}

	s.mu.Lock()
	delete(s.cats, name)
	for _, id := range ids {
		delete(s.byID, id)
	}
	indexErr := s.writeIndexLocked()
	s.mu.Unlock()
	if indexErr != nil {
		return DeleteCategoryResult{}, indexErr
	}
	s.logger.Info("category deleted",
		zap.String("category", name),
		zap.Int("pairs", count),
		zap.Bool("folder_deleted", folderDeleted))
	return DeleteCategoryResult{Category: name, DeletedCount: count, FolderDeleted: folderDeleted}, nil
}

// ============================================================================
// STATISTICS
// ============================================================================

// QueryStats tracks query volume and responsiveness.
type QueryStats struct {
	TotalQueries    int64   `json:"total_queries"`
	CacheHits       int64   `json:"cache_hits"`
	AvgResponseTime float64 `json:"avg_response_time"`
}

// Stats is the aggregate view of the store.
type Stats struct {
	TotalPairs          int            `json:"total_pairs"`
	Categories          map[string]int `json:"categories"`
	AverageConfidence   float64        `json:"average_confidence"`
	SimilarityThreshold float64        `json:"similarity_threshold"`
	VectorIndexSize     int            `json:"vector_index_size"`
	EmbeddingDim        int            `json:"embedding_dim"`
	QueryStats          QueryStats     `json:"query_stats"`
}

// Statistics loads every category and aggregates counts and confidence.
func (s *Store) Statistics(ctx context.Context) (Stats, error) {
	stats := Stats{
		Categories:          make(map[string]int),
		SimilarityThreshold: s.threshold,
		EmbeddingDim:        s.dim,
	}
	names := s.knownCategories()
	confidenceSum := 0.0
	for _, name := range names {
		handle, err := s.locks.Acquire(ctx, "qa:"+name, "statistics")
		if err != nil {
			return Stats{}, err
		}
		c, err := s.loadLocked(name)
		if err != nil {
			handle.Release()
			if apperrors.IsNotFound(err) {
				continue
			}
			return Stats{}, err
		}
		stats.Categories[name] = c.count()
		stats.TotalPairs += c.count()
		stats.VectorIndexSize += len(c.rows)
		for _, p := range c.pairs {
			confidenceSum += p.Confidence
		}
		handle.Release()
	}
	if stats.TotalPairs > 0 {
		stats.AverageConfidence = confidenceSum / float64(stats.TotalPairs)
	}
	snap := s.latency.Snapshot()
	stats.QueryStats = QueryStats{
		TotalQueries:    s.queries.Load(),
		CacheHits:       s.cacheHits.Load(),
		AvgResponseTime: snap.Average.Seconds(),
	}
	return stats, nil
}

// ============================================================================
// EMBEDDING
// ============================================================================

// embedQuestion returns the question vector, consulting the vector cache
// first. The bool reports a cache hit.
func (s *Store) embedQuestion(ctx context.Context, question string) ([]float32, bool, error) {
	key := cache.Fingerprint(cache.PrefixEmbedding, question)
	if s.cache != nil {
		if raw, ok := s.cache.Get(ctx, cache.Vector, key); ok {
			if vec := decodeVector(raw, s.dim); vec != nil {
				return vec, true, nil
			}
		}
	}
	vecs, err := s.embedder.Embed(ctx, []string{question})
	if err != nil {
		return nil, false, err
	}
	if len(vecs) != 1 {
		return nil, false, apperrors.Internal("embedder returned %d vectors for one question", len(vecs))
	}
	if s.cache != nil {
		s.cache.Set(ctx, cache.Vector, key, encodeVector(vecs[0]))
	}
	return vecs[0], false, nil
}

func encodeVector(vec []float32) []byte {
	out := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

func decodeVector(raw []byte, dim int) []float32 {
	if len(raw) != 4*dim {
		return nil
	}
	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return vec
}
