package kb

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ragserve/internal/concurrency"
	"ragserve/internal/config"
	apperrors "ragserve/internal/errors"
	"ragserve/internal/llm"
)

// NewTrackID mints a correlation id for an ingest operation.
func NewTrackID(prefix string) string {
	return fmt.Sprintf("%s_%s_%s", prefix, time.Now().Format("20060102_150405"), uuid.NewString()[:8])
}

// docIDFor derives a stable document id from content, so re-inserting the
// same text is a no-op.
func docIDFor(content string) string {
	sum := sha256.Sum256([]byte(content))
	return "doc-" + hex.EncodeToString(sum[:8])
}

func chunkIDFor(docID string, order int, content string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s", docID, order, content)))
	return "chunk-" + hex.EncodeToString(sum[:8])
}

// InsertRequest is one text heading into a KB.
type InsertRequest struct {
	Text          string
	KnowledgeBase string
	Source        string
	DocID         string
	TrackID       string
}

// InsertReceipt reports the outcome for one document.
type InsertReceipt struct {
	DocID         string `json:"doc_id"`
	TrackID       string `json:"track_id"`
	KnowledgeBase string `json:"knowledge_base"`
	Status        string `json:"status"`
	ChunkCount    int    `json:"chunk_count"`
	Duplicate     bool   `json:"duplicate"`
}

// Ingestor runs the insert pipeline: chunk, embed, persist, then build
// graph updates in the background. Writes into one KB serialize through
// the keyed lock table so readers never see a half-ingested document.
type Ingestor struct {
	manager  *Manager
	embedder llm.Embedder
	builder  GraphBuilder
	locks    *concurrency.KeyedLocks
	upload   config.UploadConfig
	logger   *zap.Logger
	builds   *errgroup.Group
}

// NewIngestor builds the pipeline. Background graph builds are capped so
// a burst of inserts cannot monopolize the process.
func NewIngestor(manager *Manager, embedder llm.Embedder, builder GraphBuilder, locks *concurrency.KeyedLocks, upload config.UploadConfig, logger *zap.Logger) *Ingestor {
	builds := &errgroup.Group{}
	builds.SetLimit(2)
	if builder == nil {
		builder = NewHeuristicGraphBuilder()
	}
	return &Ingestor{
		manager:  manager,
		embedder: embedder,
		builder:  builder,
		locks:    locks,
		upload:   upload,
		logger:   logger.Named("ingest"),
		builds:   builds,
	}
}

// Wait blocks until all scheduled graph builds finish. Called on shutdown
// and by tests.
func (ing *Ingestor) Wait() {
	ing.builds.Wait()
}

// InsertText runs the pipeline for one text and returns when the document
// is ready (graph updates continue in the background).
func (ing *Ingestor) InsertText(ctx context.Context, req InsertRequest) (InsertReceipt, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return InsertReceipt{}, apperrors.BadInput("text must not be empty")
	}

	kbName := ing.manager.Resolve(req.KnowledgeBase)
	ws, err := ing.manager.Open(ctx, kbName)
	if err != nil {
		return InsertReceipt{}, err
	}

	docID := req.DocID
	if docID == "" {
		docID = docIDFor(text)
	}
	trackID := req.TrackID
	if trackID == "" {
		trackID = NewTrackID("insert")
	}
	receipt := InsertReceipt{DocID: docID, TrackID: trackID, KnowledgeBase: kbName}

	handle, err := ing.locks.Acquire(ctx, "kb-write:"+kbName, "insert")
	if err != nil {
		return InsertReceipt{}, err
	}
	defer handle.Release()

	if ws.Docs().Has(docID) {
		receipt.Status = DocStatusReady
		receipt.Duplicate = true
		ing.logger.Debug("duplicate document skipped",
			zap.String("kb", kbName), zap.String("doc", docID))
		return receipt, nil
	}

	now := time.Now()
	if err := ws.Status().Set(docID, DocStatus{
		Status: DocStatusPending, TrackID: trackID, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		return InsertReceipt{}, err
	}

	chunks := chunkText(text, ws.Meta().Config.ChunkSize, ws.Meta().Config.ChunkOverlap)
	ing.setStatus(ws, docID, trackID, DocStatusProcessing, len(chunks), "")

	vectors, err := ing.embedder.Embed(ctx, chunks)
	if err != nil {
		ing.setStatus(ws, docID, trackID, DocStatusFailed, 0, err.Error())
		return InsertReceipt{}, err
	}

	chunkIDs := make([]string, len(chunks))
	records := make(map[string]ChunkRecord, len(chunks))
	for i, content := range chunks {
		id := chunkIDFor(docID, i, content)
		chunkIDs[i] = id
		records[id] = ChunkRecord{
			DocID:   docID,
			Content: content,
			Tokens:  utf8.RuneCountInString(content),
			Order:   i,
		}
	}

	// vectors land before chunk records; an interrupted insert leaves
	// orphan vectors, never chunks without vectors
	if err := ws.Vectors().Upsert(chunkIDs, vectors); err != nil {
		ing.setStatus(ws, docID, trackID, DocStatusFailed, 0, err.Error())
		return InsertReceipt{}, err
	}
	if err := ws.Chunks().SetMany(records); err != nil {
		ws.Vectors().Remove(chunkIDs...)
		ing.setStatus(ws, docID, trackID, DocStatusFailed, 0, err.Error())
		return InsertReceipt{}, err
	}
	if err := ws.Docs().Set(docID, DocumentRecord{
		Content: text, Source: req.Source, TrackID: trackID, CreatedAt: now,
	}); err != nil {
		ws.Chunks().Delete(chunkIDs...)
		ws.Vectors().Remove(chunkIDs...)
		ing.setStatus(ws, docID, trackID, DocStatusFailed, 0, err.Error())
		return InsertReceipt{}, err
	}

	ing.setStatus(ws, docID, trackID, DocStatusReady, len(chunks), "")
	receipt.Status = DocStatusReady
	receipt.ChunkCount = len(chunks)

	ing.scheduleGraphBuild(ws, docID, chunkIDs, records)

	ing.logger.Info("document ingested",
		zap.String("kb", kbName),
		zap.String("doc", docID),
		zap.String("track_id", trackID),
		zap.Int("chunks", len(chunks)))
	return receipt, nil
}

func (ing *Ingestor) setStatus(ws *Workspace, docID, trackID, status string, chunkCount int, errMsg string) {
	err := ws.Status().Update(docID, func(s DocStatus) DocStatus {
		if s.CreatedAt.IsZero() {
			s.CreatedAt = time.Now()
		}
		s.Status = status
		s.TrackID = trackID
		s.ChunkCount = chunkCount
		s.Error = errMsg
		s.UpdatedAt = time.Now()
		return s
	})
	if err != nil {
		ing.logger.Error("persist document status",
			zap.String("doc", docID), zap.Error(err))
	}
}

// scheduleGraphBuild queues the entity extraction for a ready document.
func (ing *Ingestor) scheduleGraphBuild(ws *Workspace, docID string, chunkIDs []string, records map[string]ChunkRecord) {
	ordered := make([]ChunkRecord, 0, len(chunkIDs))
	for _, id := range chunkIDs {
		ordered = append(ordered, records[id])
	}
	ing.builds.Go(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		nodes, edges, err := ing.builder.Build(ctx, docID, ordered)
		if err != nil {
			ing.logger.Warn("graph build failed",
				zap.String("doc", docID), zap.Error(err))
			return nil
		}
		if len(nodes) == 0 && len(edges) == 0 {
			return nil
		}
		if err := ws.Graph().UpsertBatch(nodes, edges); err != nil {
			ing.logger.Error("persist graph update",
				zap.String("doc", docID), zap.Error(err))
		}
		return nil
	})
}

// InsertTexts runs the pipeline for each text. One failing text does not
// abort the rest; its receipt carries the failed status.
func (ing *Ingestor) InsertTexts(ctx context.Context, reqs []InsertRequest) ([]InsertReceipt, error) {
	if len(reqs) == 0 {
		return nil, apperrors.BadInput("texts must not be empty")
	}
	receipts := make([]InsertReceipt, 0, len(reqs))
	for _, req := range reqs {
		receipt, err := ing.InsertText(ctx, req)
		if err != nil {
			receipt.Status = DocStatusFailed
			receipt.KnowledgeBase = ing.manager.Resolve(req.KnowledgeBase)
			ing.logger.Warn("text in batch failed", zap.Error(err))
		}
		receipts = append(receipts, receipt)
	}
	return receipts, nil
}

// ============================================================================
// FILES
// ============================================================================

// InsertFile extracts text from a server-local file and ingests it.
func (ing *Ingestor) InsertFile(ctx context.Context, path, kbName string) (InsertReceipt, error) {
	text, err := ing.extractFile(path)
	if err != nil {
		return InsertReceipt{}, err
	}
	return ing.InsertText(ctx, InsertRequest{
		Text:          text,
		KnowledgeBase: kbName,
		Source:        filepath.Base(path),
	})
}

// InsertDirectory walks a server-local directory and ingests every file
// with an allowed extension.
func (ing *Ingestor) InsertDirectory(ctx context.Context, dir, kbName string) ([]InsertReceipt, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NotFound("directory %q does not exist", dir)
		}
		return nil, apperrors.Storage("stat %s", dir).WithCause(err)
	}
	if !info.IsDir() {
		return nil, apperrors.BadInput("%q is not a directory", dir)
	}

	var receipts []InsertReceipt
	walkErr := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if !ing.allowedType(path) {
			return nil
		}
		receipt, err := ing.InsertFile(ctx, path, kbName)
		if err != nil {
			ing.logger.Warn("file skipped during directory insert",
				zap.String("file", path), zap.Error(err))
			return nil
		}
		receipts = append(receipts, receipt)
		return nil
	})
	if walkErr != nil {
		return receipts, apperrors.Storage("walk %s", dir).WithCause(walkErr)
	}
	if len(receipts) == 0 {
		return nil, apperrors.BadInput("directory %q holds no ingestible files", dir)
	}
	return receipts, nil
}

func (ing *Ingestor) allowedType(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, allowed := range ing.upload.AllowedFileTypes {
		if ext == strings.ToLower(allowed) {
			return true
		}
	}
	return false
}

// extractFile pulls plain text out of a file. Text-based formats are read
// directly; binary document formats need an external converter and are
// rejected here.
func (ing *Ingestor) extractFile(path string) (string, error) {
	if !ing.allowedType(path) {
		return "", apperrors.BadInput("file type %q is not allowed", filepath.Ext(path))
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", apperrors.NotFound("file %q does not exist", path)
		}
		return "", apperrors.Storage("stat %s", path).WithCause(err)
	}
	if ing.upload.MaxFileSize > 0 && info.Size() > ing.upload.MaxFileSize {
		return "", apperrors.BadInput("file exceeds the %d byte limit", ing.upload.MaxFileSize)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md", ".csv", ".json", ".log":
		raw, err := os.ReadFile(path)
		if err != nil {
			return "", apperrors.Storage("read %s", path).WithCause(err)
		}
		if !utf8.Valid(raw) {
			return "", apperrors.BadInput("file %q is not valid UTF-8 text", filepath.Base(path))
		}
		return string(raw), nil
	default:
		return "", apperrors.BadInput("no text extractor for %q files in this deployment", filepath.Ext(path))
	}
}

// ============================================================================
// CHUNKING
// ============================================================================

// chunkText splits text into overlapping windows of roughly size runes,
// preferring sentence and line boundaries in the back half of a window.
func chunkText(text string, size, overlap int) []string {
	if size <= 0 {
		size = 1024
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	runes := []rune(text)
	if len(runes) <= size {
		return []string{text}
	}

	var chunks []string
	step := size - overlap
	for start := 0; start < len(runes); {
		end := start + size
		if end >= len(runes) {
			chunks = append(chunks, strings.TrimSpace(string(runes[start:])))
			break
		}
		cut := boundaryBefore(runes, start+size/2, end)
		chunks = append(chunks, strings.TrimSpace(string(runes[start:cut])))
		next := cut - overlap
		if next <= start {
			next = start + step
		}
		start = next
	}

	out := chunks[:0]
	for _, c := range chunks {
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

// boundaryBefore scans backward from end for a sentence or line break,
// refusing to cut before min.
func boundaryBefore(runes []rune, min, end int) int {
	for i := end - 1; i > min; i-- {
		switch runes[i] {
		case '\n', '。', '！', '？', '.', '!', '?', '；', ';':
			return i + 1
		}
	}
	return end
}

// ============================================================================
// GRAPH BUILDERS
// ============================================================================

// GraphBuilder extracts entities and relations from a document's chunks.
type GraphBuilder interface {
	Build(ctx context.Context, docID string, chunks []ChunkRecord) ([]GraphNode, []GraphEdge, error)
}

// HeuristicGraphBuilder needs no model: entities are capitalized ASCII
// word runs and repeated CJK sequences; chunk co-occurrence makes edges.
type HeuristicGraphBuilder struct{}

// NewHeuristicGraphBuilder returns the model-free builder.
func NewHeuristicGraphBuilder() *HeuristicGraphBuilder {
	return &HeuristicGraphBuilder{}
}

// Build extracts entities per chunk and links co-occurring pairs.
func (b *HeuristicGraphBuilder) Build(_ context.Context, docID string, chunks []ChunkRecord) ([]GraphNode, []GraphEdge, error) {
	nodeSet := make(map[string]*GraphNode)
	edgeSet := make(map[string]*GraphEdge)

	for _, chunk := range chunks {
		entities := extractEntities(chunk.Content)
		chunkID := chunkIDFor(docID, chunk.Order, chunk.Content)
		for _, entity := range entities {
			if node, ok := nodeSet[entity]; ok {
				node.SourceID = mergeField(node.SourceID, chunkID)
			} else {
				nodeSet[entity] = &GraphNode{ID: entity, EntityType: "concept", SourceID: chunkID}
			}
		}
		for i := 0; i < len(entities); i++ {
			for j := i + 1; j < len(entities); j++ {
				key := edgeKey(entities[i], entities[j])
				if edge, ok := edgeSet[key]; ok {
					edge.Weight++
				} else {
					src, dst := entities[i], entities[j]
					if dst < src {
						src, dst = dst, src
					}
					edgeSet[key] = &GraphEdge{Source: src, Target: dst, Weight: 1}
				}
			}
		}
	}

	nodes := make([]GraphNode, 0, len(nodeSet))
	for _, n := range nodeSet {
		nodes = append(nodes, *n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	edges := make([]GraphEdge, 0, len(edgeSet))
	for _, e := range edgeSet {
		edges = append(edges, *e)
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Source != edges[j].Source {
			return edges[i].Source < edges[j].Source
		}
		return edges[i].Target < edges[j].Target
	})
	return nodes, edges, nil
}

// extractEntities finds candidate entity strings: capitalized ASCII word
// sequences of up to four words, and CJK runs of two or more characters.
func extractEntities(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(s string) {
		s = strings.TrimSpace(s)
		if len([]rune(s)) < 2 {
			return
		}
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}

	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != ' '
	})
	for _, segment := range words {
		var run []string
		flush := func() {
			if len(run) > 0 && len(run) <= 4 {
				add(strings.Join(run, " "))
			}
			run = nil
		}
		for _, w := range strings.Fields(segment) {
			first, _ := utf8.DecodeRuneInString(w)
			if unicode.IsUpper(first) {
				run = append(run, w)
			} else {
				flush()
			}
		}
		flush()
	}

	var cjk []rune
	for _, r := range text {
		if unicode.Is(unicode.Han, r) {
			cjk = append(cjk, r)
			continue
		}
		if len(cjk) >= 2 && len(cjk) <= 8 {
			add(string(cjk))
		}
		cjk = nil
	}
	if len(cjk) >= 2 && len(cjk) <= 8 {
		add(string(cjk))
	}

	sort.Strings(out)
	return out
}

// LLMGraphBuilder asks the chat model for entities and relations, falling
// back to the heuristic builder when the model is unavailable or returns
// garbage.
type LLMGraphBuilder struct {
	chat     llm.ChatClient
	fallback *HeuristicGraphBuilder
	logger   *zap.Logger
}

// NewLLMGraphBuilder wires the model-backed builder.
func NewLLMGraphBuilder(chat llm.ChatClient, logger *zap.Logger) *LLMGraphBuilder {
	return &LLMGraphBuilder{
		chat:     chat,
		fallback: NewHeuristicGraphBuilder(),
		logger:   logger.Named("graph-build"),
	}
}

const graphExtractionPrompt = `Extract the named entities and the relations between them from the text.
Answer with JSON only, in this exact shape:
{"entities":[{"name":"...","type":"...","description":"..."}],"relations":[{"source":"...","target":"...","description":"...","keywords":"..."}]}`

type graphExtraction struct {
	Entities []struct {
		Name        string `json:"name"`
		Type        string `json:"type"`
		Description string `json:"description"`
	} `json:"entities"`
	Relations []struct {
		Source      string `json:"source"`
		Target      string `json:"target"`
		Description string `json:"description"`
		Keywords    string `json:"keywords"`
	} `json:"relations"`
}

// Build extracts per chunk via the model and merges the results.
func (b *LLMGraphBuilder) Build(ctx context.Context, docID string, chunks []ChunkRecord) ([]GraphNode, []GraphEdge, error) {
	if b.chat == nil || !b.chat.Available() {
		return b.fallback.Build(ctx, docID, chunks)
	}

	var nodes []GraphNode
	var edges []GraphEdge
	for _, chunk := range chunks {
		reply, err := b.chat.Complete(ctx, llm.ChatRequest{
			System:   graphExtractionPrompt,
			Messages: []llm.Message{{Role: "user", Content: chunk.Content}},
		})
		if err != nil {
			b.logger.Warn("entity extraction fell back to heuristics", zap.Error(err))
			return b.fallback.Build(ctx, docID, chunks)
		}

		var parsed graphExtraction
		if err := json.Unmarshal([]byte(llm.ExtractJSON(reply)), &parsed); err != nil {
			b.logger.Warn("entity extraction reply was not valid JSON", zap.Error(err))
			continue
		}
		chunkID := chunkIDFor(docID, chunk.Order, chunk.Content)
		for _, e := range parsed.Entities {
			if e.Name == "" {
				continue
			}
			nodes = append(nodes, GraphNode{
				ID:          e.Name,
				EntityType:  e.Type,
				Description: e.Description,
				SourceID:    chunkID,
			})
		}
		for _, r := range parsed.Relations {
			if r.Source == "" || r.Target == "" {
				continue
			}
			edges = append(edges, GraphEdge{
				Source:      r.Source,
				Target:      r.Target,
				Weight:      1,
				Description: r.Description,
				Keywords:    r.Keywords,
			})
		}
	}
	return nodes, edges, nil
}
