package kb

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	apperrors "ragserve/internal/errors"
)

// Working-directory file names. Every KB carries exactly this layout.
const (
	MetaFileName      = "meta.json"
	FullDocsFileName  = "kv_store_full_docs.json"
	ChunksFileName    = "kv_store_text_chunks.json"
	DocStatusFileName = "kv_store_doc_status.json"
)

// Document lifecycle states tracked in kv_store_doc_status.json.
const (
	DocStatusPending    = "pending"
	DocStatusProcessing = "processing"
	DocStatusReady      = "ready"
	DocStatusFailed     = "failed"
)

// KB readiness states derived from which layout files exist.
const (
	StatusReady      = "ready"
	StatusBuilding   = "building"
	StatusIncomplete = "incomplete"
)

// DocumentRecord is one stored document in kv_store_full_docs.json.
type DocumentRecord struct {
	Content   string    `json:"content"`
	Source    string    `json:"source,omitempty"`
	TrackID   string    `json:"track_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ChunkRecord is one retrieval unit in kv_store_text_chunks.json.
type ChunkRecord struct {
	DocID   string `json:"full_doc_id"`
	Content string `json:"content"`
	Tokens  int    `json:"tokens"`
	Order   int    `json:"chunk_order_index"`
}

// DocStatus tracks one document through the ingest pipeline.
type DocStatus struct {
	Status     string    `json:"status"`
	TrackID    string    `json:"track_id,omitempty"`
	ChunkCount int       `json:"chunks_count"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// KBConfig is the per-KB tuning block inside meta.json.
type KBConfig struct {
	ChunkSize        int  `json:"chunk_size"`
	ChunkOverlap     int  `json:"chunk_overlap"`
	EnableAutoUpdate bool `json:"enable_auto_update"`
}

// DefaultKBConfig returns the tuning applied when create omits a config.
func DefaultKBConfig() KBConfig {
	return KBConfig{ChunkSize: 1024, ChunkOverlap: 50, EnableAutoUpdate: true}
}

// Meta is the meta.json record of one KB.
type Meta struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Language    string    `json:"language"`
	Status      string    `json:"status"`
	Version     string    `json:"version"`
	Tags        []string  `json:"tags"`
	Config      KBConfig  `json:"config"`
	CreatedAt   time.Time `json:"created_at"`
}

func readMeta(dir string) (Meta, error) {
	raw, err := os.ReadFile(filepath.Join(dir, MetaFileName))
	if err != nil {
		return Meta{}, err
	}
	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Meta{}, err
	}
	return meta, nil
}

func writeMeta(dir string, meta Meta) error {
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return apperrors.Storage("encode meta.json").WithCause(err)
	}
	return atomicWrite(filepath.Join(dir, MetaFileName), raw)
}

// ============================================================================
// WORKSPACE
// ============================================================================

// Workspace is an open handle on one KB working directory. All stores are
// loaded; the handle stays valid until the KB is deleted, after which
// storage calls fail with not-found from the filesystem.
type Workspace struct {
	name    string
	dir     string
	meta    Meta
	docs    *KVStore[DocumentRecord]
	chunks  *KVStore[ChunkRecord]
	status  *KVStore[DocStatus]
	graph   *Graph
	vectors *VectorIndex
}

// OpenWorkspace loads every store under dir. A partially created layout is
// healed in place; the missing pieces are logged before being recreated.
func OpenWorkspace(name, dir string, embeddingDim int, logger *zap.Logger) (*Workspace, error) {
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NotFound("knowledge base %q does not exist", name)
		}
		return nil, apperrors.Storage("stat %s", dir).WithCause(err)
	}

	if missing := missingLayoutFiles(dir); len(missing) > 0 {
		logger.Warn("knowledge base layout is incomplete, healing",
			zap.String("kb", name),
			zap.Strings("missing", missing))
	}

	meta, err := readMeta(dir)
	if err != nil {
		meta = Meta{
			Name:      name,
			Language:  "中文",
			Status:    "active",
			Version:   "1.0.0",
			Tags:      []string{},
			Config:    DefaultKBConfig(),
			CreatedAt: time.Now(),
		}
		if err := writeMeta(dir, meta); err != nil {
			return nil, err
		}
	}
	if meta.Config.ChunkSize <= 0 {
		meta.Config = DefaultKBConfig()
	}

	docs, err := OpenKVStore[DocumentRecord](filepath.Join(dir, FullDocsFileName))
	if err != nil {
		return nil, err
	}
	chunks, err := OpenKVStore[ChunkRecord](filepath.Join(dir, ChunksFileName))
	if err != nil {
		return nil, err
	}
	status, err := OpenKVStore[DocStatus](filepath.Join(dir, DocStatusFileName))
	if err != nil {
		return nil, err
	}
	graph, err := OpenGraph(filepath.Join(dir, GraphFileName))
	if err != nil {
		return nil, err
	}
	vectors, err := OpenVectorIndex(dir, embeddingDim)
	if err != nil {
		return nil, err
	}

	return &Workspace{
		name:    name,
		dir:     dir,
		meta:    meta,
		docs:    docs,
		chunks:  chunks,
		status:  status,
		graph:   graph,
		vectors: vectors,
	}, nil
}

// missingLayoutFiles lists required files absent from an existing KB dir.
func missingLayoutFiles(dir string) []string {
	var missing []string
	for _, name := range []string{MetaFileName, FullDocsFileName, ChunksFileName, DocStatusFileName, GraphFileName} {
		if _, err := os.Stat(filepath.Join(dir, name)); os.IsNotExist(err) {
			missing = append(missing, name)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, vectorCacheDir)); os.IsNotExist(err) {
		missing = append(missing, vectorCacheDir+"/")
	}
	return missing
}

// Name returns the KB name.
func (w *Workspace) Name() string { return w.name }

// Dir returns the working directory.
func (w *Workspace) Dir() string { return w.dir }

// Meta returns the meta.json record as loaded.
func (w *Workspace) Meta() Meta { return w.meta }

// Docs is the full-document store.
func (w *Workspace) Docs() *KVStore[DocumentRecord] { return w.docs }

// Chunks is the chunk store.
func (w *Workspace) Chunks() *KVStore[ChunkRecord] { return w.chunks }

// Status is the document status store.
func (w *Workspace) Status() *KVStore[DocStatus] { return w.status }

// Graph is the entity graph.
func (w *Workspace) Graph() *Graph { return w.graph }

// Vectors is the chunk vector index.
func (w *Workspace) Vectors() *VectorIndex { return w.vectors }
