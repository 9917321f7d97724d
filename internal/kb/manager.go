package kb

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ragserve/internal/concurrency"
	"ragserve/internal/config"
	apperrors "ragserve/internal/errors"
)

// DefaultKBName is created at startup and always exists.
const DefaultKBName = "default"

// listCacheTTL bounds how stale the KB listing may be.
const listCacheTTL = 5 * time.Minute

// backupMarker tags soft-deleted KB directories so listings skip them.
const backupMarker = "_backup_"

// Info is the listing view of one KB, echoing meta.json plus figures
// computed from the working directory.
type Info struct {
	Name          string   `json:"name"`
	Path          string   `json:"path"`
	CreatedAt     string   `json:"created_at"`
	DocumentCount int      `json:"document_count"`
	NodeCount     int      `json:"node_count"`
	EdgeCount     int      `json:"edge_count"`
	SizeMB        float64  `json:"size_mb"`
	SizeFormatted string   `json:"size_formatted"`
	Description   string   `json:"description"`
	Language      string   `json:"language"`
	Status        string   `json:"status"`
	Tags          []string `json:"tags"`
	Version       string   `json:"version"`
}

// Manager owns the knowledge-base table: creation, deletion, the current
// pointer, and open workspace handles. Create and delete serialize through
// the keyed lock table; the workspace table initializes once per KB.
type Manager struct {
	baseDir      string
	backupDir    string
	embeddingDim int
	locks        *concurrency.KeyedLocks
	open         *concurrency.OnceMap[*Workspace]
	logger       *zap.Logger

	mu        sync.RWMutex
	current   string
	listCache []Info
	listAt    time.Time
}

// NewManager builds the manager and guarantees the default KB exists with
// a full layout.
func NewManager(cfg *config.Config, locks *concurrency.KeyedLocks, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		baseDir:      cfg.Paths.WorkingDir,
		backupDir:    cfg.Paths.BackupDir,
		embeddingDim: cfg.Embedding.Dim,
		locks:        locks,
		open:         concurrency.NewOnceMap[*Workspace](),
		logger:       logger.Named("kb"),
		current:      DefaultKBName,
	}
	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return nil, apperrors.Storage("create working directory %s", m.baseDir).WithCause(err)
	}

	defaultDir := filepath.Join(m.baseDir, DefaultKBName)
	if _, err := os.Stat(defaultDir); os.IsNotExist(err) {
		if _, err := m.Create(context.Background(), DefaultKBName, "默认知识库", "中文", nil); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ============================================================================
// VALIDATION
// ============================================================================

// ValidateName enforces the KB naming rule: non-empty, at most 50 chars,
// letters, digits, underscore and hyphen only.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return apperrors.BadInput("knowledge base name must not be empty")
	}
	if len(name) > 50 {
		return apperrors.BadInput("knowledge base name must not exceed 50 characters")
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return apperrors.BadInput("knowledge base name may only contain letters, digits, underscore and hyphen")
		}
	}
	return nil
}

func (m *Manager) dirFor(name string) string {
	return filepath.Join(m.baseDir, name)
}

// ============================================================================
// CRUD
// ============================================================================

// Create lays out a new KB under a creation lock. The directory becomes
// visible to readers only after every layout file exists.
func (m *Manager) Create(ctx context.Context, name, description, language string, kbCfg *KBConfig) (Info, error) {
	if err := ValidateName(name); err != nil {
		return Info{}, err
	}
	if strings.Contains(name, backupMarker) {
		return Info{}, apperrors.BadInput("knowledge base name must not contain %q", backupMarker)
	}

	handle, err := m.locks.Acquire(ctx, "kb:"+name, "create")
	if err != nil {
		return Info{}, err
	}
	defer handle.Release()

	dir := m.dirFor(name)
	if _, err := os.Stat(dir); err == nil {
		return Info{}, apperrors.AlreadyExists("knowledge base %q already exists", name)
	}

	if language == "" {
		language = "中文"
	}
	cfg := DefaultKBConfig()
	if kbCfg != nil {
		cfg = *kbCfg
	}
	meta := Meta{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		Language:    language,
		Status:      "active",
		Version:     "1.0.0",
		Tags:        []string{},
		Config:      cfg,
		CreatedAt:   time.Now(),
	}

	if err := m.layout(dir, meta); err != nil {
		os.RemoveAll(dir)
		return Info{}, err
	}

	m.invalidateList()
	m.logger.Info("knowledge base created", zap.String("kb", name))
	return m.info(name, dir), nil
}

// layout writes the complete working directory: meta, the three KV
// stores, the empty graph, and the vector cache.
func (m *Manager) layout(dir string, meta Meta) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperrors.Storage("create %s", dir).WithCause(err)
	}
	if err := writeMeta(dir, meta); err != nil {
		return err
	}
	for _, name := range []string{FullDocsFileName, ChunksFileName, DocStatusFileName} {
		if _, err := OpenKVStore[struct{}](filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	if _, err := OpenGraph(filepath.Join(dir, GraphFileName)); err != nil {
		return err
	}
	if _, err := OpenVectorIndex(dir, m.embeddingDim); err != nil {
		return err
	}
	return nil
}

// Delete soft-deletes a KB by renaming its directory to a timestamped
// backup name. The current KB and the default KB require force. Returns
// the backup path.
func (m *Manager) Delete(ctx context.Context, name string, force bool) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	if !force {
		if name == DefaultKBName {
			return "", apperrors.BadInput("the default knowledge base requires force to delete")
		}
		if m.Current() == name {
			return "", apperrors.BadInput("knowledge base %q is current, pass force to delete it", name)
		}
	}

	handle, err := m.locks.Acquire(ctx, "kb:"+name, "delete")
	if err != nil {
		return "", err
	}
	defer handle.Release()

	dir := m.dirFor(name)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return "", apperrors.NotFound("knowledge base %q does not exist", name)
	}

	backupPath := fmt.Sprintf("%s%s%d", dir, backupMarker, time.Now().Unix())
	if err := os.Rename(dir, backupPath); err != nil {
		return "", apperrors.Storage("move %s aside", name).WithCause(err)
	}

	m.open.Delete(name)
	m.mu.Lock()
	if m.current == name {
		m.current = DefaultKBName
	}
	m.mu.Unlock()
	m.invalidateList()

	m.logger.Info("knowledge base deleted",
		zap.String("kb", name),
		zap.String("backup", backupPath))
	return backupPath, nil
}

// Switch points ambient queries at another KB. In-flight work against the
// previous KB keeps its workspace handle and finishes unaffected.
func (m *Manager) Switch(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	dir := m.dirFor(name)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return "", apperrors.NotFound("knowledge base %q does not exist", name)
	}

	m.mu.Lock()
	m.current = name
	m.mu.Unlock()
	m.logger.Info("switched current knowledge base", zap.String("kb", name))
	return dir, nil
}

// Current returns the name of the current KB.
func (m *Manager) Current() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Resolve picks the effective KB for a request: the override when given,
// else the current one.
func (m *Manager) Resolve(override string) string {
	if override != "" {
		return override
	}
	return m.Current()
}

// OpenCount reports how many workspaces are resident in memory.
func (m *Manager) OpenCount() int {
	return m.open.Len()
}

// Open returns the workspace handle for a KB, loading its stores at most
// once.
func (m *Manager) Open(ctx context.Context, name string) (*Workspace, error) {
	if name == "" {
		name = m.Current()
	}
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	return m.open.GetOrInit(name, func() (*Workspace, error) {
		return OpenWorkspace(name, m.dirFor(name), m.embeddingDim, m.logger)
	})
}

// ============================================================================
// LISTING AND INFO
// ============================================================================

// List returns every KB, newest first. The listing is cached briefly;
// pass useCache=false to force a rescan.
func (m *Manager) List(useCache bool) []Info {
	m.mu.RLock()
	if useCache && m.listCache != nil && time.Since(m.listAt) < listCacheTTL {
		cached := m.listCache
		m.mu.RUnlock()
		return cached
	}
	m.mu.RUnlock()

	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		m.logger.Error("list knowledge bases", zap.Error(err))
		return nil
	}

	infos := make([]Info, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.Contains(entry.Name(), backupMarker) {
			continue
		}
		infos = append(infos, m.info(entry.Name(), filepath.Join(m.baseDir, entry.Name())))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt > infos[j].CreatedAt })

	m.mu.Lock()
	m.listCache = infos
	m.listAt = time.Now()
	m.mu.Unlock()
	return infos
}

// Info returns the listing view of one KB.
func (m *Manager) Info(name string) (Info, error) {
	if err := ValidateName(name); err != nil {
		return Info{}, err
	}
	dir := m.dirFor(name)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return Info{}, apperrors.NotFound("knowledge base %q does not exist", name)
	}
	return m.info(name, dir), nil
}

// CurrentInfo returns the listing view of the current KB.
func (m *Manager) CurrentInfo() (Info, error) {
	return m.Info(m.Current())
}

func (m *Manager) info(name, dir string) Info {
	info := Info{
		Name:     name,
		Path:     dir,
		Language: "中文",
		Version:  "1.0.0",
		Tags:     []string{},
		Status:   m.statusOf(dir),
	}

	if meta, err := readMeta(dir); err == nil {
		info.Description = meta.Description
		if meta.Language != "" {
			info.Language = meta.Language
		}
		if meta.Version != "" {
			info.Version = meta.Version
		}
		if meta.Tags != nil {
			info.Tags = meta.Tags
		}
		if !meta.CreatedAt.IsZero() {
			info.CreatedAt = meta.CreatedAt.Format(time.RFC3339)
		}
	}
	if info.CreatedAt == "" {
		if stat, err := os.Stat(dir); err == nil {
			info.CreatedAt = stat.ModTime().Format(time.RFC3339)
		}
	}

	info.DocumentCount = countJSONKeys(filepath.Join(dir, FullDocsFileName))
	info.NodeCount, info.EdgeCount = countGraphElements(filepath.Join(dir, GraphFileName))

	size := dirSize(dir)
	info.SizeMB = float64(size) / (1 << 20)
	info.SizeFormatted = formatSize(size)
	return info
}

// statusOf derives readiness from which layout files exist: no document
// store means incomplete, no graph means a build is still pending.
func (m *Manager) statusOf(dir string) string {
	if _, err := os.Stat(filepath.Join(dir, FullDocsFileName)); os.IsNotExist(err) {
		return StatusIncomplete
	}
	if _, err := os.Stat(filepath.Join(dir, GraphFileName)); os.IsNotExist(err) {
		return StatusBuilding
	}
	return StatusReady
}

func (m *Manager) invalidateList() {
	m.mu.Lock()
	m.listCache = nil
	m.mu.Unlock()
}

// ============================================================================
// CONFIG UPDATE
// ============================================================================

// ConfigPatch is a partial meta.json update; nil fields stay untouched.
type ConfigPatch struct {
	Description      *string  `json:"description"`
	Language         *string  `json:"language"`
	Tags             []string `json:"tags"`
	ChunkSize        *int     `json:"chunk_size"`
	ChunkOverlap     *int     `json:"chunk_overlap"`
	EnableAutoUpdate *bool    `json:"enable_auto_update"`
}

// UpdateConfig merges a patch into meta.json. Stored documents are never
// touched; only future ingest and retrieval behavior changes.
func (m *Manager) UpdateConfig(ctx context.Context, name string, patch ConfigPatch) (Meta, error) {
	if err := ValidateName(name); err != nil {
		return Meta{}, err
	}

	handle, err := m.locks.Acquire(ctx, "kb:"+name, "update-config")
	if err != nil {
		return Meta{}, err
	}
	defer handle.Release()

	dir := m.dirFor(name)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return Meta{}, apperrors.NotFound("knowledge base %q does not exist", name)
	}

	meta, err := readMeta(dir)
	if err != nil {
		return Meta{}, apperrors.Storage("read meta.json for %s", name).WithCause(err)
	}
	if patch.Description != nil {
		meta.Description = *patch.Description
	}
	if patch.Language != nil {
		meta.Language = *patch.Language
	}
	if patch.Tags != nil {
		meta.Tags = patch.Tags
	}
	if patch.ChunkSize != nil {
		if *patch.ChunkSize <= 0 {
			return Meta{}, apperrors.BadInput("chunk_size must be positive")
		}
		meta.Config.ChunkSize = *patch.ChunkSize
	}
	if patch.ChunkOverlap != nil {
		if *patch.ChunkOverlap < 0 {
			return Meta{}, apperrors.BadInput("chunk_overlap must not be negative")
		}
		meta.Config.ChunkOverlap = *patch.ChunkOverlap
	}
	if patch.EnableAutoUpdate != nil {
		meta.Config.EnableAutoUpdate = *patch.EnableAutoUpdate
	}

	if err := writeMeta(dir, meta); err != nil {
		return Meta{}, err
	}

	// a reopened workspace sees the new tuning
	m.open.Delete(name)
	m.invalidateList()
	m.logger.Info("knowledge base config updated", zap.String("kb", name))
	return meta, nil
}

// ============================================================================
// HELPERS
// ============================================================================

// countJSONKeys reads a KV file and returns its top-level key count.
func countJSONKeys(path string) int {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	var data map[string]json.RawMessage
	if err := json.Unmarshal(raw, &data); err != nil {
		return 0
	}
	return len(data)
}

// countGraphElements counts nodes and edges without a full decode.
func countGraphElements(path string) (int, int) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, 0
	}
	content := string(raw)
	return strings.Count(content, "<node "), strings.Count(content, "<edge ")
}

func dirSize(dir string) int64 {
	var total int64
	filepath.WalkDir(dir, func(_ string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if fi, err := d.Info(); err == nil {
			total += fi.Size()
		}
		return nil
	})
	return total
}

func formatSize(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.2fGB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.2fMB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.2fKB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%dB", n)
	}
}
