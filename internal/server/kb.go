package server

import (
	"net/http"

	apperrors "ragserve/internal/errors"
	"ragserve/internal/kb"
	"ragserve/pkg/api"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// KBHandler serves knowledge-base lifecycle and knowledge-graph routes.
type KBHandler struct {
	manager *kb.Manager
	logger  *zap.Logger
}

// NewKBHandler wires the knowledge-base surface.
func NewKBHandler(manager *kb.Manager, logger *zap.Logger) *KBHandler {
	return &KBHandler{manager: manager, logger: logger}
}

type createKBRequest struct {
	Name        string       `json:"name" validate:"required"`
	Description string       `json:"description" validate:"omitempty,max=500"`
	Language    string       `json:"language" validate:"omitempty,max=50"`
	Config      *kb.KBConfig `json:"config"`
}

type switchKBRequest struct {
	Name string `json:"name" validate:"required"`
}

type restoreKBRequest struct {
	BackupPath string `json:"backup_path" validate:"required"`
}

type subgraphRequest struct {
	NodeLabel     string `json:"node_label" validate:"required,max=500"`
	MaxDepth      int    `json:"max_depth" validate:"omitempty,min=1,max=10"`
	MaxNodes      int    `json:"max_nodes" validate:"omitempty,min=10,max=5000"`
	KnowledgeBase string `json:"knowledge_base"`
}

// List answers GET /knowledge-bases.
func (h *KBHandler) List(w http.ResponseWriter, r *http.Request) {
	infos := h.manager.List(true)
	api.Success(w, "Knowledge bases listed", map[string]interface{}{
		"knowledge_bases": infos,
		"current":         h.manager.Current(),
		"total":           len(infos),
	})
}

// Create answers POST /knowledge-bases.
func (h *KBHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createKBRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validateStruct(req); err != nil {
		writeError(w, err)
		return
	}
	info, err := h.manager.Create(r.Context(), req.Name, req.Description, req.Language, req.Config)
	if err != nil {
		audit(h.logger, r, "kb.create", "denied", zap.String("kb", req.Name), zap.Error(err))
		writeError(w, err)
		return
	}
	audit(h.logger, r, "kb.create", "allowed", zap.String("kb", req.Name))
	api.Success(w, "Knowledge base created successfully", info)
}

// Delete answers DELETE /knowledge-bases/{name}. The directory is renamed,
// not destroyed; deleting the current KB requires force=true.
func (h *KBHandler) Delete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	force := r.URL.Query().Get("force") == "true"
	backup, err := h.manager.Delete(r.Context(), name, force)
	if err != nil {
		audit(h.logger, r, "kb.delete", "denied", zap.String("kb", name), zap.Error(err))
		writeError(w, err)
		return
	}
	audit(h.logger, r, "kb.delete", "allowed",
		zap.String("kb", name), zap.String("backup", backup), zap.Bool("force", force))
	api.Success(w, "Knowledge base deleted", map[string]interface{}{
		"name":   name,
		"backup": backup,
	})
}

// Switch answers POST /knowledge-bases/switch.
func (h *KBHandler) Switch(w http.ResponseWriter, r *http.Request) {
	var req switchKBRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validateStruct(req); err != nil {
		writeError(w, err)
		return
	}
	previous := h.manager.Current()
	if _, err := h.manager.Switch(req.Name); err != nil {
		writeError(w, err)
		return
	}
	api.Success(w, "Switched knowledge base", map[string]interface{}{
		"previous": previous,
		"current":  req.Name,
	})
}

// Current answers GET /knowledge-bases/current.
func (h *KBHandler) Current(w http.ResponseWriter, r *http.Request) {
	info, err := h.manager.CurrentInfo()
	if err != nil {
		writeError(w, err)
		return
	}
	api.Success(w, "Current knowledge base", info)
}

// UpdateConfig answers PUT /knowledge-bases/{name}/config with a partial
// metadata patch.
func (h *KBHandler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var patch kb.ConfigPatch
	if err := decode(w, r, &patch); err != nil {
		writeError(w, err)
		return
	}
	meta, err := h.manager.UpdateConfig(r.Context(), name, patch)
	if err != nil {
		writeError(w, err)
		return
	}
	api.Success(w, "Knowledge base config updated", meta)
}

// Backup answers POST /knowledge-bases/{name}/backup.
func (h *KBHandler) Backup(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	path, err := h.manager.Backup(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	audit(h.logger, r, "kb.backup", "allowed", zap.String("kb", name), zap.String("path", path))
	api.Success(w, "Backup created", map[string]interface{}{
		"name":        name,
		"backup_path": path,
	})
}

// Restore answers POST /knowledge-bases/{name}/restore, unpacking a backup
// archive over the named KB.
func (h *KBHandler) Restore(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req restoreKBRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validateStruct(req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.manager.Restore(r.Context(), name, req.BackupPath); err != nil {
		audit(h.logger, r, "kb.restore", "denied", zap.String("kb", name), zap.Error(err))
		writeError(w, err)
		return
	}
	audit(h.logger, r, "kb.restore", "allowed",
		zap.String("kb", name), zap.String("archive", req.BackupPath))
	api.Success(w, "Knowledge base restored", map[string]interface{}{
		"name":    name,
		"archive": req.BackupPath,
	})
}

// Subgraph answers POST /knowledge-graph: the neighborhood of one label.
func (h *KBHandler) Subgraph(w http.ResponseWriter, r *http.Request) {
	var req subgraphRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validateStruct(req); err != nil {
		writeError(w, err)
		return
	}
	if req.MaxDepth == 0 {
		req.MaxDepth = 3
	}
	if req.MaxNodes == 0 {
		req.MaxNodes = 1000
	}

	ws, err := h.workspace(r, req.KnowledgeBase)
	if err != nil {
		writeError(w, err)
		return
	}
	sub, err := ws.Graph().Subgraph(req.NodeLabel, req.MaxDepth, req.MaxNodes)
	if err != nil {
		writeError(w, err)
		return
	}
	api.Success(w, "Subgraph extracted", map[string]interface{}{
		"node_label": req.NodeLabel,
		"max_depth":  req.MaxDepth,
		"graph":      sub,
	})
}

// GraphStats answers GET /knowledge-graph/stats.
func (h *KBHandler) GraphStats(w http.ResponseWriter, r *http.Request) {
	ws, err := h.workspace(r, r.URL.Query().Get("knowledge_base"))
	if err != nil {
		writeError(w, err)
		return
	}
	stats := ws.Graph().Stats()
	api.Success(w, "Knowledge graph statistics", map[string]interface{}{
		"knowledge_base": ws.Name(),
		"node_count":     stats.Nodes,
		"edge_count":     stats.Edges,
	})
}

// ClearGraph answers DELETE /knowledge-graph/clear.
func (h *KBHandler) ClearGraph(w http.ResponseWriter, r *http.Request) {
	ws, err := h.workspace(r, r.URL.Query().Get("knowledge_base"))
	if err != nil {
		writeError(w, err)
		return
	}
	before := ws.Graph().Stats()
	if err := ws.Graph().Clear(); err != nil {
		audit(h.logger, r, "graph.clear", "denied", zap.String("kb", ws.Name()), zap.Error(err))
		writeError(w, err)
		return
	}
	audit(h.logger, r, "graph.clear", "allowed",
		zap.String("kb", ws.Name()), zap.Int("nodes_removed", before.Nodes))
	api.Success(w, "Knowledge graph cleared", map[string]interface{}{
		"knowledge_base": ws.Name(),
		"nodes_removed":  before.Nodes,
		"edges_removed":  before.Edges,
	})
}

func (h *KBHandler) workspace(r *http.Request, override string) (*kb.Workspace, error) {
	name := h.manager.Resolve(override)
	ws, err := h.manager.Open(r.Context(), name)
	if err != nil {
		return nil, apperrors.From(err)
	}
	return ws, nil
}
