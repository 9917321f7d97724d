package server

import (
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"ragserve/internal/config"
	apperrors "ragserve/internal/errors"
	"ragserve/internal/kb"
	"ragserve/internal/observability"
	"ragserve/pkg/api"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// InsertHandler serves the document ingestion routes.
type InsertHandler struct {
	ingestor *kb.Ingestor
	upload   config.UploadConfig
	dir      string
	metrics  *observability.Collector
	logger   *zap.Logger
}

// NewInsertHandler wires the insert surface. Uploaded files are spooled
// under uploadDir before ingestion.
func NewInsertHandler(ingestor *kb.Ingestor, upload config.UploadConfig, uploadDir string, metrics *observability.Collector, logger *zap.Logger) *InsertHandler {
	return &InsertHandler{ingestor: ingestor, upload: upload, dir: uploadDir, metrics: metrics, logger: logger}
}

type insertTextRequest struct {
	Text          string `json:"text" validate:"required,min=1,max=1000000"`
	KnowledgeBase string `json:"knowledge_base"`
	Source        string `json:"source" validate:"omitempty,max=500"`
	DocID         string `json:"doc_id" validate:"omitempty,max=200"`
	TrackID       string `json:"track_id" validate:"omitempty,max=200"`
}

type insertTextsRequest struct {
	Texts         []string `json:"texts" validate:"required,min=1,max=100,dive,required,max=1000000"`
	KnowledgeBase string   `json:"knowledge_base"`
	Sources       []string `json:"sources" validate:"omitempty,max=100"`
	TrackID       string   `json:"track_id" validate:"omitempty,max=200"`
}

type insertDirectoryRequest struct {
	Directory     string   `json:"directory" validate:"required"`
	KnowledgeBase string   `json:"knowledge_base"`
	Recursive     *bool    `json:"recursive"`
	FilePatterns  []string `json:"file_patterns" validate:"omitempty,max=20"`
}

// Text answers POST /insert/text. The receipt carries a track id; the
// document becomes queryable once the background graph build finishes.
func (h *InsertHandler) Text(w http.ResponseWriter, r *http.Request) {
	var req insertTextRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validateStruct(req); err != nil {
		writeError(w, err)
		return
	}
	receipt, err := h.ingestor.InsertText(r.Context(), kb.InsertRequest{
		Text:          req.Text,
		KnowledgeBase: req.KnowledgeBase,
		Source:        req.Source,
		DocID:         req.DocID,
		TrackID:       req.TrackID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	h.countInserted(1)
	api.Success(w, "Text inserted successfully", receipt)
}

// Texts answers POST /insert/texts.
func (h *InsertHandler) Texts(w http.ResponseWriter, r *http.Request) {
	var req insertTextsRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validateStruct(req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Sources) > 0 && len(req.Sources) != len(req.Texts) {
		writeError(w, apperrors.BadInput("sources must match texts: %d sources for %d texts",
			len(req.Sources), len(req.Texts)))
		return
	}

	track := req.TrackID
	if track == "" {
		track = kb.NewTrackID("batch")
	}
	reqs := make([]kb.InsertRequest, len(req.Texts))
	for i, text := range req.Texts {
		source := ""
		if i < len(req.Sources) {
			source = req.Sources[i]
		}
		reqs[i] = kb.InsertRequest{
			Text:          text,
			KnowledgeBase: req.KnowledgeBase,
			Source:        source,
			TrackID:       track,
		}
	}
	receipts, err := h.ingestor.InsertTexts(r.Context(), reqs)
	if err != nil {
		writeError(w, err)
		return
	}
	h.countInserted(len(receipts))
	api.Success(w, "Texts inserted successfully", map[string]interface{}{
		"track_id": track,
		"count":    len(receipts),
		"receipts": receipts,
	})
}

// File answers POST /insert/file: multipart with a single "file" field and
// optional knowledge_base. Oversized bodies answer 413 before ingestion.
func (h *InsertHandler) File(w http.ResponseWriter, r *http.Request) {
	if err := h.limitBody(w, r); err != nil {
		writeError(w, err)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, h.multipartError(err, "file"))
		return
	}
	defer file.Close()

	path, err := h.spool(file, header.Filename)
	if err != nil {
		writeError(w, err)
		return
	}
	defer os.Remove(path)

	receipt, err := h.ingestor.InsertFile(r.Context(), path, r.FormValue("knowledge_base"))
	if err != nil {
		writeError(w, err)
		return
	}
	h.countInserted(1)
	api.Success(w, "File inserted successfully", receipt)
}

// Files answers POST /insert/files: repeated "files" fields. Each file
// succeeds or fails on its own; the response reports both sides.
func (h *InsertHandler) Files(w http.ResponseWriter, r *http.Request) {
	if err := h.limitBody(w, r); err != nil {
		writeError(w, err)
		return
	}
	if r.MultipartForm == nil || len(r.MultipartForm.File["files"]) == 0 {
		writeError(w, apperrors.BadInput("multipart field \"files\" is required"))
		return
	}

	kbName := r.FormValue("knowledge_base")
	var receipts []kb.InsertReceipt
	failures := make([]map[string]string, 0)
	for _, header := range r.MultipartForm.File["files"] {
		receipt, err := h.insertOne(r, header, kbName)
		if err != nil {
			failures = append(failures, map[string]string{
				"file":  header.Filename,
				"error": apperrors.From(err).Message,
			})
			continue
		}
		receipts = append(receipts, receipt)
	}
	h.countInserted(len(receipts))
	api.Success(w, "Files processed", map[string]interface{}{
		"succeeded": len(receipts),
		"failed":    len(failures),
		"receipts":  receipts,
		"failures":  failures,
	})
}

func (h *InsertHandler) insertOne(r *http.Request, header *multipart.FileHeader, kbName string) (kb.InsertReceipt, error) {
	file, err := header.Open()
	if err != nil {
		return kb.InsertReceipt{}, apperrors.Storage("open upload %q", header.Filename).WithCause(err)
	}
	defer file.Close()

	path, err := h.spool(file, header.Filename)
	if err != nil {
		return kb.InsertReceipt{}, err
	}
	defer os.Remove(path)
	return h.ingestor.InsertFile(r.Context(), path, kbName)
}

// Directory answers POST /insert/directory: a server-local walk. Patterns
// filter by base name; recursive=false stays in the top directory.
func (h *InsertHandler) Directory(w http.ResponseWriter, r *http.Request) {
	var req insertDirectoryRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validateStruct(req); err != nil {
		writeError(w, err)
		return
	}

	recursive := req.Recursive == nil || *req.Recursive
	var receipts []kb.InsertReceipt
	var err error
	if recursive && len(req.FilePatterns) == 0 {
		receipts, err = h.ingestor.InsertDirectory(r.Context(), req.Directory, req.KnowledgeBase)
	} else {
		receipts, err = h.insertFiltered(r, req.Directory, req.KnowledgeBase, recursive, req.FilePatterns)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	h.countInserted(len(receipts))
	api.Success(w, "Directory inserted successfully", map[string]interface{}{
		"directory": req.Directory,
		"count":     len(receipts),
		"receipts":  receipts,
	})
}

// insertFiltered walks with pattern and depth constraints that the plain
// directory ingest does not carry.
func (h *InsertHandler) insertFiltered(r *http.Request, dir, kbName string, recursive bool, patterns []string) ([]kb.InsertReceipt, error) {
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

	var receipts []kb.InsertReceipt
	walkErr := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if !recursive && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if !matchesAny(filepath.Base(path), patterns) {
			return nil
		}
		receipt, insErr := h.ingestor.InsertFile(r.Context(), path, kbName)
		if insErr != nil {
			h.logger.Warn("file skipped during directory insert",
				zap.String("file", path), zap.Error(insErr))
			return nil
		}
		receipts = append(receipts, receipt)
		return nil
	})
	if walkErr != nil {
		return receipts, apperrors.Storage("walk %s", dir).WithCause(walkErr)
	}
	if len(receipts) == 0 {
		return nil, apperrors.BadInput("directory %q holds no matching ingestible files", dir)
	}
	return receipts, nil
}

func matchesAny(name string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if ok, err := filepath.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}

// limitBody parses the multipart form under the configured size cap. The
// cap violation surfaces as 413 with the limit in the details.
func (h *InsertHandler) limitBody(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, h.upload.MaxFileSize)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		if strings.Contains(err.Error(), "request body too large") {
			return apperrors.BadInput("upload exceeds the %d byte limit", h.upload.MaxFileSize).
				WithStatus(http.StatusRequestEntityTooLarge).
				WithDetail("max_file_size", h.upload.MaxFileSize)
		}
		return apperrors.BadInput("request is not valid multipart form data").WithCause(err)
	}
	return nil
}

func (h *InsertHandler) multipartError(err error, field string) error {
	if err == http.ErrMissingFile {
		return apperrors.BadInput("multipart field %q is required", field)
	}
	return apperrors.BadInput("reading multipart field %q failed", field).WithCause(err)
}

// spool writes an upload to the spool directory under a collision-free
// name, keeping the original extension for type checks downstream.
func (h *InsertHandler) spool(file io.Reader, original string) (string, error) {
	if err := os.MkdirAll(h.dir, 0o755); err != nil {
		return "", apperrors.Storage("create upload dir %s", h.dir).WithCause(err)
	}
	name := uuid.NewString() + "_" + filepath.Base(original)
	path := filepath.Join(h.dir, name)
	out, err := os.Create(path)
	if err != nil {
		return "", apperrors.Storage("spool upload %s", original).WithCause(err)
	}
	defer out.Close()
	if _, err := io.Copy(out, file); err != nil {
		os.Remove(path)
		return "", apperrors.Storage("write upload %s", original).WithCause(err)
	}
	return path, nil
}

func (h *InsertHandler) countInserted(n int) {
	if h.metrics != nil && n > 0 {
		h.metrics.DocumentsInserted.Add(float64(n))
	}
}

// multipartMemory is the in-memory threshold for multipart parsing; larger
// parts spill to temp files.
const multipartMemory = 10 << 20
