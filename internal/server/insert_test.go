package server

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ragserve/internal/config"
	"ragserve/internal/kb"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// multipartBody builds a form with one file part plus extra string fields.
// An empty filename skips the file part.
func multipartBody(t *testing.T, field, filename string, content []byte, extra map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if filename != "" {
		part, err := w.CreateFormFile(field, filename)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	for k, v := range extra {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func (s *testServer) upload(t *testing.T, path string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func TestInsertText(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := srv.request(t, http.MethodPost, "/api/v1/insert/text", map[string]interface{}{
		"text": "Alan Turing worked at Bletchley Park on early computers.",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	env := decodeEnvelope(t, rec)
	assert.Equal(t, "Text inserted successfully", env.Message)

	data := dataMap(t, env)
	docID, _ := data["doc_id"].(string)
	assert.True(t, strings.HasPrefix(docID, "doc-"), "doc id %q", docID)
	trackID, _ := data["track_id"].(string)
	assert.True(t, strings.HasPrefix(trackID, "insert_"), "track id %q", trackID)
	assert.Equal(t, kb.DefaultKBName, data["knowledge_base"])
	assert.Equal(t, "ready", data["status"])
	assert.Equal(t, float64(1), data["chunk_count"])
	assert.Equal(t, false, data["duplicate"])
}

func TestInsertTextDuplicate(t *testing.T) {
	srv := newTestServer(t, nil)

	body := map[string]interface{}{"text": "Content hashing makes re-inserts idempotent."}

	rec := srv.request(t, http.MethodPost, "/api/v1/insert/text", body)
	require.Equal(t, http.StatusOK, rec.Code)
	first := dataMap(t, decodeEnvelope(t, rec))
	require.Equal(t, false, first["duplicate"])

	rec = srv.request(t, http.MethodPost, "/api/v1/insert/text", body)
	require.Equal(t, http.StatusOK, rec.Code)
	second := dataMap(t, decodeEnvelope(t, rec))
	assert.Equal(t, true, second["duplicate"])
	assert.Equal(t, first["doc_id"], second["doc_id"])
}

func TestInsertTexts(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := srv.request(t, http.MethodPost, "/api/v1/insert/texts", map[string]interface{}{
		"texts":    []string{"The first fact about alpha systems.", "The second fact about beta systems."},
		"sources":  []string{"alpha.txt", "beta.txt"},
		"track_id": "batch_custom",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	env := decodeEnvelope(t, rec)
	assert.Equal(t, "Texts inserted successfully", env.Message)

	data := dataMap(t, env)
	assert.Equal(t, "batch_custom", data["track_id"])
	assert.Equal(t, float64(2), data["count"])
	receipts, ok := data["receipts"].([]interface{})
	require.True(t, ok)
	assert.Len(t, receipts, 2)
}

func TestInsertTextsSourceMismatch(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := srv.request(t, http.MethodPost, "/api/v1/insert/texts", map[string]interface{}{
		"texts":   []string{"one", "two"},
		"sources": []string{"only.txt"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	env := decodeEnvelope(t, rec)
	assert.Equal(t, "bad-input", env.ErrorCode)
	assert.Equal(t, "sources must match texts: 1 sources for 2 texts", env.Message)
}

func TestInsertFileUpload(t *testing.T) {
	srv := newTestServer(t, nil)

	body, contentType := multipartBody(t, "file", "notes.txt",
		[]byte("Goroutines communicate over channels rather than shared memory."), nil)
	rec := srv.upload(t, "/api/v1/insert/file", body, contentType)
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())

	env := decodeEnvelope(t, rec)
	assert.Equal(t, "File inserted successfully", env.Message)

	data := dataMap(t, env)
	assert.Equal(t, "ready", data["status"])
	assert.Equal(t, false, data["duplicate"])
}

func TestInsertFileMissingField(t *testing.T) {
	srv := newTestServer(t, nil)

	body, contentType := multipartBody(t, "", "", nil, map[string]string{"knowledge_base": "default"})
	rec := srv.upload(t, "/api/v1/insert/file", body, contentType)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	env := decodeEnvelope(t, rec)
	assert.Equal(t, `multipart field "file" is required`, env.Message)
}

func TestInsertFileTooLarge(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.Upload.MaxFileSize = 1024
	})

	body, contentType := multipartBody(t, "file", "big.txt", bytes.Repeat([]byte("x"), 4096), nil)
	rec := srv.upload(t, "/api/v1/insert/file", body, contentType)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	env := decodeEnvelope(t, rec)
	assert.Equal(t, "upload exceeds the 1024 byte limit", env.Message)
	assert.Equal(t, float64(1024), env.Details["max_file_size"])
}

func TestInsertFileBadExtension(t *testing.T) {
	srv := newTestServer(t, nil)

	body, contentType := multipartBody(t, "file", "malware.exe", []byte("MZ..."), nil)
	rec := srv.upload(t, "/api/v1/insert/file", body, contentType)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "bad-input", decodeEnvelope(t, rec).ErrorCode)
}

func TestInsertFilesMixedOutcome(t *testing.T) {
	srv := newTestServer(t, nil)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("files", "good.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("A perfectly ordinary text document."))
	require.NoError(t, err)
	part, err = w.CreateFormFile("files", "bad.exe")
	require.NoError(t, err)
	_, err = part.Write([]byte("MZ..."))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	rec := srv.upload(t, "/api/v1/insert/files", &buf, w.FormDataContentType())
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())

	env := decodeEnvelope(t, rec)
	assert.Equal(t, "Files processed", env.Message)

	data := dataMap(t, env)
	assert.Equal(t, float64(1), data["succeeded"])
	assert.Equal(t, float64(1), data["failed"])
	failures, ok := data["failures"].([]interface{})
	require.True(t, ok)
	require.Len(t, failures, 1)
	failure, ok := failures[0].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "bad.exe", failure["file"])
	assert.Contains(t, failure, "error")
}

func TestInsertFilesMissingField(t *testing.T) {
	srv := newTestServer(t, nil)

	body, contentType := multipartBody(t, "", "", nil, map[string]string{"source": "none"})
	rec := srv.upload(t, "/api/v1/insert/files", body, contentType)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, `multipart field "files" is required`, decodeEnvelope(t, rec).Message)
}

func TestInsertDirectory(t *testing.T) {
	srv := newTestServer(t, nil)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("Alpha notes about systems."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.md"), []byte("Beta notes about design."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.exe"), []byte("MZ..."), 0o644))

	rec := srv.request(t, http.MethodPost, "/api/v1/insert/directory", map[string]interface{}{
		"directory": dir,
	})
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())

	env := decodeEnvelope(t, rec)
	assert.Equal(t, "Directory inserted successfully", env.Message)

	data := dataMap(t, env)
	assert.Equal(t, dir, data["directory"])
	assert.Equal(t, float64(2), data["count"], "the .exe must be filtered out")

	rec = srv.request(t, http.MethodPost, "/api/v1/insert/directory", map[string]interface{}{
		"directory": filepath.Join(dir, "missing"),
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInsertDirectoryPatterns(t *testing.T) {
	srv := newTestServer(t, nil)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keep.txt"), []byte("Pattern matched content."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "skip.md"), []byte("Pattern skipped content."), 0o644))

	rec := srv.request(t, http.MethodPost, "/api/v1/insert/directory", map[string]interface{}{
		"directory":     dir,
		"file_patterns": []string{"*.txt"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	data := dataMap(t, decodeEnvelope(t, rec))
	assert.Equal(t, float64(1), data["count"])

	rec = srv.request(t, http.MethodPost, "/api/v1/insert/directory", map[string]interface{}{
		"directory":     dir,
		"file_patterns": []string{"*.xyz"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeEnvelope(t, rec).Message, "holds no matching ingestible files")
}
