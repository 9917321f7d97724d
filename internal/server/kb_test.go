package server

import (
	"net/http"
	"os"
	"strings"
	"testing"

	"ragserve/internal/kb"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKnowledgeBaseListDefault(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := srv.request(t, http.MethodGet, "/api/v1/knowledge-bases", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	env := decodeEnvelope(t, rec)
	assert.Equal(t, "Knowledge bases listed", env.Message)

	data := dataMap(t, env)
	assert.Equal(t, kb.DefaultKBName, data["current"])
	total, ok := data["total"].(float64)
	require.True(t, ok)
	assert.GreaterOrEqual(t, total, float64(1))

	bases, ok := data["knowledge_bases"].([]interface{})
	require.True(t, ok)
	require.NotEmpty(t, bases)
}

func TestKnowledgeBaseCreateAndSwitch(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := srv.request(t, http.MethodPost, "/api/v1/knowledge-bases", map[string]interface{}{
		"name":        "research",
		"description": "papers and notes",
		"language":    "en",
	})
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	env := decodeEnvelope(t, rec)
	assert.Equal(t, "Knowledge base created successfully", env.Message)
	data := dataMap(t, env)
	assert.Equal(t, "research", data["name"])
	assert.Equal(t, "en", data["language"])

	rec = srv.request(t, http.MethodPost, "/api/v1/knowledge-bases", map[string]interface{}{
		"name": "research",
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	env = decodeEnvelope(t, rec)
	assert.Equal(t, "already-exists", env.ErrorCode)
	assert.Equal(t, `knowledge base "research" already exists`, env.Message)

	rec = srv.request(t, http.MethodPost, "/api/v1/knowledge-bases", map[string]interface{}{
		"name": "bad name!",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "bad-input", decodeEnvelope(t, rec).ErrorCode)

	rec = srv.request(t, http.MethodPost, "/api/v1/knowledge-bases/switch", map[string]interface{}{
		"name": "research",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	env = decodeEnvelope(t, rec)
	assert.Equal(t, "Switched knowledge base", env.Message)
	data = dataMap(t, env)
	assert.Equal(t, kb.DefaultKBName, data["previous"])
	assert.Equal(t, "research", data["current"])

	rec = srv.request(t, http.MethodGet, "/api/v1/knowledge-bases/current", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data = dataMap(t, decodeEnvelope(t, rec))
	assert.Equal(t, "research", data["name"])

	rec = srv.request(t, http.MethodPost, "/api/v1/knowledge-bases/switch", map[string]interface{}{
		"name": "missing",
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not-found", decodeEnvelope(t, rec).ErrorCode)
}

func TestKnowledgeBaseDelete(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := srv.request(t, http.MethodPost, "/api/v1/knowledge-bases", map[string]interface{}{
		"name": "temp",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = srv.request(t, http.MethodDelete, "/api/v1/knowledge-bases/temp", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, "Knowledge base deleted", env.Message)
	data := dataMap(t, env)
	assert.Equal(t, "temp", data["name"])
	backup, _ := data["backup"].(string)
	assert.Contains(t, backup, "_backup_", "soft delete keeps a renamed copy")

	rec = srv.request(t, http.MethodDelete, "/api/v1/knowledge-bases/temp", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = srv.request(t, http.MethodDelete, "/api/v1/knowledge-bases/"+kb.DefaultKBName, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "the default knowledge base requires force to delete", decodeEnvelope(t, rec).Message)
}

func TestKnowledgeBaseUpdateConfig(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := srv.request(t, http.MethodPost, "/api/v1/knowledge-bases", map[string]interface{}{
		"name": "tuned",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = srv.request(t, http.MethodPut, "/api/v1/knowledge-bases/tuned/config", map[string]interface{}{
		"description": "updated",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, "Knowledge base config updated", env.Message)
	data := dataMap(t, env)
	assert.Equal(t, "tuned", data["name"])
	assert.Equal(t, "updated", data["description"])

	rec = srv.request(t, http.MethodPut, "/api/v1/knowledge-bases/tuned/config", map[string]interface{}{
		"chunk_size": -5,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "chunk_size must be positive", decodeEnvelope(t, rec).Message)
}

func TestKnowledgeBaseBackupAndRestore(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := srv.request(t, http.MethodPost, "/api/v1/knowledge-bases", map[string]interface{}{
		"name": "arch",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = srv.request(t, http.MethodPost, "/api/v1/knowledge-bases/arch/backup", nil)
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	env := decodeEnvelope(t, rec)
	assert.Equal(t, "Backup created", env.Message)
	data := dataMap(t, env)
	assert.Equal(t, "arch", data["name"])
	backupPath, _ := data["backup_path"].(string)
	require.NotEmpty(t, backupPath)
	assert.True(t, strings.HasPrefix(backupPath, srv.cfg.Paths.BackupDir),
		"backup %q should live under %q", backupPath, srv.cfg.Paths.BackupDir)
	_, err := os.Stat(backupPath)
	require.NoError(t, err, "backup archive should exist on disk")

	// Restoring over a live knowledge base must refuse.
	rec = srv.request(t, http.MethodPost, "/api/v1/knowledge-bases/arch/restore", map[string]interface{}{
		"backup_path": backupPath,
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already-exists", decodeEnvelope(t, rec).ErrorCode)

	rec = srv.request(t, http.MethodDelete, "/api/v1/knowledge-bases/arch", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = srv.request(t, http.MethodPost, "/api/v1/knowledge-bases/arch/restore", map[string]interface{}{
		"backup_path": backupPath,
	})
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	env = decodeEnvelope(t, rec)
	assert.Equal(t, "Knowledge base restored", env.Message)
	data = dataMap(t, env)
	assert.Equal(t, "arch", data["name"])

	rec = srv.request(t, http.MethodGet, "/api/v1/knowledge-bases", nil)
	assert.Contains(t, rec.Body.String(), `"arch"`)

	rec = srv.request(t, http.MethodPost, "/api/v1/knowledge-bases/ghost/restore", map[string]interface{}{
		"backup_path": backupPath + ".missing",
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestKnowledgeGraphRoutes(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := srv.request(t, http.MethodGet, "/api/v1/knowledge-graph/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, "Knowledge graph statistics", env.Message)
	data := dataMap(t, env)
	assert.Equal(t, kb.DefaultKBName, data["knowledge_base"])
	assert.Equal(t, float64(0), data["node_count"])
	assert.Equal(t, float64(0), data["edge_count"])

	rec = srv.request(t, http.MethodPost, "/api/v1/knowledge-graph", map[string]interface{}{
		"node_label": "ghost",
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, `entity "ghost" is not in the graph`, decodeEnvelope(t, rec).Message)

	rec = srv.request(t, http.MethodPost, "/api/v1/insert/text", map[string]interface{}{
		"text": "Alan Turing worked at Bletchley Park on early computers.",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	srv.ingestor.Wait()

	rec = srv.request(t, http.MethodGet, "/api/v1/knowledge-graph/stats", nil)
	data = dataMap(t, decodeEnvelope(t, rec))
	nodeCount, ok := data["node_count"].(float64)
	require.True(t, ok)
	require.Greater(t, nodeCount, float64(0), "entity extraction should have populated the graph")

	rec = srv.request(t, http.MethodPost, "/api/v1/knowledge-graph", map[string]interface{}{
		"node_label": "*",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	env = decodeEnvelope(t, rec)
	assert.Equal(t, "Subgraph extracted", env.Message)
	data = dataMap(t, env)
	assert.Equal(t, "*", data["node_label"])
	assert.Equal(t, float64(3), data["max_depth"])
	graph, ok := data["graph"].(map[string]interface{})
	require.True(t, ok)
	nodes, ok := graph["nodes"].([]interface{})
	require.True(t, ok)
	assert.NotEmpty(t, nodes)

	rec = srv.request(t, http.MethodDelete, "/api/v1/knowledge-graph/clear", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	env = decodeEnvelope(t, rec)
	assert.Equal(t, "Knowledge graph cleared", env.Message)
	data = dataMap(t, env)
	removed, ok := data["nodes_removed"].(float64)
	require.True(t, ok)
	assert.Greater(t, removed, float64(0))

	rec = srv.request(t, http.MethodGet, "/api/v1/knowledge-graph/stats", nil)
	data = dataMap(t, decodeEnvelope(t, rec))
	assert.Equal(t, float64(0), data["node_count"])
}
