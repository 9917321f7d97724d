package di

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"ragserve/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContainerBuildsAndServes(t *testing.T) {
	root := t.TempDir()
	cfg := config.Default()
	cfg.Paths.WorkingDir = filepath.Join(root, "kb")
	cfg.Paths.QAStorageDir = filepath.Join(root, "qa")
	cfg.Paths.LogDir = filepath.Join(root, "logs")
	cfg.Paths.UploadDir = filepath.Join(root, "uploads")
	cfg.Paths.BackupDir = filepath.Join(root, "backups")
	cfg.Embedding.Dim = 8

	c, err := NewContainer(cfg)
	require.NoError(t, err)

	require.NotNil(t, c.Handler)
	require.NotNil(t, c.Logger)
	require.NotNil(t, c.Manager)
	require.NotNil(t, c.Orchestrator)
	require.NotNil(t, c.QAStore)
	require.NotNil(t, c.Gate)
	assert.Nil(t, c.Reranker, "reranker stays nil while disabled")

	rec := httptest.NewRecorder()
	c.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/query/modes", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Shutdown(ctx))
}

func TestContainerTearsDownOnFailure(t *testing.T) {
	cfg := config.Default()
	// An unwritable working dir makes the KB manager fail mid-build.
	cfg.Paths.WorkingDir = filepath.Join("/proc", "no-such-root", "kb")
	cfg.Paths.QAStorageDir = filepath.Join(t.TempDir(), "qa")
	cfg.Paths.LogDir = filepath.Join(t.TempDir(), "logs")

	_, err := NewContainer(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kb manager")
}
