package kb

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ragserve/internal/concurrency"
	"ragserve/internal/config"
	apperrors "ragserve/internal/errors"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.WorkingDir = filepath.Join(t.TempDir(), "kb")
	cfg.Paths.BackupDir = filepath.Join(t.TempDir(), "backups")
	cfg.Embedding.Dim = 4

	m, err := NewManager(cfg, concurrency.NewKeyedLocks(5*time.Second, zap.NewNop()), zap.NewNop())
	require.NoError(t, err)
	return m
}

func TestManager_DefaultKBExists(t *testing.T) {
	m := newTestManager(t)

	assert.Equal(t, DefaultKBName, m.Current())
	info, err := m.Info(DefaultKBName)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, info.Status, "a fully laid out KB reads as ready")

	for _, name := range []string{MetaFileName, FullDocsFileName, ChunksFileName, DocStatusFileName, GraphFileName} {
		_, err := os.Stat(filepath.Join(m.dirFor(DefaultKBName), name))
		assert.NoError(t, err, "layout file %s must exist", name)
	}
}

func TestManager_CreateValidation(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, "", "", "", nil)
	assert.Equal(t, apperrors.CodeBadInput, apperrors.CodeOf(err))

	_, err = m.Create(ctx, "has space", "", "", nil)
	assert.Equal(t, apperrors.CodeBadInput, apperrors.CodeOf(err))

	_, err = m.Create(ctx, strings.Repeat("x", 51), "", "", nil)
	assert.Equal(t, apperrors.CodeBadInput, apperrors.CodeOf(err))

	_, err = m.Create(ctx, "valid_name-1", "desc", "English", nil)
	require.NoError(t, err)

	_, err = m.Create(ctx, "valid_name-1", "", "", nil)
	assert.Equal(t, apperrors.CodeAlreadyExists, apperrors.CodeOf(err))
}

func TestManager_ListSkipsBackups(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, "t1", "", "", nil)
	require.NoError(t, err)
	_, err = m.Delete(ctx, "t1", false)
	require.NoError(t, err)

	names := make([]string, 0)
	for _, info := range m.List(false) {
		names = append(names, info.Name)
	}
	assert.Equal(t, []string{DefaultKBName}, names, "soft-deleted KBs stay out of the listing")
}

func TestManager_DeleteRules(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Delete(ctx, DefaultKBName, false)
	assert.Equal(t, apperrors.CodeBadInput, apperrors.CodeOf(err), "default KB needs force")

	_, err = m.Create(ctx, "t2", "", "", nil)
	require.NoError(t, err)
	_, err = m.Switch("t2")
	require.NoError(t, err)

	_, err = m.Delete(ctx, "t2", false)
	assert.Equal(t, apperrors.CodeBadInput, apperrors.CodeOf(err), "current KB needs force")

	backup, err := m.Delete(ctx, "t2", true)
	require.NoError(t, err)
	assert.Contains(t, backup, backupMarker)
	_, err = os.Stat(backup)
	assert.NoError(t, err, "backup directory keeps the data")
	assert.Equal(t, DefaultKBName, m.Current(), "current falls back to default after delete")

	_, err = m.Delete(ctx, "t2", true)
	assert.Equal(t, apperrors.CodeNotFound, apperrors.CodeOf(err))
}

func TestManager_SwitchUnknown(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Switch("nope")
	assert.Equal(t, apperrors.CodeNotFound, apperrors.CodeOf(err))
	assert.Equal(t, DefaultKBName, m.Current())
}

func TestManager_OpenSharesHandle(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	a, err := m.Open(ctx, DefaultKBName)
	require.NoError(t, err)
	b, err := m.Open(ctx, "")
	require.NoError(t, err)
	assert.Same(t, a, b, "empty name resolves to current and reuses the handle")

	_, err = m.Open(ctx, "ghost")
	assert.Equal(t, apperrors.CodeNotFound, apperrors.CodeOf(err))
}

func TestManager_UpdateConfig(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, "tuned", "", "", nil)
	require.NoError(t, err)

	desc := "updated"
	size := 512
	meta, err := m.UpdateConfig(ctx, "tuned", ConfigPatch{Description: &desc, ChunkSize: &size})
	require.NoError(t, err)
	assert.Equal(t, "updated", meta.Description)
	assert.Equal(t, 512, meta.Config.ChunkSize)
	assert.Equal(t, 50, meta.Config.ChunkOverlap, "untouched fields survive")

	bad := -1
	_, err = m.UpdateConfig(ctx, "tuned", ConfigPatch{ChunkSize: &bad})
	assert.Equal(t, apperrors.CodeBadInput, apperrors.CodeOf(err))

	ws, err := m.Open(ctx, "tuned")
	require.NoError(t, err)
	assert.Equal(t, 512, ws.Meta().Config.ChunkSize, "reopened workspace sees the new tuning")
}

func TestWorkspace_HealsPartialLayout(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, "partial", "", "", nil)
	require.NoError(t, err)

	// simulate the partially created KB a crashed create leaves behind
	require.NoError(t, os.Remove(filepath.Join(m.dirFor("partial"), DocStatusFileName)))

	ws, err := m.Open(ctx, "partial")
	require.NoError(t, err)
	require.NoError(t, ws.Status().Set("doc-x", DocStatus{Status: DocStatusPending}))

	_, err = os.Stat(filepath.Join(m.dirFor("partial"), DocStatusFileName))
	assert.NoError(t, err, "missing store is recreated on open")
}

func TestManager_BackupRestoreRoundTrip(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, "bk", "to back up", "English", nil)
	require.NoError(t, err)
	ws, err := m.Open(ctx, "bk")
	require.NoError(t, err)
	require.NoError(t, ws.Docs().Set("doc-1", DocumentRecord{Content: "payload", CreatedAt: time.Now()}))

	archive, err := m.Backup(ctx, "bk")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(archive, ".tar.gz"))

	_, err = m.Delete(ctx, "bk", true)
	require.NoError(t, err)

	// restoring over an existing KB is refused
	require.NoError(t, m.Restore(ctx, "bk", archive))
	err = m.Restore(ctx, "bk", archive)
	assert.Equal(t, apperrors.CodeAlreadyExists, apperrors.CodeOf(err))

	restored, err := m.Open(ctx, "bk")
	require.NoError(t, err)
	doc, ok := restored.Docs().Get("doc-1")
	require.True(t, ok)
	assert.Equal(t, "payload", doc.Content)

	info, err := m.Info("bk")
	require.NoError(t, err)
	assert.Equal(t, "to back up", info.Description)
	assert.Equal(t, 1, info.DocumentCount)
}
