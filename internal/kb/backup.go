package kb

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "ragserve/internal/errors"
)

// Backup archives a KB working directory into a tar.gz under the backup
// directory and returns the archive path.
func (m *Manager) Backup(ctx context.Context, name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}

	handle, err := m.locks.Acquire(ctx, "kb:"+name, "backup")
	if err != nil {
		return "", err
	}
	defer handle.Release()

	dir := m.dirFor(name)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return "", apperrors.NotFound("knowledge base %q does not exist", name)
	}

	if err := os.MkdirAll(m.backupDir, 0o755); err != nil {
		return "", apperrors.Storage("create backup directory").WithCause(err)
	}
	archivePath := filepath.Join(m.backupDir,
		fmt.Sprintf("%s_%s.tar.gz", name, time.Now().Format("20060102_150405")))

	if err := writeTarGz(archivePath, dir); err != nil {
		os.Remove(archivePath)
		return "", err
	}

	m.logger.Info("knowledge base backed up",
		zap.String("kb", name),
		zap.String("archive", archivePath))
	return archivePath, nil
}

// Restore unpacks a backup archive into a KB directory. The target KB
// must not exist; restoring over live data is refused.
func (m *Manager) Restore(ctx context.Context, name, archivePath string) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	handle, err := m.locks.Acquire(ctx, "kb:"+name, "restore")
	if err != nil {
		return err
	}
	defer handle.Release()

	dir := m.dirFor(name)
	if _, err := os.Stat(dir); err == nil {
		return apperrors.AlreadyExists("knowledge base %q already exists, delete it before restoring", name)
	}
	if _, err := os.Stat(archivePath); os.IsNotExist(err) {
		return apperrors.NotFound("backup archive %q does not exist", archivePath)
	}

	if err := extractTarGz(archivePath, dir); err != nil {
		os.RemoveAll(dir)
		return err
	}

	m.open.Delete(name)
	m.invalidateList()
	m.logger.Info("knowledge base restored",
		zap.String("kb", name),
		zap.String("archive", archivePath))
	return nil
}

// writeTarGz archives every file under root with paths relative to root.
func writeTarGz(archivePath, root string) error {
	out, err := os.Create(archivePath)
	if err != nil {
		return apperrors.Storage("create archive").WithCause(err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	walkErr := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if walkErr != nil {
		tw.Close()
		gz.Close()
		return apperrors.Storage("archive %s", root).WithCause(walkErr)
	}
	if err := tw.Close(); err != nil {
		gz.Close()
		return apperrors.Storage("finalize archive").WithCause(err)
	}
	if err := gz.Close(); err != nil {
		return apperrors.Storage("finalize archive").WithCause(err)
	}
	return nil
}

// extractTarGz unpacks an archive under dest, refusing entries that would
// escape it.
func extractTarGz(archivePath, dest string) error {
	in, err := os.Open(archivePath)
	if err != nil {
		return apperrors.Storage("open archive").WithCause(err)
	}
	defer in.Close()

	gz, err := gzip.NewReader(in)
	if err != nil {
		return apperrors.Storage("archive is not gzip").WithCause(err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return apperrors.Storage("archive is corrupted").WithCause(err)
		}

		name := filepath.FromSlash(header.Name)
		if strings.Contains(name, "..") || filepath.IsAbs(name) {
			return apperrors.Storage("archive entry %q escapes the target directory", header.Name)
		}
		target := filepath.Join(dest, name)

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return apperrors.Storage("create %s", target).WithCause(err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return apperrors.Storage("create %s", filepath.Dir(target)).WithCause(err)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode)&0o777)
			if err != nil {
				return apperrors.Storage("create %s", target).WithCause(err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return apperrors.Storage("write %s", target).WithCause(err)
			}
			f.Close()
		}
	}
}
