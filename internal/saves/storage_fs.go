package saves

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"savesync/internal/logging"
)

const stagingDir = ".staging"

// FSStorage implements Storage using the local filesystem. Writes land in
// <root>/.staging first and are renamed into place once fsynced.
type FSStorage struct {
	basePath string
}

// NewFSStorage creates a new filesystem-based storage.
func NewFSStorage(basePath string) (*FSStorage, error) {
	if err := os.MkdirAll(filepath.Join(basePath, stagingDir), 0o755); err != nil {
		return nil, err
	}
	return &FSStorage{basePath: basePath}, nil
}

func (s *FSStorage) path(key string) string {
	return filepath.Join(s.basePath, filepath.FromSlash(key))
}

func (s *FSStorage) Put(ctx context.Context, key string, data io.Reader, size int64) (int64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}

	staged := filepath.Join(s.basePath, stagingDir, uuid.NewString()+".part")
	f, err := os.OpenFile(staged, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			f.Close()
			os.Remove(staged)
		}
	}()

	n, err := io.Copy(f, data)
	if err != nil {
		return 0, err
	}
	if size >= 0 && n != size {
		return 0, fmt.Errorf("short write: got %d of %d bytes", n, size)
	}
	if err := f.Sync(); err != nil {
		return 0, err
	}
	if err := f.Close(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	final := s.path(key)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return 0, err
	}
	if err := os.Rename(staged, final); err != nil {
		return 0, err
	}
	committed = true
	return n, nil
}

func (s *FSStorage) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrObjectNotFound
	}
	return f, err
}

func (s *FSStorage) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	err := os.Remove(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return ErrObjectNotFound
	}
	return err
}

// CleanStaging removes staged files older than olderThan, left behind by
// writes that never reached the rename.
func (s *FSStorage) CleanStaging(ctx context.Context, olderThan time.Duration) (int, error) {
	dir := filepath.Join(s.basePath, stagingDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-olderThan)
	count := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return count, ctx.Err()
		}
		info, err := e.Info()
		if err != nil || info.IsDir() || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			logging.Storage.Warn().Err(err).Str("file", e.Name()).Msg("failed to remove staged file")
			continue
		}
		count++
	}
	return count, nil
}
