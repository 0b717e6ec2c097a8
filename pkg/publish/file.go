package publish

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FileStore writes objects as files under a base directory.
type FileStore struct {
	baseDir string
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a FileStore rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, fmt.Errorf("%w: base dir is required", ErrInvalidDestination)
	}
	return &FileStore{baseDir: filepath.Clean(baseDir)}, nil
}

// PutObject writes body to key atomically. Keys with ".." segments are
// rejected rather than re-rooted.
func (s *FileStore) PutObject(ctx context.Context, key string, body io.Reader, _ int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := s.fullPath(key)
	if err != nil {
		return s.wrapError("PutObject", key, err)
	}
	if body == nil {
		return s.wrapError("PutObject", key, fmt.Errorf("%w: nil body", ErrInvalidDestination))
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return s.wrapError("PutObject", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".testshift-put-*")
	if err != nil {
		return s.wrapError("PutObject", key, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := io.Copy(tmp, body); err != nil {
		return s.wrapError("PutObject", key, err)
	}
	if err := tmp.Sync(); err != nil {
		return s.wrapError("PutObject", key, err)
	}
	if err := tmp.Close(); err != nil {
		return s.wrapError("PutObject", key, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return s.wrapError("PutObject", key, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		return s.wrapError("PutObject", key, err)
	}
	return nil
}

func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) fullPath(key string) (string, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(key), "/")
	for _, seg := range strings.Split(filepath.ToSlash(trimmed), "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: invalid key path %q", ErrInvalidDestination, key)
		}
	}
	clean := strings.TrimPrefix(filepath.Clean("/"+trimmed), "/")
	if clean == "" {
		return "", fmt.Errorf("%w: invalid key path %q", ErrInvalidDestination, key)
	}
	return filepath.Join(s.baseDir, filepath.FromSlash(clean)), nil
}

func (s *FileStore) wrapError(op, key string, err error) error {
	wrapped := &Error{Op: op, Scheme: SchemeFile, Key: key, Err: err}
	if os.IsPermission(err) {
		wrapped.Err = ErrAccessDenied
	}
	return wrapped
}
