package keys

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/clinicsync/clinicsync/internal/syncerr"
)

// SecretStorage persists opaque secret material. Read returns (nil, nil)
// when the key is absent; Delete of an absent key is a no-op.
type SecretStorage interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// FileStorage is a SecretStorage backed by files under a root directory.
// Files are created with 0600 permissions; key path separators map to
// subdirectories.
type FileStorage struct {
	root string
}

func NewFileStorage(root string) (*FileStorage, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, syncerr.Wrap(syncerr.KindStorage, syncerr.CodeAccessDenied, "keys.storage.init", err)
	}
	return &FileStorage{root: root}, nil
}

func (s *FileStorage) path(key string) string {
	// Normalize to forward slashes then join below the root. Path escapes
	// are rejected in resolve.
	clean := filepath.FromSlash(strings.TrimPrefix(key, "/"))
	return filepath.Join(s.root, clean)
}

func (s *FileStorage) resolve(op, key string) (string, error) {
	p := s.path(key)
	rel, err := filepath.Rel(s.root, p)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", syncerr.New(syncerr.KindStorage, syncerr.CodeAccessDenied, op)
	}
	return p, nil
}

func (s *FileStorage) Read(_ context.Context, key string) ([]byte, error) {
	p, err := s.resolve("keys.storage.read", key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindStorage, syncerr.CodeAccessDenied, "keys.storage.read", err)
	}
	return data, nil
}

func (s *FileStorage) Write(_ context.Context, key string, value []byte) error {
	p, err := s.resolve("keys.storage.write", key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return syncerr.Wrap(syncerr.KindStorage, syncerr.CodeAccessDenied, "keys.storage.write", err)
	}
	if err := os.WriteFile(p, value, 0o600); err != nil {
		return syncerr.Wrap(syncerr.KindStorage, syncerr.CodeAccessDenied, "keys.storage.write", err)
	}
	return nil
}

func (s *FileStorage) Delete(_ context.Context, key string) error {
	p, err := s.resolve("keys.storage.delete", key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return syncerr.Wrap(syncerr.KindStorage, syncerr.CodeAccessDenied, "keys.storage.delete", err)
	}
	return nil
}
