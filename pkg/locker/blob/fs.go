package blob

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FSStore stores blobs on the local filesystem, sharded by the first
// two hex characters of the hash to keep directories small.
type FSStore struct {
	root string
}

// NewFSStore creates a filesystem store rooted at dir.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}
	return &FSStore{root: dir}, nil
}

func (s *FSStore) path(hash string) string {
	if len(hash) < 2 {
		return filepath.Join(s.root, hash)
	}
	return filepath.Join(s.root, hash[:2], hash)
}

// Put writes the blob atomically via a temp file and rename. Writing
// a hash that already exists is a no-op.
func (s *FSStore) Put(ctx context.Context, hash string, r io.Reader, size int64) error {
	dst := s.path(hash)
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create blob shard: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".put-*")
	if err != nil {
		return fmt.Errorf("failed to create temp blob: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write blob %s: %w", hash, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

func (s *FSStore) Get(ctx context.Context, hash string) (io.ReadCloser, error) {
	f, err := os.Open(s.path(hash))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return f, err
}

func (s *FSStore) Exists(ctx context.Context, hash string) (bool, error) {
	_, err := os.Stat(s.path(hash))
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

func (s *FSStore) Delete(ctx context.Context, hash string) error {
	err := os.Remove(s.path(hash))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
