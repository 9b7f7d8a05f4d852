package blob

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// FSStore keeps objects on the local filesystem under root/<bucket>/<key>.
// Used for development and tests in place of S3.
type FSStore struct {
	root string
}

func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("ensure blob root: %w", err)
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) path(bucket, key string) string {
	return filepath.Join(s.root, bucket, filepath.FromSlash(key))
}

func (s *FSStore) Download(ctx context.Context, bucket, key string, dst io.Writer) error {
	f, err := os.Open(s.path(bucket, key))
	if err != nil {
		return fmt.Errorf("open %s/%s: %w", bucket, key, err)
	}
	defer f.Close()
	if _, err := io.Copy(dst, f); err != nil {
		return fmt.Errorf("copy %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *FSStore) Upload(ctx context.Context, bucket, key string, src io.Reader) error {
	path := s.path(bucket, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("ensure dir for %s/%s: %w", bucket, key, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s/%s: %w", bucket, key, err)
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		return fmt.Errorf("write %s/%s: %w", bucket, key, err)
	}
	return f.Close()
}

func (s *FSStore) Delete(ctx context.Context, bucket, key string) error {
	err := os.Remove(s.path(bucket, key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s/%s: %w", bucket, key, err)
	}
	return nil
}

// FSArchiver is the local cold tier: archived objects are copied into a
// separate directory and identified by a fresh uuid.
type FSArchiver struct {
	store *FSStore
	dir   string
}

func NewFSArchiver(store *FSStore, dir string) (*FSArchiver, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure archive dir: %w", err)
	}
	return &FSArchiver{store: store, dir: dir}, nil
}

func (a *FSArchiver) Archive(ctx context.Context, bucket, key string) (string, error) {
	archiveID := uuid.NewString()
	f, err := os.Create(filepath.Join(a.dir, archiveID))
	if err != nil {
		return "", fmt.Errorf("create archive file: %w", err)
	}
	if err := a.store.Download(ctx, bucket, key, f); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("archive %s/%s: %w", bucket, key, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close archive file: %w", err)
	}
	return archiveID, nil
}
