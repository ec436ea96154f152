package blob

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// FSStore implements Store on the local filesystem. Buckets become
// directories under the base dir; keys keep their forward-slash layout.
// It is the default backend for local runs and tests; hosted object storage
// plugs in behind the same interface.
type FSStore struct {
	base string
}

// NewFS creates an FSStore rooted at base.
func NewFS(base string) *FSStore {
	return &FSStore{base: base}
}

func (s *FSStore) path(bucket, key string) string {
	return filepath.Join(s.base, bucket, filepath.FromSlash(strings.TrimPrefix(key, "/")))
}

// Put writes the blob, creating parent directories as needed.
func (s *FSStore) Put(_ context.Context, bucket, key string, data []byte, _ string) (Object, error) {
	p := s.path(bucket, key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return Object{}, eris.Wrapf(err, "blob: mkdir for %s", key)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return Object{}, eris.Wrapf(err, "blob: write %s", key)
	}
	return Object{Key: key, URL: "file://" + p}, nil
}

// Get reads a blob back.
func (s *FSStore) Get(_ context.Context, bucket, key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(bucket, key))
	if err != nil {
		return nil, eris.Wrapf(err, "blob: read %s", key)
	}
	return data, nil
}

// List returns all keys under a prefix, in lexical order.
func (s *FSStore) List(_ context.Context, bucket, prefix string) ([]string, error) {
	root := filepath.Join(s.base, bucket)
	var keys []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return relErr
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "blob: list %s", prefix)
	}
	return keys, nil
}
