package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FilesystemStore is an ArtifactStore backed by a local directory tree.
// Artifact keys map directly to relative paths under the root. Writes go
// through a temp file followed by a rename, so readers never observe a
// partially written artifact.
type FilesystemStore struct {
	root string
}

// NewFilesystemStore creates the root directory if needed and returns a
// store over it.
func NewFilesystemStore(root string) (*FilesystemStore, error) {
	if root == "" {
		return nil, fmt.Errorf("filesystem store root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact root %s: %w", root, err)
	}
	return &FilesystemStore{root: root}, nil
}

func (s *FilesystemStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// Put writes content to a temp file in the target directory and renames it
// over the final path. Rename within one directory is atomic on POSIX
// filesystems.
func (s *FilesystemStore) Put(ctx context.Context, key string, content []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	target := s.path(key)
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create artifact directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", key, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write artifact %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file for %s: %w", key, err)
	}

	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to finalize artifact %s: %w", key, err)
	}
	return nil
}

// Get reads the artifact stored under key.
func (s *FilesystemStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	content, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read artifact %s: %w", key, err)
	}
	return content, nil
}

// List walks the tree and returns every key under prefix in lexical order.
// Temp files still in flight are skipped.
func (s *FilesystemStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts under %s: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete removes every artifact under prefix and prunes emptied
// directories. Deleting an absent prefix is a no-op.
func (s *FilesystemStore) Delete(ctx context.Context, prefix string) error {
	// A prefix ending in "/" covers a whole directory subtree.
	if prefix != "" && strings.HasSuffix(prefix, "/") {
		target := filepath.Join(s.root, filepath.FromSlash(strings.TrimSuffix(prefix, "/")))
		if err := os.RemoveAll(target); err != nil {
			return fmt.Errorf("failed to delete artifacts under %s: %w", prefix, err)
		}
		return nil
	}

	keys, err := s.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to delete artifact %s: %w", key, err)
		}
	}
	return nil
}
