// Package storage provides the artifact store used by the ingestion
// pipeline: content-addressed blob storage for source files, step outputs
// and the persisted pipeline state. Three variants share one interface: an
// in-memory map for tests, a local filesystem layout for single-node
// deployments, and an S3-compatible object store for distributed ones.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by Get when no artifact exists under the key.
var ErrNotFound = errors.New("artifact not found")

// ArtifactStore is the capability set every artifact backend implements.
// Keys are hierarchical strings of the form index/documentID/name. Put is
// atomic per key: a concurrent Get observes either the previous content or
// the new one, never a partial write. Keys are immutable once written;
// callers mutate by writing new keys.
type ArtifactStore interface {
	// Put stores content under key, overwriting any previous content.
	Put(ctx context.Context, key string, content []byte) error

	// Get returns the content stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// List returns all keys starting with prefix, in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes every artifact under prefix. Removing a prefix that
	// holds nothing is not an error.
	Delete(ctx context.Context, prefix string) error
}

// Key builds the canonical artifact key index/documentID/name.
func Key(index, documentID, name string) string {
	return index + "/" + documentID + "/" + name
}

// DocumentPrefix builds the prefix covering every artifact of a document.
func DocumentPrefix(index, documentID string) string {
	return index + "/" + documentID + "/"
}

// ValidateKey rejects keys that would escape the hierarchical layout when
// mapped onto a filesystem or object store.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty artifact key")
	}
	if strings.HasPrefix(key, "/") {
		return fmt.Errorf("artifact key %q must be relative", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("artifact key %q contains invalid path segment", key)
		}
	}
	return nil
}
