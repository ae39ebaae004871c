package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory ArtifactStore used by tests and by fully
// ephemeral single-process deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStore creates an empty in-memory artifact store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// Put stores a copy of content under key.
func (s *MemoryStore) Put(ctx context.Context, key string, content []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	copied := make([]byte, len(content))
	copy(copied, content)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = copied
	return nil
}

// Get returns a copy of the content stored under key.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	content, ok := s.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	copied := make([]byte, len(content))
	copy(copied, content)
	return copied, nil
}

// List returns all keys under prefix in lexical order.
func (s *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for key := range s.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete removes every object under prefix.
func (s *MemoryStore) Delete(ctx context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.objects {
		if strings.HasPrefix(key, prefix) {
			delete(s.objects, key)
		}
	}
	return nil
}
