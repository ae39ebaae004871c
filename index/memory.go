package index

import (
	"context"
	"sort"
	"sync"

	"evermem.org/memory"
)

// MemoryIndex is an in-process RetrievalIndex for tests and single-node
// deployments without external storage.
type MemoryIndex struct {
	mu      sync.RWMutex
	indexes map[string]map[string]memory.Chunk
}

// NewMemoryIndex returns an empty in-memory index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{indexes: make(map[string]map[string]memory.Chunk)}
}

// Upsert inserts or replaces chunks by id.
func (m *MemoryIndex) Upsert(ctx context.Context, chunks []memory.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, chunk := range chunks {
		byID, ok := m.indexes[chunk.Index]
		if !ok {
			byID = make(map[string]memory.Chunk)
			m.indexes[chunk.Index] = byID
		}
		chunk.Tags = chunk.Tags.Clone()
		chunk.Vector = append([]float32(nil), chunk.Vector...)
		byID[chunk.ID] = chunk
	}
	return nil
}

// DeleteByFilter removes matched chunks. An empty filter list removes
// nothing.
func (m *MemoryIndex) DeleteByFilter(ctx context.Context, indexName string, filters []memory.MemoryFilter) error {
	if len(filters) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.indexes[indexName]
	if !ok {
		return nil
	}
	for id, chunk := range byID {
		if memory.MatchesAny(filters, chunk.Tags) {
			delete(byID, id)
		}
	}
	if len(byID) == 0 {
		delete(m.indexes, indexName)
	}
	return nil
}

// Search ranks the index's chunks against the query vector.
func (m *MemoryIndex) Search(ctx context.Context, indexName string, vector []float32, filters []memory.MemoryFilter, minScore float64, limit int) ([]memory.Chunk, error) {
	m.mu.RLock()
	byID := m.indexes[indexName]
	candidates := make([]memory.Chunk, 0, len(byID))
	for _, chunk := range byID {
		candidates = append(candidates, chunk)
	}
	m.mu.RUnlock()

	return rankChunks(candidates, vector, filters, minScore, limit), nil
}

// ListIndexes returns the non-empty index names, sorted.
func (m *MemoryIndex) ListIndexes(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.indexes))
	for name := range m.indexes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// DeleteIndex drops the index. Idempotent.
func (m *MemoryIndex) DeleteIndex(ctx context.Context, indexName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.indexes, indexName)
	return nil
}

// Close is a no-op.
func (m *MemoryIndex) Close() error {
	return nil
}
