// Package index defines the retrieval index that the terminal pipeline step
// populates and that search queries read. Chunks carry a dense vector and a
// tag collection; search ranks by cosine similarity and filters by tags.
package index

import (
	"context"
	"math"
	"sort"

	"evermem.org/memory"
)

// RetrievalIndex is the capability contract for a vector + metadata store.
type RetrievalIndex interface {
	// Upsert inserts or replaces chunks by chunk id.
	Upsert(ctx context.Context, chunks []memory.Chunk) error

	// DeleteByFilter removes every chunk of the index matched by any of the
	// filters. An empty filter list matches nothing.
	DeleteByFilter(ctx context.Context, indexName string, filters []memory.MemoryFilter) error

	// Search returns chunks ranked by cosine similarity against the query
	// vector, best first. minScore <= 0 applies no lower bound. limit == 0
	// returns nothing; limit < 0 returns all matches.
	Search(ctx context.Context, indexName string, vector []float32, filters []memory.MemoryFilter, minScore float64, limit int) ([]memory.Chunk, error)

	// ListIndexes returns the names of indexes that contain chunks.
	ListIndexes(ctx context.Context) ([]string, error)

	// DeleteIndex removes the index and all its chunks. Idempotent.
	DeleteIndex(ctx context.Context, indexName string) error

	Close() error
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0
// when either vector is empty or zero-length in magnitude.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// rankChunks scores candidates against the query vector, drops those below
// minScore, and returns the top results. Shared by backends that score
// in-process.
func rankChunks(candidates []memory.Chunk, vector []float32, filters []memory.MemoryFilter, minScore float64, limit int) []memory.Chunk {
	if limit == 0 {
		return []memory.Chunk{}
	}

	matched := make([]memory.Chunk, 0, len(candidates))
	for _, chunk := range candidates {
		if !memory.MatchesAny(filters, chunk.Tags) {
			continue
		}
		chunk.Score = CosineSimilarity(vector, chunk.Vector)
		if minScore > 0 && chunk.Score < minScore {
			continue
		}
		matched = append(matched, chunk)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Score != matched[j].Score {
			return matched[i].Score > matched[j].Score
		}
		return matched[i].ID < matched[j].ID
	})

	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched
}
