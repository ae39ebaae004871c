package index

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evermem.org/memory"
)

func indexFactories(t *testing.T) map[string]func() RetrievalIndex {
	return map[string]func() RetrievalIndex{
		"Memory": func() RetrievalIndex {
			return NewMemoryIndex()
		},
		"Redis": func() RetrievalIndex {
			mr := miniredis.RunT(t)
			client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { client.Close() })
			return NewRedisIndexWithClient(client, RedisIndexConfig{})
		},
	}
}

func chunk(id, docID, text string, vector []float32, tags memory.TagCollection) memory.Chunk {
	if tags == nil {
		tags = memory.TagCollection{}
	}
	tags.Set(memory.TagDocumentID, docID)
	return memory.Chunk{
		ID:         id,
		Index:      "notes",
		DocumentID: docID,
		FileID:     docID + "-f1",
		Text:       text,
		Tags:       tags,
		Vector:     vector,
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float64
	}{
		{"Identical", []float32{1, 0}, []float32{1, 0}, 1},
		{"Orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"Opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"Empty", nil, nil, 0},
		{"LengthMismatch", []float32{1}, []float32{1, 0}, 0},
		{"ZeroVector", []float32{0, 0}, []float32{1, 0}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, CosineSimilarity(tt.a, tt.b), 1e-9)
		})
	}
}

func TestIndex_SearchRanksByCosine(t *testing.T) {
	ctx := context.Background()
	for name, factory := range indexFactories(t) {
		t.Run(name, func(t *testing.T) {
			idx := factory()
			require.NoError(t, idx.Upsert(ctx, []memory.Chunk{
				chunk("c1", "d1", "exact match", []float32{1, 0, 0}, nil),
				chunk("c2", "d1", "close match", []float32{0.9, 0.1, 0}, nil),
				chunk("c3", "d2", "unrelated", []float32{0, 0, 1}, nil),
			}))

			results, err := idx.Search(ctx, "notes", []float32{1, 0, 0}, nil, 0, -1)
			require.NoError(t, err)
			require.Len(t, results, 3)
			assert.Equal(t, "c1", results[0].ID)
			assert.Equal(t, "c2", results[1].ID)
			assert.Equal(t, "c3", results[2].ID)
			assert.InDelta(t, 1.0, results[0].Score, 1e-6)
		})
	}
}

func TestIndex_SearchLimitAndMinScore(t *testing.T) {
	ctx := context.Background()
	for name, factory := range indexFactories(t) {
		t.Run(name, func(t *testing.T) {
			idx := factory()
			require.NoError(t, idx.Upsert(ctx, []memory.Chunk{
				chunk("c1", "d1", "a", []float32{1, 0}, nil),
				chunk("c2", "d1", "b", []float32{0.7, 0.7}, nil),
				chunk("c3", "d2", "c", []float32{0, 1}, nil),
			}))

			// Zero limit returns nothing.
			results, err := idx.Search(ctx, "notes", []float32{1, 0}, nil, 0, 0)
			require.NoError(t, err)
			assert.Empty(t, results)

			// Positive limit truncates.
			results, err = idx.Search(ctx, "notes", []float32{1, 0}, nil, 0, 2)
			require.NoError(t, err)
			require.Len(t, results, 2)
			assert.Equal(t, "c1", results[0].ID)

			// Minimum score drops the orthogonal chunk.
			results, err = idx.Search(ctx, "notes", []float32{1, 0}, nil, 0.5, -1)
			require.NoError(t, err)
			require.Len(t, results, 2)
			for _, r := range results {
				assert.GreaterOrEqual(t, r.Score, 0.5)
			}
		})
	}
}

func TestIndex_SearchAppliesFilters(t *testing.T) {
	ctx := context.Background()
	for name, factory := range indexFactories(t) {
		t.Run(name, func(t *testing.T) {
			idx := factory()
			require.NoError(t, idx.Upsert(ctx, []memory.Chunk{
				chunk("c1", "d1", "a", []float32{1, 0}, memory.TagCollection{"lang": {"en"}}),
				chunk("c2", "d2", "b", []float32{1, 0}, memory.TagCollection{"lang": {"de"}}),
				chunk("c3", "d3", "c", []float32{1, 0}, memory.TagCollection{"lang": {"fr"}}),
			}))

			// Single filter conjunction.
			results, err := idx.Search(ctx, "notes", []float32{1, 0},
				[]memory.MemoryFilter{memory.ByTag("lang", "en")}, 0, -1)
			require.NoError(t, err)
			require.Len(t, results, 1)
			assert.Equal(t, "c1", results[0].ID)

			// Filter list is a disjunction.
			results, err = idx.Search(ctx, "notes", []float32{1, 0},
				[]memory.MemoryFilter{memory.ByTag("lang", "en"), memory.ByTag("lang", "de")}, 0, -1)
			require.NoError(t, err)
			assert.Len(t, results, 2)
		})
	}
}

func TestIndex_UpsertReplacesByChunkID(t *testing.T) {
	ctx := context.Background()
	for name, factory := range indexFactories(t) {
		t.Run(name, func(t *testing.T) {
			idx := factory()
			require.NoError(t, idx.Upsert(ctx, []memory.Chunk{
				chunk("c1", "d1", "old text", []float32{1, 0}, nil),
			}))
			require.NoError(t, idx.Upsert(ctx, []memory.Chunk{
				chunk("c1", "d1", "new text", []float32{1, 0}, nil),
			}))

			results, err := idx.Search(ctx, "notes", []float32{1, 0}, nil, 0, -1)
			require.NoError(t, err)
			require.Len(t, results, 1)
			assert.Equal(t, "new text", results[0].Text)
		})
	}
}

func TestIndex_DeleteByFilter(t *testing.T) {
	ctx := context.Background()
	for name, factory := range indexFactories(t) {
		t.Run(name, func(t *testing.T) {
			idx := factory()
			require.NoError(t, idx.Upsert(ctx, []memory.Chunk{
				chunk("c1", "d1", "a", []float32{1, 0}, nil),
				chunk("c2", "d1", "b", []float32{1, 0}, nil),
				chunk("c3", "d2", "c", []float32{1, 0}, nil),
			}))

			// Empty filter list deletes nothing.
			require.NoError(t, idx.DeleteByFilter(ctx, "notes", nil))
			results, err := idx.Search(ctx, "notes", []float32{1, 0}, nil, 0, -1)
			require.NoError(t, err)
			assert.Len(t, results, 3)

			// Delete all chunks of one document.
			require.NoError(t, idx.DeleteByFilter(ctx, "notes",
				[]memory.MemoryFilter{memory.ByDocument("d1")}))
			results, err = idx.Search(ctx, "notes", []float32{1, 0}, nil, 0, -1)
			require.NoError(t, err)
			require.Len(t, results, 1)
			assert.Equal(t, "d2", results[0].DocumentID)
		})
	}
}

func TestIndex_ListAndDeleteIndexes(t *testing.T) {
	ctx := context.Background()
	for name, factory := range indexFactories(t) {
		t.Run(name, func(t *testing.T) {
			idx := factory()

			other := chunk("c2", "d2", "b", []float32{1, 0}, nil)
			other.Index = "archive"
			require.NoError(t, idx.Upsert(ctx, []memory.Chunk{
				chunk("c1", "d1", "a", []float32{1, 0}, nil),
				other,
			}))

			names, err := idx.ListIndexes(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"archive", "notes"}, names)

			require.NoError(t, idx.DeleteIndex(ctx, "archive"))
			require.NoError(t, idx.DeleteIndex(ctx, "archive")) // idempotent

			names, err = idx.ListIndexes(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"notes"}, names)

			results, err := idx.Search(ctx, "archive", []float32{1, 0}, nil, 0, -1)
			require.NoError(t, err)
			assert.Empty(t, results)
		})
	}
}
