package index

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	goredis "github.com/redis/go-redis/v9"

	"evermem.org/memory"
)

// RedisIndex stores each index as a Redis hash of chunk id to chunk JSON.
// Scoring happens in-process after loading the index's chunks, which is
// adequate for the corpus sizes this service targets.
type RedisIndex struct {
	client *goredis.Client
	prefix string
}

// RedisIndexConfig configures the Redis retrieval index.
type RedisIndexConfig struct {
	URL       string
	KeyPrefix string
}

// NewRedisIndex connects to Redis and returns an index client.
func NewRedisIndex(ctx context.Context, cfg RedisIndexConfig) (*RedisIndex, error) {
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisIndexWithClient(client, cfg), nil
}

// NewRedisIndexWithClient wraps an existing client. Used by tests with
// miniredis.
func NewRedisIndexWithClient(client *goredis.Client, cfg RedisIndexConfig) *RedisIndex {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "evermem:index:"
	}
	return &RedisIndex{client: client, prefix: prefix}
}

func (r *RedisIndex) chunksKey(indexName string) string { return r.prefix + "chunks:" + indexName }
func (r *RedisIndex) namesKey() string                  { return r.prefix + "names" }

// Upsert writes chunks into their index hashes.
func (r *RedisIndex) Upsert(ctx context.Context, chunks []memory.Chunk) error {
	for _, chunk := range chunks {
		data, err := json.Marshal(chunk)
		if err != nil {
			return fmt.Errorf("failed to marshal chunk %s: %w", chunk.ID, err)
		}
		if err := r.client.HSet(ctx, r.chunksKey(chunk.Index), chunk.ID, data).Err(); err != nil {
			return fmt.Errorf("failed to store chunk %s: %w", chunk.ID, err)
		}
		if err := r.client.SAdd(ctx, r.namesKey(), chunk.Index).Err(); err != nil {
			return fmt.Errorf("failed to register index %s: %w", chunk.Index, err)
		}
	}
	return nil
}

func (r *RedisIndex) loadChunks(ctx context.Context, indexName string) ([]memory.Chunk, error) {
	values, err := r.client.HGetAll(ctx, r.chunksKey(indexName)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load index %s: %w", indexName, err)
	}
	chunks := make([]memory.Chunk, 0, len(values))
	for id, value := range values {
		var chunk memory.Chunk
		if err := json.Unmarshal([]byte(value), &chunk); err != nil {
			return nil, fmt.Errorf("failed to decode chunk %s: %w", id, err)
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

// DeleteByFilter removes matched chunks. An empty filter list removes
// nothing.
func (r *RedisIndex) DeleteByFilter(ctx context.Context, indexName string, filters []memory.MemoryFilter) error {
	if len(filters) == 0 {
		return nil
	}
	chunks, err := r.loadChunks(ctx, indexName)
	if err != nil {
		return err
	}
	for _, chunk := range chunks {
		if !memory.MatchesAny(filters, chunk.Tags) {
			continue
		}
		if err := r.client.HDel(ctx, r.chunksKey(indexName), chunk.ID).Err(); err != nil {
			return fmt.Errorf("failed to delete chunk %s: %w", chunk.ID, err)
		}
	}
	remaining, err := r.client.HLen(ctx, r.chunksKey(indexName)).Result()
	if err != nil {
		return fmt.Errorf("failed to check index %s: %w", indexName, err)
	}
	if remaining == 0 {
		r.client.SRem(ctx, r.namesKey(), indexName)
	}
	return nil
}

// Search loads the index and ranks its chunks in-process.
func (r *RedisIndex) Search(ctx context.Context, indexName string, vector []float32, filters []memory.MemoryFilter, minScore float64, limit int) ([]memory.Chunk, error) {
	chunks, err := r.loadChunks(ctx, indexName)
	if err != nil {
		return nil, err
	}
	return rankChunks(chunks, vector, filters, minScore, limit), nil
}

// ListIndexes returns the registered index names, sorted.
func (r *RedisIndex) ListIndexes(ctx context.Context) ([]string, error) {
	names, err := r.client.SMembers(ctx, r.namesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list indexes: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// DeleteIndex drops the index hash and its registration. Idempotent.
func (r *RedisIndex) DeleteIndex(ctx context.Context, indexName string) error {
	if err := r.client.Del(ctx, r.chunksKey(indexName)).Err(); err != nil {
		return fmt.Errorf("failed to delete index %s: %w", indexName, err)
	}
	if err := r.client.SRem(ctx, r.namesKey(), indexName).Err(); err != nil {
		return fmt.Errorf("failed to deregister index %s: %w", indexName, err)
	}
	return nil
}

// Close closes the Redis connection.
func (r *RedisIndex) Close() error {
	return r.client.Close()
}
