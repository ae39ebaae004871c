package steps

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// Embedder converts text into dense vectors. One call embeds a batch;
// implementations return one vector per input in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// OpenAIEmbedder calls an OpenAI-compatible embeddings endpoint.
type OpenAIEmbedder struct {
	client openai.Client
	model  string
}

// OpenAIConfig configures the OpenAI adapter. BaseURL is optional and
// supports compatible endpoints.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// NewOpenAIEmbedder builds the adapter.
func NewOpenAIEmbedder(cfg OpenAIConfig) *OpenAIEmbedder {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = string(openai.EmbeddingModelTextEmbedding3Small)
	}
	return &OpenAIEmbedder{client: openai.NewClient(opts...), model: model}
}

// Embed requests embeddings for the batch.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(e.model),
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to request embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding response has %d vectors for %d inputs", len(resp.Data), len(texts))
	}
	vectors := make([][]float32, len(resp.Data))
	for i, item := range resp.Data {
		vector := make([]float32, len(item.Embedding))
		for j, v := range item.Embedding {
			vector[j] = float32(v)
		}
		vectors[i] = vector
	}
	return vectors, nil
}

// LocalEmbedder is a deterministic bag-of-words embedder for deployments
// without an embedding backend and for tests. Texts sharing words get
// proportionally similar vectors.
type LocalEmbedder struct {
	dimensions int
}

// NewLocalEmbedder returns a local embedder with the given vector size
// (64 when non-positive).
func NewLocalEmbedder(dimensions int) *LocalEmbedder {
	if dimensions <= 0 {
		dimensions = 64
	}
	return &LocalEmbedder{dimensions: dimensions}
}

// Embed hashes each token into a fixed-size vector and normalises it.
func (e *LocalEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vector := make([]float32, e.dimensions)
		for _, token := range strings.Fields(strings.ToLower(text)) {
			token = strings.Trim(token, ".,;:!?\"'()[]{}")
			if token == "" {
				continue
			}
			h := fnv.New32a()
			h.Write([]byte(token))
			vector[h.Sum32()%uint32(e.dimensions)]++
		}
		normalise(vector)
		vectors[i] = vector
	}
	return vectors, nil
}

func normalise(vector []float32) {
	var sum float64
	for _, v := range vector {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vector {
		vector[i] /= norm
	}
}
