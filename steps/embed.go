package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"evermem.org/pipeline"
	"evermem.org/storage"
)

// GenerateEmbeddingsHandler embeds every text partition and stores the
// vector as a sibling artifact.
type GenerateEmbeddingsHandler struct {
	artifacts storage.ArtifactStore
	embedder  Embedder
}

// NewGenerateEmbeddingsHandler wires the handler.
func NewGenerateEmbeddingsHandler(artifacts storage.ArtifactStore, embedder Embedder) *GenerateEmbeddingsHandler {
	return &GenerateEmbeddingsHandler{artifacts: artifacts, embedder: embedder}
}

func (h *GenerateEmbeddingsHandler) Name() string {
	return StepGenerateEmbeddings
}

// Invoke embeds the partitions of every file that has no embeddings yet.
// Embedding backend failures are transient; the orchestrator retries them.
func (h *GenerateEmbeddingsHandler) Invoke(ctx context.Context, state *pipeline.State) (pipeline.Outcome, error) {
	for _, file := range state.Files {
		partitions := file.GeneratedBy(StepPartitionText)
		if len(partitions) == 0 || len(file.GeneratedBy(StepGenerateEmbeddings)) >= len(partitions) {
			continue
		}

		texts := make([]string, len(partitions))
		for i, partition := range partitions {
			content, err := h.artifacts.Get(ctx, partition.ArtifactKey)
			if err != nil {
				return pipeline.Outcome{}, fmt.Errorf("failed to read partition %s: %w", partition.ArtifactKey, err)
			}
			texts[i] = string(content)
		}

		vectors, err := h.embedder.Embed(ctx, texts)
		if err != nil {
			return pipeline.Outcome{}, fmt.Errorf("failed to embed partitions of file %s: %w", file.ID, err)
		}
		if len(vectors) != len(partitions) {
			return pipeline.Fatal(fmt.Sprintf("embedder returned %d vectors for %d partitions", len(vectors), len(partitions))), nil
		}

		for i, vector := range vectors {
			part, err := partitionNumber(partitions[i].ArtifactKey)
			if err != nil {
				return pipeline.Fatal(err.Error()), nil
			}
			data, err := json.Marshal(vector)
			if err != nil {
				return pipeline.Outcome{}, fmt.Errorf("failed to marshal vector: %w", err)
			}
			key := storage.Key(state.Index, state.DocumentID, artifactName(StepGenerateEmbeddings, file.ID, part, "vec"))
			if err := h.artifacts.Put(ctx, key, data); err != nil {
				return pipeline.Outcome{}, fmt.Errorf("failed to write embedding: %w", err)
			}
			file.AddGenerated(pipeline.GeneratedFile{
				Step:        StepGenerateEmbeddings,
				ArtifactKey: key,
				ContentType: "application/json",
			})
		}
	}
	return pipeline.Advance(), nil
}

// partitionNumber recovers the part index from an artifact key of the form
// .../{step}.{file_id}.{part}.{ext}.
func partitionNumber(artifactKey string) (int, error) {
	parts := strings.Split(artifactKey, ".")
	if len(parts) < 2 {
		return 0, fmt.Errorf("artifact key %s has no part number", artifactKey)
	}
	part, err := strconv.Atoi(parts[len(parts)-2])
	if err != nil {
		return 0, fmt.Errorf("artifact key %s has no part number: %v", artifactKey, err)
	}
	return part, nil
}
