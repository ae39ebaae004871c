package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"evermem.org/index"
	"evermem.org/memory"
	"evermem.org/pipeline"
	"evermem.org/storage"
)

// SaveRecordsHandler is the terminal step: it joins each text partition
// with its embedding and upserts the resulting chunks into the retrieval
// index. Chunk ids are deterministic, so re-runs replace instead of
// duplicating.
type SaveRecordsHandler struct {
	artifacts storage.ArtifactStore
	retrieval index.RetrievalIndex
}

// NewSaveRecordsHandler wires the handler.
func NewSaveRecordsHandler(artifacts storage.ArtifactStore, retrieval index.RetrievalIndex) *SaveRecordsHandler {
	return &SaveRecordsHandler{artifacts: artifacts, retrieval: retrieval}
}

func (h *SaveRecordsHandler) Name() string {
	return StepSaveRecords
}

// Invoke writes all chunks of the document to the retrieval index.
func (h *SaveRecordsHandler) Invoke(ctx context.Context, state *pipeline.State) (pipeline.Outcome, error) {
	var chunks []memory.Chunk
	for _, file := range state.Files {
		embeddings := make(map[int][]float32)
		for _, generated := range file.GeneratedBy(StepGenerateEmbeddings) {
			part, err := partitionNumber(generated.ArtifactKey)
			if err != nil {
				return pipeline.Fatal(err.Error()), nil
			}
			data, err := h.artifacts.Get(ctx, generated.ArtifactKey)
			if err != nil {
				return pipeline.Outcome{}, fmt.Errorf("failed to read embedding %s: %w", generated.ArtifactKey, err)
			}
			var vector []float32
			if err := json.Unmarshal(data, &vector); err != nil {
				return pipeline.Fatal(fmt.Sprintf("corrupt embedding artifact %s: %v", generated.ArtifactKey, err)), nil
			}
			embeddings[part] = vector
		}

		for _, partition := range file.GeneratedBy(StepPartitionText) {
			part, err := partitionNumber(partition.ArtifactKey)
			if err != nil {
				return pipeline.Fatal(err.Error()), nil
			}
			vector, ok := embeddings[part]
			if !ok {
				return pipeline.Outcome{}, fmt.Errorf("partition %d of file %s has no embedding yet", part, file.ID)
			}
			content, err := h.artifacts.Get(ctx, partition.ArtifactKey)
			if err != nil {
				return pipeline.Outcome{}, fmt.Errorf("failed to read partition %s: %w", partition.ArtifactKey, err)
			}

			tags := state.Tags.Clone()
			tags.Set(memory.TagDocumentID, state.DocumentID)
			tags.Set(memory.TagFileID, file.ID)
			tags.Set(memory.TagFilePart, strconv.Itoa(part))
			tags.Set(memory.TagFileType, file.MimeType)

			chunks = append(chunks, memory.Chunk{
				ID:         fmt.Sprintf("%s/%s/%s/%d", state.Index, state.DocumentID, file.ID, part),
				Index:      state.Index,
				DocumentID: state.DocumentID,
				FileID:     file.ID,
				PartNumber: part,
				Text:       string(content),
				Tags:       tags,
				Vector:     vector,
			})
		}
	}

	if len(chunks) > 0 {
		if err := h.retrieval.Upsert(ctx, chunks); err != nil {
			return pipeline.Outcome{}, fmt.Errorf("failed to upsert chunks: %w", err)
		}
	}
	return pipeline.Advance(), nil
}
