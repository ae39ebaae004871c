// Package steps provides the built-in pipeline handlers: text extraction,
// partitioning, embedding generation, and writing the resulting chunks to
// the retrieval index. Every handler derives its artifact keys
// deterministically from (step, file id, part number), so a re-invoked
// handler overwrites its own prior output instead of duplicating it.
package steps

import "fmt"

// Step names of the default ingestion plan, in execution order.
const (
	StepExtractText        = "extract_text"
	StepPartitionText      = "partition_text"
	StepGenerateEmbeddings = "generate_embeddings"
	StepSaveRecords        = "save_records"
)

// DefaultPlan returns the standard step sequence applied when an upload
// names no steps.
func DefaultPlan() []string {
	return []string{StepExtractText, StepPartitionText, StepGenerateEmbeddings, StepSaveRecords}
}

// artifactName builds the canonical name of a step output artifact.
func artifactName(step, fileID string, part int, ext string) string {
	return fmt.Sprintf("%s.%s.%d.%s", step, fileID, part, ext)
}
