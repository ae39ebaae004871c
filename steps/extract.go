package steps

import (
	"context"
	"fmt"
	"html"
	"regexp"
	"strings"

	"evermem.org/pipeline"
	"evermem.org/storage"
)

var (
	htmlTagPattern    = regexp.MustCompile(`(?s)<script.*?</script>|<style.*?</style>|<[^>]*>`)
	whitespacePattern = regexp.MustCompile(`[ \t]+`)
	blankLinePattern  = regexp.MustCompile(`\n{3,}`)
)

// textMimeTypes are non-"text/*" content types the extractor still treats
// as plain text.
var textMimeTypes = map[string]bool{
	"application/json":   true,
	"application/xml":    true,
	"application/x-yaml": true,
	"application/yaml":   true,
	"application/javascript": true,
	"application/xhtml+xml":  true,
}

// ExtractTextHandler turns each source file into a plain-text artifact.
// Text-like files pass through; HTML is stripped of markup. Anything else
// fails the document permanently, since retrying cannot change the format.
type ExtractTextHandler struct {
	artifacts storage.ArtifactStore
}

// NewExtractTextHandler wires the handler to the artifact store.
func NewExtractTextHandler(artifacts storage.ArtifactStore) *ExtractTextHandler {
	return &ExtractTextHandler{artifacts: artifacts}
}

func (h *ExtractTextHandler) Name() string {
	return StepExtractText
}

// Invoke extracts text from every source file that has none yet.
func (h *ExtractTextHandler) Invoke(ctx context.Context, state *pipeline.State) (pipeline.Outcome, error) {
	for _, file := range state.Files {
		if len(file.GeneratedBy(StepExtractText)) > 0 {
			continue // prior run already extracted this file
		}

		if !extractable(file.MimeType) {
			return pipeline.Fatal(fmt.Sprintf("unsupported file format %s for file %s", file.MimeType, file.Name)), nil
		}

		content, err := h.artifacts.Get(ctx, file.ArtifactKey)
		if err != nil {
			return pipeline.Outcome{}, fmt.Errorf("failed to read source file %s: %w", file.ArtifactKey, err)
		}

		text := extractText(file.MimeType, content)
		key := storage.Key(state.Index, state.DocumentID, artifactName(StepExtractText, file.ID, 0, "txt"))
		if err := h.artifacts.Put(ctx, key, []byte(text)); err != nil {
			return pipeline.Outcome{}, fmt.Errorf("failed to write extracted text: %w", err)
		}

		file.AddGenerated(pipeline.GeneratedFile{
			Step:        StepExtractText,
			ArtifactKey: key,
			ContentType: "text/plain",
		})
	}
	return pipeline.Advance(), nil
}

func extractable(mimeType string) bool {
	base := mimeType
	if i := strings.Index(base, ";"); i >= 0 {
		base = strings.TrimSpace(base[:i])
	}
	if strings.HasPrefix(base, "text/") {
		return true
	}
	return textMimeTypes[base]
}

func extractText(mimeType string, content []byte) string {
	text := string(content)
	if strings.HasPrefix(mimeType, "text/html") || strings.HasPrefix(mimeType, "application/xhtml") {
		text = htmlTagPattern.ReplaceAllString(text, " ")
		text = html.UnescapeString(text)
	}
	text = whitespacePattern.ReplaceAllString(text, " ")
	text = blankLinePattern.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
