package steps

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"evermem.org/pipeline"
	"evermem.org/storage"
)

// sentenceEndPattern marks sentence boundaries: terminal punctuation
// followed by whitespace.
var sentenceEndPattern = regexp.MustCompile(`([.!?])(\s+)`)

// PartitionConfig tunes the chunking windows.
type PartitionConfig struct {
	// MaxChars is the upper bound of one partition.
	MaxChars int

	// OverlapChars is how much of the previous window's tail is repeated at
	// the start of the next one, in whole sentences.
	OverlapChars int
}

// DefaultPartitionConfig matches the ingestion defaults.
func DefaultPartitionConfig() PartitionConfig {
	return PartitionConfig{MaxChars: 1000, OverlapChars: 100}
}

// PartitionTextHandler splits extracted text into overlapping,
// sentence-aligned windows, one artifact per partition.
type PartitionTextHandler struct {
	artifacts storage.ArtifactStore
	config    PartitionConfig
}

// NewPartitionTextHandler wires the handler.
func NewPartitionTextHandler(artifacts storage.ArtifactStore, cfg PartitionConfig) *PartitionTextHandler {
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = DefaultPartitionConfig().MaxChars
	}
	if cfg.OverlapChars < 0 || cfg.OverlapChars >= cfg.MaxChars {
		cfg.OverlapChars = 0
	}
	return &PartitionTextHandler{artifacts: artifacts, config: cfg}
}

func (h *PartitionTextHandler) Name() string {
	return StepPartitionText
}

// Invoke partitions every extracted text artifact that has no partitions
// yet.
func (h *PartitionTextHandler) Invoke(ctx context.Context, state *pipeline.State) (pipeline.Outcome, error) {
	for _, file := range state.Files {
		if len(file.GeneratedBy(StepPartitionText)) > 0 {
			continue
		}
		for _, extracted := range file.GeneratedBy(StepExtractText) {
			content, err := h.artifacts.Get(ctx, extracted.ArtifactKey)
			if err != nil {
				return pipeline.Outcome{}, fmt.Errorf("failed to read extracted text %s: %w", extracted.ArtifactKey, err)
			}

			partitions := Partition(string(content), h.config)
			for part, text := range partitions {
				key := storage.Key(state.Index, state.DocumentID, artifactName(StepPartitionText, file.ID, part, "txt"))
				if err := h.artifacts.Put(ctx, key, []byte(text)); err != nil {
					return pipeline.Outcome{}, fmt.Errorf("failed to write partition: %w", err)
				}
				file.AddGenerated(pipeline.GeneratedFile{
					Step:        StepPartitionText,
					ArtifactKey: key,
					ContentType: "text/plain",
				})
			}
		}
	}
	return pipeline.Advance(), nil
}

// Partition splits text into windows of at most MaxChars, preferring
// sentence boundaries and overlapping consecutive windows by roughly
// OverlapChars of trailing sentences.
func Partition(text string, cfg PartitionConfig) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= cfg.MaxChars {
		return []string{text}
	}

	sentences := splitSentences(text)

	var partitions []string
	var window []string
	windowLen := 0
	for _, sentence := range sentences {
		// Oversized single sentences are hard-split on rune boundaries.
		for len(sentence) > cfg.MaxChars {
			if windowLen > 0 {
				partitions = append(partitions, strings.Join(window, " "))
				window, windowLen = nil, 0
			}
			cut := runeCut(sentence, cfg.MaxChars)
			partitions = append(partitions, strings.TrimSpace(sentence[:cut]))
			sentence = strings.TrimSpace(sentence[cut:])
		}
		if sentence == "" {
			continue
		}

		if windowLen > 0 && windowLen+1+len(sentence) > cfg.MaxChars {
			partitions = append(partitions, strings.Join(window, " "))
			window = overlapTail(window, cfg.OverlapChars)
			// The overlap tail plus the next sentence must still fit the
			// window bound; drop leading tail sentences until it does.
			for len(window) > 0 && joinedLen(window)+1+len(sentence) > cfg.MaxChars {
				window = window[1:]
			}
			windowLen = joinedLen(window)
		}
		window = append(window, sentence)
		windowLen = joinedLen(window)
	}
	if windowLen > 0 {
		partitions = append(partitions, strings.Join(window, " "))
	}
	return partitions
}

// runeCut returns the largest byte index not above max that falls on a rune
// boundary, always at least one full rune so progress is guaranteed.
func runeCut(s string, max int) int {
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	if cut == 0 {
		_, size := utf8.DecodeRuneInString(s)
		return size
	}
	return cut
}

func splitSentences(text string) []string {
	marked := sentenceEndPattern.ReplaceAllString(text, "$1\x00")
	parts := strings.Split(marked, "\x00")
	sentences := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			sentences = append(sentences, part)
		}
	}
	return sentences
}

// overlapTail returns the trailing sentences of the window up to the
// overlap budget.
func overlapTail(window []string, budget int) []string {
	if budget <= 0 {
		return nil
	}
	total := 0
	start := len(window)
	for i := len(window) - 1; i >= 0; i-- {
		total += len(window[i]) + 1
		if total > budget {
			break
		}
		start = i
	}
	if start == len(window) {
		return nil
	}
	return append([]string(nil), window[start:]...)
}

func joinedLen(window []string) int {
	if len(window) == 0 {
		return 0
	}
	total := len(window) - 1
	for _, s := range window {
		total += len(s)
	}
	return total
}
