// Package service exposes the in-process client surface of the memory
// service: document ingestion, status, deletion, search, and question
// answering. The HTTP layer is a thin shell around this façade.
package service

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"evermem.org/common"
	"evermem.org/index"
	"evermem.org/memory"
	"evermem.org/pipeline"
	"evermem.org/queue"
	"evermem.org/steps"
	"evermem.org/storage"
)

// ErrValidation wraps synchronous ingress rejections: bad index names,
// missing files, unknown steps, oversized input. Such requests are never
// enqueued.
var ErrValidation = errors.New("validation failed")

// Options tunes the façade.
type Options struct {
	// DefaultIndex is used when an upload names no index.
	DefaultIndex string

	// DefaultSteps is the plan applied when an upload names no steps.
	DefaultSteps []string

	// MaxUploadBytes bounds the total size of one upload's files.
	// Zero means no bound.
	MaxUploadBytes int64

	// AskLimit is how many chunks feed answer synthesis.
	AskLimit int
}

func (o Options) withDefaults() Options {
	if o.DefaultIndex == "" {
		o.DefaultIndex = memory.DefaultIndexName
	}
	if len(o.DefaultSteps) == 0 {
		o.DefaultSteps = steps.DefaultPlan()
	}
	if o.AskLimit <= 0 {
		o.AskLimit = 10
	}
	return o
}

// MemoryService is the façade over the pipeline and the retrieval index.
type MemoryService struct {
	artifacts storage.ArtifactStore
	states    pipeline.StateStore
	queue     queue.Queue
	retrieval index.RetrievalIndex
	registry  *pipeline.Registry
	reporter  *pipeline.StatusReporter
	embedder  steps.Embedder
	answerer  Answerer
	options   Options
}

// NewMemoryService wires the façade. The answerer may be nil; Ask then
// degrades to extractive answers.
func NewMemoryService(
	artifacts storage.ArtifactStore,
	states pipeline.StateStore,
	q queue.Queue,
	retrieval index.RetrievalIndex,
	registry *pipeline.Registry,
	embedder steps.Embedder,
	answerer Answerer,
	opts Options,
) *MemoryService {
	return &MemoryService{
		artifacts: artifacts,
		states:    states,
		queue:     q,
		retrieval: retrieval,
		registry:  registry,
		reporter:  pipeline.NewStatusReporter(states),
		embedder:  embedder,
		answerer:  answerer,
		options:   opts.withDefaults(),
	}
}

// ImportDocument validates the upload, persists its source files, creates
// the pipeline state, and enqueues the first step. It returns the document
// id (generated when the client supplied none).
func (s *MemoryService) ImportDocument(ctx context.Context, doc memory.Document, plan []string) (string, error) {
	indexName, err := memory.NormalizeIndexName(doc.Index, s.options.DefaultIndex)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}

	documentID := strings.TrimSpace(doc.ID)
	if documentID == "" {
		documentID = uuid.NewString()
	}

	if len(doc.Files) == 0 {
		return "", fmt.Errorf("%w: document has no files", ErrValidation)
	}
	var total int64
	for _, file := range doc.Files {
		if strings.TrimSpace(file.Name) == "" {
			return "", fmt.Errorf("%w: file has no name", ErrValidation)
		}
		total += int64(len(file.Content))
	}
	if s.options.MaxUploadBytes > 0 && total > s.options.MaxUploadBytes {
		return "", fmt.Errorf("%w: upload size %s exceeds the limit of %s",
			ErrValidation, humanize.Bytes(uint64(total)), humanize.Bytes(uint64(s.options.MaxUploadBytes)))
	}
	for key := range doc.Tags {
		if strings.HasPrefix(key, "__") {
			return "", fmt.Errorf("%w: tag %s uses the reserved prefix", ErrValidation, key)
		}
	}

	if len(plan) == 0 {
		plan = s.options.DefaultSteps
	}
	if err := s.registry.Validate(plan); err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}

	// Re-ingesting replaces a finished run; a run still in flight is
	// rejected so two workers never race on one document.
	existing, err := s.states.Load(ctx, indexName, documentID)
	if err != nil && !errors.Is(err, pipeline.ErrStateNotFound) {
		return "", fmt.Errorf("failed to check existing document: %w", err)
	}
	if existing != nil {
		if !existing.Status.Terminal() {
			return "", pipeline.ErrInFlight
		}
		if err := s.DeleteDocument(ctx, indexName, documentID); err != nil {
			return "", fmt.Errorf("failed to replace document %s: %w", documentID, err)
		}
	}

	state := pipeline.NewState(indexName, documentID, doc.Tags, plan)
	for n, file := range doc.Files {
		key := storage.Key(indexName, documentID, fmt.Sprintf("source.%d%s", n, filepath.Ext(file.Name)))
		if err := s.artifacts.Put(ctx, key, file.Content); err != nil {
			return "", fmt.Errorf("failed to store source file %s: %w", file.Name, err)
		}
		state.Files = append(state.Files, &pipeline.FileRef{
			ID:          uuid.NewString(),
			Name:        file.Name,
			ArtifactKey: key,
			MimeType:    DetectMimeType(file.Name, file.Content),
			Size:        int64(len(file.Content)),
		})
	}

	if err := s.states.Save(ctx, state); err != nil {
		return "", fmt.Errorf("failed to save pipeline state: %w", err)
	}
	if err := s.queue.Enqueue(ctx, queue.Message{Index: indexName, DocumentID: documentID}); err != nil {
		return "", fmt.Errorf("failed to enqueue document: %w", err)
	}

	common.Logger.Info(fmt.Sprintf("accepted document %s/%s: %d files, %s",
		indexName, documentID, len(doc.Files), humanize.Bytes(uint64(total))))
	return documentID, nil
}

// GetStatus returns the pipeline projection of a document.
func (s *MemoryService) GetStatus(ctx context.Context, indexName, documentID string) (*pipeline.StatusReport, error) {
	indexName, err := memory.NormalizeIndexName(indexName, s.options.DefaultIndex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return s.reporter.Report(ctx, indexName, documentID)
}

// IsDocumentReady reports whether the document finished its whole plan.
func (s *MemoryService) IsDocumentReady(ctx context.Context, indexName, documentID string) (bool, error) {
	report, err := s.GetStatus(ctx, indexName, documentID)
	if errors.Is(err, pipeline.ErrStateNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return report.Ready, nil
}

// CancelDocument stops further processing of an in-flight document. The
// worker holding its next message observes the status and acks without
// work.
func (s *MemoryService) CancelDocument(ctx context.Context, indexName, documentID string) error {
	indexName, err := memory.NormalizeIndexName(indexName, s.options.DefaultIndex)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	state, err := s.states.Load(ctx, indexName, documentID)
	if err != nil {
		return err
	}
	if state.Status.Terminal() {
		return nil
	}
	state.Status = pipeline.StatusCancelled
	state.Touch()
	return s.states.Save(ctx, state)
}

// DeleteDocument removes the document's state, artifacts, and index
// records. Idempotent; an in-flight worker aborts on its next save.
func (s *MemoryService) DeleteDocument(ctx context.Context, indexName, documentID string) error {
	indexName, err := memory.NormalizeIndexName(indexName, s.options.DefaultIndex)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	// State first: it is the tombstone in-flight workers check.
	if err := s.states.Delete(ctx, indexName, documentID); err != nil {
		return fmt.Errorf("failed to delete pipeline state: %w", err)
	}
	if err := s.artifacts.Delete(ctx, storage.DocumentPrefix(indexName, documentID)); err != nil {
		return fmt.Errorf("failed to delete artifacts: %w", err)
	}
	filters := []memory.MemoryFilter{memory.ByDocument(documentID)}
	if err := s.retrieval.DeleteByFilter(ctx, indexName, filters); err != nil {
		return fmt.Errorf("failed to delete index records: %w", err)
	}
	common.Logger.Info(fmt.Sprintf("deleted document %s/%s", indexName, documentID))
	return nil
}

// DeleteIndex removes every document and chunk of an index.
func (s *MemoryService) DeleteIndex(ctx context.Context, indexName string) error {
	indexName, err := memory.NormalizeIndexName(indexName, s.options.DefaultIndex)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	states, err := s.states.List(ctx, indexName)
	if err != nil {
		return fmt.Errorf("failed to list documents: %w", err)
	}
	for _, state := range states {
		if err := s.states.Delete(ctx, indexName, state.DocumentID); err != nil {
			return fmt.Errorf("failed to delete pipeline state: %w", err)
		}
	}
	if err := s.artifacts.Delete(ctx, indexName+"/"); err != nil {
		return fmt.Errorf("failed to delete artifacts: %w", err)
	}
	if err := s.retrieval.DeleteIndex(ctx, indexName); err != nil {
		return fmt.Errorf("failed to delete index records: %w", err)
	}
	common.Logger.Info("deleted index ", indexName)
	return nil
}

// ListIndexes returns the indexes that currently hold retrievable chunks.
func (s *MemoryService) ListIndexes(ctx context.Context) ([]string, error) {
	return s.retrieval.ListIndexes(ctx)
}

// SearchRequest is a retrieval query.
type SearchRequest struct {
	Index        string                `json:"index"`
	Query        string                `json:"query"`
	Filters      []memory.MemoryFilter `json:"filters,omitempty"`
	MinRelevance float64               `json:"minRelevance,omitempty"`

	// Limit caps the result count. Zero returns nothing; negative means
	// unbounded.
	Limit int `json:"limit,omitempty"`
}

// SearchResponse carries the ranked chunks.
type SearchResponse struct {
	Query   string         `json:"query"`
	Results []memory.Chunk `json:"results"`
}

// Search embeds the query and ranks matching chunks.
func (s *MemoryService) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	indexName, err := memory.NormalizeIndexName(req.Index, s.options.DefaultIndex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	resp := &SearchResponse{Query: req.Query, Results: []memory.Chunk{}}
	if strings.TrimSpace(req.Query) == "" || req.Limit == 0 {
		return resp, nil
	}

	vectors, err := s.embedder.Embed(ctx, []string{req.Query})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	limit := req.Limit
	results, err := s.retrieval.Search(ctx, indexName, vectors[0], req.Filters, req.MinRelevance, limit)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	for i := range results {
		results[i].Vector = nil // payload noise for clients
	}
	resp.Results = results
	return resp, nil
}

// AskRequest is a question over an index.
type AskRequest struct {
	Index        string                `json:"index"`
	Question     string                `json:"question"`
	Filters      []memory.MemoryFilter `json:"filters,omitempty"`
	MinRelevance float64               `json:"minRelevance,omitempty"`
}

// AskResponse is a synthesised answer with its supporting chunks.
type AskResponse struct {
	Question  string            `json:"question"`
	Answer    string            `json:"answer"`
	NoResult  bool              `json:"noResult"`
	Citations []memory.Citation `json:"citations,omitempty"`
}

// Ask retrieves the most relevant chunks and synthesises an answer. With
// no answerer configured the response is extractive: the top chunks joined
// verbatim.
func (s *MemoryService) Ask(ctx context.Context, req AskRequest) (*AskResponse, error) {
	search, err := s.Search(ctx, SearchRequest{
		Index:        req.Index,
		Query:        req.Question,
		Filters:      req.Filters,
		MinRelevance: req.MinRelevance,
		Limit:        s.options.AskLimit,
	})
	if err != nil {
		return nil, err
	}

	resp := &AskResponse{Question: req.Question}
	if len(search.Results) == 0 {
		resp.NoResult = true
		resp.Answer = "INFO NOT FOUND"
		return resp, nil
	}

	facts := make([]string, len(search.Results))
	for i, chunk := range search.Results {
		facts[i] = chunk.Text
		resp.Citations = append(resp.Citations, memory.Citation{
			DocumentID: chunk.DocumentID,
			FileID:     chunk.FileID,
			PartNumber: chunk.PartNumber,
			Text:       chunk.Text,
			Score:      chunk.Score,
		})
	}

	if s.answerer != nil {
		answer, err := s.answerer.Answer(ctx, req.Question, facts)
		if err != nil {
			return nil, fmt.Errorf("failed to synthesise answer: %w", err)
		}
		resp.Answer = answer
		return resp, nil
	}

	// Extractive fallback: stitch the best facts together.
	limit := 3
	if len(facts) < limit {
		limit = len(facts)
	}
	resp.Answer = strings.Join(facts[:limit], "\n\n")
	return resp, nil
}

// DeadLetters surfaces the queue's poison pile for operators.
func (s *MemoryService) DeadLetters(ctx context.Context) ([]queue.DeadLetter, error) {
	return s.queue.DeadLetters(ctx)
}

// DetectMimeType resolves a content type from the file extension, falling
// back to content sniffing.
func DetectMimeType(name string, content []byte) string {
	if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); byExt != "" {
		return byExt
	}
	if len(content) > 0 {
		return http.DetectContentType(content)
	}
	return "application/octet-stream"
}
