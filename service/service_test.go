package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evermem.org/index"
	"evermem.org/memory"
	"evermem.org/pipeline"
	"evermem.org/queue"
	"evermem.org/steps"
	"evermem.org/storage"
)

type testStack struct {
	service      *MemoryService
	orchestrator *pipeline.Orchestrator
	queue        *queue.MemoryQueue
	retrieval    *index.MemoryIndex
	states       pipeline.StateStore
	registry     *pipeline.Registry
}

func newTestStack(t *testing.T, opts Options) *testStack {
	t.Helper()

	artifacts := storage.NewMemoryStore()
	states := pipeline.NewArtifactStateStore(artifacts)
	q := queue.NewMemoryQueue(queue.MemoryQueueConfig{})
	retrieval := index.NewMemoryIndex()
	embedder := steps.NewLocalEmbedder(64)

	registry := pipeline.NewRegistry()
	require.NoError(t, registry.Register(steps.NewExtractTextHandler(artifacts)))
	require.NoError(t, registry.Register(steps.NewPartitionTextHandler(artifacts, steps.PartitionConfig{MaxChars: 60})))
	require.NoError(t, registry.Register(steps.NewGenerateEmbeddingsHandler(artifacts, embedder)))
	require.NoError(t, registry.Register(steps.NewSaveRecordsHandler(artifacts, retrieval)))

	orchestrator := pipeline.NewOrchestrator(q, states, registry, pipeline.OrchestratorConfig{
		IdleSleep: 5 * time.Millisecond,
	})
	svc := NewMemoryService(artifacts, states, q, retrieval, registry, embedder, nil, opts)

	return &testStack{
		service:      svc,
		orchestrator: orchestrator,
		queue:        q,
		retrieval:    retrieval,
		states:       states,
		registry:     registry,
	}
}

// drain processes queued deliveries inline until the queue stays empty.
func (ts *testStack) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 200; i++ {
		msg, lease, err := ts.queue.Dequeue(ctx)
		if errors.Is(err, queue.ErrEmpty) {
			return
		}
		require.NoError(t, err)
		ts.orchestrator.ProcessMessage(ctx, msg, lease)
	}
	t.Fatal("queue did not drain")
}

func textDocument(id, text string) memory.Document {
	return memory.Document{
		ID:    id,
		Index: "notes",
		Tags:  memory.TagCollection{"user": {"alice"}},
		Files: []memory.UploadedFile{{Name: "note.txt", Content: []byte(text)}},
	}
}

// chunkTexts returns the indexed chunk texts of one document.
func chunkTexts(t *testing.T, ts *testStack, docID string) []string {
	t.Helper()
	resp, err := ts.service.Search(context.Background(), SearchRequest{
		Index:   "notes",
		Query:   "anything",
		Filters: []memory.MemoryFilter{memory.ByDocument(docID)},
		Limit:   -1,
	})
	require.NoError(t, err)
	texts := make([]string, 0, len(resp.Results))
	for _, chunk := range resp.Results {
		texts = append(texts, chunk.Text)
	}
	return texts
}

func TestImportDocument_Validation(t *testing.T) {
	ctx := context.Background()
	ts := newTestStack(t, Options{MaxUploadBytes: 32})

	tests := []struct {
		name string
		doc  memory.Document
		plan []string
	}{
		{"NoFiles", memory.Document{Index: "notes"}, nil},
		{"UnnamedFile", memory.Document{Index: "notes",
			Files: []memory.UploadedFile{{Name: "  ", Content: []byte("x")}}}, nil},
		{"BadIndexName", memory.Document{Index: "!!!",
			Files: []memory.UploadedFile{{Name: "a.txt", Content: []byte("x")}}}, nil},
		{"Oversized", memory.Document{Index: "notes",
			Files: []memory.UploadedFile{{Name: "a.txt", Content: []byte(strings.Repeat("x", 64))}}}, nil},
		{"ReservedTag", memory.Document{Index: "notes",
			Tags:  memory.TagCollection{"__document_id": {"spoofed"}},
			Files: []memory.UploadedFile{{Name: "a.txt", Content: []byte("x")}}}, nil},
		{"UnknownStep", textDocument("", "hello"), []string{"extract_text", "summarise"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ts.service.ImportDocument(ctx, tt.doc, tt.plan)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}

	// Nothing got queued by any of the rejected uploads.
	_, _, err := ts.queue.Dequeue(ctx)
	assert.ErrorIs(t, err, queue.ErrEmpty)
}

func TestImportDocument_GeneratesDocumentID(t *testing.T) {
	ctx := context.Background()
	ts := newTestStack(t, Options{})

	id, err := ts.service.ImportDocument(ctx, textDocument("", "hello world"), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	state, err := ts.states.Load(ctx, "notes", id)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusPending, state.Status)
	assert.Equal(t, steps.DefaultPlan(), state.Plan())
	require.Len(t, state.Files, 1)
	assert.Equal(t, "text/plain; charset=utf-8", state.Files[0].MimeType)
}

func TestImportDocument_RejectsInFlightDocument(t *testing.T) {
	ctx := context.Background()
	ts := newTestStack(t, Options{})

	id, err := ts.service.ImportDocument(ctx, textDocument("d1", "hello"), nil)
	require.NoError(t, err)

	_, err = ts.service.ImportDocument(ctx, textDocument(id, "hello again"), nil)
	assert.ErrorIs(t, err, pipeline.ErrInFlight)
}

func TestImportDocument_ReplacesTerminalDocument(t *testing.T) {
	ctx := context.Background()
	ts := newTestStack(t, Options{})

	_, err := ts.service.ImportDocument(ctx,
		textDocument("d1", "The capital of France is Paris."), nil)
	require.NoError(t, err)
	ts.drain(t)

	_, err = ts.service.ImportDocument(ctx,
		textDocument("d1", "The capital of Italy is Rome."), nil)
	require.NoError(t, err)
	ts.drain(t)

	resp, err := ts.service.Search(ctx, SearchRequest{
		Index: "notes", Query: "capital city", Limit: -1,
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	for _, chunk := range resp.Results {
		assert.NotContains(t, chunk.Text, "Paris")
	}
}

func TestIngestSearchAndAsk(t *testing.T) {
	ctx := context.Background()
	ts := newTestStack(t, Options{})

	_, err := ts.service.ImportDocument(ctx, textDocument("d1",
		"The moon orbits the earth. The earth orbits the sun."), nil)
	require.NoError(t, err)

	ready, err := ts.service.IsDocumentReady(ctx, "notes", "d1")
	require.NoError(t, err)
	assert.False(t, ready)

	ts.drain(t)

	ready, err = ts.service.IsDocumentReady(ctx, "notes", "d1")
	require.NoError(t, err)
	assert.True(t, ready)

	report, err := ts.service.GetStatus(ctx, "notes", "d1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusComplete, report.Status)
	assert.Empty(t, report.RemainingSteps)
	assert.Len(t, report.CompletedSteps, len(steps.DefaultPlan()))

	resp, err := ts.service.Search(ctx, SearchRequest{
		Index: "notes", Query: "What does the moon orbit?", Limit: 1,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Contains(t, resp.Results[0].Text, "moon orbits the earth")
	assert.Nil(t, resp.Results[0].Vector)
	assert.Greater(t, resp.Results[0].Score, 0.0)

	answer, err := ts.service.Ask(ctx, AskRequest{
		Index: "notes", Question: "What does the moon orbit?",
	})
	require.NoError(t, err)
	assert.False(t, answer.NoResult)
	assert.Contains(t, answer.Answer, "moon orbits the earth")
	require.NotEmpty(t, answer.Citations)
	assert.Equal(t, "d1", answer.Citations[0].DocumentID)
}

func TestSearch_EmptyQueryAndZeroLimit(t *testing.T) {
	ctx := context.Background()
	ts := newTestStack(t, Options{})

	resp, err := ts.service.Search(ctx, SearchRequest{Index: "notes", Query: "  ", Limit: 5})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)

	resp, err = ts.service.Search(ctx, SearchRequest{Index: "notes", Query: "anything", Limit: 0})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
}

func TestAsk_NoMatchReportsNoResult(t *testing.T) {
	ctx := context.Background()
	ts := newTestStack(t, Options{})

	resp, err := ts.service.Ask(ctx, AskRequest{Index: "notes", Question: "Anything at all?"})
	require.NoError(t, err)
	assert.True(t, resp.NoResult)
	assert.Equal(t, "INFO NOT FOUND", resp.Answer)
	assert.Empty(t, resp.Citations)
}

func TestSearch_AppliesTagFilters(t *testing.T) {
	ctx := context.Background()
	ts := newTestStack(t, Options{})

	alice := textDocument("d1", "Alice prefers green tea in the morning.")
	bob := textDocument("d2", "Bob prefers black coffee in the morning.")
	bob.Tags = memory.TagCollection{"user": {"bob"}}

	for _, doc := range []memory.Document{alice, bob} {
		_, err := ts.service.ImportDocument(ctx, doc, nil)
		require.NoError(t, err)
	}
	ts.drain(t)

	resp, err := ts.service.Search(ctx, SearchRequest{
		Index:   "notes",
		Query:   "morning drink preference",
		Filters: []memory.MemoryFilter{memory.ByTag("user", "bob")},
		Limit:   -1,
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	for _, chunk := range resp.Results {
		assert.Equal(t, "d2", chunk.DocumentID)
	}
}

func TestDeleteDocument_RemovesChunks(t *testing.T) {
	ctx := context.Background()
	ts := newTestStack(t, Options{})

	_, err := ts.service.ImportDocument(ctx, textDocument("d1", "The sky is blue."), nil)
	require.NoError(t, err)
	ts.drain(t)

	require.NoError(t, ts.service.DeleteDocument(ctx, "notes", "d1"))

	_, err = ts.service.GetStatus(ctx, "notes", "d1")
	assert.ErrorIs(t, err, pipeline.ErrStateNotFound)

	resp, err := ts.service.Search(ctx, SearchRequest{Index: "notes", Query: "sky", Limit: -1})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)

	// Deleting again is a no-op.
	assert.NoError(t, ts.service.DeleteDocument(ctx, "notes", "d1"))
}

func TestDeleteIndex_RemovesEverything(t *testing.T) {
	ctx := context.Background()
	ts := newTestStack(t, Options{})

	_, err := ts.service.ImportDocument(ctx, textDocument("d1", "The sky is blue."), nil)
	require.NoError(t, err)
	_, err = ts.service.ImportDocument(ctx, textDocument("d2", "Grass is green."), nil)
	require.NoError(t, err)
	ts.drain(t)

	indexes, err := ts.service.ListIndexes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"notes"}, indexes)

	require.NoError(t, ts.service.DeleteIndex(ctx, "notes"))

	indexes, err = ts.service.ListIndexes(ctx)
	require.NoError(t, err)
	assert.Empty(t, indexes)

	states, err := ts.states.List(ctx, "notes")
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestCancelDocument(t *testing.T) {
	ctx := context.Background()
	ts := newTestStack(t, Options{})

	_, err := ts.service.ImportDocument(ctx, textDocument("d1", "hello"), nil)
	require.NoError(t, err)

	require.NoError(t, ts.service.CancelDocument(ctx, "notes", "d1"))
	ts.drain(t)

	report, err := ts.service.GetStatus(ctx, "notes", "d1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCancelled, report.Status)
	assert.False(t, report.Ready)

	// Cancelling a settled document changes nothing.
	require.NoError(t, ts.service.CancelDocument(ctx, "notes", "d1"))
	report, err = ts.service.GetStatus(ctx, "notes", "d1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCancelled, report.Status)
}

func TestConcurrentWorkersMatchSequentialIngestion(t *testing.T) {
	ctx := context.Background()
	docs := map[string]string{
		"d1": "The moon orbits the earth. The earth orbits the sun. Mars is the fourth planet.",
		"d2": "Rivers flow to the sea. The sea evaporates into clouds. Rain refills the rivers.",
		"d3": "Bread needs flour and water. Yeast makes the dough rise. Ovens bake it golden.",
		"d4": "Go compiles to machine code. Goroutines are cheap. Channels move values between them.",
		"d5": "Bees pollinate the orchard. The orchard yields apples. Apples store well in cellars.",
		"d6": "Winters here are long. Snow covers the valley. Spring melts it into streams.",
	}

	sequential := newTestStack(t, Options{})
	for id, text := range docs {
		_, err := sequential.service.ImportDocument(ctx, textDocument(id, text), nil)
		require.NoError(t, err)
	}
	sequential.drain(t)

	concurrent := newTestStack(t, Options{})
	for id, text := range docs {
		_, err := concurrent.service.ImportDocument(ctx, textDocument(id, text), nil)
		require.NoError(t, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		concurrent.orchestrator.Run(runCtx) // four workers by default
		close(done)
	}()

	require.Eventually(t, func() bool {
		for id := range docs {
			ready, err := concurrent.service.IsDocumentReady(context.Background(), "notes", id)
			if err != nil || !ready {
				return false
			}
		}
		return true
	}, 10*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator did not stop")
	}

	// Exactly one delivery per step per document: the per-document lease
	// kept the workers from double-processing anything.
	expected := uint64(len(docs) * len(steps.DefaultPlan()))
	assert.Equal(t, expected, concurrent.orchestrator.Processed())

	for id := range docs {
		assert.ElementsMatch(t, chunkTexts(t, sequential, id), chunkTexts(t, concurrent, id),
			"document %s", id)
	}
}

func TestResumeAfterInterruptedWorker(t *testing.T) {
	ctx := context.Background()
	text := "The moon orbits the earth. The earth orbits the sun. " +
		"Mars is the fourth planet. Venus is the second planet."

	control := newTestStack(t, Options{})
	_, err := control.service.ImportDocument(ctx, textDocument("d1", text), nil)
	require.NoError(t, err)
	control.drain(t)

	interrupted := newTestStack(t, Options{})
	_, err = interrupted.service.ImportDocument(ctx, textDocument("d1", text), nil)
	require.NoError(t, err)

	// Two steps complete, then the worker process dies.
	for i := 0; i < 2; i++ {
		msg, lease, err := interrupted.queue.Dequeue(ctx)
		require.NoError(t, err)
		interrupted.orchestrator.ProcessMessage(ctx, msg, lease)
	}

	report, err := interrupted.service.GetStatus(ctx, "notes", "d1")
	require.NoError(t, err)
	require.Len(t, report.CompletedSteps, 2)
	require.NotEmpty(t, report.RemainingSteps)

	// A fresh orchestrator over the same queue and stores picks up exactly
	// where the first one left off.
	resumed := pipeline.NewOrchestrator(interrupted.queue, interrupted.states,
		interrupted.registry, pipeline.OrchestratorConfig{})
	for i := 0; ; i++ {
		require.Less(t, i, 200, "queue did not drain")
		msg, lease, err := interrupted.queue.Dequeue(ctx)
		if errors.Is(err, queue.ErrEmpty) {
			break
		}
		require.NoError(t, err)
		resumed.ProcessMessage(ctx, msg, lease)
	}

	ready, err := interrupted.service.IsDocumentReady(ctx, "notes", "d1")
	require.NoError(t, err)
	assert.True(t, ready)

	assert.ElementsMatch(t, chunkTexts(t, control, "d1"), chunkTexts(t, interrupted, "d1"))
}

func TestDetectMimeType(t *testing.T) {
	tests := []struct {
		name     string
		file     string
		content  []byte
		expected string
	}{
		{"ByExtension", "readme.txt", nil, "text/plain; charset=utf-8"},
		{"HTMLByExtension", "page.html", nil, "text/html; charset=utf-8"},
		{"JSONByExtension", "data.json", nil, "application/json"},
		{"SniffedHTML", "download", []byte("<html><body>hi</body></html>"), "text/html; charset=utf-8"},
		{"NoHints", "blob", nil, "application/octet-stream"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, DetectMimeType(tt.file, tt.content))
		})
	}
}
