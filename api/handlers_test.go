package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evermem.org/index"
	"evermem.org/pipeline"
	"evermem.org/queue"
	"evermem.org/service"
	"evermem.org/steps"
	"evermem.org/storage"
)

type testServer struct {
	echo         *echo.Echo
	queue        *queue.MemoryQueue
	orchestrator *pipeline.Orchestrator
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	artifacts := storage.NewMemoryStore()
	states := pipeline.NewArtifactStateStore(artifacts)
	q := queue.NewMemoryQueue(queue.MemoryQueueConfig{})
	retrieval := index.NewMemoryIndex()
	embedder := steps.NewLocalEmbedder(64)

	registry := pipeline.NewRegistry()
	require.NoError(t, registry.Register(steps.NewExtractTextHandler(artifacts)))
	require.NoError(t, registry.Register(steps.NewPartitionTextHandler(artifacts, steps.DefaultPartitionConfig())))
	require.NoError(t, registry.Register(steps.NewGenerateEmbeddingsHandler(artifacts, embedder)))
	require.NoError(t, registry.Register(steps.NewSaveRecordsHandler(artifacts, retrieval)))

	svc := service.NewMemoryService(artifacts, states, q, retrieval, registry, embedder, nil, service.Options{})

	e := NewEchoServer(DefaultServerConfig())
	NewHandler(svc, "test").Register(e)

	return &testServer{
		echo:         e,
		queue:        q,
		orchestrator: pipeline.NewOrchestrator(q, states, registry, pipeline.OrchestratorConfig{}),
	}
}

// drain processes queued pipeline messages inline.
func (ts *testServer) drain(t *testing.T) {
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

func (ts *testServer) request(t *testing.T, method, target string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set(echo.HeaderContentType, contentType)
	}
	rec := httptest.NewRecorder()
	ts.echo.ServeHTTP(rec, req)
	return rec
}

func uploadForm(t *testing.T, fields map[string]string, tags []string, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for key, value := range fields {
		require.NoError(t, writer.WriteField(key, value))
	}
	for _, tag := range tags {
		require.NoError(t, writer.WriteField("tags", tag))
	}
	for name, content := range files {
		part, err := writer.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	return &buf, writer.FormDataContentType()
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.request(t, http.MethodGet, "/health", nil, "")

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "evermem", resp.Service)
}

func TestUploadAndStatusLifecycle(t *testing.T) {
	ts := newTestServer(t)

	body, contentType := uploadForm(t,
		map[string]string{"index": "Notes", "documentId": "d1"},
		[]string{"user:alice"},
		map[string]string{"note.txt": "The moon orbits the earth."})
	rec := ts.request(t, http.MethodPost, "/upload", body, contentType)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var accepted UploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	assert.Equal(t, "notes", accepted.Index)
	assert.Equal(t, "d1", accepted.DocumentID)

	rec = ts.request(t, http.MethodGet, "/upload-status?index=notes&documentId=d1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var report pipeline.StatusReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, pipeline.StatusPending, report.Status)
	assert.False(t, report.Ready)

	ts.drain(t)

	rec = ts.request(t, http.MethodGet, "/upload-status?index=notes&documentId=d1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, pipeline.StatusComplete, report.Status)
	assert.True(t, report.Ready)
	assert.Empty(t, report.RemainingSteps)
}

func TestUploadValidationFailures(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		fields map[string]string
		tags   []string
		files  map[string]string
	}{
		{"NoFiles", map[string]string{"index": "notes"}, nil, nil},
		{"UnknownStep", map[string]string{"index": "notes", "steps": "extract_text,summarise"},
			nil, map[string]string{"a.txt": "hello"}},
		{"ReservedTag", map[string]string{"index": "notes"},
			[]string{"__document_id:spoofed"}, map[string]string{"a.txt": "hello"}},
		{"MalformedTag", map[string]string{"index": "notes"},
			[]string{"no-separator"}, map[string]string{"a.txt": "hello"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, contentType := uploadForm(t, tt.fields, tt.tags, tt.files)
			rec := ts.request(t, http.MethodPost, "/upload", body, contentType)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestUploadConflictsWhileInFlight(t *testing.T) {
	ts := newTestServer(t)

	for i, expected := range []int{http.StatusAccepted, http.StatusConflict} {
		body, contentType := uploadForm(t,
			map[string]string{"index": "notes", "documentId": "d1"},
			nil, map[string]string{"a.txt": "hello"})
		rec := ts.request(t, http.MethodPost, "/upload", body, contentType)
		assert.Equal(t, expected, rec.Code, "upload %d: %s", i, rec.Body.String())
	}
}

func TestUploadStatusErrors(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, http.MethodGet, "/upload-status?index=notes", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.request(t, http.MethodGet, "/upload-status?index=notes&documentId=missing", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSearchAndAsk(t *testing.T) {
	ts := newTestServer(t)

	body, contentType := uploadForm(t,
		map[string]string{"index": "notes", "documentId": "d1"},
		nil, map[string]string{"facts.txt": "The moon orbits the earth. The earth orbits the sun."})
	rec := ts.request(t, http.MethodPost, "/upload", body, contentType)
	require.Equal(t, http.StatusAccepted, rec.Code)
	ts.drain(t)

	rec = ts.request(t, http.MethodPost, "/search",
		strings.NewReader(`{"index":"notes","query":"What does the moon orbit?"}`), echo.MIMEApplicationJSON)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var search service.SearchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &search))
	require.NotEmpty(t, search.Results)
	assert.Contains(t, search.Results[0].Text, "moon orbits the earth")

	rec = ts.request(t, http.MethodPost, "/ask",
		strings.NewReader(`{"index":"notes","question":"What does the moon orbit?"}`), echo.MIMEApplicationJSON)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var ask service.AskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ask))
	assert.False(t, ask.NoResult)
	assert.Contains(t, ask.Answer, "moon orbits the earth")
	assert.NotEmpty(t, ask.Citations)
}

func TestAskWithoutQuestion(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.request(t, http.MethodPost, "/ask",
		strings.NewReader(`{"index":"notes"}`), echo.MIMEApplicationJSON)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAskUnknownTopicReportsNoResult(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.request(t, http.MethodPost, "/ask",
		strings.NewReader(`{"index":"notes","question":"Anything?"}`), echo.MIMEApplicationJSON)
	require.Equal(t, http.StatusOK, rec.Code)
	var ask service.AskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ask))
	assert.True(t, ask.NoResult)
	assert.Equal(t, "INFO NOT FOUND", ask.Answer)
}

func TestDocumentAndIndexDeletion(t *testing.T) {
	ts := newTestServer(t)

	body, contentType := uploadForm(t,
		map[string]string{"index": "notes", "documentId": "d1"},
		nil, map[string]string{"a.txt": "The sky is blue."})
	rec := ts.request(t, http.MethodPost, "/upload", body, contentType)
	require.Equal(t, http.StatusAccepted, rec.Code)
	ts.drain(t)

	rec = ts.request(t, http.MethodGet, "/indexes", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var indexes IndexesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &indexes))
	assert.Equal(t, []string{"notes"}, indexes.Indexes)

	rec = ts.request(t, http.MethodDelete, "/documents?index=notes&documentId=d1", nil, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.request(t, http.MethodGet, "/upload-status?index=notes&documentId=d1", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.request(t, http.MethodDelete, "/documents", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.request(t, http.MethodDelete, "/indexes?index=notes", nil, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.request(t, http.MethodDelete, "/indexes", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.request(t, http.MethodGet, "/indexes", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &indexes))
	assert.Empty(t, indexes.Indexes)
}

func TestDeadLettersEndpoint(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.request(t, http.MethodGet, "/dead-letters", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "deadLetters")
}

func TestAPIKeyMiddleware(t *testing.T) {
	e := echo.New()
	e.Use(APIKeyMiddleware("secret"))
	e.GET("/ping", func(c echo.Context) error {
		return c.String(http.StatusOK, "pong")
	})

	tests := []struct {
		name     string
		key      string
		expected int
	}{
		{"Missing", "", http.StatusUnauthorized},
		{"Wrong", "nope", http.StatusUnauthorized},
		{"Valid", "secret", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ping", nil)
			if tt.key != "" {
				req.Header.Set("X-API-Key", tt.key)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			assert.Equal(t, tt.expected, rec.Code)
		})
	}
}
