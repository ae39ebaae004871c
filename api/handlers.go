package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"evermem.org/memory"
	"evermem.org/pipeline"
	"evermem.org/service"
)

// Handler binds the REST routes to the service façade.
type Handler struct {
	service *service.MemoryService
	version string
}

// NewHandler creates the REST handler.
func NewHandler(svc *service.MemoryService, version string) *Handler {
	return &Handler{service: svc, version: version}
}

// Register attaches all routes to the Echo server.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/health", h.Health)
	e.POST("/upload", h.Upload)
	e.GET("/upload-status", h.UploadStatus)
	e.DELETE("/documents", h.DeleteDocument)
	e.GET("/indexes", h.ListIndexes)
	e.DELETE("/indexes", h.DeleteIndex)
	e.POST("/search", h.Search)
	e.POST("/ask", h.Ask)
	e.GET("/dead-letters", h.DeadLetters)
}

// HealthResponse represents a health check response
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version,omitempty"`
}

// Health reports liveness.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  "healthy",
		Service: "evermem",
		Version: h.version,
	})
}

// UploadResponse acknowledges an accepted upload.
type UploadResponse struct {
	Index      string `json:"index"`
	DocumentID string `json:"documentId"`
}

// Upload accepts a multipart document upload and queues it for ingestion.
//
// Form fields:
//
//	files       one or more file parts (required)
//	index       target index name (optional)
//	documentId  client-assigned id (optional, generated when absent)
//	tags        repeatable "key:value" pairs (optional)
//	steps       comma-separated pipeline steps (optional)
func (h *Handler) Upload(c echo.Context) error {
	form, err := c.MultipartForm()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "expected a multipart form upload")
	}

	doc := memory.Document{
		ID:    c.FormValue("documentId"),
		Index: c.FormValue("index"),
	}

	tags, err := parseTags(form.Value["tags"])
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	doc.Tags = tags

	for _, header := range form.File["files"] {
		part, err := header.Open()
		if err != nil {
			return fmt.Errorf("failed to open uploaded file %s: %w", header.Filename, err)
		}
		content, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			return fmt.Errorf("failed to read uploaded file %s: %w", header.Filename, err)
		}
		doc.Files = append(doc.Files, memory.UploadedFile{Name: header.Filename, Content: content})
	}

	var plan []string
	if raw := strings.TrimSpace(c.FormValue("steps")); raw != "" {
		for _, step := range strings.Split(raw, ",") {
			if step = strings.TrimSpace(step); step != "" {
				plan = append(plan, step)
			}
		}
	}

	documentID, err := h.service.ImportDocument(c.Request().Context(), doc, plan)
	if err != nil {
		return mapServiceError(err)
	}

	// ImportDocument already validated the name, so this cannot fail.
	indexName, _ := memory.NormalizeIndexName(doc.Index, memory.DefaultIndexName)
	return c.JSON(http.StatusAccepted, UploadResponse{Index: indexName, DocumentID: documentID})
}

// UploadStatus returns the pipeline status of one document.
func (h *Handler) UploadStatus(c echo.Context) error {
	documentID := c.QueryParam("documentId")
	if documentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "documentId is required")
	}

	report, err := h.service.GetStatus(c.Request().Context(), c.QueryParam("index"), documentID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, report)
}

// DeleteDocument removes a document and everything derived from it.
func (h *Handler) DeleteDocument(c echo.Context) error {
	documentID := c.QueryParam("documentId")
	if documentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "documentId is required")
	}

	if err := h.service.DeleteDocument(c.Request().Context(), c.QueryParam("index"), documentID); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// IndexesResponse lists the known indexes.
type IndexesResponse struct {
	Indexes []string `json:"indexes"`
}

// ListIndexes returns the indexes that hold retrievable content.
func (h *Handler) ListIndexes(c echo.Context) error {
	indexes, err := h.service.ListIndexes(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	if indexes == nil {
		indexes = []string{}
	}
	return c.JSON(http.StatusOK, IndexesResponse{Indexes: indexes})
}

// DeleteIndex removes an index with all its documents and chunks.
func (h *Handler) DeleteIndex(c echo.Context) error {
	indexName := c.QueryParam("index")
	if indexName == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "index is required")
	}

	if err := h.service.DeleteIndex(c.Request().Context(), indexName); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Search runs a retrieval query.
func (h *Handler) Search(c echo.Context) error {
	var req service.SearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid search request")
	}
	if req.Limit == 0 {
		req.Limit = 10
	}

	resp, err := h.service.Search(c.Request().Context(), req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

// Ask answers a question from the indexed content.
func (h *Handler) Ask(c echo.Context) error {
	var req service.AskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid ask request")
	}
	if strings.TrimSpace(req.Question) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "question is required")
	}

	resp, err := h.service.Ask(c.Request().Context(), req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

// DeadLetters surfaces poisoned pipeline messages for operators.
func (h *Handler) DeadLetters(c echo.Context) error {
	letters, err := h.service.DeadLetters(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"deadLetters": letters})
}

func parseTags(values []string) (memory.TagCollection, error) {
	if len(values) == 0 {
		return nil, nil
	}
	tags := memory.TagCollection{}
	for _, raw := range values {
		key, value, found := strings.Cut(raw, ":")
		if !found || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("tag %q is not in key:value form", raw)
		}
		tags.Add(strings.TrimSpace(key), strings.TrimSpace(value))
	}
	return tags, nil
}

func mapServiceError(err error) error {
	switch {
	case errors.Is(err, service.ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, pipeline.ErrInFlight):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, pipeline.ErrStateNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	default:
		return err
	}
}
