package memory

// UploadedFile is a single source file of a document: a name plus an opaque
// byte stream. Content is read fully at ingress; the pipeline works on
// artifact-store copies, never on this buffer.
type UploadedFile struct {
	Name    string
	Content []byte
}

// Document is the logical unit of ingestion: a client-submitted bundle of
// files sharing an id and a tag collection within one index.
type Document struct {
	// ID is client-supplied or generated at ingress. It is stable across
	// retries of the same upload.
	ID string

	// Index is the namespace the document belongs to, already canonicalised.
	Index string

	Tags  TagCollection
	Files []UploadedFile
}

// Chunk is the unit of retrieval: a text fragment with its embedding vector
// and the tags inherited from the source document plus the reserved ones.
type Chunk struct {
	ID         string        `json:"id"`
	Index      string        `json:"index"`
	DocumentID string        `json:"documentId"`
	FileID     string        `json:"fileId"`
	PartNumber int           `json:"partNumber"`
	Text       string        `json:"text"`
	Tags       TagCollection `json:"tags"`
	Vector     []float32     `json:"vector,omitempty"`

	// Score is populated on search results only: cosine similarity between
	// the query vector and Vector, in [-1, 1].
	Score float64 `json:"score,omitempty"`
}

// Citation points a synthesised answer back at the chunks supporting it.
type Citation struct {
	DocumentID string  `json:"documentId"`
	FileID     string  `json:"fileId"`
	PartNumber int     `json:"partNumber"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
}
