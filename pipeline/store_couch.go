package pipeline

import (
	"context"
	"fmt"
	"net/http"

	kivik "github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb" // The CouchDB driver
)

// CouchStateStore persists pipeline states in CouchDB for replicated
// deployments. Each state becomes one document with id "<index>:<doc-id>";
// the state payload is stored under "state" next to the CouchDB bookkeeping
// fields.
type CouchStateStore struct {
	client *kivik.Client
	db     *kivik.DB
}

type couchStateDoc struct {
	ID         string `json:"_id"`
	Rev        string `json:"_rev,omitempty"`
	Index      string `json:"index"`
	DocumentID string `json:"documentId"`
	State      *State `json:"state"`
}

// NewCouchStateStore connects to CouchDB and ensures the database exists.
func NewCouchStateStore(ctx context.Context, url, database string) (*CouchStateStore, error) {
	client, err := kivik.New("couch", url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to CouchDB: %w", err)
	}
	exists, err := client.DBExists(ctx, database)
	if err != nil {
		return nil, fmt.Errorf("failed to check database %s: %w", database, err)
	}
	if !exists {
		if err := client.CreateDB(ctx, database); err != nil {
			return nil, fmt.Errorf("failed to create database %s: %w", database, err)
		}
	}
	return &CouchStateStore{client: client, db: client.DB(database)}, nil
}

func couchDocID(index, documentID string) string {
	return index + ":" + documentID
}

// Load reads the state document.
func (s *CouchStateStore) Load(ctx context.Context, index, documentID string) (*State, error) {
	row := s.db.Get(ctx, couchDocID(index, documentID))
	if row.Err() != nil {
		if kivik.HTTPStatus(row.Err()) == http.StatusNotFound {
			return nil, ErrStateNotFound
		}
		return nil, fmt.Errorf("failed to load pipeline state: %w", row.Err())
	}
	var doc couchStateDoc
	if err := row.ScanDoc(&doc); err != nil {
		return nil, fmt.Errorf("failed to scan pipeline state: %w", err)
	}
	if doc.State == nil {
		return nil, ErrStateNotFound
	}
	if doc.State.SchemaVersion > CurrentSchemaVersion {
		return nil, fmt.Errorf("pipeline state schema version %d is newer than supported version %d",
			doc.State.SchemaVersion, CurrentSchemaVersion)
	}
	return doc.State, nil
}

// Save upserts the state document, fetching the current revision first so
// the write does not conflict.
func (s *CouchStateStore) Save(ctx context.Context, state *State) error {
	state.SchemaVersion = CurrentSchemaVersion
	id := couchDocID(state.Index, state.DocumentID)
	doc := couchStateDoc{
		ID:         id,
		Index:      state.Index,
		DocumentID: state.DocumentID,
		State:      state,
	}

	row := s.db.Get(ctx, id)
	if row.Err() == nil {
		var existing couchStateDoc
		if err := row.ScanDoc(&existing); err == nil {
			doc.Rev = existing.Rev
		}
	} else if kivik.HTTPStatus(row.Err()) != http.StatusNotFound {
		return fmt.Errorf("failed to read current pipeline state revision: %w", row.Err())
	}

	if _, err := s.db.Put(ctx, id, doc); err != nil {
		return fmt.Errorf("failed to save pipeline state: %w", err)
	}
	return nil
}

// Delete removes the state document. Idempotent.
func (s *CouchStateStore) Delete(ctx context.Context, index, documentID string) error {
	id := couchDocID(index, documentID)
	row := s.db.Get(ctx, id)
	if row.Err() != nil {
		if kivik.HTTPStatus(row.Err()) == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("failed to load pipeline state for deletion: %w", row.Err())
	}
	var doc couchStateDoc
	if err := row.ScanDoc(&doc); err != nil {
		return fmt.Errorf("failed to scan pipeline state for deletion: %w", err)
	}
	if _, err := s.db.Delete(ctx, id, doc.Rev); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("failed to delete pipeline state: %w", err)
	}
	return nil
}

// List returns the states of one index via a key-range scan over the
// "<index>:" id prefix.
func (s *CouchStateStore) List(ctx context.Context, index string) ([]*State, error) {
	rows := s.db.AllDocs(ctx, kivik.Params(map[string]interface{}{
		"startkey":     index + ":",
		"endkey":       index + ":\ufff0",
		"include_docs": true,
	}))
	defer rows.Close()

	var states []*State
	for rows.Next() {
		var doc couchStateDoc
		if err := rows.ScanDoc(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan pipeline state: %w", err)
		}
		if doc.State != nil {
			states = append(states, doc.State)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list pipeline states: %w", err)
	}
	return states, nil
}

// Close closes the CouchDB client.
func (s *CouchStateStore) Close() error {
	return s.client.Close()
}
