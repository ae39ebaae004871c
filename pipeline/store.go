package pipeline

import (
	"context"
	"errors"
)

var (
	// ErrStateNotFound is returned when no record exists for the document.
	ErrStateNotFound = errors.New("pipeline state not found")

	// ErrUnknownStep is returned when a step plan names an unregistered
	// handler.
	ErrUnknownStep = errors.New("unknown pipeline step")

	// ErrInFlight is returned when a document id is re-ingested while a
	// previous run is still processing.
	ErrInFlight = errors.New("document ingestion already in flight")
)

// StateStore is the persistent mapping (index, document id) -> State.
// Save is an atomic per-key upsert; the queue's single-lease-per-document
// contract makes last-writer-wins safe.
type StateStore interface {
	Load(ctx context.Context, index, documentID string) (*State, error)
	Save(ctx context.Context, state *State) error
	Delete(ctx context.Context, index, documentID string) error
	List(ctx context.Context, index string) ([]*State, error)
	Close() error
}
