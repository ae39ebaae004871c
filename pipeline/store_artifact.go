package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"evermem.org/storage"
)

// StateArtifactName is the reserved artifact name of the state record when
// it lives in the artifact store alongside the document's files.
const StateArtifactName = "pipeline.state"

// ArtifactStateStore keeps each state record as an artifact next to the
// document's files, so any artifact store backend (memory, filesystem, S3)
// doubles as a state store. The atomic-put contract of the artifact store
// provides the per-key save atomicity.
type ArtifactStateStore struct {
	store storage.ArtifactStore
}

// NewArtifactStateStore wraps an artifact store.
func NewArtifactStateStore(store storage.ArtifactStore) *ArtifactStateStore {
	return &ArtifactStateStore{store: store}
}

// Load reads the state record artifact.
func (s *ArtifactStateStore) Load(ctx context.Context, index, documentID string) (*State, error) {
	data, err := s.store.Get(ctx, storage.Key(index, documentID, StateArtifactName))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pipeline state: %w", err)
	}
	return DecodeState(data)
}

// Save writes the state record artifact.
func (s *ArtifactStateStore) Save(ctx context.Context, state *State) error {
	data, err := EncodeState(state)
	if err != nil {
		return err
	}
	key := storage.Key(state.Index, state.DocumentID, StateArtifactName)
	if err := s.store.Put(ctx, key, data); err != nil {
		return fmt.Errorf("failed to save pipeline state: %w", err)
	}
	return nil
}

// Delete removes the state record artifact. Idempotent.
func (s *ArtifactStateStore) Delete(ctx context.Context, index, documentID string) error {
	key := storage.Key(index, documentID, StateArtifactName)
	if err := s.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to delete pipeline state: %w", err)
	}
	return nil
}

// List finds every state record under the index prefix.
func (s *ArtifactStateStore) List(ctx context.Context, index string) ([]*State, error) {
	keys, err := s.store.List(ctx, index+"/")
	if err != nil {
		return nil, fmt.Errorf("failed to list pipeline states: %w", err)
	}
	var states []*State
	for _, key := range keys {
		if !strings.HasSuffix(key, "/"+StateArtifactName) {
			continue
		}
		data, err := s.store.Get(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			continue // deleted between list and get
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load pipeline state %s: %w", key, err)
		}
		state, err := DecodeState(data)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, nil
}

// Close is a no-op; the wrapped artifact store owns its resources.
func (s *ArtifactStateStore) Close() error {
	return nil
}
