package pipeline

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const stateBucket = "pipeline_states"

// BoltStateStore persists pipeline states in a bbolt file, one nested
// bucket per index keyed by document id. Durable single-node variant.
type BoltStateStore struct {
	db *bolt.DB
}

// NewBoltStateStore opens or creates the database file.
func NewBoltStateStore(path string) (*BoltStateStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(stateBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create state bucket: %w", err)
	}
	return &BoltStateStore{db: db}, nil
}

// Load reads the state of one document.
func (s *BoltStateStore) Load(ctx context.Context, index, documentID string) (*State, error) {
	var state *State
	err := s.db.View(func(tx *bolt.Tx) error {
		indexBucket := tx.Bucket([]byte(stateBucket)).Bucket([]byte(index))
		if indexBucket == nil {
			return ErrStateNotFound
		}
		data := indexBucket.Get([]byte(documentID))
		if data == nil {
			return ErrStateNotFound
		}
		decoded, err := DecodeState(data)
		if err != nil {
			return err
		}
		state = decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// Save writes the state atomically.
func (s *BoltStateStore) Save(ctx context.Context, state *State) error {
	data, err := EncodeState(state)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		indexBucket, err := tx.Bucket([]byte(stateBucket)).CreateBucketIfNotExists([]byte(state.Index))
		if err != nil {
			return fmt.Errorf("failed to create index bucket %s: %w", state.Index, err)
		}
		return indexBucket.Put([]byte(state.DocumentID), data)
	})
}

// Delete removes the record. Idempotent.
func (s *BoltStateStore) Delete(ctx context.Context, index, documentID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		indexBucket := tx.Bucket([]byte(stateBucket)).Bucket([]byte(index))
		if indexBucket == nil {
			return nil
		}
		return indexBucket.Delete([]byte(documentID))
	})
}

// List returns all states of an index.
func (s *BoltStateStore) List(ctx context.Context, index string) ([]*State, error) {
	var states []*State
	err := s.db.View(func(tx *bolt.Tx) error {
		indexBucket := tx.Bucket([]byte(stateBucket)).Bucket([]byte(index))
		if indexBucket == nil {
			return nil
		}
		return indexBucket.ForEach(func(k, v []byte) error {
			state, err := DecodeState(v)
			if err != nil {
				return err
			}
			states = append(states, state)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return states, nil
}

// Close closes the database file.
func (s *BoltStateStore) Close() error {
	return s.db.Close()
}
