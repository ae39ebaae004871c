package pipeline

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evermem.org/storage"
)

func stateStoreFactories(t *testing.T) map[string]func() StateStore {
	return map[string]func() StateStore{
		"Bolt": func() StateStore {
			store, err := NewBoltStateStore(filepath.Join(t.TempDir(), "states.db"))
			require.NoError(t, err)
			t.Cleanup(func() { store.Close() })
			return store
		},
		"Artifact": func() StateStore {
			return NewArtifactStateStore(storage.NewMemoryStore())
		},
	}
}

func TestStateStore_SaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, factory := range stateStoreFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory()

			state := NewState("notes", "d1", nil, []string{"extract", "partition"})
			require.NoError(t, store.Save(ctx, state))

			loaded, err := store.Load(ctx, "notes", "d1")
			require.NoError(t, err)
			assert.Equal(t, "d1", loaded.DocumentID)
			assert.Equal(t, []string{"extract", "partition"}, loaded.StepsToExecute)
			assert.Equal(t, StatusPending, loaded.Status)
		})
	}
}

func TestStateStore_LoadUnknownDocument(t *testing.T) {
	ctx := context.Background()
	for name, factory := range stateStoreFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory()
			_, err := store.Load(ctx, "notes", "missing")
			assert.ErrorIs(t, err, ErrStateNotFound)
		})
	}
}

func TestStateStore_SaveReplaces(t *testing.T) {
	ctx := context.Background()
	for name, factory := range stateStoreFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory()

			state := NewState("notes", "d1", nil, []string{"extract"})
			require.NoError(t, store.Save(ctx, state))

			state.AdvanceStep()
			require.NoError(t, store.Save(ctx, state))

			loaded, err := store.Load(ctx, "notes", "d1")
			require.NoError(t, err)
			assert.Equal(t, StatusComplete, loaded.Status)
			assert.Empty(t, loaded.StepsToExecute)
		})
	}
}

func TestStateStore_DeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	for name, factory := range stateStoreFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory()

			state := NewState("notes", "d1", nil, nil)
			require.NoError(t, store.Save(ctx, state))

			require.NoError(t, store.Delete(ctx, "notes", "d1"))
			require.NoError(t, store.Delete(ctx, "notes", "d1"))

			_, err := store.Load(ctx, "notes", "d1")
			assert.ErrorIs(t, err, ErrStateNotFound)
		})
	}
}

func TestStateStore_ListScopesByIndex(t *testing.T) {
	ctx := context.Background()
	for name, factory := range stateStoreFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory()

			require.NoError(t, store.Save(ctx, NewState("notes", "d1", nil, nil)))
			require.NoError(t, store.Save(ctx, NewState("notes", "d2", nil, nil)))
			require.NoError(t, store.Save(ctx, NewState("archive", "d3", nil, nil)))

			states, err := store.List(ctx, "notes")
			require.NoError(t, err)
			require.Len(t, states, 2)
			for _, s := range states {
				assert.Equal(t, "notes", s.Index)
			}

			states, err = store.List(ctx, "unknown")
			require.NoError(t, err)
			assert.Empty(t, states)
		})
	}
}

func TestBoltStateStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "states.db")

	store, err := NewBoltStateStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, NewState("notes", "d1", nil, []string{"extract"})))
	require.NoError(t, store.Close())

	reopened, err := NewBoltStateStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	loaded, err := reopened.Load(ctx, "notes", "d1")
	require.NoError(t, err)
	assert.Equal(t, []string{"extract"}, loaded.StepsToExecute)
}
