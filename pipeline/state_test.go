package pipeline

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evermem.org/memory"
)

func TestState_AdvanceStep(t *testing.T) {
	state := NewState("notes", "d1", nil, []string{"extract", "partition"})
	assert.Equal(t, StatusPending, state.Status)
	assert.False(t, state.Ready())

	step, ok := state.NextStep()
	require.True(t, ok)
	assert.Equal(t, "extract", step)

	state.AdvanceStep()
	assert.Equal(t, []string{"partition"}, state.StepsToExecute)
	require.Len(t, state.StepsCompleted, 1)
	assert.Equal(t, "extract", state.StepsCompleted[0].Name)
	assert.False(t, state.StepsCompleted[0].CompletedAt.IsZero())
	assert.False(t, state.Ready())

	// Completing the last step flips the state to complete.
	state.AdvanceStep()
	assert.Equal(t, StatusComplete, state.Status)
	assert.True(t, state.Ready())
	assert.Equal(t, []string{"extract", "partition"}, state.Plan())

	_, ok = state.NextStep()
	assert.False(t, ok)

	// Advancing past the end is a no-op.
	state.AdvanceStep()
	assert.Len(t, state.StepsCompleted, 2)
}

func TestState_PlanIsStableAcrossProgress(t *testing.T) {
	state := NewState("notes", "d1", nil, []string{"a", "b", "c"})
	plan := state.Plan()

	state.AdvanceStep()
	state.AdvanceStep()
	assert.Equal(t, plan, state.Plan())
}

func TestState_TagsAreCopied(t *testing.T) {
	tags := memory.TagCollection{"user": {"alice"}}
	state := NewState("notes", "d1", tags, nil)

	tags.Add("user", "bob")
	assert.False(t, state.Tags.Contains("user", "bob"))
}

func TestFileRef_Generated(t *testing.T) {
	file := &FileRef{ID: "f1", Name: "doc.pdf"}
	file.AddGenerated(GeneratedFile{Step: "extract", ArtifactKey: "k1", ContentType: "text/plain"})
	file.AddGenerated(GeneratedFile{Step: "partition", ArtifactKey: "k2", ContentType: "text/plain"})

	// Same key replaces instead of duplicating, so re-run handlers stay
	// idempotent.
	file.AddGenerated(GeneratedFile{Step: "extract", ArtifactKey: "k1", ContentType: "text/markdown"})

	require.Len(t, file.Generated, 2)
	extracted := file.GeneratedBy("extract")
	require.Len(t, extracted, 1)
	assert.Equal(t, "text/markdown", extracted[0].ContentType)
}

func TestStatus_Terminal(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
	}{
		{StatusPending, false},
		{StatusProcessing, false},
		{StatusComplete, true},
		{StatusFailed, true},
		{StatusCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.Terminal())
		})
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	state := NewState("notes", "d1", memory.TagCollection{"user": {"alice"}}, []string{"extract"})
	state.Files = []*FileRef{{ID: "f1", Name: "a.txt", ArtifactKey: "notes/d1/source.0.txt", MimeType: "text/plain", Size: 12}}

	data, err := EncodeState(state)
	require.NoError(t, err)

	decoded, err := DecodeState(data)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, decoded.SchemaVersion)
	assert.Equal(t, state.DocumentID, decoded.DocumentID)
	assert.Equal(t, state.Tags, decoded.Tags)
	require.Len(t, decoded.Files, 1)
	assert.Equal(t, "notes/d1/source.0.txt", decoded.Files[0].ArtifactKey)
}

func TestCodec_RejectsNewerSchema(t *testing.T) {
	state := NewState("notes", "d1", nil, nil)
	data, err := EncodeState(state)
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	raw["schema_version"] = json.RawMessage("2")
	newer, err := json.Marshal(raw)
	require.NoError(t, err)

	_, err = DecodeState(newer)
	assert.ErrorContains(t, err, "newer than supported")
}

func TestCodec_RejectsMissingSchemaVersion(t *testing.T) {
	_, err := DecodeState([]byte(`{"index":"notes","documentId":"d1"}`))
	assert.ErrorContains(t, err, "missing a schema version")
}
