package pipeline

import (
	"encoding/json"
	"fmt"
)

// CurrentSchemaVersion is written into every encoded state record. Readers
// reject records from a newer schema instead of silently misreading them.
const CurrentSchemaVersion = 1

// EncodeState serialises the state record, stamping the current schema
// version.
func EncodeState(state *State) ([]byte, error) {
	state.SchemaVersion = CurrentSchemaVersion
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to encode pipeline state: %w", err)
	}
	return data, nil
}

// DecodeState parses a state record. Records written by a newer schema
// version are rejected.
func DecodeState(data []byte) (*State, error) {
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode pipeline state: %w", err)
	}
	if state.SchemaVersion > CurrentSchemaVersion {
		return nil, fmt.Errorf("pipeline state schema version %d is newer than supported version %d",
			state.SchemaVersion, CurrentSchemaVersion)
	}
	if state.SchemaVersion < 1 {
		return nil, fmt.Errorf("pipeline state is missing a schema version")
	}
	return &state, nil
}
