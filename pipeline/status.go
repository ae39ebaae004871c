package pipeline

import (
	"context"
	"time"
)

// StatusReport is the read-only projection of a document's pipeline state.
type StatusReport struct {
	Index          string       `json:"index"`
	DocumentID     string       `json:"documentId"`
	Status         Status       `json:"status"`
	CreationTime   time.Time    `json:"creationTime"`
	LastUpdateTime time.Time    `json:"lastUpdateTime"`
	CompletedSteps []StepRecord `json:"completedSteps"`
	RemainingSteps []string     `json:"remainingSteps"`
	FailureReason  string       `json:"failureReason,omitempty"`

	// Ready is true only when the document completed its whole step plan.
	Ready bool `json:"ready"`
}

// StatusReporter answers status queries from the state store.
type StatusReporter struct {
	states StateStore
}

// NewStatusReporter wraps a state store.
func NewStatusReporter(states StateStore) *StatusReporter {
	return &StatusReporter{states: states}
}

// Report projects the document's state. Returns ErrStateNotFound for
// unknown documents.
func (r *StatusReporter) Report(ctx context.Context, index, documentID string) (*StatusReport, error) {
	state, err := r.states.Load(ctx, index, documentID)
	if err != nil {
		return nil, err
	}
	completed := make([]StepRecord, len(state.StepsCompleted))
	copy(completed, state.StepsCompleted)
	remaining := append([]string(nil), state.StepsToExecute...)
	if remaining == nil {
		remaining = []string{}
	}
	return &StatusReport{
		Index:          state.Index,
		DocumentID:     state.DocumentID,
		Status:         state.Status,
		CreationTime:   state.CreationTime,
		LastUpdateTime: state.LastUpdateTime,
		CompletedSteps: completed,
		RemainingSteps: remaining,
		FailureReason:  state.FailureReason,
		Ready:          state.Ready(),
	}, nil
}

// IsReady reports whether the document completed its full plan.
func (r *StatusReporter) IsReady(ctx context.Context, index, documentID string) (bool, error) {
	report, err := r.Report(ctx, index, documentID)
	if err != nil {
		return false, err
	}
	return report.Ready, nil
}
