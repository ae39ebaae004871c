// Package pipeline contains the durable ingestion pipeline: the per-document
// state record, the state store backends, the handler registry, and the
// orchestrator that drives documents through their step plan.
package pipeline

import (
	"time"

	"evermem.org/memory"
)

// Status is the lifecycle phase of a document's pipeline run.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further processing happens in this status.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusCancelled
}

// GeneratedFile records an artifact produced by a step from a source file.
type GeneratedFile struct {
	Step        string `json:"step"`
	ArtifactKey string `json:"artifactKey"`
	ContentType string `json:"contentType"`
}

// FileRef describes one uploaded source file and the artifacts derived from
// it as the document moves through the pipeline.
type FileRef struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	ArtifactKey string          `json:"artifactKey"`
	MimeType    string          `json:"mimeType"`
	Size        int64           `json:"size"`
	Generated   []GeneratedFile `json:"generated,omitempty"`
}

// GeneratedBy returns the artifacts a given step derived from this file.
func (f *FileRef) GeneratedBy(step string) []GeneratedFile {
	var out []GeneratedFile
	for _, g := range f.Generated {
		if g.Step == step {
			out = append(out, g)
		}
	}
	return out
}

// AddGenerated appends a derived artifact, replacing an existing record with
// the same key so re-invoked handlers stay idempotent.
func (f *FileRef) AddGenerated(g GeneratedFile) {
	for i, existing := range f.Generated {
		if existing.ArtifactKey == g.ArtifactKey {
			f.Generated[i] = g
			return
		}
	}
	f.Generated = append(f.Generated, g)
}

// StepRecord is a completed step with its completion time.
type StepRecord struct {
	Name        string    `json:"name"`
	CompletedAt time.Time `json:"completedAt"`
}

// State is the persistent pipeline record of one (index, document id) pair.
// It is mutated only by the worker holding the document's queue lease.
type State struct {
	SchemaVersion  int                  `json:"schema_version"`
	Index          string               `json:"index"`
	DocumentID     string               `json:"documentId"`
	CreationTime   time.Time            `json:"creationTime"`
	LastUpdateTime time.Time            `json:"lastUpdateTime"`
	Tags           memory.TagCollection `json:"tags,omitempty"`
	Files          []*FileRef           `json:"files"`
	StepsToExecute []string             `json:"stepsToExecute"`
	StepsCompleted []StepRecord         `json:"stepsCompleted"`
	Status         Status               `json:"status"`
	FailureReason  string               `json:"failureReason,omitempty"`
}

// NewState creates the initial record for a freshly accepted document.
func NewState(index, documentID string, tags memory.TagCollection, steps []string) *State {
	now := time.Now().UTC()
	return &State{
		SchemaVersion:  CurrentSchemaVersion,
		Index:          index,
		DocumentID:     documentID,
		CreationTime:   now,
		LastUpdateTime: now,
		Tags:           tags.Clone(),
		StepsToExecute: append([]string(nil), steps...),
		StepsCompleted: []StepRecord{},
		Status:         StatusPending,
	}
}

// NextStep returns the head of the remaining plan.
func (s *State) NextStep() (string, bool) {
	if len(s.StepsToExecute) == 0 {
		return "", false
	}
	return s.StepsToExecute[0], true
}

// AdvanceStep moves the head of the remaining plan into the completed list
// with the current time. Completing the last step marks the state complete.
func (s *State) AdvanceStep() {
	if len(s.StepsToExecute) == 0 {
		return
	}
	s.StepsCompleted = append(s.StepsCompleted, StepRecord{
		Name:        s.StepsToExecute[0],
		CompletedAt: time.Now().UTC(),
	})
	s.StepsToExecute = s.StepsToExecute[1:]
	if len(s.StepsToExecute) == 0 {
		s.Status = StatusComplete
	}
	s.Touch()
}

// Plan returns the originally requested step sequence.
func (s *State) Plan() []string {
	plan := make([]string, 0, len(s.StepsCompleted)+len(s.StepsToExecute))
	for _, record := range s.StepsCompleted {
		plan = append(plan, record.Name)
	}
	return append(plan, s.StepsToExecute...)
}

// Ready reports whether the document finished its full plan.
func (s *State) Ready() bool {
	return s.Status == StatusComplete && len(s.StepsToExecute) == 0
}

// FindFile returns the FileRef with the given id.
func (s *State) FindFile(fileID string) (*FileRef, bool) {
	for _, f := range s.Files {
		if f.ID == fileID {
			return f, true
		}
	}
	return nil, false
}

// Touch updates the last-modified timestamp.
func (s *State) Touch() {
	s.LastUpdateTime = time.Now().UTC()
}
