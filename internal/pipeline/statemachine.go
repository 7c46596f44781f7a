// Package pipeline drives a project through the migration phases: structural
// analysis, behavioral analysis, slice planning, and build scheduling. Status
// writes go through conditional transitions so two workers can never race the
// same project.
package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/reforge-dev/reforge/internal/analysis"
	"github.com/reforge-dev/reforge/internal/store"
)

// Pipeline step names. Slice builds use "slice:<id>".
const (
	StepLeftBrain  = "left_brain"
	StepRightBrain = "right_brain"
	StepPlanning   = "planning"
)

// SliceStep returns the pipeline step cursor for a slice build.
func SliceStep(sliceID string) string { return "slice:" + sliceID }

// Checkpoint captures completed-phase outputs so a resume never recomputes
// finished work. A phase is complete iff its key is present.
type Checkpoint struct {
	LeftAnalysis  *analysis.LeftAnalysis       `json:"left_analysis,omitempty"`
	RightAnalysis *analysis.BehavioralContract `json:"right_analysis,omitempty"`
	Plan          []analysis.SlicePlan         `json:"plan,omitempty"`
	Options       json.RawMessage              `json:"options,omitempty"` // configure-time build options, opaque here
}

// ParseCheckpoint decodes a project's checkpoint blob. An empty blob is an
// empty checkpoint.
func ParseCheckpoint(raw string) (*Checkpoint, error) {
	cp := &Checkpoint{}
	if raw == "" {
		return cp, nil
	}
	if err := json.Unmarshal([]byte(raw), cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return cp, nil
}

// Encode serializes the checkpoint for storage.
func (cp *Checkpoint) Encode() (string, error) {
	raw, err := json.Marshal(cp)
	if err != nil {
		return "", fmt.Errorf("encode checkpoint: %w", err)
	}
	return string(raw), nil
}

// CanResume reports whether a project has recoverable progress: a non-empty
// checkpoint and a status short of complete.
func CanResume(p *store.Project) bool {
	return p.Checkpoint != "" && p.Status != store.ProjectComplete
}

// Gated reports whether the status implies a live pipeline job.
func Gated(s store.ProjectStatus) bool {
	return s == store.ProjectProcessing || s == store.ProjectBuilding
}
