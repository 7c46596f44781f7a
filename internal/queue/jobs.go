package queue

import (
	"encoding/json"
	"fmt"

	"github.com/reforge-dev/reforge/internal/store"
)

// Job type tags persisted in the jobs table.
const (
	JobTypeProcessProject = "process_project"
	JobTypeBuildSlice     = "build_slice"
)

// Payload is the tagged union of job payloads. Exactly one concrete type per
// job family; decoding and dispatch happen in one place each.
type Payload interface {
	jobType() string
	ProjectRef() string
}

// ProcessProjectPayload drives the whole-project analysis/planning phases.
type ProcessProjectPayload struct {
	ProjectID string `json:"project_id"`
}

func (p ProcessProjectPayload) jobType() string    { return JobTypeProcessProject }
func (p ProcessProjectPayload) ProjectRef() string { return p.ProjectID }

// BuildSlicePayload drives one vertical-slice build pass.
type BuildSlicePayload struct {
	ProjectID string `json:"project_id"`
	SliceID   string `json:"slice_id"`
}

func (p BuildSlicePayload) jobType() string    { return JobTypeBuildSlice }
func (p BuildSlicePayload) ProjectRef() string { return p.ProjectID }

// DecodePayload turns a stored job row back into its typed payload.
func DecodePayload(j *store.Job) (Payload, error) {
	switch j.JobType {
	case JobTypeProcessProject:
		var p ProcessProjectPayload
		if err := json.Unmarshal([]byte(j.Payload), &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", j.JobType, err)
		}
		return p, nil
	case JobTypeBuildSlice:
		var p BuildSlicePayload
		if err := json.Unmarshal([]byte(j.Payload), &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", j.JobType, err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown job type: %s", j.JobType)
	}
}
