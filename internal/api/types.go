package api

import "encoding/json"

// ProblemDetail is an RFC 7807 error response body.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// CreateProjectRequest is the body for POST /api/v1/projects.
type CreateProjectRequest struct {
	Name    string `json:"name"`
	RepoURL string `json:"repo_url"`
}

// ConfigureRequest is the body for POST /api/v1/projects/:id/configure.
// Options are opaque build preferences stored on the checkpoint.
type ConfigureRequest struct {
	Options json.RawMessage `json:"options"`
}

// ResumeRequest is the body for POST /api/v1/projects/:id/resume.
type ResumeRequest struct {
	Mode string `json:"mode"` // "auto", "resume", "restart"; empty means auto
}
