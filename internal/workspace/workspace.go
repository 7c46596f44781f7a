// Package workspace provides the isolated execution environment a migration
// build runs in, with two interchangeable backends: a local directory for
// development and testing, and a Kubernetes pod sandbox for production.
package workspace

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	rerrors "github.com/reforge-dev/reforge/internal/errors"
)

// MarkerFile flags an initialized workspace so provisioning stays idempotent.
const MarkerFile = ".reforge-workspace"

// FileWrite is one file to write into a workspace.
type FileWrite struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Handle identifies a provisioned workspace. Opaque to callers; only the
// owning Manager interprets its fields.
type Handle struct {
	ProjectID string
	Backend   string // "local" or "sandbox"
	Root      string // local backend: absolute directory
	Pod       string // sandbox backend: pod name
}

// Manager is the backend-agnostic workspace contract.
type Manager interface {
	// Provision returns the project's workspace, creating it and cloning the
	// source repository on first use. Idempotent: an already-initialized
	// workspace is reused.
	Provision(ctx context.Context, projectID, repoURL string) (*Handle, error)

	// Execute runs a command synchronously and returns combined output.
	// Non-zero exit is an error with the captured output embedded.
	Execute(ctx context.Context, h *Handle, command, cwd string, timeout time.Duration) (string, error)

	// StartBackground launches a detached named long-running process.
	StartBackground(ctx context.Context, h *Handle, name, command, cwd string) error

	WriteFiles(ctx context.Context, h *Handle, files []FileWrite) error
	ReadFile(ctx context.Context, h *Handle, path string) (string, error)

	// PreviewLink returns an externally reachable URL for a background
	// process port. Backends without external routing return ErrUnsupported.
	PreviewLink(h *Handle, port int) (string, error)

	// Teardown releases the workspace. destroy=false preserves it for a later
	// resume. Best-effort idempotent: failures are logged, never returned,
	// and the handle leaves the arena regardless.
	Teardown(ctx context.Context, h *Handle, destroy bool)
}

// SafeRelPath validates and cleans a workspace-relative path. This is a
// security boundary: absolute paths, null bytes, and any traversal out of the
// workspace root are rejected before anything touches a filesystem.
func SafeRelPath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("empty path: %w", rerrors.ErrInvalidInput)
	}
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("path contains null byte: %w", rerrors.ErrPathEscape)
	}
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, "\\") {
		return "", fmt.Errorf("absolute path %q: %w", p, rerrors.ErrPathEscape)
	}
	cleaned := path.Clean(p)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("path %q escapes workspace: %w", p, rerrors.ErrPathEscape)
	}
	return cleaned, nil
}

// Arena tracks live workspace handles by project id. The invariant is that a
// hit means the handle is usable: every teardown path, including failures,
// removes the entry.
type Arena struct {
	mu      sync.Mutex
	handles map[string]*Handle
	gauge   prometheus.Gauge // optional
}

// NewArena creates an empty arena. gauge may be nil.
func NewArena(gauge prometheus.Gauge) *Arena {
	return &Arena{
		handles: make(map[string]*Handle),
		gauge:   gauge,
	}
}

// Get returns the tracked handle for a project, if any.
func (a *Arena) Get(projectID string) (*Handle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.handles[projectID]
	return h, ok
}

// Put tracks a handle after create or reconnect.
func (a *Arena) Put(h *Handle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handles[h.ProjectID] = h
	if a.gauge != nil {
		a.gauge.Set(float64(len(a.handles)))
	}
}

// Remove drops a handle. Safe to call twice.
func (a *Arena) Remove(projectID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.handles, projectID)
	if a.gauge != nil {
		a.gauge.Set(float64(len(a.handles)))
	}
}

// Len returns the number of tracked handles.
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.handles)
}

// RepoValidator checks a source repository before cloning. Implementations
// may be nil-safe no-ops when validation is not configured.
type RepoValidator interface {
	Validate(ctx context.Context, repoURL string) error
}
