package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	rerrors "github.com/reforge-dev/reforge/internal/errors"
)

// LocalManager runs workspaces as directories on the host. Commands execute
// through the shell with combined output captured; background processes are
// tracked per handle so teardown can reap them.
type LocalManager struct {
	root      string
	logger    zerolog.Logger
	arena     *Arena
	validator RepoValidator

	mu         sync.Mutex
	background map[string]map[string]*exec.Cmd // project id -> process name -> cmd
}

// NewLocalManager creates a local-directory workspace manager rooted at root.
// validator may be nil when repository validation is not configured.
func NewLocalManager(root string, arena *Arena, validator RepoValidator, logger zerolog.Logger) *LocalManager {
	return &LocalManager{
		root:       root,
		logger:     logger.With().Str("component", "workspace").Str("backend", "local").Logger(),
		arena:      arena,
		validator:  validator,
		background: make(map[string]map[string]*exec.Cmd),
	}
}

func (m *LocalManager) dir(projectID string) string {
	return filepath.Join(m.root, projectID)
}

// Provision returns the project workspace, cloning the repository on first
// use. A directory carrying the marker file is reconnected, not re-cloned.
func (m *LocalManager) Provision(ctx context.Context, projectID, repoURL string) (*Handle, error) {
	if projectID == "" || repoURL == "" {
		return nil, fmt.Errorf("project id and repo url required: %w", rerrors.ErrInvalidInput)
	}

	if h, ok := m.arena.Get(projectID); ok {
		return h, nil
	}

	dir := m.dir(projectID)
	h := &Handle{ProjectID: projectID, Backend: "local", Root: dir}

	if _, err := os.Stat(filepath.Join(dir, MarkerFile)); err == nil {
		m.logger.Info().Str("project_id", projectID).Str("dir", dir).Msg("reconnected workspace")
		m.arena.Put(h)
		return h, nil
	}

	if m.validator != nil {
		if err := m.validator.Validate(ctx, repoURL); err != nil {
			return nil, fmt.Errorf("repository validation: %w", err)
		}
	}

	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}

	clone := exec.CommandContext(ctx, "git", "clone", "--depth", "1", repoURL, dir)
	if out, err := clone.CombinedOutput(); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("git clone failed: %v: %s", err, string(out))
	}

	if err := os.WriteFile(filepath.Join(dir, MarkerFile), []byte(projectID+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("write workspace marker: %w", err)
	}

	m.logger.Info().Str("project_id", projectID).Str("dir", dir).Msg("workspace provisioned")
	m.arena.Put(h)
	return h, nil
}

// Execute runs a shell command inside the workspace. On non-zero exit or
// timeout the error carries the captured output.
func (m *LocalManager) Execute(ctx context.Context, h *Handle, command, cwd string, timeout time.Duration) (string, error) {
	workDir := h.Root
	if cwd != "" {
		rel, err := SafeRelPath(cwd)
		if err != nil {
			return "", err
		}
		workDir = filepath.Join(h.Root, rel)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = workDir
	out, err := cmd.CombinedOutput()

	if ctx.Err() == context.DeadlineExceeded {
		return string(out), fmt.Errorf("command timed out after %s: %w: %s", timeout, rerrors.ErrTimeout, string(out))
	}
	if err != nil {
		return string(out), fmt.Errorf("command failed: %v: %s", err, string(out))
	}
	return string(out), nil
}

// StartBackground launches a detached named process. Starting a second
// process under the same name replaces the first.
func (m *LocalManager) StartBackground(ctx context.Context, h *Handle, name, command, cwd string) error {
	workDir := h.Root
	if cwd != "" {
		rel, err := SafeRelPath(cwd)
		if err != nil {
			return err
		}
		workDir = filepath.Join(h.Root, rel)
	}

	logDir := filepath.Join(h.Root, ".reforge-logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.Create(filepath.Join(logDir, name+".log"))
	if err != nil {
		return fmt.Errorf("create log file: %w", err)
	}

	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Dir = workDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("start %s: %w", name, err)
	}

	m.mu.Lock()
	if m.background[h.ProjectID] == nil {
		m.background[h.ProjectID] = make(map[string]*exec.Cmd)
	}
	if prev, ok := m.background[h.ProjectID][name]; ok && prev.Process != nil {
		prev.Process.Kill()
	}
	m.background[h.ProjectID][name] = cmd
	m.mu.Unlock()

	// Reap so finished processes do not linger as zombies.
	go func() {
		cmd.Wait()
		logFile.Close()
	}()

	m.logger.Info().
		Str("project_id", h.ProjectID).
		Str("name", name).
		Int("pid", cmd.Process.Pid).
		Msg("background process started")
	return nil
}

// WriteFiles writes workspace-relative files, creating parent directories.
func (m *LocalManager) WriteFiles(ctx context.Context, h *Handle, files []FileWrite) error {
	for _, f := range files {
		rel, err := SafeRelPath(f.Path)
		if err != nil {
			return err
		}
		dst := filepath.Join(h.Root, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("create dir for %s: %w", rel, err)
		}
		if err := os.WriteFile(dst, []byte(f.Content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", rel, err)
		}
	}
	return nil
}

// ReadFile returns the content of a workspace-relative file.
func (m *LocalManager) ReadFile(ctx context.Context, h *Handle, p string) (string, error) {
	rel, err := SafeRelPath(p)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(filepath.Join(h.Root, rel))
	if os.IsNotExist(err) {
		return "", fmt.Errorf("%s: %w", rel, rerrors.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", rel, err)
	}
	return string(data), nil
}

// PreviewLink is not available for local workspaces; there is no external
// routing layer in front of the host.
func (m *LocalManager) PreviewLink(h *Handle, port int) (string, error) {
	return "", fmt.Errorf("preview links require the sandbox backend: %w", rerrors.ErrUnsupported)
}

// Teardown stops background processes and, when destroy is set, removes the
// directory. The handle always leaves the arena.
func (m *LocalManager) Teardown(ctx context.Context, h *Handle, destroy bool) {
	defer m.arena.Remove(h.ProjectID)

	m.mu.Lock()
	procs := m.background[h.ProjectID]
	delete(m.background, h.ProjectID)
	m.mu.Unlock()

	for name, cmd := range procs {
		if cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil {
				m.logger.Warn().Err(err).Str("name", name).Msg("failed to kill background process")
			}
		}
	}

	if destroy {
		if err := os.RemoveAll(h.Root); err != nil {
			m.logger.Warn().Err(err).Str("dir", h.Root).Msg("failed to remove workspace")
			return
		}
		m.logger.Info().Str("project_id", h.ProjectID).Msg("workspace destroyed")
		return
	}
	m.logger.Info().Str("project_id", h.ProjectID).Msg("workspace stopped")
}
