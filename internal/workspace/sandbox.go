package workspace

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"

	rerrors "github.com/reforge-dev/reforge/internal/errors"
)

const (
	sandboxContainer = "sandbox"
	workspaceDir     = "/workspace"

	keepAliveAnnotation = "sandbox.reforge.dev/keep-alive"
	projectLabel        = "reforge.dev/project"
	managedByLabel      = "app.kubernetes.io/managed-by"
)

// SandboxConfig holds pod sandbox configuration.
type SandboxConfig struct {
	KubeconfigPath  string
	InCluster       bool
	Namespace       string
	PodTemplatePath string
	PreviewDomain   string
	ProvisionWait   time.Duration
}

// podTemplate is the operator-supplied sandbox shape, loaded from YAML.
type podTemplate struct {
	Image   string            `yaml:"image"`
	CPU     string            `yaml:"cpu"`
	Memory  string            `yaml:"memory"`
	Labels  map[string]string `yaml:"labels"`
	Env     map[string]string `yaml:"env"`
	Command []string          `yaml:"command"`
}

// podExecutor runs a command inside a pod container. Split out so tests can
// substitute the SPDY transport.
type podExecutor interface {
	Exec(ctx context.Context, namespace, pod, container string, cmd []string, stdin string) (string, error)
}

type spdyExecutor struct {
	clientset  kubernetes.Interface
	restConfig *rest.Config
}

func (e *spdyExecutor) Exec(ctx context.Context, namespace, pod, container string, cmd []string, stdin string) (string, error) {
	req := e.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(pod).
		Namespace(namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: container,
			Command:   cmd,
			Stdin:     stdin != "",
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(e.restConfig, "POST", req.URL())
	if err != nil {
		return "", fmt.Errorf("creating pod executor: %w", err)
	}

	var out bytes.Buffer
	opts := remotecommand.StreamOptions{Stdout: &out, Stderr: &out}
	if stdin != "" {
		opts.Stdin = strings.NewReader(stdin)
	}
	if err := exec.StreamWithContext(ctx, opts); err != nil {
		return out.String(), fmt.Errorf("pod exec: %v: %s", err, out.String())
	}
	return out.String(), nil
}

// SandboxManager runs each workspace as a Kubernetes pod with the source tree
// under /workspace. Pods carry a keep-alive annotation so the cluster's idle
// reaper leaves suspended builds alone until teardown clears it.
type SandboxManager struct {
	clientset kubernetes.Interface
	executor  podExecutor
	cfg       SandboxConfig
	template  podTemplate
	logger    zerolog.Logger
	arena     *Arena
	validator RepoValidator
}

// NewSandboxManager creates a pod-backed workspace manager from kubeconfig or
// in-cluster config.
func NewSandboxManager(cfg SandboxConfig, arena *Arena, validator RepoValidator, logger zerolog.Logger) (*SandboxManager, error) {
	var restConfig *rest.Config
	var err error

	if cfg.InCluster {
		restConfig, err = rest.InClusterConfig()
	} else {
		restConfig, err = clientcmd.BuildConfigFromFlags("", cfg.KubeconfigPath)
	}
	if err != nil {
		return nil, fmt.Errorf("building k8s config: %w", err)
	}

	cs, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("creating k8s clientset: %w", err)
	}

	tmpl, err := loadPodTemplate(cfg.PodTemplatePath)
	if err != nil {
		return nil, err
	}

	return newSandboxManager(cs, &spdyExecutor{clientset: cs, restConfig: restConfig}, cfg, tmpl, arena, validator, logger), nil
}

// NewSandboxManagerFromInterface creates a manager from an existing clientset
// and executor (for testing).
func NewSandboxManagerFromInterface(cs kubernetes.Interface, exec podExecutor, cfg SandboxConfig, tmpl podTemplate, arena *Arena, validator RepoValidator, logger zerolog.Logger) *SandboxManager {
	return newSandboxManager(cs, exec, cfg, tmpl, arena, validator, logger)
}

func newSandboxManager(cs kubernetes.Interface, exec podExecutor, cfg SandboxConfig, tmpl podTemplate, arena *Arena, validator RepoValidator, logger zerolog.Logger) *SandboxManager {
	if cfg.ProvisionWait <= 0 {
		cfg.ProvisionWait = 2 * time.Minute
	}
	return &SandboxManager{
		clientset: cs,
		executor:  exec,
		cfg:       cfg,
		template:  tmpl,
		logger:    logger.With().Str("component", "workspace").Str("backend", "sandbox").Logger(),
		arena:     arena,
		validator: validator,
	}
}

func loadPodTemplate(path string) (podTemplate, error) {
	tmpl := podTemplate{
		Image:  "reforge/sandbox:latest",
		CPU:    "2",
		Memory: "4Gi",
	}
	if path == "" {
		return tmpl, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return tmpl, fmt.Errorf("reading pod template: %w", err)
	}
	if err := yaml.Unmarshal(data, &tmpl); err != nil {
		return tmpl, fmt.Errorf("parsing pod template: %w", err)
	}
	if tmpl.Image == "" {
		return tmpl, fmt.Errorf("pod template missing image: %w", rerrors.ErrInvalidInput)
	}
	return tmpl, nil
}

func podName(projectID string) string {
	name := strings.ToLower(projectID)
	if len(name) > 40 {
		name = name[:40]
	}
	return "reforge-ws-" + name
}

func (m *SandboxManager) buildPod(projectID string) (*corev1.Pod, error) {
	cpu, err := resource.ParseQuantity(m.template.CPU)
	if err != nil {
		return nil, fmt.Errorf("pod template cpu %q: %w", m.template.CPU, err)
	}
	mem, err := resource.ParseQuantity(m.template.Memory)
	if err != nil {
		return nil, fmt.Errorf("pod template memory %q: %w", m.template.Memory, err)
	}

	labels := map[string]string{
		managedByLabel: "reforge",
		projectLabel:   projectID,
	}
	for k, v := range m.template.Labels {
		labels[k] = v
	}

	var env []corev1.EnvVar
	for k, v := range m.template.Env {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}

	command := m.template.Command
	if len(command) == 0 {
		command = []string{"sleep", "infinity"}
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      podName(projectID),
			Namespace: m.cfg.Namespace,
			Labels:    labels,
			Annotations: map[string]string{
				keepAliveAnnotation: "true",
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{{
				Name:       sandboxContainer,
				Image:      m.template.Image,
				Command:    command,
				Env:        env,
				WorkingDir: workspaceDir,
				Resources: corev1.ResourceRequirements{
					Limits: corev1.ResourceList{
						corev1.ResourceCPU:    cpu,
						corev1.ResourceMemory: mem,
					},
				},
			}},
		},
	}, nil
}

// Provision returns the project's sandbox pod, creating it and cloning the
// repository on first use. A live pod whose workspace carries the marker file
// is reconnected rather than rebuilt.
func (m *SandboxManager) Provision(ctx context.Context, projectID, repoURL string) (*Handle, error) {
	if projectID == "" || repoURL == "" {
		return nil, fmt.Errorf("project id and repo url required: %w", rerrors.ErrInvalidInput)
	}

	if h, ok := m.arena.Get(projectID); ok {
		return h, nil
	}

	name := podName(projectID)
	h := &Handle{ProjectID: projectID, Backend: "sandbox", Pod: name}
	pods := m.clientset.CoreV1().Pods(m.cfg.Namespace)

	existing, err := pods.Get(ctx, name, metav1.GetOptions{})
	if err == nil && existing.Status.Phase == corev1.PodRunning {
		if _, execErr := m.executor.Exec(ctx, m.cfg.Namespace, name, sandboxContainer,
			[]string{"test", "-f", workspaceDir + "/" + MarkerFile}, ""); execErr == nil {
			m.logger.Info().Str("project_id", projectID).Str("pod", name).Msg("reconnected sandbox")
			m.arena.Put(h)
			return h, nil
		}
	}
	if err != nil && !apierrors.IsNotFound(err) {
		return nil, fmt.Errorf("checking sandbox pod: %w", err)
	}

	if m.validator != nil {
		if err := m.validator.Validate(ctx, repoURL); err != nil {
			return nil, fmt.Errorf("repository validation: %w", err)
		}
	}

	if apierrors.IsNotFound(err) || existing == nil || existing.Status.Phase != corev1.PodRunning {
		if existing != nil && err == nil {
			// A dead pod under the sandbox name blocks recreation.
			if delErr := pods.Delete(ctx, name, metav1.DeleteOptions{}); delErr != nil && !apierrors.IsNotFound(delErr) {
				return nil, fmt.Errorf("removing stale sandbox pod: %w", delErr)
			}
		}
		pod, buildErr := m.buildPod(projectID)
		if buildErr != nil {
			return nil, buildErr
		}
		if _, createErr := pods.Create(ctx, pod, metav1.CreateOptions{}); createErr != nil {
			return nil, fmt.Errorf("creating sandbox pod: %w", createErr)
		}
		if waitErr := m.waitRunning(ctx, name); waitErr != nil {
			return nil, waitErr
		}
	}

	cloneCmd := fmt.Sprintf("git clone --depth 1 %s %s && echo %s > %s/%s",
		shellQuote(repoURL), workspaceDir, shellQuote(projectID), workspaceDir, MarkerFile)
	if out, execErr := m.executor.Exec(ctx, m.cfg.Namespace, name, sandboxContainer,
		[]string{"sh", "-c", cloneCmd}, ""); execErr != nil {
		return nil, fmt.Errorf("cloning into sandbox: %v: %s", execErr, out)
	}

	m.logger.Info().Str("project_id", projectID).Str("pod", name).Msg("sandbox provisioned")
	m.arena.Put(h)
	return h, nil
}

func (m *SandboxManager) waitRunning(ctx context.Context, name string) error {
	deadline := time.Now().Add(m.cfg.ProvisionWait)
	for {
		pod, err := m.clientset.CoreV1().Pods(m.cfg.Namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return fmt.Errorf("waiting for sandbox pod: %w", err)
		}
		switch pod.Status.Phase {
		case corev1.PodRunning:
			return nil
		case corev1.PodFailed:
			return fmt.Errorf("sandbox pod %s failed during startup: %w", name, rerrors.ErrUnavailable)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("sandbox pod %s not running after %s: %w", name, m.cfg.ProvisionWait, rerrors.ErrTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

// Execute runs a shell command inside the sandbox pod.
func (m *SandboxManager) Execute(ctx context.Context, h *Handle, command, cwd string, timeout time.Duration) (string, error) {
	workDir := workspaceDir
	if cwd != "" {
		rel, err := SafeRelPath(cwd)
		if err != nil {
			return "", err
		}
		workDir = workspaceDir + "/" + rel
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	shell := fmt.Sprintf("cd %s && %s", shellQuote(workDir), command)
	out, err := m.executor.Exec(ctx, m.cfg.Namespace, h.Pod, sandboxContainer, []string{"sh", "-c", shell}, "")
	if ctx.Err() == context.DeadlineExceeded {
		return out, fmt.Errorf("command timed out after %s: %w: %s", timeout, rerrors.ErrTimeout, out)
	}
	if err != nil {
		return out, fmt.Errorf("command failed: %w", err)
	}
	return out, nil
}

// StartBackground launches a detached named process inside the pod, logging
// to a per-process file under the workspace.
func (m *SandboxManager) StartBackground(ctx context.Context, h *Handle, name, command, cwd string) error {
	workDir := workspaceDir
	if cwd != "" {
		rel, err := SafeRelPath(cwd)
		if err != nil {
			return err
		}
		workDir = workspaceDir + "/" + rel
	}

	shell := fmt.Sprintf(
		"mkdir -p %[1]s/.reforge-logs && cd %[2]s && nohup sh -c %[3]s > %[1]s/.reforge-logs/%[4]s.log 2>&1 & echo $! > %[1]s/.reforge-logs/%[4]s.pid",
		workspaceDir, shellQuote(workDir), shellQuote(command), name)
	if out, err := m.executor.Exec(ctx, m.cfg.Namespace, h.Pod, sandboxContainer, []string{"sh", "-c", shell}, ""); err != nil {
		return fmt.Errorf("start %s: %v: %s", name, err, out)
	}

	m.logger.Info().Str("project_id", h.ProjectID).Str("name", name).Msg("background process started")
	return nil
}

// WriteFiles streams each file into the pod over the exec channel.
func (m *SandboxManager) WriteFiles(ctx context.Context, h *Handle, files []FileWrite) error {
	for _, f := range files {
		rel, err := SafeRelPath(f.Path)
		if err != nil {
			return err
		}
		dst := workspaceDir + "/" + rel
		shell := fmt.Sprintf("mkdir -p $(dirname %s) && cat > %s", shellQuote(dst), shellQuote(dst))
		if out, execErr := m.executor.Exec(ctx, m.cfg.Namespace, h.Pod, sandboxContainer,
			[]string{"sh", "-c", shell}, f.Content); execErr != nil {
			return fmt.Errorf("write %s: %v: %s", rel, execErr, out)
		}
	}
	return nil
}

// ReadFile returns the content of a workspace-relative file in the pod.
func (m *SandboxManager) ReadFile(ctx context.Context, h *Handle, p string) (string, error) {
	rel, err := SafeRelPath(p)
	if err != nil {
		return "", err
	}
	out, err := m.executor.Exec(ctx, m.cfg.Namespace, h.Pod, sandboxContainer,
		[]string{"cat", workspaceDir + "/" + rel}, "")
	if err != nil {
		if strings.Contains(out, "No such file") {
			return "", fmt.Errorf("%s: %w", rel, rerrors.ErrNotFound)
		}
		return "", fmt.Errorf("read %s: %w", rel, err)
	}
	return out, nil
}

// PreviewLink returns the routed URL for a sandbox port. Requires a preview
// domain with a wildcard route pointing at sandbox pods.
func (m *SandboxManager) PreviewLink(h *Handle, port int) (string, error) {
	if m.cfg.PreviewDomain == "" {
		return "", fmt.Errorf("preview domain not configured: %w", rerrors.ErrUnsupported)
	}
	if port <= 0 || port > 65535 {
		return "", fmt.Errorf("invalid port %d: %w", port, rerrors.ErrInvalidInput)
	}
	return fmt.Sprintf("https://%s-%d.%s", h.Pod, port, m.cfg.PreviewDomain), nil
}

// Teardown releases the sandbox. Stop clears the keep-alive annotation so the
// idle reaper may suspend the pod; destroy deletes it. Failures are logged
// and the handle leaves the arena either way.
func (m *SandboxManager) Teardown(ctx context.Context, h *Handle, destroy bool) {
	defer m.arena.Remove(h.ProjectID)
	pods := m.clientset.CoreV1().Pods(m.cfg.Namespace)

	if destroy {
		if err := pods.Delete(ctx, h.Pod, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
			m.logger.Warn().Err(err).Str("pod", h.Pod).Msg("failed to delete sandbox pod")
			return
		}
		m.logger.Info().Str("project_id", h.ProjectID).Str("pod", h.Pod).Msg("sandbox destroyed")
		return
	}

	pod, err := pods.Get(ctx, h.Pod, metav1.GetOptions{})
	if err != nil {
		if !apierrors.IsNotFound(err) {
			m.logger.Warn().Err(err).Str("pod", h.Pod).Msg("failed to fetch sandbox pod for stop")
		}
		return
	}
	if pod.Annotations == nil {
		pod.Annotations = map[string]string{}
	}
	pod.Annotations[keepAliveAnnotation] = "false"
	if _, err := pods.Update(ctx, pod, metav1.UpdateOptions{}); err != nil {
		m.logger.Warn().Err(err).Str("pod", h.Pod).Msg("failed to release sandbox keep-alive")
		return
	}
	m.logger.Info().Str("project_id", h.ProjectID).Str("pod", h.Pod).Msg("sandbox stopped")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
