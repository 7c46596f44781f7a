package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	rerrors "github.com/reforge-dev/reforge/internal/errors"
	"github.com/reforge-dev/reforge/internal/workspace"
)

const (
	anthropicAPIBase    = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"
	defaultMaxTokens    = 8192
	defaultModel        = "claude-sonnet-4-5"
)

// SlicePlan is one planned vertical slice of the migration.
type SlicePlan struct {
	Name               string   `json:"name"`
	Priority           int      `json:"priority"`
	Dependencies       []string `json:"dependencies"`
	CodeContract       string   `json:"code_contract"`
	BehavioralContract string   `json:"behavioral_contract"`
}

// GeneratedSlice is the model's implementation of one slice.
type GeneratedSlice struct {
	Files       []workspace.FileWrite `json:"files"`
	Summary     string                `json:"summary"`
	TestCommand string                `json:"test_command"`
}

// Diagnosis is the model's reading of a failed test run plus the edits that
// should fix it.
type Diagnosis struct {
	Summary string                `json:"summary"`
	Fixes   []workspace.FileWrite `json:"fixes"`
}

// Codegen calls the Anthropic Messages API for planning, slice generation,
// and failure diagnosis.
type Codegen struct {
	apiKey    string
	baseURL   string
	model     string
	maxTokens int
	client    *http.Client
	logger    zerolog.Logger
}

// CodegenOption configures the client.
type CodegenOption func(*Codegen)

func WithModel(model string) CodegenOption {
	return func(c *Codegen) { c.model = model }
}

func WithMaxTokens(n int) CodegenOption {
	return func(c *Codegen) { c.maxTokens = n }
}

func WithHTTPClient(hc *http.Client) CodegenOption {
	return func(c *Codegen) { c.client = hc }
}

func WithBaseURL(u string) CodegenOption {
	return func(c *Codegen) { c.baseURL = u }
}

// NewCodegen constructs a code generation client.
func NewCodegen(apiKey string, logger zerolog.Logger, opts ...CodegenOption) *Codegen {
	c := &Codegen{
		apiKey:    apiKey,
		baseURL:   anthropicAPIBase,
		model:     defaultModel,
		maxTokens: defaultMaxTokens,
		client:    &http.Client{Timeout: 120 * time.Second},
		logger:    logger.With().Str("component", "analysis.codegen").Logger(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ---- Anthropic wire types ----

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *Codegen) complete(ctx context.Context, system, prompt string) (string, error) {
	ar := anthropicRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    system,
		Messages:  []anthropicMessage{{Role: "user", Content: prompt}},
	}
	body, err := json.Marshal(ar)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("codegen request: %w: %v", rerrors.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &rerrors.APIError{
			Service:    "codegen",
			StatusCode: resp.StatusCode,
			Message:    truncate(string(raw), 512),
		}
	}

	var out anthropicResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("codegen api error %s: %s", out.Error.Type, out.Error.Message)
	}

	var text strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	c.logger.Debug().
		Str("model", ar.Model).
		Str("stop_reason", out.StopReason).
		Int("in_tokens", out.Usage.InputTokens).
		Int("out_tokens", out.Usage.OutputTokens).
		Msg("codegen complete")
	return text.String(), nil
}

// extractJSON pulls the first JSON document out of model text, tolerating
// markdown fences and surrounding prose.
func extractJSON(text string) (string, error) {
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return "", fmt.Errorf("no json in model output")
	}
	closer := byte('}')
	if text[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(text, closer)
	if end < start {
		return "", fmt.Errorf("unterminated json in model output")
	}
	return text[start : end+1], nil
}

const planSystem = `You are a migration planner. Given a structural analysis and a behavioral
contract of a legacy application, split the rebuild into independent vertical slices.
Respond with only a JSON array of objects with keys: name, priority (1 is first),
dependencies (names of slices that must complete first), code_contract, behavioral_contract.`

// PlanSlices turns both analyses into an ordered set of vertical slices.
func (c *Codegen) PlanSlices(ctx context.Context, left *LeftAnalysis, right *BehavioralContract) ([]SlicePlan, error) {
	leftJSON, err := json.Marshal(left)
	if err != nil {
		return nil, fmt.Errorf("marshal left analysis: %w", err)
	}
	rightJSON, err := json.Marshal(right)
	if err != nil {
		return nil, fmt.Errorf("marshal behavioral contract: %w", err)
	}

	prompt := fmt.Sprintf("Structural analysis:\n%s\n\nBehavioral contract:\n%s", leftJSON, rightJSON)
	text, err := c.complete(ctx, planSystem, prompt)
	if err != nil {
		return nil, err
	}

	doc, err := extractJSON(text)
	if err != nil {
		return nil, &rerrors.PhaseError{Phase: "planning", Diagnosis: "model output was not a slice plan", Err: err}
	}
	var plans []SlicePlan
	if err := json.Unmarshal([]byte(doc), &plans); err != nil {
		return nil, &rerrors.PhaseError{Phase: "planning", Diagnosis: "model output was not a slice plan", Err: err}
	}
	if len(plans) == 0 {
		return nil, &rerrors.PhaseError{Phase: "planning", Diagnosis: "model produced an empty plan"}
	}
	return plans, nil
}

const generateSystem = `You are rebuilding one vertical slice of an application. Given the slice's
code contract and behavioral contract, produce the implementation. Respond with only a JSON
object with keys: files (array of {path, content}), summary, test_command.`

// GenerateSlice produces the file edits implementing one slice.
func (c *Codegen) GenerateSlice(ctx context.Context, plan *SlicePlan, projectContext string) (*GeneratedSlice, error) {
	prompt := fmt.Sprintf("Slice: %s\n\nCode contract:\n%s\n\nBehavioral contract:\n%s\n\nProject context:\n%s",
		plan.Name, plan.CodeContract, plan.BehavioralContract, projectContext)
	text, err := c.complete(ctx, generateSystem, prompt)
	if err != nil {
		return nil, err
	}

	doc, err := extractJSON(text)
	if err != nil {
		return nil, fmt.Errorf("slice generation output: %w", err)
	}
	var out GeneratedSlice
	if err := json.Unmarshal([]byte(doc), &out); err != nil {
		return nil, fmt.Errorf("unmarshal generated slice: %w", err)
	}
	if len(out.Files) == 0 {
		return nil, fmt.Errorf("model produced no files for slice %s", plan.Name)
	}
	return &out, nil
}

const diagnoseSystem = `You are debugging a failed test run in a rebuilt application slice.
Given the test output and relevant files, explain the root cause and produce fixed files.
Respond with only a JSON object with keys: summary, fixes (array of {path, content}).`

// Diagnose reads a failed test run and proposes fixes.
func (c *Codegen) Diagnose(ctx context.Context, sliceName, testOutput string, files []workspace.FileWrite) (*Diagnosis, error) {
	filesJSON, err := json.Marshal(files)
	if err != nil {
		return nil, fmt.Errorf("marshal files: %w", err)
	}

	prompt := fmt.Sprintf("Slice: %s\n\nTest output:\n%s\n\nCurrent files:\n%s", sliceName, testOutput, filesJSON)
	text, err := c.complete(ctx, diagnoseSystem, prompt)
	if err != nil {
		return nil, err
	}

	doc, err := extractJSON(text)
	if err != nil {
		return nil, fmt.Errorf("diagnosis output: %w", err)
	}
	var out Diagnosis
	if err := json.Unmarshal([]byte(doc), &out); err != nil {
		return nil, fmt.Errorf("unmarshal diagnosis: %w", err)
	}
	return &out, nil
}
