// Package analysis holds the clients for the three external reasoning
// services: the code analyzer, the behavioral analyzer, and the code
// generation model.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	rerrors "github.com/reforge-dev/reforge/internal/errors"
	"github.com/reforge-dev/reforge/internal/retry"
)

// LeftAnalysis is the code analyzer's structural report on a repository.
type LeftAnalysis struct {
	Stats     CodeStats      `json:"stats"`
	Features  []Feature      `json:"features"`
	Entities  []Entity       `json:"entities"`
	Functions []FunctionMeta `json:"functions"`
}

// CodeStats summarizes the repository surface.
type CodeStats struct {
	Files     int            `json:"files"`
	Lines     int            `json:"lines"`
	Languages map[string]int `json:"languages"` // language -> line count
}

// Feature is one user-visible capability discovered in the codebase.
type Feature struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	EntryPoints []string `json:"entry_points"`
	Entities    []string `json:"entities"`
}

// Entity is a domain object with its relations.
type Entity struct {
	Name      string   `json:"name"`
	Fields    []string `json:"fields"`
	Relations []string `json:"relations"`
}

// FunctionMeta describes one function worth carrying into the migration plan.
type FunctionMeta struct {
	Name       string `json:"name"`
	File       string `json:"file"`
	Signature  string `json:"signature"`
	Complexity int    `json:"complexity"`
}

// LeftClient calls the code analysis service.
type LeftClient struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger

	// Retry paces transient-failure retries. Overridable for tests.
	Retry retry.Config
}

// NewLeftClient creates a code analyzer client.
func NewLeftClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *LeftClient {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &LeftClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "analysis.left").Logger(),
		Retry:   retry.DefaultConfig(),
	}
}

// Analyze runs a full structural analysis of the repository. Transient
// failures are retried with backoff before the error reaches the pipeline.
func (c *LeftClient) Analyze(ctx context.Context, projectID, repoURL string) (*LeftAnalysis, error) {
	body, err := json.Marshal(map[string]string{
		"project_id": projectID,
		"repo_url":   repoURL,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal analyze request: %w", err)
	}

	var out LeftAnalysis
	err = retry.Do(ctx, c.Retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/analyze", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create analyze request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return fmt.Errorf("code analysis: %w", rerrors.ErrTimeout)
			}
			return fmt.Errorf("code analysis request: %w: %v", rerrors.ErrUnavailable, err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read analyze response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return &rerrors.APIError{
				Service:    "analysis",
				StatusCode: resp.StatusCode,
				Message:    truncate(string(raw), 512),
			}
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return fmt.Errorf("unmarshal analyze response: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info().
		Str("project_id", projectID).
		Int("features", len(out.Features)).
		Int("entities", len(out.Entities)).
		Msg("code analysis complete")
	return &out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
