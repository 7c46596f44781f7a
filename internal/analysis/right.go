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

// Behavioral analyzer ingestion states.
const (
	IngestionRunning  = "running"
	IngestionComplete = "complete"
	IngestionFailed   = "failed"
)

// BehavioralContract is the behavior analyzer's output: what the application
// does from the outside, independent of how the code is structured.
type BehavioralContract struct {
	Flows      []UserFlow `json:"flows"`
	Assertions []string   `json:"assertions"`
}

// UserFlow is one observed end-to-end interaction.
type UserFlow struct {
	Name     string   `json:"name"`
	Steps    []string `json:"steps"`
	Expected string   `json:"expected"`
}

// IngestionStatus reports the progress of a behavioral ingestion run.
type IngestionStatus struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// RightClient calls the behavioral analysis service. Ingestion is
// asynchronous on the remote side; callers start a run and poll.
type RightClient struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger

	// PollInterval controls WaitComplete pacing. Overridable for tests.
	PollInterval time.Duration

	// Retry paces transient-failure retries. Overridable for tests.
	Retry retry.Config
}

// NewRightClient creates a behavioral analyzer client.
func NewRightClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *RightClient {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &RightClient{
		baseURL:      baseURL,
		client:       &http.Client{Timeout: timeout},
		logger:       logger.With().Str("component", "analysis.right").Logger(),
		PollInterval: 5 * time.Second,
		Retry:        retry.DefaultConfig(),
	}
}

func (c *RightClient) do(ctx context.Context, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		payload = raw
	}

	return retry.Do(ctx, c.Retry, func(ctx context.Context) error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("behavior analysis request: %w: %v", rerrors.ErrUnavailable, err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return &rerrors.APIError{
				Service:    "behavior",
				StatusCode: resp.StatusCode,
				Message:    truncate(string(raw), 512),
			}
		}
		if out != nil {
			if err := json.Unmarshal(raw, out); err != nil {
				return fmt.Errorf("unmarshal response: %w", err)
			}
		}
		return nil
	})
}

// StartIngestion kicks off a behavioral run and returns its id.
func (c *RightClient) StartIngestion(ctx context.Context, projectID, repoURL string) (string, error) {
	var out IngestionStatus
	err := c.do(ctx, http.MethodPost, "/v1/ingestions", map[string]string{
		"project_id": projectID,
		"repo_url":   repoURL,
	}, &out)
	if err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("behavior analyzer returned no ingestion id")
	}
	c.logger.Info().Str("project_id", projectID).Str("ingestion_id", out.ID).Msg("behavioral ingestion started")
	return out.ID, nil
}

// Status fetches the current state of an ingestion run.
func (c *RightClient) Status(ctx context.Context, ingestionID string) (*IngestionStatus, error) {
	var out IngestionStatus
	if err := c.do(ctx, http.MethodGet, "/v1/ingestions/"+ingestionID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WaitComplete polls until the ingestion finishes. A failed run is a terminal
// error; a canceled context surfaces as-is.
func (c *RightClient) WaitComplete(ctx context.Context, ingestionID string) error {
	for {
		st, err := c.Status(ctx, ingestionID)
		if err != nil {
			return err
		}
		switch st.Status {
		case IngestionComplete:
			return nil
		case IngestionFailed:
			return &rerrors.PhaseError{
				Phase:     "right_brain",
				Diagnosis: st.Error,
				Err:       fmt.Errorf("behavioral ingestion %s failed", ingestionID),
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.PollInterval):
		}
	}
}

// Contract fetches the behavioral contract of a completed ingestion.
func (c *RightClient) Contract(ctx context.Context, ingestionID string) (*BehavioralContract, error) {
	var out BehavioralContract
	if err := c.do(ctx, http.MethodGet, "/v1/ingestions/"+ingestionID+"/contract", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
