// Package repos validates migration source repositories against the GitHub
// API before anything is cloned.
package repos

import (
	"context"
	"fmt"
	"strings"

	gh "github.com/google/go-github/v60/github"
	"github.com/rs/zerolog"

	rerrors "github.com/reforge-dev/reforge/internal/errors"
)

// Repo is the owner/name pair parsed from a repository URL.
type Repo struct {
	Owner string
	Name  string
}

func (r Repo) String() string { return r.Owner + "/" + r.Name }

// Parse extracts the owner and name from a GitHub repository URL. Accepts
// https and ssh forms, with or without a .git suffix.
func Parse(repoURL string) (Repo, error) {
	s := strings.TrimSuffix(strings.TrimSpace(repoURL), ".git")

	switch {
	case strings.HasPrefix(s, "git@github.com:"):
		s = strings.TrimPrefix(s, "git@github.com:")
	case strings.HasPrefix(s, "https://github.com/"):
		s = strings.TrimPrefix(s, "https://github.com/")
	case strings.HasPrefix(s, "http://github.com/"):
		s = strings.TrimPrefix(s, "http://github.com/")
	default:
		return Repo{}, fmt.Errorf("unsupported repository url %q: %w", repoURL, rerrors.ErrInvalidInput)
	}

	parts := strings.Split(strings.Trim(s, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Repo{}, fmt.Errorf("repository url %q is not owner/name: %w", repoURL, rerrors.ErrInvalidInput)
	}
	return Repo{Owner: parts[0], Name: parts[1]}, nil
}

// Client checks repositories through the GitHub API. With no token configured
// it degrades to URL shape validation only.
type Client struct {
	gh     *gh.Client
	logger zerolog.Logger
}

// NewClient creates a repository validator. An empty token leaves the API
// client unset and validation degrades gracefully.
func NewClient(token string, logger zerolog.Logger) *Client {
	c := &Client{logger: logger.With().Str("component", "repos").Logger()}
	if token != "" {
		c.gh = gh.NewClient(nil).WithAuthToken(token)
	}
	return c
}

// NewClientFromGitHub creates a validator from an existing go-github client
// (for testing).
func NewClientFromGitHub(ghc *gh.Client, logger zerolog.Logger) *Client {
	return &Client{gh: ghc, logger: logger.With().Str("component", "repos").Logger()}
}

// Validate checks that the URL names a reachable, non-archived repository.
// Without an API client only the URL shape is checked.
func (c *Client) Validate(ctx context.Context, repoURL string) error {
	repo, err := Parse(repoURL)
	if err != nil {
		return err
	}

	if c.gh == nil {
		c.logger.Debug().Str("repo", repo.String()).Msg("no github token, skipping api validation")
		return nil
	}

	r, resp, err := c.gh.Repositories.Get(ctx, repo.Owner, repo.Name)
	if err != nil {
		if resp != nil && resp.StatusCode == 404 {
			return fmt.Errorf("repository %s: %w", repo, rerrors.ErrNotFound)
		}
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return &rerrors.APIError{Service: "github", StatusCode: status, Message: "repository lookup failed", Err: err}
	}

	if r.GetArchived() {
		return fmt.Errorf("repository %s is archived: %w", repo, rerrors.ErrInvalidInput)
	}
	return nil
}

// DefaultBranch returns the repository's default branch, or "main" when the
// API is not configured.
func (c *Client) DefaultBranch(ctx context.Context, repoURL string) (string, error) {
	repo, err := Parse(repoURL)
	if err != nil {
		return "", err
	}
	if c.gh == nil {
		return "main", nil
	}

	r, resp, err := c.gh.Repositories.Get(ctx, repo.Owner, repo.Name)
	if err != nil {
		if resp != nil && resp.StatusCode == 404 {
			return "", fmt.Errorf("repository %s: %w", repo, rerrors.ErrNotFound)
		}
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return "", &rerrors.APIError{Service: "github", StatusCode: status, Message: "repository lookup failed", Err: err}
	}

	branch := r.GetDefaultBranch()
	if branch == "" {
		branch = "main"
	}
	return branch, nil
}
