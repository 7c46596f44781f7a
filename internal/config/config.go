package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration loaded from environment variables.
// Every external endpoint is optional at boot: a missing setting disables the
// feature rather than failing startup.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	HTTPPort    int    `envconfig:"HTTP_PORT" default:"8080"`

	// Persistence
	DatabasePath string `envconfig:"DATABASE_PATH" default:"reforge.db"`

	// Workspaces
	WorkspaceRoot  string        `envconfig:"WORKSPACE_ROOT" default:"/var/lib/reforge/workspaces"`
	CommandTimeout time.Duration `envconfig:"COMMAND_TIMEOUT" default:"10m"`

	// Sandbox backend (optional — falls back to local directories when unset)
	SandboxKubeconfig  string `envconfig:"SANDBOX_KUBECONFIG"`
	SandboxNamespace   string `envconfig:"SANDBOX_NAMESPACE" default:"reforge-sandboxes"`
	SandboxPodTemplate string `envconfig:"SANDBOX_POD_TEMPLATE"` // path to a YAML pod manifest
	SandboxInCluster   bool   `envconfig:"SANDBOX_IN_CLUSTER" default:"false"`
	PreviewDomain      string `envconfig:"PREVIEW_DOMAIN"` // e.g. "preview.reforge.dev"

	// Source repository validation (optional)
	GitHubToken string `envconfig:"GITHUB_TOKEN"`

	// Analysis collaborators (optional — pipeline degrades to failing the phase)
	AnalysisBaseURL string        `envconfig:"ANALYSIS_BASE_URL"` // static code analyzer
	BehaviorBaseURL string        `envconfig:"BEHAVIOR_BASE_URL"` // behavioral analyzer
	AnalysisTimeout time.Duration `envconfig:"ANALYSIS_TIMEOUT" default:"5m"`

	// Code generation / diagnosis (optional)
	CodegenAPIKey    string        `envconfig:"CODEGEN_API_KEY"`
	CodegenModel     string        `envconfig:"CODEGEN_MODEL" default:"claude-sonnet-4-5"`
	CodegenMaxTokens int           `envconfig:"CODEGEN_MAX_TOKENS" default:"8192"`
	CodegenTimeout   time.Duration `envconfig:"CODEGEN_TIMEOUT" default:"5m"`

	// Job queue
	QueueWorkers      int           `envconfig:"QUEUE_WORKERS" default:"4"`
	QueuePollInterval time.Duration `envconfig:"QUEUE_POLL_INTERVAL" default:"1s"`
	QueueMaxAttempts  int           `envconfig:"QUEUE_MAX_ATTEMPTS" default:"5"`

	// Slice builds
	SelfHealMaxAttempts int `envconfig:"SELF_HEAL_MAX_ATTEMPTS" default:"4"`

	// Slack notifications (optional)
	SlackBotToken string `envconfig:"SLACK_BOT_TOKEN"`
	SlackChannel  string `envconfig:"SLACK_CHANNEL"`

	// Management API
	APIListenAddr    string `envconfig:"API_LISTEN_ADDR" default:":8090"`
	APIAuthMode      string `envconfig:"API_AUTH_MODE" default:"api-key"` // "api-key", "jwt", "none"
	APIKey           string `envconfig:"API_KEY"`
	APIJWTSecret     string `envconfig:"API_JWT_SECRET"`
	APIRateLimitRPS  int    `envconfig:"API_RATE_LIMIT_RPS" default:"100"`
	APIRateLimitBurst int   `envconfig:"API_RATE_LIMIT_BURST" default:"200"`
	APICORSOrigins   string `envconfig:"API_CORS_ORIGINS"`
}

// SandboxEnabled returns true if the Kubernetes sandbox backend is configured.
func (c *Config) SandboxEnabled() bool {
	return c.SandboxInCluster || c.SandboxKubeconfig != ""
}

// GitHubEnabled returns true if source repository validation is configured.
func (c *Config) GitHubEnabled() bool {
	return c.GitHubToken != ""
}

// AnalysisEnabled returns true if the static analyzer endpoint is configured.
func (c *Config) AnalysisEnabled() bool {
	return c.AnalysisBaseURL != ""
}

// BehaviorEnabled returns true if the behavioral analyzer endpoint is configured.
func (c *Config) BehaviorEnabled() bool {
	return c.BehaviorBaseURL != ""
}

// CodegenEnabled returns true if the code generation collaborator is configured.
func (c *Config) CodegenEnabled() bool {
	return c.CodegenAPIKey != ""
}

// SlackEnabled returns true if Slack notifications are configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != "" && c.SlackChannel != ""
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &cfg, nil
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config with prefix %s: %w", prefix, err)
	}
	return &cfg, nil
}
