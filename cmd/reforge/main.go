package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/reforge-dev/reforge/internal/analysis"
	"github.com/reforge-dev/reforge/internal/api"
	"github.com/reforge-dev/reforge/internal/builder"
	"github.com/reforge-dev/reforge/internal/config"
	"github.com/reforge-dev/reforge/internal/events"
	"github.com/reforge-dev/reforge/internal/health"
	"github.com/reforge-dev/reforge/internal/metrics"
	"github.com/reforge-dev/reforge/internal/notify"
	"github.com/reforge-dev/reforge/internal/pipeline"
	"github.com/reforge-dev/reforge/internal/queue"
	"github.com/reforge-dev/reforge/internal/repos"
	"github.com/reforge-dev/reforge/internal/store"
	"github.com/reforge-dev/reforge/internal/workspace"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Int("http_port", cfg.HTTPPort).
		Str("api_addr", cfg.APIListenAddr).
		Bool("sandbox_enabled", cfg.SandboxEnabled()).
		Bool("codegen_enabled", cfg.CodegenEnabled()).
		Msg("starting reforge")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	st, err := store.New(cfg.DatabasePath, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	m := metrics.New()

	checker := health.NewChecker(logger)
	checker.Register("store", func(ctx context.Context) health.Status {
		if err := st.Ping(); err != nil {
			return health.StatusDown
		}
		return health.StatusOK
	})

	// Event fan-out
	hub := events.NewHub(logger)
	recorder := events.NewRecorder(st, hub, m, logger)
	feed := events.NewFeed(st, hub, logger)

	// Workspaces. A repo validator with no token still does URL shape checks.
	validator := repos.NewClient(cfg.GitHubToken, logger)
	arena := workspace.NewArena(m.ActiveWorkspaces)

	var ws workspace.Manager
	if cfg.SandboxEnabled() {
		ws, err = workspace.NewSandboxManager(workspace.SandboxConfig{
			KubeconfigPath:  cfg.SandboxKubeconfig,
			InCluster:       cfg.SandboxInCluster,
			Namespace:       cfg.SandboxNamespace,
			PodTemplatePath: cfg.SandboxPodTemplate,
			PreviewDomain:   cfg.PreviewDomain,
		}, arena, validator, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to init sandbox workspace manager")
		}
		logger.Info().Str("namespace", cfg.SandboxNamespace).Msg("sandbox workspace backend enabled")
	} else {
		ws = workspace.NewLocalManager(cfg.WorkspaceRoot, arena, validator, logger)
		logger.Info().Str("root", cfg.WorkspaceRoot).Msg("local workspace backend enabled")
	}

	// Analysis collaborators (optional — nil degrades the phase)
	var left pipeline.LeftAnalyzer
	if cfg.AnalysisEnabled() {
		left = analysis.NewLeftClient(cfg.AnalysisBaseURL, cfg.AnalysisTimeout, logger)
		logger.Info().Msg("code analyzer configured")
	} else {
		logger.Info().Msg("code analyzer not configured — skipping")
	}

	var right pipeline.RightAnalyzer
	if cfg.BehaviorEnabled() {
		right = analysis.NewRightClient(cfg.BehaviorBaseURL, cfg.AnalysisTimeout, logger)
		logger.Info().Msg("behavior analyzer configured")
	} else {
		logger.Info().Msg("behavior analyzer not configured — skipping")
	}

	var codegen *analysis.Codegen
	var planner pipeline.Planner
	var gen builder.Generator
	if cfg.CodegenEnabled() {
		codegen = analysis.NewCodegen(cfg.CodegenAPIKey, logger,
			analysis.WithModel(cfg.CodegenModel),
			analysis.WithMaxTokens(cfg.CodegenMaxTokens),
			analysis.WithHTTPClient(&http.Client{Timeout: cfg.CodegenTimeout}),
		)
		planner = codegen
		gen = codegen
		logger.Info().Str("model", cfg.CodegenModel).Msg("codegen configured")
	} else {
		logger.Info().Msg("codegen not configured — planning and builds will fail fast")
	}

	// Durable job queue
	qcfg := queue.DefaultConfig()
	qcfg.Workers = cfg.QueueWorkers
	qcfg.PollInterval = cfg.QueuePollInterval
	qcfg.MaxAttempts = cfg.QueueMaxAttempts
	q := queue.New(qcfg, st, m, logger)

	b := builder.New(builder.Config{
		MaxHeals:    cfg.SelfHealMaxAttempts,
		TestTimeout: cfg.CommandTimeout,
	}, st, ws, gen, recorder, q, m, logger)

	engine := pipeline.New(st, q, left, right, planner, b, recorder, m, logger)
	q.SetHandler(engine)

	if cfg.SlackEnabled() {
		notifier := notify.New(cfg.SlackBotToken, cfg.SlackChannel, logger)
		b.SetNotifier(notifier)
		engine.SetNotifier(notifier)
		logger.Info().Str("channel", cfg.SlackChannel).Msg("slack notifications enabled")
	}

	// Startup recovery: jobs a previous process left running can never
	// complete, so dead-letter them and close the affected projects' gates.
	stuck, err := st.FailStuckJobs()
	if err != nil {
		logger.Fatal().Err(err).Msg("startup recovery failed")
	}
	for _, job := range stuck {
		logger.Warn().Str("job_id", job.ID).Str("project_id", job.ProjectID).Msg("recovering stuck job")
		engine.HandleJobDead(job.ProjectID, fmt.Errorf("job %s interrupted by restart", job.ID))
	}

	q.Start(ctx)

	// Internal HTTP server: probes, metrics, websocket event feed
	mux := http.NewServeMux()
	mux.HandleFunc("/health", health.LivenessHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("GET /projects/{id}/events", feed.Handler)

	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info().Int("port", cfg.HTTPPort).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	// Management API
	apiServer := api.NewServer(api.ServerConfig{
		ListenAddr: cfg.APIListenAddr,
		Auth: api.AuthConfig{
			Mode:      cfg.APIAuthMode,
			APIKey:    cfg.APIKey,
			JWTSecret: cfg.APIJWTSecret,
		},
		RateLimit: api.RateLimitConfig{
			RPS:   cfg.APIRateLimitRPS,
			Burst: cfg.APIRateLimitBurst,
		},
		CORSOrigins: cfg.APICORSOrigins,
	}, api.NewHandlers(st, engine, checker, logger), logger)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := apiServer.Start(); err != nil {
			logger.Error().Err(err).Msg("api server error")
		}
	}()

	// Wait for shutdown signal
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}
	if err := apiServer.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("api server shutdown error")
	}

	q.Stop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-time.After(15 * time.Second):
		logger.Warn().Msg("forced shutdown after timeout")
	}

	logger.Info().Msg("reforge stopped")
}
