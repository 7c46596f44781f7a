package api

import (
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	rerrors "github.com/reforge-dev/reforge/internal/errors"
	"github.com/reforge-dev/reforge/internal/health"
	"github.com/reforge-dev/reforge/internal/repos"
	"github.com/reforge-dev/reforge/internal/store"
)

// Triggers is the pipeline trigger surface the API exposes.
type Triggers interface {
	StartProcessing(projectID string) error
	Configure(projectID string, options json.RawMessage) error
	RetrySlice(projectID, sliceID string) error
	ResumeOrRestart(projectID, mode string) error
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	store   *store.Store
	engine  Triggers
	checker *health.Checker
	logger  zerolog.Logger
}

// NewHandlers creates a new Handlers instance. checker may be nil.
func NewHandlers(st *store.Store, engine Triggers, checker *health.Checker, logger zerolog.Logger) *Handlers {
	return &Handlers{
		store:   st,
		engine:  engine,
		checker: checker,
		logger:  logger.With().Str("component", "api").Logger(),
	}
}

// CreateProject handles POST /api/v1/projects.
func (h *Handlers) CreateProject(c *fiber.Ctx) error {
	var req CreateProjectRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}
	if req.Name == "" || req.RepoURL == "" {
		return problemResponse(c, fiber.StatusBadRequest,
			"missing_fields", "Bad Request",
			"name and repo_url are required")
	}
	if _, err := repos.Parse(req.RepoURL); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_repo_url", "Bad Request",
			"repo_url is not a recognized GitHub repository URL")
	}

	project, err := h.store.CreateProject(store.CreateProjectInput{
		Name:    req.Name,
		RepoURL: req.RepoURL,
		OwnerID: ownerID(c),
	})
	if err != nil {
		return h.problemFromError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(project)
}

// ListProjects handles GET /api/v1/projects.
func (h *Handlers) ListProjects(c *fiber.Ctx) error {
	projects, err := h.store.ListProjects(ownerID(c))
	if err != nil {
		return h.problemFromError(c, err)
	}
	if projects == nil {
		projects = []*store.Project{}
	}
	return c.JSON(fiber.Map{"projects": projects})
}

// GetProject handles GET /api/v1/projects/:id.
func (h *Handlers) GetProject(c *fiber.Ctx) error {
	project, err := h.ownedProject(c)
	if err != nil {
		return err
	}
	return c.JSON(project)
}

// StartProcessing handles POST /api/v1/projects/:id/process.
func (h *Handlers) StartProcessing(c *fiber.Ctx) error {
	project, err := h.ownedProject(c)
	if err != nil {
		return err
	}
	if err := h.engine.StartProcessing(project.ID); err != nil {
		return h.problemFromError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "processing"})
}

// Configure handles POST /api/v1/projects/:id/configure.
func (h *Handlers) Configure(c *fiber.Ctx) error {
	project, err := h.ownedProject(c)
	if err != nil {
		return err
	}

	var req ConfigureRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return problemResponse(c, fiber.StatusBadRequest,
				"invalid_body", "Bad Request",
				"Invalid request body: "+err.Error())
		}
	}

	if err := h.engine.Configure(project.ID, req.Options); err != nil {
		return h.problemFromError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "planning"})
}

// RetrySlice handles POST /api/v1/projects/:id/slices/:sliceId/retry.
func (h *Handlers) RetrySlice(c *fiber.Ctx) error {
	project, err := h.ownedProject(c)
	if err != nil {
		return err
	}
	if err := h.engine.RetrySlice(project.ID, c.Params("sliceId")); err != nil {
		return h.problemFromError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "building"})
}

// Resume handles POST /api/v1/projects/:id/resume.
func (h *Handlers) Resume(c *fiber.Ctx) error {
	project, err := h.ownedProject(c)
	if err != nil {
		return err
	}

	var req ResumeRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return problemResponse(c, fiber.StatusBadRequest,
				"invalid_body", "Bad Request",
				"Invalid request body: "+err.Error())
		}
	}

	if err := h.engine.ResumeOrRestart(project.ID, req.Mode); err != nil {
		return h.problemFromError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "processing"})
}

// ListSlices handles GET /api/v1/projects/:id/slices.
func (h *Handlers) ListSlices(c *fiber.Ctx) error {
	project, err := h.ownedProject(c)
	if err != nil {
		return err
	}
	slices, err := h.store.ListSlices(project.ID)
	if err != nil {
		return h.problemFromError(c, err)
	}
	if slices == nil {
		slices = []*store.VerticalSlice{}
	}
	return c.JSON(fiber.Map{"slices": slices})
}

// ListEvents handles GET /api/v1/projects/:id/events. The after query param is
// a sequence cursor; the response contains only events beyond it.
func (h *Handlers) ListEvents(c *fiber.Ctx) error {
	project, err := h.ownedProject(c)
	if err != nil {
		return err
	}

	after := int64(c.QueryInt("after", 0))
	events, err := h.store.ListEventsAfter(project.ID, after)
	if err != nil {
		return h.problemFromError(c, err)
	}
	if events == nil {
		events = []*store.AgentEvent{}
	}

	cursor := after
	if len(events) > 0 {
		cursor = events[len(events)-1].Seq
	}
	return c.JSON(fiber.Map{"events": events, "cursor": cursor})
}

// ListDeadLetters handles GET /api/v1/dead-letters.
func (h *Handlers) ListDeadLetters(c *fiber.Ctx) error {
	dls, err := h.store.ListDeadLetters(c.QueryInt("limit", 100))
	if err != nil {
		return h.problemFromError(c, err)
	}
	if dls == nil {
		dls = []*store.DeadLetter{}
	}
	return c.JSON(fiber.Map{"dead_letters": dls})
}

// ResolveDeadLetter handles POST /api/v1/dead-letters/:id/resolve.
func (h *Handlers) ResolveDeadLetter(c *fiber.Ctx) error {
	if err := h.store.ResolveDeadLetter(c.Params("id")); err != nil {
		return problemResponse(c, fiber.StatusNotFound,
			"dead_letter_not_found", "Not Found",
			"Dead letter not found: "+c.Params("id"))
	}
	return c.JSON(fiber.Map{"status": "resolved"})
}

// Liveness handles GET /healthz.
func (h *Handlers) Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// Readiness handles GET /readyz.
func (h *Handlers) Readiness(c *fiber.Ctx) error {
	if err := h.store.Ping(); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "not_ready"})
	}
	return c.JSON(fiber.Map{"status": "ready"})
}

// HealthDetail handles GET /api/v1/health: per-dependency check results.
func (h *Handlers) HealthDetail(c *fiber.Ctx) error {
	if h.checker == nil {
		return c.JSON(fiber.Map{"status": "ok", "checks": fiber.Map{}})
	}
	results := h.checker.RunAll(c.Context())
	status := "ok"
	for _, s := range results {
		if s == health.StatusDown {
			status = "down"
			break
		}
	}
	return c.JSON(fiber.Map{"status": status, "checks": results})
}

// MetricsSummary handles GET /api/v1/metrics/summary: coarse operational counts.
func (h *Handlers) MetricsSummary(c *fiber.Ctx) error {
	stats, err := h.store.Stats()
	if err != nil {
		return h.problemFromError(c, err)
	}
	return c.JSON(stats)
}

// ownedProject loads the requested project scoped to the caller. An ownership
// mismatch is indistinguishable from not-found.
func (h *Handlers) ownedProject(c *fiber.Ctx) (*store.Project, error) {
	id := c.Params("id")
	project, err := h.store.GetProjectOwned(id, ownerID(c))
	if err != nil {
		return nil, h.problemFromError(c, err)
	}
	if project == nil {
		return nil, problemResponse(c, fiber.StatusNotFound,
			"project_not_found", "Not Found",
			"Project not found: "+id)
	}
	return project, nil
}

// problemFromError maps pipeline errors onto RFC 7807 responses.
func (h *Handlers) problemFromError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, rerrors.ErrNotFound):
		return problemResponse(c, fiber.StatusNotFound,
			"not_found", "Not Found", err.Error())
	case errors.Is(err, rerrors.ErrConflict):
		return problemResponse(c, fiber.StatusConflict,
			"conflict", "Conflict", err.Error())
	case errors.Is(err, rerrors.ErrInvalidInput):
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_input", "Bad Request", err.Error())
	case errors.Is(err, rerrors.ErrUnavailable):
		return problemResponse(c, fiber.StatusServiceUnavailable,
			"unavailable", "Service Unavailable",
			"A required service is unavailable. Please retry.")
	default:
		h.logger.Error().Err(err).Str("path", c.Path()).Msg("unhandled handler error")
		return problemResponse(c, fiber.StatusInternalServerError,
			"internal_error", "Internal Server Error",
			"An internal error occurred")
	}
}
