package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rerrors "github.com/reforge-dev/reforge/internal/errors"
	"github.com/reforge-dev/reforge/internal/health"
	"github.com/reforge-dev/reforge/internal/store"
)

type fakeTriggers struct {
	calls []string
	err   error
}

func (f *fakeTriggers) StartProcessing(projectID string) error {
	f.calls = append(f.calls, "process:"+projectID)
	return f.err
}

func (f *fakeTriggers) Configure(projectID string, options json.RawMessage) error {
	f.calls = append(f.calls, "configure:"+projectID)
	return f.err
}

func (f *fakeTriggers) RetrySlice(projectID, sliceID string) error {
	f.calls = append(f.calls, "retry:"+sliceID)
	return f.err
}

func (f *fakeTriggers) ResumeOrRestart(projectID, mode string) error {
	f.calls = append(f.calls, "resume:"+projectID+":"+mode)
	return f.err
}

type apiFixture struct {
	app    *fiber.App
	store  *store.Store
	engine *fakeTriggers
}

func newAPIFixture(t *testing.T, auth AuthConfig) *apiFixture {
	t.Helper()
	logger := zerolog.Nop()
	st, err := store.New(filepath.Join(t.TempDir(), "api.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	engine := &fakeTriggers{}
	srv := NewServer(ServerConfig{
		ListenAddr: ":0",
		Auth:       auth,
		RateLimit:  RateLimitConfig{RPS: 100, Burst: 200},
	}, NewHandlers(st, engine, health.NewChecker(logger), logger), logger)

	return &apiFixture{app: srv.App(), store: st, engine: engine}
}

func (f *apiFixture) request(t *testing.T, method, path, body string, headers map[string]string) *http.Response {
	t.Helper()
	var req *http.Request
	if body != "" {
		req, _ = http.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req, _ = http.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestAPI_Healthz(t *testing.T) {
	f := newAPIFixture(t, AuthConfig{Mode: "none"})

	resp := f.request(t, "GET", "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[map[string]string](t, resp)
	assert.Equal(t, "ok", body["status"])
}

func TestAPI_CreateAndGetProject(t *testing.T) {
	f := newAPIFixture(t, AuthConfig{Mode: "none"})

	resp := f.request(t, "POST", "/api/v1/projects",
		`{"name":"shop","repo_url":"https://github.com/acme/shop"}`, nil)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	created := decode[store.Project](t, resp)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, store.ProjectPending, created.Status)

	resp = f.request(t, "GET", "/api/v1/projects/"+created.ID, "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[store.Project](t, resp)
	assert.Equal(t, "shop", got.Name)
}

func TestAPI_CreateProject_BadRepoURL(t *testing.T) {
	f := newAPIFixture(t, AuthConfig{Mode: "none"})

	resp := f.request(t, "POST", "/api/v1/projects",
		`{"name":"shop","repo_url":"ftp://example.com/repo"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	problem := decode[ProblemDetail](t, resp)
	assert.Equal(t, "invalid_repo_url", problem.Type)
}

func TestAPI_OwnershipMismatchLooksLikeNotFound(t *testing.T) {
	f := newAPIFixture(t, AuthConfig{Mode: "none"})

	resp := f.request(t, "POST", "/api/v1/projects",
		`{"name":"shop","repo_url":"https://github.com/acme/shop"}`,
		map[string]string{"X-Owner-ID": "alice"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[store.Project](t, resp)

	resp = f.request(t, "GET", "/api/v1/projects/"+created.ID, "",
		map[string]string{"X-Owner-ID": "mallory"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Triggers are ownership-scoped too: no engine call happens.
	resp = f.request(t, "POST", "/api/v1/projects/"+created.ID+"/process", "",
		map[string]string{"X-Owner-ID": "mallory"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Empty(t, f.engine.calls)
}

func TestAPI_TriggerRoutes(t *testing.T) {
	f := newAPIFixture(t, AuthConfig{Mode: "none"})
	resp := f.request(t, "POST", "/api/v1/projects",
		`{"name":"shop","repo_url":"https://github.com/acme/shop"}`, nil)
	created := decode[store.Project](t, resp)

	resp = f.request(t, "POST", "/api/v1/projects/"+created.ID+"/process", "", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = f.request(t, "POST", "/api/v1/projects/"+created.ID+"/configure",
		`{"options":{"stack":"react"}}`, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = f.request(t, "POST", "/api/v1/projects/"+created.ID+"/slices/s-1/retry", "", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = f.request(t, "POST", "/api/v1/projects/"+created.ID+"/resume", `{"mode":"restart"}`, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	assert.Equal(t, []string{
		"process:" + created.ID,
		"configure:" + created.ID,
		"retry:s-1",
		"resume:" + created.ID + ":restart",
	}, f.engine.calls)
}

func TestAPI_TriggerErrorMapping(t *testing.T) {
	f := newAPIFixture(t, AuthConfig{Mode: "none"})
	resp := f.request(t, "POST", "/api/v1/projects",
		`{"name":"shop","repo_url":"https://github.com/acme/shop"}`, nil)
	created := decode[store.Project](t, resp)

	f.engine.err = fmt.Errorf("project is not pending: %w", rerrors.ErrConflict)
	resp = f.request(t, "POST", "/api/v1/projects/"+created.ID+"/process", "", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	f.engine.err = fmt.Errorf("%w: broker down", rerrors.ErrUnavailable)
	resp = f.request(t, "POST", "/api/v1/projects/"+created.ID+"/process", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	problem := decode[ProblemDetail](t, resp)
	assert.Equal(t, "unavailable", problem.Type)
}

func TestAPI_EventsCursor(t *testing.T) {
	f := newAPIFixture(t, AuthConfig{Mode: "none"})
	resp := f.request(t, "POST", "/api/v1/projects",
		`{"name":"shop","repo_url":"https://github.com/acme/shop"}`, nil)
	created := decode[store.Project](t, resp)

	for i := 1; i <= 3; i++ {
		_, err := f.store.AppendEvent(&store.AgentEvent{
			ProjectID: created.ID,
			EventType: store.EventThought,
			Content:   fmt.Sprintf("ev-%d", i),
		})
		require.NoError(t, err)
	}

	resp = f.request(t, "GET", "/api/v1/projects/"+created.ID+"/events", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	page := decode[struct {
		Events []*store.AgentEvent `json:"events"`
		Cursor int64               `json:"cursor"`
	}](t, resp)
	require.Len(t, page.Events, 3)

	resp = f.request(t, "GET",
		fmt.Sprintf("/api/v1/projects/%s/events?after=%d", created.ID, page.Events[1].Seq), "", nil)
	nextPage := decode[struct {
		Events []*store.AgentEvent `json:"events"`
		Cursor int64               `json:"cursor"`
	}](t, resp)
	require.Len(t, nextPage.Events, 1)
	assert.Equal(t, "ev-3", nextPage.Events[0].Content)
	assert.Equal(t, nextPage.Events[0].Seq, nextPage.Cursor)
}

func TestAPI_APIKeyAuth(t *testing.T) {
	f := newAPIFixture(t, AuthConfig{Mode: "api-key", APIKey: "secret"})

	resp := f.request(t, "GET", "/api/v1/projects", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.request(t, "GET", "/api/v1/projects", "",
		map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.request(t, "GET", "/api/v1/projects", "",
		map[string]string{"Authorization": "Bearer secret"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Probes never need auth.
	resp = f.request(t, "GET", "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPI_JWTAuthScopesOwner(t *testing.T) {
	const secret = "jwt-test-secret"
	f := newAPIFixture(t, AuthConfig{Mode: "jwt", JWTSecret: secret})

	sign := func(sub string) string {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		})
		signed, err := token.SignedString([]byte(secret))
		require.NoError(t, err)
		return signed
	}

	resp := f.request(t, "POST", "/api/v1/projects",
		`{"name":"shop","repo_url":"https://github.com/acme/shop"}`,
		map[string]string{"Authorization": "Bearer " + sign("alice")})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[store.Project](t, resp)
	assert.Equal(t, "alice", created.OwnerID)

	// Another subject cannot see alice's project.
	resp = f.request(t, "GET", "/api/v1/projects/"+created.ID, "",
		map[string]string{"Authorization": "Bearer " + sign("bob")})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.request(t, "GET", "/api/v1/projects", "",
		map[string]string{"Authorization": "Bearer not-a-token"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPI_DeadLetters(t *testing.T) {
	f := newAPIFixture(t, AuthConfig{Mode: "none"})

	require.NoError(t, f.store.SaveDeadLetter(&store.DeadLetter{
		ID: "dl-1", JobID: "job-1", JobType: "process_project",
		ProjectID: "p-1", Payload: "{}", Error: "exhausted",
	}))

	resp := f.request(t, "GET", "/api/v1/dead-letters", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	page := decode[struct {
		DeadLetters []*store.DeadLetter `json:"dead_letters"`
	}](t, resp)
	require.Len(t, page.DeadLetters, 1)

	resp = f.request(t, "POST", "/api/v1/dead-letters/dl-1/resolve", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.request(t, "GET", "/api/v1/dead-letters", "", nil)
	page = decode[struct {
		DeadLetters []*store.DeadLetter `json:"dead_letters"`
	}](t, resp)
	assert.Empty(t, page.DeadLetters)

	resp = f.request(t, "POST", "/api/v1/dead-letters/nope/resolve", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_MetricsSummary(t *testing.T) {
	f := newAPIFixture(t, AuthConfig{Mode: "none"})
	resp := f.request(t, "POST", "/api/v1/projects",
		`{"name":"shop","repo_url":"https://github.com/acme/shop"}`, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = f.request(t, "GET", "/api/v1/metrics/summary", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decode[store.Stats](t, resp)
	assert.Equal(t, 1, stats.ProjectsByStatus[string(store.ProjectPending)])
	assert.Zero(t, stats.ActiveJobs)

	resp = f.request(t, "GET", "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
