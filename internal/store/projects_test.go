package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestProject(t *testing.T, s *Store) *Project {
	t.Helper()
	p, err := s.CreateProject(CreateProjectInput{
		Name:    "legacy-crm",
		RepoURL: "https://github.com/acme/legacy-crm",
		OwnerID: "user-1",
	})
	require.NoError(t, err)
	return p
}

func TestCreateProject_Defaults(t *testing.T) {
	s := newTestStore(t)
	p := createTestProject(t, s)

	assert.Equal(t, ProjectPending, p.Status)
	assert.Equal(t, AnalysisPending, p.LeftAnalysisStatus)
	assert.Equal(t, AnalysisPending, p.RightAnalysisStatus)
	assert.Zero(t, p.ConfidenceScore)

	got, err := s.GetProject(p.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, p.ID, got.ID)
	assert.Empty(t, got.Checkpoint)
	assert.Empty(t, got.PipelineStep)
}

func TestCreateProject_Validation(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateProject(CreateProjectInput{Name: "x"})
	assert.Error(t, err)
}

func TestGetProjectOwned_MismatchBehavesLikeNotFound(t *testing.T) {
	s := newTestStore(t)
	p := createTestProject(t, s)

	got, err := s.GetProjectOwned(p.ID, "user-1")
	require.NoError(t, err)
	assert.NotNil(t, got)

	got, err = s.GetProjectOwned(p.ID, "someone-else")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTryTransition_Gate(t *testing.T) {
	s := newTestStore(t)
	p := createTestProject(t, s)

	ok, err := s.TryTransition(p.ID, ProjectProcessing, ProjectPending, ProjectFailed)
	require.NoError(t, err)
	assert.True(t, ok)

	// A second claim must lose: the project is already processing.
	ok, err = s.TryTransition(p.ID, ProjectProcessing, ProjectPending, ProjectFailed)
	require.NoError(t, err)
	assert.False(t, ok, "duplicate transition must be rejected by the gate")

	got, _ := s.GetProject(p.ID)
	assert.Equal(t, ProjectProcessing, got.Status)
}

func TestAdvanceStep_Idempotent(t *testing.T) {
	s := newTestStore(t)
	p := createTestProject(t, s)

	require.NoError(t, s.AdvanceStep(p.ID, "left_brain"))
	first, _ := s.GetProject(p.ID)
	assert.Equal(t, "left_brain", first.PipelineStep)

	// Same value again: no-op, updated_at untouched.
	require.NoError(t, s.AdvanceStep(p.ID, "left_brain"))
	second, _ := s.GetProject(p.ID)
	assert.Equal(t, first.UpdatedAt, second.UpdatedAt)

	require.NoError(t, s.AdvanceStep(p.ID, "right_brain"))
	third, _ := s.GetProject(p.ID)
	assert.Equal(t, "right_brain", third.PipelineStep)
}

func TestClearCheckpoint_ResetsAnalyzers(t *testing.T) {
	s := newTestStore(t)
	p := createTestProject(t, s)

	require.NoError(t, s.SetCheckpoint(p.ID, `{"left_analysis":{"files":10}}`))
	require.NoError(t, s.SetLeftAnalysisStatus(p.ID, AnalysisComplete))
	require.NoError(t, s.SetRightAnalysisStatus(p.ID, AnalysisComplete))
	require.NoError(t, s.AdvanceStep(p.ID, "planning"))

	require.NoError(t, s.ClearCheckpoint(p.ID))

	got, _ := s.GetProject(p.ID)
	assert.Empty(t, got.Checkpoint)
	assert.Empty(t, got.PipelineStep)
	assert.Equal(t, AnalysisPending, got.LeftAnalysisStatus)
	assert.Equal(t, AnalysisPending, got.RightAnalysisStatus)
}

func TestErrorContext_SetAndClear(t *testing.T) {
	s := newTestStore(t)
	p := createTestProject(t, s)

	require.NoError(t, s.SetErrorContext(p.ID, "tests failed: TypeError in checkout"))
	got, _ := s.GetProject(p.ID)
	assert.Equal(t, "tests failed: TypeError in checkout", got.ErrorContext)

	require.NoError(t, s.ClearErrorContext(p.ID))
	got, _ = s.GetProject(p.ID)
	assert.Empty(t, got.ErrorContext)
}

func TestListProjects_OwnerScoped(t *testing.T) {
	s := newTestStore(t)
	createTestProject(t, s)
	createTestProject(t, s)

	mine, err := s.ListProjects("user-1")
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	theirs, err := s.ListProjects("user-2")
	require.NoError(t, err)
	assert.Empty(t, theirs)
}
