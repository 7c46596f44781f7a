package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reforge-dev/reforge/internal/analysis"
	rerrors "github.com/reforge-dev/reforge/internal/errors"
	"github.com/reforge-dev/reforge/internal/events"
	"github.com/reforge-dev/reforge/internal/queue"
	"github.com/reforge-dev/reforge/internal/store"
)

type fakeLeft struct {
	analysis *analysis.LeftAnalysis
	err      error
	calls    int
}

func (f *fakeLeft) Analyze(ctx context.Context, projectID, repoURL string) (*analysis.LeftAnalysis, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.analysis, nil
}

type fakeRight struct {
	contract *analysis.BehavioralContract
	waitErr  error
	calls    int
}

func (f *fakeRight) StartIngestion(ctx context.Context, projectID, repoURL string) (string, error) {
	f.calls++
	return "ing-1", nil
}

func (f *fakeRight) WaitComplete(ctx context.Context, id string) error { return f.waitErr }

func (f *fakeRight) Contract(ctx context.Context, id string) (*analysis.BehavioralContract, error) {
	return f.contract, nil
}

type fakePlanner struct {
	plans []analysis.SlicePlan
	err   error
	calls int
}

func (f *fakePlanner) PlanSlices(ctx context.Context, l *analysis.LeftAnalysis, r *analysis.BehavioralContract) ([]analysis.SlicePlan, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.plans, nil
}

type fakeEnqueuer struct {
	jobs    []queue.Payload
	failing bool
}

func (f *fakeEnqueuer) Enqueue(p queue.Payload) (*store.Job, error) {
	if f.failing {
		return nil, rerrors.ErrUnavailable
	}
	f.jobs = append(f.jobs, p)
	return &store.Job{ID: "job-1"}, nil
}

type fakeSliceBuilder struct {
	built []string
}

func (f *fakeSliceBuilder) BuildSlice(ctx context.Context, projectID, sliceID string) error {
	f.built = append(f.built, sliceID)
	return nil
}

type engineFixture struct {
	engine  *Engine
	store   *store.Store
	enq     *fakeEnqueuer
	left    *fakeLeft
	right   *fakeRight
	planner *fakePlanner
	project *store.Project
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	logger := zerolog.New(os.Stderr)
	st, err := store.New(filepath.Join(t.TempDir(), "pipe.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	p, err := st.CreateProject(store.CreateProjectInput{
		Name: "shop", RepoURL: "https://github.com/acme/shop", OwnerID: "u1",
	})
	require.NoError(t, err)

	enq := &fakeEnqueuer{}
	left := &fakeLeft{analysis: &analysis.LeftAnalysis{
		Features: []analysis.Feature{{Name: "checkout"}},
		Entities: []analysis.Entity{{Name: "Order"}},
	}}
	right := &fakeRight{contract: &analysis.BehavioralContract{
		Flows: []analysis.UserFlow{{Name: "buy"}},
	}}
	planner := &fakePlanner{plans: []analysis.SlicePlan{
		{Name: "auth", Priority: 1},
		{Name: "checkout", Priority: 2, Dependencies: []string{"auth"}},
	}}
	rec := events.NewRecorder(st, events.NewHub(zerolog.Nop()), nil, zerolog.Nop())

	eng := New(st, enq, left, right, planner, &fakeSliceBuilder{}, rec, nil, logger)
	return &engineFixture{engine: eng, store: st, enq: enq, left: left, right: right, planner: planner, project: p}
}

func (f *engineFixture) reload(t *testing.T) *store.Project {
	t.Helper()
	p, err := f.store.GetProject(f.project.ID)
	require.NoError(t, err)
	require.NotNil(t, p)
	return p
}

func TestStartProcessing_AnalysesCompleteToAnalyzed(t *testing.T) {
	f := newEngineFixture(t)

	require.NoError(t, f.engine.StartProcessing(f.project.ID))
	p := f.reload(t)
	assert.Equal(t, store.ProjectProcessing, p.Status)
	assert.Equal(t, StepLeftBrain, p.PipelineStep)
	require.Len(t, f.enq.jobs, 1)

	// Run the enqueued job.
	require.NoError(t, f.engine.HandleProcessProject(context.Background(),
		f.enq.jobs[0].(queue.ProcessProjectPayload)))

	p = f.reload(t)
	assert.Equal(t, store.ProjectAnalyzed, p.Status)
	assert.Equal(t, store.AnalysisComplete, p.LeftAnalysisStatus)
	assert.Equal(t, store.AnalysisComplete, p.RightAnalysisStatus)

	cp, err := ParseCheckpoint(p.Checkpoint)
	require.NoError(t, err)
	assert.NotNil(t, cp.LeftAnalysis)
	assert.NotNil(t, cp.RightAnalysis)
	assert.Nil(t, cp.Plan, "planning waits for configure")
	assert.Equal(t, 0, f.planner.calls)
}

func TestStartProcessing_OnlyFromPending(t *testing.T) {
	f := newEngineFixture(t)
	require.NoError(t, f.engine.StartProcessing(f.project.ID))

	err := f.engine.StartProcessing(f.project.ID)
	assert.ErrorIs(t, err, rerrors.ErrConflict)
}

func TestStartProcessing_EnqueueFailureRollsBack(t *testing.T) {
	f := newEngineFixture(t)
	f.enq.failing = true

	err := f.engine.StartProcessing(f.project.ID)
	assert.ErrorIs(t, err, rerrors.ErrUnavailable)
	assert.Equal(t, store.ProjectPending, f.reload(t).Status)
}

func TestConfigure_RunsPlanningAndSchedulesFirstSlice(t *testing.T) {
	f := newEngineFixture(t)
	require.NoError(t, f.engine.StartProcessing(f.project.ID))
	require.NoError(t, f.engine.HandleProcessProject(context.Background(),
		queue.ProcessProjectPayload{ProjectID: f.project.ID}))

	require.NoError(t, f.engine.Configure(f.project.ID, json.RawMessage(`{"stack":"react"}`)))
	p := f.reload(t)
	assert.Equal(t, store.ProjectProcessing, p.Status)
	assert.Equal(t, StepPlanning, p.PipelineStep)

	require.NoError(t, f.engine.HandleProcessProject(context.Background(),
		queue.ProcessProjectPayload{ProjectID: f.project.ID}))

	p = f.reload(t)
	assert.Equal(t, store.ProjectReady, p.Status)
	assert.Equal(t, 1, f.planner.calls)
	// Analyses were checkpointed; they do not rerun during planning.
	assert.Equal(t, 1, f.left.calls)
	assert.Equal(t, 1, f.right.calls)

	slices, err := f.store.ListSlices(f.project.ID)
	require.NoError(t, err)
	require.Len(t, slices, 2)
	assert.Equal(t, "auth", slices[0].Name)

	// The dependency-free slice is scheduled first.
	last := f.enq.jobs[len(f.enq.jobs)-1].(queue.BuildSlicePayload)
	assert.Equal(t, slices[0].ID, last.SliceID)

	cp, err := ParseCheckpoint(p.Checkpoint)
	require.NoError(t, err)
	assert.JSONEq(t, `{"stack":"react"}`, string(cp.Options))
}

func TestConfigure_BrokerFailureRevertsToAnalyzed(t *testing.T) {
	f := newEngineFixture(t)
	require.NoError(t, f.engine.StartProcessing(f.project.ID))
	require.NoError(t, f.engine.HandleProcessProject(context.Background(),
		queue.ProcessProjectPayload{ProjectID: f.project.ID}))

	f.enq.failing = true
	err := f.engine.Configure(f.project.ID, nil)
	assert.ErrorIs(t, err, rerrors.ErrUnavailable)
	assert.Equal(t, store.ProjectAnalyzed, f.reload(t).Status)
}

func TestConfigure_RequiresAnalyzed(t *testing.T) {
	f := newEngineFixture(t)
	err := f.engine.Configure(f.project.ID, nil)
	assert.ErrorIs(t, err, rerrors.ErrConflict)
}

func TestHandleProcessProject_RetryableAnalysisFailureLeavesStateResumable(t *testing.T) {
	f := newEngineFixture(t)
	require.NoError(t, f.engine.StartProcessing(f.project.ID))

	f.left.err = rerrors.ErrUnavailable
	err := f.engine.HandleProcessProject(context.Background(),
		queue.ProcessProjectPayload{ProjectID: f.project.ID})
	require.Error(t, err)
	assert.True(t, rerrors.IsRetryable(err))

	p := f.reload(t)
	assert.Equal(t, store.ProjectProcessing, p.Status, "gate stays closed, job retry reruns the phase")
	assert.Equal(t, store.AnalysisPending, p.LeftAnalysisStatus)

	// The retry succeeds and continues through both analyses.
	f.left.err = nil
	require.NoError(t, f.engine.HandleProcessProject(context.Background(),
		queue.ProcessProjectPayload{ProjectID: f.project.ID}))
	assert.Equal(t, store.ProjectAnalyzed, f.reload(t).Status)
}

func TestHandleProcessProject_TerminalAnalysisFailureFailsProject(t *testing.T) {
	f := newEngineFixture(t)
	require.NoError(t, f.engine.StartProcessing(f.project.ID))

	f.right.waitErr = &rerrors.PhaseError{Phase: "right_brain", Diagnosis: "site unreachable"}
	require.NoError(t, f.engine.HandleProcessProject(context.Background(),
		queue.ProcessProjectPayload{ProjectID: f.project.ID}), "terminal failures are absorbed")

	p := f.reload(t)
	assert.Equal(t, store.ProjectFailed, p.Status)
	assert.Contains(t, p.ErrorContext, "site unreachable")
	assert.Equal(t, store.AnalysisFailed, p.RightAnalysisStatus)
}

func TestHandleJobDead_ClosesGate(t *testing.T) {
	f := newEngineFixture(t)
	require.NoError(t, f.engine.StartProcessing(f.project.ID))

	f.engine.HandleJobDead(f.project.ID, rerrors.ErrUnavailable)
	p := f.reload(t)
	assert.Equal(t, store.ProjectFailed, p.Status)
	assert.Contains(t, p.ErrorContext, "exhausted retries")

	// A dead job for an ungated project changes nothing.
	f2 := newEngineFixture(t)
	f2.engine.HandleJobDead(f2.project.ID, rerrors.ErrUnavailable)
	assert.Equal(t, store.ProjectPending, f2.reload(t).Status)
}

func TestRetrySlice_ResetsOnlyFailedSlice(t *testing.T) {
	f := newEngineFixture(t)
	slices, err := f.store.CreateSlices(f.project.ID, []store.SliceInput{
		{Name: "auth", Priority: 1},
		{Name: "checkout", Priority: 2},
	})
	require.NoError(t, err)

	// auth is complete, checkout failed, project halted.
	_, err = f.store.TransitionSlice(slices[0].ID, store.SliceBuilding, store.SlicePending)
	require.NoError(t, err)
	_, err = f.store.TransitionSlice(slices[0].ID, store.SliceComplete, store.SliceBuilding)
	require.NoError(t, err)
	_, err = f.store.TransitionSlice(slices[1].ID, store.SliceBuilding, store.SlicePending)
	require.NoError(t, err)
	_, err = f.store.TransitionSlice(slices[1].ID, store.SliceFailed, store.SliceBuilding)
	require.NoError(t, err)
	require.NoError(t, f.store.SetStatus(f.project.ID, store.ProjectFailed))
	require.NoError(t, f.store.SetErrorContext(f.project.ID, "tests failing"))

	require.NoError(t, f.engine.RetrySlice(f.project.ID, slices[1].ID))

	p := f.reload(t)
	assert.Equal(t, store.ProjectBuilding, p.Status)
	assert.Empty(t, p.ErrorContext)

	reloaded, err := f.store.GetSlice(slices[1].ID)
	require.NoError(t, err)
	assert.Equal(t, store.SlicePending, reloaded.Status)
	complete, err := f.store.GetSlice(slices[0].ID)
	require.NoError(t, err)
	assert.Equal(t, store.SliceComplete, complete.Status, "complete slices are untouched")

	job := f.enq.jobs[len(f.enq.jobs)-1].(queue.BuildSlicePayload)
	assert.Equal(t, slices[1].ID, job.SliceID)

	// Retrying a non-failed slice is a conflict.
	assert.ErrorIs(t, f.engine.RetrySlice(f.project.ID, slices[0].ID), rerrors.ErrConflict)
}

func TestRetrySlice_EnqueueFailureRevertsEverything(t *testing.T) {
	f := newEngineFixture(t)
	slices, err := f.store.CreateSlices(f.project.ID, []store.SliceInput{{Name: "auth", Priority: 1}})
	require.NoError(t, err)
	_, err = f.store.TransitionSlice(slices[0].ID, store.SliceBuilding, store.SlicePending)
	require.NoError(t, err)
	_, err = f.store.TransitionSlice(slices[0].ID, store.SliceFailed, store.SliceBuilding)
	require.NoError(t, err)
	require.NoError(t, f.store.SetStatus(f.project.ID, store.ProjectFailed))

	f.enq.failing = true
	err = f.engine.RetrySlice(f.project.ID, slices[0].ID)
	assert.ErrorIs(t, err, rerrors.ErrUnavailable)

	assert.Equal(t, store.ProjectFailed, f.reload(t).Status)
	s, err := f.store.GetSlice(slices[0].ID)
	require.NoError(t, err)
	assert.Equal(t, store.SliceFailed, s.Status)
}

func TestRetrySlice_RejectsGatedProject(t *testing.T) {
	f := newEngineFixture(t)
	slices, err := f.store.CreateSlices(f.project.ID, []store.SliceInput{{Name: "auth", Priority: 1}})
	require.NoError(t, err)
	_, err = f.store.TransitionSlice(slices[0].ID, store.SliceBuilding, store.SlicePending)
	require.NoError(t, err)
	_, err = f.store.TransitionSlice(slices[0].ID, store.SliceFailed, store.SliceBuilding)
	require.NoError(t, err)
	require.NoError(t, f.store.SetStatus(f.project.ID, store.ProjectProcessing))

	jobs := len(f.enq.jobs)
	err = f.engine.RetrySlice(f.project.ID, slices[0].ID)
	assert.ErrorIs(t, err, rerrors.ErrConflict)
	assert.Len(t, f.enq.jobs, jobs, "nothing enqueued while a job is in flight")

	assert.Equal(t, store.ProjectProcessing, f.reload(t).Status)
	s, err := f.store.GetSlice(slices[0].ID)
	require.NoError(t, err)
	assert.Equal(t, store.SliceFailed, s.Status, "the slice reset is undone")
}

func TestResumeOrRestart_AutoPrefersResume(t *testing.T) {
	f := newEngineFixture(t)

	// Fail the project after analysis so a checkpoint exists.
	require.NoError(t, f.engine.StartProcessing(f.project.ID))
	require.NoError(t, f.engine.HandleProcessProject(context.Background(),
		queue.ProcessProjectPayload{ProjectID: f.project.ID}))
	require.NoError(t, f.store.SetStatus(f.project.ID, store.ProjectFailed))
	require.NoError(t, f.store.SetErrorContext(f.project.ID, "boom"))

	require.NoError(t, f.engine.ResumeOrRestart(f.project.ID, ModeAuto))
	p := f.reload(t)
	assert.Equal(t, store.ProjectProcessing, p.Status)
	assert.Empty(t, p.ErrorContext)
	assert.NotEmpty(t, p.Checkpoint, "resume keeps the checkpoint")

	// The resumed job skips both analyses.
	leftCalls := f.left.calls
	require.NoError(t, f.engine.HandleProcessProject(context.Background(),
		queue.ProcessProjectPayload{ProjectID: f.project.ID}))
	assert.Equal(t, leftCalls, f.left.calls)
	assert.Equal(t, store.ProjectAnalyzed, f.reload(t).Status)
}

func TestResumeOrRestart_RestartWipesCheckpoint(t *testing.T) {
	f := newEngineFixture(t)
	require.NoError(t, f.engine.StartProcessing(f.project.ID))
	require.NoError(t, f.engine.HandleProcessProject(context.Background(),
		queue.ProcessProjectPayload{ProjectID: f.project.ID}))

	require.NoError(t, f.engine.ResumeOrRestart(f.project.ID, ModeRestart))
	p := f.reload(t)
	assert.Equal(t, store.ProjectProcessing, p.Status)
	assert.Empty(t, p.Checkpoint)
	assert.Equal(t, store.AnalysisPending, p.LeftAnalysisStatus)
	assert.Equal(t, StepLeftBrain, p.PipelineStep)
}

func TestResumeOrRestart_FinishedPlanCompletesProject(t *testing.T) {
	f := newEngineFixture(t)
	require.NoError(t, f.engine.StartProcessing(f.project.ID))
	require.NoError(t, f.engine.HandleProcessProject(context.Background(),
		queue.ProcessProjectPayload{ProjectID: f.project.ID}))
	require.NoError(t, f.engine.Configure(f.project.ID, nil))
	require.NoError(t, f.engine.HandleProcessProject(context.Background(),
		queue.ProcessProjectPayload{ProjectID: f.project.ID}))

	slices, err := f.store.ListSlices(f.project.ID)
	require.NoError(t, err)
	for _, s := range slices {
		_, err := f.store.TransitionSlice(s.ID, store.SliceBuilding, store.SlicePending)
		require.NoError(t, err)
		_, err = f.store.TransitionSlice(s.ID, store.SliceComplete, store.SliceBuilding)
		require.NoError(t, err)
	}
	require.NoError(t, f.store.SetStatus(f.project.ID, store.ProjectFailed))

	// Resuming a plan whose every slice already finished closes the project
	// instead of leaving it parked in processing.
	require.NoError(t, f.engine.ResumeOrRestart(f.project.ID, ModeResume))
	require.NoError(t, f.engine.HandleProcessProject(context.Background(),
		queue.ProcessProjectPayload{ProjectID: f.project.ID}))
	assert.Equal(t, store.ProjectComplete, f.reload(t).Status)
}

func TestResumeOrRestart_FailedSliceRestoresFailedGate(t *testing.T) {
	f := newEngineFixture(t)
	require.NoError(t, f.engine.StartProcessing(f.project.ID))
	require.NoError(t, f.engine.HandleProcessProject(context.Background(),
		queue.ProcessProjectPayload{ProjectID: f.project.ID}))
	require.NoError(t, f.engine.Configure(f.project.ID, nil))
	require.NoError(t, f.engine.HandleProcessProject(context.Background(),
		queue.ProcessProjectPayload{ProjectID: f.project.ID}))

	slices, err := f.store.ListSlices(f.project.ID)
	require.NoError(t, err)
	_, err = f.store.TransitionSlice(slices[0].ID, store.SliceBuilding, store.SlicePending)
	require.NoError(t, err)
	_, err = f.store.TransitionSlice(slices[0].ID, store.SliceFailed, store.SliceBuilding)
	require.NoError(t, err)
	require.NoError(t, f.store.SetStatus(f.project.ID, store.ProjectFailed))
	require.NoError(t, f.store.SetErrorContext(f.project.ID, "tests failing"))

	// Resuming cannot run anything past the failed slice: the project must
	// come back out of processing so retry and restart stay available.
	require.NoError(t, f.engine.ResumeOrRestart(f.project.ID, ModeResume))
	require.NoError(t, f.engine.HandleProcessProject(context.Background(),
		queue.ProcessProjectPayload{ProjectID: f.project.ID}))

	p := f.reload(t)
	assert.Equal(t, store.ProjectFailed, p.Status)
	assert.Contains(t, p.ErrorContext, slices[0].Name)

	require.NoError(t, f.engine.RetrySlice(f.project.ID, slices[0].ID))
	assert.Equal(t, store.ProjectBuilding, f.reload(t).Status)
}

func TestResumeOrRestart_RejectsGatedProject(t *testing.T) {
	f := newEngineFixture(t)
	require.NoError(t, f.engine.StartProcessing(f.project.ID))

	err := f.engine.ResumeOrRestart(f.project.ID, ModeAuto)
	assert.ErrorIs(t, err, rerrors.ErrConflict)
}

func TestResumeOrRestart_ResumeWithoutCheckpoint(t *testing.T) {
	f := newEngineFixture(t)
	err := f.engine.ResumeOrRestart(f.project.ID, ModeResume)
	assert.ErrorIs(t, err, rerrors.ErrConflict)
}
