// Package builder executes single-slice build passes: generate the slice's
// files, run its tests, and self-heal failures a bounded number of times
// before declaring the slice and project failed.
package builder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/reforge-dev/reforge/internal/analysis"
	rerrors "github.com/reforge-dev/reforge/internal/errors"
	"github.com/reforge-dev/reforge/internal/events"
	"github.com/reforge-dev/reforge/internal/metrics"
	"github.com/reforge-dev/reforge/internal/queue"
	"github.com/reforge-dev/reforge/internal/store"
	"github.com/reforge-dev/reforge/internal/workspace"
)

// DefaultMaxHeals bounds the diagnose-fix-rerun loop per slice build.
const DefaultMaxHeals = 4

// errHalted flows up from failSlice so the pass stops at the failure point.
// BuildSlice absorbs it: the outcome is already recorded on the slice and
// project, and the job must not retry.
var errHalted = errors.New("slice build halted after terminal failure")

// Generator produces slice implementations and failure diagnoses.
type Generator interface {
	GenerateSlice(ctx context.Context, plan *analysis.SlicePlan, projectContext string) (*analysis.GeneratedSlice, error)
	Diagnose(ctx context.Context, sliceName, testOutput string, files []workspace.FileWrite) (*analysis.Diagnosis, error)
}

// Enqueuer schedules follow-up build jobs.
type Enqueuer interface {
	Enqueue(p queue.Payload) (*store.Job, error)
}

// Notifier receives terminal project outcomes. Implementations must not block.
type Notifier interface {
	ProjectComplete(p *store.Project)
	ProjectFailed(p *store.Project)
}

// Config holds builder tuning.
type Config struct {
	MaxHeals           int
	TestTimeout        time.Duration
	DefaultTestCommand string
}

// Builder runs slice builds against a workspace.
type Builder struct {
	store   *store.Store
	ws      workspace.Manager
	gen     Generator
	rec     *events.Recorder
	enq     Enqueuer
	notify  Notifier
	metrics *metrics.Metrics
	logger  zerolog.Logger
	cfg     Config
}

// SetNotifier installs an optional terminal-outcome notifier.
func (b *Builder) SetNotifier(n Notifier) { b.notify = n }

// New creates a builder. metrics may be nil.
func New(cfg Config, st *store.Store, ws workspace.Manager, gen Generator, rec *events.Recorder, enq Enqueuer, m *metrics.Metrics, logger zerolog.Logger) *Builder {
	if cfg.MaxHeals <= 0 {
		cfg.MaxHeals = DefaultMaxHeals
	}
	if cfg.TestTimeout <= 0 {
		cfg.TestTimeout = 10 * time.Minute
	}
	if cfg.DefaultTestCommand == "" {
		cfg.DefaultTestCommand = "npm test"
	}
	return &Builder{
		cfg:     cfg,
		store:   st,
		ws:      ws,
		gen:     gen,
		rec:     rec,
		enq:     enq,
		metrics: m,
		logger:  logger.With().Str("component", "builder").Logger(),
	}
}

// BuildSlice runs one build pass for a slice. Terminal failures are absorbed
// after recording them on the slice and project; an error return always means
// a retryable infrastructure condition, with the slice reverted to pending so
// the retried job can claim it again.
func (b *Builder) BuildSlice(ctx context.Context, projectID, sliceID string) error {
	project, err := b.store.GetProject(projectID)
	if err != nil {
		return fmt.Errorf("%w: %v", rerrors.ErrUnavailable, err)
	}
	if project == nil {
		b.logger.Warn().Str("project_id", projectID).Msg("build job for missing project")
		return nil
	}

	slice, err := b.store.GetSlice(sliceID)
	if err != nil {
		return fmt.Errorf("%w: %v", rerrors.ErrUnavailable, err)
	}
	if slice == nil || slice.ProjectID != projectID {
		b.logger.Warn().Str("slice_id", sliceID).Msg("build job for missing slice")
		return nil
	}

	// Duplicate deliveries and stale jobs resolve here: only a pending slice
	// can be claimed.
	if slice.Status != store.SlicePending {
		b.logger.Info().Str("slice_id", sliceID).Str("status", string(slice.Status)).Msg("slice not pending, skipping")
		return nil
	}

	ready, err := b.dependenciesComplete(projectID, slice)
	if err != nil {
		return fmt.Errorf("%w: %v", rerrors.ErrUnavailable, err)
	}
	if !ready {
		b.logger.Info().Str("slice_id", sliceID).Msg("dependencies incomplete, skipping")
		return nil
	}

	claimed, err := b.store.TransitionSlice(sliceID, store.SliceBuilding, store.SlicePending)
	if err != nil {
		return fmt.Errorf("%w: %v", rerrors.ErrUnavailable, err)
	}
	if !claimed {
		return nil // lost the race to another worker
	}

	if _, err := b.store.TryTransition(projectID, store.ProjectBuilding,
		store.ProjectReady, store.ProjectBuilding, store.ProjectProcessing); err != nil {
		return fmt.Errorf("%w: %v", rerrors.ErrUnavailable, err)
	}
	if err := b.store.AdvanceStep(projectID, "slice:"+sliceID); err != nil {
		return fmt.Errorf("%w: %v", rerrors.ErrUnavailable, err)
	}

	start := time.Now()
	err = b.buildPass(ctx, project, slice)
	if b.metrics != nil {
		b.metrics.ObservePhase("build_slice", time.Since(start).Seconds())
	}
	if errors.Is(err, errHalted) {
		return nil
	}
	if err != nil {
		// Infrastructure trouble: hand the slice back and let the job retry.
		if _, revertErr := b.store.TransitionSlice(sliceID, store.SlicePending, store.SliceBuilding); revertErr != nil {
			b.logger.Error().Err(revertErr).Str("slice_id", sliceID).Msg("failed to revert slice to pending")
		}
		return err
	}
	return nil
}

// buildPass does the generate/test/heal cycle. A plain error is a retryable
// infrastructure failure; errHalted means the pass ended in a recorded
// terminal slice failure.
func (b *Builder) buildPass(ctx context.Context, project *store.Project, slice *store.VerticalSlice) error {
	log := b.logger.With().Str("project_id", project.ID).Str("slice_id", slice.ID).Str("slice", slice.Name).Logger()
	log.Info().Msg("slice build started")

	handle, err := b.ws.Provision(ctx, project.ID, project.RepoURL)
	if err != nil {
		if rerrors.IsRetryable(err) {
			return err
		}
		return b.failSlice(project, slice, nil, fmt.Sprintf("workspace provisioning failed: %v", err))
	}

	plan := &analysis.SlicePlan{
		Name:               slice.Name,
		Priority:           slice.Priority,
		Dependencies:       slice.Dependencies,
		CodeContract:       slice.CodeContract,
		BehavioralContract: slice.BehavioralContract,
	}

	generated, err := b.gen.GenerateSlice(ctx, plan, project.Checkpoint)
	if err != nil {
		if rerrors.IsRetryable(err) {
			return err
		}
		return b.failSlice(project, slice, handle, fmt.Sprintf("slice generation failed: %v", err))
	}

	if err := b.writeGenerated(ctx, handle, slice, generated.Files); err != nil {
		return err
	}

	testCmd := generated.TestCommand
	if testCmd == "" {
		testCmd = b.cfg.DefaultTestCommand
	}

	files := generated.Files
	for attempt := 1; ; attempt++ {
		b.record(&store.AgentEvent{
			ProjectID: project.ID, SliceID: slice.ID,
			EventType: store.EventTestRun,
			Content:   testCmd,
			Metadata:  fmt.Sprintf(`{"attempt":%d}`, attempt),
		})

		output, runErr := b.ws.Execute(ctx, handle, testCmd, "", b.cfg.TestTimeout)
		if runErr == nil {
			b.record(&store.AgentEvent{
				ProjectID: project.ID, SliceID: slice.ID,
				EventType: store.EventTestResult,
				Content:   output,
				Metadata:  fmt.Sprintf(`{"passed":true,"attempt":%d}`, attempt),
			})
			log.Info().Int("attempts", attempt).Msg("slice tests passed")
			return b.completeSlice(ctx, project, slice, handle)
		}

		failure := runErr.Error()
		b.record(&store.AgentEvent{
			ProjectID: project.ID, SliceID: slice.ID,
			EventType: store.EventTestResult,
			Content:   failure,
			Metadata:  fmt.Sprintf(`{"passed":false,"attempt":%d}`, attempt),
		})

		if attempt > b.cfg.MaxHeals {
			return b.failSlice(project, slice, handle,
				fmt.Sprintf("tests failing after %d self-heal attempts: %s", b.cfg.MaxHeals, lastDiagnosis(b.store, project.ID, failure)))
		}

		diag, diagErr := b.gen.Diagnose(ctx, slice.Name, failure, files)
		if diagErr != nil {
			if rerrors.IsRetryable(diagErr) {
				return diagErr
			}
			return b.failSlice(project, slice, handle, fmt.Sprintf("diagnosis failed: %v", diagErr))
		}

		if b.metrics != nil {
			b.metrics.SelfHealAttempts.Inc()
		}
		diagMeta, _ := json.Marshal(map[string]any{"attempt": attempt, "files": len(diag.Fixes)})
		b.record(&store.AgentEvent{
			ProjectID: project.ID, SliceID: slice.ID,
			EventType: store.EventSelfHeal,
			Content:   diag.Summary,
			Metadata:  string(diagMeta),
		})

		if len(diag.Fixes) > 0 {
			if err := b.writeGenerated(ctx, handle, slice, diag.Fixes); err != nil {
				return err
			}
			files = mergeFiles(files, diag.Fixes)
		}
		log.Info().Int("attempt", attempt).Msg("self-heal applied, rerunning tests")
	}
}

func (b *Builder) writeGenerated(ctx context.Context, handle *workspace.Handle, slice *store.VerticalSlice, files []workspace.FileWrite) error {
	if err := b.ws.WriteFiles(ctx, handle, files); err != nil {
		if rerrors.IsRetryable(err) {
			return err
		}
		// Path violations and the like are a generation defect, not infra.
		return b.failSliceByID(slice.ProjectID, slice.ID, handle, fmt.Sprintf("writing generated files failed: %v", err))
	}
	for _, f := range files {
		meta, _ := json.Marshal(map[string]any{"path": f.Path, "bytes": len(f.Content)})
		b.record(&store.AgentEvent{
			ProjectID: slice.ProjectID, SliceID: slice.ID,
			EventType: store.EventCodeWrite,
			Content:   f.Path,
			Metadata:  string(meta),
		})
	}
	return nil
}

// completeSlice marks success, bumps confidence, and schedules what is next.
func (b *Builder) completeSlice(ctx context.Context, project *store.Project, slice *store.VerticalSlice, handle *workspace.Handle) error {
	ok, err := b.store.TransitionSlice(slice.ID, store.SliceComplete, store.SliceBuilding)
	if err != nil {
		return fmt.Errorf("%w: %v", rerrors.ErrUnavailable, err)
	}
	if !ok {
		// The slice left building under us; whoever moved it owns the outcome.
		b.logger.Warn().Str("slice_id", slice.ID).Msg("slice not building at completion, skipping")
		return nil
	}

	slices, err := b.store.ListSlices(project.ID)
	if err != nil {
		return fmt.Errorf("%w: %v", rerrors.ErrUnavailable, err)
	}

	delta := 1.0 / float64(len(slices))
	b.record(&store.AgentEvent{
		ProjectID: project.ID, SliceID: slice.ID,
		EventType:       store.EventConfidenceUpdate,
		Content:         fmt.Sprintf("slice %s complete", slice.Name),
		ConfidenceDelta: &delta,
	})

	next := NextEligible(slices)
	if next != nil {
		if _, err := b.enq.Enqueue(queue.BuildSlicePayload{ProjectID: project.ID, SliceID: next.ID}); err != nil {
			return err // ErrUnavailable from the queue; job retry picks it up
		}
		b.logger.Info().Str("project_id", project.ID).Str("next_slice", next.Name).Msg("next slice scheduled")
		return nil
	}

	for _, s := range slices {
		if s.Status != store.SliceComplete {
			b.logger.Warn().Str("project_id", project.ID).Str("slice", s.Name).Msg("no eligible slice but plan incomplete")
			return nil
		}
	}

	if _, err := b.store.TryTransition(project.ID, store.ProjectComplete, store.ProjectBuilding); err != nil {
		return fmt.Errorf("%w: %v", rerrors.ErrUnavailable, err)
	}
	b.record(&store.AgentEvent{
		ProjectID: project.ID,
		EventType: store.EventObservation,
		Content:   "all slices complete, migration finished",
	})
	b.ws.Teardown(ctx, handle, false)
	if b.notify != nil {
		if done, err := b.store.GetProject(project.ID); err == nil && done != nil {
			b.notify.ProjectComplete(done)
		}
	}
	b.logger.Info().Str("project_id", project.ID).Msg("project complete")
	return nil
}

// failSlice records a terminal failure and halts the project. Returns
// errHalted so the pass stops immediately at the failure point.
func (b *Builder) failSlice(project *store.Project, slice *store.VerticalSlice, handle *workspace.Handle, reason string) error {
	return b.failSliceByID(project.ID, slice.ID, handle, reason)
}

func (b *Builder) failSliceByID(projectID, sliceID string, handle *workspace.Handle, reason string) error {
	if _, err := b.store.TransitionSlice(sliceID, store.SliceFailed, store.SliceBuilding); err != nil {
		b.logger.Error().Err(err).Str("slice_id", sliceID).Msg("failed to mark slice failed")
	}
	if _, err := b.store.TryTransition(projectID, store.ProjectFailed,
		store.ProjectBuilding, store.ProjectReady, store.ProjectProcessing); err != nil {
		b.logger.Error().Err(err).Str("project_id", projectID).Msg("failed to mark project failed")
	}
	if err := b.store.SetErrorContext(projectID, reason); err != nil {
		b.logger.Error().Err(err).Str("project_id", projectID).Msg("failed to set error context")
	}
	if b.metrics != nil {
		b.metrics.RecordError("builder", "slice_failed")
	}
	b.record(&store.AgentEvent{
		ProjectID: projectID, SliceID: sliceID,
		EventType: store.EventObservation,
		Content:   reason,
	})
	if handle != nil {
		b.ws.Teardown(context.Background(), handle, false)
	}
	if b.notify != nil {
		if failed, err := b.store.GetProject(projectID); err == nil && failed != nil {
			b.notify.ProjectFailed(failed)
		}
	}
	b.logger.Error().Str("slice_id", sliceID).Str("reason", reason).Msg("slice failed, project halted")
	return errHalted
}

func (b *Builder) record(ev *store.AgentEvent) {
	if _, err := b.rec.Record(ev); err != nil {
		b.logger.Error().Err(err).Str("event_type", string(ev.EventType)).Msg("failed to record event")
	}
}

func (b *Builder) dependenciesComplete(projectID string, slice *store.VerticalSlice) (bool, error) {
	if len(slice.Dependencies) == 0 {
		return true, nil
	}
	slices, err := b.store.ListSlices(projectID)
	if err != nil {
		return false, err
	}
	return depsComplete(slice, statusIndex(slices)), nil
}

// NextEligible returns the lowest-priority pending slice whose dependencies
// are all complete, or nil.
func NextEligible(slices []*store.VerticalSlice) *store.VerticalSlice {
	idx := statusIndex(slices)
	for _, s := range slices { // already in priority order
		if s.Status == store.SlicePending && depsComplete(s, idx) {
			return s
		}
	}
	return nil
}

// statusIndex maps slice ids and names to status; plans may reference
// dependencies either way.
func statusIndex(slices []*store.VerticalSlice) map[string]store.SliceStatus {
	idx := make(map[string]store.SliceStatus, len(slices)*2)
	for _, s := range slices {
		idx[s.ID] = s.Status
		idx[s.Name] = s.Status
	}
	return idx
}

func depsComplete(s *store.VerticalSlice, idx map[string]store.SliceStatus) bool {
	for _, dep := range s.Dependencies {
		if idx[dep] != store.SliceComplete {
			return false
		}
	}
	return true
}

func lastDiagnosis(st *store.Store, projectID, fallback string) string {
	ev, err := st.LatestEventOfType(projectID, store.EventSelfHeal, store.EventTestResult)
	if err == nil && ev != nil && ev.Content != "" {
		return ev.Content
	}
	return fallback
}

func mergeFiles(base, fixes []workspace.FileWrite) []workspace.FileWrite {
	byPath := make(map[string]int, len(base))
	for i, f := range base {
		byPath[f.Path] = i
	}
	for _, f := range fixes {
		if i, ok := byPath[f.Path]; ok {
			base[i] = f
		} else {
			base = append(base, f)
		}
	}
	return base
}
