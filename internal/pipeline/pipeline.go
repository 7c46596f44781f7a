package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/reforge-dev/reforge/internal/analysis"
	"github.com/reforge-dev/reforge/internal/builder"
	rerrors "github.com/reforge-dev/reforge/internal/errors"
	"github.com/reforge-dev/reforge/internal/events"
	"github.com/reforge-dev/reforge/internal/metrics"
	"github.com/reforge-dev/reforge/internal/queue"
	"github.com/reforge-dev/reforge/internal/store"
)

// LeftAnalyzer is the code analysis collaborator.
type LeftAnalyzer interface {
	Analyze(ctx context.Context, projectID, repoURL string) (*analysis.LeftAnalysis, error)
}

// RightAnalyzer is the behavioral analysis collaborator.
type RightAnalyzer interface {
	StartIngestion(ctx context.Context, projectID, repoURL string) (string, error)
	WaitComplete(ctx context.Context, ingestionID string) error
	Contract(ctx context.Context, ingestionID string) (*analysis.BehavioralContract, error)
}

// Planner turns the two analyses into a slice plan.
type Planner interface {
	PlanSlices(ctx context.Context, left *analysis.LeftAnalysis, right *analysis.BehavioralContract) ([]analysis.SlicePlan, error)
}

// SliceBuilder runs one slice build pass.
type SliceBuilder interface {
	BuildSlice(ctx context.Context, projectID, sliceID string) error
}

// Enqueuer schedules pipeline jobs.
type Enqueuer interface {
	Enqueue(p queue.Payload) (*store.Job, error)
}

// Notifier receives terminal project outcomes. Implementations must not block.
type Notifier interface {
	ProjectFailed(p *store.Project)
}

// Engine is the phase handler behind the job queue. Analyzer and planner
// collaborators may be nil when unconfigured; the affected phases degrade
// instead of crashing.
type Engine struct {
	store   *store.Store
	enq     Enqueuer
	left    LeftAnalyzer
	right   RightAnalyzer
	planner Planner
	builder SliceBuilder
	rec     *events.Recorder
	notify  Notifier
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// SetNotifier installs an optional terminal-outcome notifier.
func (e *Engine) SetNotifier(n Notifier) { e.notify = n }

// New creates the pipeline engine.
func New(st *store.Store, enq Enqueuer, left LeftAnalyzer, right RightAnalyzer, planner Planner,
	sb SliceBuilder, rec *events.Recorder, m *metrics.Metrics, logger zerolog.Logger) *Engine {
	return &Engine{
		store:   st,
		enq:     enq,
		left:    left,
		right:   right,
		planner: planner,
		builder: sb,
		rec:     rec,
		metrics: m,
		logger:  logger.With().Str("component", "pipeline").Logger(),
	}
}

// HandleProcessProject runs the whole-project phases, skipping any phase whose
// output is already checkpointed. Terminal failures are recorded on the
// project and absorbed; returned errors are retryable infrastructure
// conditions only.
func (e *Engine) HandleProcessProject(ctx context.Context, p queue.ProcessProjectPayload) error {
	project, err := e.store.GetProject(p.ProjectID)
	if err != nil {
		return fmt.Errorf("%w: %v", rerrors.ErrUnavailable, err)
	}
	if project == nil {
		e.logger.Warn().Str("project_id", p.ProjectID).Msg("process job for missing project")
		return nil
	}

	cp, err := ParseCheckpoint(project.Checkpoint)
	if err != nil {
		return e.failProject(project.ID, fmt.Sprintf("corrupt checkpoint: %v", err))
	}

	if cp.LeftAnalysis == nil {
		if err := e.runLeftBrain(ctx, project, cp); err != nil || cp.LeftAnalysis == nil {
			return err
		}
	}
	if cp.RightAnalysis == nil {
		if err := e.runRightBrain(ctx, project, cp); err != nil || cp.RightAnalysis == nil {
			return err
		}
	}

	if cp.Plan == nil {
		if project.PipelineStep != StepPlanning {
			// Analysis-only run; planning waits for an explicit configure.
			if _, err := e.store.TryTransition(project.ID, store.ProjectAnalyzed, store.ProjectProcessing); err != nil {
				return fmt.Errorf("%w: %v", rerrors.ErrUnavailable, err)
			}
			e.record(&store.AgentEvent{
				ProjectID: project.ID,
				EventType: store.EventObservation,
				Content:   "analysis complete, awaiting configuration",
			})
			return nil
		}
		if err := e.runPlanning(ctx, project, cp); err != nil || cp.Plan == nil {
			return err
		}
	}

	return e.scheduleNextSlice(project.ID)
}

// HandleBuildSlice delegates to the slice build executor.
func (e *Engine) HandleBuildSlice(ctx context.Context, p queue.BuildSlicePayload) error {
	return e.builder.BuildSlice(ctx, p.ProjectID, p.SliceID)
}

// HandleJobDead closes the status gate when a job exhausts its retries, so
// the project does not sit in processing/building with nothing behind it.
func (e *Engine) HandleJobDead(projectID string, cause error) {
	ok, err := e.store.TryTransition(projectID, store.ProjectFailed,
		store.ProjectProcessing, store.ProjectBuilding)
	if err != nil {
		e.logger.Error().Err(err).Str("project_id", projectID).Msg("failed to fail project after dead job")
		return
	}
	if !ok {
		return
	}
	reason := fmt.Sprintf("pipeline job exhausted retries: %v", cause)
	if err := e.store.SetErrorContext(projectID, reason); err != nil {
		e.logger.Error().Err(err).Str("project_id", projectID).Msg("failed to set error context")
	}
	e.record(&store.AgentEvent{
		ProjectID: projectID,
		EventType: store.EventObservation,
		Content:   reason,
	})
	if e.notify != nil {
		if failed, gErr := e.store.GetProject(projectID); gErr == nil && failed != nil {
			e.notify.ProjectFailed(failed)
		}
	}
}

func (e *Engine) runLeftBrain(ctx context.Context, project *store.Project, cp *Checkpoint) error {
	if err := e.store.AdvanceStep(project.ID, StepLeftBrain); err != nil {
		return fmt.Errorf("%w: %v", rerrors.ErrUnavailable, err)
	}
	if err := e.store.SetLeftAnalysisStatus(project.ID, store.AnalysisRunning); err != nil {
		return fmt.Errorf("%w: %v", rerrors.ErrUnavailable, err)
	}
	e.record(&store.AgentEvent{
		ProjectID: project.ID,
		EventType: store.EventThought,
		Content:   "starting structural code analysis",
	})

	start := time.Now()
	var la *analysis.LeftAnalysis
	if e.left == nil {
		la = &analysis.LeftAnalysis{}
		e.record(&store.AgentEvent{
			ProjectID: project.ID,
			EventType: store.EventObservation,
			Content:   "code analyzer not configured, proceeding with empty structural analysis",
		})
	} else {
		var err error
		la, err = e.left.Analyze(ctx, project.ID, project.RepoURL)
		if err != nil {
			if rerrors.IsRetryable(err) {
				// Hand the phase back untouched; the job retry reruns it.
				if stErr := e.store.SetLeftAnalysisStatus(project.ID, store.AnalysisPending); stErr != nil {
					e.logger.Error().Err(stErr).Msg("failed to reset left analysis status")
				}
				return err
			}
			if stErr := e.store.SetLeftAnalysisStatus(project.ID, store.AnalysisFailed); stErr != nil {
				e.logger.Error().Err(stErr).Msg("failed to set left analysis status")
			}
			return e.failProject(project.ID, fmt.Sprintf("code analysis failed: %v", err))
		}
	}
	if e.metrics != nil {
		e.metrics.ObservePhase(StepLeftBrain, time.Since(start).Seconds())
	}

	cp.LeftAnalysis = la
	if err := e.saveCheckpoint(project, cp); err != nil {
		return err
	}
	if err := e.store.SetLeftAnalysisStatus(project.ID, store.AnalysisComplete); err != nil {
		return fmt.Errorf("%w: %v", rerrors.ErrUnavailable, err)
	}
	e.record(&store.AgentEvent{
		ProjectID: project.ID,
		EventType: store.EventObservation,
		Content:   fmt.Sprintf("structural analysis complete: %d features, %d entities", len(la.Features), len(la.Entities)),
	})
	return nil
}

func (e *Engine) runRightBrain(ctx context.Context, project *store.Project, cp *Checkpoint) error {
	if err := e.store.AdvanceStep(project.ID, StepRightBrain); err != nil {
		return fmt.Errorf("%w: %v", rerrors.ErrUnavailable, err)
	}
	if err := e.store.SetRightAnalysisStatus(project.ID, store.AnalysisRunning); err != nil {
		return fmt.Errorf("%w: %v", rerrors.ErrUnavailable, err)
	}
	e.record(&store.AgentEvent{
		ProjectID: project.ID,
		EventType: store.EventThought,
		Content:   "starting behavioral analysis",
	})

	start := time.Now()
	var contract *analysis.BehavioralContract
	if e.right == nil {
		contract = &analysis.BehavioralContract{}
		e.record(&store.AgentEvent{
			ProjectID: project.ID,
			EventType: store.EventObservation,
			Content:   "behavior analyzer not configured, proceeding with empty behavioral contract",
		})
	} else {
		var err error
		contract, err = e.ingestBehavior(ctx, project)
		if err != nil {
			if rerrors.IsRetryable(err) {
				if stErr := e.store.SetRightAnalysisStatus(project.ID, store.AnalysisPending); stErr != nil {
					e.logger.Error().Err(stErr).Msg("failed to reset right analysis status")
				}
				return err
			}
			if stErr := e.store.SetRightAnalysisStatus(project.ID, store.AnalysisFailed); stErr != nil {
				e.logger.Error().Err(stErr).Msg("failed to set right analysis status")
			}
			return e.failProject(project.ID, fmt.Sprintf("behavioral analysis failed: %s", rerrors.Diagnosis(err)))
		}
	}
	if e.metrics != nil {
		e.metrics.ObservePhase(StepRightBrain, time.Since(start).Seconds())
	}

	cp.RightAnalysis = contract
	if err := e.saveCheckpoint(project, cp); err != nil {
		return err
	}
	if err := e.store.SetRightAnalysisStatus(project.ID, store.AnalysisComplete); err != nil {
		return fmt.Errorf("%w: %v", rerrors.ErrUnavailable, err)
	}
	e.record(&store.AgentEvent{
		ProjectID: project.ID,
		EventType: store.EventObservation,
		Content:   fmt.Sprintf("behavioral analysis complete: %d flows", len(contract.Flows)),
	})
	return nil
}

func (e *Engine) ingestBehavior(ctx context.Context, project *store.Project) (*analysis.BehavioralContract, error) {
	id, err := e.right.StartIngestion(ctx, project.ID, project.RepoURL)
	if err != nil {
		return nil, err
	}
	if err := e.right.WaitComplete(ctx, id); err != nil {
		return nil, err
	}
	return e.right.Contract(ctx, id)
}

func (e *Engine) runPlanning(ctx context.Context, project *store.Project, cp *Checkpoint) error {
	if e.planner == nil {
		return e.failProject(project.ID, "code generation service not configured, cannot plan slices")
	}
	e.record(&store.AgentEvent{
		ProjectID: project.ID,
		EventType: store.EventThought,
		Content:   "planning vertical slices",
	})

	start := time.Now()
	plans, err := e.planner.PlanSlices(ctx, cp.LeftAnalysis, cp.RightAnalysis)
	if err != nil {
		if rerrors.IsRetryable(err) {
			return err
		}
		return e.failProject(project.ID, fmt.Sprintf("slice planning failed: %s", rerrors.Diagnosis(err)))
	}
	if e.metrics != nil {
		e.metrics.ObservePhase(StepPlanning, time.Since(start).Seconds())
	}

	// A replan after restart replaces whatever the previous plan created.
	existing, err := e.store.ListSlices(project.ID)
	if err != nil {
		return fmt.Errorf("%w: %v", rerrors.ErrUnavailable, err)
	}
	if len(existing) > 0 {
		if err := e.store.DeleteSlices(project.ID); err != nil {
			return fmt.Errorf("%w: %v", rerrors.ErrUnavailable, err)
		}
	}

	inputs := make([]store.SliceInput, 0, len(plans))
	for _, pl := range plans {
		inputs = append(inputs, store.SliceInput{
			Name:               pl.Name,
			Priority:           pl.Priority,
			Dependencies:       pl.Dependencies,
			CodeContract:       pl.CodeContract,
			BehavioralContract: pl.BehavioralContract,
		})
	}
	slices, err := e.store.CreateSlices(project.ID, inputs)
	if err != nil {
		return fmt.Errorf("%w: %v", rerrors.ErrUnavailable, err)
	}

	cp.Plan = plans
	if err := e.saveCheckpoint(project, cp); err != nil {
		return err
	}
	if _, err := e.store.TryTransition(project.ID, store.ProjectReady, store.ProjectProcessing); err != nil {
		return fmt.Errorf("%w: %v", rerrors.ErrUnavailable, err)
	}
	e.record(&store.AgentEvent{
		ProjectID: project.ID,
		EventType: store.EventObservation,
		Content:   fmt.Sprintf("plan ready: %d vertical slices", len(slices)),
	})
	return nil
}

// scheduleNextSlice enqueues a build job for the next eligible slice, if any.
// Duplicate jobs are harmless: the builder claims slices with a conditional
// transition.
func (e *Engine) scheduleNextSlice(projectID string) error {
	slices, err := e.store.ListSlices(projectID)
	if err != nil {
		return fmt.Errorf("%w: %v", rerrors.ErrUnavailable, err)
	}
	if len(slices) == 0 {
		return nil
	}

	next := builder.NextEligible(slices)
	if next == nil {
		// A resume lands here when no slice is runnable: either the plan is
		// already done or a failed slice blocks it. Close the gate either
		// way instead of leaving the project parked in processing.
		allComplete := true
		var blocked *store.VerticalSlice
		for _, s := range slices {
			if s.Status != store.SliceComplete {
				allComplete = false
			}
			if s.Status == store.SliceFailed && blocked == nil {
				blocked = s
			}
		}

		if allComplete {
			ok, err := e.store.TryTransition(projectID, store.ProjectComplete,
				store.ProjectProcessing, store.ProjectBuilding)
			if err != nil {
				return fmt.Errorf("%w: %v", rerrors.ErrUnavailable, err)
			}
			if ok {
				e.record(&store.AgentEvent{
					ProjectID: projectID,
					EventType: store.EventObservation,
					Content:   "all slices complete, migration finished",
				})
			}
			return nil
		}

		if blocked != nil {
			ok, err := e.store.TryTransition(projectID, store.ProjectFailed,
				store.ProjectProcessing, store.ProjectBuilding)
			if err != nil {
				return fmt.Errorf("%w: %v", rerrors.ErrUnavailable, err)
			}
			if ok {
				reason := fmt.Sprintf("slice %s is failed; retry the slice or restart the project", blocked.Name)
				if err := e.store.SetErrorContext(projectID, reason); err != nil {
					e.logger.Error().Err(err).Str("project_id", projectID).Msg("failed to set error context")
				}
				e.record(&store.AgentEvent{
					ProjectID: projectID,
					EventType: store.EventObservation,
					Content:   reason,
				})
			}
			return nil
		}

		// A slice is mid-build elsewhere; its job owns the next step.
		return nil
	}
	if _, err := e.enq.Enqueue(queue.BuildSlicePayload{ProjectID: projectID, SliceID: next.ID}); err != nil {
		return err
	}
	e.logger.Info().Str("project_id", projectID).Str("slice", next.Name).Msg("slice build scheduled")
	return nil
}

func (e *Engine) saveCheckpoint(project *store.Project, cp *Checkpoint) error {
	raw, err := cp.Encode()
	if err != nil {
		return e.failProject(project.ID, fmt.Sprintf("checkpoint encoding failed: %v", err))
	}
	if err := e.store.SetCheckpoint(project.ID, raw); err != nil {
		return fmt.Errorf("%w: %v", rerrors.ErrUnavailable, err)
	}
	project.Checkpoint = raw
	return nil
}

// failProject records a terminal failure. Returns nil so the job is not
// retried.
func (e *Engine) failProject(projectID, reason string) error {
	if _, err := e.store.TryTransition(projectID, store.ProjectFailed,
		store.ProjectProcessing, store.ProjectBuilding); err != nil {
		e.logger.Error().Err(err).Str("project_id", projectID).Msg("failed to mark project failed")
	}
	if err := e.store.SetErrorContext(projectID, reason); err != nil {
		e.logger.Error().Err(err).Str("project_id", projectID).Msg("failed to set error context")
	}
	if e.metrics != nil {
		e.metrics.RecordError("pipeline", "phase_failed")
	}
	e.record(&store.AgentEvent{
		ProjectID: projectID,
		EventType: store.EventObservation,
		Content:   reason,
	})
	if e.notify != nil {
		if failed, err := e.store.GetProject(projectID); err == nil && failed != nil {
			e.notify.ProjectFailed(failed)
		}
	}
	e.logger.Error().Str("project_id", projectID).Str("reason", reason).Msg("project failed")
	return nil
}

func (e *Engine) record(ev *store.AgentEvent) {
	if _, err := e.rec.Record(ev); err != nil {
		e.logger.Error().Err(err).Str("event_type", string(ev.EventType)).Msg("failed to record event")
	}
}
