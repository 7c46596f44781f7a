package pipeline

import (
	"encoding/json"
	"fmt"

	rerrors "github.com/reforge-dev/reforge/internal/errors"
	"github.com/reforge-dev/reforge/internal/queue"
	"github.com/reforge-dev/reforge/internal/store"
)

// Resume modes for ResumeOrRestart.
const (
	ModeAuto    = "auto"
	ModeResume  = "resume"
	ModeRestart = "restart"
)

// StartProcessing begins the analysis phases for a pending project. The
// status gate is the concurrency guard: only one caller wins the
// pending-to-processing transition, and an enqueue failure rolls it back so
// the project is never gated with no job behind it.
func (e *Engine) StartProcessing(projectID string) error {
	project, err := e.store.GetProject(projectID)
	if err != nil {
		return fmt.Errorf("%w: %v", rerrors.ErrUnavailable, err)
	}
	if project == nil {
		return fmt.Errorf("project %s: %w", projectID, rerrors.ErrNotFound)
	}

	ok, err := e.store.TryTransition(projectID, store.ProjectProcessing, store.ProjectPending)
	if err != nil {
		return fmt.Errorf("%w: %v", rerrors.ErrUnavailable, err)
	}
	if !ok {
		return fmt.Errorf("project is not pending: %w", rerrors.ErrConflict)
	}

	if err := e.store.AdvanceStep(projectID, StepLeftBrain); err != nil {
		e.rollback(projectID, project.Status)
		return fmt.Errorf("%w: %v", rerrors.ErrUnavailable, err)
	}
	if _, err := e.enq.Enqueue(queue.ProcessProjectPayload{ProjectID: projectID}); err != nil {
		e.rollback(projectID, project.Status)
		return err
	}

	e.logger.Info().Str("project_id", projectID).Msg("processing started")
	return nil
}

// Configure moves an analyzed project into planning. Options are stored on
// the checkpoint for the planner and builder to read.
func (e *Engine) Configure(projectID string, options json.RawMessage) error {
	project, err := e.store.GetProject(projectID)
	if err != nil {
		return fmt.Errorf("%w: %v", rerrors.ErrUnavailable, err)
	}
	if project == nil {
		return fmt.Errorf("project %s: %w", projectID, rerrors.ErrNotFound)
	}

	ok, err := e.store.TryTransition(projectID, store.ProjectProcessing, store.ProjectAnalyzed)
	if err != nil {
		return fmt.Errorf("%w: %v", rerrors.ErrUnavailable, err)
	}
	if !ok {
		return fmt.Errorf("project is not analyzed: %w", rerrors.ErrConflict)
	}

	if len(options) > 0 {
		cp, cpErr := ParseCheckpoint(project.Checkpoint)
		if cpErr != nil {
			e.rollback(projectID, store.ProjectAnalyzed)
			return fmt.Errorf("corrupt checkpoint: %w", rerrors.ErrConflict)
		}
		cp.Options = options
		if err := e.saveCheckpoint(project, cp); err != nil {
			e.rollback(projectID, store.ProjectAnalyzed)
			return err
		}
	}

	if err := e.store.AdvanceStep(projectID, StepPlanning); err != nil {
		e.rollback(projectID, store.ProjectAnalyzed)
		return fmt.Errorf("%w: %v", rerrors.ErrUnavailable, err)
	}
	if _, err := e.enq.Enqueue(queue.ProcessProjectPayload{ProjectID: projectID}); err != nil {
		e.rollback(projectID, store.ProjectAnalyzed)
		return err
	}

	e.logger.Info().Str("project_id", projectID).Msg("planning configured")
	return nil
}

// RetrySlice resets exactly one failed slice and re-enqueues its build.
// Complete slices are never re-run.
func (e *Engine) RetrySlice(projectID, sliceID string) error {
	project, err := e.store.GetProject(projectID)
	if err != nil {
		return fmt.Errorf("%w: %v", rerrors.ErrUnavailable, err)
	}
	if project == nil {
		return fmt.Errorf("project %s: %w", projectID, rerrors.ErrNotFound)
	}
	slice, err := e.store.GetSlice(sliceID)
	if err != nil {
		return fmt.Errorf("%w: %v", rerrors.ErrUnavailable, err)
	}
	if slice == nil || slice.ProjectID != projectID {
		return fmt.Errorf("slice %s: %w", sliceID, rerrors.ErrNotFound)
	}

	reset, err := e.store.ResetFailedSlice(sliceID)
	if err != nil {
		return fmt.Errorf("%w: %v", rerrors.ErrUnavailable, err)
	}
	if !reset {
		return fmt.Errorf("slice is not failed: %w", rerrors.ErrConflict)
	}

	ok, err := e.store.TryTransition(projectID, store.ProjectBuilding,
		store.ProjectFailed, store.ProjectReady, store.ProjectBuilding)
	if err != nil {
		return fmt.Errorf("%w: %v", rerrors.ErrUnavailable, err)
	}
	if !ok {
		// Gated (a job in flight) or mid-pipeline: put the slice back.
		if _, revertErr := e.store.TransitionSlice(sliceID, store.SliceFailed, store.SlicePending); revertErr != nil {
			e.logger.Error().Err(revertErr).Str("slice_id", sliceID).Msg("failed to revert slice after rejected retry")
		}
		return fmt.Errorf("project cannot retry a slice from %s: %w", project.Status, rerrors.ErrConflict)
	}
	if err := e.store.ClearErrorContext(projectID); err != nil {
		return fmt.Errorf("%w: %v", rerrors.ErrUnavailable, err)
	}

	if _, err := e.enq.Enqueue(queue.BuildSlicePayload{ProjectID: projectID, SliceID: sliceID}); err != nil {
		// Undo both writes so a client retry starts clean.
		if _, revertErr := e.store.TransitionSlice(sliceID, store.SliceFailed, store.SlicePending); revertErr != nil {
			e.logger.Error().Err(revertErr).Str("slice_id", sliceID).Msg("failed to revert slice after enqueue failure")
		}
		e.rollback(projectID, project.Status)
		return err
	}

	e.logger.Info().Str("project_id", projectID).Str("slice_id", sliceID).Msg("slice retry scheduled")
	return nil
}

// ResumeOrRestart recovers a halted project. Resume continues from the
// checkpoint; restart wipes it and replays from the first phase; auto picks
// resume when a checkpoint exists.
func (e *Engine) ResumeOrRestart(projectID, mode string) error {
	project, err := e.store.GetProject(projectID)
	if err != nil {
		return fmt.Errorf("%w: %v", rerrors.ErrUnavailable, err)
	}
	if project == nil {
		return fmt.Errorf("project %s: %w", projectID, rerrors.ErrNotFound)
	}
	if Gated(project.Status) {
		return fmt.Errorf("project has a job in flight: %w", rerrors.ErrConflict)
	}

	switch mode {
	case ModeResume:
		if !CanResume(project) {
			return fmt.Errorf("project has no resumable checkpoint: %w", rerrors.ErrConflict)
		}
	case ModeRestart:
	case ModeAuto, "":
		if CanResume(project) {
			mode = ModeResume
		} else {
			mode = ModeRestart
		}
	default:
		return fmt.Errorf("unknown mode %q: %w", mode, rerrors.ErrInvalidInput)
	}

	if err := e.store.ClearErrorContext(projectID); err != nil {
		return fmt.Errorf("%w: %v", rerrors.ErrUnavailable, err)
	}
	if mode == ModeRestart {
		// Wipes the checkpoint, analyzer statuses, and step cursor. The old
		// plan's slices are replaced when planning reruns.
		if err := e.store.ClearCheckpoint(projectID); err != nil {
			return fmt.Errorf("%w: %v", rerrors.ErrUnavailable, err)
		}
		if err := e.store.AdvanceStep(projectID, StepLeftBrain); err != nil {
			return fmt.Errorf("%w: %v", rerrors.ErrUnavailable, err)
		}
	}

	ok, err := e.store.TryTransition(projectID, store.ProjectProcessing,
		store.ProjectPending, store.ProjectAnalyzed, store.ProjectReady,
		store.ProjectPaused, store.ProjectFailed, store.ProjectComplete)
	if err != nil {
		return fmt.Errorf("%w: %v", rerrors.ErrUnavailable, err)
	}
	if !ok {
		return fmt.Errorf("project cannot be resumed from %s: %w", project.Status, rerrors.ErrConflict)
	}

	if _, err := e.enq.Enqueue(queue.ProcessProjectPayload{ProjectID: projectID}); err != nil {
		e.rollback(projectID, project.Status)
		return err
	}

	e.logger.Info().Str("project_id", projectID).Str("mode", mode).Msg("project recovery scheduled")
	return nil
}

// rollback restores the pre-attempt status after a failed trigger, logging
// rather than failing: the caller already has the primary error to report.
func (e *Engine) rollback(projectID string, prev store.ProjectStatus) {
	if err := e.store.SetStatus(projectID, prev); err != nil {
		e.logger.Error().Err(err).
			Str("project_id", projectID).
			Str("status", string(prev)).
			Msg("failed to roll back project status")
	}
}
