package engine

import (
	"context"
	"fmt"

	"github.com/atlasforge-ai/atlasforge/internal/core"
	"github.com/atlasforge-ai/atlasforge/internal/events"
	"github.com/atlasforge-ai/atlasforge/internal/logging"
)

// ErrorHandler is the cross-cutting failure wrapper. It gives every
// stage and job the same behavior on failure: structured log, failed
// progress event, persisted failed status with a bounded message, and
// the original error re-raised unchanged. A failure while persisting
// the error must not mask the original one.
type ErrorHandler struct {
	runs     core.RunRepository
	jobs     core.JobRepository
	notifier core.Notifier
	logger   *logging.Logger
}

// NewErrorHandler creates the failure wrapper. jobs may be nil on the
// engine side, runs may be nil on the worker side.
func NewErrorHandler(runs core.RunRepository, jobs core.JobRepository, notifier core.Notifier, logger *logging.Logger) *ErrorHandler {
	if notifier == nil {
		notifier = core.NopNotifier{}
	}
	return &ErrorHandler{runs: runs, jobs: jobs, notifier: notifier, logger: logger}
}

// WithStage runs a stage body and applies the uniform failure path.
// Normal completion has no extra side effects.
func (h *ErrorHandler) WithStage(ctx context.Context, stage core.Stage, runID core.RunID, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}

	h.logger.Error("stage failed",
		"stage", stage,
		"run_id", runID,
		"error_type", fmt.Sprintf("%T", err),
		"error", err,
	)

	h.notifier.Publish(ctx, events.RunFailed(runID, stage, err))

	if h.runs != nil {
		msg := core.TruncateError(err.Error())
		if perr := h.runs.UpdateRunStatus(ctx, runID, core.RunStatusFailed, stage, msg); perr != nil {
			// Never mask the original failure with a persistence one.
			h.logger.Error("failed to persist run failure",
				"run_id", runID,
				"error", perr,
			)
		}
	}

	return err
}

// WithJob runs a job body with the same uniform failure path, persisting
// against the job record instead of the run row.
func (h *ErrorHandler) WithJob(ctx context.Context, jobID string, runID core.RunID, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}

	h.logger.Error("content job failed",
		"job_id", jobID,
		"run_id", runID,
		"error_type", fmt.Sprintf("%T", err),
		"error", err,
	)

	h.notifier.Publish(ctx, events.JobCompleted(runID, jobID, core.JobStatusFailed))

	if h.jobs != nil {
		msg := core.TruncateError(err.Error())
		if perr := h.jobs.CompleteJobRecord(ctx, jobID, core.JobStatusFailed, 0, msg); perr != nil {
			h.logger.Error("failed to persist job failure",
				"job_id", jobID,
				"error", perr,
			)
		}
	}

	return err
}
