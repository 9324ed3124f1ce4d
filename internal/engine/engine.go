// Package engine implements the durable workflow engine: an explicit
// stage graph interpreted by a single-threaded loop, with a checkpoint
// written after every stage boundary and one suspend point for human
// review. Suspension never blocks a goroutine; resuming is a fresh
// call that loads the latest checkpoint.
package engine

import (
	"errors"
	"fmt"
	"time"

	"context"

	"github.com/atlasforge-ai/atlasforge/internal/core"
	"github.com/atlasforge-ai/atlasforge/internal/events"
	"github.com/atlasforge-ai/atlasforge/internal/logging"
)

// Outcome distinguishes a finished run from a suspended one.
type Outcome string

const (
	OutcomeFinal     Outcome = "final"
	OutcomeSuspended Outcome = "suspended"
)

// Result is what Execute and Resume hand back to the caller.
type Result struct {
	Outcome Outcome
	State   *core.WorkflowState
}

// Engine drives runs through the stage graph.
type Engine struct {
	graph       *Graph
	checkpoints core.CheckpointStore
	runs        core.RunRepository
	live        *StateManager
	notifier    core.Notifier
	errh        *ErrorHandler
	retry       *RetryPolicy
	logger      *logging.Logger
}

// New creates an engine with default live tracking, retry policy and a
// no-op notifier.
func New(graph *Graph, checkpoints core.CheckpointStore, runs core.RunRepository, logger *logging.Logger) *Engine {
	e := &Engine{
		graph:       graph,
		checkpoints: checkpoints,
		runs:        runs,
		live:        NewStateManager(),
		notifier:    core.NopNotifier{},
		retry:       DefaultRetryPolicy(),
		logger:      logger,
	}
	e.errh = NewErrorHandler(runs, nil, e.notifier, logger)
	return e
}

// WithNotifier sets the progress notifier.
func (e *Engine) WithNotifier(n core.Notifier) *Engine {
	e.notifier = n
	e.errh = NewErrorHandler(e.runs, nil, n, e.logger)
	return e
}

// WithStateManager injects a shared live-run tracker.
func (e *Engine) WithStateManager(m *StateManager) *Engine {
	e.live = m
	return e
}

// WithRetryPolicy overrides the transient-failure retry policy.
func (e *Engine) WithRetryPolicy(p *RetryPolicy) *Engine {
	e.retry = p
	return e
}

// StateManager exposes the live tracker for progress queries.
func (e *Engine) StateManager() *StateManager {
	return e.live
}

// Execute runs a workflow to completion or suspension. It is
// idempotent per run id: when a checkpoint chain already exists the
// run continues from the latest checkpoint instead of restarting.
func (e *Engine) Execute(ctx context.Context, initial *core.WorkflowState) (*Result, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	if err := initial.Config.Validate(); err != nil {
		return nil, err
	}

	runID := initial.RunID
	log := e.logger.WithRun(string(runID))

	rec := &core.RunRecord{
		RunID:        runID,
		TraceID:      initial.TraceID,
		Status:       core.RunStatusRunning,
		CurrentStage: initial.CurrentStage,
		Request:      initial.UserRequest,
		CreatedAt:    initial.CreatedAt,
		UpdatedAt:    time.Now(),
	}
	if err := e.retry.Execute(ctx, func(ctx context.Context) error {
		return e.runs.CreateRun(ctx, rec)
	}); err != nil {
		return nil, core.ErrInfra(core.CodeStoreFailed, "creating run row").WithCause(err)
	}

	state := initial
	seq := int64(-1)

	cp, err := e.latest(ctx, runID)
	if err != nil {
		return nil, err
	}
	if cp != nil {
		state, err = cp.DecodeState()
		if err != nil {
			return nil, err
		}
		seq = cp.SequenceID
		log.Info("continuing from checkpoint", "sequence", seq, "stage", state.CurrentStage)
	} else {
		if seq, err = e.checkpoint(ctx, state, seq); err != nil {
			return nil, err
		}
		log.Info("run started", "stage", state.CurrentStage)
	}

	if state.CurrentStage.IsTerminal() {
		return &Result{Outcome: OutcomeFinal, State: state}, nil
	}

	e.live.Track(runID, core.RunStatusRunning, state.CurrentStage)
	return e.drive(ctx, state, seq, nil)
}

// Resume continues a suspended run by injecting the review decision as
// the human-review stage's result. Resuming a terminal run returns its
// final state unchanged.
func (e *Engine) Resume(ctx context.Context, runID core.RunID, decision core.ReviewDecision) (*Result, error) {
	cp, err := e.latest(ctx, runID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, core.ErrNotFound("run", string(runID))
	}

	state, err := cp.DecodeState()
	if err != nil {
		return nil, err
	}
	if state.CurrentStage.IsTerminal() {
		return &Result{Outcome: OutcomeFinal, State: state}, nil
	}
	if state.CurrentStage != e.graph.SuspendPoint() {
		return nil, core.ErrState(core.CodeNotSuspended,
			fmt.Sprintf("run %s is at stage %s, not awaiting review", runID, state.CurrentStage))
	}

	e.logger.WithRun(string(runID)).Info("resuming run",
		"sequence", cp.SequenceID,
		"approved", decision.Approved,
	)
	e.live.Track(runID, core.RunStatusRunning, state.CurrentStage)
	return e.drive(ctx, state, cp.SequenceID, &decision)
}

// drive is the interpreter loop. One run advances one stage at a
// time; stages may await I/O internally but never run in parallel with
// each other.
func (e *Engine) drive(ctx context.Context, state *core.WorkflowState, seq int64, decision *core.ReviewDecision) (*Result, error) {
	runID := state.RunID
	log := e.logger.WithRun(string(runID))

	for !state.CurrentStage.IsTerminal() {
		stage := state.CurrentStage

		node, ok := e.graph.Node(stage)
		if !ok {
			err := e.errh.WithStage(ctx, stage, runID, func() error {
				return core.ErrState(core.CodeInvalidState,
					fmt.Sprintf("no executor registered for stage %s", stage))
			})
			e.live.Clear(runID)
			return nil, err
		}

		e.live.SetStage(runID, stage)
		e.notifier.Publish(ctx, events.StageEntered(runID, stage))
		log.Info("entering stage", "stage", stage)

		started := time.Now()
		var delta *core.StateDelta
		var execErr error

		if stage == e.graph.SuspendPoint() && decision != nil {
			susp := node.(SuspendingExecutor)
			delta, execErr = susp.Resume(ctx, state, decision)
			decision = nil
		} else {
			delta, execErr = node.Execute(ctx, state)
		}

		if errors.Is(execErr, ErrAwaitInput) {
			return e.suspend(ctx, state, seq)
		}

		err := e.errh.WithStage(ctx, stage, runID, func() error {
			if execErr != nil {
				return core.ErrStageFailure(stage, execErr)
			}
			if err := state.Merge(delta); err != nil {
				return err
			}
			state.RecordStage(stage, started, nil)

			next, err := Route(stage, state, state.Config)
			if err != nil {
				return err
			}
			e.applyTransition(state, stage, next)
			state.CurrentStage = next

			var serr error
			if seq, serr = e.checkpoint(ctx, state, seq); serr != nil {
				return serr
			}
			return e.updateRun(ctx, runID, core.RunStatusRunning, next, "")
		})
		if err != nil {
			state.RecordStage(stage, started, err)
			e.live.Clear(runID)
			return nil, err
		}

		log.Info("stage complete", "stage", stage, "next", state.CurrentStage, "sequence", seq)
	}

	return e.finish(ctx, state)
}

// applyTransition applies the engine-owned counter side effects the
// pure router cannot.
func (e *Engine) applyTransition(state *core.WorkflowState, from, to core.Stage) {
	if from != core.StageStructureValidation {
		return
	}
	switch to {
	case core.StageRoadmapEdit:
		state.ValidationRetryCount++
	case core.StageHumanReview:
		if state.ValidationResult != nil && !state.ValidationResult.Valid {
			state.RetriesExhausted = true
		}
	}
}

// suspend persists the awaiting-input state and returns without
// blocking. All resources are released; resumption is a fresh call
// keyed by run id and checkpoint.
func (e *Engine) suspend(ctx context.Context, state *core.WorkflowState, seq int64) (*Result, error) {
	runID := state.RunID

	var err error
	if seq, err = e.checkpoint(ctx, state, seq); err != nil {
		e.live.Clear(runID)
		return nil, err
	}
	if err := e.updateRun(ctx, runID, core.RunStatusSuspended, state.CurrentStage, ""); err != nil {
		e.live.Clear(runID)
		return nil, err
	}

	e.notifier.Publish(ctx, events.RunSuspended(runID))
	e.live.Clear(runID)
	e.logger.WithRun(string(runID)).Info("run suspended for review", "sequence", seq)

	return &Result{Outcome: OutcomeSuspended, State: state}, nil
}

// finish closes out a terminal run.
func (e *Engine) finish(ctx context.Context, state *core.WorkflowState) (*Result, error) {
	runID := state.RunID

	status := core.RunStatusCompleted
	switch state.CurrentStage {
	case core.StagePartialFailure:
		status = core.RunStatusPartialFailure
	case core.StageFailed:
		status = core.RunStatusFailed
	}

	if err := e.updateRun(ctx, runID, status, state.CurrentStage, ""); err != nil {
		e.live.Clear(runID)
		return nil, err
	}

	e.notifier.Publish(ctx, events.RunCompleted(runID, state.CurrentStage))
	e.live.Clear(runID)
	e.logger.WithRun(string(runID)).Info("run finished",
		"status", status,
		"failed_concepts", len(state.FailedConcepts),
	)

	return &Result{Outcome: OutcomeFinal, State: state}, nil
}

// checkpoint appends the next snapshot of the chain and returns the
// new sequence id.
func (e *Engine) checkpoint(ctx context.Context, state *core.WorkflowState, parentSeq int64) (int64, error) {
	cp, err := core.NewCheckpoint(state, parentSeq)
	if err != nil {
		return parentSeq, err
	}
	err = e.retry.Execute(ctx, func(ctx context.Context) error {
		return e.checkpoints.SaveCheckpoint(ctx, cp)
	})
	if err != nil {
		return parentSeq, core.ErrInfra(core.CodeStoreFailed, "saving checkpoint").WithCause(err)
	}
	return cp.SequenceID, nil
}

func (e *Engine) latest(ctx context.Context, runID core.RunID) (*core.Checkpoint, error) {
	var cp *core.Checkpoint
	err := e.retry.Execute(ctx, func(ctx context.Context) error {
		var err error
		cp, err = e.checkpoints.LatestCheckpoint(ctx, runID)
		return err
	})
	if err != nil {
		return nil, core.ErrInfra(core.CodeStoreFailed, "loading latest checkpoint").WithCause(err)
	}
	return cp, nil
}

func (e *Engine) updateRun(ctx context.Context, runID core.RunID, status core.RunStatus, stage core.Stage, msg string) error {
	err := e.retry.Execute(ctx, func(ctx context.Context) error {
		return e.runs.UpdateRunStatus(ctx, runID, status, stage, msg)
	})
	if err != nil {
		return core.ErrInfra(core.CodeStoreFailed, "updating run status").WithCause(err)
	}
	return nil
}
