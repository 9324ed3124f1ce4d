package events

import (
	"context"
	"time"

	"github.com/atlasforge-ai/atlasforge/internal/core"
)

// BusNotifier adapts the Bus to the core.Notifier port.
type BusNotifier struct {
	bus *Bus
}

// NewBusNotifier creates a notifier backed by the given bus.
func NewBusNotifier(bus *Bus) *BusNotifier {
	return &BusNotifier{bus: bus}
}

// Publish implements core.Notifier.
func (n *BusNotifier) Publish(_ context.Context, event core.ProgressEvent) {
	if event.At.IsZero() {
		event.At = time.Now()
	}
	n.bus.Publish(event)
}

var _ core.Notifier = (*BusNotifier)(nil)

// Fanout publishes every event to each wrapped notifier in order.
type Fanout []core.Notifier

// Publish implements core.Notifier.
func (f Fanout) Publish(ctx context.Context, event core.ProgressEvent) {
	for _, n := range f {
		n.Publish(ctx, event)
	}
}

// Constructors for the event shapes the engine and job emit.

// StageEntered marks the engine entering a stage.
func StageEntered(runID core.RunID, stage core.Stage) core.ProgressEvent {
	return core.ProgressEvent{Type: core.EventStageEntered, RunID: runID, Stage: stage, At: time.Now()}
}

// RunSuspended marks a run waiting for external review input.
func RunSuspended(runID core.RunID) core.ProgressEvent {
	return core.ProgressEvent{Type: core.EventRunSuspended, RunID: runID, Stage: core.StageHumanReview, At: time.Now()}
}

// RunCompleted marks a run reaching a successful terminal stage.
func RunCompleted(runID core.RunID, stage core.Stage) core.ProgressEvent {
	return core.ProgressEvent{Type: core.EventRunCompleted, RunID: runID, Stage: stage, At: time.Now()}
}

// RunFailed marks a run failing at a stage.
func RunFailed(runID core.RunID, stage core.Stage, err error) core.ProgressEvent {
	e := core.ProgressEvent{Type: core.EventRunFailed, RunID: runID, Stage: stage, At: time.Now()}
	if err != nil {
		e.Error = core.TruncateError(err.Error())
	}
	return e
}

// UnitStarted marks one content unit beginning generation.
func UnitStarted(runID core.RunID, jobID string, u core.ContentUnit) core.ProgressEvent {
	return core.ProgressEvent{
		Type: core.EventUnitStarted, RunID: runID, JobID: jobID,
		ConceptID: u.ConceptID, Content: u.Type, At: time.Now(),
	}
}

// UnitCompleted marks one content unit finishing successfully.
func UnitCompleted(runID core.RunID, jobID string, u core.ContentUnit) core.ProgressEvent {
	return core.ProgressEvent{
		Type: core.EventUnitCompleted, RunID: runID, JobID: jobID,
		ConceptID: u.ConceptID, Content: u.Type, At: time.Now(),
	}
}

// UnitFailed marks one content unit failing. Isolated and non-fatal.
func UnitFailed(runID core.RunID, jobID string, u core.ContentUnit, err error) core.ProgressEvent {
	e := core.ProgressEvent{
		Type: core.EventUnitFailed, RunID: runID, JobID: jobID,
		ConceptID: u.ConceptID, Content: u.Type, At: time.Now(),
	}
	if err != nil {
		e.Error = core.TruncateError(err.Error())
	}
	return e
}

// JobCompleted marks the whole content job reaching a terminal status.
func JobCompleted(runID core.RunID, jobID string, status core.JobStatus) core.ProgressEvent {
	return core.ProgressEvent{
		Type: core.EventJobCompleted, RunID: runID, JobID: jobID,
		Stage: core.StageContentGeneration, Status: string(status), At: time.Now(),
	}
}
