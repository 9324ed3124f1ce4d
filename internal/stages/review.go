package stages

import (
	"context"

	"github.com/atlasforge-ai/atlasforge/internal/core"
	"github.com/atlasforge-ai/atlasforge/internal/engine"
	"github.com/atlasforge-ai/atlasforge/internal/logging"
)

// ReviewGate is the one suspend point of the graph. Entered without a
// decision it signals await-input; the engine persists the run and
// returns. Resume turns the injected decision into this stage's delta.
type ReviewGate struct {
	logger *logging.Logger
}

// NewReviewGate creates the human_review executor.
func NewReviewGate(logger *logging.Logger) *ReviewGate {
	return &ReviewGate{logger: logger}
}

// Stage implements engine.StageExecutor.
func (g *ReviewGate) Stage() core.Stage {
	return core.StageHumanReview
}

// Execute implements engine.StageExecutor. There is nothing to compute
// without a decision.
func (g *ReviewGate) Execute(ctx context.Context, state *core.WorkflowState) (*core.StateDelta, error) {
	return nil, engine.ErrAwaitInput
}

// Resume implements engine.SuspendingExecutor.
func (g *ReviewGate) Resume(ctx context.Context, state *core.WorkflowState, decision *core.ReviewDecision) (*core.StateDelta, error) {
	if decision == nil {
		return nil, core.ErrState(core.CodeNotSuspended, "resume called without a review decision")
	}

	g.logger.WithRun(string(state.RunID)).Info("review decision received",
		"approved", decision.Approved,
		"has_feedback", decision.Feedback != "",
		"retries_exhausted", state.RetriesExhausted,
	)
	return &core.StateDelta{ReviewDecision: decision}, nil
}
