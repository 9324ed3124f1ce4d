package stages

import (
	"context"

	"github.com/atlasforge-ai/atlasforge/internal/core"
	"github.com/atlasforge-ai/atlasforge/internal/logging"
)

// RoadmapEditor revises the framework. It is entered on two paths:
// structural issues from validation, or rejection feedback from human
// review. Both are passed to the agent as revision guidance.
type RoadmapEditor struct {
	agent  core.Agent
	logger *logging.Logger
}

// NewRoadmapEditor creates the roadmap_edit executor.
func NewRoadmapEditor(agent core.Agent, logger *logging.Logger) *RoadmapEditor {
	return &RoadmapEditor{agent: agent, logger: logger}
}

// Stage implements engine.StageExecutor.
func (e *RoadmapEditor) Stage() core.Stage {
	return core.StageRoadmapEdit
}

// Execute implements engine.StageExecutor.
func (e *RoadmapEditor) Execute(ctx context.Context, state *core.WorkflowState) (*core.StateDelta, error) {
	if state.Framework == nil {
		return nil, core.ErrState(core.CodeInvalidState, "roadmap edit requires a framework")
	}

	var issues []string
	if state.ValidationResult != nil && !state.ValidationResult.Valid {
		issues = state.ValidationResult.Issues
	}

	res, err := e.agent.Execute(ctx, core.AgentRequest{
		Stage:   core.StageRoadmapEdit,
		RunID:   state.RunID,
		TraceID: state.TraceID,
		Input: map[string]interface{}{
			"framework": state.Framework,
			"issues":    issues,
			"feedback":  state.HumanFeedback,
		},
	})
	if err != nil {
		return nil, err
	}

	var fw core.Framework
	if err := decodeParsed(res, &fw); err != nil {
		return nil, err
	}
	if len(fw.Concepts) == 0 {
		return nil, core.ErrValidation(core.CodeEmptyFramework, "roadmap edit produced no concepts")
	}
	normalizeConcepts(&fw)

	e.logger.WithRun(string(state.RunID)).Info("roadmap revised",
		"concepts", len(fw.Concepts),
		"issues_addressed", len(issues),
		"had_feedback", state.HumanFeedback != "",
	)
	return &core.StateDelta{Framework: &fw}, nil
}
