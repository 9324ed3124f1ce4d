package stages

import (
	"context"

	"github.com/atlasforge-ai/atlasforge/internal/core"
	"github.com/atlasforge-ai/atlasforge/internal/logging"
)

// IntentAnalyzer turns the raw user request into a structured
// learning-intent analysis.
type IntentAnalyzer struct {
	agent  core.Agent
	logger *logging.Logger
}

// NewIntentAnalyzer creates the intent_analysis executor.
func NewIntentAnalyzer(agent core.Agent, logger *logging.Logger) *IntentAnalyzer {
	return &IntentAnalyzer{agent: agent, logger: logger}
}

// Stage implements engine.StageExecutor.
func (a *IntentAnalyzer) Stage() core.Stage {
	return core.StageIntentAnalysis
}

// Execute implements engine.StageExecutor.
func (a *IntentAnalyzer) Execute(ctx context.Context, state *core.WorkflowState) (*core.StateDelta, error) {
	res, err := a.agent.Execute(ctx, core.AgentRequest{
		Stage:   core.StageIntentAnalysis,
		RunID:   state.RunID,
		TraceID: state.TraceID,
		Input: map[string]interface{}{
			"request": state.UserRequest,
		},
	})
	if err != nil {
		return nil, err
	}

	var intent core.IntentAnalysis
	if err := decodeParsed(res, &intent); err != nil {
		return nil, err
	}
	if intent.Goal == "" {
		return nil, core.ErrValidation(core.CodeInvalidIntent, "intent analysis produced no goal")
	}

	a.logger.WithRun(string(state.RunID)).Info("intent analyzed",
		"goal", intent.Goal,
		"skill_level", intent.SkillLevel,
		"topics", len(intent.Topics),
	)
	return &core.StateDelta{IntentAnalysis: &intent}, nil
}
