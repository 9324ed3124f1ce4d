package stages

import (
	"context"

	"github.com/google/uuid"

	"github.com/atlasforge-ai/atlasforge/internal/core"
	"github.com/atlasforge-ai/atlasforge/internal/logging"
)

// CurriculumDesigner builds the roadmap framework from the intent
// analysis: an ordered set of concepts with enabled content types.
type CurriculumDesigner struct {
	agent  core.Agent
	logger *logging.Logger
}

// NewCurriculumDesigner creates the curriculum_design executor.
func NewCurriculumDesigner(agent core.Agent, logger *logging.Logger) *CurriculumDesigner {
	return &CurriculumDesigner{agent: agent, logger: logger}
}

// Stage implements engine.StageExecutor.
func (d *CurriculumDesigner) Stage() core.Stage {
	return core.StageCurriculumDesign
}

// Execute implements engine.StageExecutor.
func (d *CurriculumDesigner) Execute(ctx context.Context, state *core.WorkflowState) (*core.StateDelta, error) {
	if state.IntentAnalysis == nil {
		return nil, core.ErrState(core.CodeInvalidState, "curriculum design requires an intent analysis")
	}

	res, err := d.agent.Execute(ctx, core.AgentRequest{
		Stage:   core.StageCurriculumDesign,
		RunID:   state.RunID,
		TraceID: state.TraceID,
		Input: map[string]interface{}{
			"goal":        state.IntentAnalysis.Goal,
			"audience":    state.IntentAnalysis.Audience,
			"skill_level": state.IntentAnalysis.SkillLevel,
			"topics":      state.IntentAnalysis.Topics,
			"notes":       state.IntentAnalysis.Notes,
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
		return nil, core.ErrValidation(core.CodeEmptyFramework, "curriculum design produced no concepts")
	}
	normalizeConcepts(&fw)

	delta := &core.StateDelta{Framework: &fw}
	if state.RoadmapID == "" {
		delta.RoadmapID = uuid.NewString()
	}

	d.logger.WithRun(string(state.RunID)).Info("curriculum designed",
		"title", fw.Title,
		"concepts", len(fw.Concepts),
	)
	return delta, nil
}

// normalizeConcepts fills in ordering and default content types so
// downstream stages never deal with half-specified concepts.
func normalizeConcepts(fw *core.Framework) {
	for i := range fw.Concepts {
		c := &fw.Concepts[i]
		if c.Order == 0 {
			c.Order = i + 1
		}
		if len(c.ContentTypes) == 0 {
			c.ContentTypes = core.AllContentTypes()
		}
	}
}
