package engine

import (
	"github.com/atlasforge-ai/atlasforge/internal/core"
)

// Route is the pure transition function of the stage machine. It maps
// (stage, state, config) to the next stage. Every reachable pair is
// mapped explicitly; anything else is a fatal configuration error,
// never a silent no-op.
func Route(stage core.Stage, state *core.WorkflowState, cfg core.WorkflowConfig) (core.Stage, error) {
	switch stage {
	case core.StageIntentAnalysis:
		return core.StageCurriculumDesign, nil

	case core.StageCurriculumDesign:
		if cfg.SkipValidation {
			return afterApprovalGate(cfg), nil
		}
		return core.StageStructureValidation, nil

	case core.StageStructureValidation:
		if state.ValidationResult == nil {
			return "", core.ErrState(core.CodeInvalidState,
				"structure_validation finished without a validation result")
		}
		if state.ValidationResult.Valid {
			return afterApprovalGate(cfg), nil
		}
		if state.ValidationRetryCount < cfg.MaxValidationRetries {
			return core.StageRoadmapEdit, nil
		}
		// Retries exhausted: force human review even when the skip
		// flag is set, a human is the only way forward.
		return core.StageHumanReview, nil

	case core.StageRoadmapEdit:
		return core.StageStructureValidation, nil

	case core.StageHumanReview:
		if state.HumanApproved {
			return core.StageContentGeneration, nil
		}
		return core.StageRoadmapEdit, nil

	case core.StageContentGeneration:
		if len(state.FailedConcepts) == 0 {
			return core.StageCompleted, nil
		}
		return core.StagePartialFailure, nil

	default:
		return "", core.ErrRouteUndefined(stage)
	}
}

// afterApprovalGate resolves where a structurally acceptable framework
// goes next: to human review, or straight to content generation when
// review is skipped.
func afterApprovalGate(cfg core.WorkflowConfig) core.Stage {
	if cfg.SkipHumanReview {
		return core.StageContentGeneration
	}
	return core.StageHumanReview
}
