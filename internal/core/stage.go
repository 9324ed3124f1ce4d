package core

import "fmt"

// Stage represents a node in the workflow state machine.
type Stage string

const (
	// StageIntentAnalysis is the first stage where the user request is
	// analyzed to extract learning goals, audience and scope.
	StageIntentAnalysis Stage = "intent_analysis"

	// StageCurriculumDesign produces the roadmap framework: an ordered
	// set of concepts with their enabled content types.
	StageCurriculumDesign Stage = "curriculum_design"

	// StageStructureValidation checks the framework for structural
	// problems (cycles, orphans, missing prerequisites).
	StageStructureValidation Stage = "structure_validation"

	// StageRoadmapEdit revises the framework using validation issues or
	// reviewer feedback. Always routes back to structure_validation.
	StageRoadmapEdit Stage = "roadmap_edit"

	// StageHumanReview is the suspend point. The engine persists state
	// and returns; an external approval resumes the run.
	StageHumanReview Stage = "human_review"

	// StageContentGeneration dispatches the batch content job and folds
	// its results back into the state.
	StageContentGeneration Stage = "content_generation"

	// Terminal stages. They are NOT executable - reaching one ends the run.
	StageCompleted      Stage = "completed"
	StagePartialFailure Stage = "partial_failure"
	StageFailed         Stage = "failed"
)

// ExecutableStages returns the executable stages in nominal order.
func ExecutableStages() []Stage {
	return []Stage{
		StageIntentAnalysis,
		StageCurriculumDesign,
		StageStructureValidation,
		StageRoadmapEdit,
		StageHumanReview,
		StageContentGeneration,
	}
}

// IsTerminal reports whether the stage ends the run.
func (s Stage) IsTerminal() bool {
	switch s {
	case StageCompleted, StagePartialFailure, StageFailed:
		return true
	default:
		return false
	}
}

// ValidStage checks if a stage string is valid.
func ValidStage(s Stage) bool {
	switch s {
	case StageIntentAnalysis, StageCurriculumDesign, StageStructureValidation,
		StageRoadmapEdit, StageHumanReview, StageContentGeneration,
		StageCompleted, StagePartialFailure, StageFailed:
		return true
	default:
		return false
	}
}

// ParseStage converts a string to a Stage with validation.
func ParseStage(s string) (Stage, error) {
	st := Stage(s)
	if !ValidStage(st) {
		return "", fmt.Errorf("invalid stage: %s", s)
	}
	return st, nil
}

// String returns the string representation of the stage.
func (s Stage) String() string {
	return string(s)
}

// Description returns a human-readable description of the stage.
func (s Stage) Description() string {
	switch s {
	case StageIntentAnalysis:
		return "Analyze the user request and extract learning intent"
	case StageCurriculumDesign:
		return "Design the roadmap framework from the analyzed intent"
	case StageStructureValidation:
		return "Validate the framework structure"
	case StageRoadmapEdit:
		return "Revise the framework from validation or reviewer feedback"
	case StageHumanReview:
		return "Await external human approval"
	case StageContentGeneration:
		return "Generate content units for every concept"
	case StageCompleted:
		return "Run completed with all content generated"
	case StagePartialFailure:
		return "Run completed with some failed content units"
	case StageFailed:
		return "Run failed"
	default:
		return "Unknown stage"
	}
}
