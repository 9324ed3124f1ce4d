package stages

import (
	"context"
	"fmt"

	"github.com/atlasforge-ai/atlasforge/internal/core"
	"github.com/atlasforge-ai/atlasforge/internal/logging"
)

// StructureValidator checks the roadmap framework for structural
// defects. An invalid result is a legitimate outcome routed to
// roadmap_edit, never an error.
type StructureValidator struct {
	logger *logging.Logger
}

// NewStructureValidator creates the structure_validation executor.
func NewStructureValidator(logger *logging.Logger) *StructureValidator {
	return &StructureValidator{logger: logger}
}

// Stage implements engine.StageExecutor.
func (v *StructureValidator) Stage() core.Stage {
	return core.StageStructureValidation
}

// Execute implements engine.StageExecutor.
func (v *StructureValidator) Execute(ctx context.Context, state *core.WorkflowState) (*core.StateDelta, error) {
	if state.Framework == nil {
		return nil, core.ErrState(core.CodeInvalidState, "structure validation requires a framework")
	}

	issues := validateFramework(state.Framework)
	result := &core.ValidationResult{
		Valid:  len(issues) == 0,
		Issues: issues,
	}

	v.logger.WithRun(string(state.RunID)).Info("framework validated",
		"valid", result.Valid,
		"issues", len(issues),
		"retry", state.ValidationRetryCount,
	)
	return &core.StateDelta{ValidationResult: result}, nil
}

func validateFramework(fw *core.Framework) []string {
	var issues []string

	if fw.Title == "" {
		issues = append(issues, "framework has no title")
	}
	if len(fw.Concepts) == 0 {
		issues = append(issues, "framework has no concepts")
		return issues
	}

	seenIDs := make(map[core.ConceptID]bool, len(fw.Concepts))
	seenOrder := make(map[int]core.ConceptID, len(fw.Concepts))
	for _, c := range fw.Concepts {
		switch {
		case c.ID == "":
			issues = append(issues, fmt.Sprintf("concept %q has no id", c.Title))
		case seenIDs[c.ID]:
			issues = append(issues, fmt.Sprintf("duplicate concept id %q", c.ID))
		default:
			seenIDs[c.ID] = true
		}

		if c.Title == "" {
			issues = append(issues, fmt.Sprintf("concept %q has no title", c.ID))
		}
		if c.Order < 1 {
			issues = append(issues, fmt.Sprintf("concept %q has invalid order %d", c.ID, c.Order))
		} else if prev, dup := seenOrder[c.Order]; dup {
			issues = append(issues, fmt.Sprintf("concepts %q and %q share order %d", prev, c.ID, c.Order))
		} else {
			seenOrder[c.Order] = c.ID
		}

		if len(c.ContentTypes) == 0 {
			issues = append(issues, fmt.Sprintf("concept %q enables no content types", c.ID))
		}
		for _, ct := range c.ContentTypes {
			if !core.ValidContentType(ct) {
				issues = append(issues, fmt.Sprintf("concept %q has unknown content type %q", c.ID, ct))
			}
		}
	}
	return issues
}
