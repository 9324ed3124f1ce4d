// Package stages holds the six stage executors of the content
// pipeline. Each is a pure function over the workflow state: it reads
// what it needs, calls its collaborators, and returns a delta. Stages
// never mutate the state directly.
package stages

import (
	"encoding/json"

	"github.com/atlasforge-ai/atlasforge/internal/core"
)

// decodeParsed maps an agent's parsed output onto a typed value.
// Agents return loosely-typed maps; the stage owns the shape.
func decodeParsed(res *core.AgentResult, out interface{}) error {
	if res == nil || res.Parsed == nil {
		return core.ErrValidation(core.CodeInvalidState, "agent returned no parsed output")
	}
	raw, err := json.Marshal(res.Parsed)
	if err != nil {
		return core.ErrValidation(core.CodeInvalidState, "agent output is not serializable").WithCause(err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return core.ErrValidation(core.CodeInvalidState, "agent output does not match stage contract").WithCause(err)
	}
	return nil
}
