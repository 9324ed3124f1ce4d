package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/atlasforge-ai/atlasforge/internal/core"
)

// ErrAwaitInput is the sentinel a suspending executor returns instead
// of a delta: the run must persist and wait for external input.
var ErrAwaitInput = errors.New("awaiting external input")

// StageExecutor runs one stage against the current state and returns
// the delta to merge. Executors never mutate the state directly.
type StageExecutor interface {
	Stage() core.Stage
	Execute(ctx context.Context, state *core.WorkflowState) (*core.StateDelta, error)
}

// SuspendingExecutor is a stage that can suspend the run and later
// consume an external decision as its result.
type SuspendingExecutor interface {
	StageExecutor

	// Resume turns the injected decision into this stage's delta.
	Resume(ctx context.Context, state *core.WorkflowState, decision *core.ReviewDecision) (*core.StateDelta, error)
}

// Graph is the executable stage machine: executors plus the routing
// function, with exactly one explicit suspend point.
type Graph struct {
	nodes     map[core.Stage]StageExecutor
	suspendAt core.Stage
}

// Node returns the executor for a stage.
func (g *Graph) Node(stage core.Stage) (StageExecutor, bool) {
	n, ok := g.nodes[stage]
	return n, ok
}

// SuspendPoint returns the stage at which the graph suspends.
func (g *Graph) SuspendPoint() core.Stage {
	return g.suspendAt
}

// Builder assembles executors into a validated graph.
type Builder struct {
	nodes     map[core.Stage]StageExecutor
	suspendAt core.Stage
}

// NewBuilder creates an empty graph builder.
func NewBuilder() *Builder {
	return &Builder{nodes: make(map[core.Stage]StageExecutor)}
}

// Add registers a stage executor. The last registration per stage wins.
func (b *Builder) Add(exec StageExecutor) *Builder {
	b.nodes[exec.Stage()] = exec
	return b
}

// WithSuspendPoint marks the stage at which execution suspends for
// external input.
func (b *Builder) WithSuspendPoint(stage core.Stage) *Builder {
	b.suspendAt = stage
	return b
}

// Build validates the assembly: every executable stage needs an
// executor, and the suspend point must be a registered SuspendingExecutor.
func (b *Builder) Build() (*Graph, error) {
	for _, stage := range core.ExecutableStages() {
		if _, ok := b.nodes[stage]; !ok {
			return nil, core.ErrState(core.CodeInvalidState,
				fmt.Sprintf("graph has no executor for stage %s", stage))
		}
	}
	for stage := range b.nodes {
		if !core.ValidStage(stage) || stage.IsTerminal() {
			return nil, core.ErrState(core.CodeInvalidState,
				fmt.Sprintf("graph has executor for non-executable stage %s", stage))
		}
	}
	if b.suspendAt == "" {
		return nil, core.ErrState(core.CodeInvalidState, "graph has no suspend point")
	}
	if _, ok := b.nodes[b.suspendAt].(SuspendingExecutor); !ok {
		return nil, core.ErrState(core.CodeInvalidState,
			fmt.Sprintf("suspend point %s is not a suspending executor", b.suspendAt))
	}
	return &Graph{nodes: b.nodes, suspendAt: b.suspendAt}, nil
}
