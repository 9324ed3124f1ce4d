package agent

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/atlasforge-ai/atlasforge/internal/core"
)

// ScriptedResponse is one canned reply, keyed by stage in the script
// file. For content_generation, FailUnits lists unit ids
// ("conceptId/type") that should fail instead of producing a ref.
type ScriptedResponse struct {
	Parsed    map[string]interface{} `yaml:"parsed,omitempty"`
	Output    string                 `yaml:"output,omitempty"`
	Error     string                 `yaml:"error,omitempty"`
	DelayMs   int                    `yaml:"delay_ms,omitempty"`
	FailUnits []string               `yaml:"fail_units,omitempty"`
}

// Scripted is a deterministic core.Agent driven by a YAML script.
// Used for local development without a gateway and for tests.
type Scripted struct {
	mu        sync.Mutex
	responses map[string]ScriptedResponse
	calls     map[string]int
}

// NewScripted creates a scripted agent from in-memory responses.
func NewScripted(responses map[string]ScriptedResponse) *Scripted {
	return &Scripted{
		responses: responses,
		calls:     make(map[string]int),
	}
}

// LoadScript reads a YAML script file mapping stage names to
// responses.
func LoadScript(path string) (*Scripted, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading agent script: %w", err)
	}
	var responses map[string]ScriptedResponse
	if err := yaml.Unmarshal(data, &responses); err != nil {
		return nil, fmt.Errorf("parsing agent script: %w", err)
	}
	return NewScripted(responses), nil
}

// Name implements core.Agent.
func (s *Scripted) Name() string {
	return "scripted"
}

// Ping implements core.Agent.
func (s *Scripted) Ping(context.Context) error {
	return nil
}

// Calls returns how many times a stage has been executed.
func (s *Scripted) Calls(stage core.Stage) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[string(stage)]
}

// Execute implements core.Agent.
func (s *Scripted) Execute(ctx context.Context, req core.AgentRequest) (*core.AgentResult, error) {
	s.mu.Lock()
	s.calls[string(req.Stage)]++
	resp, ok := s.responses[string(req.Stage)]
	s.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("no scripted response for stage %s", req.Stage)
	}
	if resp.DelayMs > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(resp.DelayMs) * time.Millisecond):
		}
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%s", resp.Error)
	}

	if req.Stage == core.StageContentGeneration {
		return s.generateUnit(req, resp)
	}
	return &core.AgentResult{Output: resp.Output, Parsed: resp.Parsed, Model: "scripted"}, nil
}

// generateUnit synthesizes a content ref per unit unless the script
// marks that unit as failing.
func (s *Scripted) generateUnit(req core.AgentRequest, resp ScriptedResponse) (*core.AgentResult, error) {
	conceptID, _ := req.Input["concept_id"].(string)
	contentType, _ := req.Input["content_type"].(string)
	unitID := conceptID + "/" + contentType

	for _, f := range resp.FailUnits {
		if f == unitID {
			return nil, fmt.Errorf("scripted failure for unit %s", unitID)
		}
	}

	parsed := map[string]interface{}{
		"ref": fmt.Sprintf("content/%s/%s/%s", req.RunID, conceptID, contentType),
	}
	for k, v := range resp.Parsed {
		parsed[k] = v
	}
	return &core.AgentResult{Parsed: parsed, Model: "scripted"}, nil
}
