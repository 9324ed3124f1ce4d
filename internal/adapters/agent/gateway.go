// Package agent holds the core.Agent adapters: the HTTP model gateway
// used in production and a scripted agent for development and tests.
// Prompt construction and response parsing live behind the gateway;
// the orchestrator only sees the fixed request/result shapes.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/atlasforge-ai/atlasforge/internal/core"
	"github.com/atlasforge-ai/atlasforge/internal/logging"
)

// Gateway calls the AI model gateway over HTTP. One gateway instance
// serves all stages; the stage name selects the prompt template on the
// gateway side.
type Gateway struct {
	baseURL    string
	defaultKey string
	model      string
	client     *http.Client
	logger     *logging.Logger
}

// GatewayConfig configures the HTTP agent.
type GatewayConfig struct {
	BaseURL    string
	DefaultKey string // fallback when a unit has no allocated key
	Model      string
	Timeout    time.Duration
}

// NewGateway creates the HTTP agent.
func NewGateway(cfg GatewayConfig, logger *logging.Logger) *Gateway {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	return &Gateway{
		baseURL:    cfg.BaseURL,
		defaultKey: cfg.DefaultKey,
		model:      cfg.Model,
		client:     &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Name implements core.Agent.
func (g *Gateway) Name() string {
	return "gateway"
}

// Ping implements core.Agent.
func (g *Gateway) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway health check returned %d", resp.StatusCode)
	}
	return nil
}

type gatewayRequest struct {
	Stage   string                 `json:"stage"`
	RunID   string                 `json:"run_id"`
	TraceID string                 `json:"trace_id,omitempty"`
	Model   string                 `json:"model,omitempty"`
	Input   map[string]interface{} `json:"input"`
}

type gatewayResponse struct {
	Output string                 `json:"output,omitempty"`
	Parsed map[string]interface{} `json:"parsed,omitempty"`
	Model  string                 `json:"model,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

// Execute implements core.Agent. Provider failures come back as plain
// errors, never retryable: the engine turns them into failed stages or
// failed units for manual retry.
func (g *Gateway) Execute(ctx context.Context, req core.AgentRequest) (*core.AgentResult, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	body, err := json.Marshal(gatewayRequest{
		Stage:   string(req.Stage),
		RunID:   string(req.RunID),
		TraceID: req.TraceID,
		Model:   g.model,
		Input:   req.Input,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling gateway request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/generate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	key := req.APIKey
	if key == "" {
		key = g.defaultKey
	}
	if key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}

	start := time.Now()
	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling gateway: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("reading gateway response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway returned %d for stage %s: %s",
			resp.StatusCode, req.Stage, g.logger.Sanitize(truncate(string(respBody), 200)))
	}

	var out gatewayResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("decoding gateway response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("gateway error for stage %s: %s", req.Stage, out.Error)
	}

	g.logger.Debug("gateway call complete",
		"stage", req.Stage,
		"run_id", req.RunID,
		"model", out.Model,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return &core.AgentResult{Output: out.Output, Parsed: out.Parsed, Model: out.Model}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
