package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasforge-ai/atlasforge/internal/core"
	"github.com/atlasforge-ai/atlasforge/internal/logging"
)

func TestGateway_Execute(t *testing.T) {
	var seen gatewayRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/generate", r.URL.Path)
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&seen))
		_ = json.NewEncoder(w).Encode(gatewayResponse{
			Parsed: map[string]interface{}{"goal": "learn Go"},
			Model:  "test-model",
		})
	}))
	defer srv.Close()

	g := NewGateway(GatewayConfig{BaseURL: srv.URL, Model: "test-model"}, logging.NewNop())
	res, err := g.Execute(context.Background(), core.AgentRequest{
		Stage:  core.StageIntentAnalysis,
		RunID:  "run-1",
		APIKey: "unit-key",
		Input:  map[string]interface{}{"request": "teach me Go"},
	})
	require.NoError(t, err)
	assert.Equal(t, "learn Go", res.Parsed["goal"])
	assert.Equal(t, "test-model", res.Model)

	assert.Equal(t, "intent_analysis", seen.Stage)
	assert.Equal(t, "run-1", seen.RunID)
	assert.Equal(t, "teach me Go", seen.Input["request"])
	assert.Equal(t, "Bearer unit-key", auth, "per-unit key wins over the default")
}

func TestGateway_FallsBackToDefaultKey(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(gatewayResponse{Parsed: map[string]interface{}{"ok": true}})
	}))
	defer srv.Close()

	g := NewGateway(GatewayConfig{BaseURL: srv.URL, DefaultKey: "fallback"}, logging.NewNop())
	_, err := g.Execute(context.Background(), core.AgentRequest{Stage: core.StageIntentAnalysis})
	require.NoError(t, err)
	assert.Equal(t, "Bearer fallback", auth)
}

func TestGateway_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	g := NewGateway(GatewayConfig{BaseURL: srv.URL}, logging.NewNop())
	_, err := g.Execute(context.Background(), core.AgentRequest{Stage: core.StageCurriculumDesign})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.False(t, core.IsRetryable(err), "provider failures are left for manual retry")
}

func TestGateway_ApplicationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(gatewayResponse{Error: "prompt template missing"})
	}))
	defer srv.Close()

	g := NewGateway(GatewayConfig{BaseURL: srv.URL}, logging.NewNop())
	_, err := g.Execute(context.Background(), core.AgentRequest{Stage: core.StageRoadmapEdit})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prompt template missing")
}

func TestGateway_RequestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	g := NewGateway(GatewayConfig{BaseURL: srv.URL}, logging.NewNop())
	_, err := g.Execute(context.Background(), core.AgentRequest{
		Stage:   core.StageContentGeneration,
		Timeout: 20 * time.Millisecond,
	})
	require.Error(t, err)
}

func TestGateway_Ping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	g := NewGateway(GatewayConfig{BaseURL: srv.URL}, logging.NewNop())
	assert.NoError(t, g.Ping(context.Background()))

	down := NewGateway(GatewayConfig{BaseURL: "http://127.0.0.1:1"}, logging.NewNop())
	assert.Error(t, down.Ping(context.Background()))
}
