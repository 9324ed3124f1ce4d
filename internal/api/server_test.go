package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasforge-ai/atlasforge/internal/core"
	"github.com/atlasforge-ai/atlasforge/internal/engine"
	"github.com/atlasforge-ai/atlasforge/internal/events"
	"github.com/atlasforge-ai/atlasforge/internal/logging"
)

// apiStore is an in-memory CheckpointStore + RunRepository backing the
// HTTP tests. Runs started by the detached engine goroutine land here,
// so the tests poll it to observe progress.
type apiStore struct {
	mu          sync.Mutex
	checkpoints map[core.RunID][]*core.Checkpoint
	runs        map[core.RunID]*core.RunRecord
}

func newAPIStore() *apiStore {
	return &apiStore{
		checkpoints: make(map[core.RunID][]*core.Checkpoint),
		runs:        make(map[core.RunID]*core.RunRecord),
	}
}

func (m *apiStore) SaveCheckpoint(_ context.Context, cp *core.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.checkpoints[cp.RunID] {
		if existing.SequenceID == cp.SequenceID {
			return nil
		}
	}
	m.checkpoints[cp.RunID] = append(m.checkpoints[cp.RunID], cp)
	return nil
}

func (m *apiStore) LatestCheckpoint(_ context.Context, id core.RunID) (*core.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain := m.checkpoints[id]
	if len(chain) == 0 {
		return nil, nil
	}
	latest := chain[0]
	for _, cp := range chain[1:] {
		if cp.SequenceID > latest.SequenceID {
			latest = cp
		}
	}
	return latest, nil
}

func (m *apiStore) ListCheckpoints(_ context.Context, id core.RunID) ([]core.CheckpointMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.CheckpointMeta
	for _, cp := range m.checkpoints[id] {
		out = append(out, core.CheckpointMeta{
			RunID:            cp.RunID,
			SequenceID:       cp.SequenceID,
			ParentSequenceID: cp.ParentSequenceID,
			Stage:            cp.Stage,
			CreatedAt:        cp.CreatedAt,
		})
	}
	return out, nil
}

func (m *apiStore) CreateRun(_ context.Context, rec *core.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[rec.RunID]; ok {
		return nil
	}
	cp := *rec
	m.runs[rec.RunID] = &cp
	return nil
}

func (m *apiStore) GetRun(_ context.Context, id core.RunID) (*core.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.runs[id]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (m *apiStore) UpdateRunStatus(_ context.Context, id core.RunID, status core.RunStatus, stage core.Stage, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.runs[id]; ok {
		rec.Status = status
		rec.CurrentStage = stage
		rec.Error = message
	}
	return nil
}

func (m *apiStore) ListRuns(_ context.Context) ([]core.RunSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.RunSummary
	for _, rec := range m.runs {
		out = append(out, core.RunSummary{
			RunID: rec.RunID, Status: rec.Status, CurrentStage: rec.CurrentStage,
		})
	}
	return out, nil
}

func (m *apiStore) seedRun(runID core.RunID, status core.RunStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[runID] = &core.RunRecord{RunID: runID, Status: status, Request: "seeded"}
}

type apiStage struct {
	stage core.Stage
	fn    func(*core.WorkflowState) (*core.StateDelta, error)
}

func (s *apiStage) Stage() core.Stage { return s.stage }

func (s *apiStage) Execute(_ context.Context, state *core.WorkflowState) (*core.StateDelta, error) {
	if s.fn == nil {
		return &core.StateDelta{}, nil
	}
	return s.fn(state)
}

type apiGate struct {
	apiStage
}

func (g *apiGate) Resume(_ context.Context, _ *core.WorkflowState, decision *core.ReviewDecision) (*core.StateDelta, error) {
	return &core.StateDelta{ReviewDecision: decision}, nil
}

// testServer wires a real engine over stub stages behind the HTTP
// handler: intent through validation succeed, review suspends, content
// generation returns one ref per concept.
func testServer(t *testing.T) (*httptest.Server, *apiStore, *events.Bus) {
	t.Helper()

	framework := &core.Framework{
		Title: "Go Basics",
		Concepts: []core.Concept{
			{ID: "c1", Title: "Syntax", Order: 1, ContentTypes: []core.ContentType{core.ContentTypeTutorial}},
			{ID: "c2", Title: "Slices", Order: 2, ContentTypes: []core.ContentType{core.ContentTypeTutorial}},
		},
	}

	gate := &apiGate{}
	gate.stage = core.StageHumanReview
	gate.fn = func(*core.WorkflowState) (*core.StateDelta, error) {
		return nil, engine.ErrAwaitInput
	}

	graph, err := engine.NewBuilder().
		Add(&apiStage{stage: core.StageIntentAnalysis, fn: func(*core.WorkflowState) (*core.StateDelta, error) {
			return &core.StateDelta{IntentAnalysis: &core.IntentAnalysis{Goal: "learn Go"}}, nil
		}}).
		Add(&apiStage{stage: core.StageCurriculumDesign, fn: func(*core.WorkflowState) (*core.StateDelta, error) {
			return &core.StateDelta{Framework: framework, RoadmapID: "rm-1"}, nil
		}}).
		Add(&apiStage{stage: core.StageStructureValidation, fn: func(*core.WorkflowState) (*core.StateDelta, error) {
			return &core.StateDelta{ValidationResult: &core.ValidationResult{Valid: true}}, nil
		}}).
		Add(&apiStage{stage: core.StageRoadmapEdit}).
		Add(gate).
		Add(&apiStage{stage: core.StageContentGeneration, fn: func(s *core.WorkflowState) (*core.StateDelta, error) {
			refs := make(map[core.ConceptID]map[core.ContentType]string)
			for _, c := range s.Framework.Concepts {
				refs[c.ID] = map[core.ContentType]string{core.ContentTypeTutorial: "content/" + string(c.ID)}
			}
			return &core.StateDelta{ContentRefs: refs}, nil
		}}).
		WithSuspendPoint(core.StageHumanReview).
		Build()
	require.NoError(t, err)

	store := newAPIStore()
	eng := engine.New(graph, store, store, logging.NewNop())
	bus := events.New(16)
	t.Cleanup(bus.Close)

	srv := httptest.NewServer(NewServer(eng, store, store, bus, core.DefaultWorkflowConfig(), logging.NewNop()).Handler())
	t.Cleanup(srv.Close)
	return srv, store, bus
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

// waitForRunStatus polls the store until the detached engine goroutine
// moves the run to the wanted status.
func waitForRunStatus(t *testing.T, store *apiStore, runID core.RunID, want core.RunStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := store.GetRun(context.Background(), runID)
		require.NoError(t, err)
		if rec != nil && rec.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s never reached status %s", runID, want)
}

func TestServer_Health(t *testing.T) {
	srv, _, _ := testServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestServer_StartRunRejectsEmptyRequest(t *testing.T) {
	srv, _, _ := testServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/runs", startRunRequest{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_StartRunRejectsMalformedBody(t *testing.T) {
	srv, _, _ := testServer(t)

	resp, err := http.Post(srv.URL+"/api/v1/runs", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_StartSuspendResumeFlow(t *testing.T) {
	srv, store, _ := testServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/runs", startRunRequest{Request: "teach me Go"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var started startRunResponse
	decodeBody(t, resp, &started)
	require.NotEmpty(t, started.RunID)
	assert.Equal(t, core.RunStatusRunning, started.Status)

	// The run proceeds through validation and parks at human review.
	waitForRunStatus(t, store, started.RunID, core.RunStatusSuspended)

	detail := getRun(t, srv.URL, started.RunID)
	assert.Equal(t, core.RunStatusSuspended, detail.Run.Status)
	assert.Equal(t, core.StageHumanReview, detail.Run.CurrentStage)
	assert.Nil(t, detail.Live, "suspended runs are not live")

	resumeResp := postJSON(t, srv.URL+"/api/v1/runs/"+string(started.RunID)+"/resume",
		resumeRunRequest{Approved: true})
	defer resumeResp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resumeResp.StatusCode)

	waitForRunStatus(t, store, started.RunID, core.RunStatusCompleted)

	detail = getRun(t, srv.URL, started.RunID)
	assert.Equal(t, core.StageCompleted, detail.Run.CurrentStage)
}

func getRun(t *testing.T, baseURL string, runID core.RunID) runDetailResponse {
	t.Helper()
	resp, err := http.Get(baseURL + "/api/v1/runs/" + string(runID))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var detail runDetailResponse
	decodeBody(t, resp, &detail)
	return detail
}

func TestServer_GetUnknownRun(t *testing.T) {
	srv, _, _ := testServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/runs/no-such-run")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_ResumeUnknownRun(t *testing.T) {
	srv, _, _ := testServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/runs/no-such-run/resume", resumeRunRequest{Approved: true})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_ResumeNonSuspendedRun(t *testing.T) {
	srv, store, _ := testServer(t)
	store.seedRun("run-busy", core.RunStatusRunning)

	resp := postJSON(t, srv.URL+"/api/v1/runs/run-busy/resume", resumeRunRequest{Approved: true})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestServer_ListRuns(t *testing.T) {
	srv, store, _ := testServer(t)
	store.seedRun("run-a", core.RunStatusCompleted)
	store.seedRun("run-b", core.RunStatusFailed)

	resp, err := http.Get(srv.URL + "/api/v1/runs")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Runs []core.RunSummary `json:"runs"`
	}
	decodeBody(t, resp, &body)
	assert.Len(t, body.Runs, 2)
}

func TestServer_ListCheckpoints(t *testing.T) {
	srv, store, _ := testServer(t)

	started := startRun(t, srv.URL, "teach me Go")
	waitForRunStatus(t, store, started.RunID, core.RunStatusSuspended)

	resp, err := http.Get(srv.URL + "/api/v1/runs/" + string(started.RunID) + "/checkpoints")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Checkpoints []core.CheckpointMeta `json:"checkpoints"`
	}
	decodeBody(t, resp, &body)
	// Initial snapshot plus one per completed stage up to the suspend.
	require.NotEmpty(t, body.Checkpoints)
	assert.Equal(t, started.RunID, body.Checkpoints[0].RunID)
}

func startRun(t *testing.T, baseURL, request string) startRunResponse {
	t.Helper()
	resp := postJSON(t, baseURL+"/api/v1/runs", startRunRequest{Request: request})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var started startRunResponse
	decodeBody(t, resp, &started)
	return started
}

func TestServer_ListCheckpointsUnknownRun(t *testing.T) {
	srv, _, _ := testServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/runs/no-such-run/checkpoints")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_SSEStreamsEvents(t *testing.T) {
	srv, _, bus := testServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Publish until the subscriber goroutine is attached; the bus only
	// delivers to subscriptions that exist at publish time.
	pubCtx, stopPublishing := context.WithCancel(ctx)
	defer stopPublishing()
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-pubCtx.Done():
				return
			case <-ticker.C:
				bus.Publish(core.ProgressEvent{Type: core.EventRunCompleted, RunID: "run-1"})
			}
		}
	}()

	scanner := bufio.NewScanner(resp.Body)
	var eventLine, dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventLine = line
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = line
			break
		}
	}
	require.NoError(t, scanner.Err())

	assert.Equal(t, fmt.Sprintf("event: %s", core.EventRunCompleted), eventLine)

	var ev core.ProgressEvent
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(dataLine, "data: ")), &ev))
	assert.Equal(t, core.RunID("run-1"), ev.RunID)
}
