package job

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasforge-ai/atlasforge/internal/core"
	"github.com/atlasforge-ai/atlasforge/internal/engine"
	"github.com/atlasforge-ai/atlasforge/internal/logging"
)

// funcAgent routes Execute through a test-provided function and tracks
// the peak number of concurrent calls.
type funcAgent struct {
	fn func(core.AgentRequest) (*core.AgentResult, error)

	mu      sync.Mutex
	active  int
	maxSeen int
}

func (a *funcAgent) Name() string               { return "func" }
func (a *funcAgent) Ping(context.Context) error { return nil }

func (a *funcAgent) MaxConcurrent() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.maxSeen
}

func (a *funcAgent) enter() {
	a.mu.Lock()
	a.active++
	if a.active > a.maxSeen {
		a.maxSeen = a.active
	}
	a.mu.Unlock()
}

func (a *funcAgent) leave() {
	a.mu.Lock()
	a.active--
	a.mu.Unlock()
}

func (a *funcAgent) Execute(ctx context.Context, req core.AgentRequest) (*core.AgentResult, error) {
	a.enter()
	defer a.leave()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Millisecond):
	}
	return a.fn(req)
}

// fakeContentRepo records committed batches in order.
type fakeContentRepo struct {
	mu      sync.Mutex
	batches []map[core.ConceptID]string
	refs    map[core.ConceptID]map[core.ContentType]string
	status  map[core.ConceptID]string

	failAfterBatches int // fail SaveContentBatch once this many committed; <0 never
}

func newFakeContentRepo() *fakeContentRepo {
	return &fakeContentRepo{
		refs:             make(map[core.ConceptID]map[core.ContentType]string),
		status:           make(map[core.ConceptID]string),
		failAfterBatches: -1,
	}
}

func (f *fakeContentRepo) SaveContentBatch(_ context.Context, _ core.RunID, ct core.ContentType, refs map[core.ConceptID]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAfterBatches >= 0 && len(f.batches) >= f.failAfterBatches {
		return errors.New("disk full")
	}
	batch := make(map[core.ConceptID]string, len(refs))
	for id, ref := range refs {
		batch[id] = ref
		if f.refs[id] == nil {
			f.refs[id] = make(map[core.ContentType]string)
		}
		f.refs[id][ct] = ref
	}
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakeContentRepo) UpdateFrameworkStatuses(_ context.Context, _ core.RunID, completed, failed []core.ConceptID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range completed {
		f.status[id] = "completed"
	}
	for _, id := range failed {
		f.status[id] = "failed"
	}
	return nil
}

func (f *fakeContentRepo) ContentRefs(context.Context, core.RunID) (map[core.ConceptID]map[core.ContentType]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[core.ConceptID]map[core.ContentType]string, len(f.refs))
	for id, m := range f.refs {
		cp := make(map[core.ContentType]string, len(m))
		for ct, ref := range m {
			cp[ct] = ref
		}
		out[id] = cp
	}
	return out, nil
}

func (f *fakeContentRepo) BatchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func okAgent() *funcAgent {
	return &funcAgent{fn: func(req core.AgentRequest) (*core.AgentResult, error) {
		id := req.Input["concept_id"].(string)
		ct := req.Input["content_type"].(string)
		return &core.AgentResult{Parsed: map[string]interface{}{
			"ref": fmt.Sprintf("content/%s/%s", id, ct),
		}}, nil
	}}
}

func failUnitsAgent(unitIDs ...string) *funcAgent {
	fail := make(map[string]bool, len(unitIDs))
	for _, id := range unitIDs {
		fail[id] = true
	}
	base := okAgent()
	inner := base.fn
	base.fn = func(req core.AgentRequest) (*core.AgentResult, error) {
		uid := req.Input["concept_id"].(string) + "/" + req.Input["content_type"].(string)
		if fail[uid] {
			return nil, errors.New("provider rejected " + uid)
		}
		return inner(req)
	}
	return base
}

func jobConfig() core.WorkflowConfig {
	cfg := core.DefaultWorkflowConfig()
	cfg.ContentConcurrency = 2
	cfg.BatchSize = 4
	cfg.FailureAbortRatio = 0.5
	cfg.UnitTimeout = time.Second
	return cfg
}

func testPayload(cfg core.WorkflowConfig) *core.JobPayload {
	return &core.JobPayload{
		JobID: "job-1",
		RunID: "run-1",
		Framework: &core.Framework{
			Title: "Go",
			Concepts: []core.Concept{
				{ID: "c1", Title: "Goroutines", Order: 1, ContentTypes: core.AllContentTypes()},
				{ID: "c2", Title: "Channels", Order: 2, ContentTypes: core.AllContentTypes()},
				{ID: "c3", Title: "Select", Order: 3, ContentTypes: core.AllContentTypes()},
			},
		},
		Config:     cfg,
		EnqueuedAt: time.Now(),
	}
}

func newTestRunner(agent core.Agent, repo core.ContentRepository, pool ...core.KeyLease) *Runner {
	src := &countingSource{leases: pool}
	return NewRunner(agent, NewKeyAllocator(src), repo, nil, logging.NewNop()).
		WithRetryPolicy(&engine.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1})
}

func TestFlatten(t *testing.T) {
	f := &core.Framework{Concepts: []core.Concept{
		{ID: "c1", ContentTypes: []core.ContentType{core.ContentTypeQuiz}},
		{ID: "c2"}, // no declared types gets all of them
	}}
	units := Flatten(f)
	require.Len(t, units, 4)
	assert.Equal(t, "c1/quiz", units[0].ID())
	assert.Equal(t, "c2/tutorial", units[1].ID())
	for _, u := range units {
		assert.Equal(t, core.UnitStatusPending, u.Status)
	}
}

func TestRunner_AllUnitsComplete(t *testing.T) {
	repo := newFakeContentRepo()
	r := newTestRunner(okAgent(), repo, core.KeyLease{APIKey: "k1", RemainingQuota: 100})

	result, err := r.Run(context.Background(), testPayload(jobConfig()))
	require.NoError(t, err)

	assert.Equal(t, core.JobStatusCompleted, result.Status)
	assert.Equal(t, 9, result.UnitsTotal)
	assert.Equal(t, 9, result.UnitsCompleted)
	assert.Zero(t, result.UnitsFailed)
	assert.Zero(t, result.UnitsSkipped)
	assert.Len(t, result.ContentRefs, 3)
	assert.Equal(t, "content/c1/tutorial", result.ContentRefs["c1"][core.ContentTypeTutorial])

	for _, id := range []core.ConceptID{"c1", "c2", "c3"} {
		assert.Equal(t, "completed", repo.status[id])
	}
}

func TestRunner_SingleUnitFailureIsPartial(t *testing.T) {
	repo := newFakeContentRepo()
	r := newTestRunner(failUnitsAgent("c2/quiz"), repo)

	result, err := r.Run(context.Background(), testPayload(jobConfig()))
	require.NoError(t, err)

	assert.Equal(t, core.JobStatusPartialFailure, result.Status)
	assert.Equal(t, 8, result.UnitsCompleted)
	assert.Equal(t, 1, result.UnitsFailed)

	require.Len(t, result.FailedUnits, 1)
	assert.Equal(t, core.ConceptID("c2"), result.FailedUnits[0].ConceptID)
	assert.Equal(t, core.ContentTypeQuiz, result.FailedUnits[0].Type)
	assert.Contains(t, result.FailedUnits[0].Error, "provider rejected")

	// The concept's other units still committed their refs.
	assert.Equal(t, "content/c2/tutorial", result.ContentRefs["c2"][core.ContentTypeTutorial])
	assert.Empty(t, result.ContentRefs["c2"][core.ContentTypeQuiz])

	assert.Equal(t, []core.ConceptID{"c2"}, result.FailedConceptSet())
	assert.Equal(t, "failed", repo.status["c2"])
	assert.Equal(t, "completed", repo.status["c1"])
}

func TestRunner_AbortEarlyAtBatchBoundary(t *testing.T) {
	repo := newFakeContentRepo()
	agent := &funcAgent{fn: func(core.AgentRequest) (*core.AgentResult, error) {
		return nil, errors.New("provider down")
	}}
	cfg := jobConfig()
	cfg.BatchSize = 3
	r := newTestRunner(agent, repo)

	result, err := r.Run(context.Background(), testPayload(cfg))
	require.NoError(t, err)

	// First wave fails outright; 100% >= 50% stops scheduling.
	assert.Equal(t, core.JobStatusFailed, result.Status)
	assert.Equal(t, 3, result.UnitsFailed)
	assert.Equal(t, 6, result.UnitsSkipped)
	assert.Zero(t, result.UnitsCompleted)
	require.Len(t, result.FailedUnits, 9)

	skipped := 0
	for _, f := range result.FailedUnits {
		if strings.Contains(f.Error, "not scheduled") {
			skipped++
		}
	}
	assert.Equal(t, 6, skipped)
}

func TestRunner_BelowThresholdKeepsScheduling(t *testing.T) {
	repo := newFakeContentRepo()
	// One failure out of each 3-unit wave stays under a 0.5 ratio.
	r := newTestRunner(failUnitsAgent("c1/quiz"), repo)

	cfg := jobConfig()
	cfg.BatchSize = 3
	result, err := r.Run(context.Background(), testPayload(cfg))
	require.NoError(t, err)

	assert.Equal(t, core.JobStatusPartialFailure, result.Status)
	assert.Zero(t, result.UnitsSkipped, "all waves scheduled")
	assert.Equal(t, 8, result.UnitsCompleted)
}

func TestRunner_CommittedBatchesSurviveStoreFailure(t *testing.T) {
	repo := newFakeContentRepo()
	cfg := jobConfig()
	cfg.BatchSize = 3

	r := newTestRunner(okAgent(), repo)

	// Let the first wave commit, then fail persistence.
	repo.failAfterBatches = 1

	_, err := r.Run(context.Background(), testPayload(cfg))
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatInfra))

	// The committed batch is never rolled back.
	assert.Equal(t, 1, repo.BatchCount())
	committed, _ := repo.ContentRefs(context.Background(), "run-1")
	assert.NotEmpty(t, committed)
}

func TestRunner_ConcurrencyIsBounded(t *testing.T) {
	repo := newFakeContentRepo()
	agent := okAgent()
	cfg := jobConfig()
	cfg.ContentConcurrency = 2
	cfg.BatchSize = 9

	r := newTestRunner(agent, repo)
	_, err := r.Run(context.Background(), testPayload(cfg))
	require.NoError(t, err)

	assert.LessOrEqual(t, agent.MaxConcurrent(), 2)
}

func TestRunner_OneCredentialReadPerJob(t *testing.T) {
	src := &countingSource{leases: []core.KeyLease{{APIKey: "k1", RemainingQuota: 100}}}
	r := NewRunner(okAgent(), NewKeyAllocator(src), newFakeContentRepo(), nil, logging.NewNop())

	_, err := r.Run(context.Background(), testPayload(jobConfig()))
	require.NoError(t, err)
	assert.Equal(t, 1, src.Calls())
}

func TestRunner_RejectsInvalidPayload(t *testing.T) {
	r := newTestRunner(okAgent(), newFakeContentRepo())

	p := testPayload(jobConfig())
	p.Framework = nil
	_, err := r.Run(context.Background(), p)
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatValidation))
}

func TestRunner_CancelledJobSkipsRemainingWaves(t *testing.T) {
	repo := newFakeContentRepo()
	ctx, cancel := context.WithCancel(context.Background())

	agent := okAgent()
	inner := agent.fn
	var mu sync.Mutex
	calls := 0
	agent.fn = func(req core.AgentRequest) (*core.AgentResult, error) {
		mu.Lock()
		calls++
		if calls == 3 {
			cancel() // revoke as the first wave finishes
		}
		mu.Unlock()
		return inner(req)
	}

	cfg := jobConfig()
	cfg.BatchSize = 3
	r := newTestRunner(agent, repo)

	result, err := r.Run(ctx, testPayload(cfg))
	require.NoError(t, err)

	assert.Equal(t, core.JobStatusPartialFailure, result.Status)
	assert.Equal(t, 3, result.UnitsCompleted)
	assert.Equal(t, 6, result.UnitsSkipped)
	require.NotEmpty(t, result.FailedUnits)
	for _, f := range result.FailedUnits {
		assert.Equal(t, "job cancelled", f.Error)
	}

	// The first wave's batches stayed committed.
	assert.NotZero(t, repo.BatchCount())
}
