package engine

import (
	"context"
	"sync"

	"github.com/atlasforge-ai/atlasforge/internal/core"
)

// memStore is an in-memory CheckpointStore + RunRepository used by the
// engine tests. It survives across engine instances, which is what
// the crash/resume tests rely on.
type memStore struct {
	mu          sync.Mutex
	checkpoints map[core.RunID][]*core.Checkpoint
	runs        map[core.RunID]*core.RunRecord
	saveErr     error // injected SaveCheckpoint failure
}

func newMemStore() *memStore {
	return &memStore{
		checkpoints: make(map[core.RunID][]*core.Checkpoint),
		runs:        make(map[core.RunID]*core.RunRecord),
	}
}

func (m *memStore) SaveCheckpoint(_ context.Context, cp *core.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	for _, existing := range m.checkpoints[cp.RunID] {
		if existing.SequenceID == cp.SequenceID {
			return nil // idempotent re-save
		}
	}
	m.checkpoints[cp.RunID] = append(m.checkpoints[cp.RunID], cp)
	return nil
}

func (m *memStore) LatestCheckpoint(_ context.Context, id core.RunID) (*core.Checkpoint, error) {
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

func (m *memStore) ListCheckpoints(_ context.Context, id core.RunID) ([]core.CheckpointMeta, error) {
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

func (m *memStore) CreateRun(_ context.Context, rec *core.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[rec.RunID]; ok {
		return nil
	}
	cp := *rec
	m.runs[rec.RunID] = &cp
	return nil
}

func (m *memStore) GetRun(_ context.Context, id core.RunID) (*core.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.runs[id]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (m *memStore) UpdateRunStatus(_ context.Context, id core.RunID, status core.RunStatus, stage core.Stage, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.runs[id]; ok {
		rec.Status = status
		rec.CurrentStage = stage
		rec.Error = message
	}
	return nil
}

func (m *memStore) ListRuns(_ context.Context) ([]core.RunSummary, error) {
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

// stubExecutor is a configurable stage executor counting invocations.
type stubExecutor struct {
	stage core.Stage
	fn    func(*core.WorkflowState) (*core.StateDelta, error)

	mu    sync.Mutex
	calls int
}

func (s *stubExecutor) Stage() core.Stage { return s.stage }

func (s *stubExecutor) Execute(_ context.Context, state *core.WorkflowState) (*core.StateDelta, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.fn == nil {
		return &core.StateDelta{}, nil
	}
	return s.fn(state)
}

func (s *stubExecutor) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// stubGate is a suspending stub for the human_review slot.
type stubGate struct {
	stubExecutor
}

func newStubGate() *stubGate {
	g := &stubGate{}
	g.stage = core.StageHumanReview
	g.fn = func(*core.WorkflowState) (*core.StateDelta, error) {
		return nil, ErrAwaitInput
	}
	return g
}

func (g *stubGate) Resume(_ context.Context, _ *core.WorkflowState, decision *core.ReviewDecision) (*core.StateDelta, error) {
	return &core.StateDelta{ReviewDecision: decision}, nil
}
