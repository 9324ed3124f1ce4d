package engine

import (
	"sync"
	"time"

	"github.com/atlasforge-ai/atlasforge/internal/core"
)

// LiveRun is the in-memory progress view of one active run.
type LiveRun struct {
	RunID     core.RunID     `json:"run_id"`
	Status    core.RunStatus `json:"status"`
	Stage     core.Stage     `json:"stage"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// StateManager tracks the current stage of live runs for progress
// queries. It has a defined lifecycle: insert on run start, clear on
// terminal stage. It is injected, never ambient.
type StateManager struct {
	mu   sync.RWMutex
	runs map[core.RunID]*LiveRun
}

// NewStateManager creates an empty tracker.
func NewStateManager() *StateManager {
	return &StateManager{runs: make(map[core.RunID]*LiveRun)}
}

// Track registers a run at its current stage.
func (m *StateManager) Track(id core.RunID, status core.RunStatus, stage core.Stage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[id] = &LiveRun{RunID: id, Status: status, Stage: stage, UpdatedAt: time.Now()}
}

// SetStage updates the stage of a tracked run. Untracked runs are
// re-inserted: a resumed run is live again.
func (m *StateManager) SetStage(id core.RunID, stage core.Stage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lr, ok := m.runs[id]
	if !ok {
		lr = &LiveRun{RunID: id}
		m.runs[id] = lr
	}
	lr.Stage = stage
	lr.Status = core.RunStatusRunning
	lr.UpdatedAt = time.Now()
}

// SetStatus updates the status of a tracked run.
func (m *StateManager) SetStatus(id core.RunID, status core.RunStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lr, ok := m.runs[id]; ok {
		lr.Status = status
		lr.UpdatedAt = time.Now()
	}
}

// Get returns a copy of the live view for a run.
func (m *StateManager) Get(id core.RunID) (LiveRun, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lr, ok := m.runs[id]
	if !ok {
		return LiveRun{}, false
	}
	return *lr, true
}

// List returns copies of all live runs.
func (m *StateManager) List() []LiveRun {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]LiveRun, 0, len(m.runs))
	for _, lr := range m.runs {
		out = append(out, *lr)
	}
	return out
}

// Clear removes a run from the tracker. Called when the run reaches a
// terminal stage or suspends.
func (m *StateManager) Clear(id core.RunID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, id)
}
