package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasforge-ai/atlasforge/internal/core"
)

func TestStateManager_Lifecycle(t *testing.T) {
	m := NewStateManager()

	m.Track("run-1", core.RunStatusRunning, core.StageIntentAnalysis)
	lr, ok := m.Get("run-1")
	require.True(t, ok)
	assert.Equal(t, core.StageIntentAnalysis, lr.Stage)

	m.SetStage("run-1", core.StageCurriculumDesign)
	lr, _ = m.Get("run-1")
	assert.Equal(t, core.StageCurriculumDesign, lr.Stage)
	assert.Equal(t, core.RunStatusRunning, lr.Status)

	m.Clear("run-1")
	_, ok = m.Get("run-1")
	assert.False(t, ok)
}

func TestStateManager_SetStageReinsertsResumedRun(t *testing.T) {
	m := NewStateManager()

	// Cleared on suspend, live again on resume.
	m.SetStage("run-1", core.StageContentGeneration)
	lr, ok := m.Get("run-1")
	require.True(t, ok)
	assert.Equal(t, core.StageContentGeneration, lr.Stage)
	assert.Equal(t, core.RunStatusRunning, lr.Status)
}

func TestStateManager_GetReturnsCopy(t *testing.T) {
	m := NewStateManager()
	m.Track("run-1", core.RunStatusRunning, core.StageIntentAnalysis)

	lr, _ := m.Get("run-1")
	lr.Stage = core.StageFailed

	fresh, _ := m.Get("run-1")
	assert.Equal(t, core.StageIntentAnalysis, fresh.Stage)
}

func TestStateManager_List(t *testing.T) {
	m := NewStateManager()
	assert.Empty(t, m.List())

	m.Track("run-1", core.RunStatusRunning, core.StageIntentAnalysis)
	m.Track("run-2", core.RunStatusSuspended, core.StageHumanReview)
	assert.Len(t, m.List(), 2)

	m.SetStatus("run-2", core.RunStatusRunning)
	for _, lr := range m.List() {
		if lr.RunID == "run-2" {
			assert.Equal(t, core.RunStatusRunning, lr.Status)
		}
	}
}
