package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/atlasforge-ai/atlasforge/internal/core"
	"github.com/atlasforge-ai/atlasforge/internal/engine"
)

// startRunRequest is the POST /runs body. Zero-valued knobs fall back
// to the process defaults.
type startRunRequest struct {
	Request         string `json:"request"`
	TraceID         string `json:"trace_id,omitempty"`
	SkipValidation  *bool  `json:"skip_validation,omitempty"`
	SkipHumanReview *bool  `json:"skip_human_review,omitempty"`
}

type startRunResponse struct {
	RunID  core.RunID     `json:"run_id"`
	Status core.RunStatus `json:"status"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, core.ErrValidation(core.CodeEmptyRequest, "malformed request body"))
		return
	}
	if req.Request == "" {
		respondError(w, core.ErrValidation(core.CodeEmptyRequest, "request cannot be empty"))
		return
	}

	cfg := s.runConfig
	if req.SkipValidation != nil {
		cfg.SkipValidation = *req.SkipValidation
	}
	if req.SkipHumanReview != nil {
		cfg.SkipHumanReview = *req.SkipHumanReview
	}

	traceID := req.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}
	state := core.NewWorkflowState(core.RunID(uuid.NewString()), traceID, req.Request, cfg)

	// The run outlives the HTTP request; progress is observable via
	// the status endpoints and the event stream.
	go func() {
		if _, err := s.engine.Execute(context.Background(), state); err != nil {
			s.logger.Error("run failed", "run_id", state.RunID, "error", err)
		}
	}()

	respondJSON(w, http.StatusAccepted, startRunResponse{RunID: state.RunID, Status: core.RunStatusRunning})
}

type resumeRunRequest struct {
	Approved bool   `json:"approved"`
	Feedback string `json:"feedback,omitempty"`
}

func (s *Server) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	runID := core.RunID(chi.URLParam(r, "runID"))
	if runID == "" {
		respondError(w, core.ErrValidation(core.CodeRunIDRequired, "run id is required"))
		return
	}

	var req resumeRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, core.ErrValidation(core.CodeEmptyRequest, "malformed request body"))
		return
	}

	// Validate the run is actually resumable before detaching, so the
	// caller gets a synchronous 404/409 instead of a silent no-op.
	rec, err := s.runs.GetRun(r.Context(), runID)
	if err != nil {
		respondError(w, err)
		return
	}
	if rec == nil {
		respondError(w, core.ErrNotFound("run", string(runID)))
		return
	}
	if rec.Status != core.RunStatusSuspended {
		respondError(w, core.ErrState(core.CodeNotSuspended, "run is not awaiting review"))
		return
	}

	decision := core.ReviewDecision{Approved: req.Approved, Feedback: req.Feedback}
	go func() {
		if _, err := s.engine.Resume(context.Background(), runID, decision); err != nil {
			s.logger.Error("resume failed", "run_id", runID, "error", err)
		}
	}()

	respondJSON(w, http.StatusAccepted, startRunResponse{RunID: runID, Status: core.RunStatusRunning})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.runs.ListRuns(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

type runDetailResponse struct {
	Run  *core.RunRecord `json:"run"`
	Live *engine.LiveRun `json:"live,omitempty"`
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := core.RunID(chi.URLParam(r, "runID"))
	rec, err := s.runs.GetRun(r.Context(), runID)
	if err != nil {
		respondError(w, err)
		return
	}
	if rec == nil {
		respondError(w, core.ErrNotFound("run", string(runID)))
		return
	}

	resp := runDetailResponse{Run: rec}
	if live, ok := s.engine.StateManager().Get(runID); ok {
		resp.Live = &live
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	runID := core.RunID(chi.URLParam(r, "runID"))
	metas, err := s.checkpoints.ListCheckpoints(r.Context(), runID)
	if err != nil {
		respondError(w, err)
		return
	}
	if len(metas) == 0 {
		respondError(w, core.ErrNotFound("run", string(runID)))
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"checkpoints": metas})
}
