package core

import (
	"fmt"
	"time"
)

// RunID uniquely identifies a workflow run.
type RunID string

// ConceptID identifies one concept within a roadmap framework.
type ConceptID string

// RunStatus represents the externally visible state of a run.
type RunStatus string

const (
	RunStatusPending        RunStatus = "pending"
	RunStatusRunning        RunStatus = "running"
	RunStatusSuspended      RunStatus = "suspended"
	RunStatusCompleted      RunStatus = "completed"
	RunStatusPartialFailure RunStatus = "partial_failure"
	RunStatusFailed         RunStatus = "failed"
)

// IsTerminal reports whether the status is final.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusPartialFailure, RunStatusFailed:
		return true
	default:
		return false
	}
}

// IntentAnalysis is the output of the intent_analysis stage.
type IntentAnalysis struct {
	Goal       string   `json:"goal"`
	Audience   string   `json:"audience,omitempty"`
	SkillLevel string   `json:"skill_level,omitempty"`
	Topics     []string `json:"topics,omitempty"`
	Notes      string   `json:"notes,omitempty"`
}

// Concept is one node of the roadmap framework.
type Concept struct {
	ID           ConceptID     `json:"id"`
	Title        string        `json:"title"`
	Summary      string        `json:"summary,omitempty"`
	Order        int           `json:"order"`
	ContentTypes []ContentType `json:"content_types"`
}

// Framework is the curriculum structure produced by curriculum_design
// and revised by roadmap_edit.
type Framework struct {
	Title    string    `json:"title"`
	Concepts []Concept `json:"concepts"`
}

// ConceptByID returns the concept with the given id.
func (f *Framework) ConceptByID(id ConceptID) (Concept, bool) {
	for _, c := range f.Concepts {
		if c.ID == id {
			return c, true
		}
	}
	return Concept{}, false
}

// ValidationResult is the output of the structure_validation stage.
// An invalid result is a legitimate outcome, not an error.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Issues []string `json:"issues,omitempty"`
}

// ReviewDecision is the external input injected when a suspended run
// is resumed.
type ReviewDecision struct {
	Approved bool   `json:"approved"`
	Feedback string `json:"feedback,omitempty"`
}

// StageRecord is one entry of a run's execution history.
type StageRecord struct {
	Stage      Stage     `json:"stage"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Error      string    `json:"error,omitempty"`
}

// WorkflowConfig holds the per-run knobs. Immutable once a run starts.
type WorkflowConfig struct {
	SkipValidation       bool          `json:"skip_validation"`
	SkipHumanReview      bool          `json:"skip_human_review"`
	MaxValidationRetries int           `json:"max_validation_retries"`
	ContentConcurrency   int           `json:"content_concurrency"`
	BatchSize            int           `json:"batch_size"`
	FailureAbortRatio    float64       `json:"failure_abort_ratio"`
	MinKeyQuota          int           `json:"min_key_quota"`
	UnitTimeout          time.Duration `json:"unit_timeout"`
	JobSoftTimeout       time.Duration `json:"job_soft_timeout"`
	JobHardTimeout       time.Duration `json:"job_hard_timeout"`
}

// DefaultWorkflowConfig returns the defaults used when a run does not
// override anything. The abort ratio and batch size were tuned
// empirically and are deliberately configuration, not constants.
func DefaultWorkflowConfig() WorkflowConfig {
	return WorkflowConfig{
		MaxValidationRetries: 3,
		ContentConcurrency:   30,
		BatchSize:            10,
		FailureAbortRatio:    0.5,
		MinKeyQuota:          10,
		UnitTimeout:          5 * time.Minute,
		JobSoftTimeout:       25 * time.Minute,
		JobHardTimeout:       30 * time.Minute,
	}
}

// Validate checks config invariants.
func (c WorkflowConfig) Validate() error {
	if c.MaxValidationRetries < 0 {
		return ErrValidation(CodeInvalidConfig, "max_validation_retries cannot be negative")
	}
	if c.ContentConcurrency < 1 {
		return ErrValidation(CodeInvalidConfig, "content_concurrency must be at least 1")
	}
	if c.BatchSize < 1 {
		return ErrValidation(CodeInvalidConfig, "batch_size must be at least 1")
	}
	if c.FailureAbortRatio <= 0 || c.FailureAbortRatio > 1 {
		return ErrValidation(CodeInvalidConfig, "failure_abort_ratio must be in (0, 1]")
	}
	if c.JobSoftTimeout > c.JobHardTimeout {
		return ErrValidation(CodeInvalidConfig, "job_soft_timeout cannot exceed job_hard_timeout")
	}
	return nil
}

// WorkflowState is the single mutable value threaded through the stage
// machine. It is mutated only by merging stage deltas.
type WorkflowState struct {
	RunID       RunID  `json:"run_id"`
	TraceID     string `json:"trace_id"`
	UserRequest string `json:"user_request"`
	RoadmapID   string `json:"roadmap_id,omitempty"`

	IntentAnalysis   *IntentAnalysis   `json:"intent_analysis,omitempty"`
	Framework        *Framework        `json:"framework,omitempty"`
	ValidationResult *ValidationResult `json:"validation_result,omitempty"`

	ContentRefs    map[ConceptID]map[ContentType]string `json:"content_refs,omitempty"`
	FailedConcepts map[ConceptID]bool                   `json:"failed_concepts,omitempty"`

	CurrentStage         Stage  `json:"current_stage"`
	ValidationRetryCount int    `json:"validation_retry_count"`
	RetriesExhausted     bool   `json:"retries_exhausted,omitempty"`
	HumanApproved        bool   `json:"human_approved"`
	HumanFeedback        string `json:"human_feedback,omitempty"`

	History []StageRecord `json:"history"`

	Config    WorkflowConfig `json:"config"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// NewWorkflowState creates the initial state for a run.
func NewWorkflowState(id RunID, traceID, request string, cfg WorkflowConfig) *WorkflowState {
	now := time.Now()
	return &WorkflowState{
		RunID:          id,
		TraceID:        traceID,
		UserRequest:    request,
		CurrentStage:   StageIntentAnalysis,
		ContentRefs:    make(map[ConceptID]map[ContentType]string),
		FailedConcepts: make(map[ConceptID]bool),
		Config:         cfg,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Validate checks state invariants.
func (s *WorkflowState) Validate() error {
	if s.RunID == "" {
		return ErrValidation(CodeRunIDRequired, "run ID cannot be empty")
	}
	if s.UserRequest == "" {
		return ErrValidation(CodeEmptyRequest, "user request cannot be empty")
	}
	if !ValidStage(s.CurrentStage) {
		return ErrValidation(CodeInvalidState, fmt.Sprintf("invalid stage %q", s.CurrentStage))
	}
	return nil
}

// StateDelta is the output contract of a stage executor. Only set
// fields are applied. ContentRefs and FailedConcepts merge
// commutatively: concurrent producers append independent sub-keys.
type StateDelta struct {
	IntentAnalysis   *IntentAnalysis                      `json:"intent_analysis,omitempty"`
	RoadmapID        string                               `json:"roadmap_id,omitempty"`
	Framework        *Framework                           `json:"framework,omitempty"`
	ValidationResult *ValidationResult                    `json:"validation_result,omitempty"`
	ContentRefs      map[ConceptID]map[ContentType]string `json:"content_refs,omitempty"`
	FailedConcepts   []ConceptID                          `json:"failed_concepts,omitempty"`
	ReviewDecision   *ReviewDecision                      `json:"review_decision,omitempty"`
}

// Merge applies a delta to the state. Every merge point validates the
// incoming fragment so a misbehaving executor cannot corrupt the run.
func (s *WorkflowState) Merge(d *StateDelta) error {
	if d == nil {
		return nil
	}
	if d.IntentAnalysis != nil {
		if d.IntentAnalysis.Goal == "" {
			return ErrValidation(CodeInvalidIntent, "intent analysis has no goal")
		}
		s.IntentAnalysis = d.IntentAnalysis
	}
	if d.Framework != nil {
		if len(d.Framework.Concepts) == 0 {
			return ErrValidation(CodeEmptyFramework, "framework delta has no concepts")
		}
		seen := make(map[ConceptID]bool, len(d.Framework.Concepts))
		for _, c := range d.Framework.Concepts {
			if c.ID == "" {
				return ErrValidation(CodeInvalidConcept, "framework concept with empty id")
			}
			if seen[c.ID] {
				return ErrValidation(CodeInvalidConcept, fmt.Sprintf("duplicate concept id %q", c.ID))
			}
			seen[c.ID] = true
		}
		s.Framework = d.Framework
	}
	if d.RoadmapID != "" {
		s.RoadmapID = d.RoadmapID
	}
	if d.ValidationResult != nil {
		s.ValidationResult = d.ValidationResult
	}
	if d.ReviewDecision != nil {
		s.HumanApproved = d.ReviewDecision.Approved
		s.HumanFeedback = d.ReviewDecision.Feedback
	}
	if len(d.ContentRefs) > 0 {
		if s.ContentRefs == nil {
			s.ContentRefs = make(map[ConceptID]map[ContentType]string)
		}
		for cid, byType := range d.ContentRefs {
			if s.ContentRefs[cid] == nil {
				s.ContentRefs[cid] = make(map[ContentType]string, len(byType))
			}
			for ct, ref := range byType {
				s.ContentRefs[cid][ct] = ref
			}
		}
	}
	if len(d.FailedConcepts) > 0 {
		if s.FailedConcepts == nil {
			s.FailedConcepts = make(map[ConceptID]bool)
		}
		for _, cid := range d.FailedConcepts {
			s.FailedConcepts[cid] = true
		}
	}
	s.UpdatedAt = time.Now()
	return nil
}

// RecordStage appends an execution history entry.
func (s *WorkflowState) RecordStage(stage Stage, started time.Time, err error) {
	rec := StageRecord{Stage: stage, StartedAt: started, FinishedAt: time.Now()}
	if err != nil {
		rec.Error = err.Error()
	}
	s.History = append(s.History, rec)
}

// RunSummary is a lightweight listing row.
type RunSummary struct {
	RunID        RunID     `json:"run_id"`
	Status       RunStatus `json:"status"`
	CurrentStage Stage     `json:"current_stage"`
	Request      string    `json:"request"` // truncated for display
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// RunRecord is the persisted run row the orchestrator owns.
type RunRecord struct {
	RunID        RunID     `json:"run_id"`
	TraceID      string    `json:"trace_id"`
	Status       RunStatus `json:"status"`
	CurrentStage Stage     `json:"current_stage"`
	Request      string    `json:"request"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
