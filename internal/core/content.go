package core

import (
	"fmt"
	"time"
)

// ContentType is one kind of generated content unit.
type ContentType string

const (
	ContentTypeTutorial ContentType = "tutorial"
	ContentTypeResource ContentType = "resource"
	ContentTypeQuiz     ContentType = "quiz"
)

// AllContentTypes returns the known content types.
func AllContentTypes() []ContentType {
	return []ContentType{ContentTypeTutorial, ContentTypeResource, ContentTypeQuiz}
}

// ValidContentType checks if a content type string is valid.
func ValidContentType(t ContentType) bool {
	switch t {
	case ContentTypeTutorial, ContentTypeResource, ContentTypeQuiz:
		return true
	default:
		return false
	}
}

// UnitStatus is the lifecycle state of one content unit.
type UnitStatus string

const (
	UnitStatusPending    UnitStatus = "pending"
	UnitStatusGenerating UnitStatus = "generating"
	UnitStatusCompleted  UnitStatus = "completed"
	UnitStatusFailed     UnitStatus = "failed"
)

// ContentUnit is one (concept, content type) generation task. It is
// owned exclusively by the job that created it and folds into
// WorkflowState.ContentRefs on completion.
type ContentUnit struct {
	ConceptID ConceptID   `json:"concept_id"`
	Type      ContentType `json:"type"`
	Status    UnitStatus  `json:"status"`
	ResultRef string      `json:"result_ref,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// ID returns the stable unit identifier used for key assignment and
// failure reporting.
func (u ContentUnit) ID() string {
	return fmt.Sprintf("%s/%s", u.ConceptID, u.Type)
}

// UnitFailure identifies exactly which unit failed, so callers can
// retry precisely.
type UnitFailure struct {
	ConceptID ConceptID   `json:"concept_id"`
	Type      ContentType `json:"type"`
	Error     string      `json:"error"`
}

// KeyLease is one rate-limited external credential. The allocator
// holds an immutable in-memory snapshot per job; the shared credential
// table is never re-queried per unit.
type KeyLease struct {
	APIKey         string `json:"api_key"`
	RemainingQuota int    `json:"remaining_quota"`
	AssignedTo     string `json:"assigned_to,omitempty"`
}

// JobStatus is the lifecycle state of one dispatched content job.
type JobStatus string

const (
	JobStatusQueued         JobStatus = "queued"
	JobStatusRunning        JobStatus = "running"
	JobStatusCompleted      JobStatus = "completed"
	JobStatusPartialFailure JobStatus = "partial_failure"
	JobStatusFailed         JobStatus = "failed"
	JobStatusRevoked        JobStatus = "revoked"
)

// IsTerminal reports whether the job status is final.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusPartialFailure, JobStatusFailed, JobStatusRevoked:
		return true
	default:
		return false
	}
}

// JobPayload is the serialized state a dispatched job needs. It is
// self-contained: the worker never reads workflow checkpoints.
type JobPayload struct {
	JobID       string            `json:"job_id"`
	RunID       RunID             `json:"run_id"`
	TraceID     string            `json:"trace_id,omitempty"`
	Framework   *Framework        `json:"framework"`
	Preferences map[string]string `json:"preferences,omitempty"`
	Config      WorkflowConfig    `json:"config"`
	EnqueuedAt  time.Time         `json:"enqueued_at"`
}

// Validate checks payload invariants before enqueue.
func (p *JobPayload) Validate() error {
	if p.JobID == "" {
		return ErrValidation(CodeInvalidState, "job payload has no job id")
	}
	if p.RunID == "" {
		return ErrValidation(CodeRunIDRequired, "job payload has no run id")
	}
	if p.Framework == nil || len(p.Framework.Concepts) == 0 {
		return ErrValidation(CodeEmptyFramework, "job payload has no framework concepts")
	}
	return nil
}

// JobResult is the aggregate outcome of one content job.
type JobResult struct {
	JobID          string                               `json:"job_id"`
	RunID          RunID                                `json:"run_id"`
	Status         JobStatus                            `json:"status"`
	ContentRefs    map[ConceptID]map[ContentType]string `json:"content_refs,omitempty"`
	FailedUnits    []UnitFailure                        `json:"failed_units,omitempty"`
	UnitsTotal     int                                  `json:"units_total"`
	UnitsCompleted int                                  `json:"units_completed"`
	UnitsFailed    int                                  `json:"units_failed"`
	UnitsSkipped   int                                  `json:"units_skipped"`
	Duration       time.Duration                        `json:"duration"`
}

// FailedConceptSet returns the distinct concepts with at least one
// failed unit.
func (r *JobResult) FailedConceptSet() []ConceptID {
	seen := make(map[ConceptID]bool)
	var out []ConceptID
	for _, f := range r.FailedUnits {
		if !seen[f.ConceptID] {
			seen[f.ConceptID] = true
			out = append(out, f.ConceptID)
		}
	}
	return out
}

// JobRecord is the persisted per-job row. Written once at enqueue,
// updated once at completion; incremental progress flows through
// events, not this record.
type JobRecord struct {
	JobID              string     `json:"job_id"`
	RunID              RunID      `json:"run_id"`
	BrokerTaskID       string     `json:"broker_task_id"`
	Status             JobStatus  `json:"status"`
	FailedConceptCount int        `json:"failed_concept_count"`
	ExecutionSummary   string     `json:"execution_summary,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	HeartbeatAt        *time.Time `json:"heartbeat_at,omitempty"`
}
