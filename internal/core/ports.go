package core

import (
	"context"
	"time"
)

// =============================================================================
// Agent Port
// =============================================================================

// Agent defines the contract for AI model adapters. Prompt
// construction and response parsing live behind this port; the
// orchestrator only sees the fixed request/result shapes. Any error is
// a stage or unit failure.
type Agent interface {
	// Name returns the adapter identifier (e.g., "gateway", "scripted").
	Name() string

	// Ping checks if the backing model endpoint is reachable.
	Ping(ctx context.Context) error

	// Execute runs one request through the agent.
	Execute(ctx context.Context, req AgentRequest) (*AgentResult, error)
}

// AgentRequest is the input contract for one agent call.
type AgentRequest struct {
	Stage   Stage                  `json:"stage"`
	RunID   RunID                  `json:"run_id"`
	TraceID string                 `json:"trace_id,omitempty"`
	Input   map[string]interface{} `json:"input"`
	APIKey  string                 `json:"-"` // per-unit credential, never serialized
	Timeout time.Duration          `json:"-"`
}

// AgentResult is the output contract for one agent call.
type AgentResult struct {
	Output string                 `json:"output,omitempty"`
	Parsed map[string]interface{} `json:"parsed,omitempty"`
	Model  string                 `json:"model,omitempty"`
}

// =============================================================================
// Persistence Ports
// =============================================================================

// CheckpointStore persists the append-only checkpoint chain. All
// methods must be safely retryable.
type CheckpointStore interface {
	// SaveCheckpoint appends a checkpoint to the run's chain.
	// Re-saving an existing (run, sequence) pair is idempotent.
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error

	// LatestCheckpoint returns the highest-sequence checkpoint for the
	// run. Returns nil and no error if the run has none.
	LatestCheckpoint(ctx context.Context, id RunID) (*Checkpoint, error)

	// ListCheckpoints returns checkpoint metadata in sequence order.
	ListCheckpoints(ctx context.Context, id RunID) ([]CheckpointMeta, error)
}

// RunRepository persists run rows. All methods must be idempotent.
type RunRepository interface {
	// CreateRun inserts the run row. Re-creating an existing run is a
	// no-op so execute() stays idempotent per runId.
	CreateRun(ctx context.Context, rec *RunRecord) error

	// GetRun loads a run row. Returns nil and no error if absent.
	GetRun(ctx context.Context, id RunID) (*RunRecord, error)

	// UpdateRunStatus updates status, stage and error message.
	UpdateRunStatus(ctx context.Context, id RunID, status RunStatus, stage Stage, message string) error

	// ListRuns returns summaries ordered by last update.
	ListRuns(ctx context.Context) ([]RunSummary, error)
}

// ContentRepository persists generated content. Batch saves each run
// in their own transaction; a failed batch never rolls back prior
// committed batches.
type ContentRepository interface {
	// SaveContentBatch commits one fixed-size batch of refs for one
	// content type in a single transaction. Idempotent per (run,
	// concept, type).
	SaveContentBatch(ctx context.Context, id RunID, ct ContentType, refs map[ConceptID]string) error

	// UpdateFrameworkStatuses updates per-concept status fields in one
	// transaction. Idempotent under re-application.
	UpdateFrameworkStatuses(ctx context.Context, id RunID, completed, failed []ConceptID) error

	// ContentRefs returns everything committed so far for a run.
	ContentRefs(ctx context.Context, id RunID) (map[ConceptID]map[ContentType]string, error)
}

// JobRepository persists job records and worker heartbeats.
type JobRepository interface {
	// CreateJobRecord writes the record once at enqueue time.
	CreateJobRecord(ctx context.Context, rec *JobRecord) error

	// CompleteJobRecord applies the single completion update.
	CompleteJobRecord(ctx context.Context, jobID string, status JobStatus, failedConcepts int, summary string) error

	// GetJobRecord loads a record. Returns nil and no error if absent.
	GetJobRecord(ctx context.Context, jobID string) (*JobRecord, error)

	// UpdateJobHeartbeat proves liveness of a running job.
	UpdateJobHeartbeat(ctx context.Context, jobID string) error

	// FindStaleJobs returns running jobs whose heartbeat is older than
	// the threshold. Detection only; nothing is restarted.
	FindStaleJobs(ctx context.Context, staleAfter time.Duration) ([]*JobRecord, error)
}

// =============================================================================
// Credential Port
// =============================================================================

// CredentialSource reads the shared credential table. One bulk read
// per job, never per unit.
type CredentialSource interface {
	// ListKeys returns keys with remaining quota >= minQuota.
	ListKeys(ctx context.Context, minQuota int) ([]KeyLease, error)
}

// =============================================================================
// Broker Port
// =============================================================================

// Broker is the producer-side contract for the durable job queue.
type Broker interface {
	// Enqueue publishes a job payload and returns an opaque handle.
	Enqueue(ctx context.Context, payload *JobPayload) (string, error)

	// Poll returns the broker-side status for a handle.
	Poll(ctx context.Context, handle string) (*BrokerStatus, error)

	// Revoke flags a dispatched job for best-effort cancellation.
	// Already-committed batches are retained.
	Revoke(ctx context.Context, handle string) error
}

// BrokerStatus is the broker-side view of a dispatched job.
type BrokerStatus struct {
	Handle string    `json:"handle"`
	State  JobStatus `json:"state"`
	Result []byte    `json:"result,omitempty"` // JobResult JSON once terminal
}

// =============================================================================
// Notification Port
// =============================================================================

// ProgressEvent is the fire-and-forget progress notification. Loss
// never affects correctness: final state is always recoverable by
// polling the store.
type ProgressEvent struct {
	Type      string      `json:"type"`
	RunID     RunID       `json:"run_id"`
	JobID     string      `json:"job_id,omitempty"`
	Stage     Stage       `json:"stage,omitempty"`
	ConceptID ConceptID   `json:"concept_id,omitempty"`
	Content   ContentType `json:"content_type,omitempty"`
	Status    string      `json:"status,omitempty"`
	Error     string      `json:"error,omitempty"`
	At        time.Time   `json:"at"`
}

// Progress event types.
const (
	EventStageEntered  = "stage_entered"
	EventRunSuspended  = "run_suspended"
	EventRunCompleted  = "run_completed"
	EventRunFailed     = "run_failed"
	EventUnitStarted   = "unit_started"
	EventUnitCompleted = "unit_completed"
	EventUnitFailed    = "unit_failed"
	EventJobCompleted  = "job_completed"
)

// Notifier publishes progress events. Implementations must never
// block the caller on a slow consumer.
type Notifier interface {
	Publish(ctx context.Context, event ProgressEvent)
}

// NopNotifier discards all events.
type NopNotifier struct{}

// Publish implements Notifier.
func (NopNotifier) Publish(context.Context, ProgressEvent) {}
