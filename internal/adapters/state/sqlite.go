// Package state persists the orchestrator's durable data in SQLite:
// run rows, the append-only checkpoint chain, generated content refs,
// job records, and the shared credential pool.
package state

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/atlasforge-ai/atlasforge/internal/core"
	_ "modernc.org/sqlite"
)

//go:embed migrations/001_initial_schema.sql
var migrationV1 string

// Store is the SQLite-backed implementation of the persistence ports:
// core.CheckpointStore, core.RunRepository, core.ContentRepository,
// core.JobRepository and core.CredentialSource.
type Store struct {
	dbPath string
	db     *sql.DB
	mu     sync.RWMutex
}

// Open opens (or creates) the store at dbPath and applies pending
// migrations. WAL mode keeps engine and worker writes from blocking
// readers.
func Open(dbPath string) (*Store, error) {
	s := &Store{dbPath: dbPath}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	s.db = db

	if err := s.migrate(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("running migrations: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		// Table doesn't exist yet, run initial migration.
		version = 0
	}
	if version < 1 {
		if _, err := s.db.Exec(migrationV1); err != nil {
			return fmt.Errorf("applying migration v1: %w", err)
		}
	}
	return nil
}

// =============================================================================
// core.CheckpointStore
// =============================================================================

// SaveCheckpoint appends a checkpoint. Re-saving an existing
// (run, sequence) pair leaves the stored row untouched so crashed
// retries stay idempotent.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *core.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (run_id, sequence_id, parent_sequence_id, stage, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, sequence_id) DO NOTHING
	`, cp.RunID, cp.SequenceID, cp.ParentSequenceID, cp.Stage, cp.State, cp.CreatedAt)
	if err != nil {
		return retryable("inserting checkpoint", err)
	}
	return nil
}

// LatestCheckpoint returns the highest-sequence checkpoint for a run,
// or nil if the run has none.
func (s *Store) LatestCheckpoint(ctx context.Context, id core.RunID) (*core.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, sequence_id, parent_sequence_id, stage, state, created_at
		FROM checkpoints
		WHERE run_id = ?
		ORDER BY sequence_id DESC
		LIMIT 1
	`, id)

	var cp core.Checkpoint
	err := row.Scan(&cp.RunID, &cp.SequenceID, &cp.ParentSequenceID, &cp.Stage, &cp.State, &cp.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, retryable("loading latest checkpoint", err)
	}
	return &cp, nil
}

// ListCheckpoints returns checkpoint metadata in sequence order.
func (s *Store) ListCheckpoints(ctx context.Context, id core.RunID) ([]core.CheckpointMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, sequence_id, parent_sequence_id, stage, created_at
		FROM checkpoints
		WHERE run_id = ?
		ORDER BY sequence_id ASC
	`, id)
	if err != nil {
		return nil, retryable("listing checkpoints", err)
	}
	defer rows.Close()

	var out []core.CheckpointMeta
	for rows.Next() {
		var m core.CheckpointMeta
		if err := rows.Scan(&m.RunID, &m.SequenceID, &m.ParentSequenceID, &m.Stage, &m.CreatedAt); err != nil {
			return nil, retryable("scanning checkpoint row", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// =============================================================================
// core.RunRepository
// =============================================================================

// CreateRun inserts the run row. Re-creating an existing run is a
// no-op so execute stays idempotent per run id.
func (s *Store) CreateRun(ctx context.Context, rec *core.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, trace_id, status, current_stage, request, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO NOTHING
	`, rec.RunID, rec.TraceID, rec.Status, rec.CurrentStage, rec.Request, rec.Error, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return retryable("inserting run", err)
	}
	return nil
}

// GetRun loads a run row, or nil if absent.
func (s *Store) GetRun(ctx context.Context, id core.RunID) (*core.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, trace_id, status, current_stage, request, error, created_at, updated_at
		FROM runs WHERE run_id = ?
	`, id)

	var rec core.RunRecord
	err := row.Scan(&rec.RunID, &rec.TraceID, &rec.Status, &rec.CurrentStage, &rec.Request, &rec.Error, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, retryable("loading run", err)
	}
	return &rec, nil
}

// UpdateRunStatus updates status, stage and error message.
func (s *Store) UpdateRunStatus(ctx context.Context, id core.RunID, status core.RunStatus, stage core.Stage, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, current_stage = ?, error = ?, updated_at = ?
		WHERE run_id = ?
	`, status, stage, message, time.Now(), id)
	if err != nil {
		return retryable("updating run status", err)
	}
	return nil
}

// ListRuns returns run summaries ordered by last update, newest first.
func (s *Store) ListRuns(ctx context.Context) ([]core.RunSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, status, current_stage, request, created_at, updated_at
		FROM runs ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, retryable("listing runs", err)
	}
	defer rows.Close()

	var out []core.RunSummary
	for rows.Next() {
		var r core.RunSummary
		if err := rows.Scan(&r.RunID, &r.Status, &r.CurrentStage, &r.Request, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, retryable("scanning run row", err)
		}
		if len(r.Request) > 120 {
			r.Request = r.Request[:117] + "..."
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// core.ContentRepository
// =============================================================================

// SaveContentBatch commits one batch of refs for one content type in a
// single transaction. Idempotent per (run, concept, type); a re-saved
// ref overwrites the previous one.
func (s *Store) SaveContentBatch(ctx context.Context, id core.RunID, ct core.ContentType, refs map[core.ConceptID]string) error {
	if len(refs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return retryable("beginning content batch", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	for cid, ref := range refs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO content_refs (run_id, concept_id, content_type, ref, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(run_id, concept_id, content_type) DO UPDATE SET
				ref = excluded.ref
		`, id, cid, ct, ref, now)
		if err != nil {
			return retryable(fmt.Sprintf("inserting %s ref for %s", ct, cid), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return retryable("committing content batch", err)
	}
	return nil
}

// UpdateFrameworkStatuses applies per-concept statuses in one
// transaction. Idempotent under re-application.
func (s *Store) UpdateFrameworkStatuses(ctx context.Context, id core.RunID, completed, failed []core.ConceptID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return retryable("beginning status update", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	upsert := func(cid core.ConceptID, status string) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO concept_statuses (run_id, concept_id, status, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(run_id, concept_id) DO UPDATE SET
				status = excluded.status,
				updated_at = excluded.updated_at
		`, id, cid, status, now)
		return err
	}
	for _, cid := range completed {
		if err := upsert(cid, "completed"); err != nil {
			return retryable("upserting concept status", err)
		}
	}
	for _, cid := range failed {
		if err := upsert(cid, "failed"); err != nil {
			return retryable("upserting concept status", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return retryable("committing status update", err)
	}
	return nil
}

// ContentRefs returns everything committed so far for a run.
func (s *Store) ContentRefs(ctx context.Context, id core.RunID) (map[core.ConceptID]map[core.ContentType]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT concept_id, content_type, ref FROM content_refs WHERE run_id = ?
	`, id)
	if err != nil {
		return nil, retryable("listing content refs", err)
	}
	defer rows.Close()

	out := make(map[core.ConceptID]map[core.ContentType]string)
	for rows.Next() {
		var cid core.ConceptID
		var ct core.ContentType
		var ref string
		if err := rows.Scan(&cid, &ct, &ref); err != nil {
			return nil, retryable("scanning content ref", err)
		}
		if out[cid] == nil {
			out[cid] = make(map[core.ContentType]string)
		}
		out[cid][ct] = ref
	}
	return out, rows.Err()
}

// =============================================================================
// core.JobRepository
// =============================================================================

// CreateJobRecord writes the record once at enqueue time.
func (s *Store) CreateJobRecord(ctx context.Context, rec *core.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (job_id, run_id, broker_task_id, status, failed_concept_count, execution_summary, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO NOTHING
	`, rec.JobID, rec.RunID, rec.BrokerTaskID, rec.Status, rec.FailedConceptCount, rec.ExecutionSummary, rec.CreatedAt)
	if err != nil {
		return retryable("inserting job record", err)
	}
	return nil
}

// CompleteJobRecord applies the single completion update.
func (s *Store) CompleteJobRecord(ctx context.Context, jobID string, status core.JobStatus, failedConcepts int, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, failed_concept_count = ?, execution_summary = ?, completed_at = ?
		WHERE job_id = ?
	`, status, failedConcepts, summary, time.Now(), jobID)
	if err != nil {
		return retryable("completing job record", err)
	}
	return nil
}

// GetJobRecord loads a record, or nil if absent.
func (s *Store) GetJobRecord(ctx context.Context, jobID string) (*core.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, run_id, broker_task_id, status, failed_concept_count, execution_summary,
		       created_at, completed_at, heartbeat_at
		FROM jobs WHERE job_id = ?
	`, jobID)

	var rec core.JobRecord
	var completedAt, heartbeatAt sql.NullTime
	err := row.Scan(&rec.JobID, &rec.RunID, &rec.BrokerTaskID, &rec.Status, &rec.FailedConceptCount,
		&rec.ExecutionSummary, &rec.CreatedAt, &completedAt, &heartbeatAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, retryable("loading job record", err)
	}
	if completedAt.Valid {
		rec.CompletedAt = &completedAt.Time
	}
	if heartbeatAt.Valid {
		rec.HeartbeatAt = &heartbeatAt.Time
	}
	return &rec, nil
}

// UpdateJobHeartbeat proves liveness of a running job.
func (s *Store) UpdateJobHeartbeat(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET heartbeat_at = ?, status = ? WHERE job_id = ? AND status IN (?, ?)
	`, time.Now(), core.JobStatusRunning, jobID, core.JobStatusQueued, core.JobStatusRunning)
	if err != nil {
		return retryable("updating job heartbeat", err)
	}
	return nil
}

// FindStaleJobs returns running jobs whose heartbeat is older than the
// threshold. Detection only; nothing is restarted here.
func (s *Store) FindStaleJobs(ctx context.Context, staleAfter time.Duration) ([]*core.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().Add(-staleAfter)
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, run_id, broker_task_id, status, failed_concept_count, execution_summary,
		       created_at, completed_at, heartbeat_at
		FROM jobs
		WHERE status = ? AND heartbeat_at IS NOT NULL AND heartbeat_at < ?
	`, core.JobStatusRunning, cutoff)
	if err != nil {
		return nil, retryable("finding stale jobs", err)
	}
	defer rows.Close()

	var out []*core.JobRecord
	for rows.Next() {
		var rec core.JobRecord
		var completedAt, heartbeatAt sql.NullTime
		if err := rows.Scan(&rec.JobID, &rec.RunID, &rec.BrokerTaskID, &rec.Status, &rec.FailedConceptCount,
			&rec.ExecutionSummary, &rec.CreatedAt, &completedAt, &heartbeatAt); err != nil {
			return nil, retryable("scanning job row", err)
		}
		if completedAt.Valid {
			rec.CompletedAt = &completedAt.Time
		}
		if heartbeatAt.Valid {
			rec.HeartbeatAt = &heartbeatAt.Time
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// =============================================================================
// core.CredentialSource
// =============================================================================

// ListKeys returns keys with remaining quota >= minQuota. This is the
// single bulk read the allocator performs per job.
func (s *Store) ListKeys(ctx context.Context, minQuota int) ([]core.KeyLease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT api_key, remaining_quota, assigned_to
		FROM api_keys
		WHERE remaining_quota >= ?
		ORDER BY remaining_quota DESC
	`, minQuota)
	if err != nil {
		return nil, retryable("listing api keys", err)
	}
	defer rows.Close()

	var out []core.KeyLease
	for rows.Next() {
		var l core.KeyLease
		if err := rows.Scan(&l.APIKey, &l.RemainingQuota, &l.AssignedTo); err != nil {
			return nil, retryable("scanning key lease", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// UpsertKey seeds or refreshes one credential row. Used by operator
// tooling, not by the job path.
func (s *Store) UpsertKey(ctx context.Context, lease core.KeyLease) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (api_key, remaining_quota, assigned_to, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(api_key) DO UPDATE SET
			remaining_quota = excluded.remaining_quota,
			assigned_to = excluded.assigned_to,
			updated_at = excluded.updated_at
	`, lease.APIKey, lease.RemainingQuota, lease.AssignedTo, time.Now())
	if err != nil {
		return retryable("upserting api key", err)
	}
	return nil
}

// retryable wraps a database error as a retryable infra failure so the
// callers' backoff policies engage.
func retryable(op string, err error) error {
	return core.ErrInfra(core.CodeStoreFailed, op).WithCause(err)
}
