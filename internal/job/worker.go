package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atlasforge-ai/atlasforge/internal/core"
	"github.com/atlasforge-ai/atlasforge/internal/engine"
	"github.com/atlasforge-ai/atlasforge/internal/logging"
)

// Queue is the consumer-side broker contract. Dequeue blocks until a
// payload is available or ctx is done.
type Queue interface {
	Dequeue(ctx context.Context) (*core.JobPayload, error)

	// Revoked reports whether the job has been flagged for
	// best-effort cancellation.
	Revoked(ctx context.Context, jobID string) (bool, error)

	// Complete publishes the terminal result for pollers.
	Complete(ctx context.Context, jobID string, result *core.JobResult) error
}

// WorkerConfig tunes the consuming pool.
type WorkerConfig struct {
	PoolSize          int
	HeartbeatInterval time.Duration
	RevokePollEvery   time.Duration
}

// DefaultWorkerConfig returns the worker defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		PoolSize:          2,
		HeartbeatInterval: 30 * time.Second,
		RevokePollEvery:   5 * time.Second,
	}
}

// Worker consumes dispatched content jobs from the queue, fully
// decoupled from the request path. Each job gets a hard wall-clock
// deadline, periodic heartbeats, and a revocation watcher.
type Worker struct {
	queue    Queue
	runner   *Runner
	jobs     core.JobRepository
	errh     *engine.ErrorHandler
	retry    *engine.RetryPolicy
	cfg      WorkerConfig
	logger   *logging.Logger
	notifier core.Notifier
}

// NewWorker creates a worker pool over a queue.
func NewWorker(queue Queue, runner *Runner, jobs core.JobRepository, notifier core.Notifier, cfg WorkerConfig, logger *logging.Logger) *Worker {
	if notifier == nil {
		notifier = core.NopNotifier{}
	}
	if cfg.PoolSize < 1 {
		cfg.PoolSize = 1
	}
	return &Worker{
		queue:    queue,
		runner:   runner,
		jobs:     jobs,
		errh:     engine.NewErrorHandler(nil, jobs, notifier, logger),
		retry:    engine.DefaultRetryPolicy(),
		cfg:      cfg,
		logger:   logger,
		notifier: notifier,
	}
}

// Run consumes jobs until ctx is cancelled. It blocks.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker pool starting", "pool_size", w.cfg.PoolSize)

	var wg sync.WaitGroup
	for i := 0; i < w.cfg.PoolSize; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consume(ctx, slot)
		}(i)
	}
	wg.Wait()
	w.logger.Info("worker pool stopped")
	return ctx.Err()
}

func (w *Worker) consume(ctx context.Context, slot int) {
	for {
		payload, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("dequeue failed", "slot", slot, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		w.process(ctx, payload)
	}
}

// process runs one job under its hard deadline with heartbeats and a
// revocation watcher. Failures are persisted through the uniform
// failure path and never stop the pool.
func (w *Worker) process(ctx context.Context, payload *core.JobPayload) {
	log := w.logger.WithRun(string(payload.RunID)).WithJob(payload.JobID)

	jobCtx, cancel := context.WithTimeout(ctx, payload.Config.JobHardTimeout)
	defer cancel()

	revoked := w.watch(jobCtx, cancel, payload.JobID)

	var result *core.JobResult
	err := w.errh.WithJob(ctx, payload.JobID, payload.RunID, func() error {
		var rerr error
		result, rerr = w.runner.Run(jobCtx, payload)
		if rerr != nil {
			return rerr
		}
		if revoked.Load() {
			result.Status = core.JobStatusRevoked
		}
		return nil
	})
	if err != nil {
		if errors.Is(jobCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			log.Error("job exceeded hard timeout", "limit", payload.Config.JobHardTimeout)
		}
		// WithJob already persisted the failed record; publish a
		// failed result so pollers terminate.
		w.complete(ctx, payload.JobID, &core.JobResult{
			JobID:  payload.JobID,
			RunID:  payload.RunID,
			Status: core.JobStatusFailed,
		})
		return
	}

	summary := fmt.Sprintf("units=%d completed=%d failed=%d skipped=%d duration=%s",
		result.UnitsTotal, result.UnitsCompleted, result.UnitsFailed, result.UnitsSkipped,
		result.Duration.Round(time.Millisecond))
	if perr := w.retry.Execute(ctx, func(ctx context.Context) error {
		return w.jobs.CompleteJobRecord(ctx, payload.JobID, result.Status, len(result.FailedConceptSet()), summary)
	}); perr != nil {
		log.Error("failed to persist job completion", "error", perr)
	}

	w.complete(ctx, payload.JobID, result)
	log.Info("job processed", "status", result.Status)
}

// watch heartbeats the job record and polls the revocation flag,
// cancelling the job context on revoke.
func (w *Worker) watch(jobCtx context.Context, cancel context.CancelFunc, jobID string) *atomic.Bool {
	revoked := new(atomic.Bool)
	go func() {
		hb := time.NewTicker(w.cfg.HeartbeatInterval)
		rv := time.NewTicker(w.cfg.RevokePollEvery)
		defer hb.Stop()
		defer rv.Stop()
		for {
			select {
			case <-jobCtx.Done():
				return
			case <-hb.C:
				if err := w.jobs.UpdateJobHeartbeat(jobCtx, jobID); err != nil && jobCtx.Err() == nil {
					w.logger.Warn("heartbeat failed", "job_id", jobID, "error", err)
				}
			case <-rv.C:
				is, err := w.queue.Revoked(jobCtx, jobID)
				if err != nil {
					continue
				}
				if is {
					w.logger.Info("job revoked, winding down", "job_id", jobID)
					revoked.Store(true)
					cancel()
					return
				}
			}
		}
	}()
	return revoked
}

func (w *Worker) complete(ctx context.Context, jobID string, result *core.JobResult) {
	// Publish even when the surrounding context is gone so pollers
	// are not left waiting on a dead handle.
	cctx := context.WithoutCancel(ctx)
	if err := w.retry.Execute(cctx, func(ctx context.Context) error {
		return w.queue.Complete(ctx, jobID, result)
	}); err != nil {
		w.logger.Error("failed to publish job result", "job_id", jobID, "error", err)
	}
}
