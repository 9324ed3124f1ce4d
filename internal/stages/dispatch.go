package stages

import (
	"context"
	"encoding/json"
	"time"

	"github.com/atlasforge-ai/atlasforge/internal/core"
	"github.com/atlasforge-ai/atlasforge/internal/job"
	"github.com/atlasforge-ai/atlasforge/internal/logging"
)

// ContentGenerator is the content_generation executor. It hands the
// run off to the worker pool through the broker and folds the job
// result back into the workflow state. The heavy lifting happens in
// the worker, fully decoupled from this call path.
type ContentGenerator struct {
	dispatcher   *job.Dispatcher
	broker       core.Broker
	logger       *logging.Logger
	pollInterval time.Duration
}

// NewContentGenerator creates the content_generation executor.
func NewContentGenerator(dispatcher *job.Dispatcher, broker core.Broker, logger *logging.Logger) *ContentGenerator {
	return &ContentGenerator{
		dispatcher:   dispatcher,
		broker:       broker,
		logger:       logger,
		pollInterval: 2 * time.Second,
	}
}

// WithPollInterval overrides the broker poll cadence.
func (c *ContentGenerator) WithPollInterval(d time.Duration) *ContentGenerator {
	c.pollInterval = d
	return c
}

// Stage implements engine.StageExecutor.
func (c *ContentGenerator) Stage() core.Stage {
	return core.StageContentGeneration
}

// Execute implements engine.StageExecutor.
func (c *ContentGenerator) Execute(ctx context.Context, state *core.WorkflowState) (*core.StateDelta, error) {
	if state.Framework == nil {
		return nil, core.ErrState(core.CodeInvalidState, "content generation requires a framework")
	}

	rec, err := c.dispatcher.Dispatch(ctx, state)
	if err != nil {
		return nil, err
	}

	result, err := c.await(ctx, state, rec)
	if err != nil {
		return nil, err
	}

	switch result.Status {
	case core.JobStatusRevoked:
		return nil, core.ErrCancelled("content job was revoked")
	case core.JobStatusFailed:
		if len(result.FailedUnits) == 0 {
			// Worker died before producing a per-unit breakdown.
			return nil, core.ErrStageFailure(core.StageContentGeneration,
				core.ErrInfra(core.CodeBrokerFailed, "content job failed without a result"))
		}
	}

	return &core.StateDelta{
		ContentRefs:    result.ContentRefs,
		FailedConcepts: result.FailedConceptSet(),
	}, nil
}

// await polls the broker until the job is terminal. The wait is
// bounded slightly beyond the job's own hard timeout so a wedged
// worker cannot wedge the run.
func (c *ContentGenerator) await(ctx context.Context, state *core.WorkflowState, rec *core.JobRecord) (*core.JobResult, error) {
	log := c.logger.WithRun(string(state.RunID)).WithJob(rec.JobID)

	waitCtx, cancel := context.WithTimeout(ctx, state.Config.JobHardTimeout+time.Minute)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-waitCtx.Done():
			c.revoke(ctx, rec.BrokerTaskID, log)
			if ctx.Err() != nil {
				return nil, core.ErrCancelled("run cancelled while awaiting content job")
			}
			return nil, core.ErrTimeout("content job did not finish within its hard timeout")
		case <-ticker.C:
		}

		status, err := c.broker.Poll(waitCtx, rec.BrokerTaskID)
		if err != nil {
			// Transient broker hiccups resolve on the next tick.
			log.Warn("broker poll failed", "error", err)
			continue
		}
		if !status.State.IsTerminal() {
			continue
		}

		var result core.JobResult
		if len(status.Result) == 0 {
			result = core.JobResult{JobID: rec.JobID, RunID: state.RunID, Status: status.State}
		} else if err := json.Unmarshal(status.Result, &result); err != nil {
			return nil, core.ErrInfra(core.CodeBrokerFailed, "decoding content job result").WithCause(err)
		}
		log.Info("content job terminal",
			"status", result.Status,
			"completed", result.UnitsCompleted,
			"failed", result.UnitsFailed,
		)
		return &result, nil
	}
}

func (c *ContentGenerator) revoke(ctx context.Context, handle string, log *logging.Logger) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.broker.Revoke(rctx, handle); err != nil {
		log.Warn("revoke failed", "handle", handle, "error", err)
	}
}
