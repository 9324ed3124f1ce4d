package job

import (
	"time"

	"context"

	"github.com/google/uuid"

	"github.com/atlasforge-ai/atlasforge/internal/core"
	"github.com/atlasforge-ai/atlasforge/internal/engine"
	"github.com/atlasforge-ai/atlasforge/internal/logging"
)

// Dispatcher serializes the state a content job needs and enqueues it
// on the broker. The payload is self-contained so the worker never
// reads workflow checkpoints.
type Dispatcher struct {
	broker core.Broker
	jobs   core.JobRepository
	retry  *engine.RetryPolicy
	logger *logging.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(broker core.Broker, jobs core.JobRepository, logger *logging.Logger) *Dispatcher {
	return &Dispatcher{
		broker: broker,
		jobs:   jobs,
		retry:  engine.DefaultRetryPolicy(),
		logger: logger,
	}
}

// WithRetryPolicy overrides the transient-failure retry policy.
func (d *Dispatcher) WithRetryPolicy(p *engine.RetryPolicy) *Dispatcher {
	d.retry = p
	return d
}

// Dispatch enqueues a content job for the run and writes its job
// record once. The record is only updated again at completion.
func (d *Dispatcher) Dispatch(ctx context.Context, state *core.WorkflowState) (*core.JobRecord, error) {
	payload := &core.JobPayload{
		JobID:       uuid.NewString(),
		RunID:       state.RunID,
		TraceID:     state.TraceID,
		Framework:   state.Framework,
		Preferences: preferencesFrom(state),
		Config:      state.Config,
		EnqueuedAt:  time.Now(),
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	var handle string
	err := d.retry.Execute(ctx, func(ctx context.Context) error {
		var err error
		handle, err = d.broker.Enqueue(ctx, payload)
		return err
	})
	if err != nil {
		return nil, core.ErrInfra(core.CodeBrokerFailed, "enqueueing content job").WithCause(err)
	}

	rec := &core.JobRecord{
		JobID:        payload.JobID,
		RunID:        payload.RunID,
		BrokerTaskID: handle,
		Status:       core.JobStatusQueued,
		CreatedAt:    time.Now(),
	}
	if err := d.retry.Execute(ctx, func(ctx context.Context) error {
		return d.jobs.CreateJobRecord(ctx, rec)
	}); err != nil {
		return nil, core.ErrInfra(core.CodeStoreFailed, "creating job record").WithCause(err)
	}

	d.logger.WithRun(string(state.RunID)).WithJob(payload.JobID).Info("content job dispatched",
		"handle", handle,
		"concepts", len(state.Framework.Concepts),
	)
	return rec, nil
}

// preferencesFrom projects the intent analysis into the flat
// preference map the content agent consumes.
func preferencesFrom(state *core.WorkflowState) map[string]string {
	prefs := make(map[string]string)
	if ia := state.IntentAnalysis; ia != nil {
		if ia.Goal != "" {
			prefs["goal"] = ia.Goal
		}
		if ia.Audience != "" {
			prefs["audience"] = ia.Audience
		}
		if ia.SkillLevel != "" {
			prefs["skill_level"] = ia.SkillLevel
		}
	}
	if state.HumanFeedback != "" {
		prefs["review_feedback"] = state.HumanFeedback
	}
	return prefs
}
