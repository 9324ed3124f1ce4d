package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atlasforge-ai/atlasforge/internal/core"
	"github.com/atlasforge-ai/atlasforge/internal/engine"
	"github.com/atlasforge-ai/atlasforge/internal/events"
	"github.com/atlasforge-ai/atlasforge/internal/logging"
)

// Runner executes one content-generation job: bounded fan-out over
// content units, batched persistence, partial-failure aggregation.
// One unit's failure never cancels its siblings.
type Runner struct {
	agent    core.Agent
	keys     *KeyAllocator
	content  core.ContentRepository
	notifier core.Notifier
	retry    *engine.RetryPolicy
	logger   *logging.Logger
}

// NewRunner creates a job runner.
func NewRunner(agent core.Agent, keys *KeyAllocator, content core.ContentRepository, notifier core.Notifier, logger *logging.Logger) *Runner {
	if notifier == nil {
		notifier = core.NopNotifier{}
	}
	return &Runner{
		agent:    agent,
		keys:     keys,
		content:  content,
		notifier: notifier,
		retry:    engine.DefaultRetryPolicy(),
		logger:   logger,
	}
}

// WithRetryPolicy overrides the transient-failure retry policy.
func (r *Runner) WithRetryPolicy(p *engine.RetryPolicy) *Runner {
	r.retry = p
	return r
}

// Flatten expands a framework into the job's content units: one unit
// per (concept, enabled content type), in concept order. Concepts that
// declare no types get all of them.
func Flatten(f *core.Framework) []core.ContentUnit {
	var units []core.ContentUnit
	for _, c := range f.Concepts {
		types := c.ContentTypes
		if len(types) == 0 {
			types = core.AllContentTypes()
		}
		for _, ct := range types {
			units = append(units, core.ContentUnit{
				ConceptID: c.ID,
				Type:      ct,
				Status:    core.UnitStatusPending,
			})
		}
	}
	return units
}

// Run drives the job to a terminal result. Cancelling ctx stops
// scheduling and in-flight units; batches committed before the
// cancellation are retained.
func (r *Runner) Run(ctx context.Context, payload *core.JobPayload) (*core.JobResult, error) {
	start := time.Now()
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	cfg := payload.Config
	log := r.logger.WithRun(string(payload.RunID)).WithJob(payload.JobID)

	units := Flatten(payload.Framework)
	ids := make([]string, len(units))
	for i, u := range units {
		ids[i] = u.ID()
	}

	// One credential read for the whole job, up front.
	keys, err := r.keys.Allocate(ctx, ids, cfg.MinKeyQuota)
	if err != nil {
		return nil, err
	}

	log.Info("content job started",
		"units", len(units),
		"concurrency", cfg.ContentConcurrency,
		"batch_size", cfg.BatchSize,
	)

	// The soft deadline stops scheduling new waves; in-flight units
	// finish under their own per-unit timeouts. The hard deadline is
	// enforced by the worker around this whole call.
	softCtx, cancelSoft := context.WithTimeout(ctx, cfg.JobSoftTimeout)
	defer cancelSoft()

	// Persistence must survive cancellation so committed batches are
	// retained on revoke.
	persistCtx := context.WithoutCancel(ctx)

	var (
		mu        sync.Mutex
		completed int
		failed    int
		refs      = make(map[core.ConceptID]map[core.ContentType]string)
		failures  []core.UnitFailure
	)

	skipReason := ""
	scheduled := 0
	for scheduled < len(units) {
		if err := softCtx.Err(); err != nil {
			if ctx.Err() != nil {
				skipReason = "job cancelled"
			} else {
				skipReason = "job soft timeout reached"
			}
			break
		}

		end := scheduled + cfg.BatchSize
		if end > len(units) {
			end = len(units)
		}
		wave := units[scheduled:end]
		waveRefs := make(map[core.ContentType]map[core.ConceptID]string)

		var g errgroup.Group
		g.SetLimit(cfg.ContentConcurrency)
		for _, u := range wave {
			u := u
			g.Go(func() error {
				r.notifier.Publish(ctx, events.UnitStarted(payload.RunID, payload.JobID, u))

				ref, uerr := r.generate(ctx, payload, u, keys[u.ID()])

				mu.Lock()
				defer mu.Unlock()
				if uerr != nil {
					failed++
					u.Status = core.UnitStatusFailed
					u.Error = uerr.Error()
					failures = append(failures, core.UnitFailure{
						ConceptID: u.ConceptID,
						Type:      u.Type,
						Error:     core.TruncateError(uerr.Error()),
					})
					r.notifier.Publish(ctx, events.UnitFailed(payload.RunID, payload.JobID, u, uerr))
					return nil
				}
				completed++
				u.Status = core.UnitStatusCompleted
				u.ResultRef = ref
				if refs[u.ConceptID] == nil {
					refs[u.ConceptID] = make(map[core.ContentType]string)
				}
				refs[u.ConceptID][u.Type] = ref
				if waveRefs[u.Type] == nil {
					waveRefs[u.Type] = make(map[core.ConceptID]string)
				}
				waveRefs[u.Type][u.ConceptID] = ref
				r.notifier.Publish(ctx, events.UnitCompleted(payload.RunID, payload.JobID, u))
				return nil
			})
		}
		_ = g.Wait() // unit errors are aggregated, never returned
		scheduled = end

		// Each (type, batch) is its own transaction. A failed batch
		// aborts the job but never rolls back earlier commits.
		for ct, batch := range waveRefs {
			perr := r.retry.Execute(persistCtx, func(ctx context.Context) error {
				return r.content.SaveContentBatch(ctx, payload.RunID, ct, batch)
			})
			if perr != nil {
				return nil, core.ErrInfra(core.CodeStoreFailed,
					fmt.Sprintf("saving %s content batch", ct)).WithCause(perr)
			}
		}

		attempted := completed + failed
		if attempted > 0 && float64(failed)/float64(attempted) >= cfg.FailureAbortRatio && scheduled < len(units) {
			log.Warn("failure rate crossed abort threshold, stopping scheduling",
				"completed", completed,
				"failed", failed,
				"remaining", len(units)-scheduled,
			)
			skipReason = "not scheduled: failure rate crossed abort threshold"
			break
		}
	}

	skipped := 0
	for _, u := range units[scheduled:] {
		skipped++
		failures = append(failures, core.UnitFailure{
			ConceptID: u.ConceptID,
			Type:      u.Type,
			Error:     skipReason,
		})
	}

	result := &core.JobResult{
		JobID:          payload.JobID,
		RunID:          payload.RunID,
		ContentRefs:    refs,
		FailedUnits:    failures,
		UnitsTotal:     len(units),
		UnitsCompleted: completed,
		UnitsFailed:    failed,
		UnitsSkipped:   skipped,
		Duration:       time.Since(start),
	}
	switch {
	case len(failures) == 0:
		result.Status = core.JobStatusCompleted
	case completed > 0:
		result.Status = core.JobStatusPartialFailure
	default:
		result.Status = core.JobStatusFailed
	}

	failedSet := make(map[core.ConceptID]bool)
	for _, f := range failures {
		failedSet[f.ConceptID] = true
	}
	var completedConcepts, failedConcepts []core.ConceptID
	for _, c := range payload.Framework.Concepts {
		if failedSet[c.ID] {
			failedConcepts = append(failedConcepts, c.ID)
		} else {
			completedConcepts = append(completedConcepts, c.ID)
		}
	}
	serr := r.retry.Execute(persistCtx, func(ctx context.Context) error {
		return r.content.UpdateFrameworkStatuses(ctx, payload.RunID, completedConcepts, failedConcepts)
	})
	if serr != nil {
		return nil, core.ErrInfra(core.CodeStoreFailed, "updating framework statuses").WithCause(serr)
	}

	r.notifier.Publish(ctx, events.JobCompleted(payload.RunID, payload.JobID, result.Status))
	log.Info("content job finished",
		"status", result.Status,
		"completed", completed,
		"failed", failed,
		"skipped", skipped,
		"duration", result.Duration,
	)
	return result, nil
}

// generate runs one unit through the agent with its pre-assigned key.
// An empty key tells the agent to use its fallback provider.
func (r *Runner) generate(ctx context.Context, payload *core.JobPayload, u core.ContentUnit, apiKey string) (string, error) {
	concept, ok := payload.Framework.ConceptByID(u.ConceptID)
	if !ok {
		return "", core.ErrState(core.CodeInvalidState,
			fmt.Sprintf("unit %s references unknown concept", u.ID()))
	}

	unitCtx, cancel := context.WithTimeout(ctx, payload.Config.UnitTimeout)
	defer cancel()

	res, err := r.agent.Execute(unitCtx, core.AgentRequest{
		Stage:   core.StageContentGeneration,
		RunID:   payload.RunID,
		TraceID: payload.TraceID,
		APIKey:  apiKey,
		Timeout: payload.Config.UnitTimeout,
		Input: map[string]interface{}{
			"concept_id":   string(u.ConceptID),
			"title":        concept.Title,
			"summary":      concept.Summary,
			"content_type": string(u.Type),
			"preferences":  payload.Preferences,
		},
	})
	if err != nil {
		if errors.Is(unitCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return "", core.ErrTimeout(fmt.Sprintf("unit %s timed out after %s", u.ID(), payload.Config.UnitTimeout))
		}
		return "", err
	}

	ref, _ := res.Parsed["ref"].(string)
	if ref == "" {
		return "", core.ErrValidation(core.CodeInvalidState,
			fmt.Sprintf("agent returned no content ref for unit %s", u.ID()))
	}
	return ref, nil
}
