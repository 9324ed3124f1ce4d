// Package broker implements the durable job queue on Redis: a list
// for dispatch, a per-job hash for status, and a pub/sub channel for
// progress events. The producer side implements core.Broker; the
// consumer side implements job.Queue.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atlasforge-ai/atlasforge/internal/core"
)

const (
	defaultNamespace = "atlasforge"
	jobTTL           = 48 * time.Hour
)

// RedisBroker is the Redis-backed job queue. All keys are namespaced
// so multiple deployments can share one Redis.
type RedisBroker struct {
	rdb       *redis.Client
	namespace string
}

// New creates a broker over the given Redis options.
func New(opts *redis.Options) *RedisBroker {
	return &RedisBroker{rdb: redis.NewClient(opts), namespace: defaultNamespace}
}

// NewWithClient wraps an existing client. Used by tests.
func NewWithClient(rdb *redis.Client) *RedisBroker {
	return &RedisBroker{rdb: rdb, namespace: defaultNamespace}
}

// WithNamespace overrides the key namespace.
func (b *RedisBroker) WithNamespace(ns string) *RedisBroker {
	b.namespace = ns
	return b
}

// Close closes the Redis connection.
func (b *RedisBroker) Close() error {
	return b.rdb.Close()
}

// Client exposes the underlying Redis client for collaborators that
// share the connection, like the pub/sub notifier.
func (b *RedisBroker) Client() *redis.Client {
	return b.rdb
}

// Ping verifies Redis connectivity.
func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

func (b *RedisBroker) queueKey() string {
	return b.namespace + ":jobs"
}

func (b *RedisBroker) jobKey(jobID string) string {
	return b.namespace + ":job:" + jobID
}

// =============================================================================
// Producer side (core.Broker)
// =============================================================================

// Enqueue publishes a job payload. The returned handle is the job id;
// the status hash is written before the list push so a fast consumer
// can never observe a dequeued job without a status.
func (b *RedisBroker) Enqueue(ctx context.Context, payload *core.JobPayload) (string, error) {
	if err := payload.Validate(); err != nil {
		return "", err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling job payload: %w", err)
	}

	key := b.jobKey(payload.JobID)
	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"state":       string(core.JobStatusQueued),
		"run_id":      string(payload.RunID),
		"enqueued_at": payload.EnqueuedAt.Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, key, jobTTL)
	pipe.LPush(ctx, b.queueKey(), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", core.ErrInfra(core.CodeBrokerFailed, "enqueueing job").WithCause(err)
	}
	return payload.JobID, nil
}

// Poll returns the broker-side status for a handle.
func (b *RedisBroker) Poll(ctx context.Context, handle string) (*core.BrokerStatus, error) {
	vals, err := b.rdb.HGetAll(ctx, b.jobKey(handle)).Result()
	if err != nil {
		return nil, core.ErrInfra(core.CodeBrokerFailed, "polling job status").WithCause(err)
	}
	if len(vals) == 0 {
		return nil, core.ErrNotFound("job", handle)
	}

	status := &core.BrokerStatus{
		Handle: handle,
		State:  core.JobStatus(vals["state"]),
	}
	if r, ok := vals["result"]; ok && r != "" {
		status.Result = []byte(r)
	}
	return status, nil
}

// Revoke flags a dispatched job for best-effort cancellation. The
// worker observes the flag on its next poll; batches committed before
// then are retained.
func (b *RedisBroker) Revoke(ctx context.Context, handle string) error {
	if err := b.rdb.HSet(ctx, b.jobKey(handle), "revoked", "1").Err(); err != nil {
		return core.ErrInfra(core.CodeBrokerFailed, "revoking job").WithCause(err)
	}
	return nil
}

// =============================================================================
// Consumer side (job.Queue)
// =============================================================================

// Dequeue blocks until a payload is available or ctx is done.
func (b *RedisBroker) Dequeue(ctx context.Context) (*core.JobPayload, error) {
	res, err := b.rdb.BRPop(ctx, 0, b.queueKey()).Result()
	if err != nil {
		return nil, core.ErrInfra(core.CodeBrokerFailed, "dequeuing job").WithCause(err)
	}
	if len(res) != 2 {
		return nil, core.ErrInfra(core.CodeBrokerFailed, "unexpected BRPOP reply shape")
	}

	var payload core.JobPayload
	if err := json.Unmarshal([]byte(res[1]), &payload); err != nil {
		return nil, core.ErrInfra(core.CodeBrokerFailed, "decoding job payload").WithCause(err)
	}

	if err := b.rdb.HSet(ctx, b.jobKey(payload.JobID), "state", string(core.JobStatusRunning)).Err(); err != nil {
		return nil, core.ErrInfra(core.CodeBrokerFailed, "marking job running").WithCause(err)
	}
	return &payload, nil
}

// Revoked reports whether the job has been flagged for cancellation.
func (b *RedisBroker) Revoked(ctx context.Context, jobID string) (bool, error) {
	v, err := b.rdb.HGet(ctx, b.jobKey(jobID), "revoked").Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, core.ErrInfra(core.CodeBrokerFailed, "reading revoke flag").WithCause(err)
	}
	return v == "1", nil
}

// Complete publishes the terminal result for pollers.
func (b *RedisBroker) Complete(ctx context.Context, jobID string, result *core.JobResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshaling job result: %w", err)
	}
	err = b.rdb.HSet(ctx, b.jobKey(jobID), map[string]interface{}{
		"state":  string(result.Status),
		"result": string(data),
	}).Err()
	if err != nil {
		return core.ErrInfra(core.CodeBrokerFailed, "writing job result").WithCause(err)
	}
	return nil
}
