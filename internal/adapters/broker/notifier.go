package broker

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/atlasforge-ai/atlasforge/internal/core"
	"github.com/atlasforge-ai/atlasforge/internal/logging"
)

// RedisNotifier publishes progress events to a Redis pub/sub channel
// so the worker's events reach observers on other processes. Delivery
// is fire-and-forget; loss never affects correctness because final
// state is always recoverable by polling the store.
type RedisNotifier struct {
	rdb     *redis.Client
	channel string
	logger  *logging.Logger
}

// NewNotifier creates a notifier on the default namespaced channel.
func NewNotifier(rdb *redis.Client, logger *logging.Logger) *RedisNotifier {
	return &RedisNotifier{
		rdb:     rdb,
		channel: defaultNamespace + ":events",
		logger:  logger,
	}
}

// WithChannel overrides the pub/sub channel.
func (n *RedisNotifier) WithChannel(ch string) *RedisNotifier {
	n.channel = ch
	return n
}

// Publish implements core.Notifier.
func (n *RedisNotifier) Publish(ctx context.Context, event core.ProgressEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		n.logger.Warn("dropping unserializable progress event", "type", event.Type, "error", err)
		return
	}
	if err := n.rdb.Publish(ctx, n.channel, data).Err(); err != nil {
		n.logger.Warn("progress event publish failed", "type", event.Type, "error", err)
	}
}

// Subscribe streams progress events from the channel into a Go
// channel until ctx is done. Used by status observers.
func (n *RedisNotifier) Subscribe(ctx context.Context) (<-chan core.ProgressEvent, error) {
	sub := n.rdb.Subscribe(ctx, n.channel)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, core.ErrInfra(core.CodeBrokerFailed, "subscribing to progress events").WithCause(err)
	}

	out := make(chan core.ProgressEvent, 64)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev core.ProgressEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					n.logger.Warn("discarding malformed progress event", "error", err)
					continue
				}
				select {
				case out <- ev:
				default:
					// Slow observer; drop rather than block.
				}
			}
		}
	}()
	return out, nil
}
