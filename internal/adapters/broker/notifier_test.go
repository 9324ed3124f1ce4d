package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasforge-ai/atlasforge/internal/core"
	"github.com/atlasforge-ai/atlasforge/internal/logging"
)

func TestNotifier_PublishSubscribeRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	n := NewNotifier(rdb, logging.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := n.Subscribe(ctx)
	require.NoError(t, err)

	n.Publish(ctx, core.ProgressEvent{
		Type:      core.EventUnitCompleted,
		RunID:     "run-1",
		JobID:     "job-1",
		ConceptID: "c1",
		Content:   core.ContentTypeTutorial,
		At:        time.Now(),
	})

	select {
	case ev := <-events:
		assert.Equal(t, core.EventUnitCompleted, ev.Type)
		assert.Equal(t, core.RunID("run-1"), ev.RunID)
		assert.Equal(t, core.ConceptID("c1"), ev.ConceptID)
	case <-time.After(5 * time.Second):
		t.Fatal("event never arrived")
	}
}

func TestNotifier_SubscriptionClosesWithContext(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	n := NewNotifier(rdb, logging.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	events, err := n.Subscribe(ctx)
	require.NoError(t, err)

	cancel()

	select {
	case _, open := <-events:
		assert.False(t, open, "channel closes after cancellation")
	case <-time.After(5 * time.Second):
		t.Fatal("channel never closed")
	}
}

func TestNotifier_ChannelsAreIsolated(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	a := NewNotifier(rdb, logging.NewNop()).WithChannel("a:events")
	b := NewNotifier(redis.NewClient(&redis.Options{Addr: mr.Addr()}), logging.NewNop()).WithChannel("b:events")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bEvents, err := b.Subscribe(ctx)
	require.NoError(t, err)

	a.Publish(ctx, core.ProgressEvent{Type: core.EventRunCompleted, RunID: "run-1"})

	select {
	case ev := <-bEvents:
		t.Fatalf("unexpected cross-channel event: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}
