package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stackbrowse/orchestrator/internal/model"
)

func newMirrorFixture(t *testing.T) (*RedisMirror, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisMirror(client, RedisMirrorConfig{}, zap.NewNop()), client
}

func TestMirrorAppendsToExecutionStream(t *testing.T) {
	mirror, client := newMirrorFixture(t)
	ctx := context.Background()

	event := model.Event{
		ExecutionID: "ex-1",
		Seq:         7,
		Timestamp:   time.Now().UTC(),
		Kind:        model.EventTaskSucceeded,
		TaskName:    "open",
	}
	require.NoError(t, mirror.Append(ctx, event))

	entries, err := client.XRange(ctx, StreamKey("ex-1"), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "7", entries[0].Values["seq"])
	assert.Equal(t, "task_succeeded", entries[0].Values["kind"])
	assert.Contains(t, entries[0].Values["data"], `"execution_id":"ex-1"`)

	ttl, err := client.TTL(ctx, StreamKey("ex-1")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestBusPublishFeedsMirror(t *testing.T) {
	mirror, client := newMirrorFixture(t)
	bus := New(newMemHistory(), 16, zap.NewNop())
	bus.AttachMirror(mirror)
	ctx := context.Background()

	bus.Publish(ctx, ev("ex-2", 1, model.EventExecutionQueued))
	bus.Publish(ctx, ev("ex-2", 2, model.EventExecutionStarted))

	entries, err := client.XRange(ctx, StreamKey("ex-2"), "-", "+").Result()
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestMirrorFailureDoesNotBreakDelivery(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	bus := New(newMemHistory(), 16, zap.NewNop())
	bus.AttachMirror(NewRedisMirror(client, RedisMirrorConfig{}, zap.NewNop()))
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "ex-3", 0)
	require.NoError(t, err)
	defer sub.Close()

	mr.Close()

	bus.Publish(ctx, ev("ex-3", 1, model.EventExecutionQueued))
	got := collect(t, sub, 1)
	assert.Equal(t, uint64(1), got[0].Seq)
}
