package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/stackbrowse/orchestrator/internal/model"
)

// RedisMirror copies every published event into a per-execution Redis
// stream so out-of-process consumers (dashboards, audit pipelines) can tail
// executions without holding an in-process subscription.
type RedisMirror struct {
	client *redis.Client
	logger *zap.Logger
	maxLen int64
	ttl    time.Duration
}

// RedisMirrorConfig bounds the mirrored streams.
type RedisMirrorConfig struct {
	// MaxLen caps each stream (approximate trimming). Default 1024.
	MaxLen int64
	// TTL expires a stream after its last append. Default 24h.
	TTL time.Duration
}

// NewRedisMirror creates a mirror over an existing Redis client.
func NewRedisMirror(client *redis.Client, cfg RedisMirrorConfig, logger *zap.Logger) *RedisMirror {
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 1024
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &RedisMirror{
		client: client,
		logger: logger,
		maxLen: cfg.MaxLen,
		ttl:    cfg.TTL,
	}
}

// StreamKey returns the Redis stream key for an execution.
func StreamKey(executionID string) string {
	return fmt.Sprintf("execution:events:%s", executionID)
}

// Append XADDs the event to the execution's stream.
func (m *RedisMirror) Append(ctx context.Context, ev model.Event) error {
	key := StreamKey(ev.ExecutionID)
	pipe := m.client.Pipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: m.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"seq":  ev.Seq,
			"kind": string(ev.Kind),
			"data": string(ev.Marshal()),
		},
	})
	pipe.Expire(ctx, key, m.ttl)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("xadd %s: %w", key, err)
	}
	return nil
}
