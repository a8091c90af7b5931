package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/stackbrowse/orchestrator/internal/config"
)

func backoffEngine(t *testing.T, baseMs, capMs int, jitter string) *Engine {
	t.Helper()
	cfg := config.Default().Engine
	cfg.RetryBaseMs = baseMs
	cfg.RetryCapMs = capMs
	cfg.RetryJitter = jitter
	return New(nil, nil, nil, cfg, zap.NewNop())
}

func TestBackoffDoublesUpToCap(t *testing.T) {
	e := backoffEngine(t, 100, 800, "none")

	assert.Equal(t, 100*time.Millisecond, e.backoffDelay(1))
	assert.Equal(t, 200*time.Millisecond, e.backoffDelay(2))
	assert.Equal(t, 400*time.Millisecond, e.backoffDelay(3))
	assert.Equal(t, 800*time.Millisecond, e.backoffDelay(4))
	// Clamped at the cap from here on.
	assert.Equal(t, 800*time.Millisecond, e.backoffDelay(5))
	assert.Equal(t, 800*time.Millisecond, e.backoffDelay(10))
}

func TestBackoffFullJitterStaysBounded(t *testing.T) {
	e := backoffEngine(t, 100, 800, "full")

	for attempt := 1; attempt <= 6; attempt++ {
		for i := 0; i < 50; i++ {
			d := e.backoffDelay(attempt)
			assert.GreaterOrEqual(t, d, 100*time.Millisecond)
			assert.Less(t, d, 900*time.Millisecond, "cap plus one base of jitter")
		}
	}
}
