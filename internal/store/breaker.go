package store

import (
	"database/sql"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stackbrowse/orchestrator/internal/metrics"
	"github.com/stackbrowse/orchestrator/internal/model"
)

// breakerState is the circuit breaker state guarding the database.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerHalfOpen
	breakerOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerHalfOpen:
		return "half-open"
	case breakerOpen:
		return "open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds circuit breaker thresholds for store operations.
type BreakerConfig struct {
	FailureThreshold uint32        // consecutive failures before opening
	ResetTimeout     time.Duration // open -> half-open delay
	HalfOpenRequests uint32        // probes allowed while half-open
}

// DefaultBreakerConfig returns the defaults used by the SQL store.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     10 * time.Second,
		HalfOpenRequests: 1,
	}
}

// breaker rejects store operations while the database is unhealthy so the
// engine can pause dispatch instead of piling up timeouts.
type breaker struct {
	cfg    BreakerConfig
	logger *zap.Logger

	mu          sync.Mutex
	state       breakerState
	failures    uint32
	halfOpenIn  uint32
	openedUntil time.Time
}

func newBreaker(cfg BreakerConfig, logger *zap.Logger) *breaker {
	return &breaker{cfg: cfg, logger: logger, state: breakerClosed}
}

// Execute runs fn unless the circuit is open. An open circuit fails fast
// with a retryable ErrStoreUnavailable. Only infrastructure failures count
// against the breaker; business outcomes like CAS conflicts or not-found do
// not trip it.
func (b *breaker) Execute(fn func() error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn()
	b.after(!isInfraFailure(err))
	return err
}

// isInfraFailure reports whether err indicates the database itself is
// unhealthy, as opposed to a business outcome (no rows, CAS conflict).
func isInfraFailure(err error) bool {
	if err == nil || errors.Is(err, sql.ErrNoRows) {
		return false
	}
	if e := model.AsError(err); e != nil {
		return e.Kind == model.ErrStoreUnavailable
	}
	return true
}

func (b *breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerOpen:
		if time.Now().Before(b.openedUntil) {
			metrics.StoreUnavailable.Inc()
			return model.NewError(model.ErrStoreUnavailable, "store circuit breaker is open")
		}
		b.transition(breakerHalfOpen)
		b.halfOpenIn = 1
		return nil
	case breakerHalfOpen:
		if b.halfOpenIn >= b.cfg.HalfOpenRequests {
			metrics.StoreUnavailable.Inc()
			return model.NewError(model.ErrStoreUnavailable, "store circuit breaker is probing")
		}
		b.halfOpenIn++
		return nil
	default:
		return nil
	}
}

func (b *breaker) after(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if success {
		b.failures = 0
		if b.state != breakerClosed {
			b.transition(breakerClosed)
		}
		return
	}
	b.failures++
	if b.state == breakerHalfOpen || b.failures >= b.cfg.FailureThreshold {
		b.openedUntil = time.Now().Add(b.cfg.ResetTimeout)
		b.transition(breakerOpen)
	}
}

func (b *breaker) transition(to breakerState) {
	from := b.state
	b.state = to
	b.failures = 0
	b.halfOpenIn = 0
	b.logger.Warn("Store circuit breaker state change",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}
