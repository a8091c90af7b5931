package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stackbrowse/orchestrator/internal/model"
)

func TestBreakerOpensAfterConsecutiveInfraFailures(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewWithDB(db, "sqlite3", zap.NewNop())
	ctx := context.Background()

	// Five consecutive connectivity failures trip the breaker.
	for i := 0; i < 5; i++ {
		mock.ExpectQuery("SELECT id, name").WillReturnError(assert.AnError)
		_, err := s.GetWorkflow(ctx, "wf-1")
		require.Error(t, err)
		assert.True(t, model.IsKind(err, model.ErrStoreUnavailable))
	}

	// The sixth call fails fast without touching the database.
	_, err = s.GetWorkflow(ctx, "wf-1")
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.ErrStoreUnavailable))
	assert.Contains(t, err.Error(), "circuit breaker is open")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBreakerIgnoresBusinessOutcomes(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewWithDB(db, "sqlite3", zap.NewNop())
	ctx := context.Background()

	// Not-found outcomes never trip the breaker, no matter how many.
	for i := 0; i < 10; i++ {
		mock.ExpectQuery("SELECT id, name").WillReturnRows(
			sqlmock.NewRows([]string{"id"}))
		_, err := s.GetWorkflow(ctx, "missing")
		require.Error(t, err)
		assert.True(t, model.IsKind(err, model.ErrNotFound))
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := newBreaker(BreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     10 * time.Millisecond,
		HalfOpenRequests: 1,
	}, zap.NewNop())

	boom := func() error { return assert.AnError }
	ok := func() error { return nil }

	require.Error(t, b.Execute(boom))
	require.Error(t, b.Execute(boom))

	// Open: fail fast.
	err := b.Execute(ok)
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.ErrStoreUnavailable))

	// After the reset timeout one probe goes through and closes the circuit.
	time.Sleep(15 * time.Millisecond)
	require.NoError(t, b.Execute(ok))
	require.NoError(t, b.Execute(ok))
}
