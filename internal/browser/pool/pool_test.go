package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stackbrowse/orchestrator/internal/browser"
	"github.com/stackbrowse/orchestrator/internal/model"
)

func newTestPool(t *testing.T, cfg Config) (*Pool, *browser.StubDriver) {
	t.Helper()
	driver := browser.NewStubDriver()
	p := New(driver, cfg, zap.NewNop())
	t.Cleanup(p.CloseAll)
	return p, driver
}

func TestAcquireOpensUpToCeiling(t *testing.T) {
	p, driver := newTestPool(t, Config{MaxPages: 2})
	ctx := context.Background()

	a, err := p.Acquire(ctx)
	require.NoError(t, err)
	b, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, 2, p.Live())
	assert.Equal(t, int64(2), driver.Opens())
}

func TestAcquireBlocksAtCeiling(t *testing.T) {
	p, _ := newTestPool(t, Config{MaxPages: 1})
	ctx := context.Background()

	page, err := p.Acquire(ctx)
	require.NoError(t, err)

	blockedCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(blockedCtx)
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.ErrTimeout))

	p.Release(page)
	got, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Live())
	p.Release(got)
}

func TestReleaseResetsForReuse(t *testing.T) {
	p, driver := newTestPool(t, Config{MaxPages: 2, ResetPolicy: ResetFull})
	ctx := context.Background()

	page, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(page)
	assert.Equal(t, int64(1), driver.Resets())

	again, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, page.ID(), again.ID())
	assert.Equal(t, int64(1), driver.Opens())
	p.Release(again)
}

func TestReleaseFastSkipsReset(t *testing.T) {
	p, driver := newTestPool(t, Config{MaxPages: 2, ResetPolicy: ResetFast})
	page, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(page)
	assert.Equal(t, int64(0), driver.Resets())
}

func TestSurplusIdlePagesAreClosed(t *testing.T) {
	p, driver := newTestPool(t, Config{MaxPages: 3, MaxIdle: 1})
	ctx := context.Background()

	var pages []browser.Page
	for i := 0; i < 3; i++ {
		pg, err := p.Acquire(ctx)
		require.NoError(t, err)
		pages = append(pages, pg)
	}
	for _, pg := range pages {
		p.Release(pg)
	}
	// One page stays idle, two are closed.
	assert.Equal(t, 1, driver.OpenPages())
	assert.Equal(t, 1, p.Live())
}

func TestConcurrentAcquireNeverExceedsCeiling(t *testing.T) {
	const ceiling = 3
	p, driver := newTestPool(t, Config{MaxPages: ceiling})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			page, err := p.Acquire(ctx)
			if err != nil {
				return
			}
			assert.LessOrEqual(t, driver.OpenPages(), ceiling)
			time.Sleep(time.Millisecond)
			p.Release(page)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, driver.OpenPages(), ceiling)
}

func TestCloseAllClosesIdleAndRejectsAcquire(t *testing.T) {
	p, driver := newTestPool(t, Config{MaxPages: 2})
	ctx := context.Background()

	page, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(page)

	p.CloseAll()
	assert.Equal(t, 0, driver.OpenPages())

	_, err = p.Acquire(ctx)
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.ErrDriverCrashed))
}

func TestAcquireCancelled(t *testing.T) {
	p, _ := newTestPool(t, Config{MaxPages: 1})
	ctx := context.Background()

	page, err := p.Acquire(ctx)
	require.NoError(t, err)
	defer p.Release(page)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = p.Acquire(cctx)
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.ErrCancelled))
}
