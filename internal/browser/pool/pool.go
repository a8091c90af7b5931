// Package pool maintains a bounded set of reusable browser pages on top of
// a Driver. It enforces the page ceiling, resets pages between uses and
// closes surplus idle pages.
package pool

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/stackbrowse/orchestrator/internal/browser"
	"github.com/stackbrowse/orchestrator/internal/metrics"
	"github.com/stackbrowse/orchestrator/internal/model"
)

// ResetPolicy selects how released pages are scrubbed before reuse.
type ResetPolicy string

const (
	// ResetFull navigates the page to about:blank and clears its state
	// through the driver before it re-enters the idle set.
	ResetFull ResetPolicy = "full"
	// ResetFast skips the driver reset and reuses the page as-is.
	ResetFast ResetPolicy = "fast"
)

// Config holds pool limits.
type Config struct {
	MaxPages    int
	MaxIdle     int
	ResetPolicy ResetPolicy
	// ResetTimeout bounds the driver reset on release.
	ResetTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxPages <= 0 {
		c.MaxPages = 5
	}
	if c.MaxIdle <= 0 || c.MaxIdle > c.MaxPages {
		c.MaxIdle = c.MaxPages
	}
	if c.ResetPolicy == "" {
		c.ResetPolicy = ResetFull
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 5 * time.Second
	}
}

// Pool hands out driver pages under a hard ceiling. Two concurrent acquires
// never observe the same page; the number of live pages never exceeds
// MaxPages.
type Pool struct {
	driver browser.Driver
	cfg    Config
	logger *zap.Logger

	// idle holds pages ready for reuse; slots holds open-permission tokens.
	// A page is live iff its token is absent from slots.
	idle  chan browser.Page
	slots chan struct{}

	closed atomic.Bool
}

// New creates a pool over the given driver.
func New(driver browser.Driver, cfg Config, logger *zap.Logger) *Pool {
	cfg.applyDefaults()
	p := &Pool{
		driver: driver,
		cfg:    cfg,
		logger: logger,
		idle:   make(chan browser.Page, cfg.MaxIdle),
		slots:  make(chan struct{}, cfg.MaxPages),
	}
	for i := 0; i < cfg.MaxPages; i++ {
		p.slots <- struct{}{}
	}
	return p
}

// Live reports the number of currently open pages.
func (p *Pool) Live() int {
	return p.cfg.MaxPages - len(p.slots)
}

// Acquire returns an idle page if one exists, opens a new page while the
// pool is below its ceiling, and otherwise blocks until a page is released
// or the context ends. Acquisition failures are retryable driver errors.
func (p *Pool) Acquire(ctx context.Context) (browser.Page, error) {
	if p.closed.Load() {
		return nil, model.NewError(model.ErrDriverCrashed, "page pool is closed")
	}

	// Fast paths: idle page first, then a free slot.
	select {
	case page := <-p.idle:
		return page, nil
	default:
	}
	select {
	case <-p.slots:
		return p.open(ctx)
	default:
	}

	select {
	case page := <-p.idle:
		return page, nil
	case <-p.slots:
		return p.open(ctx)
	case <-ctx.Done():
		if ctx.Err() == context.Canceled {
			return nil, model.NewError(model.ErrCancelled, "page acquire cancelled")
		}
		return nil, model.NewError(model.ErrTimeout, "timed out waiting for a free page")
	}
}

func (p *Pool) open(ctx context.Context) (browser.Page, error) {
	page, err := p.driver.OpenPage(ctx)
	if err != nil {
		p.slots <- struct{}{}
		if e := model.AsError(err); e != nil {
			return nil, e
		}
		return nil, model.NewError(model.ErrDriverCrashed, "open page: %v", err)
	}
	metrics.PagePoolLive.Set(float64(p.Live()))
	return page, nil
}

// Release returns a page to the pool. The page is reset per the pool's
// reset policy; a failed reset closes the page. Surplus idle pages beyond
// MaxIdle are closed.
func (p *Pool) Release(page browser.Page) {
	if page == nil {
		return
	}
	if p.closed.Load() {
		p.discard(page)
		return
	}

	if p.cfg.ResetPolicy == ResetFull {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ResetTimeout)
		err := p.driver.ResetPage(ctx, page)
		cancel()
		if err != nil {
			p.logger.Warn("Page reset failed, closing page",
				zap.String("page_id", page.ID()),
				zap.Error(err),
			)
			p.discard(page)
			return
		}
	}

	select {
	case p.idle <- page:
	default:
		// Idle set is full; close the surplus page.
		p.discard(page)
	}
}

// discard closes a page and frees its slot.
func (p *Pool) discard(page browser.Page) {
	p.driver.ClosePage(page)
	select {
	case p.slots <- struct{}{}:
	default:
		// Slot accounting is off only if a page was double-released.
		p.logger.Error("Page slot overflow on discard", zap.String("page_id", page.ID()))
	}
	metrics.PagePoolLive.Set(float64(p.Live()))
}

// CloseAll closes every idle page and marks the pool closed. Pages still
// checked out are closed as they are released.
func (p *Pool) CloseAll() {
	if p.closed.Swap(true) {
		return
	}
	for {
		select {
		case page := <-p.idle:
			p.discard(page)
		default:
			metrics.PagePoolLive.Set(float64(p.Live()))
			return
		}
	}
}
