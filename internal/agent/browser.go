package agent

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/stackbrowse/orchestrator/internal/browser"
	"github.com/stackbrowse/orchestrator/internal/browser/pool"
	"github.com/stackbrowse/orchestrator/internal/metrics"
	"github.com/stackbrowse/orchestrator/internal/model"
)

// Type names for registry registration.
const TypeBrowser = "browser"

// BrowserAgent executes page actions by borrowing a page from the pool for
// the duration of one action. Pages are always released back, even on
// error; the pool decides whether the page is recycled or closed.
type BrowserAgent struct {
	pool   *pool.Pool
	driver browser.Driver
	logger *zap.Logger
}

// NewBrowserAgent wires the browser capability over a pool and its driver.
func NewBrowserAgent(p *pool.Pool, d browser.Driver, logger *zap.Logger) *BrowserAgent {
	return &BrowserAgent{pool: p, driver: d, logger: logger}
}

// Execute performs one browser action. Pool acquisition failures surface as
// retryable errors so the TaskRunner treats them like transient driver
// faults.
func (a *BrowserAgent) Execute(ctx context.Context, action string, params map[string]interface{}) (map[string]interface{}, error) {
	act := browser.Action(action)
	if !browser.KnownAction(act) {
		return nil, model.NewError(model.ErrInvalidDefinition, "unknown browser action %q", action)
	}

	start := time.Now()
	page, err := a.pool.Acquire(ctx)
	metrics.PagePoolAcquireWait.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	defer a.pool.Release(page)

	result, err := a.driver.Execute(ctx, page, act, params)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}(result), nil
}
