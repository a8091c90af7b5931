package browser

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stackbrowse/orchestrator/internal/model"
)

// StubDriver is a deterministic in-memory Driver. It answers every action
// with the canonical result shape for that action and tracks page lifecycle
// so pool invariants can be asserted. Tests inject failures through
// ExecuteHook.
type StubDriver struct {
	// Latency is added to every Execute call, interruptible by context.
	Latency time.Duration

	// ExecuteHook, when set, runs before the default behavior. Returning a
	// non-nil result or error short-circuits the call.
	ExecuteHook func(page Page, action Action, params map[string]interface{}) (Result, error)

	mu       sync.Mutex
	nextID   uint64
	open     map[string]*stubPage
	shutdown atomic.Bool

	openCount  atomic.Int64
	resetCount atomic.Int64
}

type stubPage struct {
	id  string
	url string
}

func (p *stubPage) ID() string { return p.id }

// NewStubDriver returns an empty stub driver.
func NewStubDriver() *StubDriver {
	return &StubDriver{open: make(map[string]*stubPage)}
}

// OpenPages reports the number of currently open pages.
func (d *StubDriver) OpenPages() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.open)
}

// Opens reports the total number of pages ever opened.
func (d *StubDriver) Opens() int64 { return d.openCount.Load() }

// Resets reports the total number of page resets.
func (d *StubDriver) Resets() int64 { return d.resetCount.Load() }

func (d *StubDriver) OpenPage(ctx context.Context) (Page, error) {
	if d.shutdown.Load() {
		return nil, model.NewError(model.ErrDriverCrashed, "driver is shut down")
	}
	if err := ctx.Err(); err != nil {
		return nil, errFromContext(ctx)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	p := &stubPage{id: fmt.Sprintf("page-%d", d.nextID)}
	d.open[p.id] = p
	d.openCount.Add(1)
	return p, nil
}

func (d *StubDriver) Execute(ctx context.Context, page Page, action Action, params map[string]interface{}) (Result, error) {
	if d.shutdown.Load() {
		return nil, model.NewError(model.ErrDriverCrashed, "driver is shut down")
	}
	sp, err := d.lookup(page)
	if err != nil {
		return nil, err
	}
	if d.ExecuteHook != nil {
		if res, err := d.ExecuteHook(page, action, params); res != nil || err != nil {
			return res, err
		}
	}
	if d.Latency > 0 {
		select {
		case <-time.After(d.Latency):
		case <-ctx.Done():
			return nil, errFromContext(ctx)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, errFromContext(ctx)
	}

	switch action {
	case ActionNavigate:
		url, _ := params["url"].(string)
		if url == "" {
			return nil, model.NewError(model.ErrNavigation, "navigate requires a url")
		}
		sp.url = url
		return Result{"final_url": url, "title": "Stub Page", "status": 200}, nil
	case ActionClick:
		sel, _ := params["selector"].(string)
		if sel == "" {
			return nil, model.NewError(model.ErrSelectorTimeout, "click requires a selector")
		}
		return Result{"selector": sel, "action": "clicked"}, nil
	case ActionType:
		sel, _ := params["selector"].(string)
		text, _ := params["text"].(string)
		if sel == "" {
			return nil, model.NewError(model.ErrSelectorTimeout, "type requires a selector")
		}
		return Result{"selector": sel, "text": text}, nil
	case ActionGetText:
		sel, _ := params["selector"].(string)
		if sel == "" {
			return nil, model.NewError(model.ErrSelectorTimeout, "get_text requires a selector")
		}
		return Result{"selector": sel, "text": "stub text"}, nil
	case ActionScreenshot:
		path, _ := params["path"].(string)
		if path == "" {
			path = "screenshot.png"
		}
		full, _ := params["full_page"].(bool)
		return Result{"path": path, "full_page": full}, nil
	case ActionGetContent:
		return Result{"content": fmt.Sprintf("<html><body>%s</body></html>", sp.url)}, nil
	case ActionEvaluate:
		script, _ := params["script"].(string)
		if script == "" {
			return nil, model.NewError(model.ErrScript, "evaluate requires a script")
		}
		return Result{"result": nil}, nil
	default:
		return nil, model.NewError(model.ErrScript, "unknown action %q", action)
	}
}

func (d *StubDriver) ResetPage(ctx context.Context, page Page) error {
	sp, err := d.lookup(page)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errFromContext(ctx)
	}
	sp.url = "about:blank"
	d.resetCount.Add(1)
	return nil
}

func (d *StubDriver) ClosePage(page Page) {
	if page == nil {
		return
	}
	d.mu.Lock()
	delete(d.open, page.ID())
	d.mu.Unlock()
}

func (d *StubDriver) Shutdown() {
	if d.shutdown.Swap(true) {
		return
	}
	d.mu.Lock()
	d.open = make(map[string]*stubPage)
	d.mu.Unlock()
}

func (d *StubDriver) lookup(page Page) (*stubPage, error) {
	if page == nil {
		return nil, model.NewError(model.ErrDriverCrashed, "nil page handle")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	sp, ok := d.open[page.ID()]
	if !ok {
		return nil, model.NewError(model.ErrDriverCrashed, "page %s is not open", page.ID())
	}
	return sp, nil
}
