// Package browser defines the driver capability the engine executes page
// actions through. Any implementation that satisfies Driver is
// interchangeable; the stub driver in this package backs tests and embedded
// runs, real deployments plug in a CDP-backed driver.
package browser

import (
	"context"

	"github.com/stackbrowse/orchestrator/internal/model"
)

// Action is one primitive page operation.
type Action string

const (
	ActionNavigate   Action = "navigate"
	ActionClick      Action = "click"
	ActionType       Action = "type"
	ActionGetText    Action = "get_text"
	ActionScreenshot Action = "screenshot"
	ActionGetContent Action = "get_content"
	ActionEvaluate   Action = "evaluate"
)

// KnownAction reports whether the action is part of the reference set.
func KnownAction(a Action) bool {
	switch a {
	case ActionNavigate, ActionClick, ActionType, ActionGetText,
		ActionScreenshot, ActionGetContent, ActionEvaluate:
		return true
	}
	return false
}

// Result is the JSON-shaped outcome of one action.
type Result map[string]interface{}

// Page is an opaque handle to a browser tab owned by the driver.
type Page interface {
	ID() string
}

// Driver opens pages and performs primitive actions on them.
//
// Execute must honor the context deadline; when the deadline elapses while
// the driver is blocked it returns an ErrTimeout-kind error and the page is
// left in an indeterminate state, so the caller must reset it before reuse.
// Shutdown is idempotent and drops all in-flight operations.
type Driver interface {
	OpenPage(ctx context.Context) (Page, error)
	Execute(ctx context.Context, page Page, action Action, params map[string]interface{}) (Result, error)
	ResetPage(ctx context.Context, page Page) error
	ClosePage(page Page)
	Shutdown()
}

// errFromContext maps a done context to the taxonomy: cancellation becomes
// ErrCancelled, an elapsed deadline becomes ErrTimeout.
func errFromContext(ctx context.Context) *model.Error {
	if ctx.Err() == context.Canceled {
		return model.NewError(model.ErrCancelled, "operation cancelled")
	}
	return model.NewError(model.ErrTimeout, "deadline exceeded during driver call")
}
