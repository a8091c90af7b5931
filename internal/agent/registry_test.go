package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stackbrowse/orchestrator/internal/browser"
	"github.com/stackbrowse/orchestrator/internal/browser/pool"
	"github.com/stackbrowse/orchestrator/internal/model"
)

func newBrowserFixture(t *testing.T) (*BrowserAgent, *browser.StubDriver) {
	t.Helper()
	driver := browser.NewStubDriver()
	pages := pool.New(driver, pool.Config{MaxPages: 2}, zap.NewNop())
	t.Cleanup(pages.CloseAll)
	return NewBrowserAgent(pages, driver, zap.NewNop()), driver
}

func TestRegistryLookup(t *testing.T) {
	reg := NewRegistry()
	agent, _ := newBrowserFixture(t)
	reg.Register(TypeBrowser, agent)

	got, err := reg.Get(TypeBrowser)
	require.NoError(t, err)
	assert.Same(t, agent, got.(*BrowserAgent))

	_, err = reg.Get("llm")
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.ErrInvalidDefinition))
	assert.Equal(t, []string{TypeBrowser}, reg.Types())
}

func TestBrowserAgentExecutesAction(t *testing.T) {
	agent, driver := newBrowserFixture(t)

	out, err := agent.Execute(context.Background(), "navigate",
		map[string]interface{}{"url": "https://example.com"})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", out["final_url"])

	// The borrowed page went back to the pool.
	assert.Equal(t, int64(1), driver.Opens())
	out, err = agent.Execute(context.Background(), "get_content", nil)
	require.NoError(t, err)
	assert.Contains(t, out["content"], "<html>")
	assert.Equal(t, int64(1), driver.Opens())
}

func TestBrowserAgentRejectsUnknownAction(t *testing.T) {
	agent, driver := newBrowserFixture(t)

	_, err := agent.Execute(context.Background(), "teleport", nil)
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.ErrInvalidDefinition))
	assert.Equal(t, int64(0), driver.Opens(), "no page is acquired for an invalid action")
}

func TestBrowserAgentPropagatesActionErrors(t *testing.T) {
	agent, _ := newBrowserFixture(t)

	_, err := agent.Execute(context.Background(), "click", map[string]interface{}{})
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.ErrSelectorTimeout))
	assert.True(t, model.IsRetryable(err))
}
