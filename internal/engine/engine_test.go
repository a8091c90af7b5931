package engine

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stackbrowse/orchestrator/internal/agent"
	"github.com/stackbrowse/orchestrator/internal/browser"
	"github.com/stackbrowse/orchestrator/internal/browser/pool"
	"github.com/stackbrowse/orchestrator/internal/config"
	"github.com/stackbrowse/orchestrator/internal/eventbus"
	"github.com/stackbrowse/orchestrator/internal/model"
	"github.com/stackbrowse/orchestrator/internal/store"
)

type fixture struct {
	t      *testing.T
	store  *store.SQLStore
	bus    *eventbus.Bus
	driver *browser.StubDriver
	eng    *Engine
}

// newFixture builds a full engine over a temp SQLite store and the stub
// driver, with backoff compressed to a few milliseconds. When started is
// false the caller seeds rows first and calls Start itself (orphan tests).
func newFixture(t *testing.T, started bool, mutate func(*config.EngineConfig)) *fixture {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "engine.db") + "?_busy_timeout=5000&_fk=1"
	st, err := store.Open(store.Config{Driver: "sqlite3", DSN: dsn}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := eventbus.New(st, 256, zap.NewNop())
	driver := browser.NewStubDriver()
	pages := pool.New(driver, pool.Config{MaxPages: 4}, zap.NewNop())
	t.Cleanup(pages.CloseAll)

	reg := agent.NewRegistry()
	reg.Register(agent.TypeBrowser, agent.NewBrowserAgent(pages, driver, zap.NewNop()))

	cfg := config.Default().Engine
	cfg.RetryBaseMs = 1
	cfg.RetryCapMs = 5
	cfg.CancellationGraceSeconds = 1
	if mutate != nil {
		mutate(&cfg)
	}

	eng := New(st, bus, reg, cfg, zap.NewNop())
	f := &fixture{t: t, store: st, bus: bus, driver: driver, eng: eng}
	if started {
		require.NoError(t, eng.Start(context.Background()))
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})
	return f
}

func (f *fixture) createWorkflow(def model.Definition, mutate func(*model.Workflow)) *model.Workflow {
	f.t.Helper()
	wf := &model.Workflow{
		ID:         uuid.NewString(),
		Name:       "test-workflow",
		OwnerID:    "tester",
		Definition: def,
		Status:     model.WorkflowActive,
	}
	if mutate != nil {
		mutate(wf)
	}
	require.NoError(f.t, f.store.CreateWorkflow(context.Background(), wf))
	return wf
}

func (f *fixture) submit(workflowID string, inputs model.JSONMap) *model.Execution {
	f.t.Helper()
	ex := &model.Execution{
		ID:          uuid.NewString(),
		WorkflowID:  workflowID,
		Status:      model.ExecutionQueued,
		TriggerType: "test",
		Inputs:      inputs,
	}
	require.NoError(f.t, f.store.CreateExecution(context.Background(), ex))
	require.NoError(f.t, f.eng.Submit(context.Background(), ex.ID))
	return ex
}

func (f *fixture) await(executionID string) *model.Execution {
	f.t.Helper()
	var got *model.Execution
	require.Eventually(f.t, func() bool {
		ex, err := f.store.GetExecution(context.Background(), executionID)
		if err != nil {
			return false
		}
		got = ex
		return ex.Status.Terminal()
	}, 10*time.Second, 5*time.Millisecond)
	return got
}

func (f *fixture) events(executionID string) []model.Event {
	f.t.Helper()
	events, err := f.store.ListEvents(context.Background(), executionID, 0)
	require.NoError(f.t, err)
	return events
}

func (f *fixture) eventKinds(executionID string) []model.EventKind {
	events := f.events(executionID)
	kinds := make([]model.EventKind, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind
	}
	return kinds
}

// latestRuns maps each task name to its most recently created run.
func (f *fixture) latestRuns(executionID string) map[string]*model.TaskRun {
	f.t.Helper()
	runs, err := f.store.ListTaskRuns(context.Background(), executionID)
	require.NoError(f.t, err)
	out := make(map[string]*model.TaskRun)
	for _, tr := range runs {
		out[tr.TaskName] = tr
	}
	return out
}

func linearDef() model.Definition {
	return model.Definition{
		Variables: map[string]interface{}{"url": "https://example.com"},
		Tasks: []model.TaskSpec{
			{Name: "open", AgentType: "browser", Action: "navigate",
				Parameters: map[string]interface{}{"url": "${variables.url}"}},
			{Name: "click_title", AgentType: "browser", Action: "click", DependsOn: []string{"open"},
				Parameters: map[string]interface{}{"selector": "${tasks.open.output.title}"}},
		},
	}
}

func TestLinearWorkflowCompletes(t *testing.T) {
	f := newFixture(t, true, nil)
	wf := f.createWorkflow(linearDef(), nil)
	ex := f.submit(wf.ID, nil)

	got := f.await(ex.ID)
	assert.Equal(t, model.ExecutionCompleted, got.Status)
	assert.Nil(t, got.Error)
	require.NotNil(t, got.DurationMs)

	runs := f.latestRuns(ex.ID)
	require.Len(t, runs, 2)
	assert.Equal(t, model.TaskCompleted, runs["open"].Status)
	assert.Equal(t, model.TaskCompleted, runs["click_title"].Status)
	assert.Equal(t, 1, runs["open"].Attempt)

	// Output chaining: click_title resolved its selector from open's output.
	assert.Equal(t, "https://example.com", runs["open"].Output["final_url"])
	assert.Equal(t, "Stub Page", runs["click_title"].Output["selector"])

	clicked, ok := got.Output["click_title"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "clicked", clicked["action"])

	assert.Equal(t, []model.EventKind{
		model.EventExecutionQueued,
		model.EventExecutionStarted,
		model.EventTaskQueued,
		model.EventTaskStarted,
		model.EventTaskSucceeded,
		model.EventTaskQueued,
		model.EventTaskStarted,
		model.EventTaskSucceeded,
		model.EventExecutionCompleted,
	}, f.eventKinds(ex.ID))

	events := f.events(ex.ID)
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Seq, events[i-1].Seq)
	}
}

func TestRetryableFailureRecovers(t *testing.T) {
	f := newFixture(t, true, nil)
	var calls atomic.Int32
	f.driver.ExecuteHook = func(_ browser.Page, action browser.Action, _ map[string]interface{}) (browser.Result, error) {
		if action == browser.ActionNavigate && calls.Add(1) <= 2 {
			return nil, model.NewError(model.ErrNavigation, "connection reset")
		}
		return nil, nil
	}

	wf := f.createWorkflow(linearDef(), nil)
	ex := f.submit(wf.ID, nil)

	got := f.await(ex.ID)
	assert.Equal(t, model.ExecutionCompleted, got.Status)

	runs := f.latestRuns(ex.ID)
	assert.Equal(t, 3, runs["open"].Attempt)

	var retries []model.Event
	for _, ev := range f.events(ex.ID) {
		if ev.Kind == model.EventTaskRetrying {
			retries = append(retries, ev)
		}
	}
	require.Len(t, retries, 2)
	assert.Equal(t, 1, retries[0].Attempt)
	assert.Equal(t, 2, retries[1].Attempt)
	require.NotNil(t, retries[0].Error)
	assert.Equal(t, model.ErrNavigation, retries[0].Error.Kind)
}

func TestRetriesExhausted(t *testing.T) {
	f := newFixture(t, true, nil)
	f.driver.ExecuteHook = func(_ browser.Page, action browser.Action, _ map[string]interface{}) (browser.Result, error) {
		return nil, model.NewError(model.ErrNavigation, "still down")
	}

	retries := 2
	def := linearDef()
	def.Tasks[0].RetryCount = &retries
	wf := f.createWorkflow(def, nil)
	ex := f.submit(wf.ID, nil)

	got := f.await(ex.ID)
	assert.Equal(t, model.ExecutionFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, model.ErrNavigation, got.Error.Kind)

	runs := f.latestRuns(ex.ID)
	assert.Equal(t, model.TaskFailed, runs["open"].Status)
	assert.Equal(t, 3, runs["open"].Attempt, "1 initial + 2 retries")
	assert.Equal(t, model.TaskSkipped, runs["click_title"].Status)
}

func TestNonRetryableFailureStopsImmediately(t *testing.T) {
	f := newFixture(t, true, nil)
	f.driver.ExecuteHook = func(_ browser.Page, action browser.Action, _ map[string]interface{}) (browser.Result, error) {
		if action == browser.ActionNavigate {
			return nil, model.NewError(model.ErrScript, "page rejected automation")
		}
		return nil, nil
	}

	wf := f.createWorkflow(linearDef(), nil)
	ex := f.submit(wf.ID, nil)

	got := f.await(ex.ID)
	assert.Equal(t, model.ExecutionFailed, got.Status)

	runs := f.latestRuns(ex.ID)
	assert.Equal(t, model.TaskFailed, runs["open"].Status)
	assert.Equal(t, 1, runs["open"].Attempt)
	assert.Equal(t, model.TaskSkipped, runs["click_title"].Status)

	kinds := f.eventKinds(ex.ID)
	assert.NotContains(t, kinds, model.EventTaskRetrying)
	assert.Contains(t, kinds, model.EventTaskSkipped)
	var starts int
	for _, k := range kinds {
		if k == model.EventTaskStarted {
			starts++
		}
	}
	assert.Equal(t, 1, starts, "dependent task never started")
}

func TestOnErrorContinueRunsIndependentBranches(t *testing.T) {
	f := newFixture(t, true, nil)
	def := model.Definition{
		OnError: model.OnErrorContinue,
		Tasks: []model.TaskSpec{
			// evaluate without a script fails with a non-retryable error.
			{Name: "broken", AgentType: "browser", Action: "evaluate"},
			{Name: "downstream", AgentType: "browser", Action: "get_content", DependsOn: []string{"broken"}},
			{Name: "independent", AgentType: "browser", Action: "navigate",
				Parameters: map[string]interface{}{"url": "https://example.com"}},
		},
	}
	wf := f.createWorkflow(def, nil)
	ex := f.submit(wf.ID, nil)

	got := f.await(ex.ID)
	assert.Equal(t, model.ExecutionFailed, got.Status, "any task failure fails the execution")
	require.NotNil(t, got.Error)
	assert.Equal(t, model.ErrScript, got.Error.Kind)

	runs := f.latestRuns(ex.ID)
	assert.Equal(t, model.TaskFailed, runs["broken"].Status)
	assert.Equal(t, model.TaskSkipped, runs["downstream"].Status)
	assert.Equal(t, model.TaskCompleted, runs["independent"].Status)
}

func TestUnresolvedReferenceFailsWithoutRetry(t *testing.T) {
	f := newFixture(t, true, nil)
	def := model.Definition{
		Tasks: []model.TaskSpec{
			{Name: "open", AgentType: "browser", Action: "navigate",
				Parameters: map[string]interface{}{"url": "${variables.nope}"}},
		},
	}
	wf := f.createWorkflow(def, nil)
	ex := f.submit(wf.ID, nil)

	got := f.await(ex.ID)
	assert.Equal(t, model.ExecutionFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, model.ErrUnresolvedReference, got.Error.Kind)

	runs := f.latestRuns(ex.ID)
	assert.Equal(t, model.TaskFailed, runs["open"].Status)
	assert.NotContains(t, f.eventKinds(ex.ID), model.EventTaskRetrying)
}

func TestInputsOverrideDefinitionVariables(t *testing.T) {
	f := newFixture(t, true, nil)
	wf := f.createWorkflow(linearDef(), nil)
	ex := f.submit(wf.ID, model.JSONMap{"url": "https://override.test"})

	got := f.await(ex.ID)
	require.Equal(t, model.ExecutionCompleted, got.Status)
	runs := f.latestRuns(ex.ID)
	assert.Equal(t, "https://override.test", runs["open"].Output["final_url"])
}

func TestCancelRunningExecution(t *testing.T) {
	f := newFixture(t, true, nil)
	f.driver.Latency = 300 * time.Millisecond
	wf := f.createWorkflow(linearDef(), nil)
	ex := f.submit(wf.ID, nil)

	require.Eventually(t, func() bool {
		got, err := f.store.GetExecution(context.Background(), ex.ID)
		return err == nil && got.Status == model.ExecutionRunning
	}, 5*time.Second, 2*time.Millisecond)

	require.NoError(t, f.eng.Cancel(context.Background(), ex.ID))

	got := f.await(ex.ID)
	assert.Equal(t, model.ExecutionCancelled, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, model.ErrCancelled, got.Error.Kind)

	kinds := f.eventKinds(ex.ID)
	assert.Equal(t, model.EventExecutionCancelled, kinds[len(kinds)-1])

	// Cancelling a terminal execution is rejected.
	err := f.eng.Cancel(context.Background(), ex.ID)
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.ErrTerminal))
}

func TestCancelQueuedExecution(t *testing.T) {
	f := newFixture(t, true, nil)
	wf := f.createWorkflow(linearDef(), nil)
	// Created but never submitted, so it stays queued.
	ex := &model.Execution{
		ID:         uuid.NewString(),
		WorkflowID: wf.ID,
		Status:     model.ExecutionQueued,
	}
	require.NoError(t, f.store.CreateExecution(context.Background(), ex))

	require.NoError(t, f.eng.Cancel(context.Background(), ex.ID))

	got, err := f.store.GetExecution(context.Background(), ex.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionCancelled, got.Status)
	assert.Equal(t, []model.EventKind{model.EventExecutionCancelled}, f.eventKinds(ex.ID))
}

func TestExecutionTimeout(t *testing.T) {
	f := newFixture(t, true, nil)
	f.driver.Latency = 5 * time.Second
	wf := f.createWorkflow(linearDef(), func(wf *model.Workflow) {
		wf.TimeoutSeconds = 1
	})
	ex := f.submit(wf.ID, nil)

	got := f.await(ex.ID)
	assert.Equal(t, model.ExecutionFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, model.ErrExecutionTimeout, got.Error.Kind)
}

func TestPerExecutionParallelismBound(t *testing.T) {
	f := newFixture(t, true, func(cfg *config.EngineConfig) {
		cfg.ParallelismPerExecution = 2
	})
	var inFlight, peak atomic.Int32
	f.driver.ExecuteHook = func(_ browser.Page, _ browser.Action, _ map[string]interface{}) (browser.Result, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
		return nil, nil
	}

	tasks := make([]model.TaskSpec, 4)
	for i := range tasks {
		tasks[i] = model.TaskSpec{
			Name: string(rune('a' + i)), AgentType: "browser", Action: "get_content",
		}
	}
	wf := f.createWorkflow(model.Definition{Tasks: tasks}, nil)
	ex := f.submit(wf.ID, nil)

	got := f.await(ex.ID)
	assert.Equal(t, model.ExecutionCompleted, got.Status)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Len(t, f.latestRuns(ex.ID), 4)
}

func TestSequentialDispatchFollowsDefinitionOrder(t *testing.T) {
	f := newFixture(t, true, nil)
	tasks := []model.TaskSpec{
		{Name: "first", AgentType: "browser", Action: "get_content"},
		{Name: "second", AgentType: "browser", Action: "get_content"},
		{Name: "third", AgentType: "browser", Action: "get_content"},
	}
	wf := f.createWorkflow(model.Definition{Tasks: tasks}, nil)
	ex := f.submit(wf.ID, nil)
	require.Equal(t, model.ExecutionCompleted, f.await(ex.ID).Status)

	var started []string
	for _, ev := range f.events(ex.ID) {
		if ev.Kind == model.EventTaskStarted {
			started = append(started, ev.TaskName)
		}
	}
	assert.Equal(t, []string{"first", "second", "third"}, started)
}

func TestOrphanFailPolicy(t *testing.T) {
	f := newFixture(t, false, nil)
	ctx := context.Background()
	wf := f.createWorkflow(linearDef(), nil)

	now := time.Now().UTC()
	ex := &model.Execution{ID: uuid.NewString(), WorkflowID: wf.ID, Status: model.ExecutionQueued}
	require.NoError(t, f.store.CreateExecution(ctx, ex))
	require.NoError(t, f.store.TransitionExecution(ctx, ex.ID,
		model.ExecutionQueued, model.ExecutionRunning, store.ExecutionFields{StartedAt: &now}))
	tr := &model.TaskRun{
		ID: uuid.NewString(), ExecutionID: ex.ID, TaskName: "open",
		AgentType: "browser", Action: "navigate", Status: model.TaskRunning, StartedAt: &now,
	}
	require.NoError(t, f.store.CreateTaskRun(ctx, tr))

	require.NoError(t, f.eng.Start(ctx))

	got, err := f.store.GetExecution(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, model.ErrOrphaned, got.Error.Kind)

	runs := f.latestRuns(ex.ID)
	assert.Equal(t, model.TaskFailed, runs["open"].Status)
	require.NotNil(t, runs["open"].Error)
	assert.Equal(t, model.ErrOrphaned, runs["open"].Error.Kind)
}

func TestOrphanResumePolicy(t *testing.T) {
	f := newFixture(t, false, func(cfg *config.EngineConfig) {
		cfg.OrphanPolicy = "resume"
	})
	ctx := context.Background()
	wf := f.createWorkflow(linearDef(), nil)

	now := time.Now().UTC()
	ex := &model.Execution{ID: uuid.NewString(), WorkflowID: wf.ID, Status: model.ExecutionQueued}
	require.NoError(t, f.store.CreateExecution(ctx, ex))
	require.NoError(t, f.store.TransitionExecution(ctx, ex.ID,
		model.ExecutionQueued, model.ExecutionRunning, store.ExecutionFields{StartedAt: &now}))

	// "open" already completed before the crash; its output must feed the
	// resumed "click_title" without re-running it.
	done := now.Add(time.Second)
	tr := &model.TaskRun{
		ID: uuid.NewString(), ExecutionID: ex.ID, TaskName: "open",
		AgentType: "browser", Action: "navigate", Status: model.TaskCompleted,
		StartedAt: &now, CompletedAt: &done,
		Output: model.JSONMap{"final_url": "https://example.com", "title": "Persisted Title"},
	}
	require.NoError(t, f.store.CreateTaskRun(ctx, tr))

	var navigates atomic.Int32
	f.driver.ExecuteHook = func(_ browser.Page, action browser.Action, _ map[string]interface{}) (browser.Result, error) {
		if action == browser.ActionNavigate {
			navigates.Add(1)
		}
		return nil, nil
	}

	require.NoError(t, f.eng.Start(ctx))

	got := f.await(ex.ID)
	assert.Equal(t, model.ExecutionCompleted, got.Status)
	assert.Equal(t, int32(0), navigates.Load(), "completed task must not rerun")

	runs := f.latestRuns(ex.ID)
	assert.Equal(t, model.TaskCompleted, runs["click_title"].Status)
	assert.Equal(t, "Persisted Title", runs["click_title"].Output["selector"])
}

func TestConcurrentTaskEventsStreamInOrder(t *testing.T) {
	f := newFixture(t, true, func(cfg *config.EngineConfig) {
		cfg.ParallelismPerExecution = 4
	})
	ctx := context.Background()

	tasks := make([]model.TaskSpec, 6)
	for i := range tasks {
		tasks[i] = model.TaskSpec{
			Name: fmt.Sprintf("t%d", i), AgentType: "browser", Action: "get_content",
		}
	}
	wf := f.createWorkflow(model.Definition{Tasks: tasks}, nil)

	// Subscribe before submitting so every event arrives live, where
	// concurrent runners could race their publishes.
	ex := &model.Execution{ID: uuid.NewString(), WorkflowID: wf.ID, Status: model.ExecutionQueued}
	require.NoError(t, f.store.CreateExecution(ctx, ex))
	sub, err := f.bus.Subscribe(ctx, ex.ID, 0)
	require.NoError(t, err)
	defer sub.Close()
	require.NoError(t, f.eng.Submit(ctx, ex.ID))

	var seqs []uint64
	deadline := time.After(10 * time.Second)
stream:
	for {
		select {
		case ev := <-sub.Events():
			seqs = append(seqs, ev.Seq)
			if ev.Kind.ExecutionTerminal() {
				break stream
			}
		case <-deadline:
			t.Fatalf("terminal event never arrived, got %d events", len(seqs))
		}
	}

	// No gaps, no reordering, nothing skipped.
	for i, seq := range seqs {
		require.Equal(t, uint64(i+1), seq, "event %d out of order in %v", i, seqs)
	}
}

func TestLargeGraphRunsToCompletion(t *testing.T) {
	f := newFixture(t, true, func(cfg *config.EngineConfig) {
		cfg.ParallelismPerExecution = 8
	})

	// A generated 1000-task DAG where every task depends on up to two
	// earlier tasks, so the graph is acyclic by construction.
	const graphSize = 1000
	rng := rand.New(rand.NewSource(42))
	tasks := make([]model.TaskSpec, graphSize)
	for i := range tasks {
		spec := model.TaskSpec{
			Name: fmt.Sprintf("task-%04d", i), AgentType: "browser", Action: "get_content",
		}
		deps := make(map[int]struct{})
		for d := 0; d < 2 && i > 0; d++ {
			if rng.Intn(3) > 0 {
				deps[rng.Intn(i)] = struct{}{}
			}
		}
		for j := range deps {
			spec.DependsOn = append(spec.DependsOn, fmt.Sprintf("task-%04d", j))
		}
		tasks[i] = spec
	}
	require.NoError(t, model.ValidateDefinition(&model.Definition{Tasks: tasks}))

	wf := f.createWorkflow(model.Definition{Tasks: tasks}, nil)
	ex := f.submit(wf.ID, nil)

	var got *model.Execution
	require.Eventually(t, func() bool {
		e2, err := f.store.GetExecution(context.Background(), ex.ID)
		if err != nil {
			return false
		}
		got = e2
		return got.Status.Terminal()
	}, 120*time.Second, 50*time.Millisecond)
	assert.Equal(t, model.ExecutionCompleted, got.Status)

	runs := f.latestRuns(ex.ID)
	require.Len(t, runs, graphSize)
	for name, tr := range runs {
		require.Equal(t, model.TaskCompleted, tr.Status, "task %s", name)
	}
}

// lossyTaskStore drops every task-completed write, simulating a store
// outage at the moment a runner records success.
type lossyTaskStore struct {
	store.Store
}

func (s *lossyTaskStore) TransitionTaskRun(ctx context.Context, id string, from, to model.TaskStatus, f store.TaskRunFields) error {
	if to == model.TaskCompleted {
		return model.NewError(model.ErrStoreUnavailable, "connection reset during write")
	}
	return s.Store.TransitionTaskRun(ctx, id, from, to, f)
}

func TestLostTerminalWriteFailsTask(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "lossy.db") + "?_busy_timeout=5000&_fk=1"
	st, err := store.Open(store.Config{Driver: "sqlite3", DSN: dsn}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := eventbus.New(st, 64, zap.NewNop())
	driver := browser.NewStubDriver()
	pages := pool.New(driver, pool.Config{MaxPages: 2}, zap.NewNop())
	t.Cleanup(pages.CloseAll)
	reg := agent.NewRegistry()
	reg.Register(agent.TypeBrowser, agent.NewBrowserAgent(pages, driver, zap.NewNop()))

	cfg := config.Default().Engine
	cfg.RetryBaseMs = 1
	cfg.RetryCapMs = 5
	eng := New(&lossyTaskStore{Store: st}, bus, reg, cfg, zap.NewNop())
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})

	ctx := context.Background()
	wf := &model.Workflow{
		ID: uuid.NewString(), Name: "lossy", OwnerID: "tester",
		Status: model.WorkflowActive,
		Definition: model.Definition{Tasks: []model.TaskSpec{
			{Name: "open", AgentType: "browser", Action: "navigate",
				Parameters: map[string]interface{}{"url": "https://example.com"}},
		}},
	}
	require.NoError(t, st.CreateWorkflow(ctx, wf))
	ex := &model.Execution{ID: uuid.NewString(), WorkflowID: wf.ID, Status: model.ExecutionQueued}
	require.NoError(t, st.CreateExecution(ctx, ex))
	require.NoError(t, eng.Submit(ctx, ex.ID))

	var got *model.Execution
	require.Eventually(t, func() bool {
		e2, err := st.GetExecution(ctx, ex.ID)
		if err != nil {
			return false
		}
		got = e2
		return got.Status.Terminal()
	}, 10*time.Second, 5*time.Millisecond)

	// The action succeeded but the success never reached the store, so the
	// task must not be reported completed.
	assert.Equal(t, model.ExecutionFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, model.ErrStoreUnavailable, got.Error.Kind)

	events, err := st.ListEvents(ctx, ex.ID, 0)
	require.NoError(t, err)
	for _, ev := range events {
		assert.NotEqual(t, model.EventTaskSucceeded, ev.Kind)
	}
	runs, err := st.ListTaskRuns(ctx, ex.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.NotEqual(t, model.TaskCompleted, runs[0].Status)
}

func TestShutdownCancelsHostedExecutions(t *testing.T) {
	f := newFixture(t, true, nil)
	f.driver.Latency = 2 * time.Second
	wf := f.createWorkflow(linearDef(), nil)
	ex := f.submit(wf.ID, nil)

	require.Eventually(t, func() bool {
		return f.eng.RunningCount() == 1
	}, 5*time.Second, 2*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.eng.Shutdown(ctx))

	got, err := f.store.GetExecution(context.Background(), ex.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionCancelled, got.Status)
}
