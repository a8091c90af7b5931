package engine

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/stackbrowse/orchestrator/internal/config"
	"github.com/stackbrowse/orchestrator/internal/metrics"
	"github.com/stackbrowse/orchestrator/internal/model"
	"github.com/stackbrowse/orchestrator/internal/observe"
	"github.com/stackbrowse/orchestrator/internal/resolver"
	"github.com/stackbrowse/orchestrator/internal/store"
)

// taskResult is what a TaskRunner reports back to its scheduler.
type taskResult struct {
	name   string
	status model.TaskStatus
	output map[string]interface{}
	err    *model.Error
}

// runState is the scheduler for one execution. All fields are owned by the
// scheduler goroutine; runners communicate only through the results channel.
type runState struct {
	eng    *Engine
	cfg    config.EngineConfig
	log    *zap.Logger
	cancel context.CancelCauseFunc

	ex  *model.Execution
	wf  *model.Workflow
	def model.Definition

	order      map[string]int
	indegree   map[string]int
	dependents map[string][]string
	status     map[string]model.TaskStatus
	outputs    map[string]map[string]interface{}
	variables  map[string]interface{}

	ready    []string
	inflight map[string]struct{}
	results  chan taskResult

	halted    bool
	anyFailed bool
	firstErr  *model.Error
	cancelled bool
	timedOut  bool
}

func (e *Engine) runExecution(parent context.Context, sub submission) {
	bg := context.WithoutCancel(parent)
	log := e.logger.With(zap.String("execution_id", sub.executionID))

	ex, err := e.store.GetExecution(bg, sub.executionID)
	if err != nil {
		log.Error("Execution load failed", zap.Error(err))
		return
	}
	if ex.Status.Terminal() {
		// Cancelled while still queued.
		return
	}
	wf, err := e.store.GetWorkflow(bg, ex.WorkflowID)
	if err != nil {
		log.Error("Workflow load failed",
			zap.String("workflow_id", ex.WorkflowID), zap.Error(err))
		return
	}

	runCtx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)
	e.track(ex.ID, cancel)
	defer e.untrack(ex.ID)

	if ex.Status == model.ExecutionQueued {
		now := e.clock.Now()
		err := e.store.TransitionExecution(bg, ex.ID,
			model.ExecutionQueued, model.ExecutionRunning,
			store.ExecutionFields{StartedAt: &now})
		if err != nil {
			if !model.IsKind(err, model.ErrStateConflict) {
				log.Error("Execution start transition failed", zap.Error(err))
			}
			return
		}
		ex.Status = model.ExecutionRunning
		ex.StartedAt = &now
		metrics.ExecutionsStarted.Inc()
		e.emit(bg, model.Event{ExecutionID: ex.ID, Kind: model.EventExecutionStarted})
	}

	metrics.ExecutionsActive.Inc()
	defer metrics.ExecutionsActive.Dec()

	sctx, span := observe.StartExecutionSpan(runCtx, ex.ID, wf.ID)

	st := newRunState(e, log, ex, wf)
	st.cancel = cancel
	if sub.resume {
		st.restore(bg)
	}
	st.seedReady()
	st.loop(sctx, bg)
	st.finalize(bg)

	if st.firstErr != nil {
		observe.EndSpan(span, st.firstErr)
	} else {
		observe.EndSpan(span, nil)
	}
}

func newRunState(e *Engine, log *zap.Logger, ex *model.Execution, wf *model.Workflow) *runState {
	cfg := e.engineCfg()
	st := &runState{
		eng:        e,
		cfg:        cfg,
		log:        log,
		ex:         ex,
		wf:         wf,
		def:        wf.Definition,
		order:      make(map[string]int),
		indegree:   make(map[string]int),
		dependents: make(map[string][]string),
		status:     make(map[string]model.TaskStatus),
		outputs:    make(map[string]map[string]interface{}),
		variables:  make(map[string]interface{}),
		inflight:   make(map[string]struct{}),
		// Buffered so a runner detached after the grace window can still
		// deliver its result and exit.
		results: make(chan taskResult, cfg.ParallelismPerExecution),
	}
	for k, v := range wf.Definition.Variables {
		st.variables[k] = v
	}
	for k, v := range ex.Inputs {
		st.variables[k] = v
	}
	for i, t := range wf.Definition.Tasks {
		st.order[t.Name] = i
		st.indegree[t.Name] = len(t.DependsOn)
		for _, dep := range t.DependsOn {
			st.dependents[dep] = append(st.dependents[dep], t.Name)
		}
	}
	return st
}

// restore replays persisted task runs so a resumed execution never reruns a
// task already completed. Stale non-terminal runs from the dead process are
// failed as orphaned and their tasks scheduled fresh.
func (st *runState) restore(bg context.Context) {
	runs, err := st.eng.store.ListTaskRuns(bg, st.ex.ID)
	if err != nil {
		st.log.Error("Resume restore failed", zap.Error(err))
		return
	}
	now := st.eng.clock.Now()
	oerr := model.NewError(model.ErrOrphaned, "task run abandoned by a previous engine process")
	for _, tr := range runs {
		if _, known := st.order[tr.TaskName]; !known {
			continue
		}
		switch {
		case tr.Status == model.TaskCompleted:
			st.status[tr.TaskName] = model.TaskCompleted
			st.outputs[tr.TaskName] = map[string]interface{}(tr.Output)
			for _, dep := range st.dependents[tr.TaskName] {
				st.indegree[dep]--
			}
		case tr.Status.Terminal():
			st.status[tr.TaskName] = tr.Status
			if tr.Status == model.TaskFailed {
				st.anyFailed = true
				if st.firstErr == nil {
					if tr.Error != nil {
						st.firstErr = tr.Error
					} else {
						st.firstErr = model.NewError(model.ErrExecutionFailed,
							"task %s failed before resume", tr.TaskName)
					}
				}
			}
		default:
			// queued or running when the previous process died.
			err := st.eng.store.TransitionTaskRun(bg, tr.ID, tr.Status, model.TaskFailed,
				store.TaskRunFields{CompletedAt: &now, Error: oerr})
			if err != nil {
				st.log.Warn("Stale task run transition failed",
					zap.String("task_run_id", tr.ID), zap.Error(err))
			}
			// Left out of st.status so the task is scheduled again.
		}
	}
	st.log.Info("Execution resumed",
		zap.Int("completed_tasks", len(st.outputs)),
		zap.Int("total_tasks", len(st.def.Tasks)),
	)
}

func (st *runState) seedReady() {
	for _, t := range st.def.Tasks {
		if _, seen := st.status[t.Name]; seen {
			continue
		}
		if st.indegree[t.Name] == 0 {
			st.ready = append(st.ready, t.Name)
		}
	}
}

// pushReady inserts a task keeping the ready set in definition order, so
// ties under limited parallelism resolve deterministically.
func (st *runState) pushReady(name string) {
	i := sort.Search(len(st.ready), func(i int) bool {
		return st.order[st.ready[i]] > st.order[name]
	})
	st.ready = append(st.ready, "")
	copy(st.ready[i+1:], st.ready[i:])
	st.ready[i] = name
}

func (st *runState) executionTimeout() time.Duration {
	secs := st.wf.TimeoutSeconds
	if secs <= 0 {
		secs = st.cfg.DefaultExecutionTimeoutSeconds
	}
	return time.Duration(secs) * time.Second
}

// loop dispatches ready tasks and consumes results until the DAG is
// exhausted, a stop policy halts it, the execution deadline passes, or the
// run context is cancelled.
func (st *runState) loop(ctx context.Context, bg context.Context) {
	var timeoutCh <-chan time.Time
	if d := st.executionTimeout(); d > 0 {
		remaining := d
		if st.ex.StartedAt != nil {
			remaining = d - st.eng.clock.Now().Sub(*st.ex.StartedAt)
		}
		if remaining <= 0 {
			remaining = time.Nanosecond
		}
		timeoutCh = st.eng.clock.After(remaining)
	}

	for {
		st.dispatch(ctx, bg)
		if len(st.inflight) == 0 && (st.halted || len(st.ready) == 0) {
			return
		}
		select {
		case res := <-st.results:
			st.handle(bg, res)
		case <-timeoutCh:
			st.timedOut = true
			st.halted = true
			st.cancel(model.NewError(model.ErrExecutionTimeout,
				"execution exceeded timeout of %s", st.executionTimeout()))
			st.drain(bg)
			return
		case <-ctx.Done():
			st.onCancelled(bg)
			st.drain(bg)
			return
		}
	}
}

func (st *runState) dispatch(ctx context.Context, bg context.Context) {
	for !st.halted && len(st.ready) > 0 && len(st.inflight) < st.cfg.ParallelismPerExecution {
		name := st.ready[0]
		st.ready = st.ready[1:]
		spec, _ := st.def.Task(name)

		now := st.eng.clock.Now()
		tr := &model.TaskRun{
			ID:          newTaskRunID(),
			ExecutionID: st.ex.ID,
			TaskName:    name,
			AgentType:   spec.AgentType,
			Action:      spec.Action,
			Status:      model.TaskQueued,
			RetryLimit:  st.retryLimit(spec),
			Parameters:  model.JSONMap(spec.Parameters),
			CreatedAt:   now,
		}
		if err := st.eng.store.CreateTaskRun(bg, tr); err != nil {
			st.log.Error("Task run create failed",
				zap.String("task", name), zap.Error(err))
			st.failBeforeStart(bg, name, "", model.Classify(err))
			continue
		}
		st.eng.emit(bg, model.Event{
			ExecutionID: st.ex.ID,
			Kind:        model.EventTaskQueued,
			TaskName:    name,
		})

		params, err := resolver.Resolve(spec.Parameters, resolver.Context{
			Variables: st.variables,
			Outputs:   st.outputs,
		})
		if err != nil {
			st.failBeforeStart(bg, name, tr.ID, model.Classify(err))
			continue
		}

		st.inflight[name] = struct{}{}
		in := taskInput{
			executionID: st.ex.ID,
			runID:       tr.ID,
			spec:        spec,
			params:      params,
			retryLimit:  tr.RetryLimit,
			timeout:     st.taskTimeout(spec),
		}
		go st.eng.runTask(ctx, bg, in, st.results)
	}
}

// failBeforeStart records a task that failed before its first attempt,
// typically on an unresolved reference. runID may be empty when the run row
// itself could not be created.
func (st *runState) failBeforeStart(bg context.Context, name, runID string, terr *model.Error) {
	now := st.eng.clock.Now()
	if runID != "" {
		err := st.eng.store.TransitionTaskRun(bg, runID,
			model.TaskQueued, model.TaskFailed,
			store.TaskRunFields{CompletedAt: &now, Error: terr})
		if err != nil {
			st.log.Error("Task fail transition failed",
				zap.String("task", name), zap.Error(err))
		}
		spec, _ := st.def.Task(name)
		metrics.TasksCompleted.WithLabelValues(spec.AgentType, spec.Action, string(model.TaskFailed)).Inc()
		st.eng.emit(bg, model.Event{
			ExecutionID: st.ex.ID,
			Kind:        model.EventTaskFailed,
			TaskName:    name,
			Error:       terr,
		})
	}
	st.status[name] = model.TaskFailed
	st.applyFailure(bg, name, terr)
}

func (st *runState) handle(bg context.Context, res taskResult) {
	delete(st.inflight, res.name)
	st.status[res.name] = res.status
	switch res.status {
	case model.TaskCompleted:
		st.outputs[res.name] = res.output
		for _, dep := range st.dependents[res.name] {
			st.indegree[dep]--
			if st.indegree[dep] == 0 && !st.halted {
				if _, seen := st.status[dep]; !seen {
					st.pushReady(dep)
				}
			}
		}
	case model.TaskFailed:
		st.applyFailure(bg, res.name, res.err)
	case model.TaskCancelled:
		if !st.timedOut {
			st.cancelled = true
		}
		st.halted = true
	}
}

// applyFailure applies the effective on_error policy after a task reached
// failed. "continue" skips only the failed task's descendants; "stop" and
// "retry" (whose retries are already spent by the runner) halt dispatch.
func (st *runState) applyFailure(bg context.Context, name string, terr *model.Error) {
	st.anyFailed = true
	if st.firstErr == nil {
		st.firstErr = terr
	}
	if st.policyFor(name) == model.OnErrorContinue {
		st.skipDescendants(bg, name)
		return
	}
	st.halted = true
}

func (st *runState) policyFor(name string) model.OnError {
	spec, _ := st.def.Task(name)
	if spec.OnError != "" {
		return spec.OnError
	}
	if st.def.OnError != "" {
		return st.def.OnError
	}
	return model.OnErrorStop
}

// skipDescendants marks every transitive dependent of a failed task as
// skipped. A dependent of a failed task can never become ready, so the walk
// only touches unscheduled tasks.
func (st *runState) skipDescendants(bg context.Context, name string) {
	queue := append([]string(nil), st.dependents[name]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if _, seen := st.status[next]; seen {
			continue
		}
		st.markSkipped(bg, next)
		queue = append(queue, st.dependents[next]...)
	}
}

func (st *runState) markSkipped(bg context.Context, name string) {
	st.status[name] = model.TaskSkipped
	spec, _ := st.def.Task(name)
	now := st.eng.clock.Now()
	tr := &model.TaskRun{
		ID:          newTaskRunID(),
		ExecutionID: st.ex.ID,
		TaskName:    name,
		AgentType:   spec.AgentType,
		Action:      spec.Action,
		Status:      model.TaskSkipped,
		CompletedAt: &now,
		CreatedAt:   now,
	}
	if err := st.eng.store.CreateTaskRun(bg, tr); err != nil {
		st.log.Error("Skipped task run create failed",
			zap.String("task", name), zap.Error(err))
	}
	metrics.TasksCompleted.WithLabelValues(spec.AgentType, spec.Action, string(model.TaskSkipped)).Inc()
	st.eng.emit(bg, model.Event{
		ExecutionID: st.ex.ID,
		Kind:        model.EventTaskSkipped,
		TaskName:    name,
	})
}

func (st *runState) onCancelled(bg context.Context) {
	st.cancelled = true
	st.halted = true
	err := st.eng.store.TransitionExecution(bg, st.ex.ID,
		model.ExecutionRunning, model.ExecutionCancelling, store.ExecutionFields{})
	if err != nil && !model.IsKind(err, model.ErrStateConflict) {
		st.log.Error("Cancelling transition failed", zap.Error(err))
	}
}

// drain waits out in-flight runners for the cancellation grace window, then
// force-detaches whatever is still running. A detached runner finds its CAS
// rejected when it eventually finishes and exits quietly.
func (st *runState) drain(bg context.Context) {
	if len(st.inflight) == 0 {
		return
	}
	graceCh := st.eng.clock.After(st.cfg.CancellationGrace())
	for len(st.inflight) > 0 {
		select {
		case res := <-st.results:
			st.handle(bg, res)
		case <-graceCh:
			st.forceDetach(bg)
			return
		}
	}
}

func (st *runState) forceDetach(bg context.Context) {
	now := st.eng.clock.Now()
	cerr := model.NewError(model.ErrCancelled, "task detached after cancellation grace window")
	runs, err := st.eng.store.ListTaskRuns(bg, st.ex.ID)
	if err != nil {
		st.log.Error("Task run listing for detach failed", zap.Error(err))
		runs = nil
	}
	for name := range st.inflight {
		st.log.Warn("Detaching task after grace window", zap.String("task", name))
		st.status[name] = model.TaskCancelled
		for _, tr := range runs {
			if tr.TaskName != name || tr.Status.Terminal() {
				continue
			}
			err := st.eng.store.TransitionTaskRun(bg, tr.ID, tr.Status, model.TaskCancelled,
				store.TaskRunFields{CompletedAt: &now, Error: cerr})
			if err != nil {
				st.log.Warn("Detached task transition failed",
					zap.String("task_run_id", tr.ID), zap.Error(err))
				continue
			}
			metrics.TasksCompleted.WithLabelValues(tr.AgentType, tr.Action, string(model.TaskCancelled)).Inc()
			st.eng.emit(bg, model.Event{
				ExecutionID: st.ex.ID,
				Kind:        model.EventTaskFailed,
				TaskName:    name,
				Attempt:     tr.Attempt,
				Error:       cerr,
			})
		}
	}
	st.inflight = make(map[string]struct{})
}

// finalize writes the terminal execution status, creates skipped run rows
// for tasks never scheduled, and emits the terminal event exactly once.
func (st *runState) finalize(bg context.Context) {
	for _, t := range st.def.Tasks {
		if _, seen := st.status[t.Name]; !seen {
			st.markSkipped(bg, t.Name)
		}
	}

	now := st.eng.clock.Now()
	var dur *int64
	if st.ex.StartedAt != nil {
		v := now.Sub(*st.ex.StartedAt).Milliseconds()
		dur = &v
	}

	var (
		to   model.ExecutionStatus
		kind model.EventKind
		ferr *model.Error
	)
	switch {
	case st.timedOut:
		to, kind = model.ExecutionFailed, model.EventExecutionFailed
		ferr = model.NewError(model.ErrExecutionTimeout,
			"execution exceeded timeout of %s", st.executionTimeout())
	case st.cancelled:
		to, kind = model.ExecutionCancelled, model.EventExecutionCancelled
		ferr = model.NewError(model.ErrCancelled, "execution cancelled")
	case st.anyFailed:
		to, kind = model.ExecutionFailed, model.EventExecutionFailed
		ferr = st.firstErr
	default:
		to, kind = model.ExecutionCompleted, model.EventExecutionCompleted
	}

	fields := store.ExecutionFields{CompletedAt: &now, DurationMs: dur, Error: ferr}
	if to == model.ExecutionCompleted {
		out := make(model.JSONMap, len(st.outputs))
		for name, o := range st.outputs {
			out[name] = o
		}
		fields.Output = out
	}

	err := st.eng.store.TransitionExecution(bg, st.ex.ID,
		model.ExecutionRunning, to, fields)
	if model.IsKind(err, model.ErrStateConflict) {
		err = st.eng.store.TransitionExecution(bg, st.ex.ID,
			model.ExecutionCancelling, to, fields)
	}
	if err != nil {
		if model.IsKind(err, model.ErrStateConflict) {
			// Finalized elsewhere (queued-cancel or orphan scan).
			return
		}
		st.log.Error("Execution finalize failed", zap.Error(err))
		return
	}

	metrics.ExecutionsCompleted.WithLabelValues(string(to)).Inc()
	if dur != nil {
		metrics.ExecutionDuration.Observe(float64(*dur) / 1000)
	}
	st.eng.emit(bg, model.Event{ExecutionID: st.ex.ID, Kind: kind, Error: ferr})
	st.log.Info("Execution finalized",
		zap.String("status", string(to)),
		zap.Int("tasks", len(st.def.Tasks)),
	)
}

func (st *runState) retryLimit(spec model.TaskSpec) int {
	if spec.RetryCount != nil {
		return *spec.RetryCount
	}
	if st.wf.MaxRetriesDefault != nil {
		return *st.wf.MaxRetriesDefault
	}
	return st.cfg.DefaultRetryCount
}

func (st *runState) taskTimeout(spec model.TaskSpec) time.Duration {
	secs := spec.TimeoutSeconds
	if secs <= 0 {
		secs = st.cfg.DefaultTaskTimeoutSeconds
	}
	return time.Duration(secs) * time.Second
}
