package engine

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/stackbrowse/orchestrator/internal/agent"
	"github.com/stackbrowse/orchestrator/internal/metrics"
	"github.com/stackbrowse/orchestrator/internal/model"
	"github.com/stackbrowse/orchestrator/internal/observe"
	"github.com/stackbrowse/orchestrator/internal/store"
)

// taskInput is everything a runner needs for one task: the task spec, its
// fully resolved parameters and the effective retry and timeout settings.
type taskInput struct {
	executionID string
	runID       string
	spec        model.TaskSpec
	params      map[string]interface{}
	retryLimit  int
	timeout     time.Duration
}

// runTask executes one task to a terminal status and reports the result.
// It owns every status transition of its run row; if a transition is
// rejected the scheduler detached the run and the runner exits quietly.
// Store writes go through bg so a cancelled run context cannot lose them.
func (e *Engine) runTask(ctx context.Context, bg context.Context, in taskInput, results chan<- taskResult) {
	log := e.logger.With(
		zap.String("execution_id", in.executionID),
		zap.String("task", in.spec.Name),
	)

	startedAt := e.clock.Now()
	err := e.store.TransitionTaskRun(bg, in.runID,
		model.TaskQueued, model.TaskRunning,
		store.TaskRunFields{Attempt: 1, StartedAt: &startedAt})
	if err != nil {
		log.Warn("Task start transition rejected", zap.Error(err))
		results <- taskResult{
			name:   in.spec.Name,
			status: model.TaskCancelled,
			err:    model.NewError(model.ErrCancelled, "task %s detached before start", in.spec.Name),
		}
		return
	}
	e.emit(bg, model.Event{
		ExecutionID: in.executionID,
		Kind:        model.EventTaskStarted,
		TaskName:    in.spec.Name,
		Attempt:     1,
	})

	ag, err := e.registry.Get(in.spec.AgentType)
	if err != nil {
		results <- e.finishTask(bg, log, in, startedAt, 1, model.TaskFailed, nil, model.Classify(err))
		return
	}

	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			err := e.store.TransitionTaskRun(bg, in.runID,
				model.TaskRunning, model.TaskRunning,
				store.TaskRunFields{Attempt: attempt})
			if err != nil {
				log.Warn("Task attempt bump rejected", zap.Error(err))
				results <- taskResult{
					name:   in.spec.Name,
					status: model.TaskCancelled,
					err:    model.NewError(model.ErrCancelled, "task %s detached between attempts", in.spec.Name),
				}
				return
			}
		}

		out, aerr := e.attempt(ctx, ag, in, attempt)
		if aerr == nil {
			results <- e.finishTask(bg, log, in, startedAt, attempt, model.TaskCompleted, out, nil)
			return
		}
		if ctx.Err() != nil {
			results <- e.finishTask(bg, log, in, startedAt, attempt, model.TaskCancelled, nil,
				model.NewError(model.ErrCancelled, "task %s cancelled", in.spec.Name))
			return
		}

		terr := classifyAttempt(aerr, in, attempt)
		if !terr.Retryable || attempt > in.retryLimit {
			results <- e.finishTask(bg, log, in, startedAt, attempt, model.TaskFailed, nil, terr)
			return
		}

		metrics.TaskRetries.WithLabelValues(in.spec.AgentType, in.spec.Action).Inc()
		e.emit(bg, model.Event{
			ExecutionID: in.executionID,
			Kind:        model.EventTaskRetrying,
			TaskName:    in.spec.Name,
			Attempt:     attempt,
			Error:       terr,
		})
		delay := e.backoffDelay(attempt)
		log.Info("Retrying task",
			zap.Int("attempt", attempt),
			zap.Int("retry_limit", in.retryLimit),
			zap.Duration("backoff", delay),
			zap.String("error_kind", string(terr.Kind)),
		)
		select {
		case <-ctx.Done():
			results <- e.finishTask(bg, log, in, startedAt, attempt, model.TaskCancelled, nil,
				model.NewError(model.ErrCancelled, "task %s cancelled during backoff", in.spec.Name))
			return
		case <-e.clock.After(delay):
		}
	}
}

// attempt runs one agent call under the per-attempt deadline.
func (e *Engine) attempt(ctx context.Context, ag agent.Agent, in taskInput, attempt int) (map[string]interface{}, error) {
	actx := ctx
	if in.timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, in.timeout)
		defer cancel()
	}
	sctx, span := observe.StartTaskSpan(actx, in.spec.Name, in.spec.AgentType, in.spec.Action, attempt)
	out, err := ag.Execute(sctx, in.spec.Action, in.params)
	observe.EndSpan(span, err)
	return out, err
}

// classifyAttempt maps an attempt error into the taxonomy. A raw deadline
// error from an agent that does not classify its own timeouts becomes a
// retryable ErrTimeout.
func classifyAttempt(err error, in taskInput, attempt int) *model.Error {
	if e := model.AsError(err); e != nil {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.NewError(model.ErrTimeout,
			"action %q timed out after %s on attempt %d", in.spec.Action, in.timeout, attempt)
	}
	return model.Classify(err)
}

// finishTask writes the terminal run row state and emits the terminal task
// event. A CAS rejection means the scheduler already detached this run; the
// result is reported as cancelled and no event is emitted.
func (e *Engine) finishTask(bg context.Context, log *zap.Logger, in taskInput, startedAt time.Time, attempt int, status model.TaskStatus, out map[string]interface{}, terr *model.Error) taskResult {
	now := e.clock.Now()
	dur := now.Sub(startedAt).Milliseconds()
	fields := store.TaskRunFields{
		Attempt:     attempt,
		CompletedAt: &now,
		DurationMs:  &dur,
		Error:       terr,
	}
	if out != nil {
		fields.Output = model.JSONMap(out)
	}
	err := e.store.TransitionTaskRun(bg, in.runID, model.TaskRunning, status, fields)
	if err != nil {
		if model.IsKind(err, model.ErrStateConflict) {
			return taskResult{
				name:   in.spec.Name,
				status: model.TaskCancelled,
				err:    model.NewError(model.ErrCancelled, "task %s detached", in.spec.Name),
			}
		}
		// The terminal state never reached the store. Reporting success on a
		// lost write would let dependents run against a task the store still
		// shows as running, so the task fails instead.
		log.Error("Task finalize transition failed", zap.Error(err))
		status = model.TaskFailed
		out = nil
		terr = model.Classify(err)
	}

	metrics.TasksCompleted.WithLabelValues(in.spec.AgentType, in.spec.Action, string(status)).Inc()
	metrics.TaskDuration.WithLabelValues(in.spec.AgentType, in.spec.Action).Observe(float64(dur) / 1000)

	switch status {
	case model.TaskCompleted:
		e.emit(bg, model.Event{
			ExecutionID:  in.executionID,
			Kind:         model.EventTaskSucceeded,
			TaskName:     in.spec.Name,
			Attempt:      attempt,
			OutputDigest: model.Digest(out),
		})
	default:
		e.emit(bg, model.Event{
			ExecutionID: in.executionID,
			Kind:        model.EventTaskFailed,
			TaskName:    in.spec.Name,
			Attempt:     attempt,
			Error:       terr,
		})
	}
	return taskResult{name: in.spec.Name, status: status, output: out, err: terr}
}

// backoffDelay computes the wait before retry n+1: the base doubled per
// prior attempt, clamped to the cap, plus up to one base of jitter.
func (e *Engine) backoffDelay(attempt int) time.Duration {
	cfg := e.engineCfg()
	base := cfg.RetryBase()
	max := cfg.RetryCap()
	d := base
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	if cfg.RetryJitter == "full" && base > 0 {
		d += time.Duration(rand.Int63n(int64(base)))
	}
	return d
}
