// Package engine runs workflow executions. A dispatcher feeds queued
// executions to scheduler goroutines under a global parallelism bound;
// each scheduler walks its workflow DAG, dispatching ready tasks to the
// agent registry through a TaskRunner that owns the retry protocol.
package engine

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/stackbrowse/orchestrator/internal/agent"
	"github.com/stackbrowse/orchestrator/internal/config"
	"github.com/stackbrowse/orchestrator/internal/eventbus"
	"github.com/stackbrowse/orchestrator/internal/metrics"
	"github.com/stackbrowse/orchestrator/internal/model"
	"github.com/stackbrowse/orchestrator/internal/store"
)

const (
	submitQueueDepth = 1024
	emitStripes      = 32
)

type submission struct {
	executionID string
	resume      bool
}

// Engine owns the execution lifecycle from queued to terminal. One Engine
// instance hosts all executions of a process; Shutdown cancels the hosted
// executions, so only a crash leaves orphans for the next startup scan.
type Engine struct {
	store    store.Store
	bus      *eventbus.Bus
	registry *agent.Registry
	logger   *zap.Logger
	clock    Clock

	cfgMu sync.RWMutex
	cfg   config.EngineConfig

	sem      *semaphore.Weighted
	subMu    sync.Mutex
	submitCh chan submission

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc

	// emitMu stripes serialize seq assignment and publish per execution so
	// subscribers never see a later seq before an earlier one.
	emitMu [emitStripes]sync.Mutex

	lifeCtx  context.Context
	lifeStop context.CancelFunc
	wg       sync.WaitGroup
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock, letting tests compress backoff and
// timeout waits.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// New builds an Engine. Call Start before submitting executions.
func New(st store.Store, bus *eventbus.Bus, reg *agent.Registry, cfg config.EngineConfig, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		bus:      bus,
		registry: reg,
		logger:   logger,
		clock:    RealClock(),
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.GlobalParallelism)),
		submitCh: make(chan submission, submitQueueDepth),
		running:  make(map[string]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// UpdateConfig applies hot-reloaded tunables. Retry, timeout and grace
// settings take effect for subsequent attempts; global_parallelism needs a
// restart because the semaphore is sized at construction.
func (e *Engine) UpdateConfig(cfg config.EngineConfig) {
	e.cfgMu.Lock()
	cfg.GlobalParallelism = e.cfg.GlobalParallelism
	e.cfg = cfg
	e.cfgMu.Unlock()
}

func (e *Engine) engineCfg() config.EngineConfig {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// Start recovers orphaned executions per the configured policy and begins
// dispatching. The given context bounds only the recovery scan.
func (e *Engine) Start(ctx context.Context) error {
	e.lifeCtx, e.lifeStop = context.WithCancel(context.Background())
	if err := e.recoverOrphans(ctx); err != nil {
		return fmt.Errorf("orphan recovery: %w", err)
	}
	go e.dispatchLoop()
	return nil
}

// Shutdown cancels every hosted execution and waits for schedulers to
// finalize, bounded by the context deadline.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	for id, cancel := range e.running {
		cancel(model.NewError(model.ErrCancelled, "engine shutting down"))
		e.logger.Info("Cancelling execution for shutdown", zap.String("execution_id", id))
	}
	e.mu.Unlock()
	e.lifeStop()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit enqueues a freshly created execution. The execution row must
// already be persisted in queued status.
func (e *Engine) Submit(ctx context.Context, executionID string) error {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	if len(e.submitCh) >= cap(e.submitCh) {
		return model.NewError(model.ErrRateLimited, "submission queue full")
	}
	e.emit(ctx, model.Event{ExecutionID: executionID, Kind: model.EventExecutionQueued})
	e.submitCh <- submission{executionID: executionID}
	metrics.ExecutionsQueued.Inc()
	return nil
}

// Cancel requests cancellation of an execution. Queued executions finalize
// immediately; running ones transition to cancelling and their in-flight
// tasks get the configured grace window before being detached. Cancelling a
// terminal execution fails with an ErrTerminal-kind error.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	ex, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if ex.Status.Terminal() {
		return model.NewError(model.ErrTerminal, "execution %s already %s", executionID, ex.Status)
	}

	if ex.Status == model.ExecutionQueued {
		now := e.clock.Now()
		cerr := model.NewError(model.ErrCancelled, "execution cancelled before start")
		err := e.store.TransitionExecution(ctx, executionID,
			model.ExecutionQueued, model.ExecutionCancelled,
			store.ExecutionFields{CompletedAt: &now, Error: cerr})
		if err == nil {
			metrics.ExecutionsCompleted.WithLabelValues(string(model.ExecutionCancelled)).Inc()
			e.emit(ctx, model.Event{
				ExecutionID: executionID,
				Kind:        model.EventExecutionCancelled,
				Error:       cerr,
			})
			return nil
		}
		if !model.IsKind(err, model.ErrStateConflict) {
			return err
		}
		// Started between the read and the swap; fall through.
	}

	e.mu.Lock()
	cancel, hosted := e.running[executionID]
	e.mu.Unlock()
	if hosted {
		cancel(model.NewError(model.ErrCancelled, "execution cancelled"))
		return nil
	}

	// Not hosted by this engine (orphan from a crashed run). Record the
	// intent; the startup scan resolves it.
	err = e.store.TransitionExecution(ctx, executionID,
		model.ExecutionRunning, model.ExecutionCancelling, store.ExecutionFields{})
	if err != nil && !model.IsKind(err, model.ErrStateConflict) {
		return err
	}
	return nil
}

// RunningCount reports the number of executions hosted right now.
func (e *Engine) RunningCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

func (e *Engine) dispatchLoop() {
	for {
		select {
		case <-e.lifeCtx.Done():
			return
		case sub := <-e.submitCh:
			if err := e.sem.Acquire(e.lifeCtx, 1); err != nil {
				return
			}
			metrics.ExecutionsQueued.Dec()
			e.wg.Add(1)
			go func(sub submission) {
				defer e.wg.Done()
				defer e.sem.Release(1)
				e.runExecution(e.lifeCtx, sub)
			}(sub)
		}
	}
}

func (e *Engine) track(executionID string, cancel context.CancelCauseFunc) {
	e.mu.Lock()
	e.running[executionID] = cancel
	e.mu.Unlock()
}

func (e *Engine) untrack(executionID string) {
	e.mu.Lock()
	delete(e.running, executionID)
	e.mu.Unlock()
}

// emit persists the event (assigning its seq) and publishes it to the bus.
// Append and publish hold the execution's emit stripe: concurrent task
// runners must not publish seq N+1 before seq N, or a subscriber's watermark
// would skip N forever. Events survive caller cancellation so terminal
// transitions are never lost mid-shutdown.
func (e *Engine) emit(ctx context.Context, ev model.Event) {
	bg := context.WithoutCancel(ctx)
	ev.Timestamp = e.clock.Now()
	mu := &e.emitMu[emitStripe(ev.ExecutionID)]
	mu.Lock()
	defer mu.Unlock()
	if err := e.store.AppendEvent(bg, &ev); err != nil {
		e.logger.Error("Event append failed",
			zap.String("execution_id", ev.ExecutionID),
			zap.String("kind", string(ev.Kind)),
			zap.Error(err),
		)
		return
	}
	e.bus.Publish(bg, ev)
}

// recoverOrphans resolves executions left running or cancelling by a
// previous process. Policy "fail" finalizes them with an ErrOrphaned error;
// "resume" re-enqueues them to continue from their persisted task states.
func (e *Engine) recoverOrphans(ctx context.Context) error {
	orphans, err := e.store.ListActiveExecutions(ctx)
	if err != nil {
		return err
	}
	if len(orphans) == 0 {
		return nil
	}
	policy := e.engineCfg().OrphanPolicy
	e.logger.Info("Recovering orphaned executions",
		zap.Int("count", len(orphans)),
		zap.String("policy", policy),
	)
	for _, ex := range orphans {
		if policy == "resume" {
			e.submitCh <- submission{executionID: ex.ID, resume: true}
			metrics.ExecutionsQueued.Inc()
			continue
		}
		e.failOrphan(ctx, ex)
	}
	return nil
}

func (e *Engine) failOrphan(ctx context.Context, ex *model.Execution) {
	oerr := model.NewError(model.ErrOrphaned, "execution abandoned by a previous engine process")
	now := e.clock.Now()

	runs, err := e.store.ListTaskRuns(ctx, ex.ID)
	if err != nil {
		e.logger.Error("Orphan task run listing failed",
			zap.String("execution_id", ex.ID), zap.Error(err))
	}
	for _, tr := range runs {
		if tr.Status.Terminal() {
			continue
		}
		err := e.store.TransitionTaskRun(ctx, tr.ID, tr.Status, model.TaskFailed,
			store.TaskRunFields{CompletedAt: &now, Error: oerr})
		if err != nil {
			e.logger.Warn("Orphan task run transition failed",
				zap.String("task_run_id", tr.ID), zap.Error(err))
			continue
		}
		e.emit(ctx, model.Event{
			ExecutionID: ex.ID,
			Kind:        model.EventTaskFailed,
			TaskName:    tr.TaskName,
			Attempt:     tr.Attempt,
			Error:       oerr,
		})
	}

	to := model.ExecutionFailed
	kind := model.EventExecutionFailed
	ferr := oerr
	if ex.Status == model.ExecutionCancelling {
		to = model.ExecutionCancelled
		kind = model.EventExecutionCancelled
		ferr = model.NewError(model.ErrCancelled, "execution cancelled")
	}
	var dur *int64
	if ex.StartedAt != nil {
		v := now.Sub(*ex.StartedAt).Milliseconds()
		dur = &v
	}
	err = e.store.TransitionExecution(ctx, ex.ID, ex.Status, to,
		store.ExecutionFields{CompletedAt: &now, DurationMs: dur, Error: ferr})
	if err != nil {
		e.logger.Error("Orphan finalize failed",
			zap.String("execution_id", ex.ID), zap.Error(err))
		return
	}
	metrics.ExecutionsCompleted.WithLabelValues(string(to)).Inc()
	e.emit(ctx, model.Event{ExecutionID: ex.ID, Kind: kind, Error: ferr})
	e.logger.Info("Orphaned execution finalized",
		zap.String("execution_id", ex.ID),
		zap.String("status", string(to)),
	)
}

func emitStripe(executionID string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(executionID))
	return h.Sum32() % emitStripes
}

func newTaskRunID() string { return uuid.NewString() }
