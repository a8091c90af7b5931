// Package service is the transport-agnostic API surface: workflow CRUD,
// execution submission and cancellation, and event subscriptions. Transports
// (HTTP, embedded callers) sit on top of it and stay thin.
package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/stackbrowse/orchestrator/internal/agent"
	"github.com/stackbrowse/orchestrator/internal/config"
	"github.com/stackbrowse/orchestrator/internal/engine"
	"github.com/stackbrowse/orchestrator/internal/eventbus"
	"github.com/stackbrowse/orchestrator/internal/model"
	"github.com/stackbrowse/orchestrator/internal/store"
)

// Service wires the store, engine and event bus behind one API.
type Service struct {
	store    store.Store
	engine   *engine.Engine
	bus      *eventbus.Bus
	registry *agent.Registry
	logger   *zap.Logger
	limiter  *rate.Limiter
}

// New builds the service. The limiter bounds ExecuteWorkflow submissions.
func New(st store.Store, eng *engine.Engine, bus *eventbus.Bus, reg *agent.Registry, cfg config.EngineConfig, logger *zap.Logger) *Service {
	return &Service{
		store:    st,
		engine:   eng,
		bus:      bus,
		registry: reg,
		logger:   logger,
		limiter:  rate.NewLimiter(rate.Limit(cfg.SubmitRatePerSecond), cfg.SubmitBurst),
	}
}

// CreateWorkflowRequest carries the caller-supplied workflow fields.
type CreateWorkflowRequest struct {
	Name              string           `json:"name"`
	OwnerID           string           `json:"owner_id"`
	Definition        model.Definition `json:"definition"`
	TimeoutSeconds    int              `json:"timeout_seconds,omitempty"`
	MaxRetriesDefault *int             `json:"max_retries_default,omitempty"`
	IsTemplate        bool             `json:"is_template,omitempty"`
}

// CreateWorkflow validates the definition and persists the workflow as
// active. Validation failures name the offending task.
func (s *Service) CreateWorkflow(ctx context.Context, req CreateWorkflowRequest) (*model.Workflow, error) {
	if req.Name == "" {
		return nil, model.NewError(model.ErrInvalidDefinition, "workflow name must not be empty")
	}
	if err := model.ValidateDefinition(&req.Definition); err != nil {
		return nil, err
	}
	for _, t := range req.Definition.Tasks {
		if _, err := s.registry.Get(t.AgentType); err != nil {
			return nil, model.NewError(model.ErrInvalidDefinition,
				"task %q uses unknown agent type %q", t.Name, t.AgentType)
		}
	}
	now := time.Now().UTC()
	wf := &model.Workflow{
		ID:                uuid.NewString(),
		Name:              req.Name,
		OwnerID:           req.OwnerID,
		Definition:        req.Definition,
		Status:            model.WorkflowActive,
		TimeoutSeconds:    req.TimeoutSeconds,
		MaxRetriesDefault: req.MaxRetriesDefault,
		IsTemplate:        req.IsTemplate,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	s.logger.Info("Workflow created",
		zap.String("workflow_id", wf.ID),
		zap.String("name", wf.Name),
		zap.Int("tasks", len(wf.Definition.Tasks)),
	)
	return wf, nil
}

// GetWorkflow fetches one workflow by id.
func (s *Service) GetWorkflow(ctx context.Context, id string) (*model.Workflow, error) {
	return s.store.GetWorkflow(ctx, id)
}

// ListWorkflows lists an owner's workflows with optional status and
// template filters.
func (s *Service) ListWorkflows(ctx context.Context, ownerID string, f store.ListFilter) ([]*model.Workflow, error) {
	return s.store.ListWorkflows(ctx, ownerID, f)
}

// ArchiveWorkflow marks the workflow archived. Archived workflows keep
// their execution history but reject new executions.
func (s *Service) ArchiveWorkflow(ctx context.Context, id string) error {
	if _, err := s.store.GetWorkflow(ctx, id); err != nil {
		return err
	}
	if err := s.store.UpdateWorkflowStatus(ctx, id, model.WorkflowArchived); err != nil {
		return err
	}
	s.logger.Info("Workflow archived", zap.String("workflow_id", id))
	return nil
}

// ExecuteWorkflow creates a queued execution and submits it to the engine.
// Archived and inactive workflows are rejected, and submissions are rate
// limited to protect the engine queue.
func (s *Service) ExecuteWorkflow(ctx context.Context, workflowID string, inputs model.JSONMap, triggerType string) (*model.Execution, error) {
	if !s.limiter.Allow() {
		return nil, model.NewError(model.ErrRateLimited, "execution submissions are rate limited")
	}
	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Status != model.WorkflowActive {
		return nil, model.NewError(model.ErrStateConflict,
			"workflow %s is %s and cannot be executed", workflowID, wf.Status)
	}
	if triggerType == "" {
		triggerType = "manual"
	}
	ex := &model.Execution{
		ID:          uuid.NewString(),
		WorkflowID:  workflowID,
		Status:      model.ExecutionQueued,
		TriggerType: triggerType,
		Inputs:      inputs,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateExecution(ctx, ex); err != nil {
		return nil, err
	}
	if err := s.engine.Submit(ctx, ex.ID); err != nil {
		return nil, err
	}
	s.logger.Info("Execution submitted",
		zap.String("execution_id", ex.ID),
		zap.String("workflow_id", workflowID),
		zap.String("trigger_type", triggerType),
	)
	return ex, nil
}

// Progress is a counted summary of an execution's task runs.
type Progress struct {
	Total     int `json:"total"`
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Cancelled int `json:"cancelled"`
}

// ExecutionDetail is the full inspection view of one execution.
type ExecutionDetail struct {
	Execution *model.Execution `json:"execution"`
	TaskRuns  []*model.TaskRun `json:"task_runs"`
	Progress  Progress         `json:"progress"`
}

// GetExecution returns the execution with its task runs and a progress
// summary.
func (s *Service) GetExecution(ctx context.Context, id string) (*ExecutionDetail, error) {
	ex, runs, _, err := s.store.LoadExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	detail := &ExecutionDetail{Execution: ex, TaskRuns: runs}
	detail.Progress.Total = len(runs)
	for _, tr := range runs {
		switch tr.Status {
		case model.TaskQueued:
			detail.Progress.Queued++
		case model.TaskRunning:
			detail.Progress.Running++
		case model.TaskCompleted:
			detail.Progress.Completed++
		case model.TaskFailed:
			detail.Progress.Failed++
		case model.TaskSkipped:
			detail.Progress.Skipped++
		case model.TaskCancelled:
			detail.Progress.Cancelled++
		}
	}
	return detail, nil
}

// ListExecutions lists a workflow's executions, newest first.
func (s *Service) ListExecutions(ctx context.Context, workflowID string, limit int) ([]*model.Execution, error) {
	if _, err := s.store.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	return s.store.ListExecutions(ctx, workflowID, limit)
}

// CancelExecution requests cancellation. Terminal executions fail with an
// ErrTerminal-kind error.
func (s *Service) CancelExecution(ctx context.Context, id string) error {
	return s.engine.Cancel(ctx, id)
}

// SubscribeExecutionEvents opens an event subscription for one execution,
// replaying persisted events from fromSeq before going live.
func (s *Service) SubscribeExecutionEvents(ctx context.Context, executionID string, fromSeq uint64) (*eventbus.Subscription, error) {
	if _, err := s.store.GetExecution(ctx, executionID); err != nil {
		return nil, err
	}
	return s.bus.Subscribe(ctx, executionID, fromSeq)
}

// ExecutionOwner resolves the owner of the workflow behind an execution,
// used by transports for subscriber authorization.
func (s *Service) ExecutionOwner(ctx context.Context, executionID string) (string, error) {
	ex, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return "", err
	}
	wf, err := s.store.GetWorkflow(ctx, ex.WorkflowID)
	if err != nil {
		return "", err
	}
	return wf.OwnerID, nil
}

// Ping reports store health for readiness probes.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
