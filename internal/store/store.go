// Package store defines the persistence capability the engine runs on and
// provides the SQL implementation for Postgres and embedded SQLite.
package store

import (
	"context"
	"time"

	"github.com/stackbrowse/orchestrator/internal/model"
)

// ListFilter narrows ListWorkflows results.
type ListFilter struct {
	Status        model.WorkflowStatus
	TemplatesOnly bool
	Limit         int
	Offset        int
}

// ExecutionFields carries the columns set alongside an execution status
// transition. Nil fields are left untouched.
type ExecutionFields struct {
	StartedAt   *time.Time
	CompletedAt *time.Time
	DurationMs  *int64
	Output      model.JSONMap
	Error       *model.Error
}

// TaskRunFields carries the columns set alongside a task run status
// transition. Nil fields are left untouched; Attempt is updated when > 0.
type TaskRunFields struct {
	Attempt     int
	StartedAt   *time.Time
	CompletedAt *time.Time
	DurationMs  *int64
	Output      model.JSONMap
	Error       *model.Error
}

// Store is the durable source of truth for workflows, executions, task runs
// and the append-only execution event log.
//
// Every status transition is a compare-and-swap on the row's current status;
// a stale transition fails with an ErrStateConflict-kind error carrying the
// observed status so callers can reconcile. Append-only event writes assign
// a per-execution monotonic sequence number.
type Store interface {
	CreateWorkflow(ctx context.Context, wf *model.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*model.Workflow, error)
	ListWorkflows(ctx context.Context, ownerID string, f ListFilter) ([]*model.Workflow, error)
	UpdateWorkflowStatus(ctx context.Context, id string, status model.WorkflowStatus) error

	CreateExecution(ctx context.Context, ex *model.Execution) error
	GetExecution(ctx context.Context, id string) (*model.Execution, error)
	ListExecutions(ctx context.Context, workflowID string, limit int) ([]*model.Execution, error)
	// ListActiveExecutions returns executions left in running or cancelling
	// state, used by the engine's orphan scan at startup.
	ListActiveExecutions(ctx context.Context) ([]*model.Execution, error)
	TransitionExecution(ctx context.Context, id string, from, to model.ExecutionStatus, f ExecutionFields) error

	CreateTaskRun(ctx context.Context, tr *model.TaskRun) error
	TransitionTaskRun(ctx context.Context, id string, from, to model.TaskStatus, f TaskRunFields) error
	ListTaskRuns(ctx context.Context, executionID string) ([]*model.TaskRun, error)

	// AppendEvent persists the event and fills in its Seq.
	AppendEvent(ctx context.Context, ev *model.Event) error
	ListEvents(ctx context.Context, executionID string, fromSeq uint64) ([]model.Event, error)

	// LoadExecution returns the execution with its task runs and full event
	// log for inspection and resume.
	LoadExecution(ctx context.Context, id string) (*model.Execution, []*model.TaskRun, []model.Event, error)

	Ping(ctx context.Context) error
	Close() error
}
