package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/stackbrowse/orchestrator/internal/metrics"
	"github.com/stackbrowse/orchestrator/internal/model"
)

// Config holds SQL store configuration. Driver is "postgres" or "sqlite3".
type Config struct {
	Driver          string
	DSN             string
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration
	Breaker         BreakerConfig
}

// SQLStore implements Store over Postgres or embedded SQLite. All writes go
// through a circuit breaker so the engine observes a persistent outage as a
// fast ErrStoreUnavailable instead of a pile of timeouts.
type SQLStore struct {
	db      *sqlx.DB
	logger  *zap.Logger
	breaker *breaker
}

// Open connects, applies the schema and returns a ready store.
func Open(cfg Config, logger *zap.Logger) (*SQLStore, error) {
	if cfg.Driver == "" {
		cfg.Driver = "postgres"
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 25
	}
	if cfg.IdleConnections == 0 {
		cfg.IdleConnections = 5
	}
	if cfg.MaxLifetime == 0 {
		cfg.MaxLifetime = 5 * time.Minute
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker = DefaultBreakerConfig()
	}

	db, err := sqlx.Connect(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Driver, err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.IdleConnections)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	s := &SQLStore{
		db:      db,
		logger:  logger,
		breaker: newBreaker(cfg.Breaker, logger),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("Store initialized",
		zap.String("driver", cfg.Driver),
		zap.Int("max_connections", cfg.MaxConnections),
	)
	return s, nil
}

// NewWithDB wraps an existing connection, used by sqlmock-backed tests.
func NewWithDB(db *sql.DB, driver string, logger *zap.Logger) *SQLStore {
	return &SQLStore{
		db:      sqlx.NewDb(db, driver),
		logger:  logger,
		breaker: newBreaker(DefaultBreakerConfig(), logger),
	}
}

func (s *SQLStore) migrate() error {
	for _, stmt := range schemaDDL(s.db.DriverName()) {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// storeErr maps low-level database failures into the taxonomy. Connectivity
// failures become retryable ErrStoreUnavailable.
func (s *SQLStore) storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return model.NewError(model.ErrNotFound, "%s: not found", op)
	}
	return model.NewError(model.ErrStoreUnavailable, "%s: %v", op, err)
}

func errorJSON(e *model.Error) interface{} {
	if e == nil {
		return nil
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil
	}
	return b
}

func decodeError(raw []byte) *model.Error {
	if len(raw) == 0 {
		return nil
	}
	var e model.Error
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil
	}
	return &e
}

// --- workflows ---

// CreateWorkflow inserts a workflow row. Re-inserting the same id is a
// no-op, which makes retried submissions idempotent.
func (s *SQLStore) CreateWorkflow(ctx context.Context, wf *model.Workflow) error {
	return s.breaker.Execute(func() error {
		if wf.ID == "" {
			wf.ID = uuid.NewString()
		}
		now := time.Now().UTC()
		if wf.CreatedAt.IsZero() {
			wf.CreatedAt = now
		}
		wf.UpdatedAt = now
		if wf.Status == "" {
			wf.Status = model.WorkflowActive
		}
		_, err := s.db.ExecContext(ctx, s.db.Rebind(`
			INSERT INTO workflows (id, name, owner_id, definition, status, timeout_seconds, max_retries_default, is_template, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING`),
			wf.ID, wf.Name, wf.OwnerID, wf.Definition, wf.Status,
			wf.TimeoutSeconds, wf.MaxRetriesDefault, wf.IsTemplate, wf.CreatedAt, wf.UpdatedAt)
		if err != nil {
			return s.storeErr("create workflow", err)
		}
		return nil
	})
}

// GetWorkflow fetches one workflow by id.
func (s *SQLStore) GetWorkflow(ctx context.Context, id string) (*model.Workflow, error) {
	var wf model.Workflow
	err := s.breaker.Execute(func() error {
		return s.db.GetContext(ctx, &wf, s.db.Rebind(`
			SELECT id, name, owner_id, definition, status, timeout_seconds, max_retries_default, is_template, created_at, updated_at
			FROM workflows WHERE id = ?`), id)
	})
	if err != nil {
		return nil, s.storeErr("get workflow", err)
	}
	return &wf, nil
}

// ListWorkflows returns an owner's workflows, newest first.
func (s *SQLStore) ListWorkflows(ctx context.Context, ownerID string, f ListFilter) ([]*model.Workflow, error) {
	q := `SELECT id, name, owner_id, definition, status, timeout_seconds, max_retries_default, is_template, created_at, updated_at
		FROM workflows WHERE owner_id = ?`
	args := []interface{}{ownerID}
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.TemplatesOnly {
		q += ` AND is_template = ?`
		args = append(args, true)
	}
	q += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
		if f.Offset > 0 {
			q += ` OFFSET ?`
			args = append(args, f.Offset)
		}
	}
	var out []*model.Workflow
	err := s.breaker.Execute(func() error {
		return s.db.SelectContext(ctx, &out, s.db.Rebind(q), args...)
	})
	if err != nil {
		return nil, s.storeErr("list workflows", err)
	}
	return out, nil
}

// UpdateWorkflowStatus sets a workflow's lifecycle status.
func (s *SQLStore) UpdateWorkflowStatus(ctx context.Context, id string, status model.WorkflowStatus) error {
	return s.breaker.Execute(func() error {
		res, err := s.db.ExecContext(ctx, s.db.Rebind(
			`UPDATE workflows SET status = ?, updated_at = ? WHERE id = ?`),
			status, time.Now().UTC(), id)
		if err != nil {
			return s.storeErr("update workflow status", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return model.NewError(model.ErrNotFound, "workflow %s not found", id)
		}
		return nil
	})
}

// --- executions ---

type execRow struct {
	model.Execution
	ErrorJSON []byte `db:"error"`
}

const execColumns = `id, workflow_id, status, trigger_type, inputs, output, error, started_at, completed_at, duration_ms, created_at`

// CreateExecution inserts an execution row in queued state. Idempotent on id.
func (s *SQLStore) CreateExecution(ctx context.Context, ex *model.Execution) error {
	return s.breaker.Execute(func() error {
		if ex.ID == "" {
			ex.ID = uuid.NewString()
		}
		if ex.Status == "" {
			ex.Status = model.ExecutionQueued
		}
		if ex.CreatedAt.IsZero() {
			ex.CreatedAt = time.Now().UTC()
		}
		_, err := s.db.ExecContext(ctx, s.db.Rebind(`
			INSERT INTO executions (id, workflow_id, status, trigger_type, inputs, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING`),
			ex.ID, ex.WorkflowID, ex.Status, ex.TriggerType, ex.Inputs, ex.CreatedAt)
		if err != nil {
			return s.storeErr("create execution", err)
		}
		return nil
	})
}

// GetExecution fetches one execution by id.
func (s *SQLStore) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	var row execRow
	err := s.breaker.Execute(func() error {
		return s.db.GetContext(ctx, &row, s.db.Rebind(
			`SELECT `+execColumns+` FROM executions WHERE id = ?`), id)
	})
	if err != nil {
		return nil, s.storeErr("get execution", err)
	}
	row.Execution.Error = decodeError(row.ErrorJSON)
	return &row.Execution, nil
}

// ListExecutions returns a workflow's executions, newest first.
func (s *SQLStore) ListExecutions(ctx context.Context, workflowID string, limit int) ([]*model.Execution, error) {
	q := `SELECT ` + execColumns + ` FROM executions WHERE workflow_id = ? ORDER BY created_at DESC`
	args := []interface{}{workflowID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	var rows []execRow
	err := s.breaker.Execute(func() error {
		return s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...)
	})
	if err != nil {
		return nil, s.storeErr("list executions", err)
	}
	return execRowsToModels(rows), nil
}

// ListActiveExecutions returns executions stuck in running or cancelling.
func (s *SQLStore) ListActiveExecutions(ctx context.Context) ([]*model.Execution, error) {
	var rows []execRow
	err := s.breaker.Execute(func() error {
		return s.db.SelectContext(ctx, &rows, s.db.Rebind(
			`SELECT `+execColumns+` FROM executions WHERE status IN (?, ?) ORDER BY created_at`),
			model.ExecutionRunning, model.ExecutionCancelling)
	})
	if err != nil {
		return nil, s.storeErr("list active executions", err)
	}
	return execRowsToModels(rows), nil
}

func execRowsToModels(rows []execRow) []*model.Execution {
	out := make([]*model.Execution, len(rows))
	for i := range rows {
		rows[i].Execution.Error = decodeError(rows[i].ErrorJSON)
		out[i] = &rows[i].Execution
	}
	return out
}

// TransitionExecution CAS-moves an execution from one status to another.
func (s *SQLStore) TransitionExecution(ctx context.Context, id string, from, to model.ExecutionStatus, f ExecutionFields) error {
	return s.breaker.Execute(func() error {
		res, err := s.db.ExecContext(ctx, s.db.Rebind(`
			UPDATE executions SET
				status = ?,
				started_at = COALESCE(?, started_at),
				completed_at = COALESCE(?, completed_at),
				duration_ms = COALESCE(?, duration_ms),
				output = COALESCE(?, output),
				error = COALESCE(?, error)
			WHERE id = ? AND status = ?`),
			to, f.StartedAt, f.CompletedAt, f.DurationMs, f.Output, errorJSON(f.Error), id, from)
		if err != nil {
			return s.storeErr("transition execution", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return s.executionConflict(ctx, id, from, to)
		}
		return nil
	})
}

func (s *SQLStore) executionConflict(ctx context.Context, id string, from, to model.ExecutionStatus) error {
	var current model.ExecutionStatus
	err := s.db.GetContext(ctx, &current, s.db.Rebind(`SELECT status FROM executions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.NewError(model.ErrNotFound, "execution %s not found", id)
	}
	if err != nil {
		return s.storeErr("transition execution", err)
	}
	metrics.StoreCASConflicts.WithLabelValues("execution").Inc()
	return model.NewError(model.ErrStateConflict,
		"execution %s is %s, expected %s (wanted %s)", id, current, from, to)
}

// --- task runs ---

type taskRunRow struct {
	model.TaskRun
	ErrorJSON []byte `db:"error"`
}

const taskRunColumns = `id, execution_id, task_name, agent_type, action, status, attempt, retry_limit, parameters, output, error, started_at, completed_at, duration_ms, created_at`

// CreateTaskRun inserts a task run row. Idempotent on id.
func (s *SQLStore) CreateTaskRun(ctx context.Context, tr *model.TaskRun) error {
	return s.breaker.Execute(func() error {
		if tr.ID == "" {
			tr.ID = uuid.NewString()
		}
		if tr.Status == "" {
			tr.Status = model.TaskQueued
		}
		if tr.Attempt == 0 {
			tr.Attempt = 1
		}
		if tr.CreatedAt.IsZero() {
			tr.CreatedAt = time.Now().UTC()
		}
		_, err := s.db.ExecContext(ctx, s.db.Rebind(`
			INSERT INTO task_runs (id, execution_id, task_name, agent_type, action, status, attempt, retry_limit, parameters, output, error, started_at, completed_at, duration_ms, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING`),
			tr.ID, tr.ExecutionID, tr.TaskName, tr.AgentType, tr.Action, tr.Status,
			tr.Attempt, tr.RetryLimit, tr.Parameters, tr.Output, errorJSON(tr.Error),
			tr.StartedAt, tr.CompletedAt, tr.DurationMs, tr.CreatedAt)
		if err != nil {
			return s.storeErr("create task run", err)
		}
		return nil
	})
}

// TransitionTaskRun CAS-moves a task run from one status to another.
func (s *SQLStore) TransitionTaskRun(ctx context.Context, id string, from, to model.TaskStatus, f TaskRunFields) error {
	return s.breaker.Execute(func() error {
		var attempt interface{}
		if f.Attempt > 0 {
			attempt = f.Attempt
		}
		res, err := s.db.ExecContext(ctx, s.db.Rebind(`
			UPDATE task_runs SET
				status = ?,
				attempt = COALESCE(?, attempt),
				started_at = COALESCE(?, started_at),
				completed_at = COALESCE(?, completed_at),
				duration_ms = COALESCE(?, duration_ms),
				output = COALESCE(?, output),
				error = COALESCE(?, error)
			WHERE id = ? AND status = ?`),
			to, attempt, f.StartedAt, f.CompletedAt, f.DurationMs, f.Output, errorJSON(f.Error), id, from)
		if err != nil {
			return s.storeErr("transition task run", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return s.taskRunConflict(ctx, id, from, to)
		}
		return nil
	})
}

func (s *SQLStore) taskRunConflict(ctx context.Context, id string, from, to model.TaskStatus) error {
	var current model.TaskStatus
	err := s.db.GetContext(ctx, &current, s.db.Rebind(`SELECT status FROM task_runs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.NewError(model.ErrNotFound, "task run %s not found", id)
	}
	if err != nil {
		return s.storeErr("transition task run", err)
	}
	metrics.StoreCASConflicts.WithLabelValues("task_run").Inc()
	return model.NewError(model.ErrStateConflict,
		"task run %s is %s, expected %s (wanted %s)", id, current, from, to)
}

// ListTaskRuns returns an execution's task runs in creation order.
func (s *SQLStore) ListTaskRuns(ctx context.Context, executionID string) ([]*model.TaskRun, error) {
	var rows []taskRunRow
	err := s.breaker.Execute(func() error {
		return s.db.SelectContext(ctx, &rows, s.db.Rebind(
			`SELECT `+taskRunColumns+` FROM task_runs WHERE execution_id = ? ORDER BY created_at, id`), executionID)
	})
	if err != nil {
		return nil, s.storeErr("list task runs", err)
	}
	out := make([]*model.TaskRun, len(rows))
	for i := range rows {
		rows[i].TaskRun.Error = decodeError(rows[i].ErrorJSON)
		out[i] = &rows[i].TaskRun
	}
	return out, nil
}

// --- events ---

// AppendEvent persists an event with the next per-execution sequence
// number. Concurrent appends for the same execution race on MAX(seq)+1; the
// unique index rejects the loser, which simply recomputes.
func (s *SQLStore) AppendEvent(ctx context.Context, ev *model.Event) error {
	return s.breaker.Execute(func() error {
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now().UTC()
		}
		const maxAttempts = 5
		var lastErr error
		for i := 0; i < maxAttempts; i++ {
			var seq uint64
			err := s.db.QueryRowxContext(ctx, s.db.Rebind(`
				INSERT INTO execution_events (id, execution_id, seq, ts, kind, task_name, attempt, error, output_digest)
				VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM execution_events WHERE execution_id = ?), ?, ?, ?, ?, ?, ?)
				RETURNING seq`),
				uuid.NewString(), ev.ExecutionID, ev.ExecutionID, ev.Timestamp, ev.Kind,
				ev.TaskName, ev.Attempt, errorJSON(ev.Error), ev.OutputDigest).Scan(&seq)
			if err == nil {
				ev.Seq = seq
				return nil
			}
			if !isUniqueViolation(err) {
				return s.storeErr("append event", err)
			}
			lastErr = err
		}
		return s.storeErr("append event", lastErr)
	})
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}

const eventColumns = `execution_id, seq, ts, kind, task_name, attempt, error, output_digest`

type eventRow struct {
	ExecutionID  string    `db:"execution_id"`
	Seq          uint64    `db:"seq"`
	TS           time.Time `db:"ts"`
	Kind         string    `db:"kind"`
	TaskName     *string   `db:"task_name"`
	Attempt      *int      `db:"attempt"`
	ErrorJSON    []byte    `db:"error"`
	OutputDigest *string   `db:"output_digest"`
}

// ListEvents returns an execution's events with seq >= fromSeq, in order.
func (s *SQLStore) ListEvents(ctx context.Context, executionID string, fromSeq uint64) ([]model.Event, error) {
	var rows []eventRow
	err := s.breaker.Execute(func() error {
		return s.db.SelectContext(ctx, &rows, s.db.Rebind(
			`SELECT `+eventColumns+` FROM execution_events WHERE execution_id = ? AND seq >= ? ORDER BY seq`),
			executionID, fromSeq)
	})
	if err != nil {
		return nil, s.storeErr("list events", err)
	}
	out := make([]model.Event, len(rows))
	for i, r := range rows {
		ev := model.Event{
			ExecutionID: r.ExecutionID,
			Seq:         r.Seq,
			Timestamp:   r.TS,
			Kind:        model.EventKind(r.Kind),
			Error:       decodeError(r.ErrorJSON),
		}
		if r.TaskName != nil {
			ev.TaskName = *r.TaskName
		}
		if r.Attempt != nil {
			ev.Attempt = *r.Attempt
		}
		if r.OutputDigest != nil {
			ev.OutputDigest = *r.OutputDigest
		}
		out[i] = ev
	}
	return out, nil
}

// LoadExecution returns the execution, its task runs and its event log.
func (s *SQLStore) LoadExecution(ctx context.Context, id string) (*model.Execution, []*model.TaskRun, []model.Event, error) {
	ex, err := s.GetExecution(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	runs, err := s.ListTaskRuns(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	events, err := s.ListEvents(ctx, id, 0)
	if err != nil {
		return nil, nil, nil, err
	}
	return ex, runs, events, nil
}
