package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// WorkflowStatus is the lifecycle status of a stored workflow.
type WorkflowStatus string

const (
	WorkflowActive   WorkflowStatus = "active"
	WorkflowInactive WorkflowStatus = "inactive"
	WorkflowArchived WorkflowStatus = "archived"
)

// ExecutionStatus is the state-machine status of one workflow execution.
type ExecutionStatus string

const (
	ExecutionQueued     ExecutionStatus = "queued"
	ExecutionRunning    ExecutionStatus = "running"
	ExecutionCancelling ExecutionStatus = "cancelling"
	ExecutionCompleted  ExecutionStatus = "completed"
	ExecutionFailed     ExecutionStatus = "failed"
	ExecutionCancelled  ExecutionStatus = "cancelled"
)

// Terminal reports whether the status is absorbing.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// TaskStatus is the state-machine status of one task run.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is absorbing.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskSkipped, TaskCancelled:
		return true
	}
	return false
}

// OnError selects the engine's failure policy for a workflow or task.
type OnError string

const (
	OnErrorStop     OnError = "stop"
	OnErrorContinue OnError = "continue"
	OnErrorRetry    OnError = "retry"
)

// Valid reports whether the policy is one of the recognized values.
func (o OnError) Valid() bool {
	switch o {
	case "", OnErrorStop, OnErrorContinue, OnErrorRetry:
		return true
	}
	return false
}

// JSONMap is a JSON object column, stored as jsonb on Postgres and TEXT on
// SQLite.
type JSONMap map[string]interface{}

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	}
	return fmt.Errorf("cannot scan %T into JSONMap", value)
}

// TaskSpec is one task template inside a workflow definition.
type TaskSpec struct {
	Name           string                 `json:"name"`
	AgentType      string                 `json:"agent_type"`
	Action         string                 `json:"action"`
	Parameters     map[string]interface{} `json:"parameters,omitempty"`
	DependsOn      []string               `json:"depends_on,omitempty"`
	TimeoutSeconds int                    `json:"timeout_seconds,omitempty"`
	RetryCount     *int                   `json:"retry_count,omitempty"`
	OnError        OnError                `json:"on_error,omitempty"`
}

// Definition is the DAG a workflow executes.
type Definition struct {
	Tasks     []TaskSpec             `json:"tasks"`
	Variables map[string]interface{} `json:"variables,omitempty"`
	OnError   OnError                `json:"on_error,omitempty"`
}

// Value implements driver.Valuer so a Definition persists as a JSON column.
func (d Definition) Value() (driver.Value, error) {
	return json.Marshal(d)
}

// Scan implements sql.Scanner.
func (d *Definition) Scan(value interface{}) error {
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, d)
	case string:
		return json.Unmarshal([]byte(v), d)
	case nil:
		*d = Definition{}
		return nil
	}
	return fmt.Errorf("cannot scan %T into Definition", value)
}

// Task looks up a task spec by name.
func (d *Definition) Task(name string) (TaskSpec, bool) {
	for _, t := range d.Tasks {
		if t.Name == name {
			return t, true
		}
	}
	return TaskSpec{}, false
}

// Workflow is a stored workflow record.
type Workflow struct {
	ID                string         `db:"id" json:"id"`
	Name              string         `db:"name" json:"name"`
	OwnerID           string         `db:"owner_id" json:"owner_id"`
	Definition        Definition     `db:"definition" json:"definition"`
	Status            WorkflowStatus `db:"status" json:"status"`
	TimeoutSeconds    int            `db:"timeout_seconds" json:"timeout_seconds,omitempty"`
	MaxRetriesDefault *int           `db:"max_retries_default" json:"max_retries_default,omitempty"`
	IsTemplate        bool           `db:"is_template" json:"is_template,omitempty"`
	CreatedAt         time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at" json:"updated_at"`
}

// Execution is a stored execution record.
type Execution struct {
	ID          string          `db:"id" json:"id"`
	WorkflowID  string          `db:"workflow_id" json:"workflow_id"`
	Status      ExecutionStatus `db:"status" json:"status"`
	TriggerType string          `db:"trigger_type" json:"trigger_type"`
	Inputs      JSONMap         `db:"inputs" json:"inputs,omitempty"`
	Output      JSONMap         `db:"output" json:"output,omitempty"`
	Error       *Error          `db:"-" json:"error,omitempty"`
	StartedAt   *time.Time      `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	DurationMs  *int64          `db:"duration_ms" json:"duration_ms,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
}

// TaskRun is a stored run record for one task within one execution.
type TaskRun struct {
	ID          string     `db:"id" json:"id"`
	ExecutionID string     `db:"execution_id" json:"execution_id"`
	TaskName    string     `db:"task_name" json:"task_name"`
	AgentType   string     `db:"agent_type" json:"agent_type"`
	Action      string     `db:"action" json:"action"`
	Status      TaskStatus `db:"status" json:"status"`
	Attempt     int        `db:"attempt" json:"attempt"`
	RetryLimit  int        `db:"retry_limit" json:"retry_limit"`
	Parameters  JSONMap    `db:"parameters" json:"parameters,omitempty"`
	Output      JSONMap    `db:"output" json:"output,omitempty"`
	Error       *Error     `db:"-" json:"error,omitempty"`
	StartedAt   *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	DurationMs  *int64     `db:"duration_ms" json:"duration_ms,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}
