package store

import "fmt"

// schemaDDL returns the reference schema for the given sqlx bind driver.
// Postgres gets jsonb and timestamptz columns; SQLite stores both as TEXT.
func schemaDDL(driver string) []string {
	jsonType := "jsonb"
	timeType := "timestamptz"
	if driver == "sqlite3" {
		jsonType = "text"
		timeType = "timestamp"
	}
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS workflows (
			id                  varchar(64) PRIMARY KEY,
			name                varchar(255) NOT NULL,
			owner_id            varchar(64) NOT NULL,
			definition          %[1]s NOT NULL,
			status              varchar(16) NOT NULL DEFAULT 'active',
			timeout_seconds     integer NOT NULL DEFAULT 0,
			max_retries_default integer,
			is_template         boolean NOT NULL DEFAULT false,
			created_at          %[2]s NOT NULL,
			updated_at          %[2]s NOT NULL
		)`, jsonType, timeType),
		`CREATE INDEX IF NOT EXISTS idx_workflows_owner ON workflows (owner_id, status)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS executions (
			id           varchar(64) PRIMARY KEY,
			workflow_id  varchar(64) NOT NULL REFERENCES workflows(id),
			status       varchar(16) NOT NULL DEFAULT 'queued',
			trigger_type varchar(32) NOT NULL DEFAULT 'manual',
			inputs       %[1]s,
			output       %[1]s,
			error        %[1]s,
			started_at   %[2]s,
			completed_at %[2]s,
			duration_ms  bigint,
			created_at   %[2]s NOT NULL
		)`, jsonType, timeType),
		`CREATE INDEX IF NOT EXISTS idx_executions_workflow ON executions (workflow_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions (status)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS task_runs (
			id           varchar(64) PRIMARY KEY,
			execution_id varchar(64) NOT NULL REFERENCES executions(id),
			task_name    varchar(255) NOT NULL,
			agent_type   varchar(64) NOT NULL,
			action       varchar(64) NOT NULL,
			status       varchar(16) NOT NULL DEFAULT 'queued',
			attempt      integer NOT NULL DEFAULT 1,
			retry_limit  integer NOT NULL DEFAULT 3,
			parameters   %[1]s,
			output       %[1]s,
			error        %[1]s,
			started_at   %[2]s,
			completed_at %[2]s,
			duration_ms  bigint,
			created_at   %[2]s NOT NULL
		)`, jsonType, timeType),
		`CREATE INDEX IF NOT EXISTS idx_task_runs_execution ON task_runs (execution_id, created_at)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS execution_events (
			id            varchar(64) PRIMARY KEY,
			execution_id  varchar(64) NOT NULL,
			seq           bigint NOT NULL,
			ts            %[2]s NOT NULL,
			kind          varchar(32) NOT NULL,
			task_name     varchar(255),
			attempt       integer,
			error         %[1]s,
			output_digest text
		)`, jsonType, timeType),
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_execution_events_seq ON execution_events (execution_id, seq)`,
	}
}
