package store

import "fmt"

// initSchema creates the engine tables if they don't exist. Timestamps are
// unix-millisecond integers; enumerations and JSON blobs are stored as TEXT.
func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			name TEXT NOT NULL,
			active_script_id TEXT NOT NULL DEFAULT '',
			handler_config TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			maintenance INTEGER NOT NULL DEFAULT 0,
			maintenance_fix_count INTEGER NOT NULL DEFAULT 0,
			pending_retry_run_id TEXT NOT NULL DEFAULT '',
			retry_backoff_ms BIGINT NOT NULL DEFAULT 0,
			next_retry_at BIGINT NOT NULL DEFAULT 0,
			cron TEXT NOT NULL DEFAULT '',
			next_run_timestamp BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status)`,

		`CREATE TABLE IF NOT EXISTS scripts (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			code TEXT NOT NULL,
			major_version INTEGER NOT NULL,
			minor_version INTEGER NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			diagram TEXT NOT NULL DEFAULT '',
			change_comment TEXT NOT NULL DEFAULT '',
			handler_config TEXT NOT NULL,
			type TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			UNIQUE (workflow_id, major_version, minor_version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scripts_workflow ON scripts(workflow_id)`,

		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			script_id TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			"trigger" TEXT NOT NULL,
			started_at BIGINT NOT NULL,
			ended_at BIGINT NOT NULL DEFAULT 0,
			result TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			error_type TEXT NOT NULL DEFAULT '',
			cost BIGINT NOT NULL DEFAULT 0,
			handler_count INTEGER NOT NULL DEFAULT 0,
			retry_of TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_workflow ON sessions(workflow_id)`,

		`CREATE TABLE IF NOT EXISTS handler_runs (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			handler_type TEXT NOT NULL,
			handler_name TEXT NOT NULL,
			phase TEXT NOT NULL,
			status TEXT NOT NULL,
			retry_of TEXT NOT NULL DEFAULT '',
			prepare_result TEXT NOT NULL DEFAULT '',
			input_state TEXT NOT NULL DEFAULT '',
			output_state TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			error_type TEXT NOT NULL DEFAULT '',
			cost BIGINT NOT NULL DEFAULT 0,
			started_at BIGINT NOT NULL,
			ended_at BIGINT NOT NULL DEFAULT 0,
			logs TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_handler_runs_session ON handler_runs(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_handler_runs_workflow_status ON handler_runs(workflow_id, status)`,

		`CREATE TABLE IF NOT EXISTS mutations (
			id TEXT PRIMARY KEY,
			handler_run_id TEXT NOT NULL UNIQUE,
			workflow_id TEXT NOT NULL,
			tool_namespace TEXT NOT NULL,
			tool_method TEXT NOT NULL,
			params TEXT NOT NULL,
			idempotency_key TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			result TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			resolved_by TEXT NOT NULL DEFAULT '',
			resolved_at BIGINT NOT NULL DEFAULT 0,
			mutation_outcome TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mutations_workflow ON mutations(workflow_id)`,

		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			topic TEXT NOT NULL,
			message_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			reserved_by_run_id TEXT NOT NULL DEFAULT '',
			caused_by TEXT NOT NULL DEFAULT '[]',
			created_at BIGINT NOT NULL,
			UNIQUE (workflow_id, topic, message_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_workflow_topic_status ON events(workflow_id, topic, status)`,
		`CREATE INDEX IF NOT EXISTS idx_events_reserved_by ON events(reserved_by_run_id)`,

		`CREATE TABLE IF NOT EXISTS input_records (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			source TEXT NOT NULL,
			type TEXT NOT NULL,
			external_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			handler_run_id TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			UNIQUE (workflow_id, source, type, external_id)
		)`,

		`CREATE TABLE IF NOT EXISTS producer_schedules (
			workflow_id TEXT NOT NULL,
			producer_name TEXT NOT NULL,
			schedule_type TEXT NOT NULL,
			schedule_value TEXT NOT NULL,
			next_run_at BIGINT NOT NULL,
			PRIMARY KEY (workflow_id, producer_name)
		)`,

		`CREATE TABLE IF NOT EXISTS handler_states (
			workflow_id TEXT NOT NULL,
			handler_name TEXT NOT NULL,
			state TEXT NOT NULL DEFAULT '',
			wake_at BIGINT NOT NULL DEFAULT 0,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (workflow_id, handler_name)
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Writer().Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}
