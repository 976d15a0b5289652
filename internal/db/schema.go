package db

// Schema statements are written to the common subset of Postgres and
// SQLite so the same bootstrap runs against both backends.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS pipeline_contexts (
		project_id        TEXT PRIMARY KEY,
		workspace_id      TEXT NOT NULL,
		workflow_id       TEXT NOT NULL,
		current_state     TEXT NOT NULL,
		previous_state    TEXT NOT NULL DEFAULT '',
		state_entered_at  TIMESTAMP NOT NULL,
		active_agent_id   TEXT NOT NULL DEFAULT '',
		active_agent_type TEXT NOT NULL DEFAULT '',
		current_story_id  TEXT NOT NULL DEFAULT '',
		retry_count       INTEGER NOT NULL DEFAULT 0,
		max_retries       INTEGER NOT NULL DEFAULT 3,
		metadata          TEXT NOT NULL DEFAULT '{}',
		created_at        TIMESTAMP NOT NULL,
		updated_at        TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pipeline_contexts_workspace
		ON pipeline_contexts (workspace_id)`,

	`CREATE TABLE IF NOT EXISTS pipeline_state_history (
		id             TEXT PRIMARY KEY,
		project_id     TEXT NOT NULL,
		workspace_id   TEXT NOT NULL,
		workflow_id    TEXT NOT NULL,
		previous_state TEXT NOT NULL,
		new_state      TEXT NOT NULL,
		triggered_by   TEXT NOT NULL,
		agent_id       TEXT NOT NULL DEFAULT '',
		story_id       TEXT NOT NULL DEFAULT '',
		metadata       TEXT NOT NULL DEFAULT '{}',
		error_message  TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_state_history_project
		ON pipeline_state_history (project_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS handoff_history (
		id              TEXT PRIMARY KEY,
		workspace_id    TEXT NOT NULL,
		story_id        TEXT NOT NULL,
		from_agent_type TEXT NOT NULL,
		from_agent_id   TEXT NOT NULL DEFAULT '',
		to_agent_type   TEXT NOT NULL,
		to_agent_id     TEXT NOT NULL DEFAULT '',
		from_phase      TEXT NOT NULL,
		to_phase        TEXT NOT NULL,
		handoff_type    TEXT NOT NULL,
		context_summary TEXT NOT NULL DEFAULT '',
		iteration_count INTEGER NOT NULL DEFAULT 0,
		duration_ms     INTEGER NOT NULL DEFAULT 0,
		metadata        TEXT NOT NULL DEFAULT '{}',
		created_at      TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_handoff_history_workspace
		ON handoff_history (workspace_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS stories (
		id           TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		title        TEXT NOT NULL DEFAULT '',
		description  TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMP NOT NULL,
		updated_at   TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS jira_integrations (
		id                TEXT PRIMARY KEY,
		workspace_id      TEXT NOT NULL UNIQUE,
		cloud_id          TEXT NOT NULL DEFAULT '',
		jira_site_url     TEXT NOT NULL DEFAULT '',
		jira_project_key  TEXT NOT NULL DEFAULT '',
		jira_project_name TEXT NOT NULL DEFAULT '',
		issue_type        TEXT NOT NULL DEFAULT 'Task',
		sync_direction    TEXT NOT NULL DEFAULT 'bidirectional',
		status_mapping    TEXT NOT NULL DEFAULT '{}',
		field_mapping     TEXT NOT NULL DEFAULT '{}',
		access_token      TEXT NOT NULL DEFAULT '',
		access_token_iv   TEXT NOT NULL DEFAULT '',
		refresh_token     TEXT NOT NULL DEFAULT '',
		refresh_token_iv  TEXT NOT NULL DEFAULT '',
		token_expires_at  TIMESTAMP NOT NULL,
		webhook_id        TEXT NOT NULL DEFAULT '',
		webhook_secret    TEXT NOT NULL DEFAULT '',
		webhook_secret_iv TEXT NOT NULL DEFAULT '',
		is_active         BOOLEAN NOT NULL DEFAULT FALSE,
		error_count       INTEGER NOT NULL DEFAULT 0,
		sync_count        INTEGER NOT NULL DEFAULT 0,
		last_sync_at      TIMESTAMP,
		last_error        TEXT NOT NULL DEFAULT '',
		last_error_at     TIMESTAMP,
		connected_by      TEXT NOT NULL DEFAULT '',
		created_at        TIMESTAMP NOT NULL,
		updated_at        TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jira_integrations_project_key
		ON jira_integrations (jira_project_key, is_active)`,

	`CREATE TABLE IF NOT EXISTS jira_sync_items (
		id                   TEXT PRIMARY KEY,
		jira_integration_id  TEXT NOT NULL,
		devos_story_id       TEXT NOT NULL,
		jira_issue_key       TEXT NOT NULL,
		jira_issue_id        TEXT NOT NULL,
		jira_issue_type      TEXT NOT NULL DEFAULT '',
		sync_status          TEXT NOT NULL DEFAULT 'pending',
		sync_direction_last  TEXT NOT NULL DEFAULT '',
		last_synced_at       TIMESTAMP,
		last_devos_update_at TIMESTAMP,
		last_jira_update_at  TIMESTAMP,
		error_message        TEXT NOT NULL DEFAULT '',
		conflict_details     TEXT NOT NULL DEFAULT '',
		created_at           TIMESTAMP NOT NULL,
		updated_at           TIMESTAMP NOT NULL,
		UNIQUE (jira_integration_id, devos_story_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jira_sync_items_issue
		ON jira_sync_items (jira_integration_id, jira_issue_id)`,
	`CREATE INDEX IF NOT EXISTS idx_jira_sync_items_status
		ON jira_sync_items (jira_integration_id, sync_status)`,

	`CREATE TABLE IF NOT EXISTS byok_secrets (
		id                 TEXT PRIMARY KEY,
		workspace_id       TEXT NOT NULL,
		key_name           TEXT NOT NULL,
		provider           TEXT NOT NULL,
		encrypted_key      TEXT NOT NULL,
		encryption_iv      TEXT NOT NULL,
		created_by_user_id TEXT NOT NULL DEFAULT '',
		created_at         TIMESTAMP NOT NULL,
		updated_at         TIMESTAMP NOT NULL,
		last_used_at       TIMESTAMP,
		is_active          BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_byok_secrets_workspace
		ON byok_secrets (workspace_id, is_active)`,

	`CREATE TABLE IF NOT EXISTS session_outputs (
		session_id  TEXT PRIMARY KEY,
		output      TEXT NOT NULL,
		archived_at TIMESTAMP NOT NULL
	)`,
}
