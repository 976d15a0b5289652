package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// SQLStore implements Store on top of Postgres or SQLite. Queries are
// written with ? placeholders and rebound per dialect.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore wraps an open connection and bootstraps the schema.
func NewSQLStore(db *sqlx.DB) (*SQLStore, error) {
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("schema bootstrap failed: %w", err)
		}
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func marshalMap(m map[string]any) string {
	if len(m) == 0 {
		return "{}"
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func unmarshalMap(data string) map[string]any {
	m := map[string]any{}
	if data != "" {
		_ = json.Unmarshal([]byte(data), &m)
	}
	return m
}

func marshalStringMap(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func unmarshalStringMap(data string) map[string]string {
	m := map[string]string{}
	if data != "" {
		_ = json.Unmarshal([]byte(data), &m)
	}
	return m
}

// --- pipeline contexts ---

const pipelineContextColumns = `project_id, workspace_id, workflow_id, current_state,
	previous_state, state_entered_at, active_agent_id, active_agent_type,
	current_story_id, retry_count, max_retries, metadata, created_at, updated_at`

func scanPipelineContext(row sqlx.ColScanner) (*PipelineContext, error) {
	var pc PipelineContext
	var metadata string
	err := row.Scan(&pc.ProjectID, &pc.WorkspaceID, &pc.WorkflowID, &pc.CurrentState,
		&pc.PreviousState, &pc.StateEnteredAt, &pc.ActiveAgentID, &pc.ActiveAgentType,
		&pc.CurrentStoryID, &pc.RetryCount, &pc.MaxRetries, &metadata, &pc.CreatedAt, &pc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	pc.Metadata = unmarshalMap(metadata)
	return &pc, nil
}

func (s *SQLStore) GetPipelineContext(ctx context.Context, projectID string) (*PipelineContext, error) {
	query := s.db.Rebind(`SELECT ` + pipelineContextColumns + ` FROM pipeline_contexts WHERE project_id = ?`)
	rows, err := s.db.QueryxContext(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanPipelineContext(rows)
}

func (s *SQLStore) ListActiveContexts(ctx context.Context) ([]*PipelineContext, error) {
	query := s.db.Rebind(`SELECT ` + pipelineContextColumns + ` FROM pipeline_contexts
		WHERE current_state NOT IN (?, ?) ORDER BY updated_at`)
	return s.queryContexts(ctx, query, StateComplete, StateFailed)
}

func (s *SQLStore) ListActiveContextsByWorkspace(ctx context.Context, workspaceID string) ([]*PipelineContext, error) {
	query := s.db.Rebind(`SELECT ` + pipelineContextColumns + ` FROM pipeline_contexts
		WHERE workspace_id = ? AND current_state NOT IN (?, ?) ORDER BY updated_at`)
	return s.queryContexts(ctx, query, workspaceID, StateComplete, StateFailed)
}

func (s *SQLStore) queryContexts(ctx context.Context, query string, args ...any) ([]*PipelineContext, error) {
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*PipelineContext
	for rows.Next() {
		pc, err := scanPipelineContext(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pc)
	}
	return out, rows.Err()
}

const upsertPipelineContext = `INSERT INTO pipeline_contexts (` + pipelineContextColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (project_id) DO UPDATE SET
		workspace_id = excluded.workspace_id,
		workflow_id = excluded.workflow_id,
		current_state = excluded.current_state,
		previous_state = excluded.previous_state,
		state_entered_at = excluded.state_entered_at,
		active_agent_id = excluded.active_agent_id,
		active_agent_type = excluded.active_agent_type,
		current_story_id = excluded.current_story_id,
		retry_count = excluded.retry_count,
		max_retries = excluded.max_retries,
		metadata = excluded.metadata,
		updated_at = excluded.updated_at`

func pipelineContextArgs(pc *PipelineContext) []any {
	return []any{pc.ProjectID, pc.WorkspaceID, pc.WorkflowID, pc.CurrentState,
		pc.PreviousState, pc.StateEnteredAt, pc.ActiveAgentID, pc.ActiveAgentType,
		pc.CurrentStoryID, pc.RetryCount, pc.MaxRetries, marshalMap(pc.Metadata),
		pc.CreatedAt, pc.UpdatedAt}
}

func (s *SQLStore) SavePipelineContext(ctx context.Context, pc *PipelineContext) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(upsertPipelineContext), pipelineContextArgs(pc)...)
	return err
}

const insertStateHistory = `INSERT INTO pipeline_state_history
	(id, project_id, workspace_id, workflow_id, previous_state, new_state,
	 triggered_by, agent_id, story_id, metadata, error_message, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func stateHistoryArgs(h *PipelineStateHistory) []any {
	return []any{h.ID, h.ProjectID, h.WorkspaceID, h.WorkflowID, h.PreviousState,
		h.NewState, h.TriggeredBy, h.AgentID, h.StoryID, marshalMap(h.Metadata),
		h.ErrorMessage, h.CreatedAt}
}

func (s *SQLStore) RecordTransition(ctx context.Context, pc *PipelineContext, hist *PipelineStateHistory) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.db.Rebind(upsertPipelineContext), pipelineContextArgs(pc)...); err != nil {
		return fmt.Errorf("failed to write pipeline context: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.db.Rebind(insertStateHistory), stateHistoryArgs(hist)...); err != nil {
		return fmt.Errorf("failed to write state history: %w", err)
	}
	return tx.Commit()
}

func (s *SQLStore) ListStateHistory(ctx context.Context, projectID string, limit int) ([]*PipelineStateHistory, error) {
	if limit <= 0 {
		limit = 50
	}
	query := s.db.Rebind(`SELECT id, project_id, workspace_id, workflow_id, previous_state,
		new_state, triggered_by, agent_id, story_id, metadata, error_message, created_at
		FROM pipeline_state_history WHERE project_id = ?
		ORDER BY created_at DESC LIMIT ` + fmt.Sprint(limit))
	rows, err := s.db.QueryxContext(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*PipelineStateHistory
	for rows.Next() {
		var h PipelineStateHistory
		var metadata string
		if err := rows.Scan(&h.ID, &h.ProjectID, &h.WorkspaceID, &h.WorkflowID,
			&h.PreviousState, &h.NewState, &h.TriggeredBy, &h.AgentID, &h.StoryID,
			&metadata, &h.ErrorMessage, &h.CreatedAt); err != nil {
			return nil, err
		}
		h.Metadata = unmarshalMap(metadata)
		out = append(out, &h)
	}
	return out, rows.Err()
}

// --- handoff history ---

func (s *SQLStore) InsertHandoffHistory(ctx context.Context, h *HandoffHistory) error {
	query := s.db.Rebind(`INSERT INTO handoff_history
		(id, workspace_id, story_id, from_agent_type, from_agent_id, to_agent_type,
		 to_agent_id, from_phase, to_phase, handoff_type, context_summary,
		 iteration_count, duration_ms, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query, h.ID, h.WorkspaceID, h.StoryID,
		h.FromAgentType, h.FromAgentID, h.ToAgentType, h.ToAgentID, h.FromPhase,
		h.ToPhase, h.HandoffType, h.ContextSummary, h.IterationCount, h.DurationMs,
		marshalMap(h.Metadata), h.CreatedAt)
	return err
}

func (s *SQLStore) ListHandoffHistory(ctx context.Context, workspaceID, storyID string, limit int) ([]*HandoffHistory, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, workspace_id, story_id, from_agent_type, from_agent_id,
		to_agent_type, to_agent_id, from_phase, to_phase, handoff_type,
		context_summary, iteration_count, duration_ms, metadata, created_at
		FROM handoff_history WHERE workspace_id = ?`
	args := []any{workspaceID}
	if storyID != "" {
		query += ` AND story_id = ?`
		args = append(args, storyID)
	}
	query += ` ORDER BY created_at LIMIT ` + fmt.Sprint(limit)
	rows, err := s.db.QueryxContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*HandoffHistory
	for rows.Next() {
		var h HandoffHistory
		var metadata string
		if err := rows.Scan(&h.ID, &h.WorkspaceID, &h.StoryID, &h.FromAgentType,
			&h.FromAgentID, &h.ToAgentType, &h.ToAgentID, &h.FromPhase, &h.ToPhase,
			&h.HandoffType, &h.ContextSummary, &h.IterationCount, &h.DurationMs,
			&metadata, &h.CreatedAt); err != nil {
			return nil, err
		}
		h.Metadata = unmarshalMap(metadata)
		out = append(out, &h)
	}
	return out, rows.Err()
}

// --- stories ---

func (s *SQLStore) GetStory(ctx context.Context, id string) (*Story, error) {
	query := s.db.Rebind(`SELECT id, workspace_id, title, description, status,
		created_at, updated_at FROM stories WHERE id = ?`)
	rows, err := s.db.QueryxContext(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	var st Story
	if err := rows.Scan(&st.ID, &st.WorkspaceID, &st.Title, &st.Description,
		&st.Status, &st.CreatedAt, &st.UpdatedAt); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *SQLStore) SaveStory(ctx context.Context, st *Story) error {
	query := s.db.Rebind(`INSERT INTO stories (id, workspace_id, title, description, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			workspace_id = excluded.workspace_id,
			title = excluded.title,
			description = excluded.description,
			status = excluded.status,
			updated_at = excluded.updated_at`)
	_, err := s.db.ExecContext(ctx, query, st.ID, st.WorkspaceID, st.Title,
		st.Description, st.Status, st.CreatedAt, st.UpdatedAt)
	return err
}

// --- jira integrations ---

const integrationColumns = `id, workspace_id, cloud_id, jira_site_url, jira_project_key,
	jira_project_name, issue_type, sync_direction, status_mapping, field_mapping,
	access_token, access_token_iv, refresh_token, refresh_token_iv, token_expires_at,
	webhook_id, webhook_secret, webhook_secret_iv, is_active, error_count, sync_count, last_sync_at,
	last_error, last_error_at, connected_by, created_at, updated_at`

func scanIntegration(row sqlx.ColScanner) (*JiraIntegration, error) {
	var in JiraIntegration
	var statusMapping, fieldMapping string
	var lastSyncAt, lastErrorAt sql.NullTime
	err := row.Scan(&in.ID, &in.WorkspaceID, &in.CloudID, &in.JiraSiteURL,
		&in.JiraProjectKey, &in.JiraProjectName, &in.IssueType, &in.SyncDirection,
		&statusMapping, &fieldMapping, &in.AccessToken, &in.AccessTokenIV,
		&in.RefreshToken, &in.RefreshTokenIV, &in.TokenExpiresAt, &in.WebhookID,
		&in.WebhookSecret, &in.WebhookSecretIV, &in.IsActive, &in.ErrorCount, &in.SyncCount, &lastSyncAt,
		&in.LastError, &lastErrorAt, &in.ConnectedBy, &in.CreatedAt, &in.UpdatedAt)
	if err != nil {
		return nil, err
	}
	in.StatusMapping = unmarshalStringMap(statusMapping)
	in.FieldMapping = unmarshalStringMap(fieldMapping)
	if lastSyncAt.Valid {
		t := lastSyncAt.Time
		in.LastSyncAt = &t
	}
	if lastErrorAt.Valid {
		t := lastErrorAt.Time
		in.LastErrorAt = &t
	}
	return &in, nil
}

func (s *SQLStore) getIntegrationWhere(ctx context.Context, where string, args ...any) (*JiraIntegration, error) {
	query := s.db.Rebind(`SELECT ` + integrationColumns + ` FROM jira_integrations WHERE ` + where)
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanIntegration(rows)
}

func (s *SQLStore) GetIntegration(ctx context.Context, id string) (*JiraIntegration, error) {
	return s.getIntegrationWhere(ctx, `id = ?`, id)
}

func (s *SQLStore) GetIntegrationByWorkspace(ctx context.Context, workspaceID string) (*JiraIntegration, error) {
	return s.getIntegrationWhere(ctx, `workspace_id = ?`, workspaceID)
}

func (s *SQLStore) GetActiveIntegrationByProjectKey(ctx context.Context, projectKey string) (*JiraIntegration, error) {
	return s.getIntegrationWhere(ctx, `jira_project_key = ? AND is_active = ?`, projectKey, true)
}

func (s *SQLStore) SaveIntegration(ctx context.Context, in *JiraIntegration) error {
	query := s.db.Rebind(`INSERT INTO jira_integrations (` + integrationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			cloud_id = excluded.cloud_id,
			jira_site_url = excluded.jira_site_url,
			jira_project_key = excluded.jira_project_key,
			jira_project_name = excluded.jira_project_name,
			issue_type = excluded.issue_type,
			sync_direction = excluded.sync_direction,
			status_mapping = excluded.status_mapping,
			field_mapping = excluded.field_mapping,
			access_token = excluded.access_token,
			access_token_iv = excluded.access_token_iv,
			refresh_token = excluded.refresh_token,
			refresh_token_iv = excluded.refresh_token_iv,
			token_expires_at = excluded.token_expires_at,
			webhook_id = excluded.webhook_id,
			webhook_secret = excluded.webhook_secret,
			webhook_secret_iv = excluded.webhook_secret_iv,
			is_active = excluded.is_active,
			connected_by = excluded.connected_by,
			updated_at = excluded.updated_at`)
	var lastSyncAt, lastErrorAt any
	if in.LastSyncAt != nil {
		lastSyncAt = *in.LastSyncAt
	}
	if in.LastErrorAt != nil {
		lastErrorAt = *in.LastErrorAt
	}
	_, err := s.db.ExecContext(ctx, query, in.ID, in.WorkspaceID, in.CloudID,
		in.JiraSiteURL, in.JiraProjectKey, in.JiraProjectName, in.IssueType,
		in.SyncDirection, marshalStringMap(in.StatusMapping), marshalStringMap(in.FieldMapping),
		in.AccessToken, in.AccessTokenIV, in.RefreshToken, in.RefreshTokenIV,
		in.TokenExpiresAt, in.WebhookID, in.WebhookSecret, in.WebhookSecretIV, in.IsActive, in.ErrorCount,
		in.SyncCount, lastSyncAt, in.LastError, lastErrorAt, in.ConnectedBy,
		in.CreatedAt, in.UpdatedAt)
	return err
}

func (s *SQLStore) DeleteIntegration(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM jira_integrations WHERE id = ?`), id)
	return err
}

func (s *SQLStore) IncrementIntegrationError(ctx context.Context, id, lastError string, at time.Time) error {
	query := s.db.Rebind(`UPDATE jira_integrations
		SET error_count = error_count + 1, last_error = ?, last_error_at = ?, updated_at = ?
		WHERE id = ?`)
	_, err := s.db.ExecContext(ctx, query, lastError, at, at, id)
	return err
}

func (s *SQLStore) ResetIntegrationErrors(ctx context.Context, id string) error {
	query := s.db.Rebind(`UPDATE jira_integrations
		SET error_count = 0, last_error = '', last_error_at = NULL WHERE id = ?`)
	_, err := s.db.ExecContext(ctx, query, id)
	return err
}

func (s *SQLStore) MarkIntegrationSynced(ctx context.Context, id string, at time.Time) error {
	query := s.db.Rebind(`UPDATE jira_integrations
		SET sync_count = sync_count + 1, last_sync_at = ?, updated_at = ? WHERE id = ?`)
	_, err := s.db.ExecContext(ctx, query, at, at, id)
	return err
}

// --- jira sync items ---

const syncItemColumns = `id, jira_integration_id, devos_story_id, jira_issue_key,
	jira_issue_id, jira_issue_type, sync_status, sync_direction_last, last_synced_at,
	last_devos_update_at, last_jira_update_at, error_message, conflict_details,
	created_at, updated_at`

func scanSyncItem(row sqlx.ColScanner) (*JiraSyncItem, error) {
	var it JiraSyncItem
	var lastSynced, lastDevos, lastJira sql.NullTime
	var conflictDetails string
	err := row.Scan(&it.ID, &it.JiraIntegrationID, &it.DevosStoryID, &it.JiraIssueKey,
		&it.JiraIssueID, &it.JiraIssueType, &it.SyncStatus, &it.SyncDirectionLast,
		&lastSynced, &lastDevos, &lastJira, &it.ErrorMessage, &conflictDetails,
		&it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if lastSynced.Valid {
		t := lastSynced.Time
		it.LastSyncedAt = &t
	}
	if lastDevos.Valid {
		t := lastDevos.Time
		it.LastDevosUpdateAt = &t
	}
	if lastJira.Valid {
		t := lastJira.Time
		it.LastJiraUpdateAt = &t
	}
	if conflictDetails != "" {
		var cd ConflictDetails
		if err := json.Unmarshal([]byte(conflictDetails), &cd); err == nil {
			it.ConflictDetails = &cd
		}
	}
	return &it, nil
}

func (s *SQLStore) getSyncItemWhere(ctx context.Context, where string, args ...any) (*JiraSyncItem, error) {
	query := s.db.Rebind(`SELECT ` + syncItemColumns + ` FROM jira_sync_items WHERE ` + where)
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanSyncItem(rows)
}

func (s *SQLStore) GetSyncItem(ctx context.Context, id string) (*JiraSyncItem, error) {
	return s.getSyncItemWhere(ctx, `id = ?`, id)
}

func (s *SQLStore) GetSyncItemByStory(ctx context.Context, integrationID, storyID string) (*JiraSyncItem, error) {
	return s.getSyncItemWhere(ctx, `jira_integration_id = ? AND devos_story_id = ?`, integrationID, storyID)
}

func (s *SQLStore) GetSyncItemByIssueID(ctx context.Context, integrationID, issueID string) (*JiraSyncItem, error) {
	return s.getSyncItemWhere(ctx, `jira_integration_id = ? AND jira_issue_id = ?`, integrationID, issueID)
}

func (s *SQLStore) SaveSyncItem(ctx context.Context, it *JiraSyncItem) error {
	var conflictDetails string
	if it.ConflictDetails != nil {
		data, err := json.Marshal(it.ConflictDetails)
		if err != nil {
			return fmt.Errorf("failed to marshal conflict details: %w", err)
		}
		conflictDetails = string(data)
	}
	var lastSynced, lastDevos, lastJira any
	if it.LastSyncedAt != nil {
		lastSynced = *it.LastSyncedAt
	}
	if it.LastDevosUpdateAt != nil {
		lastDevos = *it.LastDevosUpdateAt
	}
	if it.LastJiraUpdateAt != nil {
		lastJira = *it.LastJiraUpdateAt
	}
	query := s.db.Rebind(`INSERT INTO jira_sync_items (` + syncItemColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			jira_issue_key = excluded.jira_issue_key,
			jira_issue_id = excluded.jira_issue_id,
			jira_issue_type = excluded.jira_issue_type,
			sync_status = excluded.sync_status,
			sync_direction_last = excluded.sync_direction_last,
			last_synced_at = excluded.last_synced_at,
			last_devos_update_at = excluded.last_devos_update_at,
			last_jira_update_at = excluded.last_jira_update_at,
			error_message = excluded.error_message,
			conflict_details = excluded.conflict_details,
			updated_at = excluded.updated_at`)
	_, err := s.db.ExecContext(ctx, query, it.ID, it.JiraIntegrationID, it.DevosStoryID,
		it.JiraIssueKey, it.JiraIssueID, it.JiraIssueType, it.SyncStatus,
		it.SyncDirectionLast, lastSynced, lastDevos, lastJira, it.ErrorMessage,
		conflictDetails, it.CreatedAt, it.UpdatedAt)
	return err
}

func (s *SQLStore) DeleteSyncItem(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM jira_sync_items WHERE id = ?`), id)
	return err
}

func (s *SQLStore) ListSyncItems(ctx context.Context, integrationID, status string, limit, offset int) ([]*JiraSyncItem, int, error) {
	if limit <= 0 {
		limit = 50
	}
	where := `jira_integration_id = ?`
	args := []any{integrationID}
	if status != "" {
		where += ` AND sync_status = ?`
		args = append(args, status)
	}

	var total int
	countQuery := s.db.Rebind(`SELECT COUNT(*) FROM jira_sync_items WHERE ` + where)
	if err := s.db.QueryRowxContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := s.db.Rebind(`SELECT ` + syncItemColumns + ` FROM jira_sync_items WHERE ` + where +
		` ORDER BY updated_at DESC LIMIT ` + fmt.Sprint(limit) + ` OFFSET ` + fmt.Sprint(offset))
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []*JiraSyncItem
	for rows.Next() {
		it, err := scanSyncItem(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, it)
	}
	return out, total, rows.Err()
}

// --- byok secrets ---

func (s *SQLStore) GetActiveSecret(ctx context.Context, workspaceID, provider string) (*ByokSecret, error) {
	query := s.db.Rebind(`SELECT id, workspace_id, key_name, provider, encrypted_key,
		encryption_iv, created_by_user_id, created_at, updated_at, last_used_at, is_active
		FROM byok_secrets WHERE workspace_id = ? AND provider = ? AND is_active = ?
		ORDER BY updated_at DESC`)
	rows, err := s.db.QueryxContext(ctx, query, workspaceID, provider, true)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	var sec ByokSecret
	var lastUsed sql.NullTime
	if err := rows.Scan(&sec.ID, &sec.WorkspaceID, &sec.KeyName, &sec.Provider,
		&sec.EncryptedKey, &sec.EncryptionIV, &sec.CreatedByUserID, &sec.CreatedAt,
		&sec.UpdatedAt, &lastUsed, &sec.IsActive); err != nil {
		return nil, err
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		sec.LastUsedAt = &t
	}
	return &sec, nil
}

func (s *SQLStore) SaveSecret(ctx context.Context, sec *ByokSecret) error {
	var lastUsed any
	if sec.LastUsedAt != nil {
		lastUsed = *sec.LastUsedAt
	}
	query := s.db.Rebind(`INSERT INTO byok_secrets (id, workspace_id, key_name, provider,
		encrypted_key, encryption_iv, created_by_user_id, created_at, updated_at,
		last_used_at, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			encrypted_key = excluded.encrypted_key,
			encryption_iv = excluded.encryption_iv,
			updated_at = excluded.updated_at,
			last_used_at = excluded.last_used_at,
			is_active = excluded.is_active`)
	_, err := s.db.ExecContext(ctx, query, sec.ID, sec.WorkspaceID, sec.KeyName,
		sec.Provider, sec.EncryptedKey, sec.EncryptionIV, sec.CreatedByUserID,
		sec.CreatedAt, sec.UpdatedAt, lastUsed, sec.IsActive)
	return err
}

func (s *SQLStore) TouchSecretUsed(ctx context.Context, id string, at time.Time) error {
	query := s.db.Rebind(`UPDATE byok_secrets SET last_used_at = ? WHERE id = ?`)
	_, err := s.db.ExecContext(ctx, query, at, id)
	return err
}

// --- session output archive ---

func (s *SQLStore) ArchiveSessionOutput(ctx context.Context, sessionID, output string) error {
	query := s.db.Rebind(`INSERT INTO session_outputs (session_id, output, archived_at)
		VALUES (?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			output = excluded.output,
			archived_at = excluded.archived_at`)
	_, err := s.db.ExecContext(ctx, query, sessionID, output, time.Now().UTC())
	return err
}

func (s *SQLStore) GetArchivedSessionOutput(ctx context.Context, sessionID string) (string, error) {
	query := s.db.Rebind(`SELECT output FROM session_outputs WHERE session_id = ?`)
	var out string
	err := s.db.QueryRowxContext(ctx, query, sessionID).Scan(&out)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return out, err
}
