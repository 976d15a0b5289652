package jira

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"devos/internal/apperr"
	"devos/internal/cache"
	"devos/internal/db"
	"devos/internal/telemetry"
)

const syncLockTTL = 30 * time.Second

var issueKeyRe = regexp.MustCompile(`^[A-Z][A-Z0-9_]+-\d+$`)

// FullSyncReport aggregates one fullSync pass.
type FullSyncReport struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Conflicts int `json:"conflicts"`
	Errors    int `json:"errors"`
}

// Resolution choices for a conflicted sync item.
const (
	ResolutionKeepDevos = "keep_devos"
	ResolutionKeepJira  = "keep_jira"
)

// SyncService keeps stories and Jira issues aligned in both
// directions, detecting concurrent edits instead of overwriting them.
type SyncService struct {
	store   db.Store
	backend cache.Backend
	client  *Client
	metrics *telemetry.Metrics
	now     func() time.Time
}

// NewSyncService wires the sync service.
func NewSyncService(store db.Store, backend cache.Backend, client *Client, metrics *telemetry.Metrics) *SyncService {
	return &SyncService{
		store:   store,
		backend: backend,
		client:  client,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func syncLockKey(id string) string {
	return "jira-sync-lock:" + id
}

func (s *SyncService) count(direction, result string) {
	if s.metrics != nil {
		s.metrics.JiraSyncTotal.WithLabelValues(direction, result).Inc()
	}
}

// SyncStoryToJira pushes one story to its Jira issue, creating the
// issue on first sync.
func (s *SyncService) SyncStoryToJira(ctx context.Context, workspaceID, storyID string) (*db.JiraSyncItem, error) {
	integ, err := s.store.GetIntegrationByWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if integ == nil || !integ.IsActive {
		return nil, apperr.NotFound("no active jira integration for workspace %s", workspaceID)
	}
	if integ.SyncDirection == db.SyncJiraToDevos {
		item, err := s.store.GetSyncItemByStory(ctx, integ.ID, storyID)
		if err != nil {
			return nil, err
		}
		if item != nil {
			return item, nil
		}
		return nil, apperr.NotFound("outbound sync disabled for workspace %s", workspaceID)
	}

	mu := cache.NewMutex(s.backend, syncLockKey(storyID), syncLockTTL)
	ok, err := mu.TryLock(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire sync lock: %w", err)
	}
	if !ok {
		return nil, &SyncLockError{Key: storyID}
	}
	defer mu.Unlock(ctx)

	story, err := s.store.GetStory(ctx, storyID)
	if err != nil {
		return nil, err
	}
	if story == nil {
		return nil, apperr.NotFound("no story %s", storyID)
	}

	item, err := s.store.GetSyncItemByStory(ctx, integ.ID, storyID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return s.createIssueForStory(ctx, integ, story)
	}
	return s.updateIssueForStory(ctx, integ, story, item)
}

func (s *SyncService) createIssueForStory(ctx context.Context, integ *db.JiraIntegration, story *db.Story) (*db.JiraSyncItem, error) {
	issueType := integ.IssueType
	if issueType == "" {
		issueType = "Task"
	}
	fields := map[string]any{
		"project":     map[string]any{"key": integ.JiraProjectKey},
		"summary":     story.Title,
		"description": ConvertToADF(story.Description),
		"issuetype":   map[string]any{"name": issueType},
	}

	issue, err := s.client.CreateIssue(ctx, integ, fields)
	if err != nil {
		s.recordIntegrationError(ctx, integ.ID, err)
		s.count(db.SyncDevosToJira, "error")
		return nil, err
	}

	// New issues land on the workflow's initial status; move them when
	// the mapping targets a different one.
	if target := integ.StatusMapping[story.Status]; target != "" {
		if err := s.transitionToStatus(ctx, integ, issue.Key, target, true); err != nil {
			telemetry.LogWarn("initial status transition failed", "issue", issue.Key, "target", target, "error", err)
		}
	}

	now := s.now()
	item := &db.JiraSyncItem{
		ID:                uuid.NewString(),
		JiraIntegrationID: integ.ID,
		DevosStoryID:      story.ID,
		JiraIssueKey:      issue.Key,
		JiraIssueID:       issue.ID,
		JiraIssueType:     issueType,
		SyncStatus:        db.SyncStatusSynced,
		SyncDirectionLast: db.SyncDevosToJira,
		LastSyncedAt:      &now,
		LastDevosUpdateAt: &now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.SaveSyncItem(ctx, item); err != nil {
		return nil, fmt.Errorf("failed to persist sync item: %w", err)
	}
	if err := s.store.MarkIntegrationSynced(ctx, integ.ID, now); err != nil {
		telemetry.LogWarn("failed to update integration sync counters", "integration", integ.ID, "error", err)
	}
	s.count(db.SyncDevosToJira, "created")
	return item, nil
}

func (s *SyncService) updateIssueForStory(ctx context.Context, integ *db.JiraIntegration, story *db.Story, item *db.JiraSyncItem) (*db.JiraSyncItem, error) {
	fields := map[string]any{
		"summary":     story.Title,
		"description": ConvertToADF(story.Description),
	}
	if err := s.client.UpdateIssue(ctx, integ, item.JiraIssueKey, fields); err != nil {
		return nil, s.failSyncItem(ctx, integ, item, err)
	}

	if target := integ.StatusMapping[story.Status]; target != "" {
		moved, err := s.findAndTransition(ctx, integ, item.JiraIssueKey, target)
		if err != nil {
			return nil, s.failSyncItem(ctx, integ, item, err)
		}
		if !moved {
			// No workflow path to the mapped status is a conflict the
			// operator must resolve, not an exception.
			now := s.now()
			item.SyncStatus = db.SyncStatusConflict
			item.ConflictDetails = &db.ConflictDetails{
				DevosValue:       map[string]any{"status": story.Status},
				JiraValue:        map[string]any{"missingTransitionTo": target},
				ConflictedFields: []string{"status"},
				DetectedAt:       now,
			}
			item.UpdatedAt = now
			if err := s.store.SaveSyncItem(ctx, item); err != nil {
				return nil, err
			}
			s.count(db.SyncDevosToJira, "conflict")
			return item, nil
		}
	}

	now := s.now()
	item.SyncStatus = db.SyncStatusSynced
	item.SyncDirectionLast = db.SyncDevosToJira
	item.LastSyncedAt = &now
	item.LastDevosUpdateAt = &now
	item.ErrorMessage = ""
	item.ConflictDetails = nil
	item.UpdatedAt = now
	if err := s.store.SaveSyncItem(ctx, item); err != nil {
		return nil, err
	}
	if err := s.store.MarkIntegrationSynced(ctx, integ.ID, now); err != nil {
		telemetry.LogWarn("failed to update integration sync counters", "integration", integ.ID, "error", err)
	}
	s.count(db.SyncDevosToJira, "updated")
	return item, nil
}

// findAndTransition executes the transition whose target status matches
// the mapped name. Returns false when no such transition exists.
func (s *SyncService) findAndTransition(ctx context.Context, integ *db.JiraIntegration, issueKey, targetStatus string) (bool, error) {
	transitions, err := s.client.GetTransitions(ctx, integ, issueKey)
	if err != nil {
		return false, err
	}
	for _, t := range transitions {
		if strings.EqualFold(t.To.Name, targetStatus) {
			if err := s.client.TransitionIssue(ctx, integ, issueKey, t.ID); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

// transitionToStatus moves an issue when it is not already on target.
func (s *SyncService) transitionToStatus(ctx context.Context, integ *db.JiraIntegration, issueKey, target string, skipIfCurrent bool) error {
	if skipIfCurrent {
		issue, err := s.client.GetIssue(ctx, integ, issueKey)
		if err != nil {
			return err
		}
		if issue != nil && issue.Fields.Status != nil && strings.EqualFold(issue.Fields.Status.Name, target) {
			return nil
		}
	}
	_, err := s.findAndTransition(ctx, integ, issueKey, target)
	return err
}

func (s *SyncService) failSyncItem(ctx context.Context, integ *db.JiraIntegration, item *db.JiraSyncItem, cause error) error {
	now := s.now()
	item.SyncStatus = db.SyncStatusError
	item.ErrorMessage = cause.Error()
	item.UpdatedAt = now
	if err := s.store.SaveSyncItem(ctx, item); err != nil {
		telemetry.LogWarn("failed to persist sync item error", "item", item.ID, "error", err)
	}
	s.recordIntegrationError(ctx, integ.ID, cause)
	s.count(db.SyncDevosToJira, "error")
	return cause
}

func (s *SyncService) recordIntegrationError(ctx context.Context, integrationID string, cause error) {
	if err := s.store.IncrementIntegrationError(ctx, integrationID, cause.Error(), s.now()); err != nil {
		telemetry.LogWarn("failed to record integration error", "integration", integrationID, "error", err)
	}
}

// SyncJiraToDevos pulls one issue's fields into its linked story.
// Unlinked issues are ignored; concurrent DevOS edits become conflicts.
func (s *SyncService) SyncJiraToDevos(ctx context.Context, integrationID, jiraIssueID string, event map[string]any) error {
	integ, err := s.store.GetIntegration(ctx, integrationID)
	if err != nil {
		return err
	}
	if integ == nil {
		return apperr.NotFound("no integration %s", integrationID)
	}
	if integ.SyncDirection == db.SyncDevosToJira {
		return nil
	}

	mu := cache.NewMutex(s.backend, syncLockKey(jiraIssueID), syncLockTTL)
	ok, err := mu.TryLock(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire sync lock: %w", err)
	}
	if !ok {
		return &SyncLockError{Key: jiraIssueID}
	}
	defer mu.Unlock(ctx)

	item, err := s.store.GetSyncItemByIssueID(ctx, integ.ID, jiraIssueID)
	if err != nil {
		return err
	}
	if item == nil {
		// Reverse-create is deliberate manual work, not webhook magic.
		return nil
	}

	if item.LastDevosUpdateAt != nil && (item.LastSyncedAt == nil || item.LastDevosUpdateAt.After(*item.LastSyncedAt)) {
		return s.markConflictFromJira(ctx, integ, item, event)
	}

	issue, err := s.client.GetIssue(ctx, integ, item.JiraIssueKey)
	if err != nil {
		s.recordIntegrationError(ctx, integ.ID, err)
		s.count(db.SyncJiraToDevos, "error")
		return err
	}
	if issue == nil {
		return nil
	}

	story, err := s.store.GetStory(ctx, item.DevosStoryID)
	if err != nil {
		return err
	}
	if story == nil {
		return apperr.NotFound("no story %s behind sync item %s", item.DevosStoryID, item.ID)
	}

	s.applyIssueToStory(integ, issue, story)
	now := s.now()
	story.UpdatedAt = now
	if err := s.store.SaveStory(ctx, story); err != nil {
		return err
	}

	item.SyncStatus = db.SyncStatusSynced
	item.SyncDirectionLast = db.SyncJiraToDevos
	item.LastSyncedAt = &now
	item.LastJiraUpdateAt = &now
	item.ErrorMessage = ""
	item.ConflictDetails = nil
	item.UpdatedAt = now
	if err := s.store.SaveSyncItem(ctx, item); err != nil {
		return err
	}
	if err := s.store.MarkIntegrationSynced(ctx, integ.ID, now); err != nil {
		telemetry.LogWarn("failed to update integration sync counters", "integration", integ.ID, "error", err)
	}
	s.count(db.SyncJiraToDevos, "updated")
	return nil
}

func (s *SyncService) applyIssueToStory(integ *db.JiraIntegration, issue *Issue, story *db.Story) {
	story.Title = issue.Fields.Summary
	story.Description = ConvertFromADF(issue.Fields.Description)
	if issue.Fields.Status != nil {
		for devosStatus, jiraStatus := range integ.StatusMapping {
			if strings.EqualFold(jiraStatus, issue.Fields.Status.Name) {
				story.Status = devosStatus
				break
			}
		}
	}
}

func (s *SyncService) markConflictFromJira(ctx context.Context, integ *db.JiraIntegration, item *db.JiraSyncItem, event map[string]any) error {
	now := s.now()
	jiraValue := map[string]any{}
	if issue, err := s.client.GetIssue(ctx, integ, item.JiraIssueKey); err == nil && issue != nil {
		jiraValue["summary"] = issue.Fields.Summary
		if issue.Fields.Status != nil {
			jiraValue["status"] = issue.Fields.Status.Name
		}
	}

	item.SyncStatus = db.SyncStatusConflict
	item.ConflictDetails = &db.ConflictDetails{
		DevosValue:       map[string]any{"lastDevosUpdateAt": item.LastDevosUpdateAt},
		JiraValue:        jiraValue,
		ConflictedFields: changelogFields(event),
		DetectedAt:       now,
	}
	item.UpdatedAt = now
	if err := s.store.SaveSyncItem(ctx, item); err != nil {
		return err
	}
	s.count(db.SyncJiraToDevos, "conflict")
	return nil
}

// changelogFields pulls the changed field names out of a webhook
// changelog payload.
func changelogFields(event map[string]any) []string {
	changelog, ok := event["changelog"].(map[string]any)
	if !ok {
		return nil
	}
	items, ok := changelog["items"].([]any)
	if !ok {
		return nil
	}
	var fields []string
	for _, raw := range items {
		if m, ok := raw.(map[string]any); ok {
			if f, ok := m["field"].(string); ok && f != "" {
				fields = append(fields, f)
			}
		}
	}
	return fields
}

// ResolveConflict applies the operator's choice to a conflicted item.
func (s *SyncService) ResolveConflict(ctx context.Context, workspaceID, syncItemID, resolution string) (*db.JiraSyncItem, error) {
	item, err := s.store.GetSyncItem(ctx, syncItemID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, apperr.NotFound("no sync item %s", syncItemID)
	}
	integ, err := s.store.GetIntegration(ctx, item.JiraIntegrationID)
	if err != nil {
		return nil, err
	}
	if integ == nil || integ.WorkspaceID != workspaceID {
		return nil, apperr.Forbidden("sync item %s does not belong to workspace %s", syncItemID, workspaceID)
	}

	story, err := s.store.GetStory(ctx, item.DevosStoryID)
	if err != nil {
		return nil, err
	}
	if story == nil {
		return nil, apperr.NotFound("no story %s behind sync item %s", item.DevosStoryID, item.ID)
	}

	now := s.now()
	switch resolution {
	case ResolutionKeepDevos:
		fields := map[string]any{
			"summary":     story.Title,
			"description": ConvertToADF(story.Description),
		}
		if err := s.client.UpdateIssue(ctx, integ, item.JiraIssueKey, fields); err != nil {
			return nil, err
		}
		if target := integ.StatusMapping[story.Status]; target != "" {
			if _, err := s.findAndTransition(ctx, integ, item.JiraIssueKey, target); err != nil {
				return nil, err
			}
		}
		item.SyncDirectionLast = db.SyncDevosToJira

	case ResolutionKeepJira:
		issue, err := s.client.GetIssue(ctx, integ, item.JiraIssueKey)
		if err != nil {
			return nil, err
		}
		if issue == nil {
			return nil, apperr.NotFound("jira issue %s no longer exists", item.JiraIssueKey)
		}
		s.applyIssueToStory(integ, issue, story)
		story.UpdatedAt = now
		if err := s.store.SaveStory(ctx, story); err != nil {
			return nil, err
		}
		item.SyncDirectionLast = db.SyncJiraToDevos

	default:
		return nil, apperr.Invalid("invalid resolution %q", resolution)
	}

	item.SyncStatus = db.SyncStatusSynced
	item.ConflictDetails = nil
	item.ErrorMessage = ""
	item.LastSyncedAt = &now
	item.UpdatedAt = now
	if err := s.store.SaveSyncItem(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// LinkStoryToIssue manually links an existing story to an existing
// issue. The link starts pending; the next sync aligns the two sides.
func (s *SyncService) LinkStoryToIssue(ctx context.Context, workspaceID, storyID, issueKey string) (*db.JiraSyncItem, error) {
	if !issueKeyRe.MatchString(issueKey) {
		return nil, apperr.Invalid("invalid jira issue key %q", issueKey)
	}

	integ, err := s.store.GetIntegrationByWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if integ == nil || !integ.IsActive {
		return nil, apperr.NotFound("no active jira integration for workspace %s", workspaceID)
	}

	story, err := s.store.GetStory(ctx, storyID)
	if err != nil {
		return nil, err
	}
	if story == nil || story.WorkspaceID != workspaceID {
		return nil, apperr.NotFound("no story %s in workspace %s", storyID, workspaceID)
	}

	existing, err := s.store.GetSyncItemByStory(ctx, integ.ID, storyID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, apperr.Conflict("story %s is already linked to %s", storyID, existing.JiraIssueKey)
	}

	issue, err := s.client.GetIssue(ctx, integ, issueKey)
	if err != nil {
		return nil, err
	}
	if issue == nil {
		return nil, apperr.NotFound("jira issue %s does not exist", issueKey)
	}

	now := s.now()
	item := &db.JiraSyncItem{
		ID:                uuid.NewString(),
		JiraIntegrationID: integ.ID,
		DevosStoryID:      storyID,
		JiraIssueKey:      issue.Key,
		JiraIssueID:       issue.ID,
		SyncStatus:        db.SyncStatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if issue.Fields.IssueType != nil {
		item.JiraIssueType = issue.Fields.IssueType.Name
	}
	if err := s.store.SaveSyncItem(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// Unlink removes a sync link without touching either side.
func (s *SyncService) Unlink(ctx context.Context, workspaceID, syncItemID string) error {
	item, err := s.store.GetSyncItem(ctx, syncItemID)
	if err != nil {
		return err
	}
	if item == nil {
		return apperr.NotFound("no sync item %s", syncItemID)
	}
	integ, err := s.store.GetIntegration(ctx, item.JiraIntegrationID)
	if err != nil {
		return err
	}
	if integ == nil || integ.WorkspaceID != workspaceID {
		return apperr.Forbidden("sync item %s does not belong to workspace %s", syncItemID, workspaceID)
	}
	return s.store.DeleteSyncItem(ctx, syncItemID)
}

// RetrySyncItem re-runs the outbound sync for one item.
func (s *SyncService) RetrySyncItem(ctx context.Context, workspaceID, syncItemID string) (*db.JiraSyncItem, error) {
	item, err := s.store.GetSyncItem(ctx, syncItemID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, apperr.NotFound("no sync item %s", syncItemID)
	}
	return s.SyncStoryToJira(ctx, workspaceID, item.DevosStoryID)
}

// RetryAllFailed re-runs every errored item for the workspace.
func (s *SyncService) RetryAllFailed(ctx context.Context, workspaceID string) (FullSyncReport, error) {
	var report FullSyncReport
	integ, err := s.store.GetIntegrationByWorkspace(ctx, workspaceID)
	if err != nil {
		return report, err
	}
	if integ == nil {
		return report, apperr.NotFound("no jira integration for workspace %s", workspaceID)
	}

	items, _, err := s.store.ListSyncItems(ctx, integ.ID, db.SyncStatusError, 1000, 0)
	if err != nil {
		return report, err
	}
	for _, item := range items {
		if _, err := s.SyncStoryToJira(ctx, workspaceID, item.DevosStoryID); err != nil {
			report.Errors++
			continue
		}
		report.Updated++
	}
	return report, nil
}

// FullSync re-pushes every linked story and aggregates the outcome.
// First-time issue creations are reported under created.
func (s *SyncService) FullSync(ctx context.Context, workspaceID string) (FullSyncReport, error) {
	var report FullSyncReport
	integ, err := s.store.GetIntegrationByWorkspace(ctx, workspaceID)
	if err != nil {
		return report, err
	}
	if integ == nil || !integ.IsActive {
		return report, apperr.NotFound("no active jira integration for workspace %s", workspaceID)
	}

	offset := 0
	const page = 200
	for {
		items, total, err := s.store.ListSyncItems(ctx, integ.ID, "", page, offset)
		if err != nil {
			return report, err
		}
		for _, item := range items {
			hadIssue := item.JiraIssueKey != ""
			result, err := s.SyncStoryToJira(ctx, workspaceID, item.DevosStoryID)
			if err != nil {
				report.Errors++
				continue
			}
			switch {
			case result.SyncStatus == db.SyncStatusConflict:
				report.Conflicts++
			case !hadIssue:
				report.Created++
			default:
				report.Updated++
			}
		}
		offset += len(items)
		if offset >= total || len(items) == 0 {
			break
		}
	}
	return report, nil
}
