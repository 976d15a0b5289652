package jira

import (
	"context"
	"strings"

	"devos/internal/db"
	"devos/internal/jobs"
	"devos/internal/telemetry"
)

// WebhookProcessor routes inbound Jira webhook payloads. Unroutable
// payloads are ignored: the public endpoint always answers success so
// Jira does not disable the webhook.
type WebhookProcessor struct {
	store  db.Store
	runner *jobs.Runner
}

// NewWebhookProcessor wires the processor.
func NewWebhookProcessor(store db.Store, runner *jobs.Runner) *WebhookProcessor {
	return &WebhookProcessor{store: store, runner: runner}
}

// Process inspects one webhook payload. Integrations are located by the
// issue key's project prefix only; payloads matching no active
// integration are dropped silently.
func (w *WebhookProcessor) Process(ctx context.Context, payload map[string]any) {
	eventName, _ := payload["webhookEvent"].(string)
	if eventName == "" {
		return
	}
	if strings.HasPrefix(eventName, "comment_") {
		// Comment traffic is accepted but not synced.
		return
	}

	issueKey, issueID := issueRef(payload)
	if issueKey == "" {
		return
	}
	projectKey := issueKey[:strings.Index(issueKey, "-")]

	integ, err := w.store.GetActiveIntegrationByProjectKey(ctx, projectKey)
	if err != nil {
		telemetry.LogWarn("webhook failed to resolve integration", "project", projectKey, "error", err)
		return
	}
	if integ == nil {
		return
	}

	switch eventName {
	case "jira:issue_created":
		if integ.SyncDirection == db.SyncDevosToJira {
			return
		}
		w.enqueueSync(ctx, integ.ID, issueID, payload)
	case "jira:issue_updated":
		w.enqueueSync(ctx, integ.ID, issueID, payload)
	case "jira:issue_deleted":
		item, err := w.store.GetSyncItemByIssueID(ctx, integ.ID, issueID)
		if err != nil {
			telemetry.LogWarn("webhook failed to load sync item", "issue", issueKey, "error", err)
			return
		}
		if item != nil {
			if err := w.store.DeleteSyncItem(ctx, item.ID); err != nil {
				telemetry.LogWarn("webhook failed to remove sync item", "issue", issueKey, "error", err)
			}
		}
	}
}

func (w *WebhookProcessor) enqueueSync(ctx context.Context, integrationID, issueID string, payload map[string]any) {
	jobID := "jira-to-devos:" + issueID
	event := map[string]any{}
	if changelog, ok := payload["changelog"]; ok {
		event["changelog"] = changelog
	}
	err := w.runner.Enqueue(ctx, JobSyncFromJira, jobID, map[string]any{
		"integrationId": integrationID,
		"issueId":       issueID,
		"event":         event,
	}, 0)
	if err != nil {
		telemetry.LogWarn("webhook failed to enqueue sync", "issue", issueID, "error", err)
	}
}

func issueRef(payload map[string]any) (key, id string) {
	issue, ok := payload["issue"].(map[string]any)
	if !ok {
		return "", ""
	}
	key, _ = issue["key"].(string)
	id, _ = issue["id"].(string)
	if key == "" || !strings.Contains(key, "-") {
		return "", ""
	}
	if id == "" {
		id = key
	}
	return key, id
}
