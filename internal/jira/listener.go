package jira

import (
	"context"
	"time"

	"devos/internal/db"
	"devos/internal/events"
	"devos/internal/jobs"
	"devos/internal/telemetry"
)

// Background job names.
const (
	JobSyncStory    = "sync-story"
	JobSyncFromJira = "sync-from-jira"
)

// storyDebounce collapses bursts of story.changed events into one sync.
const storyDebounce = 2 * time.Second

// Listener turns story.changed events into debounced outbound sync
// jobs. It never propagates failures into the emitting code path.
type Listener struct {
	store  db.Store
	runner *jobs.Runner
}

// NewListener wires the listener.
func NewListener(store db.Store, runner *jobs.Runner) *Listener {
	return &Listener{store: store, runner: runner}
}

// Register subscribes the listener and binds the sync job handlers.
func (l *Listener) Register(bus *events.Bus, sync *SyncService) {
	bus.Subscribe(events.StoryChanged, l.onStoryChanged)

	l.runner.Register(JobSyncStory, func(ctx context.Context, job jobs.Job) error {
		workspaceID, _ := job.Payload["workspaceId"].(string)
		storyID, _ := job.Payload["storyId"].(string)
		_, err := sync.SyncStoryToJira(ctx, workspaceID, storyID)
		return err
	})
	l.runner.Register(JobSyncFromJira, func(ctx context.Context, job jobs.Job) error {
		integrationID, _ := job.Payload["integrationId"].(string)
		issueID, _ := job.Payload["issueId"].(string)
		event, _ := job.Payload["event"].(map[string]any)
		return sync.SyncJiraToDevos(ctx, integrationID, issueID, event)
	})
}

func (l *Listener) onStoryChanged(e events.Event) {
	workspaceID, _ := e.Payload["workspaceId"].(string)
	storyID, _ := e.Payload["storyId"].(string)
	if workspaceID == "" || storyID == "" {
		return
	}

	ctx := context.Background()
	integ, err := l.store.GetIntegrationByWorkspace(ctx, workspaceID)
	if err != nil {
		telemetry.LogWarn("story listener failed to load integration", "workspace", workspaceID, "error", err)
		return
	}
	if integ == nil || !integ.IsActive || integ.SyncDirection == db.SyncJiraToDevos {
		return
	}

	// A stable id per story lets Enqueue replace the pending schedule,
	// collapsing bursts of edits into one sync.
	jobID := "devos-to-jira:" + storyID
	err = l.runner.Enqueue(ctx, JobSyncStory, jobID, map[string]any{
		"workspaceId": workspaceID,
		"storyId":     storyID,
	}, storyDebounce)
	if err != nil {
		telemetry.LogWarn("story listener failed to enqueue sync", "story", storyID, "error", err)
	}
}
