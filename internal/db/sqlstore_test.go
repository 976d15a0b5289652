package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	store, err := NewStore(StoreConfig{Type: "sqlite", DSN: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testTime() time.Time {
	return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
}

func TestPipelineContext_AbsentIsNilNil(t *testing.T) {
	store := newTestStore(t)
	pc, err := store.GetPipelineContext(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, pc)
}

func TestPipelineContext_SaveAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := testTime()

	pc := &PipelineContext{
		ProjectID:      "p1",
		WorkspaceID:    "ws1",
		WorkflowID:     "wf1",
		CurrentState:   StatePlanning,
		PreviousState:  StateIdle,
		StateEnteredAt: now,
		MaxRetries:     3,
		Metadata:       map[string]any{"brief": "build it"},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, store.SavePipelineContext(ctx, pc))

	got, err := store.GetPipelineContext(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StatePlanning, got.CurrentState)
	assert.Equal(t, StateIdle, got.PreviousState)
	assert.Equal(t, "build it", got.Metadata["brief"])

	// Upsert replaces, never duplicates.
	pc.CurrentState = StateImplementing
	pc.PreviousState = StatePlanning
	require.NoError(t, store.SavePipelineContext(ctx, pc))
	got, err = store.GetPipelineContext(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, StateImplementing, got.CurrentState)
}

func TestRecordTransition_WritesContextAndHistoryTogether(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := testTime()

	pc := &PipelineContext{
		ProjectID:      "p1",
		WorkspaceID:    "ws1",
		CurrentState:   StatePlanning,
		PreviousState:  StateIdle,
		StateEnteredAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	hist := &PipelineStateHistory{
		ID:            "h1",
		ProjectID:     "p1",
		WorkspaceID:   "ws1",
		PreviousState: StateIdle,
		NewState:      StatePlanning,
		TriggeredBy:   "project:start",
		CreatedAt:     now,
	}
	require.NoError(t, store.RecordTransition(ctx, pc, hist))

	got, err := store.GetPipelineContext(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StatePlanning, got.CurrentState)

	rows, err := store.ListStateHistory(ctx, "p1", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, StateIdle, rows[0].PreviousState)
	assert.Equal(t, StatePlanning, rows[0].NewState)
	assert.Equal(t, "project:start", rows[0].TriggeredBy)
}

func TestListActiveContexts_ExcludesTerminal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := testTime()

	for i, state := range []string{StatePlanning, StateComplete, StateFailed, StateQA} {
		pc := &PipelineContext{
			ProjectID:      "p" + string(rune('1'+i)),
			WorkspaceID:    "ws1",
			CurrentState:   state,
			StateEnteredAt: now,
			CreatedAt:      now,
			UpdatedAt:      now.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, store.SavePipelineContext(ctx, pc))
	}

	active, err := store.ListActiveContexts(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)

	byWs, err := store.ListActiveContextsByWorkspace(ctx, "ws1")
	require.NoError(t, err)
	assert.Len(t, byWs, 2)

	other, err := store.ListActiveContextsByWorkspace(ctx, "ws2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestHandoffHistory_InsertAndList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := testTime()

	rows := []*HandoffHistory{
		{ID: "h1", WorkspaceID: "ws1", StoryID: "s1", FromAgentType: "planner", ToAgentType: "dev", HandoffType: HandoffNormal, CreatedAt: now},
		{ID: "h2", WorkspaceID: "ws1", StoryID: "s1", FromAgentType: "dev", ToAgentType: "qa", HandoffType: HandoffNormal, CreatedAt: now.Add(time.Second)},
		{ID: "h3", WorkspaceID: "ws1", StoryID: "s2", FromAgentType: "planner", ToAgentType: "dev", HandoffType: HandoffNormal, CreatedAt: now.Add(2 * time.Second)},
	}
	for _, h := range rows {
		require.NoError(t, store.InsertHandoffHistory(ctx, h))
	}

	all, err := store.ListHandoffHistory(ctx, "ws1", "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	s1, err := store.ListHandoffHistory(ctx, "ws1", "s1", 10)
	require.NoError(t, err)
	require.Len(t, s1, 2)
	assert.Equal(t, "h1", s1[0].ID, "history is returned oldest first")
	assert.Equal(t, "h2", s1[1].ID)
}

func TestIntegration_RoundTripAndErrorCounters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := testTime()

	integ := &JiraIntegration{
		ID:             "i1",
		WorkspaceID:    "ws1",
		CloudID:        "cloud-1",
		JiraProjectKey: "PROJ",
		IssueType:      "Task",
		SyncDirection:  SyncBidirectional,
		StatusMapping:  map[string]string{"todo": "To Do"},
		AccessToken:    "ciphertext",
		AccessTokenIV:  "aabb",
		TokenExpiresAt: now.Add(time.Hour),
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, store.SaveIntegration(ctx, integ))

	got, err := store.GetIntegrationByWorkspace(ctx, "ws1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "PROJ", got.JiraProjectKey)
	assert.Equal(t, "To Do", got.StatusMapping["todo"])

	byKey, err := store.GetActiveIntegrationByProjectKey(ctx, "PROJ")
	require.NoError(t, err)
	require.NotNil(t, byKey)
	assert.Equal(t, "i1", byKey.ID)

	missing, err := store.GetActiveIntegrationByProjectKey(ctx, "OTHER")
	require.NoError(t, err)
	assert.Nil(t, missing)

	// Error counter is an atomic column increment.
	require.NoError(t, store.IncrementIntegrationError(ctx, "i1", "boom", now))
	require.NoError(t, store.IncrementIntegrationError(ctx, "i1", "boom again", now))
	got, err = store.GetIntegration(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.ErrorCount)
	assert.Equal(t, "boom again", got.LastError)
	require.NotNil(t, got.LastErrorAt)

	require.NoError(t, store.ResetIntegrationErrors(ctx, "i1"))
	got, err = store.GetIntegration(ctx, "i1")
	require.NoError(t, err)
	assert.Zero(t, got.ErrorCount)
	assert.Empty(t, got.LastError)
	assert.Nil(t, got.LastErrorAt)

	require.NoError(t, store.MarkIntegrationSynced(ctx, "i1", now))
	got, err = store.GetIntegration(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.SyncCount)
	require.NotNil(t, got.LastSyncAt)

	require.NoError(t, store.DeleteIntegration(ctx, "i1"))
	gone, err := store.GetIntegration(ctx, "i1")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestInactiveIntegrationIsNotFoundByProjectKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := testTime()

	require.NoError(t, store.SaveIntegration(ctx, &JiraIntegration{
		ID: "i1", WorkspaceID: "ws1", JiraProjectKey: "PROJ",
		IsActive: false, TokenExpiresAt: now, CreatedAt: now, UpdatedAt: now,
	}))

	got, err := store.GetActiveIntegrationByProjectKey(ctx, "PROJ")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSyncItems_FilterAndPaginate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := testTime()

	statuses := []string{SyncStatusSynced, SyncStatusError, SyncStatusError, SyncStatusConflict}
	for i, status := range statuses {
		item := &JiraSyncItem{
			ID:                "item" + string(rune('1'+i)),
			JiraIntegrationID: "i1",
			DevosStoryID:      "s" + string(rune('1'+i)),
			JiraIssueKey:      "PROJ-" + string(rune('1'+i)),
			SyncStatus:        status,
			CreatedAt:         now,
			UpdatedAt:         now.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, store.SaveSyncItem(ctx, item))
	}

	all, total, err := store.ListSyncItems(ctx, "i1", "", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Len(t, all, 4)

	failed, total, err := store.ListSyncItems(ctx, "i1", SyncStatusError, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, failed, 2)

	page, total, err := store.ListSyncItems(ctx, "i1", "", 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, total, "total ignores pagination")
	assert.Len(t, page, 2)
}

func TestSyncItem_ConflictDetailsRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := testTime()

	item := &JiraSyncItem{
		ID:                "item1",
		JiraIntegrationID: "i1",
		DevosStoryID:      "s1",
		JiraIssueKey:      "PROJ-1",
		JiraIssueID:       "10001",
		SyncStatus:        SyncStatusConflict,
		ConflictDetails: &ConflictDetails{
			DevosValue:       map[string]any{"title": "ours"},
			JiraValue:        map[string]any{"summary": "theirs"},
			ConflictedFields: []string{"title"},
			DetectedAt:       now,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.SaveSyncItem(ctx, item))

	got, err := store.GetSyncItemByIssueID(ctx, "i1", "10001")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NotNil(t, got.ConflictDetails)
	assert.Equal(t, []string{"title"}, got.ConflictDetails.ConflictedFields)
	assert.Equal(t, "ours", got.ConflictDetails.DevosValue["title"])

	byStory, err := store.GetSyncItemByStory(ctx, "i1", "s1")
	require.NoError(t, err)
	require.NotNil(t, byStory)
	assert.Equal(t, "item1", byStory.ID)

	require.NoError(t, store.DeleteSyncItem(ctx, "item1"))
	gone, err := store.GetSyncItem(ctx, "item1")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestByokSecrets_ActiveLookupAndTouch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := testTime()

	require.NoError(t, store.SaveSecret(ctx, &ByokSecret{
		ID: "k1", WorkspaceID: "ws1", Provider: ProviderAnthropic,
		EncryptedKey: "ct", EncryptionIV: "iv", IsActive: false,
		CreatedAt: now, UpdatedAt: now,
	}))

	got, err := store.GetActiveSecret(ctx, "ws1", ProviderAnthropic)
	require.NoError(t, err)
	assert.Nil(t, got, "inactive keys must not resolve")

	require.NoError(t, store.SaveSecret(ctx, &ByokSecret{
		ID: "k2", WorkspaceID: "ws1", Provider: ProviderAnthropic,
		EncryptedKey: "ct2", EncryptionIV: "iv2", IsActive: true,
		CreatedAt: now, UpdatedAt: now.Add(time.Second),
	}))

	got, err = store.GetActiveSecret(ctx, "ws1", ProviderAnthropic)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "k2", got.ID)
	assert.Nil(t, got.LastUsedAt)

	require.NoError(t, store.TouchSecretUsed(ctx, "k2", now.Add(time.Minute)))
	got, err = store.GetActiveSecret(ctx, "ws1", ProviderAnthropic)
	require.NoError(t, err)
	require.NotNil(t, got.LastUsedAt)
}

func TestSessionOutputArchive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	out, err := store.GetArchivedSessionOutput(ctx, "none")
	require.NoError(t, err)
	assert.Empty(t, out)

	require.NoError(t, store.ArchiveSessionOutput(ctx, "sess1", "line1\nline2"))
	out, err = store.GetArchivedSessionOutput(ctx, "sess1")
	require.NoError(t, err)
	assert.Equal(t, "line1\nline2", out)

	// Re-archiving replaces.
	require.NoError(t, store.ArchiveSessionOutput(ctx, "sess1", "line1\nline2\nline3"))
	out, err = store.GetArchivedSessionOutput(ctx, "sess1")
	require.NoError(t, err)
	assert.Equal(t, "line1\nline2\nline3", out)
}

func TestStories_SaveAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := testTime()

	absent, err := store.GetStory(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, absent)

	require.NoError(t, store.SaveStory(ctx, &Story{
		ID: "s1", WorkspaceID: "ws1", Title: "Login page",
		Status: "todo", CreatedAt: now, UpdatedAt: now,
	}))

	got, err := store.GetStory(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Login page", got.Title)

	got.Status = "in_progress"
	got.UpdatedAt = now.Add(time.Minute)
	require.NoError(t, store.SaveStory(ctx, got))

	again, err := store.GetStory(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "in_progress", again.Status)
}

func TestIsTerminalState(t *testing.T) {
	assert.True(t, IsTerminalState(StateComplete))
	assert.True(t, IsTerminalState(StateFailed))
	assert.False(t, IsTerminalState(StatePaused))
	assert.False(t, IsTerminalState(StateQA))
}
