package jira

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devos/internal/apperr"
	"devos/internal/byok"
	"devos/internal/cache"
	"devos/internal/db"
)

// fakeJira is a minimal in-memory Jira site behind httptest.
type fakeJira struct {
	mux        *http.ServeMux
	issues     map[string]*Issue // by key
	nextNumber int
	statusByID map[string]string
	updates    int
}

func newFakeJira(t *testing.T, client *Client) *fakeJira {
	t.Helper()
	fj := &fakeJira{
		mux:        http.NewServeMux(),
		issues:     map[string]*Issue{},
		nextNumber: 1,
	}

	fj.mux.HandleFunc("POST /ex/jira/cloud-1/rest/api/3/issue", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Fields map[string]any `json:"fields"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		key := "DEV-" + strconv.Itoa(fj.nextNumber)
		issue := &Issue{
			ID:  "1000" + strconv.Itoa(fj.nextNumber),
			Key: key,
			Fields: IssueFields{
				Summary: body.Fields["summary"].(string),
				Status:  &Status{ID: "1", Name: "To Do"},
			},
		}
		if desc, ok := body.Fields["description"].(map[string]any); ok {
			issue.Fields.Description = desc
		}
		fj.nextNumber++
		fj.issues[key] = issue
		json.NewEncoder(w).Encode(map[string]any{"id": issue.ID, "key": issue.Key})
	})

	fj.mux.HandleFunc("GET /ex/jira/cloud-1/rest/api/3/issue/{key}", func(w http.ResponseWriter, r *http.Request) {
		issue, ok := fj.issues[r.PathValue("key")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(issue)
	})

	fj.mux.HandleFunc("PUT /ex/jira/cloud-1/rest/api/3/issue/{key}", func(w http.ResponseWriter, r *http.Request) {
		issue, ok := fj.issues[r.PathValue("key")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var body struct {
			Fields map[string]any `json:"fields"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if summary, ok := body.Fields["summary"].(string); ok {
			issue.Fields.Summary = summary
		}
		if desc, ok := body.Fields["description"].(map[string]any); ok {
			issue.Fields.Description = desc
		}
		fj.updates++
		w.WriteHeader(http.StatusNoContent)
	})

	fj.mux.HandleFunc("GET /ex/jira/cloud-1/rest/api/3/issue/{key}/transitions", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"transitions": []map[string]any{
			{"id": "21", "name": "Start", "to": map[string]any{"id": "3", "name": "In Progress"}},
			{"id": "31", "name": "Review", "to": map[string]any{"id": "4", "name": "In Review"}},
		}})
	})

	fj.mux.HandleFunc("POST /ex/jira/cloud-1/rest/api/3/issue/{key}/transitions", func(w http.ResponseWriter, r *http.Request) {
		issue, ok := fj.issues[r.PathValue("key")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var body struct {
			Transition struct {
				ID string `json:"id"`
			} `json:"transition"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		switch body.Transition.ID {
		case "21":
			issue.Fields.Status = &Status{ID: "3", Name: "In Progress"}
		case "31":
			issue.Fields.Status = &Status{ID: "4", Name: "In Review"}
		}
		w.WriteHeader(http.StatusNoContent)
	})

	srv := httptest.NewServer(fj.mux)
	t.Cleanup(srv.Close)
	client.APIBaseURL = srv.URL
	client.AuthBaseURL = srv.URL
	return fj
}

type syncFixture struct {
	svc     *SyncService
	store   db.Store
	backend cache.Backend
	jira    *fakeJira
	integ   *db.JiraIntegration
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()

	store, err := db.NewStore(db.StoreConfig{Type: "sqlite", DSN: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mr := miniredis.RunT(t)
	backend := cache.NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { backend.Close() })

	cipher, err := byok.NewCipher([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	client := NewClient(store, backend, cipher, nil, "client-id", "client-secret")
	client.sleep = func(time.Duration) {}
	fj := newFakeJira(t, client)

	access, accessIV, err := cipher.Encrypt("access-token")
	require.NoError(t, err)
	refresh, refreshIV, err := cipher.Encrypt("refresh-token")
	require.NoError(t, err)

	now := time.Now().UTC()
	integ := &db.JiraIntegration{
		ID:             "integ-1",
		WorkspaceID:    "ws1",
		CloudID:        "cloud-1",
		JiraProjectKey: "DEV",
		IssueType:      "Task",
		SyncDirection:  db.SyncBidirectional,
		StatusMapping:  map[string]string{"implementing": "In Progress", "qa": "In Review"},
		AccessToken:    access,
		AccessTokenIV:  accessIV,
		RefreshToken:   refresh,
		RefreshTokenIV: refreshIV,
		TokenExpiresAt: now.Add(time.Hour),
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, store.SaveIntegration(context.Background(), integ))

	return &syncFixture{
		svc:     NewSyncService(store, backend, client, nil),
		store:   store,
		backend: backend,
		jira:    fj,
		integ:   integ,
	}
}

func (f *syncFixture) seedStory(t *testing.T, id, title, status string) *db.Story {
	t.Helper()
	now := time.Now().UTC()
	story := &db.Story{
		ID:          id,
		WorkspaceID: "ws1",
		Title:       title,
		Description: "# Goal\nship it",
		Status:      status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, f.store.SaveStory(context.Background(), story))
	return story
}

func TestSync_FirstSyncCreatesIssue(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.seedStory(t, "s1", "User login", "implementing")

	item, err := f.svc.SyncStoryToJira(ctx, "ws1", "s1")
	require.NoError(t, err)
	assert.Equal(t, "DEV-1", item.JiraIssueKey)
	assert.Equal(t, db.SyncStatusSynced, item.SyncStatus)
	assert.Equal(t, db.SyncDevosToJira, item.SyncDirectionLast)

	issue := f.jira.issues["DEV-1"]
	require.NotNil(t, issue)
	assert.Equal(t, "User login", issue.Fields.Summary)
	// The status mapping moved the new issue off the initial status.
	assert.Equal(t, "In Progress", issue.Fields.Status.Name)

	integ, err := f.store.GetIntegration(ctx, "integ-1")
	require.NoError(t, err)
	assert.Equal(t, 1, integ.SyncCount)
	require.NotNil(t, integ.LastSyncAt)
}

func TestSync_SecondSyncUpdatesIssue(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	story := f.seedStory(t, "s1", "User login", "implementing")

	_, err := f.svc.SyncStoryToJira(ctx, "ws1", "s1")
	require.NoError(t, err)

	story.Title = "User login with MFA"
	require.NoError(t, f.store.SaveStory(ctx, story))

	item, err := f.svc.SyncStoryToJira(ctx, "ws1", "s1")
	require.NoError(t, err)
	assert.Equal(t, "DEV-1", item.JiraIssueKey)
	assert.Equal(t, "User login with MFA", f.jira.issues["DEV-1"].Fields.Summary)
	assert.Equal(t, 1, f.jira.nextNumber-1, "no second issue created")
}

func TestSync_UnmappableStatusBecomesConflict(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	story := f.seedStory(t, "s1", "User login", "implementing")
	_, err := f.svc.SyncStoryToJira(ctx, "ws1", "s1")
	require.NoError(t, err)

	// "deploying" maps to a status the workflow offers no transition to.
	f.integ.StatusMapping["deploying"] = "Released"
	require.NoError(t, f.store.SaveIntegration(ctx, f.integ))
	story.Status = "deploying"
	require.NoError(t, f.store.SaveStory(ctx, story))

	item, err := f.svc.SyncStoryToJira(ctx, "ws1", "s1")
	require.NoError(t, err)
	assert.Equal(t, db.SyncStatusConflict, item.SyncStatus)
	require.NotNil(t, item.ConflictDetails)
	assert.Equal(t, []string{"status"}, item.ConflictDetails.ConflictedFields)
}

func TestSync_MissingStory(t *testing.T) {
	f := newSyncFixture(t)
	_, err := f.svc.SyncStoryToJira(context.Background(), "ws1", "ghost")
	require.Error(t, err)
	assert.True(t, apperr.IsNotFound(err))
}

func TestSync_NoIntegration(t *testing.T) {
	f := newSyncFixture(t)
	_, err := f.svc.SyncStoryToJira(context.Background(), "ws2", "s1")
	require.Error(t, err)
	assert.True(t, apperr.IsNotFound(err))
}

func TestSync_HeldLockReturnsSyncLockError(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.seedStory(t, "s1", "User login", "implementing")

	mu := cache.NewMutex(f.backend, syncLockKey("s1"), syncLockTTL)
	ok, err := mu.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	defer mu.Unlock(ctx)

	_, err = f.svc.SyncStoryToJira(ctx, "ws1", "s1")
	var lockErr *SyncLockError
	require.ErrorAs(t, err, &lockErr)
	assert.Equal(t, "s1", lockErr.Key)
}

func TestSync_InboundDisabledDirection(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.integ.SyncDirection = db.SyncDevosToJira
	require.NoError(t, f.store.SaveIntegration(ctx, f.integ))

	// Outbound-only integrations silently ignore inbound events.
	require.NoError(t, f.svc.SyncJiraToDevos(ctx, "integ-1", "10001", nil))
}

func TestSync_JiraToDevosUpdatesStory(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.seedStory(t, "s1", "User login", "implementing")
	item, err := f.svc.SyncStoryToJira(ctx, "ws1", "s1")
	require.NoError(t, err)

	// Jira side moves on: new summary, new status.
	issue := f.jira.issues["DEV-1"]
	issue.Fields.Summary = "User login (edited in jira)"
	issue.Fields.Description = ConvertToADF("updated body")
	issue.Fields.Status = &Status{ID: "4", Name: "In Review"}

	require.NoError(t, f.svc.SyncJiraToDevos(ctx, "integ-1", item.JiraIssueID, nil))

	story, err := f.store.GetStory(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "User login (edited in jira)", story.Title)
	assert.Equal(t, "updated body", story.Description)
	assert.Equal(t, "qa", story.Status, "mapped back through the status mapping")

	updated, err := f.store.GetSyncItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, db.SyncStatusSynced, updated.SyncStatus)
	assert.Equal(t, db.SyncJiraToDevos, updated.SyncDirectionLast)
}

func TestSync_UnlinkedIssueIgnored(t *testing.T) {
	f := newSyncFixture(t)
	require.NoError(t, f.svc.SyncJiraToDevos(context.Background(), "integ-1", "99999", nil))
}

func TestSync_ConcurrentDevosEditBecomesConflict(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.seedStory(t, "s1", "User login", "implementing")
	item, err := f.svc.SyncStoryToJira(ctx, "ws1", "s1")
	require.NoError(t, err)

	// A DevOS edit lands after the last sync.
	later := time.Now().UTC().Add(time.Minute)
	item.LastDevosUpdateAt = &later
	require.NoError(t, f.store.SaveSyncItem(ctx, item))

	event := map[string]any{
		"changelog": map[string]any{
			"items": []any{
				map[string]any{"field": "summary"},
				map[string]any{"field": "status"},
			},
		},
	}
	require.NoError(t, f.svc.SyncJiraToDevos(ctx, "integ-1", item.JiraIssueID, event))

	conflicted, err := f.store.GetSyncItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, db.SyncStatusConflict, conflicted.SyncStatus)
	require.NotNil(t, conflicted.ConflictDetails)
	assert.Equal(t, []string{"summary", "status"}, conflicted.ConflictDetails.ConflictedFields)

	// The story itself was not overwritten.
	story, err := f.store.GetStory(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "User login", story.Title)
}

func TestSync_ResolveConflictKeepDevos(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.seedStory(t, "s1", "Devos truth", "implementing")
	item, err := f.svc.SyncStoryToJira(ctx, "ws1", "s1")
	require.NoError(t, err)

	later := time.Now().UTC().Add(time.Minute)
	item.LastDevosUpdateAt = &later
	require.NoError(t, f.store.SaveSyncItem(ctx, item))
	require.NoError(t, f.svc.SyncJiraToDevos(ctx, "integ-1", item.JiraIssueID, nil))

	f.jira.issues["DEV-1"].Fields.Summary = "Jira version"

	resolved, err := f.svc.ResolveConflict(ctx, "ws1", item.ID, ResolutionKeepDevos)
	require.NoError(t, err)
	assert.Equal(t, db.SyncStatusSynced, resolved.SyncStatus)
	assert.Nil(t, resolved.ConflictDetails)
	assert.Equal(t, "Devos truth", f.jira.issues["DEV-1"].Fields.Summary)
}

func TestSync_ResolveConflictKeepJira(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.seedStory(t, "s1", "Devos truth", "implementing")
	item, err := f.svc.SyncStoryToJira(ctx, "ws1", "s1")
	require.NoError(t, err)

	f.jira.issues["DEV-1"].Fields.Summary = "Jira truth"
	f.jira.issues["DEV-1"].Fields.Description = ConvertToADF("jira body")

	resolved, err := f.svc.ResolveConflict(ctx, "ws1", item.ID, ResolutionKeepJira)
	require.NoError(t, err)
	assert.Equal(t, db.SyncJiraToDevos, resolved.SyncDirectionLast)

	story, err := f.store.GetStory(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "Jira truth", story.Title)
	assert.Equal(t, "jira body", story.Description)
}

func TestSync_ResolveConflictValidation(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.seedStory(t, "s1", "Devos truth", "implementing")
	item, err := f.svc.SyncStoryToJira(ctx, "ws1", "s1")
	require.NoError(t, err)

	_, err = f.svc.ResolveConflict(ctx, "ws1", item.ID, "coin_flip")
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalid, apperr.KindOf(err))

	_, err = f.svc.ResolveConflict(ctx, "ws-other", item.ID, ResolutionKeepDevos)
	require.Error(t, err)
	assert.True(t, apperr.IsForbidden(err))

	_, err = f.svc.ResolveConflict(ctx, "ws1", "ghost", ResolutionKeepDevos)
	require.Error(t, err)
	assert.True(t, apperr.IsNotFound(err))
}

func TestSync_LinkStoryToIssue(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.seedStory(t, "s1", "User login", "implementing")

	f.jira.issues["DEV-7"] = &Issue{
		ID:  "10007",
		Key: "DEV-7",
		Fields: IssueFields{
			Summary:   "Existing issue",
			IssueType: &IssueType{ID: "1", Name: "Story"},
		},
	}

	item, err := f.svc.LinkStoryToIssue(ctx, "ws1", "s1", "DEV-7")
	require.NoError(t, err)
	assert.Equal(t, db.SyncStatusPending, item.SyncStatus)
	assert.Equal(t, "Story", item.JiraIssueType)

	// Double links conflict.
	_, err = f.svc.LinkStoryToIssue(ctx, "ws1", "s1", "DEV-7")
	require.Error(t, err)
	assert.True(t, apperr.IsConflict(err))
}

func TestSync_LinkValidation(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.seedStory(t, "s1", "User login", "implementing")

	_, err := f.svc.LinkStoryToIssue(ctx, "ws1", "s1", "not a key")
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalid, apperr.KindOf(err))

	_, err = f.svc.LinkStoryToIssue(ctx, "ws1", "s1", "DEV-404")
	require.Error(t, err)
	assert.True(t, apperr.IsNotFound(err))

	_, err = f.svc.LinkStoryToIssue(ctx, "ws1", "ghost", "DEV-1")
	require.Error(t, err)
	assert.True(t, apperr.IsNotFound(err))
}

func TestSync_Unlink(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.seedStory(t, "s1", "User login", "implementing")
	item, err := f.svc.SyncStoryToJira(ctx, "ws1", "s1")
	require.NoError(t, err)

	require.NoError(t, f.svc.Unlink(ctx, "ws1", item.ID))

	gone, err := f.store.GetSyncItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	// The issue itself is untouched.
	assert.Contains(t, f.jira.issues, "DEV-1")

	err = f.svc.Unlink(ctx, "ws1", item.ID)
	require.Error(t, err)
	assert.True(t, apperr.IsNotFound(err))
}

func TestSync_FullSyncSplitsCreatedAndUpdated(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	// s1 is already linked and synced; s2 is linked but has no issue yet.
	f.seedStory(t, "s1", "Linked story", "implementing")
	_, err := f.svc.SyncStoryToJira(ctx, "ws1", "s1")
	require.NoError(t, err)

	f.seedStory(t, "s2", "Pending story", "implementing")
	now := time.Now().UTC()
	require.NoError(t, f.store.SaveSyncItem(ctx, &db.JiraSyncItem{
		ID:                "item-s2",
		JiraIntegrationID: "integ-1",
		DevosStoryID:      "s2",
		SyncStatus:        db.SyncStatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}))

	report, err := f.svc.FullSync(ctx, "ws1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 1, report.Updated)
	assert.Zero(t, report.Conflicts)
	assert.Zero(t, report.Errors)

	linked, err := f.store.GetSyncItemByStory(ctx, "integ-1", "s2")
	require.NoError(t, err)
	assert.NotEmpty(t, linked.JiraIssueKey)
}

func TestSync_RetryAllFailed(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.seedStory(t, "s1", "Flaky story", "implementing")
	item, err := f.svc.SyncStoryToJira(ctx, "ws1", "s1")
	require.NoError(t, err)

	item.SyncStatus = db.SyncStatusError
	item.ErrorMessage = "transient failure"
	require.NoError(t, f.store.SaveSyncItem(ctx, item))

	report, err := f.svc.RetryAllFailed(ctx, "ws1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Updated)
	assert.Zero(t, report.Errors)

	healed, err := f.store.GetSyncItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, db.SyncStatusSynced, healed.SyncStatus)
	assert.Empty(t, healed.ErrorMessage)
}
