package jira

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
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

type oauthFixture struct {
	svc     *OAuthService
	client  *Client
	store   db.Store
	backend cache.Backend
	cipher  *byok.Cipher
	mux     *http.ServeMux
	mr      *miniredis.Miniredis
}

func newOAuthFixture(t *testing.T) *oauthFixture {
	t.Helper()

	store, err := db.NewStore(db.StoreConfig{Type: "sqlite", DSN: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mr := miniredis.RunT(t)
	backend := cache.NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { backend.Close() })

	cipher, err := byok.NewCipher([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := NewClient(store, backend, cipher, nil, "client-id", "client-secret")
	client.APIBaseURL = srv.URL
	client.AuthBaseURL = srv.URL
	client.sleep = func(time.Duration) {}

	svc := NewOAuthService(store, backend, cipher, client, OAuthConfig{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURI:  "http://localhost:8080/integrations/jira/callback",
	})
	svc.http = srv.Client()

	return &oauthFixture{svc: svc, client: client, store: store, backend: backend, cipher: cipher, mux: mux, mr: mr}
}

func (f *oauthFixture) serveCodeExchange(t *testing.T) {
	t.Helper()
	f.mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		var form map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&form))
		assert.Equal(t, "authorization_code", form["grant_type"])
		assert.Equal(t, "auth-code", form["code"])
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "granted-access",
			"refresh_token": "granted-refresh",
			"expires_in":    3600,
		})
	})
	f.mux.HandleFunc("/oauth/token/accessible-resources", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer granted-access", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode([]map[string]any{
			{"id": "cloud-1", "url": "https://example.atlassian.net", "name": "Example"},
		})
	})
}

func TestOAuth_AuthorizationURL(t *testing.T) {
	f := newOAuthFixture(t)

	authURL, err := f.svc.GetAuthorizationURL(context.Background(), "ws1", "user-1")
	require.NoError(t, err)

	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(parsed.Path, "/authorize"))
	q := parsed.Query()
	assert.Equal(t, "client-id", q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Contains(t, q.Get("scope"), "offline_access")
	assert.NotEmpty(t, q.Get("state"))

	// Each call mints a distinct nonce.
	second, err := f.svc.GetAuthorizationURL(context.Background(), "ws1", "user-1")
	require.NoError(t, err)
	secondParsed, _ := url.Parse(second)
	assert.NotEqual(t, q.Get("state"), secondParsed.Query().Get("state"))
}

func authStateFrom(t *testing.T, authURL string) string {
	t.Helper()
	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	return parsed.Query().Get("state")
}

func TestOAuth_CallbackCreatesInactiveIntegration(t *testing.T) {
	f := newOAuthFixture(t)
	f.serveCodeExchange(t)
	ctx := context.Background()

	authURL, err := f.svc.GetAuthorizationURL(ctx, "ws1", "user-1")
	require.NoError(t, err)
	state := authStateFrom(t, authURL)

	result, err := f.svc.HandleCallback(ctx, "auth-code", state)
	require.NoError(t, err)
	assert.NotEmpty(t, result.IntegrationID)
	require.Len(t, result.Sites, 1)
	assert.Equal(t, "cloud-1", result.Sites[0].ID)

	integ, err := f.store.GetIntegration(ctx, result.IntegrationID)
	require.NoError(t, err)
	require.NotNil(t, integ)
	assert.False(t, integ.IsActive, "integration activates only after setup")
	assert.Equal(t, "user-1", integ.ConnectedBy)

	// Tokens land encrypted.
	assert.NotEqual(t, "granted-access", integ.AccessToken)
	plain, err := f.cipher.Decrypt(integ.AccessToken, integ.AccessTokenIV)
	require.NoError(t, err)
	assert.Equal(t, "granted-access", plain)
}

func TestOAuth_StateIsSingleUse(t *testing.T) {
	f := newOAuthFixture(t)
	f.serveCodeExchange(t)
	ctx := context.Background()

	authURL, err := f.svc.GetAuthorizationURL(ctx, "ws1", "user-1")
	require.NoError(t, err)
	state := authStateFrom(t, authURL)

	_, err = f.svc.HandleCallback(ctx, "auth-code", state)
	require.NoError(t, err)

	// Replaying the state fails closed.
	_, err = f.svc.HandleCallback(ctx, "auth-code", state)
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
}

func TestOAuth_UnknownStateRejected(t *testing.T) {
	f := newOAuthFixture(t)
	_, err := f.svc.HandleCallback(context.Background(), "auth-code", "forged-state")
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
}

func TestOAuth_ExpiredStateRejected(t *testing.T) {
	f := newOAuthFixture(t)
	ctx := context.Background()

	authURL, err := f.svc.GetAuthorizationURL(ctx, "ws1", "user-1")
	require.NoError(t, err)
	state := authStateFrom(t, authURL)

	f.mr.FastForward(11 * time.Minute)

	_, err = f.svc.HandleCallback(ctx, "auth-code", state)
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
}

func TestOAuth_SecondIntegrationConflicts(t *testing.T) {
	f := newOAuthFixture(t)
	f.serveCodeExchange(t)
	ctx := context.Background()

	authURL, err := f.svc.GetAuthorizationURL(ctx, "ws1", "user-1")
	require.NoError(t, err)
	_, err = f.svc.HandleCallback(ctx, "auth-code", authStateFrom(t, authURL))
	require.NoError(t, err)

	authURL, err = f.svc.GetAuthorizationURL(ctx, "ws1", "user-2")
	require.NoError(t, err)
	_, err = f.svc.HandleCallback(ctx, "auth-code", authStateFrom(t, authURL))
	require.Error(t, err)
	assert.True(t, apperr.IsConflict(err))
}

func (f *oauthFixture) connect(t *testing.T, workspaceID string) string {
	t.Helper()
	ctx := context.Background()
	authURL, err := f.svc.GetAuthorizationURL(ctx, workspaceID, "user-1")
	require.NoError(t, err)
	result, err := f.svc.HandleCallback(ctx, "auth-code", authStateFrom(t, authURL))
	require.NoError(t, err)
	return result.IntegrationID
}

func TestOAuth_CompleteSetupActivates(t *testing.T) {
	f := newOAuthFixture(t)
	f.serveCodeExchange(t)
	ctx := context.Background()
	integrationID := f.connect(t, "ws1")

	integ, err := f.svc.CompleteSetup(ctx, "ws1", SetupParams{
		IntegrationID: integrationID,
		CloudID:       "cloud-1",
		SiteURL:       "https://example.atlassian.net",
		ProjectKey:    "DEV",
		ProjectName:   "Devos",
		SyncDirection: db.SyncDevosToJira,
		StatusMapping: map[string]string{"qa": "In Review"},
	})
	require.NoError(t, err)
	assert.True(t, integ.IsActive)
	assert.Equal(t, "DEV", integ.JiraProjectKey)
	assert.Equal(t, "Task", integ.IssueType, "issue type defaults when unset")
	assert.Equal(t, db.SyncDevosToJira, integ.SyncDirection)

	// The webhook secret rests encrypted, same as the tokens.
	require.NotEmpty(t, integ.WebhookSecret)
	require.NotEmpty(t, integ.WebhookSecretIV)
	secret, err := f.cipher.Decrypt(integ.WebhookSecret, integ.WebhookSecretIV)
	require.NoError(t, err)
	assert.Len(t, secret, 64, "32 random bytes, hex encoded")
	assert.NotEqual(t, secret, integ.WebhookSecret)

	found, err := f.store.GetActiveIntegrationByProjectKey(ctx, "DEV")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, integrationID, found.ID)
}

func TestOAuth_CompleteSetupWrongWorkspaceForbidden(t *testing.T) {
	f := newOAuthFixture(t)
	f.serveCodeExchange(t)
	integrationID := f.connect(t, "ws1")

	_, err := f.svc.CompleteSetup(context.Background(), "ws2", SetupParams{
		IntegrationID: integrationID,
		CloudID:       "cloud-1",
		ProjectKey:    "DEV",
	})
	require.Error(t, err)
	assert.True(t, apperr.IsForbidden(err))
}

func TestOAuth_CompleteSetupUnknownIntegration(t *testing.T) {
	f := newOAuthFixture(t)
	_, err := f.svc.CompleteSetup(context.Background(), "ws1", SetupParams{IntegrationID: "ghost"})
	require.Error(t, err)
	assert.True(t, apperr.IsNotFound(err))
}

func TestOAuth_StatusStripsSecrets(t *testing.T) {
	f := newOAuthFixture(t)
	f.serveCodeExchange(t)
	ctx := context.Background()
	integrationID := f.connect(t, "ws1")
	_, err := f.svc.CompleteSetup(ctx, "ws1", SetupParams{
		IntegrationID: integrationID,
		CloudID:       "cloud-1",
		ProjectKey:    "DEV",
	})
	require.NoError(t, err)

	status, err := f.svc.Status(ctx, "ws1")
	require.NoError(t, err)
	assert.Empty(t, status.AccessToken)
	assert.Empty(t, status.RefreshToken)
	assert.Empty(t, status.WebhookSecret)
	assert.Empty(t, status.WebhookSecretIV)
	assert.Equal(t, "DEV", status.JiraProjectKey)

	// The stored row keeps its tokens.
	raw, err := f.store.GetIntegration(ctx, integrationID)
	require.NoError(t, err)
	assert.NotEmpty(t, raw.AccessToken)
}

func TestOAuth_StatusWithoutIntegration(t *testing.T) {
	f := newOAuthFixture(t)
	_, err := f.svc.Status(context.Background(), "ws1")
	require.Error(t, err)
	assert.True(t, apperr.IsNotFound(err))
}

func TestOAuth_UpdateSyncDirectionValidation(t *testing.T) {
	f := newOAuthFixture(t)
	f.serveCodeExchange(t)
	ctx := context.Background()
	integrationID := f.connect(t, "ws1")
	_, err := f.svc.CompleteSetup(ctx, "ws1", SetupParams{IntegrationID: integrationID, CloudID: "cloud-1", ProjectKey: "DEV"})
	require.NoError(t, err)

	_, err = f.svc.UpdateSyncDirection(ctx, "ws1", "sideways")
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalid, apperr.KindOf(err))

	integ, err := f.svc.UpdateSyncDirection(ctx, "ws1", db.SyncJiraToDevos)
	require.NoError(t, err)
	assert.Equal(t, db.SyncJiraToDevos, integ.SyncDirection)
}

func TestOAuth_UpdateIssueTypeAndStatusMapping(t *testing.T) {
	f := newOAuthFixture(t)
	f.serveCodeExchange(t)
	ctx := context.Background()
	integrationID := f.connect(t, "ws1")
	_, err := f.svc.CompleteSetup(ctx, "ws1", SetupParams{IntegrationID: integrationID, CloudID: "cloud-1", ProjectKey: "DEV"})
	require.NoError(t, err)

	_, err = f.svc.UpdateIssueType(ctx, "ws1", "")
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalid, apperr.KindOf(err))

	integ, err := f.svc.UpdateIssueType(ctx, "ws1", "Story")
	require.NoError(t, err)
	assert.Equal(t, "Story", integ.IssueType)

	integ, err = f.svc.UpdateStatusMapping(ctx, "ws1", map[string]string{"implementing": "In Progress"})
	require.NoError(t, err)
	assert.Equal(t, "In Progress", integ.StatusMapping["implementing"])
}

func TestOAuth_Verify(t *testing.T) {
	f := newOAuthFixture(t)
	f.serveCodeExchange(t)
	ctx := context.Background()
	integrationID := f.connect(t, "ws1")
	_, err := f.svc.CompleteSetup(ctx, "ws1", SetupParams{IntegrationID: integrationID, CloudID: "cloud-1", ProjectKey: "DEV"})
	require.NoError(t, err)

	require.NoError(t, f.store.IncrementIntegrationError(ctx, integrationID, "old failure", time.Now().UTC()))

	f.mux.HandleFunc("/ex/jira/cloud-1/rest/api/3/project/DEV", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"key":"DEV"}`))
	})

	require.NoError(t, f.svc.Verify(ctx, "ws1"))

	integ, err := f.store.GetIntegration(ctx, integrationID)
	require.NoError(t, err)
	assert.Zero(t, integ.ErrorCount)
	assert.Empty(t, integ.LastError)
}

func TestOAuth_Disconnect(t *testing.T) {
	f := newOAuthFixture(t)
	f.serveCodeExchange(t)
	ctx := context.Background()
	integrationID := f.connect(t, "ws1")
	_, err := f.svc.CompleteSetup(ctx, "ws1", SetupParams{IntegrationID: integrationID, CloudID: "cloud-1", ProjectKey: "DEV"})
	require.NoError(t, err)

	require.NoError(t, f.svc.Disconnect(ctx, "ws1"))

	integ, err := f.store.GetIntegration(ctx, integrationID)
	require.NoError(t, err)
	assert.Nil(t, integ)

	err = f.svc.Disconnect(ctx, "ws1")
	require.Error(t, err)
	assert.True(t, apperr.IsNotFound(err))
}
