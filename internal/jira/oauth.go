package jira

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"devos/internal/apperr"
	"devos/internal/byok"
	"devos/internal/cache"
	"devos/internal/db"
	"devos/internal/telemetry"
)

const (
	oauthStateTTL = 600 * time.Second
	oauthScopes   = "read:jira-work write:jira-work manage:jira-webhook offline_access"
)

var webhookEvents = []string{
	"jira:issue_created",
	"jira:issue_updated",
	"jira:issue_deleted",
	"comment_created",
	"comment_updated",
}

// OAuthConfig holds the Atlassian app registration.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	WebhookURL   string
}

// SetupParams binds a pending integration to a site and project.
type SetupParams struct {
	IntegrationID string
	CloudID       string
	SiteURL       string
	ProjectKey    string
	ProjectName   string
	IssueType     string
	SyncDirection string
	StatusMapping map[string]string
	FieldMapping  map[string]string
}

// CallbackResult is returned to the UI for site selection.
type CallbackResult struct {
	IntegrationID string `json:"integrationId"`
	Sites         []Site `json:"sites"`
}

type oauthState struct {
	WorkspaceID string `json:"workspaceId"`
	UserID      string `json:"userId"`
}

// OAuthService drives the Atlassian 3LO flow and integration lifecycle.
type OAuthService struct {
	store   db.Store
	backend cache.Backend
	cipher  *byok.Cipher
	client  *Client
	http    *http.Client
	cfg     OAuthConfig
	now     func() time.Time
}

// NewOAuthService wires the OAuth service.
func NewOAuthService(store db.Store, backend cache.Backend, cipher *byok.Cipher, client *Client, cfg OAuthConfig) *OAuthService {
	return &OAuthService{
		store:   store,
		backend: backend,
		cipher:  cipher,
		client:  client,
		http:    &http.Client{Timeout: requestLimit},
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func stateKey(state string) string {
	return "jira-oauth:" + state
}

// GetAuthorizationURL creates a single-use state nonce and returns the
// Atlassian authorize URL.
func (s *OAuthService) GetAuthorizationURL(ctx context.Context, workspaceID, userID string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	state := hex.EncodeToString(raw)

	payload, err := json.Marshal(oauthState{WorkspaceID: workspaceID, UserID: userID})
	if err != nil {
		return "", err
	}
	if err := s.backend.Set(ctx, stateKey(state), string(payload), oauthStateTTL); err != nil {
		return "", fmt.Errorf("failed to store oauth state: %w", err)
	}

	q := url.Values{}
	q.Set("audience", "api.atlassian.com")
	q.Set("client_id", s.cfg.ClientID)
	q.Set("scope", oauthScopes)
	q.Set("redirect_uri", s.cfg.RedirectURI)
	q.Set("state", state)
	q.Set("response_type", "code")
	q.Set("prompt", "consent")
	return s.client.AuthBaseURL + "/authorize?" + q.Encode(), nil
}

// HandleCallback consumes the state nonce, exchanges the code, stores
// an inactive integration, and returns the accessible sites.
func (s *OAuthService) HandleCallback(ctx context.Context, code, state string) (*CallbackResult, error) {
	raw, ok, err := s.backend.Get(ctx, stateKey(state))
	if err != nil {
		return nil, fmt.Errorf("failed to load oauth state: %w", err)
	}
	if !ok {
		return nil, apperr.Unauthorized("unknown or expired oauth state")
	}
	// Single use: a replayed state must not pass.
	if err := s.backend.Del(ctx, stateKey(state)); err != nil {
		return nil, fmt.Errorf("failed to consume oauth state: %w", err)
	}

	var st oauthState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("corrupt oauth state: %w", err)
	}

	existing, err := s.store.GetIntegrationByWorkspace(ctx, st.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, apperr.Conflict("workspace %s already has a jira integration", st.WorkspaceID)
	}

	tokens, err := s.client.exchangeToken(ctx, map[string]string{
		"grant_type":    "authorization_code",
		"client_id":     s.cfg.ClientID,
		"client_secret": s.cfg.ClientSecret,
		"code":          code,
		"redirect_uri":  s.cfg.RedirectURI,
	})
	if err != nil {
		return nil, fmt.Errorf("oauth code exchange failed: %w", err)
	}

	sites, err := s.fetchAccessibleSites(ctx, tokens.AccessToken)
	if err != nil {
		return nil, err
	}

	accessCiphertext, accessIV, err := s.cipher.Encrypt(tokens.AccessToken)
	if err != nil {
		return nil, err
	}
	refreshCiphertext, refreshIV, err := s.cipher.Encrypt(tokens.RefreshToken)
	if err != nil {
		return nil, err
	}

	now := s.now()
	integ := &db.JiraIntegration{
		ID:             uuid.NewString(),
		WorkspaceID:    st.WorkspaceID,
		AccessToken:    accessCiphertext,
		AccessTokenIV:  accessIV,
		RefreshToken:   refreshCiphertext,
		RefreshTokenIV: refreshIV,
		TokenExpiresAt: now.Add(time.Duration(tokens.ExpiresIn) * time.Second),
		SyncDirection:  db.SyncBidirectional,
		IsActive:       false,
		ConnectedBy:    st.UserID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.SaveIntegration(ctx, integ); err != nil {
		return nil, fmt.Errorf("failed to save integration: %w", err)
	}
	return &CallbackResult{IntegrationID: integ.ID, Sites: sites}, nil
}

func (s *OAuthService) fetchAccessibleSites(ctx context.Context, accessToken string) ([]Site, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.client.APIBaseURL+"/oauth/token/accessible-resources", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch accessible sites: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("accessible-resources returned status %d", resp.StatusCode)
	}
	var sites []Site
	if err := json.Unmarshal(body, &sites); err != nil {
		return nil, fmt.Errorf("failed to decode accessible sites: %w", err)
	}
	return sites, nil
}

// CompleteSetup binds the chosen site and project, registers a webhook
// best-effort, and activates the integration.
func (s *OAuthService) CompleteSetup(ctx context.Context, workspaceID string, params SetupParams) (*db.JiraIntegration, error) {
	integ, err := s.store.GetIntegration(ctx, params.IntegrationID)
	if err != nil {
		return nil, err
	}
	if integ == nil {
		return nil, apperr.NotFound("no integration %s", params.IntegrationID)
	}
	if integ.WorkspaceID != workspaceID {
		return nil, apperr.Forbidden("integration %s does not belong to workspace %s", params.IntegrationID, workspaceID)
	}

	integ.CloudID = params.CloudID
	integ.JiraSiteURL = params.SiteURL
	integ.JiraProjectKey = params.ProjectKey
	integ.JiraProjectName = params.ProjectName
	integ.IssueType = params.IssueType
	if integ.IssueType == "" {
		integ.IssueType = "Task"
	}
	if params.SyncDirection != "" {
		integ.SyncDirection = params.SyncDirection
	}
	integ.StatusMapping = params.StatusMapping
	integ.FieldMapping = params.FieldMapping

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	// The webhook secret rests encrypted like the tokens.
	secretCiphertext, secretIV, err := s.cipher.Encrypt(hex.EncodeToString(secret))
	if err != nil {
		return nil, err
	}
	integ.WebhookSecret = secretCiphertext
	integ.WebhookSecretIV = secretIV

	if s.cfg.WebhookURL != "" {
		webhookID, err := s.registerWebhook(ctx, integ)
		if err != nil {
			telemetry.LogWarn("webhook registration failed", "integration", integ.ID, "error", err)
		} else {
			integ.WebhookID = webhookID
		}
	}

	integ.IsActive = true
	integ.UpdatedAt = s.now()
	if err := s.store.SaveIntegration(ctx, integ); err != nil {
		return nil, fmt.Errorf("failed to activate integration: %w", err)
	}
	return integ, nil
}

func (s *OAuthService) registerWebhook(ctx context.Context, integ *db.JiraIntegration) (string, error) {
	body := map[string]any{
		"url": s.cfg.WebhookURL,
		"webhooks": []map[string]any{
			{
				"events":    webhookEvents,
				"jqlFilter": fmt.Sprintf("project = %s", integ.JiraProjectKey),
			},
		},
	}
	var resp struct {
		WebhookRegistrationResult []struct {
			CreatedWebhookID int `json:"createdWebhookId"`
		} `json:"webhookRegistrationResult"`
	}
	if err := s.client.Request(ctx, integ, http.MethodPost, "/webhook", body, &resp); err != nil {
		return "", err
	}
	if len(resp.WebhookRegistrationResult) == 0 {
		return "", fmt.Errorf("webhook registration returned no result")
	}
	return fmt.Sprintf("%d", resp.WebhookRegistrationResult[0].CreatedWebhookID), nil
}

// Disconnect best-effort deletes the remote webhook, then removes the
// integration row.
func (s *OAuthService) Disconnect(ctx context.Context, workspaceID string) error {
	integ, err := s.store.GetIntegrationByWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}
	if integ == nil {
		return apperr.NotFound("no jira integration for workspace %s", workspaceID)
	}

	if integ.WebhookID != "" {
		body := map[string]any{"webhookIds": []string{integ.WebhookID}}
		if err := s.client.Request(ctx, integ, http.MethodDelete, "/webhook", body, nil); err != nil {
			telemetry.LogWarn("webhook deletion failed", "integration", integ.ID, "error", err)
		}
	}
	return s.store.DeleteIntegration(ctx, integ.ID)
}

// Status returns the workspace's integration for operator display.
// Token ciphertext is stripped before it leaves this layer.
func (s *OAuthService) Status(ctx context.Context, workspaceID string) (*db.JiraIntegration, error) {
	integ, err := s.store.GetIntegrationByWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if integ == nil {
		return nil, apperr.NotFound("no jira integration for workspace %s", workspaceID)
	}
	sanitized := *integ
	sanitized.AccessToken = ""
	sanitized.AccessTokenIV = ""
	sanitized.RefreshToken = ""
	sanitized.RefreshTokenIV = ""
	sanitized.WebhookSecret = ""
	sanitized.WebhookSecretIV = ""
	return &sanitized, nil
}

// Verify probes the configured project and clears the error counter on
// success.
func (s *OAuthService) Verify(ctx context.Context, workspaceID string) error {
	integ, err := s.store.GetIntegrationByWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}
	if integ == nil {
		return apperr.NotFound("no jira integration for workspace %s", workspaceID)
	}
	var out map[string]any
	if err := s.client.Request(ctx, integ, http.MethodGet, "/project/"+integ.JiraProjectKey, nil, &out); err != nil {
		return err
	}
	return s.store.ResetIntegrationErrors(ctx, integ.ID)
}

// UpdateStatusMapping replaces the story-status to Jira-status map.
func (s *OAuthService) UpdateStatusMapping(ctx context.Context, workspaceID string, mapping map[string]string) (*db.JiraIntegration, error) {
	return s.updateOwned(ctx, workspaceID, func(integ *db.JiraIntegration) {
		integ.StatusMapping = mapping
	})
}

// UpdateSyncDirection switches the sync direction.
func (s *OAuthService) UpdateSyncDirection(ctx context.Context, workspaceID, direction string) (*db.JiraIntegration, error) {
	switch direction {
	case db.SyncDevosToJira, db.SyncJiraToDevos, db.SyncBidirectional:
	default:
		return nil, apperr.Invalid("invalid sync direction %q", direction)
	}
	return s.updateOwned(ctx, workspaceID, func(integ *db.JiraIntegration) {
		integ.SyncDirection = direction
	})
}

// UpdateIssueType switches the issue type used for new issues.
func (s *OAuthService) UpdateIssueType(ctx context.Context, workspaceID, issueType string) (*db.JiraIntegration, error) {
	if issueType == "" {
		return nil, apperr.Invalid("issue type must not be empty")
	}
	return s.updateOwned(ctx, workspaceID, func(integ *db.JiraIntegration) {
		integ.IssueType = issueType
	})
}

func (s *OAuthService) updateOwned(ctx context.Context, workspaceID string, mutate func(*db.JiraIntegration)) (*db.JiraIntegration, error) {
	integ, err := s.store.GetIntegrationByWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if integ == nil {
		return nil, apperr.NotFound("no jira integration for workspace %s", workspaceID)
	}
	mutate(integ)
	integ.UpdatedAt = s.now()
	if err := s.store.SaveIntegration(ctx, integ); err != nil {
		return nil, err
	}
	return integ, nil
}
