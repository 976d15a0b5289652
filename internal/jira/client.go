package jira

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"devos/internal/apperr"
	"devos/internal/byok"
	"devos/internal/cache"
	"devos/internal/db"
	"devos/internal/telemetry"
)

const (
	defaultAuthBaseURL = "https://auth.atlassian.com"
	defaultAPIBaseURL  = "https://api.atlassian.com"

	// tokenRefreshMargin refreshes tokens before they can expire
	// mid-request.
	tokenRefreshMargin = 5 * time.Minute

	// Local sliding-window limit, conservative against the provider's
	// 100 requests per minute.
	rateWindow   = 60 * time.Second
	rateLimit    = 90
	rateKeyTTL   = 2 * time.Minute
	refreshTTL   = 30 * time.Second
	refreshWait  = 2 * time.Second
	requestLimit = 30 * time.Second

	maxRetries = 3
)

var retryDelays = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// Client is the single entry point to the Jira REST v3 API. Tokens are
// decrypted just-in-time per request and never logged.
type Client struct {
	store        db.Store
	backend      cache.Backend
	cipher       *byok.Cipher
	http         *http.Client
	metrics      *telemetry.Metrics
	clientID     string
	clientSecret string

	// Base URLs are fields so tests can point at a local server.
	AuthBaseURL string
	APIBaseURL  string

	now   func() time.Time
	sleep func(time.Duration)
}

// NewClient wires the API client.
func NewClient(store db.Store, backend cache.Backend, cipher *byok.Cipher, metrics *telemetry.Metrics, clientID, clientSecret string) *Client {
	return &Client{
		store:        store,
		backend:      backend,
		cipher:       cipher,
		http:         &http.Client{Timeout: requestLimit},
		metrics:      metrics,
		clientID:     clientID,
		clientSecret: clientSecret,
		AuthBaseURL:  defaultAuthBaseURL,
		APIBaseURL:   defaultAPIBaseURL,
		now:          func() time.Time { return time.Now().UTC() },
		sleep:        time.Sleep,
	}
}

func rateKey(integrationID string) string {
	return "jira-rate:" + integrationID
}

func refreshKey(integrationID string) string {
	return "jira-token-refresh:" + integrationID
}

// Request performs one authenticated call against
// {APIBaseURL}/ex/jira/{cloudId}/rest/api/3{path} and decodes the JSON
// response into out when out is non-nil.
func (c *Client) Request(ctx context.Context, integ *db.JiraIntegration, method, path string, body, out any) error {
	if err := c.ensureFreshToken(ctx, integ); err != nil {
		return err
	}
	if err := c.checkRateLimit(ctx, integ.ID); err != nil {
		return err
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	url := fmt.Sprintf("%s/ex/jira/%s/rest/api/3%s", c.APIBaseURL, integ.CloudID, path)
	refreshed := false
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			c.sleep(retryDelays[attempt-1])
		}

		token, err := c.cipher.Decrypt(integ.AccessToken, integ.AccessTokenIV)
		if err != nil {
			return fmt.Errorf("failed to decrypt access token for integration %s: %w", integ.ID, err)
		}

		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		token = ""
		if err != nil {
			lastErr = err
			c.countRequest(method, "network_error")
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		c.countRequest(method, strconv.Itoa(resp.StatusCode))

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			if !refreshed {
				refreshed = true
				if err := c.refreshToken(ctx, integ); err != nil {
					return err
				}
				attempt--
				continue
			}
			now := c.now()
			if err := c.store.IncrementIntegrationError(ctx, integ.ID, "authentication failed", now); err != nil {
				telemetry.LogWarn("failed to record integration auth failure", "integration", integ.ID, "error", err)
			}
			return apperr.Unauthorized("jira authentication failed for integration %s", integ.ID)

		case resp.StatusCode == http.StatusForbidden:
			return &APIError{Status: http.StatusForbidden, Message: apiMessage(respBody)}

		case resp.StatusCode == http.StatusNotFound:
			return &APIError{Status: http.StatusNotFound, Message: apiMessage(respBody)}

		case resp.StatusCode == http.StatusTooManyRequests:
			retryAfter := 60
			if v := resp.Header.Get("Retry-After"); v != "" {
				if n, err := strconv.Atoi(v); err == nil {
					retryAfter = n
				}
			}
			return &RateLimitError{RetryAfter: retryAfter}

		case resp.StatusCode >= 500:
			lastErr = &APIError{Status: resp.StatusCode, Message: apiMessage(respBody)}
			continue

		case resp.StatusCode >= 400:
			return &APIError{Status: resp.StatusCode, Message: apiMessage(respBody)}
		}

		c.recordRateEntry(ctx, integ.ID)

		if resp.StatusCode == http.StatusNoContent || out == nil || len(respBody) == 0 {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("failed to read jira response: %w", readErr)
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to decode jira response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("jira request failed after %d retries: %w", maxRetries, lastErr)
}

func (c *Client) countRequest(method, status string) {
	if c.metrics != nil {
		c.metrics.JiraAPIRequests.WithLabelValues(method, status).Inc()
	}
}

func apiMessage(body []byte) string {
	var parsed struct {
		ErrorMessages []string `json:"errorMessages"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && len(parsed.ErrorMessages) > 0 {
		return parsed.ErrorMessages[0]
	}
	return ""
}

// checkRateLimit enforces the local sliding window. A cache failure
// degrades to allow-then-log rather than failing closed.
func (c *Client) checkRateLimit(ctx context.Context, integrationID string) error {
	key := rateKey(integrationID)
	nowMs := c.now().UnixMilli()
	cutoff := strconv.FormatInt(nowMs-rateWindow.Milliseconds(), 10)

	if err := c.backend.ZRemRangeByScore(ctx, key, "-inf", cutoff); err != nil {
		telemetry.LogWarn("rate limit window cleanup failed, allowing request", "integration", integrationID, "error", err)
		return nil
	}
	size, err := c.backend.ZCard(ctx, key)
	if err != nil {
		telemetry.LogWarn("rate limit check failed, allowing request", "integration", integrationID, "error", err)
		return nil
	}
	if size >= rateLimit {
		if c.metrics != nil {
			c.metrics.JiraRateLimited.Inc()
		}
		return &RateLimitError{RetryAfter: 60}
	}
	return nil
}

func (c *Client) recordRateEntry(ctx context.Context, integrationID string) {
	key := rateKey(integrationID)
	nowMs := c.now().UnixMilli()
	member := strconv.FormatInt(nowMs, 10) + ":" + strconv.FormatInt(c.now().UnixNano(), 10)
	if err := c.backend.ZAdd(ctx, key, float64(nowMs), member); err != nil {
		telemetry.LogWarn("failed to record rate limit entry", "integration", integrationID, "error", err)
		return
	}
	c.backend.Expire(ctx, key, rateKeyTTL)
}

func (c *Client) ensureFreshToken(ctx context.Context, integ *db.JiraIntegration) error {
	if integ.TokenExpiresAt.Sub(c.now()) >= tokenRefreshMargin {
		return nil
	}
	return c.refreshToken(ctx, integ)
}

// refreshToken exchanges the refresh token under a distributed lock so
// concurrent callers do not race Atlassian's rotating refresh tokens.
// A caller that loses the lock waits and reloads the integration.
func (c *Client) refreshToken(ctx context.Context, integ *db.JiraIntegration) error {
	mu := cache.NewMutex(c.backend, refreshKey(integ.ID), refreshTTL)
	ok, err := mu.TryLock(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire token refresh lock: %w", err)
	}
	if !ok {
		c.sleep(refreshWait)
		reloaded, err := c.store.GetIntegration(ctx, integ.ID)
		if err != nil {
			return err
		}
		if reloaded == nil {
			return apperr.NotFound("integration %s no longer exists", integ.ID)
		}
		*integ = *reloaded
		return nil
	}
	defer mu.Unlock(ctx)

	refreshToken, err := c.cipher.Decrypt(integ.RefreshToken, integ.RefreshTokenIV)
	if err != nil {
		return fmt.Errorf("failed to decrypt refresh token for integration %s: %w", integ.ID, err)
	}

	tokens, err := c.exchangeToken(ctx, map[string]string{
		"grant_type":    "refresh_token",
		"client_id":     c.clientID,
		"client_secret": c.clientSecret,
		"refresh_token": refreshToken,
	})
	refreshToken = ""
	if err != nil {
		now := c.now()
		if storeErr := c.store.IncrementIntegrationError(ctx, integ.ID, "token refresh failed", now); storeErr != nil {
			telemetry.LogWarn("failed to record refresh failure", "integration", integ.ID, "error", storeErr)
		}
		return fmt.Errorf("token refresh failed for integration %s: %w", integ.ID, err)
	}

	accessCiphertext, accessIV, err := c.cipher.Encrypt(tokens.AccessToken)
	if err != nil {
		return err
	}
	refreshCiphertext, refreshIV, err := c.cipher.Encrypt(tokens.RefreshToken)
	if err != nil {
		return err
	}

	integ.AccessToken = accessCiphertext
	integ.AccessTokenIV = accessIV
	integ.RefreshToken = refreshCiphertext
	integ.RefreshTokenIV = refreshIV
	integ.TokenExpiresAt = c.now().Add(time.Duration(tokens.ExpiresIn) * time.Second)
	integ.UpdatedAt = c.now()
	if err := c.store.SaveIntegration(ctx, integ); err != nil {
		return fmt.Errorf("failed to persist refreshed tokens: %w", err)
	}
	telemetry.LogInfo("jira tokens refreshed", "integration", integ.ID)
	return nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// exchangeToken posts to the Atlassian token endpoint. Used by both the
// refresh path and the OAuth callback.
func (c *Client) exchangeToken(ctx context.Context, form map[string]string) (*tokenResponse, error) {
	payload, err := json.Marshal(form)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.AuthBaseURL+"/oauth/token", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}
	var tokens tokenResponse
	if err := json.Unmarshal(body, &tokens); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if tokens.AccessToken == "" {
		return nil, fmt.Errorf("token endpoint returned no access token")
	}
	return &tokens, nil
}

// GetIssue fetches an issue by id or key. A 404 is reported as
// (nil, nil); every other failure propagates.
func (c *Client) GetIssue(ctx context.Context, integ *db.JiraIntegration, idOrKey string) (*Issue, error) {
	var issue Issue
	err := c.Request(ctx, integ, http.MethodGet, "/issue/"+idOrKey, nil, &issue)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &issue, nil
}

// CreateIssue creates an issue and returns its id and key.
func (c *Client) CreateIssue(ctx context.Context, integ *db.JiraIntegration, fields map[string]any) (*Issue, error) {
	var created Issue
	err := c.Request(ctx, integ, http.MethodPost, "/issue", map[string]any{"fields": fields}, &created)
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// UpdateIssue replaces the given fields on an issue.
func (c *Client) UpdateIssue(ctx context.Context, integ *db.JiraIntegration, idOrKey string, fields map[string]any) error {
	return c.Request(ctx, integ, http.MethodPut, "/issue/"+idOrKey, map[string]any{"fields": fields}, nil)
}

// GetTransitions lists the workflow transitions available on an issue.
func (c *Client) GetTransitions(ctx context.Context, integ *db.JiraIntegration, idOrKey string) ([]Transition, error) {
	var resp transitionsResponse
	if err := c.Request(ctx, integ, http.MethodGet, "/issue/"+idOrKey+"/transitions", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Transitions, nil
}

// TransitionIssue executes a workflow transition.
func (c *Client) TransitionIssue(ctx context.Context, integ *db.JiraIntegration, idOrKey, transitionID string) error {
	body := map[string]any{"transition": map[string]any{"id": transitionID}}
	return c.Request(ctx, integ, http.MethodPost, "/issue/"+idOrKey+"/transitions", body, nil)
}

// ListProjects returns the projects visible to the integration.
func (c *Client) ListProjects(ctx context.Context, integ *db.JiraIntegration) ([]Project, error) {
	var resp projectSearchResponse
	if err := c.Request(ctx, integ, http.MethodGet, "/project/search", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Values, nil
}

// ListStatuses returns every status defined on the site.
func (c *Client) ListStatuses(ctx context.Context, integ *db.JiraIntegration) ([]Status, error) {
	var statuses []Status
	if err := c.Request(ctx, integ, http.MethodGet, "/status", nil, &statuses); err != nil {
		return nil, err
	}
	return statuses, nil
}

// ListIssueTypes returns the site's issue types.
func (c *Client) ListIssueTypes(ctx context.Context, integ *db.JiraIntegration) ([]IssueType, error) {
	var types []IssueType
	if err := c.Request(ctx, integ, http.MethodGet, "/issuetype", nil, &types); err != nil {
		return nil, err
	}
	return types, nil
}
