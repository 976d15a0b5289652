// Package server exposes the orchestrator's HTTP surface: the public
// Jira webhook and OAuth callback, the admin API, and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"devos/internal/apperr"
	"devos/internal/db"
	"devos/internal/jira"
	"devos/internal/telemetry"
)

// Server hosts the orchestrator HTTP API.
type Server struct {
	store      db.Store
	oauth      *jira.OAuthService
	sync       *jira.SyncService
	client     *jira.Client
	webhooks   *jira.WebhookProcessor
	appBaseURL string

	http *http.Server
}

// Config carries the listener and redirect settings.
type Config struct {
	Addr       string
	AppBaseURL string
}

// New builds the server and its routes.
func New(cfg Config, store db.Store, oauth *jira.OAuthService, sync *jira.SyncService, client *jira.Client, webhooks *jira.WebhookProcessor) *Server {
	s := &Server{
		store:      store,
		oauth:      oauth,
		sync:       sync,
		client:     client,
		webhooks:   webhooks,
		appBaseURL: cfg.AppBaseURL,
	}
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	// Public endpoints. The webhook always answers success so Jira never
	// disables delivery; the callback talks to a browser, so it redirects.
	r.Post("/integrations/jira/webhooks", s.handleWebhook)
	r.Get("/integrations/jira/callback", s.handleOAuthCallback)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/workspaces/{workspaceID}/jira", func(r chi.Router) {
		r.Get("/auth-url", s.handleAuthURL)
		r.Post("/complete-setup", s.handleCompleteSetup)
		r.Get("/status", s.handleStatus)
		r.Post("/verify", s.handleVerify)
		r.Put("/status-mapping", s.handleStatusMapping)
		r.Put("/sync-direction", s.handleSyncDirection)
		r.Put("/issue-type", s.handleIssueType)
		r.Delete("/disconnect", s.handleDisconnect)

		r.Get("/sync-items", s.handleListSyncItems)
		r.Post("/sync-items/{syncItemID}/resolve", s.handleResolveConflict)
		r.Post("/sync-items/{syncItemID}/retry", s.handleRetrySyncItem)
		r.Post("/sync-items/{syncItemID}/unlink", s.handleUnlink)
		r.Post("/retry-all-failed", s.handleRetryAllFailed)
		r.Post("/full-sync", s.handleFullSync)
		r.Post("/link", s.handleLink)

		r.Get("/projects", s.handleListProjects)
		r.Get("/statuses", s.handleListStatuses)
		r.Get("/issue-types", s.handleListIssueTypes)
	})

	return r
}

// Start begins serving. Blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	telemetry.LogInfo("http server listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// --- public endpoints ---

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err == nil {
		s.webhooks.Process(r.Context(), payload)
	}
	// Unconditional success, malformed bodies included.
	respond(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")

	result, err := s.oauth.HandleCallback(r.Context(), code, state)
	if err != nil {
		telemetry.LogWarn("jira oauth callback failed", "error", err)
		dest := s.appBaseURL + "?error=" + url.QueryEscape(err.Error())
		http.Redirect(w, r, dest, http.StatusFound)
		return
	}
	dest := fmt.Sprintf("%s/integrations/jira/setup?integrationId=%s",
		s.appBaseURL, url.QueryEscape(result.IntegrationID))
	http.Redirect(w, r, dest, http.StatusFound)
}

// --- admin: integration lifecycle ---

func (s *Server) handleAuthURL(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		s.writeError(w, apperr.Invalid("userId is required"))
		return
	}
	authURL, err := s.oauth.GetAuthorizationURL(r.Context(), workspaceID, userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"url": authURL})
}

func (s *Server) handleCompleteSetup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IntegrationID string            `json:"integrationId"`
		CloudID       string            `json:"cloudId"`
		SiteURL       string            `json:"siteUrl"`
		ProjectKey    string            `json:"projectKey"`
		ProjectName   string            `json:"projectName"`
		IssueType     string            `json:"issueType"`
		SyncDirection string            `json:"syncDirection"`
		StatusMapping map[string]string `json:"statusMapping"`
		FieldMapping  map[string]string `json:"fieldMapping"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	integ, err := s.oauth.CompleteSetup(r.Context(), chi.URLParam(r, "workspaceID"), jira.SetupParams{
		IntegrationID: body.IntegrationID,
		CloudID:       body.CloudID,
		SiteURL:       body.SiteURL,
		ProjectKey:    body.ProjectKey,
		ProjectName:   body.ProjectName,
		IssueType:     body.IssueType,
		SyncDirection: body.SyncDirection,
		StatusMapping: body.StatusMapping,
		FieldMapping:  body.FieldMapping,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	respond(w, http.StatusOK, integ)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	integ, err := s.oauth.Status(r.Context(), chi.URLParam(r, "workspaceID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	respond(w, http.StatusOK, integ)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if err := s.oauth.Verify(r.Context(), chi.URLParam(r, "workspaceID")); err != nil {
		s.writeError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleStatusMapping(w http.ResponseWriter, r *http.Request) {
	var body struct {
		StatusMapping map[string]string `json:"statusMapping"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	integ, err := s.oauth.UpdateStatusMapping(r.Context(), chi.URLParam(r, "workspaceID"), body.StatusMapping)
	if err != nil {
		s.writeError(w, err)
		return
	}
	respond(w, http.StatusOK, integ)
}

func (s *Server) handleSyncDirection(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SyncDirection string `json:"syncDirection"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	integ, err := s.oauth.UpdateSyncDirection(r.Context(), chi.URLParam(r, "workspaceID"), body.SyncDirection)
	if err != nil {
		s.writeError(w, err)
		return
	}
	respond(w, http.StatusOK, integ)
}

func (s *Server) handleIssueType(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IssueType string `json:"issueType"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	integ, err := s.oauth.UpdateIssueType(r.Context(), chi.URLParam(r, "workspaceID"), body.IssueType)
	if err != nil {
		s.writeError(w, err)
		return
	}
	respond(w, http.StatusOK, integ)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.oauth.Disconnect(r.Context(), chi.URLParam(r, "workspaceID")); err != nil {
		s.writeError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"success": true})
}

// --- admin: sync items ---

func (s *Server) handleListSyncItems(w http.ResponseWriter, r *http.Request) {
	integ, err := s.requireIntegration(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := r.URL.Query().Get("status")
	switch status {
	case "", db.SyncStatusSynced, db.SyncStatusPending, db.SyncStatusConflict, db.SyncStatusError:
	default:
		s.writeError(w, apperr.Invalid("invalid sync status filter %q", status))
		return
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	items, total, err := s.store.ListSyncItems(r.Context(), integ.ID, status, limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"items":  items,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Resolution string `json:"resolution"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	item, err := s.sync.ResolveConflict(r.Context(), chi.URLParam(r, "workspaceID"),
		chi.URLParam(r, "syncItemID"), body.Resolution)
	if err != nil {
		s.writeError(w, err)
		return
	}
	respond(w, http.StatusOK, item)
}

func (s *Server) handleRetrySyncItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.sync.RetrySyncItem(r.Context(), chi.URLParam(r, "workspaceID"), chi.URLParam(r, "syncItemID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	respond(w, http.StatusOK, item)
}

func (s *Server) handleUnlink(w http.ResponseWriter, r *http.Request) {
	if err := s.sync.Unlink(r.Context(), chi.URLParam(r, "workspaceID"), chi.URLParam(r, "syncItemID")); err != nil {
		s.writeError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleRetryAllFailed(w http.ResponseWriter, r *http.Request) {
	report, err := s.sync.RetryAllFailed(r.Context(), chi.URLParam(r, "workspaceID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	respond(w, http.StatusOK, report)
}

func (s *Server) handleFullSync(w http.ResponseWriter, r *http.Request) {
	report, err := s.sync.FullSync(r.Context(), chi.URLParam(r, "workspaceID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	respond(w, http.StatusOK, report)
}

func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	var body struct {
		StoryID      string `json:"storyId"`
		JiraIssueKey string `json:"jiraIssueKey"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	item, err := s.sync.LinkStoryToIssue(r.Context(), chi.URLParam(r, "workspaceID"), body.StoryID, body.JiraIssueKey)
	if err != nil {
		s.writeError(w, err)
		return
	}
	respond(w, http.StatusOK, item)
}

// --- admin: Jira catalog lookups ---

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	integ, err := s.requireIntegration(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	projects, err := s.client.ListProjects(r.Context(), integ)
	if err != nil {
		s.writeError(w, err)
		return
	}
	respond(w, http.StatusOK, projects)
}

func (s *Server) handleListStatuses(w http.ResponseWriter, r *http.Request) {
	integ, err := s.requireIntegration(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	statuses, err := s.client.ListStatuses(r.Context(), integ)
	if err != nil {
		s.writeError(w, err)
		return
	}
	respond(w, http.StatusOK, statuses)
}

func (s *Server) handleListIssueTypes(w http.ResponseWriter, r *http.Request) {
	integ, err := s.requireIntegration(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	types, err := s.client.ListIssueTypes(r.Context(), integ)
	if err != nil {
		s.writeError(w, err)
		return
	}
	respond(w, http.StatusOK, types)
}

func (s *Server) requireIntegration(r *http.Request) (*db.JiraIntegration, error) {
	workspaceID := chi.URLParam(r, "workspaceID")
	integ, err := s.store.GetIntegrationByWorkspace(r.Context(), workspaceID)
	if err != nil {
		return nil, err
	}
	if integ == nil {
		return nil, apperr.NotFound("no jira integration for workspace %s", workspaceID)
	}
	return integ, nil
}

// --- plumbing ---

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Invalid("invalid request body: %v", err)
	}
	return nil
}

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var rateErr *jira.RateLimitError
	if errors.As(err, &rateErr) {
		w.Header().Set("Retry-After", strconv.Itoa(rateErr.RetryAfter))
		respond(w, http.StatusTooManyRequests, errBody(err))
		return
	}
	var lockErr *jira.SyncLockError
	if errors.As(err, &lockErr) {
		respond(w, http.StatusConflict, errBody(err))
		return
	}
	var apiErr *jira.APIError
	if errors.As(err, &apiErr) {
		respond(w, http.StatusBadGateway, errBody(err))
		return
	}

	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		respond(w, http.StatusNotFound, errBody(err))
	case apperr.KindConflict:
		respond(w, http.StatusConflict, errBody(err))
	case apperr.KindForbidden:
		respond(w, http.StatusForbidden, errBody(err))
	case apperr.KindUnauthorized:
		respond(w, http.StatusUnauthorized, errBody(err))
	case apperr.KindInvalid:
		respond(w, http.StatusBadRequest, errBody(err))
	default:
		telemetry.LogError("request failed", err)
		respond(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   "internal error",
		})
	}
}

func errBody(err error) map[string]any {
	return map[string]any{"success": false, "error": err.Error()}
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		telemetry.LogDebug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
