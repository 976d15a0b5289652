// Package jira implements the two-way sync engine: an authenticated
// rate-limited REST client, the 3LO OAuth flow, story/issue sync with
// conflict detection, and the webhook/listener entry points.
package jira

import "fmt"

// Issue is the subset of a Jira issue the sync engine reads.
type Issue struct {
	ID     string      `json:"id"`
	Key    string      `json:"key"`
	Fields IssueFields `json:"fields"`
}

// IssueFields carries the synced fields.
type IssueFields struct {
	Summary     string         `json:"summary"`
	Description map[string]any `json:"description,omitempty"`
	Status      *Status        `json:"status,omitempty"`
	IssueType   *IssueType     `json:"issuetype,omitempty"`
	Updated     string         `json:"updated,omitempty"`
}

// Status is a Jira workflow status.
type Status struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// IssueType is a Jira issue type.
type IssueType struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Project is a Jira project reference.
type Project struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Name string `json:"name"`
}

// Transition is one available workflow transition.
type Transition struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	To   Status `json:"to"`
}

type transitionsResponse struct {
	Transitions []Transition `json:"transitions"`
}

type projectSearchResponse struct {
	Values []Project `json:"values"`
}

// Site is one Atlassian cloud site the OAuth grant can access.
type Site struct {
	ID   string `json:"id"`
	URL  string `json:"url"`
	Name string `json:"name"`
}

// RateLimitError reports local or remote throttling. RetryAfter is in
// seconds.
type RateLimitError struct {
	RetryAfter int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("jira rate limited, retry after %ds", e.RetryAfter)
}

// APIError is a non-retryable Jira REST failure.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("jira api error: status %d", e.Status)
	}
	return fmt.Sprintf("jira api error: status %d: %s", e.Status, e.Message)
}

// SyncLockError signals a concurrent sync holds the per-story or
// per-issue lock. Callers may retry with backoff.
type SyncLockError struct {
	Key string
}

func (e *SyncLockError) Error() string {
	return fmt.Sprintf("sync already in progress for %s", e.Key)
}
