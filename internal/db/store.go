package db

import (
	"context"
	"time"
)

// Store is the persistence boundary of the orchestrator. Absent rows are
// reported as (nil, nil) so callers can distinguish "no context yet" from
// a storage failure.
type Store interface {
	Close() error

	// Pipeline contexts and transition history.
	GetPipelineContext(ctx context.Context, projectID string) (*PipelineContext, error)
	ListActiveContexts(ctx context.Context) ([]*PipelineContext, error)
	ListActiveContextsByWorkspace(ctx context.Context, workspaceID string) ([]*PipelineContext, error)
	SavePipelineContext(ctx context.Context, pc *PipelineContext) error
	// RecordTransition writes the updated context and its history row in
	// one transaction. No partial state is ever published.
	RecordTransition(ctx context.Context, pc *PipelineContext, hist *PipelineStateHistory) error
	ListStateHistory(ctx context.Context, projectID string, limit int) ([]*PipelineStateHistory, error)

	// Handoff audit.
	InsertHandoffHistory(ctx context.Context, h *HandoffHistory) error
	ListHandoffHistory(ctx context.Context, workspaceID, storyID string, limit int) ([]*HandoffHistory, error)

	// Stories.
	GetStory(ctx context.Context, id string) (*Story, error)
	SaveStory(ctx context.Context, s *Story) error

	// Jira integrations.
	GetIntegration(ctx context.Context, id string) (*JiraIntegration, error)
	GetIntegrationByWorkspace(ctx context.Context, workspaceID string) (*JiraIntegration, error)
	GetActiveIntegrationByProjectKey(ctx context.Context, projectKey string) (*JiraIntegration, error)
	SaveIntegration(ctx context.Context, integ *JiraIntegration) error
	DeleteIntegration(ctx context.Context, id string) error
	// IncrementIntegrationError is a single atomic column increment, not a
	// read-modify-write.
	IncrementIntegrationError(ctx context.Context, id, lastError string, at time.Time) error
	ResetIntegrationErrors(ctx context.Context, id string) error
	MarkIntegrationSynced(ctx context.Context, id string, at time.Time) error

	// Jira sync items.
	GetSyncItem(ctx context.Context, id string) (*JiraSyncItem, error)
	GetSyncItemByStory(ctx context.Context, integrationID, storyID string) (*JiraSyncItem, error)
	GetSyncItemByIssueID(ctx context.Context, integrationID, issueID string) (*JiraSyncItem, error)
	SaveSyncItem(ctx context.Context, item *JiraSyncItem) error
	DeleteSyncItem(ctx context.Context, id string) error
	ListSyncItems(ctx context.Context, integrationID, status string, limit, offset int) ([]*JiraSyncItem, int, error)

	// BYOK secrets.
	GetActiveSecret(ctx context.Context, workspaceID, provider string) (*ByokSecret, error)
	SaveSecret(ctx context.Context, s *ByokSecret) error
	TouchSecretUsed(ctx context.Context, id string, at time.Time) error

	// Session output archive.
	ArchiveSessionOutput(ctx context.Context, sessionID, output string) error
	GetArchivedSessionOutput(ctx context.Context, sessionID string) (string, error)
}
