package db

import "time"

// Pipeline states. The transition table lives in internal/pipeline; the
// store only needs to know which states are terminal for recovery scans.
const (
	StateIdle         = "idle"
	StatePlanning     = "planning"
	StateImplementing = "implementing"
	StateQA           = "qa"
	StateDeploying    = "deploying"
	StateComplete     = "complete"
	StateFailed       = "failed"
	StatePaused       = "paused"
)

// PipelineContext is the durable record of one project's orchestration
// state. Mutated only while the project-scoped transition lock is held.
type PipelineContext struct {
	ProjectID       string
	WorkspaceID     string
	WorkflowID      string
	CurrentState    string
	PreviousState   string
	StateEnteredAt  time.Time
	ActiveAgentID   string
	ActiveAgentType string
	CurrentStoryID  string
	RetryCount      int
	MaxRetries      int
	Metadata        map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// PipelineStateHistory is the append-only transition audit row.
type PipelineStateHistory struct {
	ID            string
	ProjectID     string
	WorkspaceID   string
	WorkflowID    string
	PreviousState string
	NewState      string
	TriggeredBy   string
	AgentID       string
	StoryID       string
	Metadata      map[string]any
	ErrorMessage  string
	CreatedAt     time.Time
}

// Handoff types recorded in history.
const (
	HandoffNormal     = "normal"
	HandoffRejection  = "rejection"
	HandoffEscalation = "escalation"
	HandoffCompletion = "completion"
)

// HandoffHistory is the append-only agent handoff audit row.
type HandoffHistory struct {
	ID             string
	WorkspaceID    string
	StoryID        string
	FromAgentType  string
	FromAgentID    string
	ToAgentType    string
	ToAgentID      string
	FromPhase      string
	ToPhase        string
	HandoffType    string
	ContextSummary string
	IterationCount int
	DurationMs     int64
	Metadata       map[string]any
	CreatedAt      time.Time
}

// Story is the unit of work. Owned by the surrounding system; mutated
// here only by Jira reverse sync.
type Story struct {
	ID          string
	WorkspaceID string
	Title       string
	Description string
	Status      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Sync directions for a Jira integration.
const (
	SyncDevosToJira   = "devos_to_jira"
	SyncJiraToDevos   = "jira_to_devos"
	SyncBidirectional = "bidirectional"
)

// JiraIntegration is the per-workspace Jira connection. Token fields are
// ciphertext; they are never logged or returned decrypted.
type JiraIntegration struct {
	ID              string
	WorkspaceID     string
	CloudID         string
	JiraSiteURL     string
	JiraProjectKey  string
	JiraProjectName string
	IssueType       string
	SyncDirection   string
	StatusMapping   map[string]string
	FieldMapping    map[string]string
	AccessToken     string
	AccessTokenIV   string
	RefreshToken    string
	RefreshTokenIV  string
	TokenExpiresAt  time.Time
	WebhookID       string
	WebhookSecret   string
	WebhookSecretIV string
	IsActive        bool
	ErrorCount      int
	SyncCount       int
	LastSyncAt      *time.Time
	LastError       string
	LastErrorAt     *time.Time
	ConnectedBy     string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Sync item statuses.
const (
	SyncStatusPending  = "pending"
	SyncStatusSynced   = "synced"
	SyncStatusConflict = "conflict"
	SyncStatusError    = "error"
)

// ConflictDetails captures both sides of a detected concurrent edit.
type ConflictDetails struct {
	DevosValue       map[string]any `json:"devosValue"`
	JiraValue        map[string]any `json:"jiraValue"`
	ConflictedFields []string       `json:"conflictedFields"`
	DetectedAt       time.Time      `json:"detectedAt"`
}

// JiraSyncItem links one story to one Jira issue plus sync metadata.
type JiraSyncItem struct {
	ID                string
	JiraIntegrationID string
	DevosStoryID      string
	JiraIssueKey      string
	JiraIssueID       string
	JiraIssueType     string
	SyncStatus        string
	SyncDirectionLast string
	LastSyncedAt      *time.Time
	LastDevosUpdateAt *time.Time
	LastJiraUpdateAt  *time.Time
	ErrorMessage      string
	ConflictDetails   *ConflictDetails
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// BYOK providers.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// ByokSecret is a per-workspace encrypted third-party API key.
type ByokSecret struct {
	ID              string
	WorkspaceID     string
	KeyName         string
	Provider        string
	EncryptedKey    string
	EncryptionIV    string
	CreatedByUserID string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastUsedAt      *time.Time
	IsActive        bool
}

// IsTerminalState reports whether a pipeline run cannot progress from s.
func IsTerminalState(s string) bool {
	return s == StateComplete || s == StateFailed
}
