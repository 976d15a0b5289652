package handoff

// AgentRef identifies one agent instance.
type AgentRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Params describes one completed agent run asking for a handoff.
type Params struct {
	WorkspaceID     string         `json:"workspaceId"`
	ProjectID       string         `json:"projectId"`
	StoryID         string         `json:"storyId"`
	CompletingAgent AgentRef       `json:"completingAgent"`
	NextAgentID     string         `json:"nextAgentId,omitempty"`
	Context         map[string]any `json:"context"`
	ContextSummary  string         `json:"contextSummary,omitempty"`
	IterationCount  int            `json:"iterationCount,omitempty"`
	Priority        int            `json:"priority,omitempty"`
	DurationMs      int64          `json:"durationMs,omitempty"`
}

// Result is what the coordinator tells the caller. Queued means the
// handoff waits on the capacity queue; Blocked means it waits on
// dependency completion and was NOT enqueued.
type Result struct {
	Success   bool     `json:"success"`
	Queued    bool     `json:"queued,omitempty"`
	Blocked   bool     `json:"blocked,omitempty"`
	NextAgent AgentRef `json:"nextAgent,omitempty"`
	ToPhase   string   `json:"toPhase,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// ActiveAgent is a snapshot row the rules engine evaluates against.
type ActiveAgent struct {
	ID          string
	Type        string
	StoryID     string
	Phase       string
	WorkspaceID string
}

// CoordinationStatus is the operator view of a workspace.
type CoordinationStatus struct {
	ActiveHandoffs []ActiveAgent `json:"activeHandoffs"`
	BlockedStories []string      `json:"blockedStories"`
	ActiveAgents   int           `json:"activeAgents"`
	MaxAgents      int           `json:"maxAgents"`
	QueuedHandoffs int           `json:"queuedHandoffs"`
}
