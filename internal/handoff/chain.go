// Package handoff decides which agent runs next when one completes,
// enforces cross-story coordination rules, resolves story dependencies,
// and queues work when agent capacity is exhausted.
package handoff

// Agent types known to the coordinator.
const (
	AgentPlanner = "planner"
	AgentDev     = "dev"
	AgentQA      = "qa"
	AgentDevOps  = "devops"
	AgentUser    = "user"

	// AgentComplete is the pseudo-target of the final handoff.
	AgentComplete = "complete"
)

// Pipeline phases. These mirror the pipeline states one-to-one.
const (
	PhasePlanning     = "planning"
	PhaseImplementing = "implementing"
	PhaseQA           = "qa"
	PhaseDeploying    = "deploying"
	PhaseComplete     = "complete"
	PhasePaused       = "paused"
)

// ChainEntry describes the static next hop after one agent finishes.
type ChainEntry struct {
	ToAgentType     string
	FromPhase       string
	ToPhase         string
	RequiredContext []string
}

// Chain is the static handoff table, keyed by the completing agent type.
var Chain = map[string]ChainEntry{
	AgentPlanner: {
		ToAgentType:     AgentDev,
		FromPhase:       PhasePlanning,
		ToPhase:         PhaseImplementing,
		RequiredContext: []string{"storyId", "storyTitle", "acceptanceCriteria", "techStack"},
	},
	AgentDev: {
		ToAgentType:     AgentQA,
		FromPhase:       PhaseImplementing,
		ToPhase:         PhaseQA,
		RequiredContext: []string{"branch", "prUrl", "prNumber", "testResults"},
	},
	AgentQA: {
		ToAgentType:     AgentDevOps,
		FromPhase:       PhaseQA,
		ToPhase:         PhaseDeploying,
		RequiredContext: []string{"prUrl", "prNumber", "qaVerdict", "qaReportSummary"},
	},
	AgentDevOps: {
		ToAgentType:     AgentComplete,
		FromPhase:       PhaseDeploying,
		ToPhase:         PhaseComplete,
		RequiredContext: []string{"deploymentUrl", "smokeTestsPassed"},
	},
}

// RejectionRequiredContext is the context a QA rejection routes back to
// dev with.
var RejectionRequiredContext = []string{"qaVerdict", "qaReportSummary", "failedTests", "changeRequests", "iterationCount"}
