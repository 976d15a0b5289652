// Package agents runs the four pipeline agents as CLI sessions and
// turns their marker output into typed results the coordinator can
// hand off.
package agents

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"devos/internal/db"
	"devos/internal/events"
	"devos/internal/session"
)

// Output markers the agent CLIs print on their own line.
const (
	markerStory         = "PLAN_STORY:"
	markerAcceptance    = "ACCEPTANCE:"
	markerTechStack     = "TECH_STACK:"
	markerBranch        = "BRANCH:"
	markerPRUrl         = "PR_URL:"
	markerPRNumber      = "PR_NUMBER:"
	markerFile          = "FILE:"
	markerCommit        = "COMMIT:"
	markerTest          = "TEST:"
	markerVerdict       = "VERDICT:"
	markerCoverage      = "COVERAGE:"
	markerSummary       = "SUMMARY:"
	markerFailedTest    = "FAILED_TEST:"
	markerChangeRequest = "CHANGE_REQUEST:"
	markerDeployURL     = "DEPLOY_URL:"
	markerSmoke         = "SMOKE:"
)

// pollInterval is how often a running session's status is checked.
const pollInterval = 500 * time.Millisecond

// Input is the common slice of a handoff an executor receives.
type Input struct {
	WorkspaceID string
	ProjectID   string
	StoryID     string
	RepoURL     string
	Context     map[string]any
}

// Executor drives one CLI session to completion and exposes its
// transcript for marker parsing.
type Executor struct {
	sessions *session.Manager
	store    db.Store
	emitter  events.Emitter
}

// NewExecutor wires the shared executor.
func NewExecutor(sessions *session.Manager, store db.Store, emitter events.Emitter) *Executor {
	return &Executor{sessions: sessions, store: store, emitter: emitter}
}

// runSession spawns an agent session, waits for it to end, and returns
// the archived transcript lines.
func (e *Executor) runSession(ctx context.Context, agentType string, in Input, prompt string) ([]string, error) {
	sess, err := e.sessions.Spawn(ctx, session.SpawnParams{
		WorkspaceID: in.WorkspaceID,
		ProjectID:   in.ProjectID,
		AgentType:   agentType,
		RepoURL:     in.RepoURL,
		Prompt:      prompt,
	})
	if err != nil {
		return nil, err
	}

	status, err := e.waitForExit(ctx, sess.ID)
	if err != nil {
		return nil, err
	}

	transcript, archiveErr := e.store.GetArchivedSessionOutput(ctx, sess.ID)
	if status != session.StatusCompleted {
		return nil, fmt.Errorf("%s session %s ended with status %s", agentType, sess.ID, status)
	}
	if archiveErr != nil {
		return nil, fmt.Errorf("failed to load transcript for session %s: %w", sess.ID, archiveErr)
	}

	var lines []string
	for _, line := range strings.Split(transcript, "\n") {
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

func (e *Executor) waitForExit(ctx context.Context, sessionID string) (string, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.sessions.Terminate(context.Background(), sessionID)
			return "", ctx.Err()
		case <-ticker.C:
			report, err := e.sessions.Status(sessionID)
			if err != nil {
				return "", err
			}
			if report.Status != session.StatusRunning {
				return report.Status, nil
			}
		}
	}
}

// progress emits a step-progress telemetry event. Purely informational.
func (e *Executor) progress(in Input, step string, percent int) {
	if e.emitter == nil {
		return
	}
	e.emitter.Emit(events.OrchestratorStoryProgress, map[string]any{
		"workspaceId": in.WorkspaceID,
		"storyId":     in.StoryID,
		"step":        step,
		"percent":     percent,
	})
}

// markerValue returns the trimmed remainder of the first line starting
// with the marker.
func markerValue(lines []string, marker string) string {
	for _, line := range lines {
		if strings.HasPrefix(line, marker) {
			return strings.TrimSpace(strings.TrimPrefix(line, marker))
		}
	}
	return ""
}

// markerValues returns every trimmed occurrence of the marker.
func markerValues(lines []string, marker string) []string {
	var out []string
	for _, line := range lines {
		if strings.HasPrefix(line, marker) {
			out = append(out, strings.TrimSpace(strings.TrimPrefix(line, marker)))
		}
	}
	return out
}

func markerInt(lines []string, marker string) int {
	v := markerValue(lines, marker)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
