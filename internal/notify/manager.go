// Package notify pushes operator-facing pipeline notifications to Slack.
package notify

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/slack-go/slack"
	"github.com/spf13/viper"

	"devos/internal/events"
	"devos/internal/telemetry"
)

// SlackAPI is the slice of the Slack client the manager uses.
type SlackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Manager listens on the event bus and forwards the operator-relevant
// subset to a Slack channel. Every send is best-effort.
type Manager struct {
	client    SlackAPI
	channelID string
	timeout   time.Duration
}

// NewManager builds a manager from viper configuration. Returns nil if
// Slack notifications are disabled or the bot token is missing.
func NewManager() *Manager {
	if !viper.GetBool("notifications.slack.enabled") {
		return nil
	}
	botToken := os.Getenv("SLACK_BOT_USER_TOKEN")
	if botToken == "" {
		telemetry.LogWarn("SLACK_BOT_USER_TOKEN not set, slack notifications disabled")
		return nil
	}
	return &Manager{
		client:    slack.New(botToken),
		channelID: viper.GetString("notifications.slack.channel"),
		timeout:   10 * time.Second,
	}
}

// NewManagerWithClient is for tests.
func NewManagerWithClient(client SlackAPI, channelID string) *Manager {
	return &Manager{client: client, channelID: channelID, timeout: 10 * time.Second}
}

// Register subscribes the manager to the bus. Safe to call on a nil
// manager so callers can wire it unconditionally.
func (m *Manager) Register(bus *events.Bus) {
	if m == nil {
		return
	}
	bus.Subscribe(events.OrchestratorEscalation, m.onEscalation)
	bus.Subscribe(events.PipelineStateChanged, m.onPipelineStateChanged)
	bus.Subscribe(events.CLISessionFailed, m.onSessionFailed)
}

func (m *Manager) onEscalation(ev events.Event) {
	if !m.eventEnabled("escalation") {
		return
	}
	m.post(fmt.Sprintf(":rotating_light: Story %v escalated to human review after %v QA iterations (workspace %v)",
		ev.Payload["storyId"], ev.Payload["iterationCount"], ev.Payload["workspaceId"]))
}

func (m *Manager) onPipelineStateChanged(ev events.Event) {
	switch ev.Payload["newState"] {
	case "failed":
		if m.eventEnabled("pipeline_failed") {
			m.post(fmt.Sprintf(":x: Pipeline for project %v failed (was %v)",
				ev.Payload["projectId"], ev.Payload["previousState"]))
		}
	case "complete":
		if m.eventEnabled("pipeline_complete") {
			m.post(fmt.Sprintf(":white_check_mark: Pipeline for project %v completed",
				ev.Payload["projectId"]))
		}
	}
}

func (m *Manager) onSessionFailed(ev events.Event) {
	if !m.eventEnabled("pipeline_failed") {
		return
	}
	m.post(fmt.Sprintf(":warning: Agent session %v (%v) failed: %v",
		ev.Payload["sessionId"], ev.Payload["agentType"], ev.Payload["error"]))
}

func (m *Manager) eventEnabled(name string) bool {
	return viper.GetBool("notifications.slack.events." + name)
}

func (m *Manager) post(message string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	_, _, err := m.client.PostMessageContext(ctx, m.channelID,
		slack.MsgOptionText(message, false))
	if err != nil {
		telemetry.LogWarn("slack notification failed", "error", err)
	}
}
